// Package handlers holds the built-in message handlers and assembles the
// process-wide handler registry.
package handlers

import (
	"go.uber.org/zap"

	"github.com/cat-in-the-dark/MessageBus/internal/dispatch"
	"github.com/cat-in-the-dark/MessageBus/internal/scripting"
	"github.com/cat-in-the-dark/MessageBus/internal/session"
)

// Builtin holds handlers implemented in Go.
type Builtin struct {
	logger *zap.Logger
}

// NewBuiltin creates the built-in handler set.
//
// Precondition: logger must be non-nil.
func NewBuiltin(logger *zap.Logger) *Builtin {
	return &Builtin{logger: logger}
}

// OnDouble counts float64 messages in the session's Data.
func (b *Builtin) OnDouble(msg float64, h *session.Holder) {
	h.Context().Data++
	b.logger.Debug("double",
		zap.Float64("msg", msg),
		zap.Stringer("holder", h),
		zap.Int64("data", h.Context().Data),
	)
}

// OnPing echoes int64 messages back to the peer.
func (b *Builtin) OnPing(msg int64, h *session.Holder) {
	if err := h.Reply(msg); err != nil {
		b.logger.Warn("ping reply failed",
			zap.String("session", h.ID()),
			zap.Error(err),
		)
	}
}

// Bindings returns the built-in bindings followed by the scripted string
// handler when scripts is non-nil.
func Bindings(b *Builtin, scripts *scripting.Manager) []dispatch.Binding {
	bindings := []dispatch.Binding{
		dispatch.Bind(b.OnDouble),
		dispatch.Bind(b.OnPing),
	}
	if scripts != nil {
		bindings = append(bindings, dispatch.Bind(scripts.HandleString))
	}
	return bindings
}

// NewRegistry builds the process-wide registry.
//
// Postcondition: Returns a Registry with every built-in handler, or an error
// on duplicate bindings.
func NewRegistry(logger *zap.Logger, scripts *scripting.Manager) (*dispatch.Registry, error) {
	return dispatch.NewRegistry(Bindings(NewBuiltin(logger), scripts)...)
}
