package session

import (
	"fmt"

	"github.com/cat-in-the-dark/MessageBus/internal/invoker"
)

// Sender delivers an outbound message to the session's peer.
type Sender interface {
	Send(msg any) error
}

// Holder pairs a session's Context with its identity and owning invoker.
// Handlers receive the Holder; the Context is reachable only through it.
type Holder struct {
	id         string
	remoteAddr string
	ctx        *Context
	inv        invoker.Invoker
	sender     Sender
}

// NewHolder binds a fresh Context to inv.
//
// Precondition: id must be non-empty; inv must be non-nil. sender may be nil,
// in which case Reply returns an error.
// Postcondition: Returns a Holder whose Context is confined to inv.
func NewHolder(id, remoteAddr string, inv invoker.Invoker, sender Sender) *Holder {
	return &Holder{
		id:         id,
		remoteAddr: remoteAddr,
		ctx:        NewContext(),
		inv:        inv,
		sender:     sender,
	}
}

// ID returns the session identifier.
func (h *Holder) ID() string { return h.id }

// RemoteAddr returns the peer address the session was opened for.
func (h *Holder) RemoteAddr() string { return h.remoteAddr }

// Context returns the session state. Only call from work running on Invoker.
func (h *Holder) Context() *Context { return h.ctx }

// Invoker returns the invoker that confines this session.
func (h *Holder) Invoker() invoker.Invoker { return h.inv }

// Reply sends msg back to the session's peer.
//
// Postcondition: msg is handed to the session's Sender, or an error is returned.
func (h *Holder) Reply(msg any) error {
	if h.sender == nil {
		return fmt.Errorf("session %s has no sender", h.id)
	}
	return h.sender.Send(msg)
}

// String identifies the session without touching its confined state.
func (h *Holder) String() string {
	return fmt.Sprintf("Holder(id=%s, remote=%s)", h.id, h.remoteAddr)
}
