// Package gateway runs the per-connection loop that turns frames into
// dispatched messages.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/cat-in-the-dark/MessageBus/internal/codec"
	"github.com/cat-in-the-dark/MessageBus/internal/dispatch"
	"github.com/cat-in-the-dark/MessageBus/internal/session"
	"github.com/cat-in-the-dark/MessageBus/internal/transport"
)

// Handler implements transport.SessionHandler. Safe for concurrent use; one
// Handler serves every connection.
type Handler struct {
	sessions   *session.Manager
	dispatcher *dispatch.Dispatcher
	codec      codec.Codec
	outboxSize int
	logger     *zap.Logger
}

var _ transport.SessionHandler = (*Handler)(nil)

// Options configures a Handler.
type Options struct {
	Sessions   *session.Manager
	Dispatcher *dispatch.Dispatcher
	// Codec defaults to codec.Protobuf.
	Codec codec.Codec
	// OutboxSize is the per-session outbound buffer; <= 0 uses the Outbox default.
	OutboxSize int
	Logger     *zap.Logger
}

// NewHandler creates a gateway Handler.
//
// Precondition: opts.Sessions, opts.Dispatcher and opts.Logger must be non-nil.
func NewHandler(opts Options) *Handler {
	c := opts.Codec
	if c == nil {
		c = codec.Protobuf{}
	}
	return &Handler{
		sessions:   opts.Sessions,
		dispatcher: opts.Dispatcher,
		codec:      c,
		outboxSize: opts.OutboxSize,
		logger:     opts.Logger,
	}
}

// sender encodes replies into the session's outbox.
type sender struct {
	codec  codec.Codec
	outbox *session.Outbox
}

func (s *sender) Send(msg any) error {
	payload, err := s.codec.Encode(msg)
	if err != nil {
		return err
	}
	return s.outbox.Push(payload)
}

// HandleSession opens a session for conn, dispatches every decoded frame to
// it and closes the session when the peer disconnects or ctx is cancelled.
//
// Postcondition: The session is closed and its writer has exited. Returns nil
// on a clean disconnect, or the error that ended the read loop.
func (g *Handler) HandleSession(ctx context.Context, conn *transport.Conn) (err error) {
	outbox := session.NewOutbox(conn.RemoteAddr(), g.outboxSize)
	h, err := g.sessions.Open(conn.RemoteAddr(), &sender{codec: g.codec, outbox: outbox})
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}
	logger := g.logger.With(zap.String("session", h.ID()))

	writerDone := make(chan struct{})
	go g.writeLoop(conn, outbox, logger, writerDone)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in connection loop",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("connection loop panic: %v", r)
		}
		g.closeSession(h.ID(), outbox, writerDone, logger)
	}()

	return g.readLoop(ctx, conn, h, logger)
}

func (g *Handler) readLoop(ctx context.Context, conn *transport.Conn, h *session.Holder, logger *zap.Logger) error {
	for {
		payload, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}

		msg, err := g.codec.Decode(payload)
		if err != nil {
			logger.Warn("dropping undecodable frame",
				zap.Int("bytes", len(payload)),
				zap.Error(err),
			)
			continue
		}

		if err := g.dispatcher.Dispatch(msg, h); err != nil {
			// Unregistered types are logged by the dispatcher.
			if !errors.Is(err, dispatch.ErrUnregistered) {
				logger.Warn("dispatch failed", zap.Error(err))
			}
		}
	}
}

// writeLoop drains the outbox until it is closed.
func (g *Handler) writeLoop(conn *transport.Conn, outbox *session.Outbox, logger *zap.Logger, done chan<- struct{}) {
	defer close(done)
	for frame := range outbox.Frames() {
		if err := conn.WriteFrame(frame); err != nil {
			logger.Debug("writing frame", zap.Error(err))
			conn.Close()
			return
		}
	}
}

// closeSession closes the session, waits for its queued work to finish and
// then stops the writer, so replies produced by the last handlers are sent.
func (g *Handler) closeSession(id string, outbox *session.Outbox, writerDone <-chan struct{}, logger *zap.Logger) {
	drained, err := g.sessions.Close(id)
	if err != nil {
		logger.Debug("closing session", zap.Error(err))
	} else {
		select {
		case <-drained:
		case <-time.After(5 * time.Second):
			logger.Warn("session invoker did not drain in time")
		}
	}
	outbox.Close()
	<-writerDone
}
