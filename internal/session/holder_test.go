package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cat-in-the-dark/MessageBus/internal/invoker"
)

type sendFunc func(msg any) error

func (f sendFunc) Send(msg any) error { return f(msg) }

func TestHolder_Accessors(t *testing.T) {
	q := invoker.New(invoker.Options{Name: "holder"})
	defer q.Shutdown()

	h := NewHolder("abc", "10.0.0.1:5000", q, nil)
	assert.Equal(t, "abc", h.ID())
	assert.Equal(t, "10.0.0.1:5000", h.RemoteAddr())
	assert.Same(t, q, h.Invoker())
	require.NotNil(t, h.Context())
	assert.Equal(t, int64(0), h.Context().Data)
	assert.Equal(t, "Holder(id=abc, remote=10.0.0.1:5000)", h.String())
}

func TestHolder_ReplyWithoutSender(t *testing.T) {
	h := NewHolder("abc", "peer", nil, nil)
	assert.Error(t, h.Reply(1.0))
}

func TestHolder_ManagerSessionWithoutSender(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	h, err := m.Open("peer", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.CloseAll(context.Background()) })

	assert.Error(t, h.Reply("hello"))
}

func TestHolder_ReplyUsesSender(t *testing.T) {
	var got any
	h := NewHolder("abc", "peer", nil, sendFunc(func(msg any) error {
		got = msg
		return nil
	}))
	require.NoError(t, h.Reply("pong"))
	assert.Equal(t, "pong", got)

	boom := errors.New("boom")
	h = NewHolder("abc", "peer", nil, sendFunc(func(any) error { return boom }))
	assert.ErrorIs(t, h.Reply("pong"), boom)
}
