package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutbox_Push(t *testing.T) {
	o := NewOutbox("test", 4)
	require.NoError(t, o.Push([]byte("hello")))

	frame := <-o.Frames()
	assert.Equal(t, []byte("hello"), frame)
}

func TestOutbox_PushClosed(t *testing.T) {
	o := NewOutbox("test", 4)
	o.Close()
	err := o.Push([]byte("fail"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestOutbox_PushFull(t *testing.T) {
	o := NewOutbox("test", 1)
	require.NoError(t, o.Push([]byte("first")))
	err := o.Push([]byte("overflow"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "buffer full")
}

func TestOutbox_CloseIdempotent(t *testing.T) {
	o := NewOutbox("test", 4)
	o.Close()
	o.Close()
	_, open := <-o.Frames()
	assert.False(t, open)
}

func TestOutbox_DefaultBufferSize(t *testing.T) {
	o := NewOutbox("test", 0)
	for i := 0; i < 64; i++ {
		require.NoError(t, o.Push([]byte{byte(i)}))
	}
	assert.Error(t, o.Push([]byte{0}))
}
