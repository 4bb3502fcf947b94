package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContext_Attachments(t *testing.T) {
	c := NewContext()
	_, ok := c.Attachment("vm")
	assert.False(t, ok)

	c.Attach("vm", 42)
	v, ok := c.Attachment("vm")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	c.Attach("vm", 43)
	v, _ = c.Attachment("vm")
	assert.Equal(t, 43, v)
}

func TestContext_ZeroValueAttach(t *testing.T) {
	var c Context
	c.Attach("k", "v")
	v, ok := c.Attachment("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestContext_ReleaseClearsState(t *testing.T) {
	c := NewContext()
	calls := 0
	c.OnRelease(func() { calls++ })
	c.Attach("k", 1)

	c.release()
	c.release()

	assert.Equal(t, 1, calls)
	_, ok := c.Attachment("k")
	assert.False(t, ok)
}
