// Package session provides per-connection state confined to one invoker, and
// the manager that creates and tears sessions down.
package session

// Context is the mutable state of one session.
//
// Context is not synchronized. It must only be read or written from work
// running on the owning session's invoker.
type Context struct {
	// Data is the session's counter, advanced by handlers.
	Data int64

	attachments map[string]any
	releases    []func()
}

// NewContext returns an empty Context.
func NewContext() *Context {
	return &Context{attachments: make(map[string]any)}
}

// Attach stores v under key, replacing any previous value.
func (c *Context) Attach(key string, v any) {
	if c.attachments == nil {
		c.attachments = make(map[string]any)
	}
	c.attachments[key] = v
}

// Attachment returns the value stored under key.
//
// Postcondition: Returns (value, true) if present, or (nil, false).
func (c *Context) Attachment(key string) (any, bool) {
	v, ok := c.attachments[key]
	return v, ok
}

// OnRelease registers fn to run on the session's invoker when the session
// is closed. Release hooks run in reverse registration order.
func (c *Context) OnRelease(fn func()) {
	c.releases = append(c.releases, fn)
}

// release runs and clears all release hooks.
func (c *Context) release() {
	for i := len(c.releases) - 1; i >= 0; i-- {
		c.releases[i]()
	}
	c.releases = nil
	c.attachments = nil
}
