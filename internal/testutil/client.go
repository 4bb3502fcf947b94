// Package testutil provides helpers for integration tests.
package testutil

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/cat-in-the-dark/MessageBus/internal/codec"
)

// FrameClient is a length-prefixed frame client for integration testing.
type FrameClient struct {
	conn   net.Conn
	reader *bufio.Reader
	t      *testing.T
}

// NewFrameClient dials the given address and returns a test client.
//
// Precondition: addr must be a valid "host:port" string with a listening server.
// Postcondition: Returns a connected FrameClient or fails the test.
func NewFrameClient(t *testing.T, addr string) *FrameClient {
	t.Helper()
	start := time.Now()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}

	t.Cleanup(func() {
		conn.Close()
	})

	client := &FrameClient{
		conn:   conn,
		reader: bufio.NewReader(conn),
		t:      t,
	}

	t.Logf("frame client connected to %s [%s]", addr, time.Since(start))
	return client
}

// SendFrame writes payload with its length prefix.
func (c *FrameClient) SendFrame(payload []byte) {
	c.t.Helper()
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	c.SendRaw(buf)
}

// SendRaw writes bytes as-is, without framing.
func (c *FrameClient) SendRaw(data []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write(data); err != nil {
		c.t.Fatalf("sending %d bytes: %v", len(data), err)
	}
}

// Send encodes msg with the protobuf codec and sends it as one frame.
//
// Precondition: msg must be encodable by codec.Encode.
func (c *FrameClient) Send(msg any) {
	c.t.Helper()
	payload, err := codec.Encode(msg)
	if err != nil {
		c.t.Fatalf("encoding %T: %v", msg, err)
	}
	c.SendFrame(payload)
}

// ReadFrame reads one frame or fails the test on timeout.
func (c *FrameClient) ReadFrame(timeout time.Duration) []byte {
	c.t.Helper()
	payload, err := c.TryReadFrame(timeout)
	if err != nil {
		c.t.Fatalf("reading frame: %v", err)
	}
	return payload
}

// TryReadFrame reads one frame and returns any error instead of failing.
func (c *FrameClient) TryReadFrame(timeout time.Duration) ([]byte, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	var header [4]byte
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		return nil, err
	}
	payload := make([]byte, binary.BigEndian.Uint32(header[:]))
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Receive reads one frame and decodes it with the protobuf codec.
func (c *FrameClient) Receive(timeout time.Duration) any {
	c.t.Helper()
	msg, err := codec.Decode(c.ReadFrame(timeout))
	if err != nil {
		c.t.Fatalf("decoding frame: %v", err)
	}
	return msg
}

// Close closes the underlying connection.
func (c *FrameClient) Close() {
	c.conn.Close()
}
