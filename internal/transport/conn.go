// Package transport accepts TCP connections and exchanges length-prefixed
// frames over them.
package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// HeaderSize is the length of the big-endian frame length prefix.
const HeaderSize = 4

// ErrFrameTooLarge is returned when a frame exceeds the configured maximum.
var ErrFrameTooLarge = errors.New("transport: frame too large")

// Conn wraps a TCP connection with frame-based reading and writing.
// ReadFrame must be called from a single goroutine; WriteFrame and Close are
// safe for concurrent use.
type Conn struct {
	raw    net.Conn
	reader *bufio.Reader
	mu     sync.Mutex
	once   sync.Once

	readTimeout  time.Duration
	writeTimeout time.Duration
	maxFrame     int
}

// NewConn wraps a raw connection.
//
// Precondition: raw must be a valid, open network connection; maxFrame must be > 0.
// Postcondition: Returns a Conn ready for reading and writing.
func NewConn(raw net.Conn, readTimeout, writeTimeout time.Duration, maxFrame int) *Conn {
	return &Conn{
		raw:          raw,
		reader:       bufio.NewReaderSize(raw, 4096),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		maxFrame:     maxFrame,
	}
}

// ReadFrame reads the next frame payload.
//
// Postcondition: Returns the payload, io.EOF on a clean close between frames,
// io.ErrUnexpectedEOF on a truncated frame, or an error wrapping ErrFrameTooLarge.
func (c *Conn) ReadFrame() ([]byte, error) {
	if c.readTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
	}

	var header [HeaderSize]byte
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if uint64(n) > uint64(c.maxFrame) {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, n, c.maxFrame)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes payload as one frame.
//
// Postcondition: The length prefix and payload are written, or an error is returned.
func (c *Conn) WriteFrame(payload []byte) error {
	if len(payload) > c.maxFrame {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, len(payload), c.maxFrame)
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	_, err := c.raw.Write(buf)
	return err
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

// Close closes the underlying connection. Safe to call more than once.
//
// Postcondition: The connection is closed; blocked reads return an error.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() { err = c.raw.Close() })
	return err
}
