package protocol

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// Conn wraps a stream connection with message framing. Send is safe for
// concurrent use; Receive must be called from a single goroutine.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	limits Limits

	writeMu      sync.Mutex
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps c. A zero writeTimeout disables write deadlines.
func NewConn(c net.Conn, limits Limits, writeTimeout time.Duration) *Conn {
	return &Conn{
		conn:         c,
		reader:       bufio.NewReader(c),
		limits:       limits,
		writeTimeout: writeTimeout,
	}
}

// Send writes one message. Frames from concurrent senders never interleave.
func (c *Conn) Send(msgType MessageType, body any, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return mapClosed(err)
		}
	}
	return mapClosed(Write(c.conn, msgType, body, payload))
}

// Receive blocks until a full message arrives. It returns ErrClosed when the
// connection ends, including when Close was called from another goroutine.
func (c *Conn) Receive() (*Message, error) {
	msg, err := Read(c.reader, c.limits)
	if err != nil {
		return nil, mapClosed(err)
	}
	return msg, nil
}

// SetReadDeadline bounds the next Receive
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection once
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// IsTimeout reports whether err is a deadline expiry
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func mapClosed(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return ErrClosed
	}
	return err
}
