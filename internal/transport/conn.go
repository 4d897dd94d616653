// Package transport moves framed messages over the job's two
// channels: a reliable byte stream for master<->worker control and a
// datagram socket for peer ray traffic.
package transport

import (
	"bufio"
	"errors"
	"net"
	"sync"

	"github.com/danmuck/rayctl/internal/protocol"
)

// ErrConnClosed is returned for sends after the connection died.
var ErrConnClosed = errors.New("transport: connection closed")

const connWriteBacklog = 1024

// Conn is a framed reliable connection. Reads are delivered on a
// channel; writes are queued and flushed by a single writer.
type Conn struct {
	raw      net.Conn
	incoming chan protocol.Message
	out      chan []byte

	closeOnce sync.Once
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

// NewConn wraps an established stream connection and starts its
// reader and writer.
func NewConn(raw net.Conn) *Conn {
	c := &Conn{
		raw:      raw,
		incoming: make(chan protocol.Message, 256),
		out:      make(chan []byte, connWriteBacklog),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Dial connects to addr and wraps the connection.
func Dial(addr string) (*Conn, error) {
	raw, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewConn(raw), nil
}

func (c *Conn) readLoop() {
	r := bufio.NewReaderSize(c.raw, 64*1024)
	for {
		msg, err := protocol.ReadMessage(r)
		if err != nil {
			c.fail(err)
			close(c.incoming)
			return
		}
		select {
		case c.incoming <- msg:
		case <-c.done:
			close(c.incoming)
			return
		}
	}
}

func (c *Conn) writeLoop() {
	w := bufio.NewWriterSize(c.raw, 64*1024)
	for {
		select {
		case buf := <-c.out:
			if _, err := w.Write(buf); err != nil {
				c.fail(err)
				return
			}
			// Coalesce whatever else is queued before flushing.
			for drained := false; !drained; {
				select {
				case more := <-c.out:
					if _, err := w.Write(more); err != nil {
						c.fail(err)
						return
					}
				default:
					drained = true
				}
			}
			if err := w.Flush(); err != nil {
				c.fail(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// Enqueue frames msg and queues it for writing.
func (c *Conn) Enqueue(msg protocol.Message) error {
	buf, err := msg.Marshal()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	case c.out <- buf:
		return nil
	}
}

// Incoming delivers parsed messages; it is closed when the connection
// dies.
func (c *Conn) Incoming() <-chan protocol.Message {
	return c.incoming
}

// Err returns the terminal error once the connection has failed.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// RemoteAddr returns the peer's address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

func (c *Conn) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
	c.Close()
}

// Close tears the connection down; safe to call repeatedly.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.raw.Close()
	})
}
