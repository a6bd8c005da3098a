// Package remotecmdtest provides an in-memory connection and a mock dialer for testing exec clients.
package remotecmdtest

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"

	"github.com/guseggert/kubecp/remotecmd"
	"github.com/stretchr/testify/mock"
	"nhooyr.io/websocket"
)

// NormalClosure is the error a connection returns once the peer has closed it cleanly.
var NormalClosure error = websocket.CloseError{Code: websocket.StatusNormalClosure}

// MockDialer is a remotecmd.Dialer backed by testify's mock.
type MockDialer struct {
	mock.Mock
}

func (d *MockDialer) Dial(ctx context.Context, url string, header http.Header) (remotecmd.Conn, error) {
	args := d.Called(ctx, url, header)
	conn, _ := args.Get(0).(remotecmd.Conn)
	return conn, args.Error(1)
}

// Conn is an in-memory remotecmd.Conn. Frames queued with Deliver are returned by Read in order,
// and frames written by the client are recorded.
type Conn struct {
	// Protocol is returned by Subprotocol.
	Protocol string
	// OnWrite, if set, is called with every frame the client writes.
	OnWrite func(c *Conn, frame []byte)

	in chan []byte

	hangupOnce sync.Once
	hungUp     chan struct{}
	hangupErr  error

	closeOnce sync.Once
	closed    chan struct{}

	mut        sync.Mutex
	sent       [][]byte
	closeCalls int
}

func NewConn(protocol string) *Conn {
	return &Conn{
		Protocol: protocol,
		in:       make(chan []byte, 1024),
		hungUp:   make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

// Deliver queues an inbound frame.
func (c *Conn) Deliver(ch remotecmd.Channel, payload []byte) {
	c.in <- remotecmd.EncodeFrame(ch, payload)
}

// DeliverRaw queues an inbound message as-is.
func (c *Conn) DeliverRaw(msg []byte) {
	c.in <- msg
}

// DeliverStatus queues a status frame.
func (c *Conn) DeliverStatus(st remotecmd.Status) {
	b, err := json.Marshal(st)
	if err != nil {
		panic(err)
	}
	c.Deliver(remotecmd.StatusChannel, b)
}

// Pending returns how many queued inbound frames the client has not read yet.
func (c *Conn) Pending() int { return len(c.in) }

// Hangup ends the inbound stream after the queued frames, with err returned from Read.
func (c *Conn) Hangup(err error) {
	c.hangupOnce.Do(func() {
		c.hangupErr = err
		close(c.hungUp)
	})
}

func (c *Conn) Subprotocol() string { return c.Protocol }

func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	default:
	}
	select {
	case b := <-c.in:
		return b, nil
	case <-c.hungUp:
		select {
		case b := <-c.in:
			return b, nil
		default:
		}
		return nil, c.hangupErr
	case <-c.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) Write(ctx context.Context, b []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	frame := append([]byte(nil), b...)
	c.mut.Lock()
	c.sent = append(c.sent, frame)
	c.mut.Unlock()
	if c.OnWrite != nil {
		c.OnWrite(c, frame)
	}
	return nil
}

func (c *Conn) Close() error {
	c.mut.Lock()
	c.closeCalls++
	c.mut.Unlock()
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Closed is closed once the client has closed the connection.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// CloseCalls returns how many times Close was called.
func (c *Conn) CloseCalls() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.closeCalls
}

// Sent returns all frames written by the client.
func (c *Conn) Sent() [][]byte {
	c.mut.Lock()
	defer c.mut.Unlock()
	return append([][]byte(nil), c.sent...)
}

// SentOn returns the concatenated payloads the client wrote on ch.
func (c *Conn) SentOn(ch remotecmd.Channel) []byte {
	var buf bytes.Buffer
	for _, f := range c.Sent() {
		if len(f) > 0 && remotecmd.Channel(f[0]) == ch {
			buf.Write(f[1:])
		}
	}
	return buf.Bytes()
}
