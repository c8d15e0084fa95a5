package coord

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed reports use of a closed connection or listener.
var ErrClosed = errors.New("coord: transport closed")

// Conn is one bidirectional control connection. Send is safe for
// concurrent use; Recv is not, a single reader owns it.
type Conn interface {
	Send(ctx context.Context, msg Message) error
	Recv(ctx context.Context) (Message, error)
	Close() error
}

// Listener accepts control connections on the coordinator side.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	Close() error
}

// Dialer opens a control connection from the node side.
type Dialer func(ctx context.Context, addr string) (Conn, error)

// memoryConn is one end of an in-process connection pair, used by tests
// and single-process runs.
type memoryConn struct {
	out chan Message
	in  chan Message

	closeOnce sync.Once
	closed    chan struct{}
	peerDone  chan struct{}
}

// NewMemoryPipe returns two connected in-process control connections.
func NewMemoryPipe() (Conn, Conn) {
	ab := make(chan Message, 64)
	ba := make(chan Message, 64)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})
	a := &memoryConn{out: ab, in: ba, closed: aClosed, peerDone: bClosed}
	b := &memoryConn{out: ba, in: ab, closed: bClosed, peerDone: aClosed}
	return a, b
}

func (c *memoryConn) Send(ctx context.Context, msg Message) error {
	select {
	case c.out <- msg:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-c.peerDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memoryConn) Recv(ctx context.Context) (Message, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		return nil, ErrClosed
	case <-c.peerDone:
		// Drain what the peer sent before it closed.
		select {
		case msg := <-c.in:
			return msg, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memoryConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// MemoryListener hands out coordinator-side ends of memory pipes.
type MemoryListener struct {
	conns chan Conn

	closeOnce sync.Once
	closed    chan struct{}
}

func NewMemoryListener() *MemoryListener {
	return &MemoryListener{
		conns:  make(chan Conn, 16),
		closed: make(chan struct{}),
	}
}

// Dial creates a new pipe, queues the server end for Accept, and
// returns the client end.
func (l *MemoryListener) Dial(ctx context.Context, _ string) (Conn, error) {
	server, client := NewMemoryPipe()
	select {
	case l.conns <- server:
		return client, nil
	case <-l.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MemoryListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MemoryListener) Addr() string { return "memory" }

func (l *MemoryListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}
