package coord

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// maxControlFrame bounds a single control message. REPORT batches from
// large shards dominate; 64 MiB leaves ample headroom.
const maxControlFrame = 64 << 20

// tcpConn frames codec-encoded messages with a 4-byte big-endian length
// prefix over a TCP stream.
type tcpConn struct {
	conn  net.Conn
	codec Codec
	wmu   sync.Mutex
}

func (c *tcpConn) Send(ctx context.Context, msg Message) error {
	data, err := c.codec.Marshal(msg)
	if err != nil {
		return err
	}
	if len(data) > maxControlFrame {
		return fmt.Errorf("control frame %d bytes exceeds limit", len(data))
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := c.conn.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *tcpConn) Recv(ctx context.Context) (Message, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > maxControlFrame {
		return nil, fmt.Errorf("control frame %d bytes exceeds limit", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return nil, err
	}
	return c.codec.Unmarshal(data)
}

func (c *tcpConn) Close() error { return c.conn.Close() }

// TCPListener is the default control-plane listener.
type TCPListener struct {
	ln    net.Listener
	codec Codec
}

// ListenTCP binds the coordinator's control port. Use ":0" to let the
// OS pick one; Addr reports the result.
func ListenTCP(addr string, codec Codec) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &TCPListener{ln: ln, codec: codec}, nil
}

func (l *TCPListener) Accept(ctx context.Context) (Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if tl, ok := l.ln.(*net.TCPListener); ok {
			tl.SetDeadline(deadline)
		}
	}
	conn, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return &tcpConn{conn: conn, codec: l.codec}, nil
}

func (l *TCPListener) Addr() string { return l.ln.Addr().String() }

func (l *TCPListener) Close() error { return l.ln.Close() }

// DialTCP returns a Dialer for the TCP control transport.
func DialTCP(codec Codec) Dialer {
	return func(ctx context.Context, addr string) (Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return &tcpConn{conn: conn, codec: codec}, nil
	}
}
