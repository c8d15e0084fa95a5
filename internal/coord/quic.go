package coord

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// quicConn frames messages over a single bidirectional QUIC stream with
// the same length prefix as the TCP transport.
type quicConn struct {
	conn   *quic.Conn
	stream *quic.Stream
	codec  Codec
	wmu    sync.Mutex
}

func (c *quicConn) Send(ctx context.Context, msg Message) error {
	data, err := c.codec.Marshal(msg)
	if err != nil {
		return err
	}
	if len(data) > maxControlFrame {
		return fmt.Errorf("control frame %d bytes exceeds limit", len(data))
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := c.stream.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write length: %w", err)
	}
	if _, err := c.stream.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *quicConn) Recv(ctx context.Context) (Message, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.stream.SetReadDeadline(deadline)
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(c.stream, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) || isQUICClosed(err) {
			return nil, ErrClosed
		}
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > maxControlFrame {
		return nil, fmt.Errorf("control frame %d bytes exceeds limit", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(c.stream, data); err != nil {
		return nil, err
	}
	return c.codec.Unmarshal(data)
}

func (c *quicConn) Close() error {
	c.stream.Close()
	return c.conn.CloseWithError(0, "control connection closed")
}

func isQUICClosed(err error) bool {
	var appErr *quic.ApplicationError
	var idleErr *quic.IdleTimeoutError
	return errors.As(err, &appErr) || errors.As(err, &idleErr)
}

// QUICListener carries the control plane over QUIC for deployments that
// already test QUIC-based IoT protocols and want one transport stack.
type QUICListener struct {
	ln    *quic.Listener
	codec Codec
}

// ListenQUIC binds a QUIC control listener with a throwaway self-signed
// certificate.
func ListenQUIC(addr string, codec Codec) (*QUICListener, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate TLS cert: %w", err)
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{controlALPN},
	}
	quicConf := &quic.Config{
		MaxIdleTimeout:  2 * time.Minute,
		KeepAlivePeriod: 15 * time.Second,
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	return &QUICListener{ln: ln, codec: codec}, nil
}

func (l *QUICListener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "no control stream")
		return nil, err
	}
	return &quicConn{conn: conn, stream: stream, codec: l.codec}, nil
}

func (l *QUICListener) Addr() string { return l.ln.Addr().String() }

func (l *QUICListener) Close() error { return l.ln.Close() }

// DialQUIC returns a Dialer for the QUIC control transport. Certificate
// verification is skipped; the coordinator's cert is self-signed and
// minted per run.
func DialQUIC(codec Codec) Dialer {
	return func(ctx context.Context, addr string) (Conn, error) {
		tlsConf := &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{controlALPN},
		}
		quicConf := &quic.Config{
			MaxIdleTimeout:  2 * time.Minute,
			KeepAlivePeriod: 15 * time.Second,
		}
		conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
		if err != nil {
			return nil, fmt.Errorf("quic dial %s: %w", addr, err)
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			conn.CloseWithError(0, "open control stream")
			return nil, err
		}
		return &quicConn{conn: conn, stream: stream, codec: codec}, nil
	}
}
