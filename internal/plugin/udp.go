package plugin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"iotharness/internal/metrics"
	"iotharness/internal/wire"
)

// UDPPlugin is the built-in active protocol: raw datagrams carrying the
// timing header. It doubles as the reference implementation for plugin
// authors and as the loopback protocol in tests.
type UDPPlugin struct {
	mu       sync.Mutex
	server   *net.UDPConn
	clients  []*net.UDPConn
	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
}

func NewUDP() Plugin {
	return &UDPPlugin{done: make(chan struct{})}
}

func (p *UDPPlugin) Name() string { return "udp" }
func (p *UDPPlugin) Mode() Mode   { return ModeActive }

// StartServer binds the receive socket and decodes every datagram's
// timing header into a receipt.
func (p *UDPPlugin) StartServer(ctx context.Context, cfg Config) error {
	addr, err := net.ResolveUDPAddr("udp", cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBind, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBind, err)
	}

	p.mu.Lock()
	p.server = conn
	p.mu.Unlock()

	go p.serve(conn, cfg.OnReceipt)
	return nil
}

func (p *UDPPlugin) serve(conn *net.UDPConn, receipt func(metrics.Record)) {
	buf := make([]byte, 64*1024)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-p.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		now := wire.Now()
		hdr, rest, err := wire.Decode(buf[:n])
		if err != nil {
			continue // malformed datagram, not a protocol record
		}
		// Untagged traffic gets attributed to the serving node by the
		// receipt consumer.
		sender, _, _ := wire.UntagSender(rest)
		if receipt != nil {
			receipt(metrics.Record{
				Seq:          hdr.Seq,
				NodeID:       sender,
				SentAtUS:     hdr.SendTimeUS,
				ReceivedAtUS: now,
				Received:     true,
			})
		}
	}
}

// Addr returns the server's bound address, useful when the config asked
// for port 0.
func (p *UDPPlugin) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server == nil {
		return ""
	}
	return p.server.LocalAddr().String()
}

// StartClients dials one socket per simulated client.
func (p *UDPPlugin) StartClients(ctx context.Context, cfg Config) error {
	serverAddr := cfg.ServerAddr
	if a := p.Addr(); a != "" {
		serverAddr = a
	}
	raddr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", ErrRuntime, serverAddr, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < cfg.Clients; i++ {
		conn, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			return fmt.Errorf("%w: client %d dial: %v", ErrRuntime, i, err)
		}
		p.clients = append(p.clients, conn)
	}
	return nil
}

func (p *UDPPlugin) SendData(ctx context.Context, client int, payload []byte) error {
	p.mu.Lock()
	if client < 0 || client >= len(p.clients) {
		p.mu.Unlock()
		return fmt.Errorf("%w: no client %d", ErrRuntime, client)
	}
	conn := p.clients[client]
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrRuntime, err)
	}
	return nil
}

func (p *UDPPlugin) Stop() error {
	p.stopOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.server != nil {
			p.stopErr = p.server.Close()
		}
		for _, c := range p.clients {
			c.Close()
		}
		p.clients = nil
	})
	return p.stopErr
}
