package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// SubprocessPlugin wraps an external protocol implementation. The server
// and client commands run in their own process groups so Stop can take
// down anything they forked. Subprocess protocols are passive: the
// external clients generate traffic and the server writes the receipt
// log.
type SubprocessPlugin struct {
	name       string
	serverArgv []string
	clientArgv []string

	mu       sync.Mutex
	procs    []*proc
	exited   chan error
	stopOnce sync.Once
	stopErr  error
}

type proc struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// NewSubprocess builds a passive plugin from command templates. Argv
// entries may reference {server}, {clients}, {duration_s}, {run_id}, and
// {receipt_log}; they are substituted from the run config at start.
func NewSubprocess(name string, serverArgv, clientArgv []string) *SubprocessPlugin {
	return &SubprocessPlugin{
		name:       name,
		serverArgv: serverArgv,
		clientArgv: clientArgv,
		exited:     make(chan error, 2),
	}
}

func (p *SubprocessPlugin) Name() string { return p.name }
func (p *SubprocessPlugin) Mode() Mode   { return ModePassive }

// Exited delivers the first unexpected process exit. The orchestrator
// watches it to fail the run instead of waiting out the duration.
func (p *SubprocessPlugin) Exited() <-chan error { return p.exited }

func (p *SubprocessPlugin) StartServer(ctx context.Context, cfg Config) error {
	return p.launch(ctx, p.serverArgv, cfg)
}

func (p *SubprocessPlugin) StartClients(ctx context.Context, cfg Config) error {
	return p.launch(ctx, p.clientArgv, cfg)
}

func (p *SubprocessPlugin) launch(ctx context.Context, argv []string, cfg Config) error {
	if len(argv) == 0 {
		return nil
	}
	expanded := expandArgv(argv, cfg)

	if _, err := exec.LookPath(expanded[0]); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrProtocolUnavailable, expanded[0], err)
	}

	cmd := exec.CommandContext(ctx, expanded[0], expanded[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %s: %v", ErrRuntime, expanded[0], err)
	}

	pr := &proc{cmd: cmd, done: make(chan struct{})}
	p.mu.Lock()
	p.procs = append(p.procs, pr)
	p.mu.Unlock()

	go func() {
		err := cmd.Wait()
		close(pr.done)
		select {
		case p.exited <- fmt.Errorf("%w: %s exited: %v", ErrRuntime, expanded[0], err):
		default:
		}
	}()
	return nil
}

func expandArgv(argv []string, cfg Config) []string {
	r := strings.NewReplacer(
		"{server}", cfg.ServerAddr,
		"{clients}", strconv.Itoa(cfg.Clients),
		"{duration_s}", strconv.Itoa(int(cfg.Duration/time.Second)),
		"{run_id}", cfg.RunID,
		"{receipt_log}", cfg.ReceiptLog,
	)
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = r.Replace(a)
	}
	return out
}

// SendData is unsupported: the external clients own the traffic.
func (p *SubprocessPlugin) SendData(ctx context.Context, client int, payload []byte) error {
	return fmt.Errorf("%w: passive plugin %s does not send", ErrRuntime, p.name)
}

// Stop terminates every launched process group, escalating from SIGTERM
// to SIGKILL. Safe to call more than once and from any teardown path.
func (p *SubprocessPlugin) Stop() error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		procs := p.procs
		p.mu.Unlock()

		for _, pr := range procs {
			if pr.cmd.Process == nil {
				continue
			}
			syscall.Kill(-pr.cmd.Process.Pid, syscall.SIGTERM)
		}

		deadline := time.After(3 * time.Second)
		for _, pr := range procs {
			if pr.cmd.Process == nil {
				continue
			}
			select {
			case <-pr.done:
			case <-deadline:
				syscall.Kill(-pr.cmd.Process.Pid, syscall.SIGKILL)
				p.stopErr = errors.Join(p.stopErr, fmt.Errorf("plugin %s: killed pgid %d after timeout", p.name, pr.cmd.Process.Pid))
			}
		}
	})
	return p.stopErr
}
