// Package session owns the per-account worker backend lifecycle: starting
// an optional long-lived process, probing its health, and running one-shot
// tasks against it.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/agyc/orchestrator/internal/config"
	"github.com/agyc/orchestrator/internal/domain"
)

// stopGrace is how long Stop waits for a graceful exit before killing.
const stopGrace = 5 * time.Second

// Session is the capability set the dispatcher depends on. The only
// production implementation is Subprocess; tests may supply fakes.
type Session interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsHealthy(ctx context.Context) bool
	RunTask(ctx context.Context, request domain.Result) (domain.Result, error)
}

// Subprocess is the concrete Session backed by an opaque child process per
// spec.md §4.1. mu guards the long-lived process handle: Start checks and
// spawns under it, while Stop and IsHealthy only read or clear the handle
// under it and wait or probe outside it. RunTask takes no lock, so tasks of
// one account run concurrently, bounded by the dispatcher's capacity permit.
type Subprocess struct {
	cfg config.AccountConfig

	mu     sync.Mutex
	proc   *os.Process
	exited chan struct{} // closed by the background reaper once proc exits
}

// NewSubprocess constructs a Subprocess session for the given account.
func NewSubprocess(cfg config.AccountConfig) *Subprocess {
	return &Subprocess{cfg: cfg}
}

func (s *Subprocess) env() []string {
	base := os.Environ()
	merged := make(map[string]string, len(base)+len(s.cfg.Env))
	for _, kv := range base {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				merged[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	for k, v := range s.cfg.Env {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

// Start ensures state_dir exists and, if start_command is configured and no
// live child exists, spawns it detached from caller I/O.
func (s *Subprocess) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("session %s: creating state dir: %w", s.cfg.ID, err)
	}
	if len(s.cfg.StartCommand) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil && !isClosed(s.exited) {
		return nil
	}

	cmd := exec.CommandContext(ctx, s.cfg.StartCommand[0], s.cfg.StartCommand[1:]...)
	cmd.Env = s.env()
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("session %s: starting long-lived process: %w", s.cfg.ID, err)
	}
	s.proc = cmd.Process
	exited := make(chan struct{})
	s.exited = exited
	go func() { _ = cmd.Wait(); close(exited) }()
	return nil
}

// Stop requests graceful termination, force-killing after stopGrace. Idempotent.
func (s *Subprocess) Stop(_ context.Context) error {
	s.mu.Lock()
	proc := s.proc
	exited := s.exited
	s.proc = nil
	s.exited = nil
	s.mu.Unlock()

	if proc == nil || exited == nil || isClosed(exited) {
		return nil
	}

	_ = proc.Signal(syscall.SIGTERM)
	select {
	case <-exited:
	case <-time.After(stopGrace):
		_ = proc.Kill()
		<-exited
	}
	return nil
}

// IsHealthy reports true iff (a) no start_command OR the child is live, AND
// (b) no health_command OR it exits 0.
func (s *Subprocess) IsHealthy(ctx context.Context) bool {
	s.mu.Lock()
	proc := s.proc
	exited := s.exited
	s.mu.Unlock()

	if len(s.cfg.StartCommand) > 0 && (proc == nil || isClosed(exited)) {
		return false
	}
	if len(s.cfg.HealthCommand) == 0 {
		return true
	}
	cmd := exec.CommandContext(ctx, s.cfg.HealthCommand[0], s.cfg.HealthCommand[1:]...)
	cmd.Env = s.env()
	return cmd.Run() == nil
}

// RunTask serialises request as JSON, spawns task_command, pipes the JSON to
// stdin, and returns the decoded JSON response. No timeout is applied here;
// the dispatcher imposes one via ctx.
func (s *Subprocess) RunTask(ctx context.Context, request domain.Result) (domain.Result, error) {
	if len(s.cfg.TaskCommand) == 0 {
		return nil, fmt.Errorf("session %s: no taskCommand configured", s.cfg.ID)
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("session %s: marshaling task request: %w", s.cfg.ID, err)
	}

	cmd := exec.CommandContext(ctx, s.cfg.TaskCommand[0], s.cfg.TaskCommand[1:]...)
	cmd.Env = s.env()
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if ok := asExitError(runErr, &exitErr); ok {
			exitCode = exitErr.ExitCode()
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("session %s: %w", s.cfg.ID, domain.ErrTimeout)
		}
		return nil, &domain.TaskBackendError{AccountID: s.cfg.ID, ExitCode: exitCode, Stderr: stderr.String()}
	}

	var result domain.Result
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return domain.Result{"raw": stdout.String()}, nil
	}
	return result, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

func isClosed(ch chan struct{}) bool {
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
