// Package supervise runs a single external worker process under
// resource supervision: stdout is streamed line by line as bus events,
// memory and CPU usage are sampled at a fixed interval, and any limit
// or timeout violation terminates the whole process group with a
// SIGTERM, a grace period, then SIGKILL.
package supervise

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/arcwell/maestro"
	"github.com/arcwell/maestro/bus"
	"github.com/arcwell/maestro/id"
)

const (
	// DefaultGracePeriod is how long a process gets between SIGTERM
	// and SIGKILL.
	DefaultGracePeriod = 5 * time.Second

	// DefaultSampleInterval is how often resource usage is sampled.
	DefaultSampleInterval = 250 * time.Millisecond

	// cpuOverLimitSamples is how many consecutive over-limit CPU
	// samples are tolerated before termination. Memory violations
	// terminate on the first sample.
	cpuOverLimitSamples = 3
)

// Spec describes one supervised process execution.
type Spec struct {
	// Command is the executable to run. Required.
	Command string
	// Args are passed verbatim to the command.
	Args []string
	// Dir is the working directory. Empty means inherit.
	Dir string
	// Env entries are appended to the parent environment.
	Env []string
	// Timeout bounds total wall-clock runtime. Zero means no limit.
	Timeout time.Duration
	// MaxMemoryBytes terminates the process when its RSS exceeds the
	// limit. Zero disables the check.
	MaxMemoryBytes uint64
	// MaxCPUPercent terminates the process after sustained CPU usage
	// above the limit. Zero disables the check.
	MaxCPUPercent float64
	// CorrelationID is attached to every proc.output event.
	CorrelationID string
}

// Usage is a point-in-time resource snapshot of the supervised process.
type Usage struct {
	PeakRSSBytes uint64
	CPUPercent   float64
}

// Result reports the outcome of a completed (or terminated) execution.
type Result struct {
	ProcessID id.ProcessID
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	Usage     Usage
}

// Supervisor executes external processes under resource limits. A
// single Supervisor is safe for concurrent use; each Execute call
// supervises one process.
type Supervisor struct {
	events         *bus.Bus
	logger         *slog.Logger
	grace          time.Duration
	sampleInterval time.Duration
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithGracePeriod sets the SIGTERM-to-SIGKILL grace period.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithSampleInterval sets the resource sampling interval.
func WithSampleInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.sampleInterval = d
		}
	}
}

// New creates a Supervisor. The bus may be nil, in which case output
// events are not published.
func New(events *bus.Bus, logger *slog.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		events:         events,
		logger:         logger.With("component", "supervise"),
		grace:          DefaultGracePeriod,
		sampleInterval: DefaultSampleInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// killer terminates one process group exactly once, remembering why.
type killer struct {
	once   sync.Once
	cmd    *exec.Cmd
	grace  time.Duration
	mu     sync.Mutex
	reason error
}

func (k *killer) kill(reason error) {
	k.once.Do(func() {
		k.mu.Lock()
		k.reason = reason
		k.mu.Unlock()
		terminateProcess(k.cmd, k.grace)
	})
}

func (k *killer) killReason() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.reason
}

// Execute runs the process described by spec to completion. The
// returned Result is non-nil whenever the process actually started,
// including on limit, timeout, and non-zero-exit errors.
func (s *Supervisor) Execute(ctx context.Context, spec Spec) (*Result, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("supervise: empty command")
	}

	procID := id.NewProcessID()
	logger := s.logger.With("process_id", procID.String(), "command", spec.Command)

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	configureProcess(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("supervise: stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervise: start %q: %w", spec.Command, err)
	}
	logger.Info("process started", "pid", cmd.Process.Pid)

	k := &killer{cmd: cmd, grace: s.grace}

	// Watcher goroutines stop when done closes; the sampler also
	// reports peak usage over it.
	done := make(chan struct{})
	usageCh := make(chan Usage, 1)

	var watchers sync.WaitGroup
	watchers.Add(1)
	go func() {
		defer watchers.Done()
		usageCh <- s.sample(done, cmd.Process.Pid, spec, k, logger)
	}()

	if spec.Timeout > 0 {
		watchers.Add(1)
		go func() {
			defer watchers.Done()
			select {
			case <-time.After(spec.Timeout):
				logger.Warn("process timed out", "timeout", spec.Timeout)
				k.kill(maestro.ErrProcessTimeout)
			case <-done:
			}
		}()
	}

	watchers.Add(1)
	go func() {
		defer watchers.Done()
		select {
		case <-ctx.Done():
			logger.Info("process canceled", "cause", context.Cause(ctx))
			k.kill(maestro.ErrProcessCanceled)
		case <-done:
		}
	}()

	// Stream stdout on the calling goroutine; the pipe closing on
	// process exit ends the loop.
	var out strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		out.WriteString(line)
		out.WriteByte('\n')
		s.publishLine(ctx, procID, spec.CorrelationID, line)
	}
	if scanErr := scanner.Err(); scanErr != nil {
		// A line over the buffer cap stops the scanner. Keep draining
		// raw bytes so the child is never left blocked writing to a
		// full pipe; the remainder is captured without line events.
		logger.Warn("stdout line scan aborted, draining raw",
			"error", scanErr.Error())
		if _, copyErr := io.Copy(&out, stdout); copyErr != nil {
			logger.Warn("stdout drain error", "error", copyErr.Error())
		}
	}

	waitErr := cmd.Wait()
	close(done)
	watchers.Wait()

	res := &Result{
		ProcessID: procID,
		Stdout:    out.String(),
		Stderr:    stderr.String(),
		ExitCode:  cmd.ProcessState.ExitCode(),
		Duration:  time.Since(start),
		Usage:     <-usageCh,
	}

	if reason := k.killReason(); reason != nil {
		logger.Warn("process terminated",
			"reason", reason,
			"duration", res.Duration,
			"peak_rss_bytes", res.Usage.PeakRSSBytes)
		return res, fmt.Errorf("supervise: process %s: %w", procID, reason)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			msg := strings.TrimSpace(res.Stderr)
			if msg == "" {
				msg = exitErr.Error()
			}
			return res, fmt.Errorf("supervise: process %s exited %d: %s",
				procID, res.ExitCode, msg)
		}
		return res, fmt.Errorf("supervise: wait: %w", waitErr)
	}

	logger.Info("process completed",
		"exit_code", res.ExitCode,
		"duration", res.Duration,
		"peak_rss_bytes", res.Usage.PeakRSSBytes)
	return res, nil
}

// sample polls the process's memory and CPU usage until done closes,
// terminating the process group on a limit violation. It returns the
// peak usage observed.
func (s *Supervisor) sample(done <-chan struct{}, pid int, spec Spec, k *killer, logger *slog.Logger) Usage {
	var usage Usage

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		// Process already gone; nothing to enforce.
		return usage
	}

	ticker := time.NewTicker(s.sampleInterval)
	defer ticker.Stop()

	cpuOver := 0
	for {
		select {
		case <-done:
			return usage
		case <-ticker.C:
		}

		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			if mem.RSS > usage.PeakRSSBytes {
				usage.PeakRSSBytes = mem.RSS
			}
			if spec.MaxMemoryBytes > 0 && mem.RSS > spec.MaxMemoryBytes {
				logger.Warn("memory limit exceeded",
					"rss_bytes", mem.RSS,
					"limit_bytes", spec.MaxMemoryBytes)
				k.kill(fmt.Errorf("%w: rss %d bytes over limit %d",
					maestro.ErrResourceLimit, mem.RSS, spec.MaxMemoryBytes))
				return usage
			}
		}

		if cpu, err := proc.CPUPercent(); err == nil {
			if cpu > usage.CPUPercent {
				usage.CPUPercent = cpu
			}
			if spec.MaxCPUPercent > 0 && cpu > spec.MaxCPUPercent {
				cpuOver++
				if cpuOver >= cpuOverLimitSamples {
					logger.Warn("cpu limit exceeded",
						"cpu_percent", cpu,
						"limit_percent", spec.MaxCPUPercent)
					k.kill(fmt.Errorf("%w: cpu %.1f%% over limit %.1f%%",
						maestro.ErrResourceLimit, cpu, spec.MaxCPUPercent))
					return usage
				}
			} else {
				cpuOver = 0
			}
		}
	}
}

func (s *Supervisor) publishLine(ctx context.Context, procID id.ProcessID, correlationID, line string) {
	if s.events == nil {
		return
	}
	evt := bus.NewEvent(bus.EventProcOutput, "supervise", correlationID, map[string]any{
		"process_id": procID.String(),
		"line":       line,
	})
	if err := s.events.Publish(ctx, evt); err != nil {
		s.logger.Warn("dropped output event", "process_id", procID.String(), "error", err)
	}
}
