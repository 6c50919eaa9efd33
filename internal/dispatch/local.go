package dispatch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"custodian-service/internal/models"
)

// LocalBackend runs scans as OS subprocesses on the host itself. It is
// the on-prem deployment mode without access to managed batch compute.
// Submissions beyond the concurrency ceiling are rejected with a
// structured reason, not queued.
type LocalBackend struct {
	command string
	maxJobs int

	mu    sync.Mutex
	procs map[string]*localProc
}

type localProc struct {
	cmd       *exec.Cmd
	startedAt time.Time
	done      chan struct{}
	waitErr   error
}

// NewLocalBackend builds a subprocess pool bounded at maxJobs.
func NewLocalBackend(command string, maxJobs int) *LocalBackend {
	if maxJobs <= 0 {
		maxJobs = 1
	}
	return &LocalBackend{
		command: command,
		maxJobs: maxJobs,
		procs:   make(map[string]*localProc),
	}
}

// Submit spawns the scan process. It blocks only for the spawn, never
// for the scan itself.
func (l *LocalBackend) Submit(ctx context.Context, p SubmitParams) Submission {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.reapLocked()
	if len(l.procs) >= l.maxJobs {
		return rejected(p, ReasonMaxJobs)
	}

	args := []string{"--tenant", p.TenantName}
	for _, r := range p.Regions {
		args = append(args, "--region", r)
	}
	for _, rs := range p.Rulesets {
		args = append(args, "--ruleset", rs)
	}
	cmd := exec.Command(l.command, args...)
	cmd.Env = os.Environ()
	for k, v := range p.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if err := cmd.Start(); err != nil {
		return rejected(p, fmt.Sprintf("spawn scan process: %v", err))
	}

	proc := &localProc{cmd: cmd, startedAt: time.Now().UTC(), done: make(chan struct{})}
	go func() {
		proc.waitErr = cmd.Wait()
		close(proc.done)
	}()
	l.procs[p.JobID] = proc

	// The pool is keyed by the platform job id; the pid is only useful
	// for operators reading logs.
	return accepted(p, p.JobID)
}

// Terminate kills the scan process and drops it from the pool. Unknown
// or already-finished jobs are a no-op. The kill is best-effort; the
// caller polls Describe rather than assuming immediate termination.
func (l *LocalBackend) Terminate(ctx context.Context, jobID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	proc, ok := l.procs[jobID]
	if !ok {
		return nil
	}
	select {
	case <-proc.done:
	default:
		_ = proc.cmd.Process.Kill()
	}
	delete(l.procs, jobID)
	return nil
}

// Describe reports the process state, lazily reaping entries whose
// process has exited.
func (l *LocalBackend) Describe(ctx context.Context, jobID string) (Detail, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	proc, ok := l.procs[jobID]
	if !ok {
		return Detail{JobID: jobID, Status: models.StatusFailed, Reason: "job not found"}, nil
	}
	started := proc.startedAt
	d := Detail{JobID: jobID, StartedAt: &started}
	select {
	case <-proc.done:
		stopped := time.Now().UTC()
		d.StoppedAt = &stopped
		if proc.waitErr != nil {
			d.Status = models.StatusFailed
			d.Reason = proc.waitErr.Error()
		} else {
			d.Status = models.StatusSucceeded
		}
		delete(l.procs, jobID)
	default:
		d.Status = models.StatusRunning
	}
	return d, nil
}

// Active reports how many scan processes are currently tracked.
func (l *LocalBackend) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reapLocked()
	return len(l.procs)
}

// reapLocked drops entries whose process already exited. Caller holds mu.
func (l *LocalBackend) reapLocked() {
	for id, proc := range l.procs {
		select {
		case <-proc.done:
			delete(l.procs, id)
		default:
		}
	}
}
