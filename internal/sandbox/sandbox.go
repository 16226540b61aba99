// Package sandbox owns a resource group, spawns a child process attached to
// it at exec time, and runs the monitoring loop that produces a verdict and
// resource-usage evidence for a single judging run.
package sandbox

import (
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/apexjudge/judgerunner/internal/logging"
	"github.com/apexjudge/judgerunner/internal/resourcegroup"
	"github.com/apexjudge/judgerunner/internal/verdict"
)

const pollInterval = 10 * time.Millisecond
const idleWindow = 100 * time.Millisecond

// Result is the monitor's (verdict?, cpu_time, peak_memory) triple. HasVerdict
// is false when the child exited successfully and the orchestrator must
// still consult the checker.
type Result struct {
	Verdict    verdict.Verdict
	HasVerdict bool
	CPUTime    time.Duration
	PeakMemory uint64
}

// Sandbox spans one judging run. It is not reusable across inputs because
// its resource group accumulates CPU time for its whole lifetime.
type Sandbox struct {
	group         *resourcegroup.Group
	cpuTimeLimit  time.Duration
	wallTimeLimit time.Duration
}

// New constructs a Sandbox from a resource specification and the judge's
// configured time limit. cpu_time_limit is the time limit itself;
// wall_time_limit is max(2*time_limit, time_limit+2s).
func New(r resourcegroup.Resource, timeLimit time.Duration) (*Sandbox, error) {
	group, err := resourcegroup.New(r)
	if err != nil {
		return nil, fmt.Errorf("sandbox: setup failed: %w", err)
	}
	wall := 2 * timeLimit
	if alt := timeLimit + 2*time.Second; alt > wall {
		wall = alt
	}
	return &Sandbox{group: group, cpuTimeLimit: timeLimit, wallTimeLimit: wall}, nil
}

// Spawn attaches the to-be-exec'd child to the resource group before exec
// runs, using CLONE_INTO_CGROUP (syscall.SysProcAttr.UseCgroupFD) so the
// child never executes a single instruction outside the group. The parent
// also attaches by the child's pid afterward, as a second safety net.
func (s *Sandbox) Spawn(cmd *exec.Cmd) error {
	fd, err := unix.Open(s.group.Path(), unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("sandbox: open cgroup dir: %w", err)
	}
	defer unix.Close(fd)

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.UseCgroupFD = true
	cmd.SysProcAttr.CgroupFD = fd

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("sandbox: child spawn failed: %w", err)
	}
	if cmd.Process != nil {
		if err := s.group.AttachPID(cmd.Process.Pid); err != nil {
			logging.L().Warn("sandbox: parent-side attach failed (pre-exec attach should already cover this)")
		}
	}
	return nil
}

// Monitor runs the polling loop concurrently with the caller's I/O pumps. It
// owns the lifetime of cmd.Wait(): callers must not call it themselves.
func (s *Sandbox) Monitor(cmd *exec.Cmd) (Result, error) {
	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var prevCPU time.Duration
	var peakMemory uint64
	var idleStart time.Time
	wallStart := time.Now()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case waitErr := <-waitDone:
			return s.classify(waitErr, prevCPU, peakMemory), nil

		case <-ticker.C:
			cpu, err := s.group.CPUUsage()
			if err != nil {
				s.group.Kill()
				<-waitDone
				return Result{}, fmt.Errorf("sandbox: monitor cpu read failed: %w", err)
			}
			mem, err := s.group.MemoryUsage()
			if err != nil {
				s.group.Kill()
				<-waitDone
				return Result{}, fmt.Errorf("sandbox: monitor memory read failed: %w", err)
			}
			if mem > peakMemory {
				peakMemory = mem
			}

			if absDuration(cpu-prevCPU) <= time.Millisecond {
				if idleStart.IsZero() {
					idleStart = time.Now()
				}
				if time.Since(idleStart) >= idleWindow {
					s.group.Kill()
					<-waitDone
					return Result{Verdict: verdict.IdleTimeLimitExceeded, HasVerdict: true, CPUTime: cpu, PeakMemory: peakMemory}, nil
				}
			} else {
				idleStart = time.Time{}
			}

			if cpu >= s.cpuTimeLimit || time.Since(wallStart) >= s.wallTimeLimit {
				s.group.Kill()
				<-waitDone
				return Result{Verdict: verdict.TimeLimitExceeded, HasVerdict: true, CPUTime: s.cpuTimeLimit, PeakMemory: peakMemory}, nil
			}

			prevCPU = cpu
		}
	}
}

// classify maps the natural termination of cmd onto the spec's three
// post-loop outcomes: success (deferred to the checker), OOM-kill
// (MemoryLimitExceeded), or any other abnormal exit (RuntimeError).
func (s *Sandbox) classify(waitErr error, prevCPU time.Duration, peakMemory uint64) Result {
	if waitErr == nil {
		return Result{HasVerdict: false, CPUTime: prevCPU, PeakMemory: peakMemory}
	}

	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() && status.Signal() == syscall.SIGKILL {
				return Result{
					Verdict:    verdict.MemoryLimitExceeded,
					HasVerdict: true,
					CPUTime:    prevCPU,
					PeakMemory: s.group.MemoryLimit(),
				}
			}
		}
	}
	return Result{Verdict: verdict.RuntimeError, HasVerdict: true, CPUTime: prevCPU, PeakMemory: peakMemory}
}

// Close kills any remaining tasks in the resource group and deletes it.
// Errors are swallowed; the group may already be empty or gone.
func (s *Sandbox) Close() error {
	return s.group.Close()
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
