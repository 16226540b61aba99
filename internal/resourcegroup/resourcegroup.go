// Package resourcegroup materializes a Resource specification into a raw
// cgroup v2 kernel object, rooted at a private "judge/" hierarchy. Unlike
// container-mediated resource limiting, this package talks to cgroupfs
// directly: creating the group directory, writing its controller files, and
// polling its accounting files on every monitor tick.
package resourcegroup

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/apexjudge/judgerunner/internal/logging"
)

// cgroup2SuperMagic is the f_type value Statfs reports for a cgroup v2
// unified mount (see the Linux statfs(2) magic-number table).
const cgroup2SuperMagic = 0x63677270

// Resource is the declarative memory + CPU quota/period bundle a Sandbox
// asks its resource group to enforce. All three fields must be strictly
// positive; CPUQuota may exceed CPUPeriod (overcommit is allowed, to expose
// wall-time throttling behavior independent of CPU-time accounting).
type Resource struct {
	MemoryBytes uint64
	CPUQuota    time.Duration
	CPUPeriod   time.Duration
}

// DefaultResource returns the spec-mandated default: 1 GiB memory, 100ms
// quota over a 100ms period (unconstrained CPU bandwidth per core).
func DefaultResource() Resource {
	return Resource{
		MemoryBytes: 1 << 30,
		CPUQuota:    100 * time.Millisecond,
		CPUPeriod:   100 * time.Millisecond,
	}
}

const hierarchyRoot = "judge"

// cgroupFSRoot overrides mountRoot's detection when non-empty; it is empty
// by default, so the mount is detected from /proc/self/mountinfo.
var cgroupFSRoot = ""

// Group is a handle to a live cgroup v2 directory. It is created by New and
// torn down by Close; it is not reusable across judging runs because the
// kernel accumulates CPU usage in it for its whole lifetime.
type Group struct {
	name        string // "judge/<uuid-v4>"
	path        string // absolute cgroupfs path
	memoryLimit uint64
}

// New creates a fresh cgroup v2 group enforcing r. It fails with a
// resource-setup error if the host does not have cgroup v2 mounted and
// delegated to the calling user.
func New(r Resource) (*Group, error) {
	if r.MemoryBytes == 0 || r.CPUQuota <= 0 || r.CPUPeriod <= 0 {
		return nil, fmt.Errorf("resourcegroup: resource fields must be strictly positive")
	}
	root, err := mountRoot()
	if err != nil {
		return nil, fmt.Errorf("resourcegroup: cgroup v2 not available: %w", err)
	}

	name := hierarchyRoot + "/" + uuid.New().String()
	path := filepath.Join(root, name)
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("resourcegroup: create group: %w", err)
	}

	g := &Group{name: name, path: path, memoryLimit: r.MemoryBytes}
	if err := g.configure(r); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	logging.L().Debug("resource group created", zap.String("group", name))
	return g, nil
}

func (g *Group) configure(r Resource) error {
	limit := strconv.FormatUint(r.MemoryBytes, 10)
	// cgroup v2 has no separate soft/hard controls; memory.high is the
	// nearest analog of a soft limit (throttles reclaim before OOM-kill),
	// memory.max the hard limit. The spec calls for both equal to
	// memory_bytes, so both are set identically here.
	if err := writeFile(filepath.Join(g.path, "memory.high"), limit); err != nil {
		return fmt.Errorf("resourcegroup: set memory.high: %w", err)
	}
	if err := writeFile(filepath.Join(g.path, "memory.max"), limit); err != nil {
		return fmt.Errorf("resourcegroup: set memory.max: %w", err)
	}
	if err := writeFile(filepath.Join(g.path, "memory.swap.max"), "0"); err != nil {
		return fmt.Errorf("resourcegroup: set memory.swap.max: %w", err)
	}
	quotaUsec := r.CPUQuota.Microseconds()
	periodUsec := r.CPUPeriod.Microseconds()
	cpuMax := fmt.Sprintf("%d %d", quotaUsec, periodUsec)
	if err := writeFile(filepath.Join(g.path, "cpu.max"), cpuMax); err != nil {
		return fmt.Errorf("resourcegroup: set cpu.max: %w", err)
	}
	return nil
}

// Name returns the group's "judge/<uuid-v4>" handle.
func (g *Group) Name() string { return g.name }

// Path returns the group's absolute cgroupfs directory, for opening as a
// directory file descriptor (see sandbox.Spawn's CLONE_INTO_CGROUP use).
func (g *Group) Path() string { return g.path }

// AttachPID attaches the process (by thread-group id) to the group. It is
// the parent-side safety net; the primary attachment happens pre-exec via
// the child's SysProcAttr.
func (g *Group) AttachPID(pid int) error {
	if err := writeFile(filepath.Join(g.path, "cgroup.procs"), strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("resourcegroup: attach pid %d: %w", pid, err)
	}
	return nil
}

// CPUUsage returns the cumulative CPU time consumed by all tasks in the
// group, read from cpu.stat's usage_usec field at microsecond precision.
// Cheap enough to call on every 10ms monitor tick.
func (g *Group) CPUUsage() (time.Duration, error) {
	usec, err := readStatField(filepath.Join(g.path, "cpu.stat"), "usage_usec")
	if err != nil {
		return 0, fmt.Errorf("resourcegroup: read cpu usage: %w", err)
	}
	return time.Duration(usec) * time.Microsecond, nil
}

// MemoryUsage returns the group's current resident memory in bytes.
func (g *Group) MemoryUsage() (uint64, error) {
	raw, err := readFile(filepath.Join(g.path, "memory.current"))
	if err != nil {
		return 0, fmt.Errorf("resourcegroup: read memory usage: %w", err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("resourcegroup: parse memory.current: %w", err)
	}
	return v, nil
}

// MemoryLimit returns the configured hard memory limit in bytes.
func (g *Group) MemoryLimit() uint64 { return g.memoryLimit }

// Kill sends SIGKILL to every task still attached to the group, without
// removing the group itself. Used by the sandbox to terminate a run that
// tripped a limit or whose accounting read failed; Close removes the group
// afterwards. Best-effort; errors are swallowed.
func (g *Group) Kill() {
	if err := writeFile(filepath.Join(g.path, "cgroup.kill"), "1"); err != nil {
		g.killResidentTasks()
	}
}

// Close kills every task still attached to the group, then removes the
// kernel object. Both operations are best-effort: failure to tear down is
// never propagated, since the group may already be empty or gone.
func (g *Group) Close() error {
	g.Kill()
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		logging.L().Warn("resource group teardown: remove failed", zap.String("group", g.name))
		return nil
	}
	logging.L().Debug("resource group destroyed", zap.String("group", g.name))
	return nil
}

// killResidentTasks is the fallback for kernels without cgroup.kill
// (pre-5.14): read cgroup.procs and SIGKILL each pid directly.
func (g *Group) killResidentTasks() {
	raw, err := readFile(filepath.Join(g.path, "cgroup.procs"))
	if err != nil {
		return
	}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}

func readFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// readStatField scans a "key value" formatted file (cpu.stat, memory.stat)
// for the line starting with key and parses its numeric value.
func readStatField(path, key string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	prefix := key + " "
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, prefix) {
			return strconv.ParseUint(strings.TrimSpace(line[len(prefix):]), 10, 64)
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("field %q not found in %s", key, path)
}

// mountRoot locates the cgroup v2 unified mount point by parsing
// /proc/self/mountinfo, the same technique used to detect cgroup v2
// presence elsewhere in this ecosystem.
func mountRoot() (string, error) {
	if cgroupFSRoot != "" {
		return cgroupFSRoot, nil
	}
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return "", fmt.Errorf("open mountinfo: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		sep := " - "
		i := strings.LastIndex(line, sep)
		if i < 0 {
			continue
		}
		tail := strings.Fields(line[i+len(sep):])
		if len(tail) < 1 || tail[0] != "cgroup2" {
			continue
		}
		pre := strings.Fields(line[:i])
		if len(pre) < 5 {
			continue
		}
		root := pre[4]
		if err := verifyCgroup2(root); err != nil {
			continue
		}
		return root, nil
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("scan mountinfo: %w", err)
	}
	return "", fmt.Errorf("no cgroup2 mount found")
}

// verifyCgroup2 double-checks a mountinfo hit against the filesystem's own
// magic number, since mountinfo parsing alone can be fooled by bind mounts.
func verifyCgroup2(root string) error {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return err
	}
	if uint64(st.Type) != cgroup2SuperMagic {
		return fmt.Errorf("%s is not a cgroup2 mount (f_type %#x)", root, st.Type)
	}
	return nil
}
