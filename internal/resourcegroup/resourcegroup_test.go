package resourcegroup

import (
	"os"
	"os/exec"
	"testing"
	"time"
)

// skipIfNoCgroupV2 skips the test if the host doesn't expose a writable
// cgroup v2 hierarchy (e.g. inside an unprivileged container without
// delegation). Mirrors the execution package's skipIfNoDocker pattern.
func skipIfNoCgroupV2(t *testing.T) {
	t.Helper()
	if _, err := mountRoot(); err != nil {
		t.Skipf("cgroup v2 not available: %v", err)
	}
	probe, err := New(DefaultResource())
	if err != nil {
		t.Skipf("cgroup v2 not writable by this process: %v", err)
	}
	_ = probe.Close()
}

func TestNewRejectsZeroResource(t *testing.T) {
	_, err := New(Resource{})
	if err == nil {
		t.Fatal("expected error for zero-value resource")
	}
}

func TestGroupLifecycle(t *testing.T) {
	skipIfNoCgroupV2(t)

	g, err := New(Resource{MemoryBytes: 64 << 20, CPUQuota: 100 * time.Millisecond, CPUPeriod: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if g.MemoryLimit() != 64<<20 {
		t.Fatalf("MemoryLimit() = %d, want %d", g.MemoryLimit(), uint64(64<<20))
	}

	if _, err := os.Stat(g.Path()); err != nil {
		t.Fatalf("group directory missing: %v", err)
	}

	if usage, err := g.CPUUsage(); err != nil || usage < 0 {
		t.Fatalf("CPUUsage() = %v, %v", usage, err)
	}
	if usage, err := g.MemoryUsage(); err != nil {
		t.Fatalf("MemoryUsage() = %v, %v", usage, err)
	}

	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(g.Path()); !os.IsNotExist(err) {
		t.Fatalf("group directory still exists after Close: %v", err)
	}
}

func TestAttachPIDAndReadUsage(t *testing.T) {
	skipIfNoCgroupV2(t)

	g, err := New(DefaultResource())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer g.Close()

	// Attach a short-lived child, never the test binary's own pid: g.Close
	// calls Kill, which SIGKILLs every task resident in the group, and that
	// must not include the process running this test.
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start child: %v", err)
	}
	if err := g.AttachPID(cmd.Process.Pid); err != nil {
		_ = cmd.Wait()
		t.Fatalf("AttachPID: %v", err)
	}
	if _, err := g.CPUUsage(); err != nil {
		_ = cmd.Wait()
		t.Fatalf("CPUUsage after attach: %v", err)
	}
	_ = cmd.Wait()
}
