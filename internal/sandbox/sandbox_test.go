package sandbox

import (
	"os/exec"
	"testing"
	"time"

	"github.com/apexjudge/judgerunner/internal/resourcegroup"
	"github.com/apexjudge/judgerunner/internal/verdict"
)

// skipIfNoCgroupV2 mirrors the execution package's skipIfNoDocker: this
// whole package is meaningless without a writable cgroup v2 hierarchy.
func skipIfNoCgroupV2(t *testing.T) {
	t.Helper()
	g, err := resourcegroup.New(resourcegroup.DefaultResource())
	if err != nil {
		t.Skipf("cgroup v2 not available: %v", err)
	}
	_ = g.Close()
}

func TestWallTimeLimitDerivation(t *testing.T) {
	skipIfNoCgroupV2(t)

	sb, err := New(resourcegroup.DefaultResource(), 3*time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sb.Close()

	if sb.wallTimeLimit != 6*time.Second {
		t.Fatalf("wallTimeLimit = %v, want %v (2*time_limit branch)", sb.wallTimeLimit, 6*time.Second)
	}

	sb2, err := New(resourcegroup.DefaultResource(), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sb2.Close()
	if sb2.wallTimeLimit != 10*time.Millisecond+2*time.Second {
		t.Fatalf("wallTimeLimit = %v, want time_limit+2s branch", sb2.wallTimeLimit)
	}
}

func TestAcceptedRun(t *testing.T) {
	skipIfNoCgroupV2(t)

	sb, err := New(resourcegroup.DefaultResource(), 2*time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sb.Close()

	cmd := exec.Command("true")
	if err := sb.Spawn(cmd); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	res, err := sb.Monitor(cmd)
	if err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	if res.HasVerdict {
		t.Fatalf("expected no verdict on clean exit, got %v", res.Verdict)
	}
}

func TestTimeLimitExceeded(t *testing.T) {
	skipIfNoCgroupV2(t)

	sb, err := New(resourcegroup.DefaultResource(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sb.Close()

	cmd := exec.Command("sh", "-c", ":; while true; do :; done")
	if err := sb.Spawn(cmd); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	res, err := sb.Monitor(cmd)
	if err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	if !res.HasVerdict || res.Verdict != verdict.TimeLimitExceeded {
		t.Fatalf("got %+v, want TimeLimitExceeded", res)
	}
}

func TestMemoryLimitExceeded(t *testing.T) {
	skipIfNoCgroupV2(t)
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not on PATH")
	}

	limit := uint64(256 << 20)
	sb, err := New(resourcegroup.Resource{MemoryBytes: limit, CPUQuota: 100 * time.Millisecond, CPUPeriod: 100 * time.Millisecond}, 5*time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sb.Close()

	cmd := exec.Command("python3", "-c", "b = bytearray(2*1024*1024*1024)\nimport time\ntime.sleep(5)")
	if err := sb.Spawn(cmd); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	res, err := sb.Monitor(cmd)
	if err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	if !res.HasVerdict || res.Verdict != verdict.MemoryLimitExceeded {
		t.Fatalf("got %+v, want MemoryLimitExceeded", res)
	}
	if res.PeakMemory != limit {
		t.Fatalf("PeakMemory = %d, want configured limit %d", res.PeakMemory, limit)
	}
}

func TestIdleTimeLimitExceeded(t *testing.T) {
	skipIfNoCgroupV2(t)

	sb, err := New(resourcegroup.DefaultResource(), 5*time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sb.Close()

	cmd := exec.Command("sleep", "5")
	if err := sb.Spawn(cmd); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	start := time.Now()
	res, err := sb.Monitor(cmd)
	if err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	elapsed := time.Since(start)
	if !res.HasVerdict || res.Verdict != verdict.IdleTimeLimitExceeded {
		t.Fatalf("got %+v, want IdleTimeLimitExceeded", res)
	}
	if elapsed > time.Second {
		t.Fatalf("idle detection took %v, expected near 100ms", elapsed)
	}
}
