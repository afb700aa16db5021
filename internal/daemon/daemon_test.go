package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestStatus_notRunning(t *testing.T) {
	t.Parallel()
	home := t.TempDir()

	info, err := Status(context.Background(), home)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if info.Running {
		t.Fatalf("no pidfile must mean not running: %+v", info)
	}
}

func TestStatus_stalePidfile(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	if err := os.MkdirAll(protectedDir(home), 0o755); err != nil {
		t.Fatal(err)
	}
	// A pid that cannot exist on this system.
	if err := os.WriteFile(pidPath(home), []byte("999999999"), 0o644); err != nil {
		t.Fatal(err)
	}

	info, err := Status(context.Background(), home)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if info.Running {
		t.Fatalf("dead pid must mean not running: %+v", info)
	}
	// The stale pidfile is cleaned up.
	if _, err := os.Stat(pidPath(home)); !os.IsNotExist(err) {
		t.Fatalf("stale pidfile left behind: %v", err)
	}
}

func TestStatus_garbagePidfile(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	if err := os.MkdirAll(protectedDir(home), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(pidPath(home), []byte("not-a-pid"), 0o644); err != nil {
		t.Fatal(err)
	}

	info, err := Status(context.Background(), home)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if info.Running {
		t.Fatalf("garbage pidfile must mean not running: %+v", info)
	}
}

func TestStatus_runningProcess(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	if err := os.MkdirAll(protectedDir(home), 0o755); err != nil {
		t.Fatal(err)
	}
	// The test process itself is alive.
	if err := os.WriteFile(pidPath(home), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(addrPath(home), []byte("127.0.0.1:4548\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	info, err := Status(context.Background(), home)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !info.Running || info.PID != os.Getpid() || info.Addr != "127.0.0.1:4548" {
		t.Fatalf("status: %+v", info)
	}
}

func TestAcquireLock_exclusive(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "waked.lock")

	first, err := acquireLock(path)
	if err != nil {
		t.Fatalf("acquireLock: %v", err)
	}
	if _, err := acquireLock(path); err == nil {
		t.Fatal("second lock must fail while held")
	}

	first.release()
	second, err := acquireLock(path)
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	second.release()
}

func TestCheckPortAvailable(t *testing.T) {
	t.Parallel()
	// Port 0 asks the kernel for a free port, so this always succeeds.
	if err := checkPortAvailable(0); err != nil {
		t.Fatalf("checkPortAvailable: %v", err)
	}
}
