package launcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/ckoehler/usbipvm/internal/resources"
)

// fakeHypervisor writes an executable shell script standing in for the real
// hypervisor binary.
func fakeHypervisor(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qemu")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testLauncher(t *testing.T, qemuBin string) *Launcher {
	t.Helper()
	l := New(qemuBin, t.TempDir())
	l.diskFreeMB = func(string) (int, error) { return 10_000, nil }
	l.availMemMB = func() int { return 8192 }
	l.grace = 200 * time.Millisecond
	return l
}

func testSpec(t *testing.T) Spec {
	t.Helper()
	dir := t.TempDir()
	return Spec{
		Allocation: resources.Allocation{
			MemoryMB:    512,
			CPUs:        2,
			ControlPort: 2200,
			DataPort:    2201,
		},
		OverlayPath:       filepath.Join(dir, "vm-overlay.img"),
		ConsoleLogPath:    filepath.Join(dir, "vm-console.log"),
		MonitorSocketPath: filepath.Join(dir, "vm-monitor.sock"),
		PIDFilePath:       filepath.Join(dir, "vm.pid"),
		GuestControlPort:  22,
		GuestDataPort:     3240,
	}
}

func TestBuildArgs(t *testing.T) {
	l := testLauncher(t, "qemu-system-x86_64")
	args := strings.Join(l.BuildArgs(testSpec(t)), " ")

	for _, want := range []string{
		"-smp 2",
		"-m 512M",
		"format=qcow2,if=virtio",
		"hostfwd=tcp::2200-:22,hostfwd=tcp::2201-:3240",
		"-display none",
		"server,nowait",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("args missing %q:\n%s", want, args)
		}
	}
}

func TestLaunch(t *testing.T) {
	l := testLauncher(t, fakeHypervisor(t, "sleep 30\n"))
	spec := testSpec(t)

	h, err := l.Launch(context.Background(), spec)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer h.Signal(syscall.SIGKILL)

	if !h.Alive() {
		t.Error("Alive = false immediately after launch")
	}

	pid, err := ReadPIDFile(spec.PIDFilePath)
	if err != nil {
		t.Fatalf("ReadPIDFile: %v", err)
	}
	if pid != h.PID {
		t.Errorf("pidfile pid = %d, want %d", pid, h.PID)
	}

	if err := h.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if !h.WaitExit(5 * time.Second) {
		t.Error("process did not exit after SIGTERM")
	}
	if h.Alive() {
		t.Error("Alive = true after exit")
	}
}

func TestLaunch_SurvivesContextCancel(t *testing.T) {
	l := testLauncher(t, fakeHypervisor(t, "sleep 30\n"))
	spec := testSpec(t)

	ctx, cancel := context.WithCancel(context.Background())
	h, err := l.Launch(ctx, spec)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer h.Signal(syscall.SIGKILL)

	// The start command cancels its context right after a successful
	// background handoff; the instance must keep running.
	cancel()
	time.Sleep(500 * time.Millisecond)

	if !ProcessAlive(h.PID) {
		t.Fatal("hypervisor killed by launch-context cancellation after handoff")
	}
	if !h.Alive() {
		t.Error("Alive = false while the process is still running")
	}
}

func TestLaunch_CancelledContextAborts(t *testing.T) {
	l := testLauncher(t, fakeHypervisor(t, "sleep 30\n"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Launch(ctx, testSpec(t))
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("err = %v, want *LaunchError for a cancelled context", err)
	}
}

func TestLaunch_CrashOnStart(t *testing.T) {
	l := testLauncher(t, fakeHypervisor(t, "echo 'could not set up host forwarding' >&2\nexit 1\n"))
	spec := testSpec(t)

	_, err := l.Launch(context.Background(), spec)
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("err = %v, want *LaunchError", err)
	}
	if launchErr.BindConflict {
		t.Error("BindConflict = true without a bind error")
	}
	if _, err := os.Stat(spec.PIDFilePath); !os.IsNotExist(err) {
		t.Error("pidfile written despite failed launch")
	}
}

func TestLaunch_BindConflict(t *testing.T) {
	l := testLauncher(t, fakeHypervisor(t,
		"echo 'Could not set up host forwarding rule: Address already in use' >&2\nexit 1\n"))

	_, err := l.Launch(context.Background(), testSpec(t))
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("err = %v, want *LaunchError", err)
	}
	if !launchErr.BindConflict {
		t.Errorf("BindConflict = false, want true: %v", err)
	}
}

func TestLaunch_StderrInConsoleLog(t *testing.T) {
	l := testLauncher(t, fakeHypervisor(t, "echo 'fatal: no bootable device' >&2\nexit 1\n"))
	spec := testSpec(t)

	if _, err := l.Launch(context.Background(), spec); err == nil {
		t.Fatal("Launch succeeded, want failure")
	}

	data, err := os.ReadFile(spec.ConsoleLogPath)
	if err != nil {
		t.Fatalf("read console log: %v", err)
	}
	if !strings.Contains(string(data), "no bootable device") {
		t.Errorf("console log missing hypervisor stderr: %q", data)
	}
}

func TestLaunch_PreflightDisk(t *testing.T) {
	l := testLauncher(t, "/nonexistent/qemu")
	l.diskFreeMB = func(string) (int, error) { return 100, nil }

	_, err := l.Launch(context.Background(), testSpec(t))
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("err = %v, want *LaunchError", err)
	}
	if !strings.Contains(launchErr.Reason, "free disk") {
		t.Errorf("Reason = %q, want disk preflight failure", launchErr.Reason)
	}
}

func TestLaunch_PreflightMemory(t *testing.T) {
	l := testLauncher(t, "/nonexistent/qemu")
	l.availMemMB = func() int { return 256 }

	_, err := l.Launch(context.Background(), testSpec(t))
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("err = %v, want *LaunchError", err)
	}
	if !strings.Contains(launchErr.Reason, "memory") {
		t.Errorf("Reason = %q, want memory preflight failure", launchErr.Reason)
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vm.pid")
	if err := WritePIDFile(path, 4242); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	pid, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("ReadPIDFile: %v", err)
	}
	if pid != 4242 {
		t.Errorf("pid = %d, want 4242", pid)
	}
}

func TestReadPIDFile_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vm.pid")
	os.WriteFile(path, []byte("not-a-pid\n"), 0644)

	if _, err := ReadPIDFile(path); err == nil {
		t.Error("ReadPIDFile accepted garbage")
	}
}

func TestProcessAlive(t *testing.T) {
	if !ProcessAlive(os.Getpid()) {
		t.Error("ProcessAlive(self) = false")
	}
	if ProcessAlive(0) {
		t.Error("ProcessAlive(0) = true")
	}
}
