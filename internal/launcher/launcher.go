// Package launcher assembles the hypervisor invocation for one instance and
// starts it as a detached child process.
package launcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/ckoehler/usbipvm/internal/hostinfo"
	"github.com/ckoehler/usbipvm/internal/resources"
)

// Preflight thresholds.
const (
	minFreeDiskMB = 1024
	startGrace    = 500 * time.Millisecond
)

// LaunchError reports a preflight failure or an immediate crash-on-start.
// The lifecycle controller treats it as transient and retries; BindConflict
// additionally triggers port re-allocation on the next attempt.
type LaunchError struct {
	Reason       string
	BindConflict bool
	Err          error
}

func (e *LaunchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("launch: %s: %v", e.Reason, e.Err)
	}
	return "launch: " + e.Reason
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Spec describes one instance invocation.
type Spec struct {
	Allocation        resources.Allocation
	OverlayPath       string
	ConsoleLogPath    string
	MonitorSocketPath string
	PIDFilePath       string
	GuestControlPort  int
	GuestDataPort     int
}

// Launcher starts hypervisor processes. The probe fields are overridable in
// tests; production code uses the OS-backed defaults.
type Launcher struct {
	QemuBin  string // empty means "qemu-system-x86_64" from PATH
	StateDir string

	diskFreeMB func(path string) (int, error)
	availMemMB func() int
	grace      time.Duration
}

// New creates a Launcher whose preflight probes the state directory's
// filesystem and the host's available memory.
func New(qemuBin, stateDir string) *Launcher {
	return &Launcher{
		QemuBin:    qemuBin,
		StateDir:   stateDir,
		diskFreeMB: DiskFreeMB,
		availMemMB: func() int { return hostinfo.Detect().AvailableMemoryMB },
		grace:      startGrace,
	}
}

func (l *Launcher) qemu() string {
	if l.QemuBin != "" {
		return l.QemuBin
	}
	return "qemu-system-x86_64"
}

// BuildArgs assembles the full hypervisor argument list for a spec.
func (l *Launcher) BuildArgs(spec Spec) []string {
	return []string{
		"-machine", "q35,accel=kvm:tcg",
		"-cpu", "max",
		"-smp", fmt.Sprintf("%d", spec.Allocation.CPUs),
		"-m", fmt.Sprintf("%dM", spec.Allocation.MemoryMB),
		"-drive", fmt.Sprintf("file=%s,format=qcow2,if=virtio", spec.OverlayPath),
		"-netdev", fmt.Sprintf("user,id=net0,hostfwd=tcp::%d-:%d,hostfwd=tcp::%d-:%d",
			spec.Allocation.ControlPort, spec.GuestControlPort,
			spec.Allocation.DataPort, spec.GuestDataPort),
		"-device", "virtio-net-pci,netdev=net0",
		"-serial", "file:" + spec.ConsoleLogPath,
		"-monitor", fmt.Sprintf("unix:%s,server,nowait", spec.MonitorSocketPath),
		"-display", "none",
	}
}

// preflight fails fast when the host plainly cannot run the instance.
func (l *Launcher) preflight(spec Spec) error {
	free, err := l.diskFreeMB(l.StateDir)
	if err != nil {
		return &LaunchError{Reason: "preflight: probe disk space", Err: err}
	}
	if free < minFreeDiskMB {
		return &LaunchError{Reason: fmt.Sprintf(
			"preflight: %d MB free disk under %s, need %d MB", free, l.StateDir, minFreeDiskMB)}
	}
	if avail := l.availMemMB(); avail < spec.Allocation.MemoryMB {
		return &LaunchError{Reason: fmt.Sprintf(
			"preflight: %d MB host memory available, allocation needs %d MB", avail, spec.Allocation.MemoryMB)}
	}
	return nil
}

// Launch starts the hypervisor. Console output (both the guest serial line
// and the hypervisor's own stderr) lands in the per-instance console log.
// The child runs in its own process group and is deliberately not bound to
// ctx: the launch context gates the startup work only, so the instance
// survives the orchestrator exiting after a background handoff. Stopping a
// launched instance goes through the control channel and signals.
//
// Launch waits a short grace period and fails if the process has already
// exited; a bind conflict in that window is flagged for port re-allocation.
// The pidfile is written only after the grace period passes.
func (l *Launcher) Launch(ctx context.Context, spec Spec) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &LaunchError{Reason: "launch aborted", Err: err}
	}
	if err := l.preflight(spec); err != nil {
		return nil, err
	}

	logFile, err := os.OpenFile(spec.ConsoleLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, &LaunchError{Reason: "open console log", Err: err}
	}

	var stderrTail bytes.Buffer
	cmd := exec.Command(l.qemu(), l.BuildArgs(spec)...)
	cmd.Stdout = logFile
	cmd.Stderr = io.MultiWriter(logFile, &stderrTail)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, &LaunchError{Reason: "start hypervisor", Err: err}
	}

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		logFile.Close()
		close(done)
	}()

	select {
	case <-done:
		stderr := strings.TrimSpace(stderrTail.String())
		return nil, &LaunchError{
			Reason:       fmt.Sprintf("hypervisor exited during startup: %s", stderr),
			BindConflict: strings.Contains(stderr, "Address already in use"),
		}
	case <-time.After(l.grace):
	}

	pid := cmd.Process.Pid
	if err := WritePIDFile(spec.PIDFilePath, pid); err != nil {
		cmd.Process.Kill()
		return nil, &LaunchError{Reason: "write pidfile", Err: err}
	}

	log.Printf("launcher: hypervisor started (pid=%d, ports=%d/%d)",
		pid, spec.Allocation.ControlPort, spec.Allocation.DataPort)

	return &Handle{PID: pid, done: done}, nil
}

// Handle refers to a launched hypervisor process.
type Handle struct {
	PID  int
	done chan struct{} // closed when the reaper goroutine observes exit
}

// Alive reports whether the process is still running.
func (h *Handle) Alive() bool {
	if h.done != nil {
		select {
		case <-h.done:
			return false
		default:
			return true
		}
	}
	return ProcessAlive(h.PID)
}

// Signal delivers a signal to the process.
func (h *Handle) Signal(sig syscall.Signal) error {
	return syscall.Kill(h.PID, sig)
}

// WaitExit blocks until the process exits or the timeout elapses, reporting
// whether it exited.
func (h *Handle) WaitExit(timeout time.Duration) bool {
	if h.done != nil {
		select {
		case <-h.done:
			return true
		case <-time.After(timeout):
			return false
		}
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !ProcessAlive(h.PID) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return !ProcessAlive(h.PID)
}

// Attach builds a Handle for an already-running process found via pidfile.
// Used by out-of-process stop/status.
func Attach(pid int) *Handle {
	return &Handle{PID: pid}
}
