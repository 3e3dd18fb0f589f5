// Package lifecycle orchestrates one test-VM instance from resource
// allocation to teardown.
//
// The controller drives Init → Allocated → Overlaid → Launched → Booting →
// Ready, retrying the Overlaid→Ready span a bounded number of times with
// full partial teardown between attempts. Allocation errors are structural
// and never retried. Every terminal failure leaves a diagnostics artifact.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ckoehler/usbipvm/internal/bootwatch"
	"github.com/ckoehler/usbipvm/internal/cleanup"
	"github.com/ckoehler/usbipvm/internal/config"
	"github.com/ckoehler/usbipvm/internal/console"
	"github.com/ckoehler/usbipvm/internal/history"
	"github.com/ckoehler/usbipvm/internal/hostinfo"
	"github.com/ckoehler/usbipvm/internal/launcher"
	"github.com/ckoehler/usbipvm/internal/monitor"
	"github.com/ckoehler/usbipvm/internal/resources"
	"github.com/ckoehler/usbipvm/internal/storage"
)

// Provisioner creates and removes per-instance overlay images.
type Provisioner interface {
	CreateOverlay(ctx context.Context, instanceID string) (string, error)
	RemoveOverlay(instanceID string) error
}

// Process is a launched hypervisor process.
type Process interface {
	PID() int
	Alive() bool
	Signal(sig syscall.Signal) error
	WaitExit(timeout time.Duration) bool
}

// ControlChannel delivers commands to a running instance.
type ControlChannel interface {
	Powerdown(ctx context.Context) error
	SendKey(ctx context.Context, key string) error
}

// ReadyWaiter blocks until an instance is usable or definitively is not.
type ReadyWaiter interface {
	Wait(ctx context.Context, timeout time.Duration) (*bootwatch.Result, error)
}

type handleProc struct{ *launcher.Handle }

func (p handleProc) PID() int { return p.Handle.PID }

// Controller drives one instance through its lifecycle.
type Controller struct {
	cfg *config.Config
	id  string

	provisioner Provisioner
	launch      func(ctx context.Context, spec launcher.Spec) (Process, error)
	newWaiter   func(consolePath string, alive func() bool, nudge func(context.Context) error) ReadyWaiter
	newControl  func(socketPath string) ControlChannel
	allocPorts  func() (control, data int, err error)
	detectHost  func() hostinfo.Capabilities
	runs        *history.DB // nil disables run recording

	mu          sync.Mutex
	state       State
	alloc       resources.Allocation
	proc        Process
	registry    *cleanup.Registry
	attempts    int
	bootResult  *bootwatch.Result
	diagnostics string
}

// New builds a controller over the real subsystem implementations. runs may
// be nil to skip history recording.
func New(cfg *config.Config, id string, runs *history.DB) *Controller {
	prov := &storage.Provisioner{
		BaseImage:  cfg.BaseImagePath,
		Dir:        cfg.StateDir,
		QemuImgBin: cfg.QemuImgBin,
	}
	launch := launcher.New(cfg.QemuBin, cfg.StateDir)
	ports := resources.NewPortAllocator(cfg.PortRangeStart, cfg.PortRangeEnd)

	return &Controller{
		cfg:         cfg,
		id:          id,
		provisioner: prov,
		launch: func(ctx context.Context, spec launcher.Spec) (Process, error) {
			h, err := launch.Launch(ctx, spec)
			if err != nil {
				return nil, err
			}
			return handleProc{h}, nil
		},
		newWaiter: func(consolePath string, alive func() bool, nudge func(context.Context) error) ReadyWaiter {
			w := bootwatch.NewWatcher(console.NewTailer(consolePath), alive, nudge)
			w.PollInterval = cfg.PollInterval
			return w
		},
		newControl: func(socketPath string) ControlChannel {
			return monitor.NewClient(socketPath)
		},
		allocPorts: ports.AllocatePair,
		detectHost: hostinfo.Detect,
		runs:       runs,
	}
}

// ID returns the instance identifier.
func (c *Controller) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allocation returns the resources granted to the instance.
func (c *Controller) Allocation() resources.Allocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alloc
}

// BootResult returns the readiness result once the instance is Ready.
func (c *Controller) BootResult() *bootwatch.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bootResult
}

// DiagnosticsPath returns the failure artifact path, if one was written.
func (c *Controller) DiagnosticsPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.diagnostics
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	log.Printf("lifecycle: %s: %s -> %s", c.id, prev, s)
}

// Per-instance artifact paths under the state directory.
func (c *Controller) overlayPath() string { return filepath.Join(c.cfg.StateDir, c.id+"-overlay.img") }
func (c *Controller) consolePath() string { return filepath.Join(c.cfg.StateDir, c.id+"-console.log") }
func (c *Controller) socketPath() string  { return filepath.Join(c.cfg.StateDir, c.id+"-monitor.sock") }
func (c *Controller) pidPath() string     { return filepath.Join(c.cfg.StateDir, c.id+".pid") }
func (c *Controller) diagnosticsPath() string {
	return filepath.Join(c.cfg.StateDir, c.id+"-diagnostics.txt")
}

// Start drives the instance to Ready. On return with nil error the
// hypervisor is running and its pidfile is on disk; the caller decides
// whether to keep supervising or hand off.
func (c *Controller) Start(ctx context.Context) error {
	host := c.detectHost()
	alloc, err := resources.Allocate(resources.Request{
		MemoryMB: c.cfg.RequestedMemoryMB,
		CPUs:     c.cfg.RequestedCPUs,
	}, host)
	if err != nil {
		return c.fail(err)
	}
	if err := c.allocatePorts(&alloc); err != nil {
		return c.fail(err)
	}
	c.mu.Lock()
	c.alloc = alloc
	c.mu.Unlock()
	c.setState(StateAllocated)
	log.Printf("lifecycle: %s: allocated %s", c.id, alloc)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxBootRetries; attempt++ {
		c.mu.Lock()
		c.attempts = attempt
		c.mu.Unlock()

		if attempt > 1 {
			log.Printf("lifecycle: %s: attempt %d/%d after %v",
				c.id, attempt, c.cfg.MaxBootRetries, lastErr)
			select {
			case <-time.After(c.cfg.RetryDelay):
			case <-ctx.Done():
				return c.fail(ctx.Err())
			}
			var launchErr *launcher.LaunchError
			if errors.As(lastErr, &launchErr) && launchErr.BindConflict {
				// The conflict may be our own stale reservation; pick a
				// fresh pair instead of looping on the same one.
				c.mu.Lock()
				alloc := c.alloc
				c.mu.Unlock()
				if err := c.allocatePorts(&alloc); err != nil {
					return c.fail(err)
				}
				c.mu.Lock()
				c.alloc = alloc
				c.mu.Unlock()
				log.Printf("lifecycle: %s: re-allocated ports after bind conflict: %s", c.id, alloc)
			}
			c.setState(StateAllocated)
		}

		err := c.attempt(ctx)
		if err == nil {
			c.setState(StateReady)
			c.record("ready", "")
			return nil
		}
		lastErr = err
		if attempt == c.cfg.MaxBootRetries || ctx.Err() != nil {
			// Leave the wreckage in place for the diagnostics snapshot;
			// fail tears it down afterwards.
			break
		}
		c.teardownAttempt()
	}
	return c.fail(lastErr)
}

func (c *Controller) allocatePorts(alloc *resources.Allocation) error {
	control, data, err := c.allocPorts()
	if err != nil {
		return err
	}
	alloc.ControlPort = control
	alloc.DataPort = data
	return nil
}

// attempt runs one Overlaid→Ready span. On error the caller tears down the
// registry accumulated so far.
func (c *Controller) attempt(ctx context.Context) error {
	reg := cleanup.NewRegistry()
	c.mu.Lock()
	c.registry = reg
	alloc := c.alloc
	c.mu.Unlock()

	overlayPath, err := c.provisioner.CreateOverlay(ctx, c.id)
	if err != nil {
		return err
	}
	reg.AddFile(overlayPath)
	c.setState(StateOverlaid)

	proc, err := c.launch(ctx, launcher.Spec{
		Allocation:        alloc,
		OverlayPath:       overlayPath,
		ConsoleLogPath:    c.consolePath(),
		MonitorSocketPath: c.socketPath(),
		PIDFilePath:       c.pidPath(),
		GuestControlPort:  c.cfg.GuestControlPort,
		GuestDataPort:     c.cfg.GuestDataPort,
	})
	if err != nil {
		return err
	}
	reg.AddProcess(proc.PID())
	reg.AddFile(c.pidPath())
	reg.AddFile(c.socketPath())
	c.mu.Lock()
	c.proc = proc
	c.mu.Unlock()
	c.setState(StateLaunched)

	c.setState(StateBooting)
	control := c.newControl(c.socketPath())
	waiter := c.newWaiter(c.consolePath(), proc.Alive, func(ctx context.Context) error {
		return control.SendKey(ctx, "ret")
	})
	result, err := waiter.Wait(ctx, c.cfg.BootTimeout)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.bootResult = result
	c.mu.Unlock()
	log.Printf("lifecycle: %s: ready after %s (%d markers)", c.id, result.Elapsed, len(result.Markers))
	return nil
}

// teardownAttempt releases everything the failed attempt created.
func (c *Controller) teardownAttempt() {
	c.mu.Lock()
	reg := c.registry
	c.registry = nil
	c.proc = nil
	c.mu.Unlock()
	if reg != nil {
		reg.Teardown()
	}
}

// Stop shuts the instance down: graceful power-down over the control
// channel, escalation to signals after ShutdownTimeout, then removal of the
// overlay, monitor socket, and pidfile. The console log and any diagnostics
// artifact stay on disk. Idempotent.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Terminal() || c.state == StateStopping {
		c.mu.Unlock()
		return nil
	}
	proc := c.proc
	c.mu.Unlock()
	c.setState(StateStopping)

	if proc != nil && proc.Alive() {
		control := c.newControl(c.socketPath())
		if err := control.Powerdown(ctx); err != nil {
			log.Printf("lifecycle: %s: graceful power-down failed, falling back to signals: %v", c.id, err)
		} else if proc.WaitExit(c.cfg.ShutdownTimeout) {
			log.Printf("lifecycle: %s: guest powered down", c.id)
		}
	}

	c.teardownAttempt() // kills the process if still alive, removes files
	c.setState(StateStopped)
	c.record("stopped", "")
	return nil
}

// fail transitions to Failed, snapshots diagnostics, and wraps the cause
// with the artifact location.
func (c *Controller) fail(cause error) error {
	c.mu.Lock()
	alloc := c.alloc
	state := c.state
	var pid int
	if c.proc != nil {
		pid = c.proc.PID()
	}
	c.mu.Unlock()

	path := c.diagnosticsPath()
	cleanup.SnapshotDiagnostics(path, cleanup.DiagnosticsInfo{
		InstanceID:     c.id,
		Reason:         cause.Error(),
		State:          state.String(),
		PID:            pid,
		ControlPort:    alloc.ControlPort,
		DataPort:       alloc.DataPort,
		ConsoleLogPath: c.consolePath(),
		StateDir:       c.cfg.StateDir,
	})
	c.mu.Lock()
	c.diagnostics = path
	c.mu.Unlock()

	// The snapshot observed the live wreckage; now release it.
	c.teardownAttempt()

	c.setState(StateFailed)
	c.record("failed", cause.Error())
	return fmt.Errorf("instance %s failed: %w (diagnostics: %s)", c.id, cause, path)
}

// record persists the run outcome; history is advisory and never blocks the
// lifecycle.
func (c *Controller) record(outcome, errText string) {
	if c.runs == nil {
		return
	}
	c.mu.Lock()
	run := &history.Run{
		InstanceID:  c.id,
		Outcome:     outcome,
		State:       c.state.String(),
		Attempts:    c.attempts,
		Diagnostics: c.diagnostics,
		Error:       errText,
	}
	if c.bootResult != nil {
		run.BootTime = c.bootResult.Elapsed
	}
	c.mu.Unlock()
	if _, err := c.runs.Record(run); err != nil {
		log.Printf("lifecycle: %s: record run: %v", c.id, err)
	}
}
