package bootwatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ckoehler/usbipvm/internal/console"
)

func fastWatcher(path string, alive func() bool) *Watcher {
	w := NewWatcher(console.NewTailer(path), alive, nil)
	w.PollInterval = 5 * time.Millisecond
	w.StallAfter = 50 * time.Millisecond
	w.LoginGrace = 30 * time.Millisecond
	return w
}

func appendLog(t *testing.T, path, text string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		t.Fatal(err)
	}
}

func TestWait_Ready(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	appendLog(t, path, "booting\n[2024-03-01 12:00:01.000] VHCI_MODULE_LOADED: ok\n")

	go func() {
		time.Sleep(30 * time.Millisecond)
		appendLog(t, path, "[2024-03-01 12:00:02.000] USBIP_CLIENT_READY: up\n")
	}()

	w := fastWatcher(path, func() bool { return true })
	res, err := w.Wait(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Weak {
		t.Error("Weak = true for a strong ready marker")
	}
	if len(res.Markers) != 1 || res.Markers[0] != console.MarkerModuleLoaded {
		t.Errorf("Markers = %v, want [VHCI_MODULE_LOADED]", res.Markers)
	}
	if res.Elapsed <= 0 {
		t.Errorf("Elapsed = %v, want > 0", res.Elapsed)
	}
}

func TestWait_FatalPattern(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	appendLog(t, path, "Kernel panic - not syncing: VFS: Unable to mount root fs\n")

	w := fastWatcher(path, func() bool { return true })
	_, err := w.Wait(context.Background(), 2*time.Second)

	var failure *FailureError
	if !errors.As(err, &failure) {
		t.Fatalf("err = %v, want *FailureError", err)
	}
	if failure.Pattern != "Kernel panic" {
		t.Errorf("Pattern = %q, want 'Kernel panic'", failure.Pattern)
	}
}

func TestWait_ProcessDied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	appendLog(t, path, "booting\n")

	w := fastWatcher(path, func() bool { return false })
	_, err := w.Wait(context.Background(), 2*time.Second)

	var failure *FailureError
	if !errors.As(err, &failure) {
		t.Fatalf("err = %v, want *FailureError", err)
	}
	if failure.Pattern != "" {
		t.Errorf("Pattern = %q, want empty for process death", failure.Pattern)
	}
}

func TestWait_Timeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	appendLog(t, path, "booting\nstill booting\n")

	w := fastWatcher(path, func() bool { return true })
	w.StallAfter = time.Hour // keep the stall path out of this test
	_, err := w.Wait(context.Background(), 100*time.Millisecond)

	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if timeout.Lines != 2 {
		t.Errorf("Lines = %d, want 2", timeout.Lines)
	}
}

func TestWait_StallNudgesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	appendLog(t, path, "booting\n")

	var nudges atomic.Int32
	w := fastWatcher(path, func() bool { return true })
	w.Nudge = func(context.Context) error {
		nudges.Add(1)
		return nil
	}

	_, err := w.Wait(context.Background(), 300*time.Millisecond)
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	// One stall episode with no new output: exactly one nudge.
	if got := nudges.Load(); got != 1 {
		t.Errorf("nudges = %d, want 1", got)
	}
}

func TestWait_StallRearmsAfterOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	appendLog(t, path, "booting\n")

	var nudges atomic.Int32
	w := fastWatcher(path, func() bool { return true })
	w.Nudge = func(context.Context) error {
		if nudges.Add(1) == 1 {
			appendLog(t, path, "console woke up\n")
		}
		return nil
	}

	w.Wait(context.Background(), 400*time.Millisecond)
	// New output after the first nudge rearms the stall clock, so a second
	// stall gets a second nudge.
	if got := nudges.Load(); got != 2 {
		t.Errorf("nudges = %d, want 2", got)
	}
}

func TestWait_ScrollingFreeFormIsNotStalled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	appendLog(t, path, "booting\n")

	// Keep free-form kernel text scrolling faster than the poll interval.
	// None of it classifies to a typed event, but it is still progress.
	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
			}
			f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
			if err != nil {
				return
			}
			fmt.Fprintf(f, "usb 1-1: kernel scroll %d\n", i)
			f.Close()
		}
	}()
	defer func() {
		close(stop)
		<-writerDone
	}()

	var nudges atomic.Int32
	w := fastWatcher(path, func() bool { return true })
	w.Nudge = func(context.Context) error {
		nudges.Add(1)
		return nil
	}

	_, err := w.Wait(context.Background(), 200*time.Millisecond)
	var timeout *TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if got := nudges.Load(); got != 0 {
		t.Errorf("nudges = %d, want 0: scrolling output was treated as a stall", got)
	}
}

func TestWait_LoginPromptWeakReady(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	appendLog(t, path, "debian-usbip login:\n")

	w := fastWatcher(path, func() bool { return true })
	res, err := w.Wait(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !res.Weak {
		t.Error("Weak = false, want true for login-prompt readiness")
	}
}

func TestWait_StrongMarkerBeatsLoginGrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	appendLog(t, path, "debian-usbip login:\n")

	go func() {
		time.Sleep(10 * time.Millisecond)
		appendLog(t, path, "[2024-03-01 12:00:02.000] USBIP_CLIENT_READY: up\n")
	}()

	w := fastWatcher(path, func() bool { return true })
	w.LoginGrace = time.Second
	res, err := w.Wait(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Weak {
		t.Error("Weak = true although the strong marker arrived in the grace window")
	}
}

func TestWait_ContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	ctx, cancel := context.WithCancel(context.Background())

	w := fastWatcher(path, func() bool { return true })
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := w.Wait(ctx, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
