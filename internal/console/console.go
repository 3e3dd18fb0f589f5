// Package console parses the instance console log.
//
// Guests write structured markers to an append-only log, one instance per
// file. Every structured line has the exact shape
//
//	[YYYY-MM-DD HH:MM:SS.mmm] LEVEL: message
//
// interleaved with free-form hypervisor and kernel text. This shape is the
// only contract between the guest and the boot-readiness detector — the
// Tailer turns the raw stream into typed events so no consumer ever matches
// substrings itself.
package console

import (
	"strings"
	"time"
)

// Marker is the fixed vocabulary of structured levels the guest emits.
type Marker string

const (
	MarkerClientReady   Marker = "USBIP_CLIENT_READY"
	MarkerModuleLoaded  Marker = "VHCI_MODULE_LOADED"
	MarkerVersion       Marker = "USBIP_VERSION"
	MarkerConnecting    Marker = "CONNECTING_TO_SERVER"
	MarkerDeviceList    Marker = "DEVICE_LIST_REQUEST"
	MarkerDeviceImport  Marker = "DEVICE_IMPORT_REQUEST"
	MarkerTestComplete  Marker = "TEST_COMPLETE"
)

// loginPrompt is the weak "guest reached a shell" marker in free-form text.
const loginPrompt = "login:"

// FatalPatterns are substrings that indicate an unrecoverable boot failure
// wherever they appear in the log.
var FatalPatterns = []string{
	"Out of memory",
	"Kernel panic",
	"Permission denied",
	"Address already in use",
	"error while loading",
}

// timestampLayout matches the bracketed prefix of structured lines.
const timestampLayout = "2006-01-02 15:04:05.000"

// Line is one parsed structured log line.
type Line struct {
	Timestamp time.Time
	Level     string
	Message   string
	Raw       string
}

// ParseLine parses a structured console line. ok is false for free-form
// hypervisor/kernel text.
func ParseLine(raw string) (Line, bool) {
	if len(raw) < len(timestampLayout)+2 || raw[0] != '[' {
		return Line{}, false
	}
	end := strings.IndexByte(raw, ']')
	if end < 0 {
		return Line{}, false
	}
	ts, err := time.Parse(timestampLayout, raw[1:end])
	if err != nil {
		return Line{}, false
	}
	rest := strings.TrimSpace(raw[end+1:])
	level, msg, found := strings.Cut(rest, ":")
	if !found {
		return Line{}, false
	}
	level = strings.TrimSpace(level)
	if level == "" {
		return Line{}, false
	}
	return Line{
		Timestamp: ts,
		Level:     level,
		Message:   strings.TrimSpace(msg),
		Raw:       raw,
	}, true
}

// Event is a typed observation from the console stream.
type Event interface{ consoleEvent() }

// ReadyEvent is emitted when the strong ready marker appears.
type ReadyEvent struct{ Line Line }

// LoginPromptEvent is emitted when the weak login-prompt marker appears.
type LoginPromptEvent struct{ Raw string }

// FatalEvent is emitted when a known fatal pattern appears anywhere.
type FatalEvent struct {
	Pattern string
	Raw     string
}

// MarkerEvent is emitted for every structured marker other than the ready
// marker (module-loaded, version, protocol progress).
type MarkerEvent struct {
	Marker Marker
	Line   Line
}

func (ReadyEvent) consoleEvent()       {}
func (LoginPromptEvent) consoleEvent() {}
func (FatalEvent) consoleEvent()       {}
func (MarkerEvent) consoleEvent()      {}

// classify turns one raw log line into zero or more events.
func classify(raw string) []Event {
	var events []Event

	for _, pattern := range FatalPatterns {
		if strings.Contains(raw, pattern) {
			events = append(events, FatalEvent{Pattern: pattern, Raw: raw})
			break
		}
	}

	if line, ok := ParseLine(raw); ok {
		switch Marker(line.Level) {
		case MarkerClientReady:
			events = append(events, ReadyEvent{Line: line})
		case MarkerModuleLoaded, MarkerVersion, MarkerConnecting,
			MarkerDeviceList, MarkerDeviceImport, MarkerTestComplete:
			events = append(events, MarkerEvent{Marker: Marker(line.Level), Line: line})
		}
		return events
	}

	if strings.Contains(raw, loginPrompt) {
		events = append(events, LoginPromptEvent{Raw: raw})
	}
	return events
}
