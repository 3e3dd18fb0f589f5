package console

import (
	"bytes"
	"io"
	"os"
)

// Tailer incrementally reads an append-only console log and emits typed
// events for each complete new line. The file not existing yet is normal —
// the hypervisor creates it asynchronously after launch.
type Tailer struct {
	path      string
	offset    int64
	partial   []byte
	lineCount int
}

// NewTailer creates a tailer over the console log at path.
func NewTailer(path string) *Tailer {
	return &Tailer{path: path}
}

// Poll reads everything appended since the previous call and returns the
// typed events found in the new complete lines.
func (t *Tailer) Poll() ([]Event, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	t.offset += int64(len(data))

	buf := append(t.partial, data...)
	var events []Event
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimRight(buf[:idx], "\r"))
		buf = buf[idx+1:]
		t.lineCount++
		events = append(events, classify(line)...)
	}
	t.partial = append([]byte(nil), buf...)
	return events, nil
}

// LineCount returns the number of complete lines observed so far. The boot
// readiness detector uses it for stall detection.
func (t *Tailer) LineCount() int {
	return t.lineCount
}

// LastLines returns up to n trailing complete lines of the log file,
// re-read from disk. Used for diagnostics snapshots.
func LastLines(path string, n int) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	lines := splitLines(data)
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

func splitLines(data []byte) []string {
	var lines []string
	for _, raw := range bytes.Split(data, []byte{'\n'}) {
		raw = bytes.TrimRight(raw, "\r")
		if len(raw) == 0 {
			continue
		}
		lines = append(lines, string(raw))
	}
	return lines
}
