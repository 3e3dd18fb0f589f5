package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// NewInstanceID generates a unique instance identifier of the form
// vm-<yyyymmdd-hhmmss>-<pid>. Uniqueness is checked against existing
// pidfiles in the state directory; collisions get a numeric suffix.
func NewInstanceID(stateDir string) string {
	base := fmt.Sprintf("vm-%s-%d", time.Now().Format("20060102-150405"), os.Getpid())
	id := base
	for n := 2; ; n++ {
		if _, err := os.Stat(filepath.Join(stateDir, id+".pid")); os.IsNotExist(err) {
			return id
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}
