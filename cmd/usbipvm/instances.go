package main

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ckoehler/usbipvm/internal/config"
	"github.com/ckoehler/usbipvm/internal/launcher"
)

// liveInstance is one instance found via its pidfile.
type liveInstance struct {
	ID    string
	PID   int
	Alive bool
}

// findInstances scans the state directory for pidfiles. Pidfile presence is
// the only persisted record of a live instance.
func findInstances(cfg *config.Config) ([]liveInstance, error) {
	matches, err := filepath.Glob(filepath.Join(cfg.StateDir, "vm-*.pid"))
	if err != nil {
		return nil, err
	}

	var instances []liveInstance
	for _, path := range matches {
		id := strings.TrimSuffix(filepath.Base(path), ".pid")
		pid, err := launcher.ReadPIDFile(path)
		if err != nil {
			// A malformed pidfile is stale state, not a live instance.
			continue
		}
		instances = append(instances, liveInstance{
			ID:    id,
			PID:   pid,
			Alive: launcher.ProcessAlive(pid),
		})
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances, nil
}

func overlayPath(cfg *config.Config, id string) string {
	return filepath.Join(cfg.StateDir, id+"-overlay.img")
}

func consolePath(cfg *config.Config, id string) string {
	return filepath.Join(cfg.StateDir, id+"-console.log")
}

func socketPath(cfg *config.Config, id string) string {
	return filepath.Join(cfg.StateDir, id+"-monitor.sock")
}

func pidPath(cfg *config.Config, id string) string {
	return filepath.Join(cfg.StateDir, id+".pid")
}

// removeInstanceFiles deletes the per-instance runtime files, keeping the
// console log and diagnostics for postmortems.
func removeInstanceFiles(cfg *config.Config, id string) {
	for _, path := range []string{overlayPath(cfg, id), socketPath(cfg, id), pidPath(cfg, id)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			continue
		}
	}
}
