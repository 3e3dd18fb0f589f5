// Package storage provisions per-instance copy-on-write disk images backed by
// a shared read-only base image, and prepares compressed base images for use.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// qcow2Magic is the first four bytes of every valid qcow2 image ("QFI\xfb").
var qcow2Magic = []byte{'Q', 'F', 'I', 0xfb}

// ProvisionError reports a failed or corrupt overlay creation. The lifecycle
// controller treats it as transient and retries with a fresh overlay.
type ProvisionError struct {
	InstanceID string
	Err        error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision overlay for %s: %v", e.InstanceID, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Provisioner creates and removes qcow2 overlay images under Dir.
// The base image is only ever named as a backing file — never opened for
// writing.
type Provisioner struct {
	BaseImage  string
	Dir        string
	QemuImgBin string // empty means "qemu-img" from PATH
}

// NewProvisioner creates a Provisioner storing overlays under dir.
func NewProvisioner(baseImage, dir string) *Provisioner {
	return &Provisioner{BaseImage: baseImage, Dir: dir}
}

func (p *Provisioner) qemuImg() string {
	if p.QemuImgBin != "" {
		return p.QemuImgBin
	}
	return "qemu-img"
}

// OverlayPath returns the overlay image path for an instance.
func (p *Provisioner) OverlayPath(instanceID string) string {
	return filepath.Join(p.Dir, instanceID+"-overlay.img")
}

// CreateOverlay creates a copy-on-write overlay referencing the base image
// and verifies the result is a readable qcow2 image. Idempotent per instance:
// any partial overlay from a previous attempt is removed first.
func (p *Provisioner) CreateOverlay(ctx context.Context, instanceID string) (string, error) {
	if _, err := os.Stat(p.BaseImage); err != nil {
		return "", &ProvisionError{InstanceID: instanceID, Err: fmt.Errorf("base image: %w", err)}
	}

	overlay := p.OverlayPath(instanceID)
	os.Remove(overlay)

	cmd := exec.CommandContext(ctx, p.qemuImg(),
		"create", "-f", "qcow2", "-b", p.BaseImage, "-F", "qcow2", overlay)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(overlay)
		return "", &ProvisionError{InstanceID: instanceID,
			Err: fmt.Errorf("qemu-img create: %w: %s", err, strings.TrimSpace(stderr.String()))}
	}

	if err := p.verify(ctx, overlay); err != nil {
		os.Remove(overlay)
		return "", &ProvisionError{InstanceID: instanceID, Err: err}
	}
	return overlay, nil
}

// verify checks the overlay is a readable qcow2 image: magic bytes first,
// then qemu-img info for structural validity.
func (p *Provisioner) verify(ctx context.Context, overlay string) error {
	f, err := os.Open(overlay)
	if err != nil {
		return fmt.Errorf("verify overlay: %w", err)
	}
	header := make([]byte, 4)
	_, readErr := f.Read(header)
	f.Close()
	if readErr != nil {
		return fmt.Errorf("verify overlay: read header: %w", readErr)
	}
	if !bytes.Equal(header, qcow2Magic) {
		return fmt.Errorf("verify overlay: not a qcow2 image (bad magic %q)", header)
	}

	cmd := exec.CommandContext(ctx, p.qemuImg(), "info", overlay)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("qemu-img info: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// RemoveOverlay deletes an instance's overlay. Removing a missing overlay is
// a no-op.
func (p *Provisioner) RemoveOverlay(instanceID string) error {
	err := os.Remove(p.OverlayPath(instanceID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
