package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	gzip "github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// PrepareBase resolves the base image path, decompressing a distributed
// .zst or .gz image next to the original the first time it is needed.
//
// Given "base.qcow2": if it exists it is returned as-is; otherwise
// "base.qcow2.zst" then "base.qcow2.gz" are tried. Decompression goes
// through a staging file renamed into place, so a crash mid-decompress
// never leaves a truncated base image behind.
func PrepareBase(ctx context.Context, path string) (string, error) {
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	for _, suffix := range []string{".zst", ".gz"} {
		compressed := path + suffix
		if _, err := os.Stat(compressed); err != nil {
			continue
		}
		log.Printf("storage: decompressing base image %s", compressed)
		if err := decompressTo(ctx, compressed, path); err != nil {
			return "", fmt.Errorf("decompress base image %s: %w", compressed, err)
		}
		return path, nil
	}

	return "", fmt.Errorf("base image %s not found (no .zst or .gz variant either)", path)
}

func decompressTo(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	var reader io.Reader
	switch {
	case hasSuffix(src, ".zst"):
		zr, err := zstd.NewReader(in)
		if err != nil {
			return err
		}
		defer zr.Close()
		reader = zr
	case hasSuffix(src, ".gz"):
		gr, err := gzip.NewReader(in)
		if err != nil {
			return err
		}
		defer gr.Close()
		reader = gr
	default:
		return fmt.Errorf("unsupported compression suffix on %s", src)
	}

	staging := dst + ".tmp"
	os.Remove(staging)
	out, err := os.OpenFile(staging, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	_, copyErr := io.Copy(out, contextReader{ctx: ctx, r: reader})
	closeErr := out.Close()
	if copyErr != nil {
		os.Remove(staging)
		return copyErr
	}
	if closeErr != nil {
		os.Remove(staging)
		return closeErr
	}

	return os.Rename(staging, dst)
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// contextReader aborts a long decompression when the context is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
