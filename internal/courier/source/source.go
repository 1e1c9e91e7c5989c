// Package source provides payload implementations for File Records: local
// files, in-memory bytes and objects stored in MinIO or any S3-compatible store.
package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"courier/internal/courier/domain"
)

var (
	_ domain.Payload = (*FilePayload)(nil)
	_ domain.Payload = BytesPayload(nil)
	_ domain.Payload = RemotePayload{}
)

// FilePayload reads from a path on the local filesystem.
type FilePayload struct {
	path string
	size int64
}

// File stats path and returns a payload for it.
func File(path string) (*FilePayload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return &FilePayload{path: path, size: info.Size()}, nil
}

func (p *FilePayload) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", p.path, err)
	}
	return f, nil
}

func (p *FilePayload) Size() int64 {
	return p.size
}

func (p *FilePayload) Path() string {
	return p.path
}

// Name is the base name used as the File Record's display name.
func (p *FilePayload) Name() string {
	return filepath.Base(p.path)
}

// BytesPayload serves an in-memory buffer.
type BytesPayload []byte

func Bytes(data []byte) BytesPayload {
	return BytesPayload(data)
}

func (p BytesPayload) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(p)), nil
}

func (p BytesPayload) Size() int64 {
	return int64(len(p))
}

// StreamPayload wraps a reader of unknown length. It can be opened once.
type StreamPayload struct {
	r      io.Reader
	opened bool
}

func Stream(r io.Reader) *StreamPayload {
	return &StreamPayload{r: r}
}

func (p *StreamPayload) Open(context.Context) (io.ReadCloser, error) {
	if p.opened {
		return nil, fmt.Errorf("stream payload already consumed")
	}
	p.opened = true
	if rc, ok := p.r.(io.ReadCloser); ok {
		return rc, nil
	}
	return io.NopCloser(p.r), nil
}

func (p *StreamPayload) Size() int64 {
	return -1
}

// RemotePayload stands for content a remote worker fetches itself. Its size
// is unknown and it cannot be read locally.
type RemotePayload struct {
	ref string
}

func Remote(ref string) RemotePayload {
	return RemotePayload{ref: ref}
}

func (p RemotePayload) Open(context.Context) (io.ReadCloser, error) {
	return nil, fmt.Errorf("remote payload %s is fetched by the worker", p.ref)
}

func (p RemotePayload) Size() int64 {
	return -1
}

func (p RemotePayload) Ref() string {
	return p.ref
}
