package domain

import (
	"context"
	"fmt"
	"io"
)

type TransportMode string

const (
	ModeLocal     TransportMode = "local"
	ModeDelegated TransportMode = "delegated"
)

// Payload is an opaque byte source. Open is expected to be called once per
// transfer attempt; Size returns -1 when the length is not known up front.
type Payload interface {
	Open(ctx context.Context) (io.ReadCloser, error)
	Size() int64
}

// RemoteTarget describes the worker that performs a delegated transfer.
type RemoteTarget struct {
	URL  string         // job-submission endpoint on the remote worker
	Host string         // worker host used to derive the event channel address
	Body map[string]any // extra fields sent with the job submission
}

// FileRecord is one unit of data to be uploaded. Records are owned by the
// registry; the engine reads them and produces modified copies.
type FileRecord struct {
	ID       string
	Name     string
	Type     string // MIME type, sniffed from the payload when empty
	Payload  Payload
	Meta     map[string]string
	Transfer Overrides
	Mode     TransportMode
	Remote   *RemoteTarget
}

// IsDelegated reports whether the file is transferred by a remote worker.
func (f *FileRecord) IsDelegated() bool {
	return f.Mode == ModeDelegated
}

// Clone returns a deep copy so callers can mutate metadata without touching
// the registry's record. The payload is shared.
func (f *FileRecord) Clone() FileRecord {
	c := *f
	c.Meta = copyStrings(f.Meta)
	c.Transfer = f.Transfer.clone()
	if f.Remote != nil {
		r := *f.Remote
		r.Body = make(map[string]any, len(f.Remote.Body))
		for k, v := range f.Remote.Body {
			r.Body[k] = v
		}
		c.Remote = &r
	}
	return c
}

// Validate checks the fields the engine relies on.
func (f *FileRecord) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("file has no id")
	}
	if f.Payload == nil {
		return fmt.Errorf("file %s has no payload", f.ID)
	}
	switch f.Mode {
	case ModeLocal, "":
	case ModeDelegated:
		if f.Remote == nil || f.Remote.URL == "" {
			return fmt.Errorf("delegated file %s has no remote worker url", f.ID)
		}
	default:
		return fmt.Errorf("file %s has unknown transport mode %q", f.ID, f.Mode)
	}
	return nil
}

// SelectMeta returns the metadata fields named by fields, or every field when
// fields is nil. Names missing from the metadata map to the empty string.
func (f *FileRecord) SelectMeta(fields []string) map[string]string {
	if fields == nil {
		return copyStrings(f.Meta)
	}
	selected := make(map[string]string, len(fields))
	for _, name := range fields {
		selected[name] = f.Meta[name]
	}
	return selected
}

func copyStrings(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
