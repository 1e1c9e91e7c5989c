package transfer

import (
	"io"
	"sync"

	"courier/internal/courier/notify"
)

// progressReader reports bytes read from the request body. The transport may
// keep reading after the response is in, so stop must be called before the
// terminal notification to keep progress ahead of it.
type progressReader struct {
	r      io.Reader
	total  int64
	fileID string
	sink   notify.Sink

	mu      sync.Mutex
	read    int64
	stopped bool
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.mu.Lock()
		p.read += int64(n)
		if !p.stopped && p.total > 0 {
			p.sink.UploadProgress(p.fileID, notify.Progress{BytesUploaded: p.read, BytesTotal: p.total})
		}
		p.mu.Unlock()
	}
	return n, err
}

func (p *progressReader) stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}
