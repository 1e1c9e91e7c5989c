// Package courierstest holds fakes shared by the courier package tests.
package courierstest

import (
	"sync"

	"courier/internal/courier/notify"
)

var (
	_ notify.Sink     = (*Recorder)(nil)
	_ notify.Informer = (*Recorder)(nil)
)

// Recorder keeps every notification it receives, in order.
type Recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *Recorder) add(ev notify.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Recorder) UploadStarted(fileID string) {
	r.add(notify.Event{Kind: notify.KindStarted, FileID: fileID})
}

func (r *Recorder) UploadProgress(fileID string, p notify.Progress) {
	r.add(notify.Event{Kind: notify.KindProgress, FileID: fileID, Progress: p})
}

func (r *Recorder) UploadSuccess(fileID string, response any, url string) {
	r.add(notify.Event{Kind: notify.KindSuccess, FileID: fileID, Response: response, URL: url})
}

func (r *Recorder) UploadError(fileID string, err error) {
	r.add(notify.Event{Kind: notify.KindError, FileID: fileID, Err: err})
}

func (r *Recorder) Inform(n notify.Notice) {
	r.add(notify.Event{Kind: notify.KindNotice, Notice: n})
}

func (r *Recorder) Hide() {
	r.add(notify.Event{Kind: notify.KindHide})
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...)
}

// ForFile returns the events recorded for one file.
func (r *Recorder) ForFile(fileID string) []notify.Event {
	var out []notify.Event
	for _, ev := range r.Events() {
		if ev.FileID == fileID && ev.Kind != notify.KindNotice && ev.Kind != notify.KindHide {
			out = append(out, ev)
		}
	}
	return out
}

// Kinds returns the kinds recorded for one file, in order.
func (r *Recorder) Kinds(fileID string) []notify.Kind {
	var out []notify.Kind
	for _, ev := range r.ForFile(fileID) {
		out = append(out, ev.Kind)
	}
	return out
}

// Count returns how many events of kind were recorded for fileID.
func (r *Recorder) Count(fileID string, kind notify.Kind) int {
	n := 0
	for _, ev := range r.ForFile(fileID) {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// Notices returns the informer notices, with hides recorded as empty notices.
func (r *Recorder) Notices() []notify.Event {
	var out []notify.Event
	for _, ev := range r.Events() {
		if ev.Kind == notify.KindNotice || ev.Kind == notify.KindHide {
			out = append(out, ev)
		}
	}
	return out
}
