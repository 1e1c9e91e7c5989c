package notify

import (
	"context"
	"sync"
	"time"

	"courier/pkg/logger"
)

const (
	subscriberBuffer = 64
	publishTimeout   = 50 * time.Millisecond
)

var (
	_ Sink     = (*Hub)(nil)
	_ Informer = (*Hub)(nil)
)

// Hub fans notifications out to subscriber channels. Slow subscribers that do
// not drain their channel within the publish timeout are dropped.
type Hub struct {
	subscribers map[chan Event]bool
	subMu       sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc

	logger *logger.Logger
}

func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Global()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		subscribers: make(map[chan Event]bool),
		ctx:         ctx,
		cancel:      cancel,
		logger:      log.WithField("component", "notify-hub"),
	}
}

// Subscribe returns a channel of events and a function that unsubscribes and
// closes it. The channel is also closed when the hub shuts down.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.subMu.Lock()
	h.subscribers[ch] = true
	count := len(h.subscribers)
	h.subMu.Unlock()

	h.logger.Debug("new subscriber added", "totalSubscribers", count)

	return ch, func() { h.removeSubscriber(ch) }
}

func (h *Hub) removeSubscriber(ch chan Event) {
	h.subMu.Lock()
	if _, exists := h.subscribers[ch]; !exists {
		h.subMu.Unlock()
		return
	}
	delete(h.subscribers, ch)
	close(ch)
	remaining := len(h.subscribers)
	h.subMu.Unlock()

	h.logger.Debug("subscriber removed", "remainingSubscribers", remaining)
}

// Publish delivers ev to every subscriber. Sends happen under the read lock,
// and channels are only closed under the write lock.
func (h *Hub) Publish(ev Event) {
	h.subMu.RLock()
	var slow []chan Event
	for ch := range h.subscribers {
		delivered, alive := h.send(ch, ev)
		if !alive {
			break
		}
		if !delivered {
			slow = append(slow, ch)
		}
	}
	h.subMu.RUnlock()

	for _, ch := range slow {
		h.logger.Warn("slow subscriber detected, removing", "timeout", publishTimeout, "kind", string(ev.Kind))
		h.removeSubscriber(ch)
	}
}

// send reports whether ev was delivered, and alive is false once the hub has
// been shut down.
func (h *Hub) send(ch chan Event, ev Event) (delivered, alive bool) {
	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()

	select {
	case ch <- ev:
		return true, true
	case <-timer.C:
		return false, true
	case <-h.ctx.Done():
		return false, false
	}
}

// Shutdown closes every subscriber channel. Later publishes are dropped.
func (h *Hub) Shutdown() {
	h.cancel()

	h.subMu.Lock()
	for ch := range h.subscribers {
		close(ch)
	}
	h.subscribers = make(map[chan Event]bool)
	h.subMu.Unlock()
}

func (h *Hub) UploadStarted(fileID string) {
	h.Publish(Event{Kind: KindStarted, FileID: fileID})
}

func (h *Hub) UploadProgress(fileID string, p Progress) {
	h.Publish(Event{Kind: KindProgress, FileID: fileID, Progress: p})
}

func (h *Hub) UploadSuccess(fileID string, response any, url string) {
	h.Publish(Event{Kind: KindSuccess, FileID: fileID, Response: response, URL: url})
}

func (h *Hub) UploadError(fileID string, err error) {
	h.Publish(Event{Kind: KindError, FileID: fileID, Err: err})
}

func (h *Hub) Inform(n Notice) {
	h.Publish(Event{Kind: KindNotice, Notice: n})
}

func (h *Hub) Hide() {
	h.Publish(Event{Kind: KindHide})
}
