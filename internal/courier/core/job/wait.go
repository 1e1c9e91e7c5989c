package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"courier/internal/courier/channel"
	"courier/internal/courier/domain"
	courierrors "courier/pkg/errors"
)

// Wait follows one job's event channel. Connected settles when the channel
// connects; Ready settles when the wait-mode event arrives. A channel error
// rejects whichever of the two is still pending.
type Wait struct {
	coord     *Coordinator
	job       *domain.JobDescriptor
	mode      domain.WaitMode
	ch        *channel.Channel
	connected *future
	ready     *future
}

// AwaitCompletion opens the job's event channel and returns immediately.
// ctx bounds the connection attempt.
//
// The finished event satisfies both wait modes: it always closes the
// channel, so a metadata wait would otherwise never settle.
func (c *Coordinator) AwaitCompletion(ctx context.Context, desc *domain.JobDescriptor, mode domain.WaitMode) (*Wait, error) {
	if mode == domain.WaitNone || !mode.Valid() {
		return nil, fmt.Errorf("%w: cannot wait with mode %q", courierrors.ErrInvalidJobSpec, mode)
	}
	if desc.ChannelURL == "" {
		return nil, courierrors.New(courierrors.KindChannelProtocol, "await job",
			fmt.Errorf("job %s has no event channel", desc.ID))
	}

	log := c.logger.WithFields("jobId", desc.ID, "waitMode", string(mode))

	w := &Wait{
		coord:     c,
		job:       desc,
		mode:      mode,
		connected: newFuture(),
		ready:     newFuture(),
	}
	w.ch = channel.New(desc.ChannelURL,
		channel.WithLogger(log),
		channel.WithHandshakeTimeout(c.config.HandshakeTimeout),
		channel.WithOnConnect(func(ch *channel.Channel) {
			if err := ch.Emit(connectAnnouncement, map[string]string{"id": desc.ID}); err != nil {
				log.Warn("failed to announce job", "error", err)
			}
		}))

	w.ch.On(channel.EventConnect, func(json.RawMessage) {
		w.connected.settle(nil, func() { c.setState(StateAwaiting) })
	})

	satisfy := func(event string) {
		w.ready.settle(nil, func() {
			log.Info("job wait satisfied", "event", event)
			c.setState(StateSatisfied)
		})
	}

	w.ch.On(c.config.FinishedEvent, func(json.RawMessage) {
		satisfy(c.config.FinishedEvent)
		_ = w.ch.Close()
	})

	if mode == domain.WaitMetadataReady {
		w.ch.On(c.config.MetadataEvent, func(json.RawMessage) {
			satisfy(c.config.MetadataEvent)
		})
	}

	reject := func(data json.RawMessage) {
		err := courierrors.New(courierrors.KindChannelProtocol, "await job", channel.ErrorFromData(data))
		var once sync.Once
		fail := func() {
			once.Do(func() {
				log.Warn("job channel failed", "error", err)
				c.setState(StateChannelError)
			})
		}
		w.connected.settle(err, fail)
		w.ready.settle(err, fail)
		_ = w.ch.Close()
	}
	w.ch.On(channel.EventError, reject)
	w.ch.On(c.config.ErrorEvent, reject)

	c.mu.Lock()
	prev := c.wait
	c.wait = w
	c.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	if err := w.ch.Connect(ctx); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// Job returns the job being followed.
func (w *Wait) Job() *domain.JobDescriptor {
	return w.job
}

// Connected is closed once the connection has settled either way.
func (w *Wait) Connected() <-chan struct{} {
	return w.connected.done
}

// Ready is closed once the wait has settled either way.
func (w *Wait) Ready() <-chan struct{} {
	return w.ready.done
}

// WaitConnected blocks until the channel connects or fails.
func (w *Wait) WaitConnected(ctx context.Context) error {
	return w.connected.wait(ctx)
}

// WaitReady blocks until the wait-mode event arrives or the channel fails.
func (w *Wait) WaitReady(ctx context.Context) error {
	return w.ready.wait(ctx)
}

// Close stops following the job. Futures still pending are rejected with
// ErrChannelClosed.
func (w *Wait) Close() error {
	err := w.ch.Close()

	closed := courierrors.New(courierrors.KindChannelProtocol, "await job", courierrors.ErrChannelClosed)
	var once sync.Once
	fail := func() {
		once.Do(func() {
			if w.coord.isCurrent(w) {
				w.coord.setState(StateChannelError)
			}
		})
	}
	w.connected.settle(closed, fail)
	w.ready.settle(closed, fail)
	return err
}
