// Package batch fans uploads out over the transfer and delegate paths and
// settles every file into one result.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"courier/internal/courier/core/transfer"
	"courier/internal/courier/domain"
	"courier/internal/courier/notify"
	"courier/internal/courier/state"
	courierrors "courier/pkg/errors"
	"courier/pkg/logger"

	"github.com/google/uuid"
)

const op = "batch"

// DefaultMaxConcurrency is the number of files transferred at once when the
// config does not say otherwise.
const DefaultMaxConcurrency = 6

// Transferer uploads one local file.
type Transferer interface {
	Transfer(ctx context.Context, file domain.FileRecord, opts domain.Options, current, total int) domain.Outcome
}

// Delegator uploads one file through a remote worker.
type Delegator interface {
	DelegateTransfer(ctx context.Context, file domain.FileRecord, opts domain.Options, current, total int) domain.Outcome
}

// Processor runs before or after a batch in Run.
type Processor func(ctx context.Context, ids []string) error

type Config struct {
	Defaults domain.Options
	// Batch is layered between Defaults and each file's own overrides.
	Batch domain.Overrides
	// MaxConcurrency caps simultaneous transfers; 0 means unbounded.
	MaxConcurrency int
}

type attempt struct {
	fileID string
	cancel context.CancelCauseFunc
}

// Orchestrator runs batches of uploads against a registry.
type Orchestrator struct {
	registry state.Registry
	local    Transferer
	remote   Delegator
	sink     notify.Sink
	config   Config
	sem      chan struct{}
	logger   *logger.Logger

	mu       sync.Mutex
	inflight map[*attempt]struct{}

	procMu sync.RWMutex
	pre    []Processor
	post   []Processor
}

func New(registry state.Registry, local Transferer, remote Delegator, sink notify.Sink, config Config, log *logger.Logger) *Orchestrator {
	if sink == nil {
		sink = notify.Nop{}
	}
	if log == nil {
		log = logger.Global()
	}
	o := &Orchestrator{
		registry: registry,
		local:    local,
		remote:   remote,
		sink:     sink,
		config:   config,
		logger:   log.WithField("component", "batch"),
		inflight: make(map[*attempt]struct{}),
	}
	if config.MaxConcurrency > 0 {
		o.sem = make(chan struct{}, config.MaxConcurrency)
	}
	return o
}

// AddPreProcessor registers a step that runs before the batch in Run.
func (o *Orchestrator) AddPreProcessor(p Processor) {
	o.procMu.Lock()
	defer o.procMu.Unlock()
	o.pre = append(o.pre, p)
}

// AddPostProcessor registers a step that runs after the batch in Run.
func (o *Orchestrator) AddPostProcessor(p Processor) {
	o.procMu.Lock()
	defer o.procMu.Unlock()
	o.post = append(o.post, p)
}

// UploadBatch transfers every identified file and waits for all of them to
// settle. It never fails as a whole: per-file errors are in the result.
func (o *Orchestrator) UploadBatch(ctx context.Context, ids []string) *domain.BatchResult {
	if len(ids) == 0 {
		return domain.EmptyBatchResult()
	}

	log := o.logger.WithFields("batchId", uuid.NewString(), "files", len(ids))
	log.Info("starting batch")
	start := time.Now()

	outcomes := make([]domain.Outcome, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			outcomes[i] = o.dispatch(ctx, id, i+1, len(ids))
		}(i, id)
	}
	wg.Wait()

	result := domain.NewBatchResult(outcomes)
	log.Info("batch settled",
		"successful", len(result.Successful()),
		"failed", len(result.Failed()),
		"duration", time.Since(start))
	return result
}

// Retry re-runs one file as a fresh batch of one.
func (o *Orchestrator) Retry(ctx context.Context, id string) *domain.BatchResult {
	o.logger.Debug("retrying file", "fileId", id)
	return o.UploadBatch(ctx, []string{id})
}

// RetryAll re-runs the given files as a fresh batch.
func (o *Orchestrator) RetryAll(ctx context.Context, ids []string) *domain.BatchResult {
	o.logger.Debug("retrying files", "count", len(ids))
	return o.UploadBatch(ctx, ids)
}

// Cancel aborts every in-flight attempt for id and reports whether there
// was one.
func (o *Orchestrator) Cancel(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	found := false
	for a := range o.inflight {
		if a.fileID == id {
			a.cancel(courierrors.ErrUploadCancelled)
			found = true
		}
	}
	if found {
		o.logger.Info("cancelled upload", "fileId", id)
	}
	return found
}

// CancelAll aborts every in-flight attempt and returns how many there were.
func (o *Orchestrator) CancelAll() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	for a := range o.inflight {
		a.cancel(courierrors.ErrUploadCancelled)
	}
	if n := len(o.inflight); n > 0 {
		o.logger.Info("cancelled all uploads", "count", n)
	}
	return len(o.inflight)
}

// Run executes the pre-processors, the batch and the post-processors in
// order. A pre-processor error stops Run before any transfer starts.
// Post-processor errors are joined and returned with the settled result.
func (o *Orchestrator) Run(ctx context.Context, ids []string) (*domain.BatchResult, error) {
	o.procMu.RLock()
	pre := append([]Processor(nil), o.pre...)
	post := append([]Processor(nil), o.post...)
	o.procMu.RUnlock()

	for _, p := range pre {
		if err := p(ctx, ids); err != nil {
			return nil, fmt.Errorf("pre-processing failed: %w", err)
		}
	}

	result := o.UploadBatch(ctx, ids)

	var errs []error
	for _, p := range post {
		if err := p(ctx, ids); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return result, fmt.Errorf("post-processing failed: %w", errors.Join(errs...))
	}
	return result, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, id string, current, total int) domain.Outcome {
	fctx, cancel := context.WithCancelCause(ctx)
	a := &attempt{fileID: id, cancel: cancel}
	o.track(a)
	defer o.untrack(a)
	defer cancel(nil)

	file, ok := o.registry.Get(id)
	if !ok {
		err := courierrors.ForFile(courierrors.KindTransport, op, id, courierrors.ErrFileNotFound)
		o.logger.Warn("file not in registry", "fileId", id)
		o.sink.UploadError(id, err)
		return domain.Failure(id, err, nil)
	}

	if err := o.acquire(fctx); err != nil {
		cerr := transfer.CancelledError(op, id, context.Cause(fctx))
		o.sink.UploadError(id, cerr)
		return domain.Failure(id, cerr, nil)
	}
	defer o.release()

	opts := domain.Resolve(o.config.Defaults, o.config.Batch, file.Transfer)
	if file.IsDelegated() {
		return o.remote.DelegateTransfer(fctx, file, opts, current, total)
	}
	return o.local.Transfer(fctx, file, opts, current, total)
}

func (o *Orchestrator) acquire(ctx context.Context) error {
	if o.sem == nil {
		return ctx.Err()
	}
	select {
	case o.sem <- struct{}{}:
		if ctx.Err() != nil {
			<-o.sem
			return ctx.Err()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) release() {
	if o.sem != nil {
		<-o.sem
	}
}

func (o *Orchestrator) track(a *attempt) {
	o.mu.Lock()
	o.inflight[a] = struct{}{}
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(a *attempt) {
	o.mu.Lock()
	delete(o.inflight, a)
	o.mu.Unlock()
}
