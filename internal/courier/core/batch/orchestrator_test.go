package batch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"courier/internal/courier/core/delegate"
	"courier/internal/courier/core/transfer"
	"courier/internal/courier/courierstest"
	"courier/internal/courier/domain"
	"courier/internal/courier/notify"
	"courier/internal/courier/source"
	"courier/internal/courier/state"
	"courier/pkg/client"
	courierrors "courier/pkg/errors"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransfer runs fn for every call and counts calls per file.
type fakeTransfer struct {
	mu    sync.Mutex
	calls map[string]int
	opts  map[string]domain.Options
	fn    func(ctx context.Context, file domain.FileRecord) domain.Outcome
}

func newFakeTransfer(fn func(ctx context.Context, file domain.FileRecord) domain.Outcome) *fakeTransfer {
	return &fakeTransfer{calls: map[string]int{}, opts: map[string]domain.Options{}, fn: fn}
}

func (f *fakeTransfer) record(file domain.FileRecord, opts domain.Options) {
	f.mu.Lock()
	f.calls[file.ID]++
	f.opts[file.ID] = opts
	f.mu.Unlock()
}

func (f *fakeTransfer) Transfer(ctx context.Context, file domain.FileRecord, opts domain.Options, _, _ int) domain.Outcome {
	f.record(file, opts)
	return f.fn(ctx, file)
}

func (f *fakeTransfer) DelegateTransfer(ctx context.Context, file domain.FileRecord, opts domain.Options, _, _ int) domain.Outcome {
	f.record(file, opts)
	return f.fn(ctx, file)
}

func (f *fakeTransfer) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeTransfer) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func succeed(_ context.Context, file domain.FileRecord) domain.Outcome {
	return domain.Success(file.ID, nil, "https://x/"+file.ID)
}

func waitCancelled(ctx context.Context, file domain.FileRecord) domain.Outcome {
	<-ctx.Done()
	return domain.Failure(file.ID, transfer.CancelledError("test", file.ID, context.Cause(ctx)), nil)
}

func newRegistry(t *testing.T, files ...domain.FileRecord) state.Registry {
	t.Helper()
	reg := state.New(nil)
	for _, f := range files {
		_, err := reg.Add(f)
		require.NoError(t, err)
	}
	return reg
}

func local(id string) domain.FileRecord {
	return domain.FileRecord{ID: id, Name: id + ".bin", Payload: source.Bytes([]byte(id)), Mode: domain.ModeLocal}
}

func delegated(id string) domain.FileRecord {
	f := local(id)
	f.Mode = domain.ModeDelegated
	f.Remote = &domain.RemoteTarget{URL: "https://worker.example.com/url/get"}
	return f
}

func TestUploadBatch_EmptyIssuesNoCalls(t *testing.T) {
	fake := newFakeTransfer(succeed)
	o := New(newRegistry(t, local("a")), fake, fake, nil, Config{Defaults: domain.DefaultOptions()}, nil)

	result := o.UploadBatch(context.Background(), nil)

	assert.Equal(t, 0, result.Len())
	assert.Equal(t, 0, fake.total())
}

func TestUploadBatch_SettlesEveryFile(t *testing.T) {
	localFake := newFakeTransfer(func(_ context.Context, file domain.FileRecord) domain.Outcome {
		if file.ID == "b" {
			return domain.Failure(file.ID, courierrors.ErrUploadFailed, nil)
		}
		return succeed(context.TODO(), file)
	})
	remoteFake := newFakeTransfer(succeed)
	rec := &courierstest.Recorder{}
	o := New(newRegistry(t, local("a"), local("b"), delegated("c")), localFake, remoteFake, rec, Config{Defaults: domain.DefaultOptions()}, nil)

	result := o.UploadBatch(context.Background(), []string{"a", "b", "c", "missing"})

	require.Equal(t, 4, result.Len())
	assert.ElementsMatch(t, []string{"b", "missing"}, result.FailedIDs())
	assert.Len(t, result.Successful(), 2)

	missing, ok := result.Get("missing")
	require.True(t, ok)
	assert.ErrorIs(t, missing.Err, courierrors.ErrFileNotFound)
	assert.Equal(t, 1, rec.Count("missing", notify.KindError))

	assert.Equal(t, 0, localFake.count("c"), "delegated file must not be sent directly")
	assert.Equal(t, 1, remoteFake.count("c"))
	assert.Equal(t, 0, remoteFake.count("a"))
}

func TestUploadBatch_DuplicateIDsKeepOneEntryEach(t *testing.T) {
	fake := newFakeTransfer(succeed)
	o := New(newRegistry(t, local("a")), fake, fake, nil, Config{Defaults: domain.DefaultOptions()}, nil)

	result := o.UploadBatch(context.Background(), []string{"a", "a"})

	assert.Equal(t, 2, result.Len())
	assert.Equal(t, 2, fake.count("a"))
}

func TestUploadBatch_LayersOptions(t *testing.T) {
	fake := newFakeTransfer(succeed)
	f := local("a")
	f.Transfer = domain.Overrides{Headers: map[string]string{"X-File": "1", "X-Shared": "file"}}

	defaults := domain.DefaultOptions()
	defaults.Endpoint = "https://global.example.com"
	defaults.Headers = map[string]string{"X-Global": "1", "X-Shared": "global"}

	o := New(newRegistry(t, f), fake, fake, nil, Config{
		Defaults: defaults,
		Batch:    domain.Overrides{Endpoint: "https://batch.example.com", Headers: map[string]string{"X-Shared": "batch"}},
	}, nil)

	o.UploadBatch(context.Background(), []string{"a"})

	opts := fake.opts["a"]
	assert.Equal(t, "https://batch.example.com", opts.Endpoint)
	assert.Equal(t, map[string]string{"X-Global": "1", "X-File": "1", "X-Shared": "file"}, opts.Headers)
}

func TestUploadBatch_RespectsMaxConcurrency(t *testing.T) {
	var current, peak int32
	fake := newFakeTransfer(func(_ context.Context, file domain.FileRecord) domain.Outcome {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return succeed(context.TODO(), file)
	})

	ids := []string{"a", "b", "c", "d", "e", "f"}
	var files []domain.FileRecord
	for _, id := range ids {
		files = append(files, local(id))
	}
	o := New(newRegistry(t, files...), fake, fake, nil, Config{Defaults: domain.DefaultOptions(), MaxConcurrency: 2}, nil)

	result := o.UploadBatch(context.Background(), ids)

	assert.Equal(t, 6, result.Len())
	assert.Empty(t, result.FailedIDs())
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestCancel_OnlyAffectsTargetFile(t *testing.T) {
	started := make(chan string, 3)
	release := make(chan struct{})
	fake := newFakeTransfer(func(ctx context.Context, file domain.FileRecord) domain.Outcome {
		started <- file.ID
		select {
		case <-ctx.Done():
			return waitCancelled(ctx, file)
		case <-release:
			if ctx.Err() != nil {
				return waitCancelled(ctx, file)
			}
			return succeed(ctx, file)
		}
	})
	o := New(newRegistry(t, local("a"), local("b"), local("c")), fake, fake, nil, Config{Defaults: domain.DefaultOptions()}, nil)

	done := make(chan *domain.BatchResult, 1)
	go func() { done <- o.UploadBatch(context.Background(), []string{"a", "b", "c"}) }()

	for i := 0; i < 3; i++ {
		<-started
	}
	assert.True(t, o.Cancel("b"))
	assert.False(t, o.Cancel("unknown"))
	close(release)

	result := <-done
	b, _ := result.Get("b")
	assert.ErrorIs(t, b.Err, courierrors.ErrUploadCancelled)
	assert.Equal(t, []string{"b"}, result.FailedIDs())
}

func TestCancelAll_SettlesQueuedAndRunning(t *testing.T) {
	started := make(chan string, 3)
	fake := newFakeTransfer(func(ctx context.Context, file domain.FileRecord) domain.Outcome {
		started <- file.ID
		return waitCancelled(ctx, file)
	})
	o := New(newRegistry(t, local("a"), local("b"), local("c")), fake, fake, nil,
		Config{Defaults: domain.DefaultOptions(), MaxConcurrency: 1}, nil)

	done := make(chan *domain.BatchResult, 1)
	go func() { done <- o.UploadBatch(context.Background(), []string{"a", "b", "c"}) }()

	<-started
	assert.Eventually(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return len(o.inflight) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, o.CancelAll())

	select {
	case result := <-done:
		assert.Len(t, result.FailedIDs(), 3)
		for _, out := range result.Outcomes() {
			assert.ErrorIs(t, out.Err, courierrors.ErrUploadCancelled)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not settle after CancelAll")
	}
	assert.Equal(t, 1, fake.total(), "queued files must not start after cancel")
}

func TestRetry_RunsOnlyThatFile(t *testing.T) {
	var failOnce int32
	fake := newFakeTransfer(func(_ context.Context, file domain.FileRecord) domain.Outcome {
		if file.ID == "b" && atomic.CompareAndSwapInt32(&failOnce, 0, 1) {
			return domain.Failure(file.ID, courierrors.ErrUploadFailed, nil)
		}
		return succeed(context.TODO(), file)
	})
	o := New(newRegistry(t, local("a"), local("b")), fake, fake, nil, Config{Defaults: domain.DefaultOptions()}, nil)

	first := o.UploadBatch(context.Background(), []string{"a", "b"})
	require.Equal(t, []string{"b"}, first.FailedIDs())

	retried := o.Retry(context.Background(), "b")
	assert.Equal(t, 1, retried.Len())
	assert.Empty(t, retried.FailedIDs())
	assert.Equal(t, 1, fake.count("a"))
	assert.Equal(t, 2, fake.count("b"))

	// the original result is untouched
	b, _ := first.Get("b")
	assert.False(t, b.Succeeded())

	all := o.RetryAll(context.Background(), first.FailedIDs())
	assert.Equal(t, 1, all.Len())
	assert.Equal(t, 3, fake.count("b"))
}

func TestRun_PreProcessorErrorStopsBatch(t *testing.T) {
	fake := newFakeTransfer(succeed)
	o := New(newRegistry(t, local("a")), fake, fake, nil, Config{Defaults: domain.DefaultOptions()}, nil)

	var postRan bool
	o.AddPreProcessor(func(context.Context, []string) error { return courierrors.ErrJobCreationFailed })
	o.AddPostProcessor(func(context.Context, []string) error { postRan = true; return nil })

	result, err := o.Run(context.Background(), []string{"a"})

	assert.Nil(t, result)
	assert.ErrorIs(t, err, courierrors.ErrJobCreationFailed)
	assert.Equal(t, 0, fake.total())
	assert.False(t, postRan)
}

func TestRun_OrdersProcessorsAndJoinsPostErrors(t *testing.T) {
	var order []string
	fake := newFakeTransfer(func(_ context.Context, file domain.FileRecord) domain.Outcome {
		order = append(order, "upload")
		return succeed(context.TODO(), file)
	})
	o := New(newRegistry(t, local("a")), fake, fake, nil, Config{Defaults: domain.DefaultOptions()}, nil)

	o.AddPreProcessor(func(_ context.Context, ids []string) error {
		order = append(order, "pre")
		assert.Equal(t, []string{"a"}, ids)
		return nil
	})
	postErr := errors.New("processing failed")
	o.AddPostProcessor(func(context.Context, []string) error { order = append(order, "post"); return postErr })

	result, err := o.Run(context.Background(), []string{"a"})

	require.NotNil(t, result)
	assert.Equal(t, 1, result.Len())
	assert.ErrorIs(t, err, postErr)
	assert.Equal(t, []string{"pre", "upload", "post"}, order)
}

// Three files, two sent directly and one through a remote worker, against
// real HTTP and websocket endpoints.
func TestUploadBatch_MixedTransportsEndToEnd(t *testing.T) {
	var uploads int32
	r := mux.NewRouter()
	r.HandleFunc("/upload", func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&uploads, 1)
		require.NoError(t, req.ParseMultipartForm(1<<20))
		f, hdr, err := req.FormFile("files[]")
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, f)
		_ = f.Close()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"url":"https://x/`+hdr.Filename[:1]+`"}`)
	}).Methods(http.MethodPost)
	r.HandleFunc("/url/get", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"token":"tok-3"}`)
	}).Methods(http.MethodPost)
	srv := httptest.NewServer(r)
	defer srv.Close()

	sock := courierstest.NewSocketServer(t)
	sock.OnConnect = func(c *courierstest.SocketConn) {
		_ = c.Send("progress", map[string]int64{"bytes_uploaded": 1, "bytes_total": 1})
		_ = c.Send("success", map[string]string{"url": "https://x/3"})
	}

	c, err := client.New(client.DefaultConfig(), nil)
	require.NoError(t, err)
	rec := &courierstest.Recorder{}

	f1 := domain.FileRecord{ID: "1", Name: "1.txt", Type: "text/plain", Payload: source.Bytes([]byte("one"))}
	f2 := domain.FileRecord{ID: "2", Name: "2.txt", Type: "text/plain", Payload: source.Bytes([]byte("two"))}
	f3 := domain.FileRecord{ID: "3", Name: "3.txt", Payload: source.Bytes([]byte("three")), Mode: domain.ModeDelegated,
		Remote: &domain.RemoteTarget{URL: srv.URL + "/url/get", Host: sock.URL()}}

	defaults := domain.DefaultOptions()
	defaults.Endpoint = srv.URL + "/upload"
	o := New(newRegistry(t, f1, f2, f3),
		transfer.NewExecutor(c, rec, nil),
		delegate.NewCoordinator(c, rec, delegate.Config{}, nil),
		rec, Config{Defaults: defaults, MaxConcurrency: DefaultMaxConcurrency}, nil)

	result := o.UploadBatch(context.Background(), []string{"1", "2", "3"})

	require.Equal(t, 3, result.Len())
	require.Empty(t, result.FailedIDs())
	for id, want := range map[string]string{"1": "https://x/1", "2": "https://x/2", "3": "https://x/3"} {
		out, ok := result.Get(id)
		require.True(t, ok)
		assert.Equal(t, want, out.URL)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&uploads), "delegated file must not hit the upload endpoint")
	assert.Equal(t, 1, rec.Count("3", notify.KindSuccess))
}
