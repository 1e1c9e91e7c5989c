// Package job creates server-side processing jobs for a batch, points the
// batch's files at them, and follows each job over its event channel.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"courier/internal/courier/domain"
	"courier/internal/courier/notify"
	"courier/internal/courier/state"
	"courier/pkg/client"
	courierrors "courier/pkg/errors"
	"courier/pkg/logger"

	"google.golang.org/protobuf/types/known/structpb"
)

type State string

const (
	StateIdle         State = "idle"
	StateCreating     State = "creating"
	StateCreated      State = "created"
	StateAwaiting     State = "awaiting-event"
	StateSatisfied    State = "satisfied"
	StateFailed       State = "failed"
	StateChannelError State = "channel-error"
)

const (
	DefaultEndpoint      = "https://api2.transloadit.com/assemblies"
	DefaultFinished      = "assembly_finished"
	DefaultMetadataReady = "assembly_upload_meta_data_extracted"
	DefaultErrorEvent    = "assembly_error"

	connectAnnouncement = "assembly_connect"
)

// User-facing notices.
const (
	NoticePreparing     = "Preparing upload..."
	NoticeProcessing    = "Processing..."
	NoticeCreateFailed  = "Could not create job"
	NoticeConnectFailed = "Could not connect to job status channel"
	NoticeJobFailed     = "Job processing failed"
)

// Spec describes the job to create.
type Spec struct {
	AuthKey    string
	TemplateID string
	Params     map[string]any
	Signature  string
}

// authKey returns the configured key, falling back to params.auth.key.
func (s Spec) authKey() string {
	if s.AuthKey != "" {
		return s.AuthKey
	}
	auth, _ := s.Params["auth"].(map[string]any)
	key, _ := auth["key"].(string)
	return key
}

// Validate checks that s names an auth key and a template or params.
func (s Spec) Validate() error {
	if s.authKey() == "" {
		return fmt.Errorf("%w: an auth key is required", courierrors.ErrInvalidJobSpec)
	}
	if s.TemplateID == "" && len(s.Params) == 0 {
		return fmt.Errorf("%w: a template id or params are required", courierrors.ErrInvalidJobSpec)
	}
	return nil
}

type Config struct {
	Endpoint string
	Spec     Spec
	WaitMode domain.WaitMode

	// Event names on the job channel.
	FinishedEvent string
	MetadataEvent string
	ErrorEvent    string

	HandshakeTimeout time.Duration
}

// FormPoster submits a form request. *client.Client satisfies it.
type FormPoster interface {
	PostForm(ctx context.Context, target string, values url.Values) (*client.Response, error)
}

// Coordinator drives one job at a time through creation and completion.
type Coordinator struct {
	client   FormPoster
	registry state.Registry
	informer notify.Informer
	config   Config
	logger   *logger.Logger

	mu    sync.Mutex
	state State
	job   *domain.JobDescriptor
	wait  *Wait
}

func NewCoordinator(c FormPoster, registry state.Registry, informer notify.Informer, config Config, log *logger.Logger) (*Coordinator, error) {
	if err := config.Spec.Validate(); err != nil {
		return nil, err
	}
	if !config.WaitMode.Valid() {
		return nil, fmt.Errorf("%w: unknown wait mode %q", courierrors.ErrInvalidJobSpec, config.WaitMode)
	}
	if config.Endpoint == "" {
		config.Endpoint = DefaultEndpoint
	}
	if config.FinishedEvent == "" {
		config.FinishedEvent = DefaultFinished
	}
	if config.MetadataEvent == "" {
		config.MetadataEvent = DefaultMetadataReady
	}
	if config.ErrorEvent == "" {
		config.ErrorEvent = DefaultErrorEvent
	}
	if informer == nil {
		informer = notify.Nop{}
	}
	if log == nil {
		log = logger.Global()
	}

	return &Coordinator{
		client:   c,
		registry: registry,
		informer: informer,
		config:   config,
		logger:   log.WithField("component", "job"),
		state:    StateIdle,
	}, nil
}

// State returns the lifecycle state of the current job.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Job returns the current job, or nil before one has been created.
func (c *Coordinator) Job() *domain.JobDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job
}

func (c *Coordinator) isCurrent(w *Wait) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wait == w
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	c.logger.Debug("job state changed", "from", string(prev), "to", string(s))
}

// CreateJob submits spec and returns the created job. Failures are reported
// to the informer and returned; nothing else is changed.
func (c *Coordinator) CreateJob(ctx context.Context, spec Spec, expectedFiles int) (*domain.JobDescriptor, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	c.setState(StateCreating)

	desc, err := c.createJob(ctx, spec, expectedFiles)
	if err != nil {
		c.setState(StateFailed)
		c.logger.Error("job creation failed", "error", err)
		c.informer.Inform(notify.Notice{Level: notify.LevelError, Message: NoticeCreateFailed})
		return nil, courierrors.New(courierrors.KindJobCreation, "create job",
			fmt.Errorf("%w: %w", courierrors.ErrJobCreationFailed, err))
	}

	c.mu.Lock()
	c.job = desc
	c.mu.Unlock()
	c.setState(StateCreated)
	c.logger.Info("job created", "jobId", desc.ID, "expectedFiles", expectedFiles)
	return desc, nil
}

func (c *Coordinator) createJob(ctx context.Context, spec Spec, expectedFiles int) (*domain.JobDescriptor, error) {
	params := make(map[string]any, len(spec.Params)+2)
	for k, v := range spec.Params {
		params[k] = v
	}
	auth := map[string]any{}
	if existing, ok := params["auth"].(map[string]any); ok {
		for k, v := range existing {
			auth[k] = v
		}
	}
	auth["key"] = spec.authKey()
	params["auth"] = auth
	if spec.TemplateID != "" {
		params["template_id"] = spec.TemplateID
	}

	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}

	values := url.Values{}
	values.Set("params", string(encoded))
	values.Set("num_expected_upload_files", strconv.Itoa(expectedFiles))
	if spec.Signature != "" {
		values.Set("signature", spec.Signature)
	}

	resp, err := c.client.PostForm(ctx, c.config.Endpoint, values)
	if err != nil {
		return nil, err
	}
	return ParseDescriptor(resp.Body)
}

// ParseDescriptor reads a job-creation response body.
func ParseDescriptor(body []byte) (*domain.JobDescriptor, error) {
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("decode job response: %w", err)
	}
	meta, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("decode job response: %w", err)
	}

	desc := &domain.JobDescriptor{Metadata: meta}
	if msg := desc.Field("error"); msg != "" {
		if detail := desc.Field("message"); detail != "" {
			msg += ": " + detail
		}
		return nil, errors.New(msg)
	}

	desc.ID = desc.Field("assembly_id")
	desc.IngestEndpoint = desc.Field("tus_url")
	desc.ChannelURL = desc.Field("websocket_url")
	desc.StatusURL = desc.Field("assembly_ssl_url")
	if desc.StatusURL == "" {
		desc.StatusURL = desc.Field("assembly_url")
	}
	if desc.ID == "" {
		return nil, errors.New("job response has no id")
	}
	return desc, nil
}

// Prepare creates a job for the given files, swaps the job-bound snapshot
// into the registry, and starts waiting when a wait mode is configured. It
// returns once the job channel is connected.
func (c *Coordinator) Prepare(ctx context.Context, ids []string) error {
	c.informer.Inform(notify.Notice{Level: notify.LevelInfo, Message: NoticePreparing})

	files := make([]domain.FileRecord, 0, len(ids))
	for _, id := range ids {
		if f, ok := c.registry.Get(id); ok {
			files = append(files, f)
		}
	}

	desc, err := c.CreateJob(ctx, c.config.Spec, len(files))
	if err != nil {
		return err
	}

	if err := c.registry.ReplaceAll(domain.AttachJob(desc, files)); err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("attach job %s: %w", desc.ID, err)
	}

	if c.config.WaitMode != domain.WaitNone {
		w, err := c.AwaitCompletion(ctx, desc, c.config.WaitMode)
		if err != nil {
			return err
		}
		if err := w.WaitConnected(ctx); err != nil {
			c.informer.Inform(notify.Notice{Level: notify.LevelError, Message: NoticeConnectFailed})
			return err
		}
	}

	c.informer.Hide()
	return nil
}

// AfterUpload blocks until the current job's wait is satisfied. It is a
// no-op when no wait was started.
func (c *Coordinator) AfterUpload(ctx context.Context, _ []string) error {
	c.mu.Lock()
	w := c.wait
	c.mu.Unlock()
	if w == nil {
		return nil
	}

	c.informer.Inform(notify.Notice{Level: notify.LevelInfo, Message: NoticeProcessing})
	if err := w.WaitReady(ctx); err != nil {
		c.informer.Inform(notify.Notice{Level: notify.LevelError, Message: NoticeJobFailed})
		return err
	}
	c.informer.Hide()
	return nil
}

// Close closes the current job channel, if any.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	w := c.wait
	c.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}
