package delegate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"courier/internal/courier/channel"
	"courier/internal/courier/core/transfer"
	"courier/internal/courier/domain"
	"courier/internal/courier/notify"
	"courier/pkg/client"
	courierrors "courier/pkg/errors"
	"courier/pkg/logger"
)

const op = "delegate"

// Event names on a delegated transfer's channel.
const (
	EventProgress = "progress"
	EventSuccess  = "success"
)

// JSONPoster submits a JSON request. *client.Client satisfies it.
type JSONPoster interface {
	PostJSON(ctx context.Context, target string, body any, headers map[string]string) (*client.Response, error)
}

type Config struct {
	// SocketHost is used when a file's remote target names no host.
	SocketHost       string
	HandshakeTimeout time.Duration
}

// Coordinator hands files to a remote worker and follows the worker's
// progress over an event channel.
type Coordinator struct {
	client JSONPoster
	sink   notify.Sink
	config Config
	logger *logger.Logger
}

func NewCoordinator(c JSONPoster, sink notify.Sink, config Config, log *logger.Logger) *Coordinator {
	if sink == nil {
		sink = notify.Nop{}
	}
	if log == nil {
		log = logger.Global()
	}
	return &Coordinator{
		client: c,
		sink:   sink,
		config: config,
		logger: log.WithField("component", "delegate"),
	}
}

type progressPayload struct {
	BytesUploaded      int64 `json:"bytes_uploaded"`
	BytesTotal         int64 `json:"bytes_total"`
	BytesUploadedCamel int64 `json:"bytesUploaded"`
	BytesTotalCamel    int64 `json:"bytesTotal"`
}

func (p progressPayload) progress() notify.Progress {
	if p.BytesTotal == 0 && p.BytesUploaded == 0 {
		return notify.Progress{BytesUploaded: p.BytesUploadedCamel, BytesTotal: p.BytesTotalCamel}
	}
	return notify.Progress{BytesUploaded: p.BytesUploaded, BytesTotal: p.BytesTotal}
}

// DelegateTransfer submits the file to its remote worker and resolves when
// the worker reports success or the channel fails. The channel is closed
// before it returns.
func (c *Coordinator) DelegateTransfer(ctx context.Context, file domain.FileRecord, opts domain.Options, current, total int) domain.Outcome {
	log := c.logger.WithFields("fileId", file.ID, "file", fmt.Sprintf("%d of %d", current, total))

	c.sink.UploadStarted(file.ID)

	if file.Remote == nil || file.Remote.URL == "" {
		return c.fail(file.ID, delegationError(file.ID, errors.New("file has no remote worker")), nil)
	}

	body := make(map[string]any, len(file.Remote.Body)+5)
	for k, v := range file.Remote.Body {
		body[k] = v
	}
	body["endpoint"] = opts.Endpoint
	if size := file.Payload.Size(); size >= 0 {
		body["size"] = size
	}
	body["fieldname"] = opts.FieldName
	body["fields"] = file.SelectMeta(opts.MetaFields)
	body["headers"] = opts.Headers

	log.Debug("submitting to remote worker", "worker", file.Remote.URL)

	resp, err := c.client.PostJSON(ctx, file.Remote.URL, body, nil)
	if err != nil {
		if cause := transfer.CancelCause(ctx); cause != nil {
			return c.fail(file.ID, transfer.CancelledError(op, file.ID, cause), nil)
		}
		var raw *domain.RawResponse
		if resp != nil {
			raw = &domain.RawResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}
		}
		log.Warn("remote worker rejected job", "error", err)
		return c.fail(file.ID, delegationError(file.ID, err), raw)
	}

	var submitted struct {
		Token string `json:"token"`
	}
	if err := resp.JSON(&submitted); err != nil || submitted.Token == "" {
		raw := &domain.RawResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}
		return c.fail(file.ID, delegationError(file.ID, courierrors.ErrMissingToken), raw)
	}

	host := file.Remote.Host
	if host == "" {
		host = c.config.SocketHost
	}
	if host == "" {
		host = file.Remote.URL
	}
	address, err := ChannelAddress(host, submitted.Token)
	if err != nil {
		return c.fail(file.ID, delegationError(file.ID, err), nil)
	}

	return c.follow(ctx, log, file.ID, address)
}

// follow waits on the worker's channel for exactly one terminal event.
func (c *Coordinator) follow(ctx context.Context, log *logger.Logger, fileID, address string) domain.Outcome {
	ch := channel.New(address,
		channel.WithHandshakeTimeout(c.config.HandshakeTimeout),
		channel.WithLogger(log))

	var (
		mu      sync.Mutex
		settled bool
		result  = make(chan domain.Outcome, 1)
	)
	settle := func(out domain.Outcome) {
		mu.Lock()
		if settled {
			mu.Unlock()
			return
		}
		settled = true
		mu.Unlock()

		_ = ch.Close()
		result <- out
	}

	ch.On(EventProgress, func(data json.RawMessage) {
		var p progressPayload
		if err := json.Unmarshal(data, &p); err != nil {
			log.Warn("ignoring malformed progress", "error", err)
			return
		}
		mu.Lock()
		if !settled {
			c.sink.UploadProgress(fileID, p.progress())
		}
		mu.Unlock()
	})

	ch.On(EventSuccess, func(data json.RawMessage) {
		var decoded any = map[string]any{}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &decoded); err != nil {
				settle(domain.Failure(fileID, delegationError(fileID, fmt.Errorf("decode success: %w", err)), nil))
				return
			}
		}
		settle(domain.Success(fileID, decoded, transfer.URLField(decoded, "url")))
	})

	ch.On(channel.EventError, func(data json.RawMessage) {
		if cause := transfer.CancelCause(ctx); cause != nil {
			settle(domain.Failure(fileID, transfer.CancelledError(op, fileID, cause), nil))
			return
		}
		settle(domain.Failure(fileID, delegationError(fileID, channel.ErrorFromData(data)), nil))
	})

	if err := ch.Connect(ctx); err != nil {
		settle(domain.Failure(fileID, delegationError(fileID, err), nil))
	}

	var out domain.Outcome
	select {
	case out = <-result:
	case <-ctx.Done():
		settle(domain.Failure(fileID, transfer.CancelledError(op, fileID, context.Cause(ctx)), nil))
		out = <-result
	}

	if out.Succeeded() {
		log.Info("remote upload complete", "url", out.URL)
		c.sink.UploadSuccess(fileID, out.Response, out.URL)
	} else {
		log.Warn("remote upload failed", "error", out.Err)
		c.sink.UploadError(fileID, out.Err)
	}
	return out
}

func (c *Coordinator) fail(fileID string, err error, raw *domain.RawResponse) domain.Outcome {
	c.sink.UploadError(fileID, err)
	return domain.Failure(fileID, err, raw)
}

func delegationError(fileID string, cause error) error {
	return courierrors.ForFile(courierrors.KindDelegation, op, fileID,
		fmt.Errorf("%w: %w", courierrors.ErrDelegationFailed, cause))
}

// SocketHost converts a worker host or URL into a websocket base URL:
// http becomes ws, https becomes wss, and a bare host gets ws. A path prefix
// is kept so workers mounted below the root are reachable.
func SocketHost(host string) (string, error) {
	if !strings.Contains(host, "://") {
		host = "ws://" + strings.TrimPrefix(host, "//")
	}
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("invalid socket host %q: %w", host, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported socket host scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("socket host %q has no host", host)
	}
	return u.Scheme + "://" + u.Host + strings.TrimRight(u.EscapedPath(), "/"), nil
}

// ChannelAddress is the event channel address for a worker job token.
func ChannelAddress(host, token string) (string, error) {
	base, err := SocketHost(host)
	if err != nil {
		return "", err
	}
	return base + "/api/" + url.PathEscape(token), nil
}
