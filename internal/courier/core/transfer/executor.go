package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sort"
	"strings"

	"courier/internal/courier/domain"
	"courier/internal/courier/notify"
	courierrors "courier/pkg/errors"
	"courier/pkg/logger"

	"github.com/gabriel-vasile/mimetype"
)

const (
	op = "transfer"

	// sniffLen is how much of the payload is read to detect its MIME type.
	sniffLen = 3072
)

// Doer sends one HTTP request. *client.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Executor performs direct HTTP transfers for local files.
type Executor struct {
	client Doer
	sink   notify.Sink
	logger *logger.Logger
}

func NewExecutor(client Doer, sink notify.Sink, log *logger.Logger) *Executor {
	if sink == nil {
		sink = notify.Nop{}
	}
	if log == nil {
		log = logger.Global()
	}
	return &Executor{
		client: client,
		sink:   sink,
		logger: log.WithField("component", "transfer"),
	}
}

// Transfer uploads one file and returns its outcome. It never returns a
// success once ctx has been cancelled.
func (e *Executor) Transfer(ctx context.Context, file domain.FileRecord, opts domain.Options, current, total int) domain.Outcome {
	log := e.logger.WithFields("fileId", file.ID, "file", fmt.Sprintf("%d of %d", current, total))
	log.Debug("uploading", "endpoint", opts.Endpoint, "method", opts.Method, "formData", opts.FormData)

	e.sink.UploadStarted(file.ID)

	if opts.Endpoint == "" {
		return e.fail(file.ID, courierrors.ForFile(courierrors.KindTransport, op, file.ID, courierrors.ErrMissingEndpoint), nil)
	}

	reqCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	rc, err := file.Payload.Open(reqCtx)
	if err != nil {
		if cause := CancelCause(ctx); cause != nil {
			return e.cancelled(file.ID, cause)
		}
		return e.fail(file.ID, courierrors.ForFile(courierrors.KindTransport, op, file.ID, fmt.Errorf("open payload: %w", err)), nil)
	}
	defer rc.Close()

	body, err := buildBody(file, opts, rc)
	if err != nil {
		return e.fail(file.ID, courierrors.ForFile(courierrors.KindTransport, op, file.ID, err), nil)
	}

	progress := &progressReader{
		r:      body.reader,
		total:  body.length,
		fileID: file.ID,
		sink:   e.sink,
	}
	defer progress.stop()

	req, err := http.NewRequestWithContext(reqCtx, opts.Method, opts.Endpoint, progress)
	if err != nil {
		return e.fail(file.ID, courierrors.ForFile(courierrors.KindTransport, op, file.ID, err), nil)
	}
	switch {
	case body.length > 0:
		req.ContentLength = body.length
	case body.length == 0:
		req.Body = http.NoBody
		req.ContentLength = 0
	default:
		req.ContentLength = -1
	}

	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if opts.FormData || req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", body.contentType)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		progress.stop()
		if cause := CancelCause(ctx); cause != nil {
			return e.cancelled(file.ID, cause)
		}
		log.Warn("request failed", "error", err)
		return e.fail(file.ID, courierrors.ForFile(courierrors.KindTransport, op, file.ID,
			fmt.Errorf("%w: %w", opts.ResponseError(nil), err)), nil)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	progress.stop()
	if cause := CancelCause(ctx); cause != nil {
		return e.cancelled(file.ID, cause)
	}
	if err != nil {
		return e.fail(file.ID, courierrors.ForFile(courierrors.KindTransport, op, file.ID,
			fmt.Errorf("%w: read response: %w", opts.ResponseError(nil), err)), nil)
	}

	raw := &domain.RawResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Warn("upload rejected", "status", resp.StatusCode)
		return e.fail(file.ID, courierrors.ForFile(courierrors.KindTransport, op, file.ID, opts.ResponseError(raw)), raw)
	}

	decoded, err := opts.Decode(raw)
	if err != nil {
		return e.fail(file.ID, courierrors.ForFile(courierrors.KindTransport, op, file.ID,
			fmt.Errorf("decode response: %w", err)), raw)
	}

	url := URLField(decoded, opts.ResponseURLField)
	log.Info("upload complete", "status", resp.StatusCode, "url", url)
	e.sink.UploadSuccess(file.ID, decoded, url)
	return domain.Success(file.ID, decoded, url)
}

func (e *Executor) fail(fileID string, err error, raw *domain.RawResponse) domain.Outcome {
	e.sink.UploadError(fileID, err)
	return domain.Failure(fileID, err, raw)
}

func (e *Executor) cancelled(fileID string, cause error) domain.Outcome {
	e.logger.Info("upload cancelled", "fileId", fileID)
	return e.fail(fileID, CancelledError(op, fileID, cause), nil)
}

// CancelledError builds the error recorded for a cancelled transfer.
func CancelledError(operation, fileID string, cause error) error {
	err := courierrors.ErrUploadCancelled
	if cause != nil && !errors.Is(cause, courierrors.ErrUploadCancelled) {
		err = fmt.Errorf("%w: %w", courierrors.ErrUploadCancelled, cause)
	}
	return courierrors.ForFile(courierrors.KindCancelled, operation, fileID, err)
}

// CancelCause returns why ctx ended, or nil when it is still live or only
// timed out. Timeouts are reported as transport failures.
func CancelCause(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, context.DeadlineExceeded) {
		return nil
	}
	return cause
}

// URLField reads a string field from decoded JSON response data.
func URLField(data any, field string) string {
	m, ok := data.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[field].(string)
	return s
}

type requestBody struct {
	reader      io.Reader
	length      int64 // -1 when unknown
	contentType string
}

func buildBody(file domain.FileRecord, opts domain.Options, payload io.Reader) (requestBody, error) {
	contentType := file.Type
	if contentType == "" {
		head := make([]byte, sniffLen)
		n, err := io.ReadFull(payload, head)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return requestBody{}, fmt.Errorf("read payload: %w", err)
		}
		head = head[:n]
		contentType = mimetype.Detect(head).String()
		payload = io.MultiReader(bytes.NewReader(head), payload)
	}

	size := file.Payload.Size()

	if !opts.FormData {
		return requestBody{reader: payload, length: size, contentType: contentType}, nil
	}

	// The multipart envelope is rendered up front around an empty file part
	// so that the request length is known whenever the payload size is.
	var envelope bytes.Buffer
	mw := multipart.NewWriter(&envelope)

	meta := file.SelectMeta(opts.MetaFields)
	for _, name := range metaOrder(meta, opts.MetaFields) {
		if err := mw.WriteField(name, meta[name]); err != nil {
			return requestBody{}, err
		}
	}

	name := file.Name
	if name == "" {
		name = file.ID
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		escapeQuotes(opts.FieldName), escapeQuotes(name)))
	h.Set("Content-Type", contentType)
	if _, err := mw.CreatePart(h); err != nil {
		return requestBody{}, err
	}
	split := envelope.Len()
	if err := mw.Close(); err != nil {
		return requestBody{}, err
	}

	prefix := envelope.Bytes()[:split]
	suffix := envelope.Bytes()[split:]

	length := int64(-1)
	if size >= 0 {
		length = int64(len(prefix)) + size + int64(len(suffix))
	}

	return requestBody{
		reader:      io.MultiReader(bytes.NewReader(prefix), payload, bytes.NewReader(suffix)),
		length:      length,
		contentType: mw.FormDataContentType(),
	}, nil
}

func metaOrder(meta map[string]string, fields []string) []string {
	if fields != nil {
		return fields
	}
	names := make([]string, 0, len(meta))
	for k := range meta {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
