package domain

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	courierrors "courier/pkg/errors"
)

const (
	DefaultMethod           = http.MethodPost
	DefaultFieldName        = "files[]"
	DefaultResponseURLField = "url"
)

// RawResponse is the transport response kept with a failed outcome.
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ResponseDecoder turns a successful response into response data.
type ResponseDecoder func(resp *RawResponse) (any, error)

// ErrorExtractor builds the error reported for a failed response. resp is nil
// when the request never produced one.
type ErrorExtractor func(resp *RawResponse) error

// DecodeJSON is the default decoder. An empty body decodes to an empty object.
func DecodeJSON(resp *RawResponse) (any, error) {
	body := bytes.TrimSpace(resp.Body)
	if len(body) == 0 {
		return map[string]any{}, nil
	}
	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// GenericUploadError is the default error extractor.
func GenericUploadError(*RawResponse) error {
	return courierrors.ErrUploadFailed
}

// Options is the resolved transport configuration for one transfer attempt.
// Treat it as read-only once Resolve has returned it.
type Options struct {
	Endpoint         string
	Method           string
	FieldName        string
	FormData         bool
	MetaFields       []string // nil sends every metadata field
	Headers          map[string]string
	ResponseURLField string
	Timeout          time.Duration
	Decode           ResponseDecoder
	ResponseError    ErrorExtractor
}

// DefaultOptions returns the global defaults.
func DefaultOptions() Options {
	return Options{
		Method:           DefaultMethod,
		FieldName:        DefaultFieldName,
		FormData:         true,
		Headers:          map[string]string{},
		ResponseURLField: DefaultResponseURLField,
		Decode:           DecodeJSON,
		ResponseError:    GenericUploadError,
	}
}

// Overrides is one configuration layer. Zero values leave the lower layer
// untouched; headers are merged key by key.
type Overrides struct {
	Endpoint         string
	Method           string
	FieldName        string
	FormData         *bool
	MetaFields       []string
	Headers          map[string]string
	ResponseURLField string
	Timeout          time.Duration
	Decode           ResponseDecoder
	ResponseError    ErrorExtractor
}

func (o Overrides) clone() Overrides {
	c := o
	if o.FormData != nil {
		v := *o.FormData
		c.FormData = &v
	}
	if o.MetaFields != nil {
		c.MetaFields = append([]string(nil), o.MetaFields...)
	}
	if o.Headers != nil {
		c.Headers = copyStrings(o.Headers)
	}
	return c
}

// Resolve layers overrides on top of defaults in order, so the last layer
// wins on collisions. The result shares nothing mutable with its inputs.
func Resolve(defaults Options, layers ...Overrides) Options {
	opts := defaults
	opts.Headers = copyStrings(defaults.Headers)
	if defaults.MetaFields != nil {
		opts.MetaFields = append([]string(nil), defaults.MetaFields...)
	}

	for _, layer := range layers {
		if layer.Endpoint != "" {
			opts.Endpoint = layer.Endpoint
		}
		if layer.Method != "" {
			opts.Method = layer.Method
		}
		if layer.FieldName != "" {
			opts.FieldName = layer.FieldName
		}
		if layer.FormData != nil {
			opts.FormData = *layer.FormData
		}
		if layer.MetaFields != nil {
			opts.MetaFields = append([]string(nil), layer.MetaFields...)
		}
		for k, v := range layer.Headers {
			opts.Headers[k] = v
		}
		if layer.ResponseURLField != "" {
			opts.ResponseURLField = layer.ResponseURLField
		}
		if layer.Timeout > 0 {
			opts.Timeout = layer.Timeout
		}
		if layer.Decode != nil {
			opts.Decode = layer.Decode
		}
		if layer.ResponseError != nil {
			opts.ResponseError = layer.ResponseError
		}
	}

	if opts.Method == "" {
		opts.Method = DefaultMethod
	}
	if opts.FieldName == "" {
		opts.FieldName = DefaultFieldName
	}
	if opts.ResponseURLField == "" {
		opts.ResponseURLField = DefaultResponseURLField
	}
	if opts.Decode == nil {
		opts.Decode = DecodeJSON
	}
	if opts.ResponseError == nil {
		opts.ResponseError = GenericUploadError
	}
	return opts
}

// Bool is a helper for filling Overrides.FormData.
func Bool(v bool) *bool {
	return &v
}
