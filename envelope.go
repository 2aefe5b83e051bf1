package gocondfetch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

var (
	// ErrTransport is the generic error surfaced when the server could not be reached.
	ErrTransport = errors.New("network request failed")
	// ErrMalformedResponse is surfaced when a successful response does not carry a JSON envelope.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrUnexpectedNotModified is surfaced when the server answers 304 to a request
	// for which nothing is cached.
	ErrUnexpectedNotModified = errors.New("not modified without cached entry")
)

// Response is the envelope every endpoint answers with. Success is
// authoritative over the HTTP status code.
type Response struct {
	Success   bool            `json:"success" msgpack:"success" cbor:"success"`
	Data      json.RawMessage `json:"data,omitempty" msgpack:"data,omitempty" cbor:"data,omitempty"`
	Message   string          `json:"message" msgpack:"message" cbor:"message"`
	Meta      json.RawMessage `json:"meta,omitempty" msgpack:"meta,omitempty" cbor:"meta,omitempty"`
	Timestamp string          `json:"timestamp,omitempty" msgpack:"timestamp,omitempty" cbor:"timestamp,omitempty"`
	Errors    json.RawMessage `json:"errors,omitempty" msgpack:"errors,omitempty" cbor:"errors,omitempty"`
	Code      string          `json:"code,omitempty" msgpack:"code,omitempty" cbor:"code,omitempty"`
}

// Decode unmarshals the data member of r into a T.
func Decode[T any](r *Response) (T, error) {
	var v T
	if r == nil || len(r.Data) == 0 {
		return v, nil
	}
	err := json.Unmarshal(r.Data, &v)
	return v, err
}

// wireResponse accepts codes sent either as strings or as numbers.
type wireResponse struct {
	Success   *bool           `json:"success"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	Meta      json.RawMessage `json:"meta"`
	Timestamp json.RawMessage `json:"timestamp"`
	Errors    json.RawMessage `json:"errors"`
	Code      json.RawMessage `json:"code"`
}

func parseEnvelope(body []byte) (*Response, error) {
	var w wireResponse
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, err
	}
	if w.Success == nil {
		return nil, errors.New("missing success flag")
	}

	return &Response{
		Success:   *w.Success,
		Data:      nullable(w.Data),
		Message:   w.Message,
		Meta:      nullable(w.Meta),
		Timestamp: scalar(w.Timestamp),
		Errors:    nullable(w.Errors),
		Code:      scalar(w.Code),
	}, nil
}

func nullable(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	return raw
}

func scalar(raw json.RawMessage) string {
	raw = nullable(raw)
	if raw == nil {
		return ""
	}
	if s, err := strconv.Unquote(string(raw)); err == nil {
		return s
	}
	return string(raw)
}

// ServerError is a failure declared by the server, either through a non-2xx
// status or through success:false.
type ServerError struct {
	Status  int
	Message string
	Code    string
	Errors  json.RawMessage
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (code %s, status %d)", e.Message, e.Code, e.Status)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

// IsServerError returns the ServerError carried by err, if any.
func IsServerError(err error) (*ServerError, bool) {
	var se *ServerError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// classify turns a raw HTTP answer into either an envelope or an error.
func classify(status int, body []byte) (*Response, error) {
	env, parseErr := parseEnvelope(body)
	if parseErr != nil {
		if status < 200 || status > 299 {
			return nil, &ServerError{Status: status, Message: http.StatusText(status)}
		}
		return nil, errors.Join(ErrMalformedResponse, parseErr)
	}

	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(status)
		}
		return env, &ServerError{
			Status:  status,
			Message: msg,
			Code:    env.Code,
			Errors:  env.Errors,
		}
	}

	return env, nil
}
