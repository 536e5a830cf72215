package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"

	"github.com/zhishimianbao/tripmind/internal/httpkit"
)

// ErrorKind says whether a failed model call is worth retrying.
type ErrorKind int

const (
	// Transient failures (network, timeout, rate limit, 5xx) may succeed
	// on retry.
	Transient ErrorKind = iota
	// Fatal failures (auth, bad request, undecodable response) will not.
	Fatal
)

func (k ErrorKind) String() string {
	if k == Transient {
		return "transient"
	}
	return "fatal"
}

// ModelError is returned by the Gateway for any failed model call other
// than caller cancellation.
type ModelError struct {
	Kind   ErrorKind
	Model  string
	Status int // HTTP status when the provider answered, else 0
	Err    error
}

func (e *ModelError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("model %s error (%s, status %d): %v", e.Model, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("model %s error (%s): %v", e.Model, e.Kind, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient ModelError.
func IsTransient(err error) bool {
	var me *ModelError
	return errors.As(err, &me) && me.Kind == Transient
}

// StatusError is returned by providers when the API answered with a
// non-success status.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Status, e.Body)
}

// classify wraps a provider error as a ModelError. Context
// cancellation is returned unchanged: the caller went away, the model
// did not fail.
func classify(model string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	me := &ModelError{Kind: Fatal, Model: model, Err: err}

	var se *StatusError
	switch {
	case errors.As(err, &se):
		me.Status = se.Status
		if se.Status == 408 || se.Status == 429 || se.Status >= 500 {
			me.Kind = Transient
		}
	case httpkit.IsTimeout(err):
		me.Kind = Transient
	case errors.Is(err, io.ErrUnexpectedEOF):
		me.Kind = Transient
	default:
		var netErr net.Error
		var urlErr *url.Error
		if errors.As(err, &netErr) || errors.As(err, &urlErr) {
			me.Kind = Transient
		}
	}
	return me
}
