package queue

import (
	"context"
	"errors"
	"fmt"

	"wisefido-datum/internal/models"
)

var (
	// ErrInvalidDatum is returned for datum without a source ID.
	ErrInvalidDatum = errors.New("invalid datum")
	// ErrNoStore is reported when a committed datum has no store for its kind.
	ErrNoStore = errors.New("no datum store configured")
	// ErrDrop is returned by a Transform to filter a datum out.
	ErrDrop = errors.New("datum dropped")
)

// Origin tells how an entry reached the queue.
type Origin int

const (
	// OriginCommitted entries are persisted and then consumed.
	OriginCommitted Origin = iota
	// OriginObserved entries are only consumed.
	OriginObserved
)

func (o Origin) String() string {
	if o == OriginCommitted {
		return "committed"
	}
	return "observed"
}

// Consumer receives every datum that survives processing, in queue order.
type Consumer interface {
	Accept(d *models.Datum) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(d *models.Datum) error

// Accept calls f(d).
func (f ConsumerFunc) Accept(d *models.Datum) error {
	return f(d)
}

// Transform rewrites the samples of a datum before persistence. Returning
// ErrDrop (possibly wrapped) filters the datum out; returning samples
// unchanged, or nil samples with a nil error, keeps it as is. samples must
// not be modified in place. params is scratch space shared by chained
// transforms for one datum.
type Transform interface {
	Transform(d *models.Datum, samples *models.Samples, params map[string]any) (*models.Samples, error)
}

// TransformFunc adapts a function to Transform.
type TransformFunc func(d *models.Datum, samples *models.Samples, params map[string]any) (*models.Samples, error)

// Transform calls f.
func (f TransformFunc) Transform(d *models.Datum, samples *models.Samples, params map[string]any) (*models.Samples, error) {
	return f(d, samples, params)
}

// DatumStore persists datum of one kind.
type DatumStore interface {
	StoreDatum(ctx context.Context, d *models.Datum) error
}

// Stage is a point in processing reported to a ProcessObserver.
type Stage int

const (
	// StagePreFilter is reported before the transform runs.
	StagePreFilter Stage = iota
	// StagePostFilter is reported after the transform accepted the datum.
	StagePostFilter
)

func (s Stage) String() string {
	if s == StagePreFilter {
		return "pre-filter"
	}
	return "post-filter"
}

// ProcessObserver sees datum as they move through processing.
type ProcessObserver interface {
	DatumProcessed(stage Stage, d *models.Datum)
}

// ExceptionHandler is told about transform and persistence failures. err is
// always a *ProcessingError.
type ExceptionHandler func(err error)

// ProcessingError reports a failed processing step for one datum.
type ProcessingError struct {
	Stage  string // "transform" or "persist"
	Datum  *models.Datum
	Origin Origin
	Err    error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s failed for %s: %v", e.Stage, e.Datum, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// panicError wraps a value recovered from a callback.
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}
