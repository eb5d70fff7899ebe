package schema

import (
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/tidemark/errs"
)

// WriteMode selects how reconciled historical records are persisted.
type WriteMode string

const (
	// WriteModeAppend appends records to the catalog's most recent partition.
	WriteModeAppend WriteMode = "append"
	// WriteModeNewFile starts a fresh catalog partition.
	WriteModeNewFile WriteMode = "new_file"
	// WriteModeNone persists nothing.
	WriteModeNone WriteMode = "none"
)

// Validate checks the write mode belongs to the closed set.
func (m WriteMode) Validate() error {
	switch m {
	case WriteModeAppend, WriteModeNewFile, WriteModeNone, "":
		return nil
	default:
		return errs.New("schema/write-mode", errs.CodeInvalid,
			errs.WithMessage("unrecognized write mode"), errs.WithField("mode", string(m)))
	}
}

// DataRequest asks for a bounded historical result set. Exactly one response
// (or one failed response) is delivered per correlation id.
type DataRequest struct {
	CorrelationID string
	Kind          DataKind
	InstrumentID  InstrumentID
	BarType       BarType
	Venue         Venue
	ClientID      ClientID
	Start         time.Time
	End           time.Time
	Limit         int
	WriteMode     WriteMode
	Params        map[string]string
}

// NewCorrelationID generates a request correlation id.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Validate checks required fields before the request enters the queue.
func (r DataRequest) Validate() error {
	if r.CorrelationID == "" {
		return errs.New("schema/request", errs.CodeInvalid, errs.WithMessage("correlation id required"))
	}
	if err := r.Kind.Validate(); err != nil {
		return err
	}
	if err := r.WriteMode.Validate(); err != nil {
		return err
	}
	if !r.Start.IsZero() && !r.End.IsZero() && r.End.Before(r.Start) {
		return errs.New("schema/request", errs.CodeInvalid,
			errs.WithMessage("end must not precede start"),
			errs.WithField("correlation_id", r.CorrelationID))
	}
	if r.Limit < 0 {
		return errs.New("schema/request", errs.CodeInvalid,
			errs.WithMessage("limit must be non-negative"),
			errs.WithField("correlation_id", r.CorrelationID))
	}
	return nil
}

// HasRange reports whether the request carries an explicit time range.
func (r DataRequest) HasRange() bool {
	return !r.Start.IsZero() || !r.End.IsZero()
}

// DataResponse carries the single result (or failure) for a request.
type DataResponse struct {
	CorrelationID string
	Kind          DataKind
	InstrumentID  InstrumentID
	Venue         Venue
	Data          any
	Err           error
	CompletedAt   time.Time
}

// Failed reports whether the response carries a terminal error.
func (r DataResponse) Failed() bool {
	return r.Err != nil
}
