package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Kind categorizes a row or job failure.
type Kind string

const (
	// Data means the mapped request is structurally invalid. The row is skipped and
	// no carrier attempt is consumed.
	Data Kind = "data"
	// Validation means the carrier rejected the payload it was given.
	Validation Kind = "validation"
	// CarrierTransient covers timeouts, 5xx and throttling. Reads retry, writes do not.
	CarrierTransient Kind = "carrier_transient"
	// CarrierPermanent covers 4xx and business rejections.
	CarrierPermanent Kind = "carrier_permanent"
	// System means storage or infrastructure is unavailable; it halts dispatch for the job.
	System Kind = "system"
	// Conflict is a write-back optimistic concurrency failure. Warning only.
	Conflict Kind = "conflict"
)

// Default codes recorded on rows and jobs when the producer gave none.
const (
	CodeData             = "DATA_ERROR"
	CodeValidation       = "VALIDATION_ERROR"
	CodeCarrierTransient = "CARRIER_TRANSIENT"
	CodeCarrierTimeout   = "CARRIER_TIMEOUT"
	CodeCarrierPermanent = "CARRIER_PERMANENT"
	CodeSystem           = "SYSTEM_ERROR"
	CodeConflict         = "WRITEBACK_CONFLICT"
	CodeCancelled        = "CANCELLED"
)

// Error is the typed failure carried through the row pipeline.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, code, msg string) *Error {
	if code == "" {
		code = defaultCode(kind)
	}
	return &Error{Kind: kind, Code: code, Message: msg}
}

func Wrap(kind Kind, code string, err error) *Error {
	if code == "" {
		code = defaultCode(kind)
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: kind, Code: code, Message: msg, Err: err}
}

// Systemf wraps an infrastructure error so the scheduler halts dispatch.
func Systemf(err error, format string, args ...any) *Error {
	return &Error{Kind: System, Code: CodeSystem, Message: fmt.Sprintf(format, args...), Err: err}
}

func defaultCode(kind Kind) string {
	switch kind {
	case Data:
		return CodeData
	case Validation:
		return CodeValidation
	case CarrierTransient:
		return CodeCarrierTransient
	case CarrierPermanent:
		return CodeCarrierPermanent
	case System:
		return CodeSystem
	case Conflict:
		return CodeConflict
	}
	return "UNKNOWN"
}

// KindOf returns the kind of a typed failure, or "" when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

func IsSystem(err error) bool { return KindOf(err) == System }

// Classify maps an error returned by a carrier call to a typed failure.
//
// Deadline and network timeouts and connection failures are transient for reads. For mutating
// calls they are permanent: the side effect may already have happened and must not be retried.
// Errors carrying no classification are treated as permanent.
func Classify(err error, mutating bool) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		if mutating && fe.Kind == CarrierTransient {
			return &Error{Kind: CarrierPermanent, Code: fe.Code, Message: fe.Message, Err: fe.Err}
		}
		return fe
	}
	if isTimeout(err) {
		if mutating {
			return Wrap(CarrierPermanent, CodeCarrierTimeout, err)
		}
		return Wrap(CarrierTransient, CodeCarrierTimeout, err)
	}
	if isConnError(err) {
		if mutating {
			return Wrap(CarrierPermanent, CodeCarrierPermanent, err)
		}
		return Wrap(CarrierTransient, CodeCarrierTransient, err)
	}
	return Wrap(CarrierPermanent, CodeCarrierPermanent, err)
}

// Retryable reports whether a read call that failed with err may be attempted again.
func Retryable(err error) bool {
	return KindOf(err) == CarrierTransient
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isConnError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}
