package session

import (
	"github.com/pkg/errors"
)

var (
	ErrBusy              = errors.New("a response is still streaming")
	ErrNotFresh          = errors.New("chat can only be loaded into a fresh session")
	ErrEmptyMessage      = errors.New("message is empty")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Kind classifies why a turn failed.
type Kind int

const (
	// KindConfiguration failures happen before any network call.
	KindConfiguration Kind = iota + 1
	KindTransport
	KindPersistence
	// KindPartial means some text arrived and was kept with a failure mark.
	KindPartial
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransport:
		return "transport"
	case KindPersistence:
		return "persistence"
	case KindPartial:
		return "partial response"
	default:
		return "unknown"
	}
}

type TurnError struct {
	Kind Kind
	Err  error
}

func (e *TurnError) Error() string {
	return e.Kind.String() + " error: " + e.Err.Error()
}

func (e *TurnError) Unwrap() error { return e.Err }

// KindOf returns the kind of the first TurnError in err's chain.
func KindOf(err error) (Kind, bool) {
	var te *TurnError
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}

func turnError(kind Kind, err error) *TurnError {
	return &TurnError{Kind: kind, Err: err}
}
