package session

import (
	"fmt"

	"github.com/pkg/errors"
)

// MessageRef is the position of a message in the chat's message list.
type MessageRef int

// State is the controller's position in the turn cycle. It is one of Idle,
// AwaitingFirstPersist or StreamingResponse.
type State interface {
	isState()
	String() string
}

type Idle struct{}

// AwaitingFirstPersist covers the synchronous creation of a brand new chat.
type AwaitingFirstPersist struct {
	User MessageRef
}

type StreamingResponse struct {
	User   MessageRef
	TurnID string
}

func (Idle) isState()                 {}
func (AwaitingFirstPersist) isState() {}
func (StreamingResponse) isState()    {}

func (Idle) String() string { return "idle" }

func (s AwaitingFirstPersist) String() string {
	return fmt.Sprintf("awaiting-first-persist(user=%d)", s.User)
}

func (s StreamingResponse) String() string {
	return fmt.Sprintf("streaming(user=%d, turn=%s)", s.User, s.TurnID)
}

// Event drives Transition.
type Event interface {
	isEvent()
}

// Submitted is a user message accepted from Idle. Persisted tells whether
// the chat already has a storage identifier.
type Submitted struct {
	Persisted bool
	User      MessageRef
	TurnID    string
}

// ChatCreated reports that storage assigned the new chat an identifier.
type ChatCreated struct{}

// TurnAborted ends a turn without an answer: persistence of the user message
// failed or the stream was cancelled.
type TurnAborted struct{}

// TurnEnded ends a turn whose stream ran to success or failure.
type TurnEnded struct{}

// Loaded reports a chat read from storage. Resume is set when the history
// ends with an unanswered user message.
type Loaded struct {
	Resume bool
	User   MessageRef
	TurnID string
}

// Reset discards the in-memory chat for a new one.
type Reset struct{}

func (Submitted) isEvent()   {}
func (ChatCreated) isEvent() {}
func (TurnAborted) isEvent() {}
func (TurnEnded) isEvent()   {}
func (Loaded) isEvent()      {}
func (Reset) isEvent()       {}

// Transition returns the state that follows s on e. Any pair not listed
// below fails with ErrInvalidTransition and s is left as it was.
func Transition(s State, e Event) (State, error) {
	switch st := s.(type) {
	case Idle:
		switch ev := e.(type) {
		case Submitted:
			if ev.Persisted {
				return StreamingResponse{User: ev.User, TurnID: ev.TurnID}, nil
			}
			return AwaitingFirstPersist{User: ev.User}, nil
		case Loaded:
			if ev.Resume {
				return StreamingResponse{User: ev.User, TurnID: ev.TurnID}, nil
			}
			return Idle{}, nil
		case Reset:
			return Idle{}, nil
		}
	case AwaitingFirstPersist:
		switch e.(type) {
		case ChatCreated:
			return StreamingResponse{User: st.User}, nil
		case TurnAborted:
			return Idle{}, nil
		}
	case StreamingResponse:
		switch e.(type) {
		case TurnEnded, TurnAborted:
			return Idle{}, nil
		}
	}
	return s, errors.Wrapf(ErrInvalidTransition, "%T in %v", e, s)
}

// withTurn fills in the turn id for a StreamingResponse reached through
// ChatCreated, which does not carry one.
func withTurn(s State, id string) State {
	if st, ok := s.(StreamingResponse); ok && st.TurnID == "" {
		st.TurnID = id
		return st
	}
	return s
}

func isIdle(s State) bool {
	_, ok := s.(Idle)
	return ok
}
