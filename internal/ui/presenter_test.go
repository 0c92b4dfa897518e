package ui

import (
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sink struct {
	mu   sync.Mutex
	msgs []tea.Msg
}

func (s *sink) send(msg tea.Msg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *sink) all() []tea.Msg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tea.Msg(nil), s.msgs...)
}

func TestPresenterDropsEventsBeforeAttach(t *testing.T) {
	pr := NewPresenter(10)
	pr.OnTurnStarted()

	var s sink
	pr.attach(s.send)
	pr.OnTurnCompleted(2)
	assert.Equal(t, []tea.Msg{TurnCompletedMsg{Ref: 2}}, s.all())
}

func TestPresenterCoalescesFragments(t *testing.T) {
	var s sink
	pr := NewPresenter(20)
	pr.attach(s.send)

	pr.OnTurnStarted()
	pr.OnFragmentAppended(2, "a")
	pr.OnFragmentAppended(2, "ab")
	pr.OnFragmentAppended(2, "abc")

	require.Eventually(t, func() bool {
		msgs := s.all()
		return len(msgs) == 3 && msgs[2] == FragmentMsg{Ref: 2, Text: "abc"}
	}, 2*time.Second, 5*time.Millisecond)

	msgs := s.all()
	assert.Equal(t, TurnStartedMsg{}, msgs[0])
	assert.Equal(t, FragmentMsg{Ref: 2, Text: "a"}, msgs[1])
}

func TestPresenterCompletionDropsPendingFragment(t *testing.T) {
	var s sink
	pr := NewPresenter(0.5)
	pr.attach(s.send)

	pr.OnFragmentAppended(2, "a")
	pr.OnFragmentAppended(2, "ab")
	pr.OnTurnCompleted(2)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []tea.Msg{
		FragmentMsg{Ref: 2, Text: "a"},
		TurnCompletedMsg{Ref: 2},
	}, s.all())
}

func TestPresenterFailureIsDelivered(t *testing.T) {
	var s sink
	pr := NewPresenter(0.5)
	pr.attach(s.send)

	reason := errors.New("boom")
	pr.OnFragmentAppended(2, "a")
	pr.OnFragmentAppended(2, "ab")
	pr.OnTurnFailed(1, reason)

	msgs := s.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, TurnFailedMsg{User: 1, Err: reason}, msgs[1])
}
