package ui

import (
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/time/rate"

	"parley/internal/session"
)

// DefaultFragmentRate caps fragment renders per second.
const DefaultFragmentRate = 30

// Presenter forwards controller events to the bubbletea program. Fragments
// beyond the rate limit are coalesced: only the newest text is delivered
// once the limiter allows it. Completion and failure are always delivered.
type Presenter struct {
	mu      sync.Mutex
	send    func(tea.Msg)
	limiter *rate.Limiter
	pending *FragmentMsg
	timer   *time.Timer
}

var _ session.Presenter = (*Presenter)(nil)

func NewPresenter(perSecond rate.Limit) *Presenter {
	if perSecond <= 0 {
		perSecond = DefaultFragmentRate
	}
	return &Presenter{limiter: rate.NewLimiter(perSecond, 1)}
}

// Attach routes events to p. Events raised before Attach are dropped.
func (pr *Presenter) Attach(p *tea.Program) {
	pr.attach(p.Send)
}

func (pr *Presenter) attach(send func(tea.Msg)) {
	pr.mu.Lock()
	pr.send = send
	pr.mu.Unlock()
}

func (pr *Presenter) deliver(msg tea.Msg) {
	pr.mu.Lock()
	send := pr.send
	pr.mu.Unlock()
	if send != nil {
		send(msg)
	}
}

// drop forgets the pending fragment. Callers hold mu.
func (pr *Presenter) drop() {
	pr.pending = nil
	if pr.timer != nil {
		pr.timer.Stop()
		pr.timer = nil
	}
}

func (pr *Presenter) OnTurnStarted() {
	pr.mu.Lock()
	pr.drop()
	pr.mu.Unlock()
	pr.deliver(TurnStartedMsg{})
}

func (pr *Presenter) OnFragmentAppended(ref session.MessageRef, text string) {
	msg := FragmentMsg{Ref: ref, Text: text}
	pr.mu.Lock()
	if pr.timer == nil && pr.limiter.Allow() {
		pr.mu.Unlock()
		pr.deliver(msg)
		return
	}
	pr.pending = &msg
	if pr.timer == nil {
		pr.timer = time.AfterFunc(pr.limiter.Reserve().Delay(), pr.flush)
	}
	pr.mu.Unlock()
}

func (pr *Presenter) flush() {
	pr.mu.Lock()
	msg := pr.pending
	pr.pending = nil
	pr.timer = nil
	pr.mu.Unlock()
	if msg != nil {
		pr.deliver(*msg)
	}
}

// The final text is read from the controller snapshot, so a pending
// fragment is obsolete once the turn ends.
func (pr *Presenter) OnTurnCompleted(ref session.MessageRef) {
	pr.mu.Lock()
	pr.drop()
	pr.mu.Unlock()
	pr.deliver(TurnCompletedMsg{Ref: ref})
}

func (pr *Presenter) OnTurnFailed(user session.MessageRef, reason error) {
	pr.mu.Lock()
	pr.drop()
	pr.mu.Unlock()
	pr.deliver(TurnFailedMsg{User: user, Err: reason})
}
