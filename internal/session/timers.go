package session

import (
	"sync"

	"go.uber.org/zap"
)

// Timer purpose names tracked per account. Each timer is cancelled when the
// account reaches a terminal state for that timer's purpose; a timer that
// survives re-initialization is a defect, not an acceptable side effect.
const (
	TimerQRNotice = "qr_notice"
	TimerFastPoll = "fast_poll"
)

// TimerRegistry tracks cancel functions for per-account timers keyed by
// (account, purpose). Registering a new timer under an occupied key cancels
// the old one first.
type TimerRegistry struct {
	mu     sync.Mutex
	cancel map[int64]map[string]func()
}

func NewTimerRegistry() *TimerRegistry {
	return &TimerRegistry{cancel: make(map[int64]map[string]func())}
}

// Track stores a cancel function for the given account and purpose.
func (t *TimerRegistry) Track(accountID int64, name string, cancel func()) {
	t.mu.Lock()
	byName, ok := t.cancel[accountID]
	if !ok {
		byName = make(map[string]func())
		t.cancel[accountID] = byName
	}
	prev := byName[name]
	byName[name] = cancel
	t.mu.Unlock()
	if prev != nil {
		zap.L().Debug("session: replacing tracked timer",
			zap.Int64("account_id", accountID), zap.String("timer", name))
		prev()
	}
}

// Cancel stops and forgets one timer. Unknown keys are no-ops.
func (t *TimerRegistry) Cancel(accountID int64, name string) {
	t.mu.Lock()
	var cancel func()
	if byName, ok := t.cancel[accountID]; ok {
		cancel = byName[name]
		delete(byName, name)
	}
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// CancelAll stops and forgets every timer tracked for an account.
func (t *TimerRegistry) CancelAll(accountID int64) {
	t.mu.Lock()
	byName := t.cancel[accountID]
	delete(t.cancel, accountID)
	t.mu.Unlock()
	for _, cancel := range byName {
		cancel()
	}
}

// Active returns the number of timers currently tracked for an account.
func (t *TimerRegistry) Active(accountID int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cancel[accountID])
}
