// Package monitor watches sessions whose identity has not resolved yet. Two
// strategies run at different tempos: a fast per-account poll during the
// authentication phase, and a periodic slow sweep across every connected
// account still missing a phone number.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/talkhub/wahub/internal/app"
	"github.com/talkhub/wahub/internal/broadcast"
	"github.com/talkhub/wahub/internal/domain"
	"github.com/talkhub/wahub/internal/driver"
	"github.com/talkhub/wahub/internal/identity"
	"github.com/talkhub/wahub/internal/session"
	"go.uber.org/zap"
)

const (
	defaultPollInterval    = time.Second
	defaultPollMaxAttempts = 60
	defaultSweepWorkers    = 8
	defaultSweepAttempts   = 2
)

// Monitor drives identity resolution for sessions the event flow left
// unresolved. It implements the lifecycle controller's FastPoller contract.
type Monitor struct {
	app       app.AppContext
	registry  *session.Registry
	timers    *session.TimerRegistry
	extractor *identity.Extractor
	events    *broadcast.Broadcaster
}

func New(
	actx app.AppContext,
	registry *session.Registry,
	timers *session.TimerRegistry,
	extractor *identity.Extractor,
	events *broadcast.Broadcaster,
) *Monitor {
	return &Monitor{
		app:       actx,
		registry:  registry,
		timers:    timers,
		extractor: extractor,
		events:    events,
	}
}

// StartFastPoll begins the authentication-phase identity poll for one
// account. Registering under the fast-poll timer key cancels any previous
// poll for the same account, so restarts are idempotent.
func (m *Monitor) StartFastPoll(accountID int64) {
	ctx, cancel := context.WithCancel(context.Background())
	m.timers.Track(accountID, session.TimerFastPoll, cancel)
	go m.fastPoll(ctx, accountID)
}

// StopFastPoll cancels the poll if one is running.
func (m *Monitor) StopFastPoll(accountID int64) {
	m.timers.Cancel(accountID, session.TimerFastPoll)
}

func (m *Monitor) fastPoll(ctx context.Context, accountID int64) {
	interval := m.pollInterval()
	maxAttempts := m.pollMaxAttempts()

	zap.L().Debug("monitor: fast poll started",
		zap.Int64("account_id", accountID),
		zap.Duration("interval", interval),
		zap.Int("max_attempts", maxAttempts))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if m.extractor.Resolved(ctx, accountID) {
			m.timers.Cancel(accountID, session.TimerFastPoll)
			return
		}

		drv := m.registry.Get(accountID)
		if drv == nil {
			// Session torn down underneath the poll; nothing left to watch.
			m.timers.Cancel(accountID, session.TimerFastPoll)
			return
		}

		state, err := drv.GetState(ctx)
		if err != nil {
			if driver.IsSessionInvalid(err) {
				m.timers.Cancel(accountID, session.TimerFastPoll)
				return
			}
			continue
		}
		if state != driver.StateConnected {
			continue
		}

		if _, ok := m.extractor.ExtractWithRetry(ctx, drv, accountID, 1); ok {
			m.timers.Cancel(accountID, session.TimerFastPoll)
			return
		}
	}

	// Poll ceiling reached without an identity. The session keeps running;
	// the operator is asked to fill the number in by hand.
	zap.L().Warn("monitor: fast poll exhausted without identity",
		zap.Int64("account_id", accountID), zap.Int("attempts", maxAttempts))
	m.recordPollTimeout(accountID)
	m.timers.Cancel(accountID, session.TimerFastPoll)
}

func (m *Monitor) recordPollTimeout(accountID int64) {
	if err := m.app.DB().Model(&domain.Account{}).
		Where("id = ?", accountID).
		Update("notes", "identity not detected after authentication").Error; err != nil {
		zap.L().Warn("monitor: note update failed",
			zap.Int64("account_id", accountID), zap.Error(err))
	}
	m.events.Error(accountID, "phone number not detected",
		"automatic identity extraction timed out", "update phone manually")
}

// Sweep runs one pass over every account that is connected on paper but
// still has no phone number, attempting a short extraction for each through
// a bounded worker pool. Registered as a recurring scheduler job.
func (m *Monitor) Sweep(ctx context.Context) {
	var accounts []domain.Account
	err := m.app.DB().WithContext(ctx).
		Where("phone = ? AND status IN ?", "",
			[]string{domain.AccountStatusAuthenticating, domain.AccountStatusActive}).
		Find(&accounts).Error
	if err != nil {
		zap.L().Error("monitor: sweep query failed", zap.Error(err))
		return
	}
	if len(accounts) == 0 {
		return
	}

	zap.L().Info("monitor: sweeping unresolved identities", zap.Int("count", len(accounts)))

	pool, err := ants.NewPool(m.sweepWorkers())
	if err != nil {
		zap.L().Error("monitor: sweep pool", zap.Error(err))
		return
	}
	defer pool.Release()

	attempts := m.sweepAttempts()
	var wg sync.WaitGroup
	for _, account := range accounts {
		accountID := account.ID
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					zap.S().Errorf("monitor: sweep panic account=%d: %v", accountID, r)
				}
			}()
			m.sweepOne(ctx, accountID, attempts)
		})
		if submitErr != nil {
			wg.Done()
			zap.L().Warn("monitor: sweep submit failed",
				zap.Int64("account_id", accountID), zap.Error(submitErr))
		}
	}
	wg.Wait()
}

// sweepOne never lets one account's failure escape the sweep loop.
func (m *Monitor) sweepOne(ctx context.Context, accountID int64, attempts int) {
	drv := m.registry.Get(accountID)
	if drv == nil {
		return
	}
	state, err := drv.GetState(ctx)
	if err != nil || state != driver.StateConnected {
		return
	}
	if _, ok := m.extractor.ExtractWithRetry(ctx, drv, accountID, attempts); ok {
		zap.L().Info("monitor: sweep resolved identity", zap.Int64("account_id", accountID))
	}
}

func (m *Monitor) pollInterval() time.Duration {
	if s := m.app.GetSettingsInt64Value("monitor", "fast_poll_interval_seconds"); s > 0 {
		return time.Duration(s) * time.Second
	}
	return defaultPollInterval
}

func (m *Monitor) pollMaxAttempts() int {
	if n := m.app.GetSettingsInt64Value("monitor", "fast_poll_max_attempts"); n > 0 {
		return int(n)
	}
	return defaultPollMaxAttempts
}

func (m *Monitor) sweepWorkers() int {
	if n := m.app.GetSettingsInt64Value("monitor", "sweep_workers"); n > 0 {
		return int(n)
	}
	return defaultSweepWorkers
}

func (m *Monitor) sweepAttempts() int {
	if n := m.app.GetSettingsInt64Value("monitor", "sweep_extract_attempts"); n > 0 {
		return int(n)
	}
	return defaultSweepAttempts
}
