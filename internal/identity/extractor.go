// Package identity resolves the durable phone identity of a live session.
// The driver populates its identity object asynchronously and at an
// unpredictable point after authentication, so extraction layers a direct
// read, in-page fallbacks and a delayed re-read behind a bounded
// exponential-backoff retry.
package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
	"github.com/talkhub/wahub/internal/app"
	"github.com/talkhub/wahub/internal/broadcast"
	"github.com/talkhub/wahub/internal/domain"
	"github.com/talkhub/wahub/internal/driver"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	backoffBase = 1 * time.Second
	backoffCap  = 16 * time.Second

	defaultMaxAttempts  = 5
	defaultLateReadWait = 500 * time.Millisecond
)

var errIdentityUnavailable = errors.New("identity: not yet available")

// errAccountTornDown aborts a persist that raced with a session teardown: a
// late extraction success must never flip an inactive account back to active.
var errAccountTornDown = errors.New("identity: account no longer live")

// Extractor resolves (phone, pushName) from live drivers and persists the
// result. Safe for concurrent invocation per account; persistence is an
// upsert keyed by account id so redundant successes are no-ops.
type Extractor struct {
	app    app.AppContext
	events *broadcast.Broadcaster

	mu       sync.Mutex
	inflight map[int64]*sync.Mutex
}

func NewExtractor(actx app.AppContext, events *broadcast.Broadcaster) *Extractor {
	return &Extractor{app: actx, events: events, inflight: make(map[int64]*sync.Mutex)}
}

// ExtractWithRetry attempts to resolve the identity of accountID from drv,
// retrying up to maxAttempts times with exponential backoff (1s doubling to
// a 16s cap). It returns (identity, true) on success after persisting and
// broadcasting, or (nil, false) after exhausting all attempts without
// changing the account status — the caller decides what happens next.
func (e *Extractor) ExtractWithRetry(ctx context.Context, drv driver.Client, accountID int64, maxAttempts int) (*driver.Identity, bool) {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	var resolved *driver.Identity
	backoff := retry.WithCappedDuration(backoffCap, retry.NewExponential(backoffBase))
	backoff = retry.WithMaxRetries(uint64(maxAttempts-1), backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		id, err := e.attempt(ctx, drv, accountID)
		if err != nil {
			// Dead driver handle: retrying against it is pointless.
			return err
		}
		if !id.Valid() {
			return retry.RetryableError(errIdentityUnavailable)
		}
		resolved = id
		return nil
	})
	if err != nil {
		zap.L().Debug("identity: extraction exhausted",
			zap.Int64("account_id", accountID),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(err))
		return nil, false
	}

	if err := e.persist(ctx, accountID, resolved); err != nil {
		if errors.Is(err, errAccountTornDown) {
			zap.L().Info("identity: resolved after teardown, result discarded",
				zap.Int64("account_id", accountID))
			return nil, false
		}
		zap.L().Error("identity: persist failed",
			zap.Int64("account_id", accountID), zap.Error(err))
		return nil, false
	}
	return resolved, true
}

// attempt runs the strategy ladder once: direct identity-object read, then
// — only on a connected transport — the configured in-page sources, then a
// delayed re-read to catch late population.
func (e *Extractor) attempt(ctx context.Context, drv driver.Client, accountID int64) (*driver.Identity, error) {
	if id := drv.Info(); id.Valid() {
		return id, nil
	}

	state, err := drv.GetState(ctx)
	if err != nil {
		if driver.IsSessionInvalid(err) {
			return nil, err
		}
		zap.L().Debug("identity: state probe failed", zap.Int64("account_id", accountID), zap.Error(err))
	}
	if state == driver.StateConnected {
		for _, src := range e.fallbackOrder() {
			id, err := drv.ReadIdentitySource(ctx, src)
			if err != nil {
				if driver.IsSessionInvalid(err) {
					return nil, err
				}
				zap.L().Debug("identity: fallback source failed",
					zap.Int64("account_id", accountID),
					zap.String("source", string(src)), zap.Error(err))
				continue
			}
			if id.Valid() {
				return id, nil
			}
		}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(e.lateReadWait()):
	}
	return drv.Info(), nil
}

// persist upserts the resolved identity and flips the account active. The
// phone:detected broadcast fires only when the stored phone actually
// changes, so concurrent duplicate extractions cannot emit conflicting
// notifications.
func (e *Extractor) persist(ctx context.Context, accountID int64, id *driver.Identity) error {
	lock := e.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	var phoneChanged bool
	err := e.app.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account domain.Account
		if err := tx.First(&account, accountID).Error; err != nil {
			return err
		}
		// The extraction may outlive its session: backoff can stretch over
		// tens of seconds and a destroyed driver still answers Info() from
		// memory. Teardown persists inactive before releasing the handle, so
		// an inactive row here means the result belongs to a dead session.
		if account.Status == domain.AccountStatusInactive {
			return errAccountTornDown
		}
		phoneChanged = account.Phone != id.Phone
		now := time.Now()
		return tx.Model(&domain.Account{}).Where("id = ?", accountID).
			Updates(map[string]interface{}{
				"phone":             id.Phone,
				"push_name":         id.PushName,
				"status":            domain.AccountStatusActive,
				"last_connected_at": now,
				"qr_code":           "",
			}).Error
	})
	if err != nil {
		return errors.Wrap(err, "identity: upsert")
	}

	e.events.StatusUpdate(accountID, domain.AccountStatusActive, map[string]interface{}{"phone": id.Phone})
	if phoneChanged {
		e.events.PhoneDetected(accountID, id.Phone, id.PushName)
	}
	e.events.ConnectionState(accountID, "connected", "")

	zap.L().Info("identity resolved",
		zap.Int64("account_id", accountID),
		zap.String("phone", id.Phone),
		zap.String("push_name", id.PushName))
	return nil
}

// Resolved reports whether the account already has a persisted identity.
func (e *Extractor) Resolved(ctx context.Context, accountID int64) bool {
	var account domain.Account
	if err := e.app.DB().WithContext(ctx).Select("phone").First(&account, accountID).Error; err != nil {
		return false
	}
	return account.HasIdentity()
}

func (e *Extractor) accountLock(accountID int64) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.inflight[accountID]
	if !ok {
		lock = &sync.Mutex{}
		e.inflight[accountID] = lock
	}
	return lock
}

func (e *Extractor) fallbackOrder() []driver.FallbackSource {
	order := e.app.GetSettingsStringValue("identity", "fallback_order")
	if order == "" {
		return []driver.FallbackSource{driver.SourceSession, driver.SourceConnection, driver.SourceStorage}
	}
	var sources []driver.FallbackSource
	for _, part := range strings.Split(order, ",") {
		if part = strings.TrimSpace(part); part != "" {
			sources = append(sources, driver.FallbackSource(part))
		}
	}
	return sources
}

func (e *Extractor) lateReadWait() time.Duration {
	if ms := e.app.GetSettingsInt64Value("identity", "late_read_delay_ms"); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultLateReadWait
}
