// Package lifecycle owns the per-account session state machine:
// inactive -> warming (QR issued) -> authenticating -> active ->
// disconnected -> inactive. It creates drivers, routes their events, drives
// identity extraction and tears sessions down on failure or disconnect.
package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/talkhub/wahub/internal/app"
	"github.com/talkhub/wahub/internal/broadcast"
	"github.com/talkhub/wahub/internal/domain"
	"github.com/talkhub/wahub/internal/driver"
	"github.com/talkhub/wahub/internal/identity"
	"github.com/talkhub/wahub/internal/session"
	"go.uber.org/zap"
)

const defaultSettleDelay = 500 * time.Millisecond

// FastPoller starts and stops the authentication-phase identity poll for an
// account. Implemented by the health monitor.
type FastPoller interface {
	StartFastPoll(accountID int64)
	StopFastPoll(accountID int64)
}

// Controller is the account lifecycle state machine. One controller serves
// all accounts; per-account event ordering is preserved by routing each
// driver's events through a dedicated worker goroutine, while different
// accounts proceed fully independently.
type Controller struct {
	app       app.AppContext
	registry  *session.Registry
	timers    *session.TimerRegistry
	factory   driver.Factory
	events    *broadcast.Broadcaster
	extractor *identity.Extractor
	poller    FastPoller

	mu      sync.Mutex
	workers map[int64]*accountWorker

	lockMu sync.Mutex
	locks  map[int64]*sync.Mutex
}

func NewController(
	actx app.AppContext,
	registry *session.Registry,
	timers *session.TimerRegistry,
	factory driver.Factory,
	events *broadcast.Broadcaster,
	extractor *identity.Extractor,
	poller FastPoller,
) *Controller {
	return &Controller{
		app:       actx,
		registry:  registry,
		timers:    timers,
		factory:   factory,
		events:    events,
		extractor: extractor,
		poller:    poller,
		workers:   make(map[int64]*accountWorker),
		locks:     make(map[int64]*sync.Mutex),
	}
}

// accountLock serializes the externally driven lifecycle operations for one
// account. Without it two concurrent Initialize calls can both pass the
// registry check and leave an orphaned live driver behind.
func (c *Controller) accountLock(accountID int64) *sync.Mutex {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	lock, ok := c.locks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[accountID] = lock
	}
	return lock
}

// Initialize creates and starts a fresh driver for the account. Any driver
// already attached to the id is destroyed first, with a short settling delay
// so the underlying session storage is released before the replacement
// opens it — re-initialization never runs two drivers for one account.
func (c *Controller) Initialize(ctx context.Context, accountID int64) error {
	lock := c.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	var account domain.Account
	if err := c.app.DB().WithContext(ctx).First(&account, accountID).Error; err != nil {
		return errors.Wrapf(err, "lifecycle: account %d not found", accountID)
	}

	if old := c.registry.Get(accountID); old != nil {
		zap.L().Info("lifecycle: destroying previous driver before re-init",
			zap.Int64("account_id", accountID))
		c.teardown(ctx, accountID, old)
		time.Sleep(c.settleDelay())
	}

	sessionDir := account.SessionDir
	if sessionDir == "" {
		sessionDir = filepath.Join(c.app.Config().Session.StorageRoot, fmt.Sprintf("account_%d", accountID))
	}
	if err := c.app.DB().WithContext(ctx).Model(&domain.Account{}).
		Where("id = ?", accountID).Update("session_dir", sessionDir).Error; err != nil {
		return errors.Wrap(err, "lifecycle: persist session dir")
	}

	drv, err := c.factory.New(accountID, sessionDir)
	if err != nil {
		c.recordFailure(accountID, fmt.Sprintf("driver construction failed: %v", err))
		return errors.Wrapf(err, "lifecycle: construct driver for account %d", accountID)
	}

	worker := c.startWorker(accountID)
	drv.AddEventHandler(worker.enqueue)
	c.registry.Put(accountID, drv)

	if err := drv.Start(ctx); err != nil {
		c.teardown(ctx, accountID, drv)
		c.recordFailure(accountID, fmt.Sprintf("driver start failed: %v", err))
		return errors.Wrapf(err, "lifecycle: start driver for account %d", accountID)
	}

	zap.L().Info("lifecycle: driver started",
		zap.Int64("account_id", accountID), zap.String("session_dir", sessionDir))
	return nil
}

// Disconnect handles an explicit external request: attempt a clean logout,
// then always destroy the driver, deregister it and persist inactive
// regardless of logout success.
func (c *Controller) Disconnect(ctx context.Context, accountID int64) error {
	lock := c.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	drv := c.registry.Get(accountID)
	if drv != nil {
		if err := drv.Logout(ctx); err != nil {
			zap.L().Warn("lifecycle: logout failed, destroying anyway",
				zap.Int64("account_id", accountID), zap.Error(err))
		}
		c.teardown(ctx, accountID, drv)
	} else {
		c.timers.CancelAll(accountID)
		c.stopWorker(accountID)
	}

	now := time.Now()
	if err := c.app.DB().WithContext(ctx).Model(&domain.Account{}).
		Where("id = ?", accountID).Updates(map[string]interface{}{
		"status":               domain.AccountStatusInactive,
		"last_disconnected_at": now,
		"qr_code":              "",
	}).Error; err != nil {
		return errors.Wrap(err, "lifecycle: persist disconnect")
	}
	c.events.ConnectionState(accountID, "disconnected", "requested")
	return nil
}

// InvalidateSession tears a session down after its driver handle turned out
// to be unusable (detached execution context / session closed). The caller
// is expected to ask the operator to reconnect.
func (c *Controller) InvalidateSession(ctx context.Context, accountID int64, reason string) error {
	lock := c.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	if drv := c.registry.Get(accountID); drv != nil {
		c.teardown(ctx, accountID, drv)
	} else {
		c.timers.CancelAll(accountID)
		c.stopWorker(accountID)
	}

	now := time.Now()
	c.persistBestEffort(accountID, map[string]interface{}{
		"status":               domain.AccountStatusInactive,
		"last_disconnected_at": now,
		"notes":                fmt.Sprintf("session invalidated: %s", reason),
	})
	c.events.ConnectionState(accountID, "disconnected", reason)
	c.events.Error(accountID, "session no longer usable", reason, "reconnect")
	return nil
}

// teardown destroys a driver and detaches everything tied to it. Registry
// removal is the last step so no new driver can be created for the id while
// the old one still holds its resources.
func (c *Controller) teardown(ctx context.Context, accountID int64, drv driver.Client) {
	c.poller.StopFastPoll(accountID)
	c.timers.CancelAll(accountID)
	c.stopWorker(accountID)
	if err := drv.Destroy(ctx); err != nil {
		zap.L().Warn("lifecycle: driver destroy failed",
			zap.Int64("account_id", accountID), zap.Error(err))
	}
	c.registry.Remove(accountID)
}

// recordFailure leaves the account inactive with the failure reason in its
// notes. Best-effort: a persistence error here must not mask the original
// failure being reported to the caller.
func (c *Controller) recordFailure(accountID int64, reason string) {
	c.persistBestEffort(accountID, map[string]interface{}{
		"status": domain.AccountStatusInactive,
		"notes":  reason,
	})
	c.events.StatusUpdate(accountID, "error", map[string]interface{}{"message": reason})
}

// persistBestEffort applies account updates under the log-and-continue
// policy that governs all writes inside event handlers: the driver's event
// stream must keep flowing even when the store is unavailable.
func (c *Controller) persistBestEffort(accountID int64, updates map[string]interface{}) {
	if err := c.app.DB().Model(&domain.Account{}).
		Where("id = ?", accountID).Updates(updates).Error; err != nil {
		zap.L().Warn("lifecycle: account update failed",
			zap.Int64("account_id", accountID), zap.Error(err))
	}
}

func (c *Controller) settleDelay() time.Duration {
	if ms := c.app.GetSettingsInt64Value("lifecycle", "reinit_settle_ms"); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultSettleDelay
}

func (c *Controller) qrExpirySeconds() int {
	if s := c.app.Config().Session.QRExpirySeconds; s > 0 {
		return s
	}
	return 20
}
