package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/talkhub/wahub/internal/domain"
	"github.com/talkhub/wahub/internal/driver"
	"github.com/talkhub/wahub/internal/session"
	"go.uber.org/zap"
)

// eventQueueSize bounds the per-account event channel. Driver callbacks never
// block on a slow consumer; overflow is dropped with a warning.
const eventQueueSize = 64

// qrNoticeLead is how long before nominal QR expiry the expiring notice fires.
const qrNoticeLead = 5 * time.Second

// accountWorker serializes one account's driver events onto a single
// goroutine. Events for different accounts run concurrently; events for one
// account run in emission order.
type accountWorker struct {
	accountID int64
	ch        chan interface{}
	quit      chan struct{}
	once      sync.Once
}

func (w *accountWorker) enqueue(evt interface{}) {
	select {
	case <-w.quit:
		return
	default:
	}
	select {
	case w.ch <- evt:
	default:
		zap.L().Warn("lifecycle: event queue full, dropping event",
			zap.Int64("account_id", w.accountID))
	}
}

func (w *accountWorker) stop() {
	w.once.Do(func() { close(w.quit) })
}

// startWorker replaces any existing worker for the account with a fresh one
// and launches its loop.
func (c *Controller) startWorker(accountID int64) *accountWorker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.workers[accountID]; ok {
		old.stop()
	}
	w := &accountWorker{
		accountID: accountID,
		ch:        make(chan interface{}, eventQueueSize),
		quit:      make(chan struct{}),
	}
	c.workers[accountID] = w
	go c.runWorker(w)
	return w
}

func (c *Controller) stopWorker(accountID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.workers[accountID]; ok {
		w.stop()
		delete(c.workers, accountID)
	}
}

func (c *Controller) runWorker(w *accountWorker) {
	for {
		select {
		case <-w.quit:
			return
		case evt := <-w.ch:
			c.handleEvent(w.accountID, evt)
		}
	}
}

func (c *Controller) handleEvent(accountID int64, evt interface{}) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Errorf("lifecycle: event handler panic account=%d: %v", accountID, r)
		}
	}()

	switch e := evt.(type) {
	case driver.QREvent:
		c.onQR(accountID, e)
	case driver.AuthenticatedEvent:
		c.onAuthenticated(accountID)
	case driver.ReadyEvent:
		c.onReady(accountID)
	case driver.AuthFailureEvent:
		c.onAuthFailure(accountID, e)
	case driver.DisconnectedEvent:
		c.onDisconnected(accountID, e)
	case driver.LoadingScreenEvent:
		c.events.StatusUpdate(accountID, "loading", map[string]interface{}{
			"percent": e.Percent,
			"message": e.Message,
		})
	case driver.AckEvent:
		c.events.MessageAck(accountID, e.RemoteID, int(e.Level))
	case driver.InboundMessageEvent:
		zap.L().Debug("lifecycle: inbound message",
			zap.Int64("account_id", accountID), zap.String("from", e.From))
	default:
		zap.L().Debug("lifecycle: unhandled driver event",
			zap.Int64("account_id", accountID), zap.Any("event", evt))
	}
}

// onQR stores the rotated code, moves the account to warming and arms a
// one-shot notice shortly before nominal expiry. The session itself is never
// expired here: a stale code is simply superseded by the driver's next
// rotation.
func (c *Controller) onQR(accountID int64, e driver.QREvent) {
	issued := e.IssuedAt
	if issued.IsZero() {
		issued = time.Now()
	}
	c.persistBestEffort(accountID, map[string]interface{}{
		"status":       domain.AccountStatusWarming,
		"qr_code":      e.Code,
		"qr_issued_at": issued,
	})

	expiry := c.qrExpirySeconds()
	c.events.QRCode(accountID, e.Code, expiry)
	c.events.StatusUpdate(accountID, "qr_pending", nil)

	lead := time.Duration(expiry)*time.Second - qrNoticeLead
	if lead <= 0 {
		lead = time.Second
	}
	noticeCtx, cancel := context.WithCancel(context.Background())
	c.timers.Track(accountID, session.TimerQRNotice, cancel)
	go func() {
		select {
		case <-noticeCtx.Done():
		case <-time.After(lead):
			c.events.StatusUpdate(accountID, "qr_expiring", map[string]interface{}{
				"expiresIn": int(qrNoticeLead / time.Second),
			})
		}
	}()
}

func (c *Controller) onAuthenticated(accountID int64) {
	c.timers.Cancel(accountID, session.TimerQRNotice)
	c.persistBestEffort(accountID, map[string]interface{}{
		"status":  domain.AccountStatusAuthenticating,
		"qr_code": "",
	})
	c.events.ConnectionState(accountID, "authenticated", "")
	// Identity may land well after this point; poll until it does.
	c.poller.StartFastPoll(accountID)
}

// onReady stops the authentication-phase poll and tries a full extraction
// directly. If that still comes up empty the poll is re-armed rather than
// failing the session: a ready driver with a late identity is normal.
func (c *Controller) onReady(accountID int64) {
	c.poller.StopFastPoll(accountID)
	c.timers.Cancel(accountID, session.TimerQRNotice)
	c.events.ConnectionState(accountID, "connected", "")

	drv := c.registry.Get(accountID)
	if drv == nil {
		zap.L().Warn("lifecycle: ready event without registered driver",
			zap.Int64("account_id", accountID))
		return
	}

	maxAttempts := int(c.app.GetSettingsInt64Value("identity", "max_attempts"))
	go func() {
		if _, ok := c.extractor.ExtractWithRetry(context.Background(), drv, accountID, maxAttempts); !ok {
			zap.L().Info("lifecycle: extraction on ready exhausted, falling back to poll",
				zap.Int64("account_id", accountID))
			c.poller.StartFastPoll(accountID)
		}
	}()
}

func (c *Controller) onAuthFailure(accountID int64, e driver.AuthFailureEvent) {
	c.poller.StopFastPoll(accountID)
	c.timers.CancelAll(accountID)
	c.persistBestEffort(accountID, map[string]interface{}{
		"status":  domain.AccountStatusInactive,
		"qr_code": "",
		"notes":   "authentication failed: " + e.Message,
	})
	c.events.Error(accountID, "authentication failed", e.Message, "rescan")
	c.events.StatusUpdate(accountID, "error", map[string]interface{}{"message": e.Message})
}

// onDisconnected runs the full involuntary teardown: persist the terminal
// state first, then release the driver so observers already see a consistent
// row by the time the handle disappears from the registry.
func (c *Controller) onDisconnected(accountID int64, e driver.DisconnectedEvent) {
	now := time.Now()
	c.persistBestEffort(accountID, map[string]interface{}{
		"status":               domain.AccountStatusInactive,
		"last_disconnected_at": now,
		"qr_code":              "",
		"notes":                "disconnected: " + e.Reason,
	})
	c.events.ConnectionState(accountID, "disconnected", e.Reason)

	if drv := c.registry.Get(accountID); drv != nil {
		c.teardown(context.Background(), accountID, drv)
	} else {
		c.poller.StopFastPoll(accountID)
		c.timers.CancelAll(accountID)
		c.stopWorker(accountID)
	}
}
