// Package dispatch owns outbound messages: quota and rate checks, target
// resolution, driver sends, scheduled release and delivery/read tracking
// from driver acks.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/talkhub/wahub/internal/app"
	"github.com/talkhub/wahub/internal/broadcast"
	"github.com/talkhub/wahub/internal/domain"
	"github.com/talkhub/wahub/internal/driver"
	"github.com/talkhub/wahub/internal/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// rateWindow is the sliding window for the per-minute rate check.
const rateWindow = time.Minute

// Rejections detectable before a message row exists. A rejected request
// leaves no trace in the message table.
var (
	ErrAccountNotFound = errors.New("dispatch: account not found")
	ErrAccountInactive = errors.New("dispatch: account not active")
	ErrQuotaExceeded   = errors.New("dispatch: daily quota exceeded")
	ErrRateLimited     = errors.New("dispatch: rate limit exceeded")
	ErrNoDriver        = errors.New("dispatch: no connected driver")
	ErrBadTarget       = errors.New("dispatch: exactly one of group or contact required")
	ErrNotRetryable    = errors.New("dispatch: message not retryable")
)

// SendRequest describes one outbound message. Exactly one of GroupID and
// ContactID must be set; a future ScheduledAt defers the send.
type SendRequest struct {
	AccountID   int64
	GroupID     int64
	ContactID   int64
	Content     string
	ScheduledAt *time.Time
	LinkPreview bool
}

// Dispatcher sends messages through live drivers and keeps their rows in
// sync with quota counters and ack-driven status upgrades.
type Dispatcher struct {
	app      app.AppContext
	registry *session.Registry
	events   *broadcast.Broadcaster
}

func NewDispatcher(actx app.AppContext, registry *session.Registry, events *broadcast.Broadcaster) *Dispatcher {
	return &Dispatcher{app: actx, registry: registry, events: events}
}

// Start wires the driver ack stream into message status upgrades.
func (d *Dispatcher) Start() error {
	return d.events.SubscribeMessageAck(d.onAck)
}

// Send validates, persists and dispatches one message. All rejections
// happen before the row is created; once a row exists its status always
// reflects what happened to it.
func (d *Dispatcher) Send(ctx context.Context, req *SendRequest) (*domain.Message, error) {
	if (req.GroupID == 0) == (req.ContactID == 0) {
		return nil, ErrBadTarget
	}

	var account domain.Account
	if err := d.app.DB().WithContext(ctx).First(&account, req.AccountID).Error; err != nil {
		return nil, ErrAccountNotFound
	}

	if req.ScheduledAt != nil && req.ScheduledAt.After(time.Now()) {
		if account.Status != domain.AccountStatusActive {
			return nil, ErrAccountInactive
		}
		msg := &domain.Message{
			AccountID:   req.AccountID,
			GroupID:     req.GroupID,
			ContactID:   req.ContactID,
			Content:     req.Content,
			Status:      domain.MessageStatusPending,
			ScheduledAt: req.ScheduledAt,
		}
		if err := d.app.DB().WithContext(ctx).Create(msg).Error; err != nil {
			return nil, errors.Wrap(err, "dispatch: persist scheduled message")
		}
		zap.L().Info("message scheduled",
			zap.Int64("message_id", msg.ID),
			zap.Int64("account_id", req.AccountID),
			zap.Time("scheduled_at", *req.ScheduledAt))
		return msg, nil
	}

	// Quota before status: an account that is both inactive and over its
	// limit reports the quota problem, the more actionable of the two.
	if err := d.checkLimits(&account); err != nil {
		return nil, err
	}
	if account.Status != domain.AccountStatusActive {
		return nil, ErrAccountInactive
	}
	drv, err := d.liveDriver(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	msg := &domain.Message{
		AccountID: req.AccountID,
		GroupID:   req.GroupID,
		ContactID: req.ContactID,
		Content:   req.Content,
		Status:    domain.MessageStatusQueued,
	}
	if err := d.app.DB().WithContext(ctx).Create(msg).Error; err != nil {
		return nil, errors.Wrap(err, "dispatch: persist message")
	}

	if err := d.deliver(ctx, drv, msg, &account, req.LinkPreview); err != nil {
		return msg, err
	}
	return msg, nil
}

// Retry re-dispatches a failed message. Only failed messages under the
// retry cap qualify.
func (d *Dispatcher) Retry(ctx context.Context, messageID int64) (*domain.Message, error) {
	var msg domain.Message
	if err := d.app.DB().WithContext(ctx).First(&msg, messageID).Error; err != nil {
		return nil, errors.Wrapf(err, "dispatch: message %d not found", messageID)
	}
	if msg.Status != domain.MessageStatusFailed || msg.RetryCount >= domain.MessageMaxRetries {
		return nil, ErrNotRetryable
	}

	var account domain.Account
	if err := d.app.DB().WithContext(ctx).First(&account, msg.AccountID).Error; err != nil {
		return nil, ErrAccountNotFound
	}
	if err := d.checkLimits(&account); err != nil {
		return nil, err
	}
	if account.Status != domain.AccountStatusActive {
		return nil, ErrAccountInactive
	}
	drv, err := d.liveDriver(ctx, msg.AccountID)
	if err != nil {
		return nil, err
	}

	if err := d.app.DB().WithContext(ctx).Model(&domain.Message{}).
		Where("id = ?", msg.ID).Updates(map[string]interface{}{
		"status":     domain.MessageStatusQueued,
		"error_text": "",
	}).Error; err != nil {
		return nil, errors.Wrap(err, "dispatch: mark queued")
	}
	msg.Status = domain.MessageStatusQueued

	if err := d.deliver(ctx, drv, &msg, &account, false); err != nil {
		return &msg, err
	}
	return &msg, nil
}

// ReleaseScheduled dispatches every pending message whose schedule has come
// due. Registered as a recurring scheduler job; per-message failures are
// recorded on the row and never abort the batch.
func (d *Dispatcher) ReleaseScheduled(ctx context.Context) {
	var due []domain.Message
	err := d.app.DB().WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", domain.MessageStatusPending, time.Now()).
		Find(&due).Error
	if err != nil {
		zap.L().Error("dispatch: scheduled release query failed", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	zap.L().Info("dispatch: releasing scheduled messages", zap.Int("count", len(due)))
	for i := range due {
		msg := &due[i]

		var account domain.Account
		if err := d.app.DB().WithContext(ctx).First(&account, msg.AccountID).Error; err != nil {
			d.markFailed(msg, "account missing")
			continue
		}
		// Inactive account or exhausted quota: leave the row pending, the
		// next release pass picks it up again.
		if account.Status != domain.AccountStatusActive {
			continue
		}
		if err := d.checkLimits(&account); err != nil {
			continue
		}
		drv, err := d.liveDriver(ctx, msg.AccountID)
		if err != nil {
			continue
		}

		if err := d.app.DB().WithContext(ctx).Model(&domain.Message{}).
			Where("id = ?", msg.ID).Update("status", domain.MessageStatusQueued).Error; err != nil {
			zap.L().Warn("dispatch: release mark queued failed",
				zap.Int64("message_id", msg.ID), zap.Error(err))
			continue
		}
		msg.Status = domain.MessageStatusQueued
		_ = d.deliver(ctx, drv, msg, &account, false)
	}
}

// UpdateRateLimits changes an account's daily quota.
func (d *Dispatcher) UpdateRateLimits(ctx context.Context, accountID int64, dailyLimit int) error {
	if dailyLimit < 0 {
		return errors.New("dispatch: daily limit must not be negative")
	}
	res := d.app.DB().WithContext(ctx).Model(&domain.Account{}).
		Where("id = ?", accountID).Update("daily_usage_limit", dailyLimit)
	if res.Error != nil {
		return errors.Wrap(res.Error, "dispatch: update daily limit")
	}
	if res.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// deliver resolves the target address, sends through the driver and settles
// the row as sent or failed. Usage counters move only on success.
func (d *Dispatcher) deliver(ctx context.Context, drv driver.Client, msg *domain.Message, account *domain.Account, linkPreview bool) error {
	target, err := d.resolveTarget(ctx, msg)
	if err != nil {
		d.markFailed(msg, err.Error())
		return err
	}

	result, err := drv.SendMessage(ctx, target, msg.Content, driver.SendOptions{LinkPreview: linkPreview})
	if err != nil {
		d.markFailed(msg, err.Error())
		return errors.Wrapf(err, "dispatch: send message %d", msg.ID)
	}

	now := time.Now()
	if err := d.app.DB().Model(&domain.Message{}).
		Where("id = ?", msg.ID).Updates(map[string]interface{}{
		"status":    domain.MessageStatusSent,
		"remote_id": result.RemoteID,
		"sent_at":   now,
	}).Error; err != nil {
		zap.L().Error("dispatch: sent-state persist failed",
			zap.Int64("message_id", msg.ID), zap.Error(err))
	}
	msg.Status = domain.MessageStatusSent
	msg.RemoteID = result.RemoteID
	msg.SentAt = &now

	d.bumpUsage(account, now)

	zap.L().Info("message sent",
		zap.Int64("message_id", msg.ID),
		zap.Int64("account_id", msg.AccountID),
		zap.String("remote_id", result.RemoteID))
	return nil
}

func (d *Dispatcher) resolveTarget(ctx context.Context, msg *domain.Message) (string, error) {
	if msg.GroupID != 0 {
		var group domain.Group
		if err := d.app.DB().WithContext(ctx).First(&group, msg.GroupID).Error; err != nil {
			return "", errors.Wrapf(err, "dispatch: group %d not found", msg.GroupID)
		}
		return group.RemoteID, nil
	}
	var contact domain.Contact
	if err := d.app.DB().WithContext(ctx).First(&contact, msg.ContactID).Error; err != nil {
		return "", errors.Wrapf(err, "dispatch: contact %d not found", msg.ContactID)
	}
	return fmt.Sprintf("%s@%s", contact.Phone, d.contactDomain()), nil
}

// checkLimits enforces the daily quota and the sliding per-minute rate.
func (d *Dispatcher) checkLimits(account *domain.Account) error {
	if account.DailyUsageLimit > 0 && account.DailyUsageCount >= account.DailyUsageLimit {
		return ErrQuotaExceeded
	}
	perMinute := d.ratePerMinute()
	if perMinute > 0 && account.RateWindowStart != nil &&
		time.Since(*account.RateWindowStart) < rateWindow &&
		account.RateWindowCount >= perMinute {
		return ErrRateLimited
	}
	return nil
}

// bumpUsage advances the daily counter and the rate window after a
// successful send. Best-effort: a counter miss must not fail the send.
func (d *Dispatcher) bumpUsage(account *domain.Account, now time.Time) {
	updates := map[string]interface{}{
		"daily_usage_count": gorm.Expr("daily_usage_count + 1"),
	}
	if account.RateWindowStart == nil || now.Sub(*account.RateWindowStart) >= rateWindow {
		updates["rate_window_start"] = now
		updates["rate_window_count"] = 1
	} else {
		updates["rate_window_count"] = gorm.Expr("rate_window_count + 1")
	}
	if err := d.app.DB().Model(&domain.Account{}).
		Where("id = ?", account.ID).Updates(updates).Error; err != nil {
		zap.L().Warn("dispatch: usage counter update failed",
			zap.Int64("account_id", account.ID), zap.Error(err))
	}
}

func (d *Dispatcher) markFailed(msg *domain.Message, reason string) {
	if err := d.app.DB().Model(&domain.Message{}).
		Where("id = ?", msg.ID).Updates(map[string]interface{}{
		"status":      domain.MessageStatusFailed,
		"error_text":  reason,
		"retry_count": gorm.Expr("retry_count + 1"),
	}).Error; err != nil {
		zap.L().Error("dispatch: failed-state persist failed",
			zap.Int64("message_id", msg.ID), zap.Error(err))
	}
	msg.Status = domain.MessageStatusFailed
	msg.ErrorText = reason
	msg.RetryCount++
	d.events.Error(msg.AccountID, "message send failed", reason, "retry")
}

// statusRank orders message statuses so ack upgrades never move backwards:
// a read receipt arriving before the delivered receipt stays read.
var statusRank = map[string]int{
	domain.MessageStatusSent:      1,
	domain.MessageStatusDelivered: 2,
	domain.MessageStatusRead:      3,
}

func (d *Dispatcher) onAck(accountID int64, remoteID string, level int) {
	if remoteID == "" {
		return
	}
	var target string
	switch driver.AckLevel(level) {
	case driver.AckDevice:
		target = domain.MessageStatusDelivered
	case driver.AckRead:
		target = domain.MessageStatusRead
	default:
		return
	}

	var msg domain.Message
	err := d.app.DB().
		Where("account_id = ? AND remote_id = ?", accountID, remoteID).
		First(&msg).Error
	if err != nil {
		// Acks for messages we never sent (or already purged) are normal.
		return
	}
	if statusRank[target] <= statusRank[msg.Status] {
		return
	}

	updates := map[string]interface{}{"status": target}
	if target == domain.MessageStatusDelivered {
		updates["delivered_count"] = gorm.Expr("delivered_count + 1")
	} else {
		updates["read_count"] = gorm.Expr("read_count + 1")
		if statusRank[msg.Status] < statusRank[domain.MessageStatusDelivered] {
			updates["delivered_count"] = gorm.Expr("delivered_count + 1")
		}
	}
	if err := d.app.DB().Model(&domain.Message{}).
		Where("id = ?", msg.ID).Updates(updates).Error; err != nil {
		zap.L().Warn("dispatch: ack update failed",
			zap.Int64("message_id", msg.ID), zap.Error(err))
		return
	}
	zap.L().Debug("message ack",
		zap.Int64("message_id", msg.ID),
		zap.String("remote_id", remoteID),
		zap.String("status", target))
}

func (d *Dispatcher) liveDriver(ctx context.Context, accountID int64) (driver.Client, error) {
	drv := d.registry.Get(accountID)
	if drv == nil {
		return nil, ErrNoDriver
	}
	state, err := drv.GetState(ctx)
	if err != nil || state != driver.StateConnected {
		return nil, ErrNoDriver
	}
	return drv, nil
}

func (d *Dispatcher) contactDomain() string {
	if v := d.app.GetSettingsStringValue("dispatch", "contact_domain"); v != "" {
		return v
	}
	return "s.whatsapp.net"
}

func (d *Dispatcher) ratePerMinute() int {
	return int(d.app.GetSettingsInt64Value("dispatch", "rate_per_minute"))
}
