package lifecycle

import (
	"context"

	"github.com/talkhub/wahub/internal/domain"
	"github.com/talkhub/wahub/pkg/common"
	"go.uber.org/zap"
)

// RecoverSessions re-initializes every account that was active when the
// process last stopped, but only when its session storage still exists on
// disk. Accounts whose storage is gone are flipped to inactive with a note
// instead of burning a pairing attempt against an empty directory.
func (c *Controller) RecoverSessions(ctx context.Context) {
	var accounts []domain.Account
	if err := c.app.DB().WithContext(ctx).
		Where("status = ?", domain.AccountStatusActive).
		Find(&accounts).Error; err != nil {
		zap.L().Error("lifecycle: recovery query failed", zap.Error(err))
		return
	}
	if len(accounts) == 0 {
		zap.L().Info("lifecycle: no sessions to recover")
		return
	}

	zap.L().Info("lifecycle: recovering sessions", zap.Int("count", len(accounts)))
	for _, account := range accounts {
		if account.SessionDir == "" || !common.FileExists(account.SessionDir) {
			zap.L().Warn("lifecycle: session storage missing, marking inactive",
				zap.Int64("account_id", account.ID),
				zap.String("session_dir", account.SessionDir))
			c.persistBestEffort(account.ID, map[string]interface{}{
				"status": domain.AccountStatusInactive,
				"notes":  "session storage missing at startup",
			})
			continue
		}
		if err := c.Initialize(ctx, account.ID); err != nil {
			zap.L().Error("lifecycle: session recovery failed",
				zap.Int64("account_id", account.ID), zap.Error(err))
		}
	}
}
