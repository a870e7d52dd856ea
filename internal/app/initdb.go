package app

import (
	"github.com/talkhub/wahub/internal/domain"
	"go.uber.org/zap"
)

type settingSchema struct {
	Category    string
	Name        string
	Default     string
	Description string
}

var defaultSettings = []settingSchema{
	{"identity", "max_attempts", "5", "Identity extraction attempts per invocation"},
	{"identity", "fallback_order", "session,connection,storage", "Probe order for in-page identity sources"},
	{"identity", "late_read_delay_ms", "500", "Extra delay before the late re-read of the identity object"},
	{"monitor", "fast_poll_interval_seconds", "1", "Interval of the authentication-phase identity poll"},
	{"monitor", "fast_poll_max_attempts", "60", "Poll ceiling before surfacing a manual-update hint"},
	{"monitor", "sweep_extract_attempts", "2", "Extraction attempt budget per account during the slow sweep"},
	{"monitor", "sweep_workers", "8", "Concurrent extractions during the slow sweep"},
	{"lifecycle", "reinit_settle_ms", "500", "Grace delay between destroying an old driver and creating a new one"},
	{"dispatch", "default_daily_limit", "200", "Daily outbound message limit applied to new accounts"},
	{"dispatch", "rate_per_minute", "10", "Outbound messages allowed per account per sliding minute"},
	{"dispatch", "contact_domain", "s.whatsapp.net", "Address domain suffix for contact targets"},
}

// checkSettings seeds missing runtime settings with their defaults.
func (a *Application) checkSettings() {
	for sortid, schema := range defaultSettings {
		var count int64
		a.gormDB.Model(&domain.SysConfig{}).
			Where("type = ? and name = ?", schema.Category, schema.Name).
			Count(&count)

		if count == 0 {
			a.gormDB.Create(&domain.SysConfig{
				Sort:   sortid,
				Type:   schema.Category,
				Name:   schema.Name,
				Value:  schema.Default,
				Remark: schema.Description,
			})
			zap.L().Info("initialized setting",
				zap.String("key", schema.Category+"."+schema.Name),
				zap.String("default", schema.Default))
		}
	}
}
