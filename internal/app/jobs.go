package app

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/talkhub/wahub/internal/domain"
	"go.uber.org/zap"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (a *Application) initJob() {
	loc, _ := time.LoadLocation(a.appConfig.System.Location)
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	// Daily usage counters roll over at midnight local time.
	_, err := a.sched.AddFunc("@midnight", func() {
		a.SchedResetDailyUsage()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	a.sched.Start()
}

// SchedResetDailyUsage zeroes every account's daily usage counter and rate
// window so quota checks restart for the new day.
func (a *Application) SchedResetDailyUsage() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	res := a.gormDB.Model(&domain.Account{}).
		Where("daily_usage_count > 0 OR rate_window_count > 0").
		Updates(map[string]interface{}{
			"daily_usage_count": 0,
			"rate_window_count": 0,
			"rate_window_start": nil,
		})
	if res.Error != nil {
		zap.L().Error("daily usage reset failed", zap.Error(res.Error))
		return
	}
	zap.L().Info("daily usage counters reset", zap.Int64("accounts", res.RowsAffected))
}
