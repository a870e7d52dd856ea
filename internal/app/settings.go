package app

import (
	"sync"
	"time"

	"github.com/spf13/cast"
	"github.com/talkhub/wahub/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const settingsCacheTTL = 30 * time.Second

// ConfigManager reads typed runtime settings from the sys_config table with
// a short-lived cache. Missing settings resolve to zero values; callers are
// expected to apply their own defaults.
type ConfigManager struct {
	db     *gorm.DB
	mu     sync.RWMutex
	cache  map[string]string
	loaded time.Time
}

func NewConfigManager(db *gorm.DB) *ConfigManager {
	return &ConfigManager{db: db, cache: make(map[string]string)}
}

func (m *ConfigManager) get(category, name string) string {
	key := category + "." + name
	m.mu.RLock()
	if time.Since(m.loaded) < settingsCacheTTL {
		v := m.cache[key]
		m.mu.RUnlock()
		return v
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if time.Since(m.loaded) >= settingsCacheTTL {
		var rows []domain.SysConfig
		if err := m.db.Find(&rows).Error; err != nil {
			zap.L().Warn("settings: reload failed", zap.Error(err))
		} else {
			cache := make(map[string]string, len(rows))
			for _, r := range rows {
				cache[r.Type+"."+r.Name] = r.Value
			}
			m.cache = cache
			m.loaded = time.Now()
		}
	}
	return m.cache[key]
}

func (m *ConfigManager) GetString(category, name string) string {
	return m.get(category, name)
}

func (m *ConfigManager) GetInt64(category, name string) int64 {
	return cast.ToInt64(m.get(category, name))
}

func (m *ConfigManager) GetInt(category, name string) int {
	return cast.ToInt(m.get(category, name))
}

func (m *ConfigManager) GetBool(category, name string) bool {
	return cast.ToBool(m.get(category, name))
}
