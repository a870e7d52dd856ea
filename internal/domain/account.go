package domain

import "time"

// Account lifecycle status values. inactive and active are stable states;
// warming, authenticating and disconnected are transient and time-bounded
// by the health monitors.
const (
	AccountStatusInactive       = "inactive"
	AccountStatusWarming        = "warming"
	AccountStatusAuthenticating = "authenticating"
	AccountStatusActive         = "active"
	AccountStatusDisconnected   = "disconnected"
)

// Account is one automation session against the remote messaging platform.
// Phone stays empty until the identity extractor resolves it from a live
// driver; at most one live driver exists per account at any time.
type Account struct {
	ID                 int64      `json:"id,string" form:"id" gorm:"primaryKey"`
	Name               string     `json:"name" form:"name"`
	Phone              string     `gorm:"index" json:"phone" form:"phone"` // durable identity, empty until resolved
	PushName           string     `json:"push_name" form:"push_name"`
	Status             string     `gorm:"index" json:"status" form:"status"`
	HealthScore        int        `json:"health_score" form:"health_score"`
	DailyUsageCount    int        `json:"daily_usage_count"`
	DailyUsageLimit    int        `json:"daily_usage_limit" form:"daily_usage_limit"`
	RateWindowStart    *time.Time `json:"rate_window_start"`
	RateWindowCount    int        `json:"rate_window_count"`
	SessionDir         string     `json:"session_dir"` // durable session-storage location
	QRCode             string     `json:"qr_code"`
	QRIssuedAt         *time.Time `json:"qr_issued_at"`
	LastConnectedAt    *time.Time `json:"last_connected_at"`
	LastDisconnectedAt *time.Time `json:"last_disconnected_at"`
	Notes              string     `json:"notes"` // last-known error / operator hints
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// TableName Specify table name
func (Account) TableName() string {
	return "wa_account"
}

// HasIdentity reports whether the durable phone identity is resolved.
func (a *Account) HasIdentity() bool {
	return a.Phone != ""
}
