package domain

import "time"

// Group is a remote group deduplicated across accounts: exactly one row per
// remote identifier regardless of how many accounts observe it. Shared
// metadata is last-writer-wins.
type Group struct {
	ID              int64      `json:"id,string" form:"id" gorm:"primaryKey"`
	RemoteID        string     `gorm:"uniqueIndex" json:"remote_id" form:"remote_id"`
	Name            string     `json:"name" form:"name"`
	Description     string     `json:"description" form:"description"`
	MemberCount     int        `json:"member_count"`
	IsHidden        bool       `json:"is_hidden" form:"is_hidden"`
	IsFavorite      bool       `json:"is_favorite" form:"is_favorite"`
	IsAdminOnly     bool       `json:"is_admin_only" form:"is_admin_only"`
	LastScrapedAt   *time.Time `json:"last_scraped_at"`
	LastScrapeCount int        `json:"last_scrape_count"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName Specify table name
func (Group) TableName() string {
	return "wa_group"
}

// GroupAccount records one account's role in one group. Unique per
// (group, account); strictly per-account while Group metadata is global.
type GroupAccount struct {
	ID           int64      `json:"id,string" gorm:"primaryKey"`
	GroupID      int64      `gorm:"uniqueIndex:idx_group_account" json:"group_id,string"`
	AccountID    int64      `gorm:"uniqueIndex:idx_group_account" json:"account_id,string"`
	IsAdmin      bool       `json:"is_admin"`
	IsSuperAdmin bool       `json:"is_super_admin"`
	Permissions  string     `json:"permissions"` // JSON blob of driver-reported permissions
	DiscoveredAt time.Time  `json:"discovered_at"`
	LastAccessAt *time.Time `json:"last_access_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName Specify table name
func (GroupAccount) TableName() string {
	return "wa_group_account"
}
