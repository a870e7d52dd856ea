package domain

import "time"

// Contact is globally unique by phone number and shared across groups.
type Contact struct {
	ID              int64     `json:"id,string" form:"id" gorm:"primaryKey"`
	Phone           string    `gorm:"uniqueIndex" json:"phone" form:"phone"`
	Name            string    `json:"name" form:"name"`
	EngagementScore int       `json:"engagement_score"`
	Source          string    `json:"source"` // e.g. group_scrape, manual
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TableName Specify table name
func (Contact) TableName() string {
	return "wa_contact"
}

// GroupContact is the membership join between groups and contacts. A member
// missing from the latest scrape is flagged left, never deleted by the
// scrape itself.
type GroupContact struct {
	ID                 int64      `json:"id,string" gorm:"primaryKey"`
	GroupID            int64      `gorm:"uniqueIndex:idx_group_contact" json:"group_id,string"`
	ContactID          int64      `gorm:"uniqueIndex:idx_group_contact" json:"contact_id,string"`
	IsAdmin            bool       `json:"is_admin"`
	IsLeft             bool       `gorm:"index" json:"is_left"`
	LeftAt             *time.Time `json:"left_at"`
	FirstSeenAt        time.Time  `json:"first_seen_at"`
	LastSeenAt         time.Time  `json:"last_seen_at"`
	ScrapedByAccountID int64      `json:"scraped_by_account_id,string"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// TableName Specify table name
func (GroupContact) TableName() string {
	return "wa_group_contact"
}
