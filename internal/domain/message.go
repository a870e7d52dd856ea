package domain

import "time"

// Message lifecycle status values.
const (
	MessageStatusPending   = "pending" // scheduled, not yet due
	MessageStatusQueued    = "queued"  // accepted, send in progress
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
	MessageStatusFailed    = "failed"
)

// MessageMaxRetries caps explicit retries of a failed message.
const MessageMaxRetries = 3

// Message is one outbound message owned by exactly one account and targeted
// at a group xor a contact. Rows are never physically deleted here.
type Message struct {
	ID             int64      `json:"id,string" gorm:"primaryKey"`
	AccountID      int64      `gorm:"index" json:"account_id,string"`
	GroupID        int64      `gorm:"index" json:"group_id,string"`   // zero when targeting a contact
	ContactID      int64      `gorm:"index" json:"contact_id,string"` // zero when targeting a group
	Content        string     `json:"content"`
	Status         string     `gorm:"index" json:"status"`
	RemoteID       string     `gorm:"index" json:"remote_id"` // driver-assigned id, set after dispatch
	DeliveredCount int        `json:"delivered_count"`
	ReadCount      int        `json:"read_count"`
	ClickCount     int        `json:"click_count"`
	RetryCount     int        `json:"retry_count"`
	ScheduledAt    *time.Time `json:"scheduled_at"`
	SentAt         *time.Time `json:"sent_at"`
	ErrorText      string     `json:"error_text"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TableName Specify table name
func (Message) TableName() string {
	return "wa_message"
}
