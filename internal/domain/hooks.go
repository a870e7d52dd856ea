package domain

import (
	"github.com/talkhub/wahub/pkg/common"
	"gorm.io/gorm"
)

// Snowflake ids are assigned on insert so bulk creates and upserts never
// depend on database sequences.

func (a *Account) BeforeCreate(tx *gorm.DB) error {
	if a.ID == 0 {
		a.ID = common.UUIDint64()
	}
	return nil
}

func (g *Group) BeforeCreate(tx *gorm.DB) error {
	if g.ID == 0 {
		g.ID = common.UUIDint64()
	}
	return nil
}

func (ga *GroupAccount) BeforeCreate(tx *gorm.DB) error {
	if ga.ID == 0 {
		ga.ID = common.UUIDint64()
	}
	return nil
}

func (c *Contact) BeforeCreate(tx *gorm.DB) error {
	if c.ID == 0 {
		c.ID = common.UUIDint64()
	}
	return nil
}

func (gc *GroupContact) BeforeCreate(tx *gorm.DB) error {
	if gc.ID == 0 {
		gc.ID = common.UUIDint64()
	}
	return nil
}

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == 0 {
		m.ID = common.UUIDint64()
	}
	return nil
}
