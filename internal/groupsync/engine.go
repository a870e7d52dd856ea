// Package groupsync reconciles driver-reported chats and rosters with the
// store. Groups are global rows deduplicated by remote id; what is
// per-account lives in the group-account join, and scraped members are
// flagged left rather than deleted when they disappear from a roster.
package groupsync

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/talkhub/wahub/internal/app"
	"github.com/talkhub/wahub/internal/domain"
	"github.com/talkhub/wahub/internal/driver"
	"github.com/talkhub/wahub/internal/session"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// upsertChunk bounds both bulk inserts and IN-clause reads.
const upsertChunk = 500

// SessionInvalidator tears a session down after its driver handle proved
// dead. Implemented by the lifecycle controller.
type SessionInvalidator interface {
	InvalidateSession(ctx context.Context, accountID int64, reason string) error
}

var (
	ErrNoDriver     = errors.New("groupsync: no driver for account")
	ErrNotConnected = errors.New("groupsync: driver not connected")
	ErrNotAGroup    = errors.New("groupsync: chat is not a group")
)

// Engine performs group discovery, roster scraping and cascade deletion.
type Engine struct {
	app         app.AppContext
	registry    *session.Registry
	invalidator SessionInvalidator
}

func NewEngine(actx app.AppContext, registry *session.Registry, invalidator SessionInvalidator) *Engine {
	return &Engine{app: actx, registry: registry, invalidator: invalidator}
}

// liveDriver fetches a fresh handle and verifies the transport is usable.
// A dead execution context triggers session invalidation before returning.
func (e *Engine) liveDriver(ctx context.Context, accountID int64) (driver.Client, error) {
	drv := e.registry.Get(accountID)
	if drv == nil {
		return nil, ErrNoDriver
	}
	state, err := drv.GetState(ctx)
	if err != nil {
		if driver.IsSessionInvalid(err) {
			_ = e.invalidator.InvalidateSession(ctx, accountID, "state probe failed: "+err.Error())
		}
		return nil, errors.Wrap(err, "groupsync: state probe")
	}
	if state != driver.StateConnected {
		return nil, errors.Wrapf(ErrNotConnected, "state %s", state)
	}
	return drv, nil
}

// SaveGroup upserts the global group row for a driver-reported chat and the
// calling account's membership join. Shared metadata is last-writer-wins;
// roles and access times stay per-account.
func (e *Engine) SaveGroup(ctx context.Context, accountID int64, chat *driver.Chat) (*domain.Group, error) {
	if !chat.IsGroup {
		return nil, ErrNotAGroup
	}

	now := time.Now()
	var group domain.Group
	err := e.app.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := domain.Group{
			RemoteID:    chat.RemoteID,
			Name:        chat.Name,
			Description: chat.Description,
			MemberCount: chat.MemberCount,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "remote_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "description", "member_count", "updated_at"}),
		}).Create(&row).Error; err != nil {
			return err
		}
		if err := tx.Where("remote_id = ?", chat.RemoteID).First(&group).Error; err != nil {
			return err
		}

		membership := domain.GroupAccount{
			GroupID:      group.ID,
			AccountID:    accountID,
			IsAdmin:      chat.SelfIsAdmin,
			IsSuperAdmin: chat.SelfIsSuperAdmin,
			DiscoveredAt: now,
			LastAccessAt: &now,
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "group_id"}, {Name: "account_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"is_admin", "is_super_admin", "last_access_at", "updated_at"}),
		}).Create(&membership).Error
	})
	if err != nil {
		return nil, errors.Wrap(err, "groupsync: save group")
	}
	return &group, nil
}

// AutoMapExistingGroups discovers every group the account already belongs to
// and maps it into the store. Individual failures are logged and skipped so
// one bad chat cannot abort discovery.
func (e *Engine) AutoMapExistingGroups(ctx context.Context, accountID int64) (int, error) {
	drv, err := e.liveDriver(ctx, accountID)
	if err != nil {
		return 0, err
	}
	chats, err := drv.GetChats(ctx)
	if err != nil {
		if driver.IsSessionInvalid(err) {
			_ = e.invalidator.InvalidateSession(ctx, accountID, "chat listing failed: "+err.Error())
		}
		return 0, errors.Wrap(err, "groupsync: list chats")
	}

	mapped := 0
	for i := range chats {
		if !chats[i].IsGroup {
			continue
		}
		if _, err := e.SaveGroup(ctx, accountID, &chats[i]); err != nil {
			zap.L().Warn("groupsync: auto-map skip",
				zap.Int64("account_id", accountID),
				zap.String("remote_id", chats[i].RemoteID), zap.Error(err))
			continue
		}
		mapped++
	}
	zap.L().Info("groupsync: auto-map complete",
		zap.Int64("account_id", accountID), zap.Int("mapped", mapped))
	return mapped, nil
}

// ScrapeContacts pulls the live roster of one group through the account's
// driver and reconciles it: members are upserted, re-appearing members are
// un-flagged, and members missing from this scrape are flagged left.
func (e *Engine) ScrapeContacts(ctx context.Context, accountID, groupID int64) (int, error) {
	var group domain.Group
	if err := e.app.DB().WithContext(ctx).First(&group, groupID).Error; err != nil {
		return 0, errors.Wrapf(err, "groupsync: group %d not found", groupID)
	}

	drv, err := e.liveDriver(ctx, accountID)
	if err != nil {
		return 0, err
	}
	chat, err := drv.GetChatByID(ctx, group.RemoteID)
	if err != nil {
		if driver.IsSessionInvalid(err) {
			_ = e.invalidator.InvalidateSession(ctx, accountID, "roster fetch failed: "+err.Error())
		}
		return 0, errors.Wrap(err, "groupsync: fetch roster")
	}
	if !chat.IsGroup {
		return 0, ErrNotAGroup
	}

	now := time.Now()
	contactIDs, err := e.upsertRoster(ctx, accountID, groupID, chat.Participants, now)
	if err != nil {
		return 0, err
	}

	if err := e.markDeparted(ctx, groupID, contactIDs, now); err != nil {
		return 0, err
	}

	err = e.app.DB().WithContext(ctx).Model(&domain.Group{}).
		Where("id = ?", groupID).Updates(map[string]interface{}{
		"last_scraped_at":   now,
		"last_scrape_count": len(contactIDs),
		"member_count":      len(contactIDs),
	}).Error
	if err != nil {
		return 0, errors.Wrap(err, "groupsync: update scrape stats")
	}

	zap.L().Info("groupsync: roster scraped",
		zap.Int64("account_id", accountID),
		zap.Int64("group_id", groupID),
		zap.Int("members", len(contactIDs)))
	return len(contactIDs), nil
}

// upsertRoster writes contacts and memberships in chunks, chunks in
// parallel, and returns the contact ids seen in this scrape.
func (e *Engine) upsertRoster(ctx context.Context, accountID, groupID int64, roster []driver.Participant, now time.Time) ([]int64, error) {
	var (
		mu  = make(chan struct{}, 1)
		ids []int64
	)
	mu <- struct{}{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for start := 0; start < len(roster); start += upsertChunk {
		end := start + upsertChunk
		if end > len(roster) {
			end = len(roster)
		}
		chunk := roster[start:end]
		g.Go(func() error {
			chunkIDs, err := e.upsertChunkTx(gctx, accountID, groupID, chunk, now)
			if err != nil {
				return err
			}
			<-mu
			ids = append(ids, chunkIDs...)
			mu <- struct{}{}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (e *Engine) upsertChunkTx(ctx context.Context, accountID, groupID int64, chunk []driver.Participant, now time.Time) ([]int64, error) {
	var ids []int64
	err := e.app.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		phones := make([]string, 0, len(chunk))
		contacts := make([]domain.Contact, 0, len(chunk))
		admins := make(map[string]bool, len(chunk))
		for _, p := range chunk {
			if p.Phone == "" {
				continue
			}
			phones = append(phones, p.Phone)
			admins[p.Phone] = p.IsAdmin || p.IsSuperAdmin
			contacts = append(contacts, domain.Contact{
				Phone:  p.Phone,
				Name:   p.Name,
				Source: "group_scrape",
			})
		}
		if len(contacts) == 0 {
			return nil
		}

		// Roster reads usually carry no display name, so a scrape must never
		// blank a name some earlier source already filled in.
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "phone"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"name":       gorm.Expr("CASE WHEN excluded.name <> '' THEN excluded.name ELSE wa_contact.name END"),
				"updated_at": now,
			}),
		}).Create(&contacts).Error; err != nil {
			return err
		}

		var saved []domain.Contact
		if err := tx.Where("phone IN ?", phones).Find(&saved).Error; err != nil {
			return err
		}

		memberships := make([]domain.GroupContact, 0, len(saved))
		for _, contact := range saved {
			ids = append(ids, contact.ID)
			memberships = append(memberships, domain.GroupContact{
				GroupID:            groupID,
				ContactID:          contact.ID,
				IsAdmin:            admins[contact.Phone],
				IsLeft:             false,
				FirstSeenAt:        now,
				LastSeenAt:         now,
				ScrapedByAccountID: accountID,
			})
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "group_id"}, {Name: "contact_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"is_admin":              gorm.Expr("excluded.is_admin"),
				"is_left":               false,
				"left_at":               nil,
				"last_seen_at":          now,
				"scraped_by_account_id": accountID,
				"updated_at":            now,
			}),
		}).Create(&memberships).Error
	})
	if err != nil {
		return nil, errors.Wrap(err, "groupsync: upsert roster chunk")
	}
	return ids, nil
}

// markDeparted flags memberships missing from the latest scrape. Rows are
// kept for history; only the flag and timestamp change.
func (e *Engine) markDeparted(ctx context.Context, groupID int64, seen []int64, now time.Time) error {
	q := e.app.DB().WithContext(ctx).Model(&domain.GroupContact{}).
		Where("group_id = ? AND is_left = ?", groupID, false)
	if len(seen) > 0 {
		q = q.Where("contact_id NOT IN ?", seen)
	}
	res := q.Updates(map[string]interface{}{"is_left": true, "left_at": now})
	if res.Error != nil {
		return errors.Wrap(res.Error, "groupsync: mark departed")
	}
	if res.RowsAffected > 0 {
		zap.L().Info("groupsync: members flagged left",
			zap.Int64("group_id", groupID), zap.Int64("count", res.RowsAffected))
	}
	return nil
}

// DeleteGroup removes a group and everything hanging off it: memberships,
// contacts that belong to no other group afterwards, and account joins.
// One transaction so a failure leaves the store untouched.
func (e *Engine) DeleteGroup(ctx context.Context, groupID int64) error {
	err := e.app.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var contactIDs []int64
		if err := tx.Model(&domain.GroupContact{}).
			Where("group_id = ?", groupID).
			Pluck("contact_id", &contactIDs).Error; err != nil {
			return err
		}

		if err := tx.Where("group_id = ?", groupID).Delete(&domain.GroupContact{}).Error; err != nil {
			return err
		}

		// Contacts still referenced by another group survive.
		if len(contactIDs) > 0 {
			var keep []int64
			if err := tx.Model(&domain.GroupContact{}).
				Where("contact_id IN ?", contactIDs).
				Distinct().Pluck("contact_id", &keep).Error; err != nil {
				return err
			}
			keepSet := make(map[int64]struct{}, len(keep))
			for _, id := range keep {
				keepSet[id] = struct{}{}
			}
			var orphans []int64
			for _, id := range contactIDs {
				if _, ok := keepSet[id]; !ok {
					orphans = append(orphans, id)
				}
			}
			if len(orphans) > 0 {
				if err := tx.Where("id IN ?", orphans).Delete(&domain.Contact{}).Error; err != nil {
					return err
				}
			}
		}

		if err := tx.Where("group_id = ?", groupID).Delete(&domain.GroupAccount{}).Error; err != nil {
			return err
		}
		return tx.Delete(&domain.Group{}, groupID).Error
	})
	if err != nil {
		return errors.Wrapf(err, "groupsync: delete group %d", groupID)
	}
	zap.L().Info("groupsync: group deleted", zap.Int64("group_id", groupID))
	return nil
}

// GetLiveGroups lists the account's groups straight from the driver without
// touching the store.
func (e *Engine) GetLiveGroups(ctx context.Context, accountID int64) ([]driver.Chat, error) {
	drv, err := e.liveDriver(ctx, accountID)
	if err != nil {
		return nil, err
	}
	chats, err := drv.GetChats(ctx)
	if err != nil {
		if driver.IsSessionInvalid(err) {
			_ = e.invalidator.InvalidateSession(ctx, accountID, "chat listing failed: "+err.Error())
		}
		return nil, errors.Wrap(err, "groupsync: list chats")
	}
	groups := chats[:0:0]
	for _, chat := range chats {
		if chat.IsGroup {
			groups = append(groups, chat)
		}
	}
	return groups, nil
}

// GetLiveContacts fetches one group's roster straight from the driver.
func (e *Engine) GetLiveContacts(ctx context.Context, accountID int64, remoteID string) ([]driver.Participant, error) {
	drv, err := e.liveDriver(ctx, accountID)
	if err != nil {
		return nil, err
	}
	chat, err := drv.GetChatByID(ctx, remoteID)
	if err != nil {
		if driver.IsSessionInvalid(err) {
			_ = e.invalidator.InvalidateSession(ctx, accountID, "roster fetch failed: "+err.Error())
		}
		return nil, errors.Wrap(err, "groupsync: fetch roster")
	}
	if !chat.IsGroup {
		return nil, ErrNotAGroup
	}
	return chat.Participants, nil
}
