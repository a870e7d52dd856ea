package groupsync

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkhub/wahub/config"
	"github.com/talkhub/wahub/internal/app"
	"github.com/talkhub/wahub/internal/domain"
	"github.com/talkhub/wahub/internal/driver"
	"github.com/talkhub/wahub/internal/session"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestApp(t *testing.T) *app.Application {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)),
		&gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	a := app.NewApplication(config.DefaultAppConfig())
	require.NoError(t, a.InitForTesting(db))
	return a
}

type fakeChatClient struct {
	driver.Client

	state    driver.State
	stateErr error
	chats    []driver.Chat
	byID     map[string]*driver.Chat
}

func (f *fakeChatClient) GetState(ctx context.Context) (driver.State, error) {
	return f.state, f.stateErr
}

func (f *fakeChatClient) GetChats(ctx context.Context) ([]driver.Chat, error) {
	return f.chats, nil
}

func (f *fakeChatClient) GetChatByID(ctx context.Context, remoteID string) (*driver.Chat, error) {
	if chat, ok := f.byID[remoteID]; ok {
		return chat, nil
	}
	return nil, fmt.Errorf("chat %s not found", remoteID)
}

type fakeInvalidator struct {
	calls []int64
}

func (f *fakeInvalidator) InvalidateSession(ctx context.Context, accountID int64, reason string) error {
	f.calls = append(f.calls, accountID)
	return nil
}

func groupChat(remoteID, name string, members ...driver.Participant) *driver.Chat {
	return &driver.Chat{
		RemoteID:     remoteID,
		Name:         name,
		IsGroup:      true,
		MemberCount:  len(members),
		Participants: members,
	}
}

func TestSaveGroupDeduplicatesAcrossAccounts(t *testing.T) {
	a := newTestApp(t)
	engine := NewEngine(a, session.NewRegistry(), &fakeInvalidator{})
	ctx := context.Background()

	first, err := engine.SaveGroup(ctx, 1, groupChat("g1@g.us", "Deals"))
	require.NoError(t, err)
	chat := groupChat("g1@g.us", "Deals Renamed")
	chat.SelfIsAdmin = true
	second, err := engine.SaveGroup(ctx, 2, chat)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "same remote id must map to one group row")

	var groupCount int64
	a.DB().Model(&domain.Group{}).Count(&groupCount)
	assert.EqualValues(t, 1, groupCount)

	// Shared metadata is last-writer-wins.
	var group domain.Group
	require.NoError(t, a.DB().Where("remote_id = ?", "g1@g.us").First(&group).Error)
	assert.Equal(t, "Deals Renamed", group.Name)

	var memberships []domain.GroupAccount
	require.NoError(t, a.DB().Where("group_id = ?", group.ID).Find(&memberships).Error)
	require.Len(t, memberships, 2)
	byAccount := map[int64]domain.GroupAccount{}
	for _, m := range memberships {
		byAccount[m.AccountID] = m
	}
	assert.False(t, byAccount[1].IsAdmin)
	assert.True(t, byAccount[2].IsAdmin, "roles stay per-account")
}

func TestSaveGroupRejectsDirectChat(t *testing.T) {
	a := newTestApp(t)
	engine := NewEngine(a, session.NewRegistry(), &fakeInvalidator{})
	_, err := engine.SaveGroup(context.Background(), 1, &driver.Chat{RemoteID: "d1", IsGroup: false})
	assert.ErrorIs(t, err, ErrNotAGroup)
}

func TestScrapeContactsReconcilesRoster(t *testing.T) {
	a := newTestApp(t)
	registry := session.NewRegistry()
	engine := NewEngine(a, registry, &fakeInvalidator{})
	ctx := context.Background()

	group, err := engine.SaveGroup(ctx, 1, groupChat("g2@g.us", "Roster"))
	require.NoError(t, err)

	cli := &fakeChatClient{
		state: driver.StateConnected,
		byID: map[string]*driver.Chat{
			"g2@g.us": groupChat("g2@g.us", "Roster",
				driver.Participant{Phone: "62801", Name: "A"},
				driver.Participant{Phone: "62802", Name: "B", IsAdmin: true},
			),
		},
	}
	registry.Put(1, cli)

	count, err := engine.ScrapeContacts(ctx, 1, group.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	var contacts []domain.Contact
	require.NoError(t, a.DB().Order("phone").Find(&contacts).Error)
	require.Len(t, contacts, 2)
	assert.Equal(t, "group_scrape", contacts[0].Source)

	// Next scrape: A gone, C new. A gets flagged left, not deleted.
	cli.byID["g2@g.us"] = groupChat("g2@g.us", "Roster",
		driver.Participant{Phone: "62802", Name: "B"},
		driver.Participant{Phone: "62803", Name: "C"},
	)
	count, err = engine.ScrapeContacts(ctx, 1, group.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	var left domain.GroupContact
	require.NoError(t, a.DB().
		Joins("JOIN wa_contact ON wa_contact.id = wa_group_contact.contact_id").
		Where("wa_contact.phone = ? AND wa_group_contact.group_id = ?", "62801", group.ID).
		First(&left).Error)
	assert.True(t, left.IsLeft)
	assert.NotNil(t, left.LeftAt)

	var total int64
	a.DB().Model(&domain.GroupContact{}).Where("group_id = ?", group.ID).Count(&total)
	assert.EqualValues(t, 3, total, "departed memberships are kept for history")

	// A re-appears: the flag is lifted on the same row.
	cli.byID["g2@g.us"] = groupChat("g2@g.us", "Roster",
		driver.Participant{Phone: "62801", Name: "A"},
		driver.Participant{Phone: "62802", Name: "B"},
		driver.Participant{Phone: "62803", Name: "C"},
	)
	_, err = engine.ScrapeContacts(ctx, 1, group.ID)
	require.NoError(t, err)

	var back domain.GroupContact
	require.NoError(t, a.DB().Where("id = ?", left.ID).First(&back).Error)
	assert.False(t, back.IsLeft)

	var saved domain.Group
	require.NoError(t, a.DB().First(&saved, group.ID).Error)
	assert.NotNil(t, saved.LastScrapedAt)
	assert.Equal(t, 3, saved.LastScrapeCount)
}

func TestScrapePreservesKnownContactNames(t *testing.T) {
	a := newTestApp(t)
	registry := session.NewRegistry()
	engine := NewEngine(a, registry, &fakeInvalidator{})
	ctx := context.Background()

	group, err := engine.SaveGroup(ctx, 1, groupChat("g6@g.us", "Nameless"))
	require.NoError(t, err)
	require.NoError(t, a.DB().Create(&domain.Contact{
		ID:    700,
		Phone: "62999",
		Name:  "Known Name",
	}).Error)

	// Group rosters typically report members by phone only.
	cli := &fakeChatClient{
		state: driver.StateConnected,
		byID: map[string]*driver.Chat{
			"g6@g.us": groupChat("g6@g.us", "Nameless",
				driver.Participant{Phone: "62999"},
				driver.Participant{Phone: "62998", Name: "Fresh"},
			),
		},
	}
	registry.Put(1, cli)

	_, err = engine.ScrapeContacts(ctx, 1, group.ID)
	require.NoError(t, err)

	var known, fresh domain.Contact
	require.NoError(t, a.DB().Where("phone = ?", "62999").First(&known).Error)
	assert.Equal(t, "Known Name", known.Name, "a nameless roster entry must not blank a stored name")
	require.NoError(t, a.DB().Where("phone = ?", "62998").First(&fresh).Error)
	assert.Equal(t, "Fresh", fresh.Name)

	// A roster that does carry a name still updates it.
	cli.byID["g6@g.us"] = groupChat("g6@g.us", "Nameless",
		driver.Participant{Phone: "62999", Name: "Renamed"},
	)
	_, err = engine.ScrapeContacts(ctx, 1, group.ID)
	require.NoError(t, err)
	require.NoError(t, a.DB().Where("phone = ?", "62999").First(&known).Error)
	assert.Equal(t, "Renamed", known.Name)
}

func TestScrapeContactsRequiresConnectedDriver(t *testing.T) {
	a := newTestApp(t)
	registry := session.NewRegistry()
	engine := NewEngine(a, registry, &fakeInvalidator{})
	ctx := context.Background()

	group, err := engine.SaveGroup(ctx, 1, groupChat("g3@g.us", "Offline"))
	require.NoError(t, err)

	_, err = engine.ScrapeContacts(ctx, 1, group.ID)
	assert.ErrorIs(t, err, ErrNoDriver)

	registry.Put(1, &fakeChatClient{state: driver.StateOpening})
	_, err = engine.ScrapeContacts(ctx, 1, group.ID)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDeadSessionTriggersInvalidation(t *testing.T) {
	a := newTestApp(t)
	registry := session.NewRegistry()
	invalidator := &fakeInvalidator{}
	engine := NewEngine(a, registry, invalidator)

	registry.Put(9, &fakeChatClient{stateErr: driver.ErrSessionClosed})
	_, err := engine.GetLiveGroups(context.Background(), 9)
	assert.Error(t, err)
	assert.Equal(t, []int64{9}, invalidator.calls)
}

func TestDeleteGroupCascadesAndKeepsSharedContacts(t *testing.T) {
	a := newTestApp(t)
	registry := session.NewRegistry()
	engine := NewEngine(a, registry, &fakeInvalidator{})
	ctx := context.Background()

	g1, err := engine.SaveGroup(ctx, 1, groupChat("g4@g.us", "Doomed"))
	require.NoError(t, err)
	g2, err := engine.SaveGroup(ctx, 1, groupChat("g5@g.us", "Survivor"))
	require.NoError(t, err)

	cli := &fakeChatClient{
		state: driver.StateConnected,
		byID: map[string]*driver.Chat{
			"g4@g.us": groupChat("g4@g.us", "Doomed",
				driver.Participant{Phone: "62810", Name: "Only"},
				driver.Participant{Phone: "62811", Name: "Shared"},
			),
			"g5@g.us": groupChat("g5@g.us", "Survivor",
				driver.Participant{Phone: "62811", Name: "Shared"},
			),
		},
	}
	registry.Put(1, cli)
	_, err = engine.ScrapeContacts(ctx, 1, g1.ID)
	require.NoError(t, err)
	_, err = engine.ScrapeContacts(ctx, 1, g2.ID)
	require.NoError(t, err)

	require.NoError(t, engine.DeleteGroup(ctx, g1.ID))

	var groupCount, membershipCount, accountJoinCount int64
	a.DB().Model(&domain.Group{}).Where("id = ?", g1.ID).Count(&groupCount)
	a.DB().Model(&domain.GroupContact{}).Where("group_id = ?", g1.ID).Count(&membershipCount)
	a.DB().Model(&domain.GroupAccount{}).Where("group_id = ?", g1.ID).Count(&accountJoinCount)
	assert.Zero(t, groupCount)
	assert.Zero(t, membershipCount)
	assert.Zero(t, accountJoinCount)

	// The exclusive contact is purged, the shared one survives.
	var phones []string
	a.DB().Model(&domain.Contact{}).Order("phone").Pluck("phone", &phones)
	assert.Equal(t, []string{"62811"}, phones)
}
