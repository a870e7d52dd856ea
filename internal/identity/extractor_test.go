package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkhub/wahub/config"
	"github.com/talkhub/wahub/internal/app"
	"github.com/talkhub/wahub/internal/broadcast"
	"github.com/talkhub/wahub/internal/domain"
	"github.com/talkhub/wahub/internal/driver"
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

type fakeDriver struct {
	driver.Client

	mu      sync.Mutex
	info    *driver.Identity
	state   driver.State
	sources map[driver.FallbackSource]*driver.Identity
}

func (f *fakeDriver) Info() *driver.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info
}

func (f *fakeDriver) GetState(ctx context.Context) (driver.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeDriver) ReadIdentitySource(ctx context.Context, src driver.FallbackSource) (*driver.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sources[src], nil
}

func seedAccount(t *testing.T, a *app.Application, account *domain.Account) {
	t.Helper()
	require.NoError(t, a.DB().Create(account).Error)
}

func TestExtractWithRetryDirectRead(t *testing.T) {
	a := newTestApp(t)
	events := broadcast.New(a.Bus())
	e := NewExtractor(a, events)

	account := &domain.Account{ID: 100, Name: "alpha", Status: domain.AccountStatusAuthenticating}
	seedAccount(t, a, account)

	var detected []broadcast.PhonePayload
	require.NoError(t, events.Subscribe(100, broadcast.EventPhoneDetected, func(p broadcast.PhonePayload) {
		detected = append(detected, p)
	}))

	drv := &fakeDriver{info: &driver.Identity{Phone: "628111", PushName: "Alpha"}}
	id, ok := e.ExtractWithRetry(context.Background(), drv, 100, 3)
	require.True(t, ok)
	assert.Equal(t, "628111", id.Phone)

	var saved domain.Account
	require.NoError(t, a.DB().First(&saved, 100).Error)
	assert.Equal(t, "628111", saved.Phone)
	assert.Equal(t, "Alpha", saved.PushName)
	assert.Equal(t, domain.AccountStatusActive, saved.Status)
	assert.NotNil(t, saved.LastConnectedAt)

	require.Len(t, detected, 1)
	assert.Equal(t, "628111", detected[0].PhoneNumber)
}

func TestExtractWithRetryFallbackSource(t *testing.T) {
	a := newTestApp(t)
	e := NewExtractor(a, broadcast.New(a.Bus()))
	seedAccount(t, a, &domain.Account{ID: 101, Name: "beta", Status: domain.AccountStatusAuthenticating})

	// Direct read empty, but the connection-level source knows the identity.
	drv := &fakeDriver{
		state: driver.StateConnected,
		sources: map[driver.FallbackSource]*driver.Identity{
			driver.SourceConnection: {Phone: "628222"},
		},
	}
	id, ok := e.ExtractWithRetry(context.Background(), drv, 101, 3)
	require.True(t, ok)
	assert.Equal(t, "628222", id.Phone)
}

func TestExtractWithRetryExhaustion(t *testing.T) {
	a := newTestApp(t)
	e := NewExtractor(a, broadcast.New(a.Bus()))
	seedAccount(t, a, &domain.Account{ID: 102, Name: "gamma", Status: domain.AccountStatusAuthenticating})

	drv := &fakeDriver{state: driver.StateOpening}
	id, ok := e.ExtractWithRetry(context.Background(), drv, 102, 2)
	assert.False(t, ok)
	assert.Nil(t, id)

	// Exhaustion leaves the account untouched; the caller decides what next.
	var saved domain.Account
	require.NoError(t, a.DB().First(&saved, 102).Error)
	assert.Equal(t, domain.AccountStatusAuthenticating, saved.Status)
	assert.Empty(t, saved.Phone)
}

func TestExtractDiscardsResultAfterTeardown(t *testing.T) {
	a := newTestApp(t)
	events := broadcast.New(a.Bus())
	e := NewExtractor(a, events)
	// Teardown already persisted inactive; the driver object still answers
	// identity reads from memory.
	seedAccount(t, a, &domain.Account{ID: 104, Name: "epsilon", Status: domain.AccountStatusInactive})

	var detected int
	require.NoError(t, events.Subscribe(104, broadcast.EventPhoneDetected, func(p broadcast.PhonePayload) {
		detected++
	}))

	drv := &fakeDriver{info: &driver.Identity{Phone: "628444"}}
	id, ok := e.ExtractWithRetry(context.Background(), drv, 104, 2)
	assert.False(t, ok)
	assert.Nil(t, id)
	assert.Zero(t, detected)

	var saved domain.Account
	require.NoError(t, a.DB().First(&saved, 104).Error)
	assert.Equal(t, domain.AccountStatusInactive, saved.Status, "a late extraction must not revive a dead session")
	assert.Empty(t, saved.Phone)
}

func TestExtractIdempotentOnSamePhone(t *testing.T) {
	a := newTestApp(t)
	events := broadcast.New(a.Bus())
	e := NewExtractor(a, events)
	seedAccount(t, a, &domain.Account{ID: 103, Name: "delta", Status: domain.AccountStatusAuthenticating})

	var detected int
	require.NoError(t, events.Subscribe(103, broadcast.EventPhoneDetected, func(p broadcast.PhonePayload) {
		detected++
	}))

	drv := &fakeDriver{info: &driver.Identity{Phone: "628333"}}
	_, ok := e.ExtractWithRetry(context.Background(), drv, 103, 2)
	require.True(t, ok)
	_, ok = e.ExtractWithRetry(context.Background(), drv, 103, 2)
	require.True(t, ok)

	assert.Equal(t, 1, detected, "re-extracting the same phone must not re-announce it")
	assert.True(t, e.Resolved(context.Background(), 103))
}
