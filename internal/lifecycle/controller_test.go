package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkhub/wahub/config"
	"github.com/talkhub/wahub/internal/app"
	"github.com/talkhub/wahub/internal/broadcast"
	"github.com/talkhub/wahub/internal/domain"
	"github.com/talkhub/wahub/internal/driver"
	"github.com/talkhub/wahub/internal/identity"
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

type fakeClient struct {
	mu        sync.Mutex
	handler   driver.EventHandler
	info      *driver.Identity
	state     driver.State
	startErr  error
	started   bool
	destroyed bool
	loggedOut bool
}

func (f *fakeClient) AddEventHandler(h driver.EventHandler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeClient) emit(evt interface{}) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(evt)
	}
}

func (f *fakeClient) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeClient) GetState(ctx context.Context) (driver.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeClient) Info() *driver.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info
}

func (f *fakeClient) ReadIdentitySource(ctx context.Context, src driver.FallbackSource) (*driver.Identity, error) {
	return nil, nil
}

func (f *fakeClient) GetChats(ctx context.Context) ([]driver.Chat, error) { return nil, nil }

func (f *fakeClient) GetChatByID(ctx context.Context, remoteID string) (*driver.Chat, error) {
	return nil, nil
}

func (f *fakeClient) SendMessage(ctx context.Context, target, content string, opts driver.SendOptions) (*driver.SendResult, error) {
	return &driver.SendResult{RemoteID: "fake"}, nil
}

func (f *fakeClient) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = true
	return nil
}

func (f *fakeClient) Destroy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
	return nil
}

func (f *fakeClient) isDestroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

type fakeFactory struct {
	mu         sync.Mutex
	built      []*fakeClient
	nextErr    error
	buildDelay time.Duration
}

func (f *fakeFactory) New(accountID int64, sessionDir string) (driver.Client, error) {
	if f.buildDelay > 0 {
		time.Sleep(f.buildDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextErr != nil {
		return nil, f.nextErr
	}
	cli := &fakeClient{state: driver.StateConnected}
	f.built = append(f.built, cli)
	return cli, nil
}

func (f *fakeFactory) builtClients() []*fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeClient(nil), f.built...)
}

func (f *fakeFactory) last() *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.built) == 0 {
		return nil
	}
	return f.built[len(f.built)-1]
}

type fakePoller struct {
	mu      sync.Mutex
	started []int64
	stopped []int64
}

func (p *fakePoller) StartFastPoll(accountID int64) {
	p.mu.Lock()
	p.started = append(p.started, accountID)
	p.mu.Unlock()
}

func (p *fakePoller) StopFastPoll(accountID int64) {
	p.mu.Lock()
	p.stopped = append(p.stopped, accountID)
	p.mu.Unlock()
}

func (p *fakePoller) startedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.started)
}

type fixture struct {
	app        *app.Application
	events     *broadcast.Broadcaster
	registry   *session.Registry
	factory    *fakeFactory
	poller     *fakePoller
	controller *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	a := newTestApp(t)
	events := broadcast.New(a.Bus())
	registry := session.NewRegistry()
	timers := session.NewTimerRegistry()
	factory := &fakeFactory{}
	poller := &fakePoller{}
	extractor := identity.NewExtractor(a, events)
	ctl := NewController(a, registry, timers, factory, events, extractor, poller)
	return &fixture{app: a, events: events, registry: registry, factory: factory, poller: poller, controller: ctl}
}

func (fx *fixture) seed(t *testing.T, account *domain.Account) {
	t.Helper()
	require.NoError(t, fx.app.DB().Create(account).Error)
}

// account reloads the row; safe to call from Eventually conditions.
func (fx *fixture) account(t *testing.T, id int64) domain.Account {
	t.Helper()
	var account domain.Account
	_ = fx.app.DB().First(&account, id).Error
	return account
}

func TestInitializeStartsDriver(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, &domain.Account{ID: 1, Name: "one", Status: domain.AccountStatusInactive})

	require.NoError(t, fx.controller.Initialize(context.Background(), 1))

	cli := fx.factory.last()
	require.NotNil(t, cli)
	assert.True(t, cli.started)
	assert.Equal(t, cli, fx.registry.Get(1))

	saved := fx.account(t, 1)
	assert.Contains(t, saved.SessionDir, "account_1")
}

func TestInitializeUnknownAccount(t *testing.T) {
	fx := newFixture(t)
	assert.Error(t, fx.controller.Initialize(context.Background(), 42))
}

func TestReinitializeDestroysOldDriverFirst(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, &domain.Account{ID: 2, Name: "two", Status: domain.AccountStatusInactive})

	require.NoError(t, fx.controller.Initialize(context.Background(), 2))
	old := fx.factory.last()

	require.NoError(t, fx.controller.Initialize(context.Background(), 2))
	fresh := fx.factory.last()

	assert.True(t, old.isDestroyed(), "previous driver must be destroyed on re-init")
	assert.NotEqual(t, old, fresh)
	assert.Equal(t, fresh, fx.registry.Get(2), "registry must hold exactly the new handle")
}

func TestConcurrentInitializeKeepsSingleDriver(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, &domain.Account{ID: 9, Name: "nine", Status: domain.AccountStatusInactive})
	// Shorten the re-init settling delay before the settings cache loads.
	require.NoError(t, fx.app.DB().Model(&domain.SysConfig{}).
		Where("type = ? AND name = ?", "lifecycle", "reinit_settle_ms").
		Update("value", "1").Error)
	fx.factory.buildDelay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = fx.controller.Initialize(context.Background(), 9)
		}()
	}
	wg.Wait()

	built := fx.factory.builtClients()
	require.Len(t, built, 4)

	live := 0
	for _, cli := range built {
		if !cli.isDestroyed() {
			live++
			assert.Equal(t, cli, fx.registry.Get(9), "the surviving driver must be the registered one")
		}
	}
	assert.Equal(t, 1, live, "every superseded driver must be destroyed")
}

func TestQRAuthenticatedReadyFlow(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, &domain.Account{ID: 3, Name: "three", Status: domain.AccountStatusInactive})

	var phoneEvents []broadcast.PhonePayload
	var mu sync.Mutex
	require.NoError(t, fx.events.Subscribe(3, broadcast.EventPhoneDetected, func(p broadcast.PhonePayload) {
		mu.Lock()
		phoneEvents = append(phoneEvents, p)
		mu.Unlock()
	}))

	require.NoError(t, fx.controller.Initialize(context.Background(), 3))
	cli := fx.factory.last()

	cli.emit(driver.QREvent{Code: "qr-one", IssuedAt: time.Now()})
	require.Eventually(t, func() bool {
		return fx.account(t, 3).Status == domain.AccountStatusWarming
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "qr-one", fx.account(t, 3).QRCode)

	cli.emit(driver.AuthenticatedEvent{})
	require.Eventually(t, func() bool {
		return fx.account(t, 3).Status == domain.AccountStatusAuthenticating
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, fx.poller.startedCount())
	assert.Empty(t, fx.account(t, 3).QRCode, "stored QR must be cleared once scanned")

	// Identity becomes readable once the driver is ready.
	cli.mu.Lock()
	cli.info = &driver.Identity{Phone: "628999", PushName: "Three"}
	cli.mu.Unlock()

	cli.emit(driver.ReadyEvent{})
	require.Eventually(t, func() bool {
		return fx.account(t, 3).Status == domain.AccountStatusActive
	}, 5*time.Second, 20*time.Millisecond)

	saved := fx.account(t, 3)
	assert.Equal(t, "628999", saved.Phone)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, phoneEvents, 1, "exactly one phone:detected for one resolution")
}

func TestAuthFailureMarksInactive(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, &domain.Account{ID: 4, Name: "four", Status: domain.AccountStatusInactive})

	require.NoError(t, fx.controller.Initialize(context.Background(), 4))
	fx.factory.last().emit(driver.AuthFailureEvent{Message: "pairing rejected"})

	require.Eventually(t, func() bool {
		saved := fx.account(t, 4)
		return saved.Status == domain.AccountStatusInactive &&
			strings.Contains(saved.Notes, "pairing rejected")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDisconnectedEventTearsDown(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, &domain.Account{ID: 5, Name: "five", Status: domain.AccountStatusInactive})

	require.NoError(t, fx.controller.Initialize(context.Background(), 5))
	cli := fx.factory.last()
	cli.emit(driver.DisconnectedEvent{Reason: "logged out"})

	require.Eventually(t, func() bool {
		return fx.registry.Get(5) == nil && cli.isDestroyed()
	}, 2*time.Second, 20*time.Millisecond)

	saved := fx.account(t, 5)
	assert.Equal(t, domain.AccountStatusInactive, saved.Status)
	assert.NotNil(t, saved.LastDisconnectedAt)
}

func TestDisconnectRequestLogsOutAndDestroys(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, &domain.Account{ID: 6, Name: "six", Status: domain.AccountStatusActive})

	require.NoError(t, fx.controller.Initialize(context.Background(), 6))
	cli := fx.factory.last()

	require.NoError(t, fx.controller.Disconnect(context.Background(), 6))
	assert.True(t, cli.loggedOut)
	assert.True(t, cli.isDestroyed())
	assert.Nil(t, fx.registry.Get(6))
	assert.Equal(t, domain.AccountStatusInactive, fx.account(t, 6).Status)
}

func TestRecoverSessionsSkipsMissingStorage(t *testing.T) {
	fx := newFixture(t)
	fx.seed(t, &domain.Account{
		ID:         7,
		Name:       "seven",
		Status:     domain.AccountStatusActive,
		SessionDir: "/nonexistent/wahub-test/account_7",
	})

	fx.controller.RecoverSessions(context.Background())

	saved := fx.account(t, 7)
	assert.Equal(t, domain.AccountStatusInactive, saved.Status)
	assert.Contains(t, saved.Notes, "session storage missing")
	assert.Nil(t, fx.registry.Get(7))
}

func TestRecoverSessionsRestartsExisting(t *testing.T) {
	fx := newFixture(t)
	dir := t.TempDir()
	fx.seed(t, &domain.Account{ID: 8, Name: "eight", Status: domain.AccountStatusActive, SessionDir: dir})

	fx.controller.RecoverSessions(context.Background())

	assert.NotNil(t, fx.registry.Get(8))
	assert.True(t, fx.factory.last().started)
}
