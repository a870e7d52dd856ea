package driver

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waTypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// WhatsmeowFactory builds production drivers backed by whatsmeow, one
// sqlite-backed credential store per account session directory.
type WhatsmeowFactory struct{}

func NewWhatsmeowFactory() *WhatsmeowFactory {
	return &WhatsmeowFactory{}
}

func (f *WhatsmeowFactory) New(accountID int64, sessionDir string) (Client, error) {
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "driver: create session dir")
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(sessionDir, "session.db"))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "driver: open session store")
	}
	container := sqlstore.NewWithDB(db, "sqlite3", nil)
	if err := container.Upgrade(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "driver: upgrade session store")
	}
	device, err := container.GetFirstDevice()
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "driver: load device")
	}
	return &whatsmeowClient{
		accountID: accountID,
		db:        db,
		store:     container,
		cli:       whatsmeow.NewClient(device, nil),
	}, nil
}

type whatsmeowClient struct {
	accountID int64
	db        *sql.DB
	store     *sqlstore.Container
	cli       *whatsmeow.Client

	mu        sync.RWMutex
	handlers  []EventHandler
	destroyed bool
}

func (c *whatsmeowClient) AddEventHandler(h EventHandler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

func (c *whatsmeowClient) emit(evt interface{}) {
	c.mu.RLock()
	handlers := c.handlers
	c.mu.RUnlock()
	for _, h := range handlers {
		h(evt)
	}
}

func (c *whatsmeowClient) Start(ctx context.Context) error {
	c.cli.AddEventHandler(c.translate)
	if err := c.cli.Connect(); err != nil {
		return errors.Wrap(err, "driver: connect")
	}
	return nil
}

// translate maps whatsmeow events onto the orchestrator's driver event set.
func (c *whatsmeowClient) translate(raw interface{}) {
	switch evt := raw.(type) {
	case *events.QR:
		if len(evt.Codes) > 0 {
			// whatsmeow rotates through the remaining codes itself;
			// surface only the currently scannable one.
			c.emit(QREvent{Code: evt.Codes[0], IssuedAt: time.Now()})
		}
	case *events.PairSuccess:
		c.emit(AuthenticatedEvent{})
	case *events.PairError:
		c.emit(AuthFailureEvent{Message: evt.Error.Error()})
	case *events.Connected:
		c.emit(ReadyEvent{})
	case *events.LoggedOut:
		c.emit(DisconnectedEvent{Reason: fmt.Sprintf("logged out (%s)", evt.Reason)})
	case *events.StreamReplaced:
		c.emit(DisconnectedEvent{Reason: "stream replaced by another session"})
	case *events.Disconnected:
		c.emit(DisconnectedEvent{Reason: "transport closed"})
	case *events.Receipt:
		level := AckDevice
		if evt.Type == waTypes.ReceiptTypeRead {
			level = AckRead
		}
		for _, id := range evt.MessageIDs {
			c.emit(AckEvent{RemoteID: id, Level: level})
		}
	case *events.Message:
		body := evt.Message.GetConversation()
		if body == "" {
			body = evt.Message.GetExtendedTextMessage().GetText()
		}
		if body != "" {
			c.emit(InboundMessageEvent{
				From:      evt.Info.Sender.String(),
				Body:      body,
				Timestamp: evt.Info.Timestamp,
			})
		}
	default:
		zap.L().Debug("driver: unhandled whatsmeow event",
			zap.Int64("account_id", c.accountID),
			zap.String("type", fmt.Sprintf("%T", raw)))
	}
}

func (c *whatsmeowClient) GetState(ctx context.Context) (State, error) {
	if c.isDestroyed() {
		return StateTimeout, ErrSessionClosed
	}
	if c.cli.IsConnected() {
		return StateConnected, nil
	}
	if c.cli.Store.ID == nil {
		return StateUnpaired, nil
	}
	return StateOpening, nil
}

func (c *whatsmeowClient) Info() *Identity {
	jid := c.cli.Store.ID
	if jid == nil {
		return nil
	}
	return &Identity{Phone: jid.User, PushName: c.cli.Store.PushName}
}

func (c *whatsmeowClient) ReadIdentitySource(ctx context.Context, src FallbackSource) (*Identity, error) {
	if c.isDestroyed() {
		return nil, ErrSessionClosed
	}
	switch src {
	case SourceSession:
		return c.Info(), nil
	case SourceConnection:
		if !c.cli.IsLoggedIn() {
			return nil, nil
		}
		return c.Info(), nil
	case SourceStorage:
		device, err := c.store.GetFirstDevice()
		if err != nil {
			return nil, errors.Wrap(err, "driver: storage scan")
		}
		if device == nil || device.ID == nil {
			return nil, nil
		}
		return &Identity{Phone: device.ID.User, PushName: device.PushName}, nil
	default:
		return nil, errors.Errorf("driver: unknown identity source %q", src)
	}
}

func (c *whatsmeowClient) GetChats(ctx context.Context) ([]Chat, error) {
	if c.isDestroyed() {
		return nil, ErrSessionClosed
	}
	groups, err := c.cli.GetJoinedGroups()
	if err != nil {
		return nil, errors.Wrap(err, "driver: get chats")
	}
	chats := make([]Chat, 0, len(groups))
	for _, g := range groups {
		chats = append(chats, groupToChat(g, c.cli.Store.ID))
	}
	return chats, nil
}

func (c *whatsmeowClient) GetChatByID(ctx context.Context, remoteID string) (*Chat, error) {
	if c.isDestroyed() {
		return nil, ErrSessionClosed
	}
	jid, err := waTypes.ParseJID(remoteID)
	if err != nil {
		return nil, errors.Wrapf(err, "driver: invalid chat id %q", remoteID)
	}
	info, err := c.cli.GetGroupInfo(jid)
	if err != nil {
		return nil, errors.Wrap(err, "driver: get chat")
	}
	chat := groupToChat(info, c.cli.Store.ID)
	return &chat, nil
}

func (c *whatsmeowClient) SendMessage(ctx context.Context, target string, content string, opts SendOptions) (*SendResult, error) {
	if c.isDestroyed() {
		return nil, ErrSessionClosed
	}
	jid, err := waTypes.ParseJID(target)
	if err != nil {
		return nil, errors.Wrapf(err, "driver: invalid target %q", target)
	}
	resp, err := c.cli.SendMessage(ctx, jid, &waProto.Message{Conversation: proto.String(content)})
	if err != nil {
		return nil, errors.Wrap(err, "driver: send message")
	}
	return &SendResult{RemoteID: string(resp.ID), Timestamp: resp.Timestamp}, nil
}

func (c *whatsmeowClient) Logout(ctx context.Context) error {
	if c.isDestroyed() {
		return ErrSessionClosed
	}
	return c.cli.Logout()
}

func (c *whatsmeowClient) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	c.mu.Unlock()

	c.cli.Disconnect()
	if err := c.db.Close(); err != nil {
		zap.L().Warn("driver: close session store failed",
			zap.Int64("account_id", c.accountID), zap.Error(err))
	}
	return nil
}

func (c *whatsmeowClient) isDestroyed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.destroyed
}

func groupToChat(g *waTypes.GroupInfo, self *waTypes.JID) Chat {
	chat := Chat{
		RemoteID:    g.JID.String(),
		Name:        g.Name,
		Description: g.Topic,
		IsGroup:     true,
		IsReadOnly:  g.IsAnnounce,
		MemberCount: len(g.Participants),
	}
	for _, p := range g.Participants {
		chat.Participants = append(chat.Participants, Participant{
			Phone:        p.JID.User,
			IsAdmin:      p.IsAdmin,
			IsSuperAdmin: p.IsSuperAdmin,
		})
		if self != nil && p.JID.User == self.User {
			chat.SelfIsAdmin = p.IsAdmin
			chat.SelfIsSuperAdmin = p.IsSuperAdmin
		}
	}
	return chat
}
