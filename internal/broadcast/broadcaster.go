// Package broadcast fans session and lifecycle events out to observers,
// scoped per account: each (account, event) pair is one bus topic so a
// consumer can subscribe to exactly the accounts it cares about.
package broadcast

import (
	"fmt"
	"time"

	"github.com/asaskevich/EventBus"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// Event names emitted to subscribers.
const (
	EventQRCode          = "qr:code"
	EventStatusUpdate    = "status:update"
	EventConnectionState = "connection:state"
	EventPhoneDetected   = "phone:detected"
	EventError           = "error"

	// internal topic used to route driver acks to the dispatcher
	TopicMessageAck = "message:ack"
)

// QRCodePayload carries a freshly rotated pairing code.
type QRCodePayload struct {
	AccountID int64     `json:"accountId,string"`
	QRCode    string    `json:"qrCode"`
	ExpiresIn int       `json:"expiresIn"` // seconds
	Timestamp time.Time `json:"timestamp"`
}

// StatusPayload reports an account lifecycle status change.
type StatusPayload struct {
	AccountID int64                  `json:"accountId,string"`
	Status    string                 `json:"status"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// ConnectionPayload reports a driver transport state change.
type ConnectionPayload struct {
	AccountID int64  `json:"accountId,string"`
	State     string `json:"state"`
	Details   string `json:"details,omitempty"`
}

// PhonePayload reports a resolved durable identity.
type PhonePayload struct {
	AccountID   int64  `json:"accountId,string"`
	PhoneNumber string `json:"phoneNumber"`
	PushName    string `json:"pushName,omitempty"`
}

// ErrorPayload carries enough structure for the consumer to render a
// recovery affordance; Action is a hint such as "update phone manually".
type ErrorPayload struct {
	AccountID int64  `json:"accountId,string"`
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Action    string `json:"action,omitempty"`
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Broadcaster publishes account-scoped events on the shared bus.
type Broadcaster struct {
	bus EventBus.Bus
}

func New(bus EventBus.Bus) *Broadcaster {
	return &Broadcaster{bus: bus}
}

// Topic builds the bus topic for one account and event name.
func Topic(accountID int64, event string) string {
	return fmt.Sprintf("account:%d:%s", accountID, event)
}

// Subscribe registers an observer for one event of one account.
func (b *Broadcaster) Subscribe(accountID int64, event string, fn interface{}) error {
	return b.bus.Subscribe(Topic(accountID, event), fn)
}

// Unsubscribe removes a previously registered observer.
func (b *Broadcaster) Unsubscribe(accountID int64, event string, fn interface{}) error {
	return b.bus.Unsubscribe(Topic(accountID, event), fn)
}

func (b *Broadcaster) publish(accountID int64, event string, payload interface{}) {
	b.bus.Publish(Topic(accountID, event), payload)
	if zap.L().Core().Enabled(zap.DebugLevel) {
		if data, err := json.Marshal(payload); err == nil {
			zap.L().Debug("broadcast", zap.String("event", event), zap.ByteString("payload", data))
		}
	}
}

func (b *Broadcaster) QRCode(accountID int64, code string, expiresIn int) {
	b.publish(accountID, EventQRCode, QRCodePayload{
		AccountID: accountID,
		QRCode:    code,
		ExpiresIn: expiresIn,
		Timestamp: time.Now(),
	})
}

func (b *Broadcaster) StatusUpdate(accountID int64, status string, data map[string]interface{}) {
	b.publish(accountID, EventStatusUpdate, StatusPayload{AccountID: accountID, Status: status, Data: data})
}

func (b *Broadcaster) ConnectionState(accountID int64, state, details string) {
	b.publish(accountID, EventConnectionState, ConnectionPayload{AccountID: accountID, State: state, Details: details})
}

func (b *Broadcaster) PhoneDetected(accountID int64, phone, pushName string) {
	b.publish(accountID, EventPhoneDetected, PhonePayload{AccountID: accountID, PhoneNumber: phone, PushName: pushName})
}

func (b *Broadcaster) Error(accountID int64, errText, details, action string) {
	b.publish(accountID, EventError, ErrorPayload{AccountID: accountID, Error: errText, Details: details, Action: action})
}

// MessageAck forwards a driver delivery/read confirmation to the process-wide
// ack topic consumed by the message dispatcher.
func (b *Broadcaster) MessageAck(accountID int64, remoteID string, level int) {
	b.bus.Publish(TopicMessageAck, accountID, remoteID, level)
}

// SubscribeMessageAck registers the dispatcher-side ack consumer.
func (b *Broadcaster) SubscribeMessageAck(fn func(accountID int64, remoteID string, level int)) error {
	return b.bus.Subscribe(TopicMessageAck, fn)
}
