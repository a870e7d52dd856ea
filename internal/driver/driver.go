// Package driver defines the contract between the orchestrator and the
// per-account automation client that talks to the remote messaging platform.
// The orchestrator never assumes anything about the client beyond this
// surface: lifecycle events, a small command set, and a readable identity.
package driver

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// State is the driver transport state as reported by GetState.
type State string

const (
	StateConnected State = "CONNECTED"
	StateOpening   State = "OPENING"
	StateUnpaired  State = "UNPAIRED"
	StateTimeout   State = "TIMEOUT"
)

// Identity is the durable phone number plus display name resolved from a
// connected driver; the signal that a session is fully usable.
type Identity struct {
	Phone    string
	PushName string
}

// Valid reports whether the identity is well-formed.
func (id *Identity) Valid() bool {
	return id != nil && id.Phone != ""
}

// FallbackSource names a lower-level in-page data source the driver exposes
// for identity extraction when the primary Info read is not yet populated.
// The relative reliability of these sources is undocumented upstream, so the
// probe order is configuration, not a constant.
type FallbackSource string

const (
	SourceSession    FallbackSource = "session"
	SourceConnection FallbackSource = "connection"
	SourceStorage    FallbackSource = "storage"
)

// Participant is one member of a remote group roster.
type Participant struct {
	Phone        string
	Name         string
	IsAdmin      bool
	IsSuperAdmin bool
}

// Chat is a remote chat as reported by the driver. Group chats carry the
// participant roster; direct chats do not.
type Chat struct {
	RemoteID     string
	Name         string
	Description  string
	IsGroup      bool
	IsReadOnly   bool
	MemberCount  int
	Participants []Participant
	// SelfIsAdmin / SelfIsSuperAdmin describe the driver account's own role.
	SelfIsAdmin      bool
	SelfIsSuperAdmin bool
}

// SendOptions are per-message dispatch options.
type SendOptions struct {
	LinkPreview bool
}

// SendResult carries the driver-assigned message identifier used to match
// later ack events.
type SendResult struct {
	RemoteID  string
	Timestamp time.Time
}

// AckLevel is the delivery confirmation level carried by AckEvent.
type AckLevel int

const (
	AckServer AckLevel = iota + 1 // accepted by the platform
	AckDevice                     // delivered to the recipient device
	AckRead                       // read by the recipient
)

// Lifecycle events emitted by a driver. Handlers receive them as
// interface{} values in emission order for a given driver.
type (
	// QREvent is emitted whenever the driver rotates the pairing QR code.
	QREvent struct {
		Code     string
		IssuedAt time.Time
	}
	// AuthenticatedEvent signals the scanned credential was accepted.
	// The identity may not be populated yet at this point.
	AuthenticatedEvent struct{}
	// ReadyEvent signals the driver finished loading and is usable.
	ReadyEvent struct{}
	// AuthFailureEvent signals an explicit authentication rejection.
	AuthFailureEvent struct {
		Message string
	}
	// DisconnectedEvent signals the session ended, voluntarily or not.
	DisconnectedEvent struct {
		Reason string
	}
	// LoadingScreenEvent reports remote page load progress.
	LoadingScreenEvent struct {
		Percent int
		Message string
	}
	// InboundMessageEvent is an incoming message; the orchestrator only
	// forwards it to observers.
	InboundMessageEvent struct {
		From      string
		Body      string
		Timestamp time.Time
	}
	// AckEvent reports a delivery/read confirmation for an outbound message.
	AckEvent struct {
		RemoteID string
		Level    AckLevel
	}
)

// EventHandler receives driver lifecycle events.
type EventHandler func(evt interface{})

// Client is one live automation driver bound to one account's session
// storage. All methods other than AddEventHandler may be called from any
// goroutine; a Client becomes permanently unusable once destroyed or once
// its execution context detaches.
type Client interface {
	// AddEventHandler registers a handler. Must be called before Start so
	// no lifecycle event is missed.
	AddEventHandler(h EventHandler)
	// Start begins the session (pairing or resuming from session storage).
	Start(ctx context.Context) error
	// GetState reports the current transport state.
	GetState(ctx context.Context) (State, error)
	// Info returns the in-memory identity object, which the driver
	// populates asynchronously; nil or incomplete until then.
	Info() *Identity
	// ReadIdentitySource reads identity from a lower-level in-page data
	// source; used only as an extraction fallback.
	ReadIdentitySource(ctx context.Context, src FallbackSource) (*Identity, error)
	// GetChats lists all chats known to the driver.
	GetChats(ctx context.Context) ([]Chat, error)
	// GetChatByID fetches a single chat by its remote identifier.
	GetChatByID(ctx context.Context, remoteID string) (*Chat, error)
	// SendMessage dispatches an outbound message to a driver-level address.
	SendMessage(ctx context.Context, target string, content string, opts SendOptions) (*SendResult, error)
	// Logout cleanly terminates the remote session.
	Logout(ctx context.Context) error
	// Destroy releases the driver and its underlying resources. Idempotent.
	Destroy(ctx context.Context) error
}

// Factory constructs a fresh Client bound to the given session storage
// location. The orchestrator owns the storage path resolution.
type Factory interface {
	New(accountID int64, sessionDir string) (Client, error)
}

// ErrSessionClosed marks a driver handle whose underlying execution context
// died; the handle is permanently unusable and the session must be torn down.
var ErrSessionClosed = errors.New("driver: session closed")

// IsSessionInvalid reports whether err indicates a dead execution context
// rather than a transient command failure.
func IsSessionInvalid(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "detached execution context") ||
		strings.Contains(msg, "execution context was destroyed") ||
		strings.Contains(msg, "session closed")
}
