package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

type EventType string

const (
	EventListItemAdded         EventType = "list-item-added"
	EventListItemUpdated       EventType = "list-item-updated"
	EventListItemDeleted       EventType = "list-item-deleted"
	EventListMetadataUpdated   EventType = "list-metadata-updated"
	EventClaimCreated          EventType = "claim-created"
	EventClaimRemoved          EventType = "claim-removed"
	EventFriendRequestReceived EventType = "friend-request-received"
	EventFriendAccepted        EventType = "friend-accepted"
	EventConnectionAck         EventType = "connection-ack"
	EventHeartbeatReply        EventType = "heartbeat-reply"
	EventError                 EventType = "error"
)

// Scope says how an event type is routed.
type Scope int

const (
	ScopeConnection Scope = iota // reply to one connection only
	ScopeList
	ScopeUser
)

func (t EventType) Scope() Scope {
	switch t {
	case EventListItemAdded, EventListItemUpdated, EventListItemDeleted,
		EventListMetadataUpdated, EventClaimCreated, EventClaimRemoved:
		return ScopeList
	case EventFriendRequestReceived, EventFriendAccepted:
		return ScopeUser
	default:
		return ScopeConnection
	}
}

func (t EventType) Valid() bool {
	switch t {
	case EventListItemAdded, EventListItemUpdated, EventListItemDeleted,
		EventListMetadataUpdated, EventClaimCreated, EventClaimRemoved,
		EventFriendRequestReceived, EventFriendAccepted,
		EventConnectionAck, EventHeartbeatReply, EventError:
		return true
	}
	return false
}

// Payload is the type-specific body of an Event. The set of implementations
// is closed; each one is bound to exactly one EventType.
type Payload interface {
	EventType() EventType
	validate() error
}

// ListPayload is carried by list-scoped events.
type ListPayload interface {
	Payload
	ListKey() string
	withListID(listID string) ListPayload
}

// UserPayload is carried by user-scoped notification events.
type UserPayload interface {
	Payload
	UserKey() string
	withUserID(userID string) UserPayload
}

type Claim struct {
	ID        string    `json:"id"`
	ItemID    string    `json:"itemId"`
	UserID    string    `json:"userId"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"createdAt"`
}

type Item struct {
	ID       string   `json:"id"`
	ListID   string   `json:"listId"`
	Name     string   `json:"name"`
	URL      string   `json:"url,omitempty"`
	Price    *float64 `json:"price,omitempty"`
	Currency string   `json:"currency,omitempty"`
	Priority int      `json:"priority,omitempty"`
	Quantity int      `json:"quantity"`
	Claims   []Claim  `json:"claims"`
}

// Clone returns a copy that shares no slices with i.
func (i Item) Clone() Item {
	out := i
	if i.Price != nil {
		price := *i.Price
		out.Price = &price
	}
	out.Claims = slices.Clone(i.Claims)
	return out
}

type ItemAdded struct {
	ListID string `json:"listId"`
	Item   Item   `json:"item"`
}

type ItemUpdated struct {
	ListID string `json:"listId"`
	ItemID string `json:"itemId"`
}

type ItemDeleted struct {
	ListID string `json:"listId"`
	ItemID string `json:"itemId"`
}

type ListMetadataUpdated struct {
	ListID string `json:"listId"`
}

type ClaimCreated struct {
	ListID string `json:"listId"`
	ItemID string `json:"itemId"`
	Claim  Claim  `json:"claim"`
}

type ClaimRemoved struct {
	ListID string `json:"listId"`
	ItemID string `json:"itemId"`
	UserID string `json:"userId"`
}

// FriendRequestReceived is delivered to the recipient's user room.
type FriendRequestReceived struct {
	UserID      string `json:"userId"`
	RequestID   string `json:"requestId"`
	RequesterID string `json:"requesterId"`
}

// FriendAccepted is delivered to each side of the new friendship; UserID is
// the recipient of this copy and FriendID the other party.
type FriendAccepted struct {
	UserID   string `json:"userId"`
	FriendID string `json:"friendId"`
}

type ConnectionAck struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId,omitempty"`
}

type HeartbeatReply struct{}

type ErrorCode string

const (
	CodeBadRequest     ErrorCode = "bad_request"
	CodeUnknownCommand ErrorCode = "unknown_command"
	CodeForbidden      ErrorCode = "forbidden"
	CodeRateLimited    ErrorCode = "rate_limited"
)

type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (ItemAdded) EventType() EventType             { return EventListItemAdded }
func (ItemUpdated) EventType() EventType           { return EventListItemUpdated }
func (ItemDeleted) EventType() EventType           { return EventListItemDeleted }
func (ListMetadataUpdated) EventType() EventType   { return EventListMetadataUpdated }
func (ClaimCreated) EventType() EventType          { return EventClaimCreated }
func (ClaimRemoved) EventType() EventType          { return EventClaimRemoved }
func (FriendRequestReceived) EventType() EventType { return EventFriendRequestReceived }
func (FriendAccepted) EventType() EventType        { return EventFriendAccepted }
func (ConnectionAck) EventType() EventType         { return EventConnectionAck }
func (HeartbeatReply) EventType() EventType        { return EventHeartbeatReply }
func (ErrorPayload) EventType() EventType          { return EventError }

func (p ItemAdded) ListKey() string           { return p.ListID }
func (p ItemUpdated) ListKey() string         { return p.ListID }
func (p ItemDeleted) ListKey() string         { return p.ListID }
func (p ListMetadataUpdated) ListKey() string { return p.ListID }
func (p ClaimCreated) ListKey() string        { return p.ListID }
func (p ClaimRemoved) ListKey() string        { return p.ListID }

func (p FriendRequestReceived) UserKey() string { return p.UserID }
func (p FriendAccepted) UserKey() string        { return p.UserID }

func (p ItemAdded) withListID(id string) ListPayload {
	p.ListID = id
	p.Item.ListID = id
	return p
}

func (p ItemUpdated) withListID(id string) ListPayload {
	p.ListID = id
	return p
}

func (p ItemDeleted) withListID(id string) ListPayload {
	p.ListID = id
	return p
}

func (p ListMetadataUpdated) withListID(id string) ListPayload {
	p.ListID = id
	return p
}

func (p ClaimCreated) withListID(id string) ListPayload {
	p.ListID = id
	return p
}

func (p ClaimRemoved) withListID(id string) ListPayload {
	p.ListID = id
	return p
}

func (p FriendRequestReceived) withUserID(id string) UserPayload {
	p.UserID = id
	return p
}

func (p FriendAccepted) withUserID(id string) UserPayload {
	p.UserID = id
	return p
}

func requireField(field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s", ErrMissingRoutingID, field)
	}
	return nil
}

func (p ItemAdded) validate() error {
	if err := requireField("listId", p.ListID); err != nil {
		return err
	}
	return requireField("item.id", p.Item.ID)
}

func (p ItemUpdated) validate() error {
	if err := requireField("listId", p.ListID); err != nil {
		return err
	}
	return requireField("itemId", p.ItemID)
}

func (p ItemDeleted) validate() error {
	if err := requireField("listId", p.ListID); err != nil {
		return err
	}
	return requireField("itemId", p.ItemID)
}

func (p ListMetadataUpdated) validate() error {
	return requireField("listId", p.ListID)
}

func (p ClaimCreated) validate() error {
	if err := requireField("listId", p.ListID); err != nil {
		return err
	}
	if err := requireField("itemId", p.ItemID); err != nil {
		return err
	}
	return requireField("claim.id", p.Claim.ID)
}

func (p ClaimRemoved) validate() error {
	if err := requireField("listId", p.ListID); err != nil {
		return err
	}
	if err := requireField("itemId", p.ItemID); err != nil {
		return err
	}
	return requireField("userId", p.UserID)
}

func (p FriendRequestReceived) validate() error {
	if err := requireField("userId", p.UserID); err != nil {
		return err
	}
	return requireField("requestId", p.RequestID)
}

func (p FriendAccepted) validate() error {
	if err := requireField("userId", p.UserID); err != nil {
		return err
	}
	return requireField("friendId", p.FriendID)
}

func (p ConnectionAck) validate() error { return requireField("connectionId", p.ConnectionID) }
func (HeartbeatReply) validate() error  { return nil }
func (ErrorPayload) validate() error    { return nil }

// Event is the envelope exchanged over every broadcast transport.
type Event struct {
	Type    EventType
	Payload Payload
}

func NewEvent(p Payload) Event {
	return Event{Type: p.EventType(), Payload: p}
}

// NewListEvent merges listID into p so the event always carries its routing id.
func NewListEvent(listID string, p ListPayload) Event {
	return NewEvent(p.withListID(listID))
}

// NewUserEvent merges the recipient userID into p.
func NewUserEvent(userID string, p UserPayload) Event {
	return NewEvent(p.withUserID(userID))
}

func NewErrorEvent(code ErrorCode, message string) Event {
	return NewEvent(ErrorPayload{Code: code, Message: message})
}

// Room returns the room an event is routed to. Connection-scoped events have none.
func (e Event) Room() (Room, bool) {
	switch p := e.Payload.(type) {
	case ListPayload:
		if id := p.ListKey(); id != "" {
			return ListRoom(id), true
		}
	case UserPayload:
		if id := p.UserKey(); id != "" {
			return UserRoom(id), true
		}
	}
	return Room{}, false
}

// Validate checks that the envelope is well-formed and routable.
func (e Event) Validate() error {
	if e.Payload == nil || !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
	}
	if e.Payload.EventType() != e.Type {
		return fmt.Errorf("%w: type %q carries %q payload", ErrMalformedEvent, e.Type, e.Payload.EventType())
	}
	return e.Payload.validate()
}

type wireEvent struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{Type: e.Type}
	if _, empty := e.Payload.(HeartbeatReply); !empty && e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
		}
		w.Data = data
	}
	return json.Marshal(w)
}

func (e *Event) UnmarshalJSON(raw []byte) error {
	decoded, err := DecodeEvent(raw)
	if err != nil {
		return err
	}
	*e = decoded
	return nil
}

// DecodeEvent parses one envelope. Unknown type tags are rejected with
// ErrUnknownEventType; payloads without their routing id with ErrMissingRoutingID.
func DecodeEvent(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	switch w.Type {
	case EventListItemAdded:
		return decodePayload[ItemAdded](w)
	case EventListItemUpdated:
		return decodePayload[ItemUpdated](w)
	case EventListItemDeleted:
		return decodePayload[ItemDeleted](w)
	case EventListMetadataUpdated:
		return decodePayload[ListMetadataUpdated](w)
	case EventClaimCreated:
		return decodePayload[ClaimCreated](w)
	case EventClaimRemoved:
		return decodePayload[ClaimRemoved](w)
	case EventFriendRequestReceived:
		return decodePayload[FriendRequestReceived](w)
	case EventFriendAccepted:
		return decodePayload[FriendAccepted](w)
	case EventConnectionAck:
		return decodePayload[ConnectionAck](w)
	case EventHeartbeatReply:
		return decodePayload[HeartbeatReply](w)
	case EventError:
		return decodePayload[ErrorPayload](w)
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEventType, w.Type)
	}
}

func decodePayload[T Payload](w wireEvent) (Event, error) {
	var p T
	if len(w.Data) > 0 && string(w.Data) != "null" {
		if err := json.Unmarshal(w.Data, &p); err != nil {
			return Event{}, fmt.Errorf("%w: %s data: %w", ErrMalformedEvent, w.Type, err)
		}
	}
	if err := p.validate(); err != nil {
		return Event{}, fmt.Errorf("%s: %w", w.Type, err)
	}
	return Event{Type: w.Type, Payload: p}, nil
}
