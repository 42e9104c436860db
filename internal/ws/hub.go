package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/calebmorgan/cosmowatch/internal/chat"
	"github.com/calebmorgan/cosmowatch/internal/presence"
)

// CommandType enumerates the commands a client may issue.
type CommandType string

const (
	CmdJoin   CommandType = "join"
	CmdLeave  CommandType = "leave"
	CmdSend   CommandType = "send"
	CmdTyping CommandType = "typing"
)

// Command is one inbound client action. Which fields are meaningful depends
// on Type: Participant for join, Text for send, Typing for typing.
type Command struct {
	Type        CommandType
	Topic       string
	Participant presence.Participant
	Text        string
	Typing      bool
}

// Error codes surfaced to clients in error events.
const (
	CodeInvalidInput     = "invalid_input"
	CodeNotMember        = "not_member"
	CodeStoreUnavailable = "store_unavailable"
)

// CommandError is a command rejection that is reported privately to the
// issuing connection and causes no broadcast.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return e.Code + ": " + e.Message
}

func invalidInput(msg string) *CommandError {
	return &CommandError{Code: CodeInvalidInput, Message: msg}
}

func notMember(topic string) *CommandError {
	return &CommandError{Code: CodeNotMember, Message: "join topic " + topic + " before interacting with it"}
}

// Envelope is the JSON structure sent over the WebSocket in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// JoinPayload is sent by the client to join a topic's room.
type JoinPayload struct {
	Topic    string `json:"topic"`
	UserID   string `json:"user_id,omitempty"`
	UserName string `json:"user_name"`
}

// LeavePayload is sent by the client to leave a topic's room.
type LeavePayload struct {
	Topic string `json:"topic"`
}

// SendPayload is sent by the client to post a message.
type SendPayload struct {
	Topic string `json:"topic"`
	Text  string `json:"text"`
}

// TypingPayload signals the start or end of composition.
type TypingPayload struct {
	Topic    string `json:"topic"`
	IsTyping bool   `json:"is_typing"`
}

// HistoryPayload carries recent messages to a joining connection.
type HistoryPayload struct {
	Topic    string          `json:"topic"`
	Messages []*chat.Message `json:"messages"`
}

// PresencePayload carries the room's member list to everyone in it.
type PresencePayload struct {
	Topic        string                 `json:"topic"`
	Participants []presence.Participant `json:"participants"`
	Count        int                    `json:"count"`
}

// TypingUpdatePayload carries the set of currently typing participants.
type TypingUpdatePayload struct {
	Topic   string   `json:"topic"`
	UserIDs []string `json:"user_ids"`
}

// ErrorPayload is sent privately to a connection whose command failed.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Hub routes client commands to the message store, the presence registry
// and the typing tracker, and fans events out to topic rooms. It is the
// single place that decides when a broadcast fires relative to a store
// write: a message is broadcast only after its append has completed.
type Hub struct {
	store        chat.Store
	presence     *presence.Registry
	typing       *presence.TypingTracker
	conns        *ConnManager
	historyLimit int
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHistoryLimit overrides how many messages are sent on join.
func WithHistoryLimit(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.historyLimit = n
		}
	}
}

// NewHub wires the store, registries and connection manager together.
func NewHub(store chat.Store, reg *presence.Registry, typing *presence.TypingTracker, conns *ConnManager, opts ...HubOption) *Hub {
	h := &Hub{
		store:        store,
		presence:     reg,
		typing:       typing,
		conns:        conns,
		historyLimit: chat.HistoryLimit,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ConnMgr returns the connection manager for this hub.
func (h *Hub) ConnMgr() *ConnManager {
	return h.conns
}

// Presence returns the presence registry for this hub.
func (h *Hub) Presence() *presence.Registry {
	return h.presence
}

// Handle processes one command from a connection. Commands from a single
// connection arrive through its read loop and are therefore handled in
// submission order; commands from different connections interleave freely.
// A returned *CommandError is reported privately to the connection and
// nothing is broadcast.
func (h *Hub) Handle(ctx context.Context, c *Client, cmd Command) error {
	if cmd.Topic == "" {
		return invalidInput("topic is required")
	}

	switch cmd.Type {
	case CmdJoin:
		return h.handleJoin(ctx, c, cmd)
	case CmdLeave:
		h.handleLeave(c, cmd.Topic)
		return nil
	case CmdSend:
		return h.handleSend(ctx, c, cmd)
	case CmdTyping:
		return h.handleTyping(c, cmd)
	default:
		return invalidInput("unknown command type")
	}
}

// handleJoin registers presence, sends history privately to the joining
// connection, then broadcasts the updated member list. Re-joining a topic
// is idempotent and refreshes the stored identity.
func (h *Hub) handleJoin(ctx context.Context, c *Client, cmd Command) error {
	p := cmd.Participant
	p.Name = chat.SanitizeName(p.Name)
	oldKey := c.participantKey()
	c.participant = p
	c.topics[cmd.Topic] = struct{}{}
	if newKey := c.participantKey(); newKey != oldKey {
		// The identity changed, so typing state recorded under the old key
		// would never be cleared by leave, send or disconnect.
		for topic := range c.topics {
			if h.typing.Clear(topic, oldKey) {
				h.broadcastTyping(topic, nil)
			}
		}
	}
	h.presence.Join(cmd.Topic, c.id, p)

	history, err := h.store.Recent(ctx, cmd.Topic, h.historyLimit)
	if err != nil {
		// The join stands: presence does not depend on store health. The
		// client gets an empty history and a private error.
		log.Printf("ws: history read for %s failed: %v", cmd.Topic, err)
		history = nil
		h.sendEvent(c, "error", ErrorPayload{
			Code:    CodeStoreUnavailable,
			Message: "message history is temporarily unavailable",
		})
	}
	if history == nil {
		history = []*chat.Message{}
	}
	h.sendEvent(c, "history", HistoryPayload{Topic: cmd.Topic, Messages: history})

	h.broadcastPresence(cmd.Topic)
	return nil
}

// handleLeave deregisters presence and typing state for one topic. Leaving
// a topic the connection never joined is a silent no-op.
func (h *Hub) handleLeave(c *Client, topic string) {
	if _, ok := c.topics[topic]; !ok {
		return
	}
	delete(c.topics, topic)
	h.presence.Leave(topic, c.id)
	changed := h.typing.Clear(topic, c.participantKey())

	h.broadcastPresence(topic)
	if changed {
		h.broadcastTyping(topic, nil)
	}
}

// handleSend persists the message, clears the sender's typing flag, then
// broadcasts. A failed append produces no broadcast: the message must not
// appear to have been sent if it was not durably stored.
func (h *Hub) handleSend(ctx context.Context, c *Client, cmd Command) error {
	if _, ok := c.topics[cmd.Topic]; !ok {
		return notMember(cmd.Topic)
	}

	author := chat.Author{ID: c.participant.UserID, Name: c.participant.Name}
	msg, err := h.store.Append(ctx, cmd.Topic, author, cmd.Text)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrEmptyText):
			return invalidInput("message text is required")
		case errors.Is(err, chat.ErrTextTooLong):
			return invalidInput("message exceeds maximum length of 2000 characters")
		default:
			log.Printf("ws: append to %s failed: %v", cmd.Topic, err)
			return &CommandError{Code: CodeStoreUnavailable, Message: "message could not be saved"}
		}
	}

	changed := h.typing.Clear(cmd.Topic, c.participantKey())
	h.broadcast(cmd.Topic, "message", msg, nil)
	if changed {
		h.broadcastTyping(cmd.Topic, c)
	}
	return nil
}

// handleTyping updates the typing set and broadcasts it to everyone in the
// topic except the typer.
func (h *Hub) handleTyping(c *Client, cmd Command) error {
	if _, ok := c.topics[cmd.Topic]; !ok {
		return notMember(cmd.Topic)
	}
	h.typing.Set(cmd.Topic, c.participantKey(), cmd.Typing)
	h.broadcastTyping(cmd.Topic, c)
	return nil
}

// Disconnect removes a closed connection from every topic it joined and
// broadcasts updated presence once per affected topic. Safe to call for
// connections that never joined anything.
func (h *Hub) Disconnect(c *Client) {
	topics := h.presence.LeaveAll(c.id)
	key := c.participantKey()
	for _, topic := range topics {
		changed := h.typing.Clear(topic, key)
		h.broadcastPresence(topic)
		if changed {
			h.broadcastTyping(topic, nil)
		}
	}
	c.topics = make(map[string]struct{})
}

// SendError reports a failed command privately to one connection.
func (h *Hub) SendError(c *Client, cerr *CommandError) {
	h.sendEvent(c, "error", ErrorPayload{Code: cerr.Code, Message: cerr.Message})
}

func (h *Hub) broadcastPresence(topic string) {
	active := h.presence.Active(topic)
	h.broadcast(topic, "presence", PresencePayload{
		Topic:        topic,
		Participants: active,
		Count:        len(active),
	}, nil)
}

func (h *Hub) broadcastTyping(topic string, except *Client) {
	h.broadcast(topic, "typing_update", TypingUpdatePayload{
		Topic:   topic,
		UserIDs: h.typing.Active(topic),
	}, except)
}

// broadcast delivers an event to every connection present in a topic,
// optionally excluding one. Delivery is best-effort per connection: a slow
// or vanished connection never aborts delivery to the others.
func (h *Hub) broadcast(topic, eventType string, payload any, except *Client) {
	data, err := marshalEnvelope(eventType, payload)
	if err != nil {
		log.Printf("ws: failed to marshal %s event: %v", eventType, err)
		return
	}

	for _, id := range h.presence.Connections(topic) {
		c := h.conns.Get(id)
		if c == nil || c == except {
			continue
		}
		h.conns.Send(c, data)
	}
}

// sendEvent delivers an event to a single connection through its send
// queue, keeping ordering consistent with broadcasts.
func (h *Hub) sendEvent(c *Client, eventType string, payload any) {
	data, err := marshalEnvelope(eventType, payload)
	if err != nil {
		log.Printf("ws: failed to marshal %s event: %v", eventType, err)
		return
	}
	h.conns.Send(c, data)
}

func marshalEnvelope(eventType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: eventType, Payload: data})
}
