package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/calebmorgan/cosmowatch/internal/chat"
	"github.com/calebmorgan/cosmowatch/internal/presence"
	"nhooyr.io/websocket"
)

// newChatServer starts a full handler stack over an in-memory store.
func newChatServer(t *testing.T) (*httptest.Server, *Hub, *chat.MemoryStore) {
	t.Helper()
	store := chat.NewMemoryStore(chat.DefaultRetention)
	t.Cleanup(func() { store.Close() })

	hub := NewHub(store, presence.NewRegistry(), presence.NewTypingTracker(), NewConnManager())
	ts := httptest.NewServer(NewHandler(hub, nil))
	t.Cleanup(ts.Close)
	return ts, hub, store
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func sendCmd(t *testing.T, conn *websocket.Conn, cmdType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env, err := json.Marshal(Envelope{Type: cmdType, Payload: data})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, env); err != nil {
		t.Fatalf("write error: %v", err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

// expectEvent reads the next event and fails unless it has the wanted type.
func expectEvent(t *testing.T, conn *websocket.Conn, wantType string) json.RawMessage {
	t.Helper()
	env := readEvent(t, conn)
	if env.Type != wantType {
		t.Fatalf("expected event %q, got %q (payload %s)", wantType, env.Type, env.Payload)
	}
	return env.Payload
}

// expectNoEvent fails if anything arrives within a short window. The read
// runs in a goroutine with a background context because expiring a read
// context in this websocket library closes the whole connection; on timeout
// the read is left pending, so no further reads may follow on the same
// connection.
func expectNoEvent(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	got := make(chan []byte, 1)
	go func() {
		if _, data, err := conn.Read(context.Background()); err == nil {
			got <- data
		}
	}()
	select {
	case data := <-got:
		t.Fatalf("expected no event, got %s", data)
	case <-time.After(200 * time.Millisecond):
	}
}

// join issues a join command and drains the history and presence events
// the joining connection receives.
func join(t *testing.T, conn *websocket.Conn, topic, userID, name string) {
	t.Helper()
	sendCmd(t, conn, "join", JoinPayload{Topic: topic, UserID: userID, UserName: name})
	expectEvent(t, conn, "history")
	expectEvent(t, conn, "presence")
}

func TestJoinReceivesHistoryAndPresence(t *testing.T) {
	ts, _, _ := newChatServer(t)
	conn := dialWS(t, ts.URL)

	sendCmd(t, conn, "join", JoinPayload{Topic: "neo-1", UserID: "u1", UserName: "alice"})

	var history HistoryPayload
	if err := json.Unmarshal(expectEvent(t, conn, "history"), &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if history.Topic != "neo-1" {
		t.Errorf("expected topic 'neo-1', got %q", history.Topic)
	}
	if len(history.Messages) != 0 {
		t.Errorf("expected empty history, got %d messages", len(history.Messages))
	}

	var pres PresencePayload
	if err := json.Unmarshal(expectEvent(t, conn, "presence"), &pres); err != nil {
		t.Fatalf("unmarshal presence: %v", err)
	}
	if pres.Count != 1 || len(pres.Participants) != 1 {
		t.Fatalf("expected 1 participant, got %+v", pres)
	}
	if pres.Participants[0].UserID != "u1" || pres.Participants[0].Name != "alice" {
		t.Errorf("unexpected participant: %+v", pres.Participants[0])
	}
}

func TestJoinSendsExistingHistory(t *testing.T) {
	ts, _, store := newChatServer(t)

	store.Append(context.Background(), "neo-1", chat.Author{Name: "bob"}, "first")
	store.Append(context.Background(), "neo-1", chat.Author{Name: "bob"}, "second")

	conn := dialWS(t, ts.URL)
	sendCmd(t, conn, "join", JoinPayload{Topic: "neo-1", UserName: "alice"})

	var history HistoryPayload
	if err := json.Unmarshal(expectEvent(t, conn, "history"), &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(history.Messages))
	}
	if history.Messages[0].Text != "first" || history.Messages[1].Text != "second" {
		t.Errorf("expected oldest-first history, got [%s, %s]", history.Messages[0].Text, history.Messages[1].Text)
	}
}

func TestJoinIdempotent(t *testing.T) {
	ts, hub, _ := newChatServer(t)
	conn := dialWS(t, ts.URL)

	join(t, conn, "neo-1", "u1", "alice")
	join(t, conn, "neo-1", "u1", "alice")

	if hub.Presence().Count("neo-1") != 1 {
		t.Fatalf("expected presence count 1 after double join, got %d", hub.Presence().Count("neo-1"))
	}
}

func TestPresenceTracksJoinsAndLeaves(t *testing.T) {
	ts, hub, _ := newChatServer(t)

	a := dialWS(t, ts.URL)
	join(t, a, "neo-1", "u1", "alice")

	b := dialWS(t, ts.URL)
	join(t, b, "neo-1", "u2", "bob")

	// A sees the updated member list when B joins.
	var pres PresencePayload
	if err := json.Unmarshal(expectEvent(t, a, "presence"), &pres); err != nil {
		t.Fatalf("unmarshal presence: %v", err)
	}
	if pres.Count != 2 {
		t.Fatalf("expected count 2, got %d", pres.Count)
	}

	sendCmd(t, b, "leave", LeavePayload{Topic: "neo-1"})

	if err := json.Unmarshal(expectEvent(t, a, "presence"), &pres); err != nil {
		t.Fatalf("unmarshal presence: %v", err)
	}
	if pres.Count != 1 {
		t.Fatalf("expected count 1 after leave, got %d", pres.Count)
	}
	if pres.Participants[0].Name != "alice" {
		t.Errorf("expected alice to remain, got %+v", pres.Participants)
	}
	if hub.Presence().Count("neo-1") != 1 {
		t.Errorf("registry count = %d, want 1", hub.Presence().Count("neo-1"))
	}
}

func TestSendBroadcastsToRoom(t *testing.T) {
	ts, _, store := newChatServer(t)

	a := dialWS(t, ts.URL)
	join(t, a, "neo-1", "u1", "alice")
	b := dialWS(t, ts.URL)
	join(t, b, "neo-1", "u2", "bob")
	expectEvent(t, a, "presence")

	sendCmd(t, a, "send", SendPayload{Topic: "neo-1", Text: "hi"})

	for _, conn := range []*websocket.Conn{a, b} {
		var msg chat.Message
		if err := json.Unmarshal(expectEvent(t, conn, "message"), &msg); err != nil {
			t.Fatalf("unmarshal message: %v", err)
		}
		if msg.Text != "hi" || msg.AuthorName != "alice" || msg.Topic != "neo-1" {
			t.Errorf("unexpected message: %+v", msg)
		}
	}

	msgs, err := store.Recent(context.Background(), "neo-1", 100)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "hi" {
		t.Fatalf("expected exactly one stored message 'hi', got %+v", msgs)
	}
}

func TestSendRequiresMembership(t *testing.T) {
	ts, _, store := newChatServer(t)
	conn := dialWS(t, ts.URL)

	sendCmd(t, conn, "send", SendPayload{Topic: "neo-1", Text: "hi"})

	var errPayload ErrorPayload
	if err := json.Unmarshal(expectEvent(t, conn, "error"), &errPayload); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if errPayload.Code != CodeNotMember {
		t.Fatalf("expected code %q, got %q", CodeNotMember, errPayload.Code)
	}

	msgs, _ := store.Recent(context.Background(), "neo-1", 100)
	if len(msgs) != 0 {
		t.Errorf("expected no stored messages, got %d", len(msgs))
	}
}

func TestSendOversizedRejected(t *testing.T) {
	ts, _, store := newChatServer(t)

	a := dialWS(t, ts.URL)
	join(t, a, "neo-1", "u1", "alice")
	b := dialWS(t, ts.URL)
	join(t, b, "neo-1", "u2", "bob")
	expectEvent(t, a, "presence")

	sendCmd(t, a, "send", SendPayload{Topic: "neo-1", Text: strings.Repeat("x", chat.MaxTextLength+1)})

	var errPayload ErrorPayload
	if err := json.Unmarshal(expectEvent(t, a, "error"), &errPayload); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if errPayload.Code != CodeInvalidInput {
		t.Fatalf("expected code %q, got %q", CodeInvalidInput, errPayload.Code)
	}

	// Nothing broadcast, nothing stored.
	expectNoEvent(t, b)
	msgs, _ := store.Recent(context.Background(), "neo-1", 100)
	if len(msgs) != 0 {
		t.Errorf("expected no stored messages, got %d", len(msgs))
	}
}

func TestTypingIndicatorFlow(t *testing.T) {
	ts, _, _ := newChatServer(t)

	a := dialWS(t, ts.URL)
	join(t, a, "neo-1", "u1", "alice")
	b := dialWS(t, ts.URL)
	join(t, b, "neo-1", "u2", "bob")
	expectEvent(t, a, "presence")

	sendCmd(t, a, "typing", TypingPayload{Topic: "neo-1", IsTyping: true})

	// B sees alice typing; A is excluded from its own typing update.
	var typing TypingUpdatePayload
	if err := json.Unmarshal(expectEvent(t, b, "typing_update"), &typing); err != nil {
		t.Fatalf("unmarshal typing update: %v", err)
	}
	if len(typing.UserIDs) != 1 || typing.UserIDs[0] != "u1" {
		t.Fatalf("expected [u1] typing, got %v", typing.UserIDs)
	}

	// Sending a message clears the flag: B gets the message, then an empty
	// typing update. A gets the message only. Per-connection ordering means
	// a typing event for A would have arrived before the message.
	sendCmd(t, a, "send", SendPayload{Topic: "neo-1", Text: "done typing"})

	expectEvent(t, a, "message")
	expectNoEvent(t, a)

	expectEvent(t, b, "message")
	if err := json.Unmarshal(expectEvent(t, b, "typing_update"), &typing); err != nil {
		t.Fatalf("unmarshal typing update: %v", err)
	}
	if len(typing.UserIDs) != 0 {
		t.Fatalf("expected empty typing set after send, got %v", typing.UserIDs)
	}
}

func TestTypingRequiresMembership(t *testing.T) {
	ts, _, _ := newChatServer(t)
	conn := dialWS(t, ts.URL)

	sendCmd(t, conn, "typing", TypingPayload{Topic: "neo-1", IsTyping: true})

	var errPayload ErrorPayload
	if err := json.Unmarshal(expectEvent(t, conn, "error"), &errPayload); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if errPayload.Code != CodeNotMember {
		t.Fatalf("expected code %q, got %q", CodeNotMember, errPayload.Code)
	}
}

func TestLeaveClearsTypingState(t *testing.T) {
	ts, _, _ := newChatServer(t)

	a := dialWS(t, ts.URL)
	join(t, a, "neo-1", "u1", "alice")
	b := dialWS(t, ts.URL)
	join(t, b, "neo-1", "u2", "bob")
	expectEvent(t, a, "presence")

	sendCmd(t, a, "typing", TypingPayload{Topic: "neo-1", IsTyping: true})
	expectEvent(t, b, "typing_update")

	sendCmd(t, a, "leave", LeavePayload{Topic: "neo-1"})

	expectEvent(t, b, "presence")
	var typing TypingUpdatePayload
	if err := json.Unmarshal(expectEvent(t, b, "typing_update"), &typing); err != nil {
		t.Fatalf("unmarshal typing update: %v", err)
	}
	if len(typing.UserIDs) != 0 {
		t.Fatalf("expected typing cleared on leave, got %v", typing.UserIDs)
	}
}

func TestDisconnectCleansUpAllTopics(t *testing.T) {
	ts, hub, _ := newChatServer(t)

	a := dialWS(t, ts.URL)
	join(t, a, "neo-1", "u1", "alice")
	join(t, a, "neo-2", "u1", "alice")

	b := dialWS(t, ts.URL)
	join(t, b, "neo-1", "u2", "bob")
	expectEvent(t, a, "presence")

	c := dialWS(t, ts.URL)
	join(t, c, "neo-2", "u3", "carol")
	expectEvent(t, a, "presence")

	// A is typing in neo-1 when it vanishes.
	sendCmd(t, a, "typing", TypingPayload{Topic: "neo-1", IsTyping: true})
	expectEvent(t, b, "typing_update")

	a.Close(websocket.StatusNormalClosure, "")

	// Each affected topic gets exactly one presence broadcast showing the
	// departure; neo-1 also gets the typing cleanup.
	var pres PresencePayload
	if err := json.Unmarshal(expectEvent(t, b, "presence"), &pres); err != nil {
		t.Fatalf("unmarshal presence: %v", err)
	}
	if pres.Topic != "neo-1" || pres.Count != 1 || pres.Participants[0].Name != "bob" {
		t.Fatalf("unexpected neo-1 presence after disconnect: %+v", pres)
	}

	var typing TypingUpdatePayload
	if err := json.Unmarshal(expectEvent(t, b, "typing_update"), &typing); err != nil {
		t.Fatalf("unmarshal typing update: %v", err)
	}
	if len(typing.UserIDs) != 0 {
		t.Fatalf("expected typing cleared on disconnect, got %v", typing.UserIDs)
	}

	if err := json.Unmarshal(expectEvent(t, c, "presence"), &pres); err != nil {
		t.Fatalf("unmarshal presence: %v", err)
	}
	if pres.Topic != "neo-2" || pres.Count != 1 || pres.Participants[0].Name != "carol" {
		t.Fatalf("unexpected neo-2 presence after disconnect: %+v", pres)
	}

	expectNoEvent(t, b)
	expectNoEvent(t, c)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Presence().Count("neo-1") == 1 && hub.Presence().Count("neo-2") == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if hub.Presence().Count("neo-1") != 1 || hub.Presence().Count("neo-2") != 1 {
		t.Errorf("expected 1 connection left per topic, got %d and %d",
			hub.Presence().Count("neo-1"), hub.Presence().Count("neo-2"))
	}
}

func TestIdentityUpgradeClearsOldTypingKey(t *testing.T) {
	ts, hub, _ := newChatServer(t)

	// A starts anonymous, so its typing state is keyed by connection.
	a := dialWS(t, ts.URL)
	join(t, a, "neo-1", "", "alice")
	b := dialWS(t, ts.URL)
	join(t, b, "neo-1", "u2", "bob")
	expectEvent(t, a, "presence")

	sendCmd(t, a, "typing", TypingPayload{Topic: "neo-1", IsTyping: true})
	var typing TypingUpdatePayload
	if err := json.Unmarshal(expectEvent(t, b, "typing_update"), &typing); err != nil {
		t.Fatalf("unmarshal typing update: %v", err)
	}
	if len(typing.UserIDs) != 1 {
		t.Fatalf("expected one anonymous typer, got %v", typing.UserIDs)
	}

	// A re-joins authenticated; the conn-scoped typing entry must go with
	// the old identity instead of lingering as a ghost typer.
	sendCmd(t, a, "join", JoinPayload{Topic: "neo-1", UserID: "u1", UserName: "alice"})
	if err := json.Unmarshal(expectEvent(t, a, "typing_update"), &typing); err != nil {
		t.Fatalf("unmarshal typing update: %v", err)
	}
	if len(typing.UserIDs) != 0 {
		t.Fatalf("expected typing cleared on identity change, got %v", typing.UserIDs)
	}
	expectEvent(t, a, "history")
	expectEvent(t, a, "presence")
	expectEvent(t, b, "typing_update")
	expectEvent(t, b, "presence")

	a.Close(websocket.StatusNormalClosure, "")
	expectEvent(t, b, "presence")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(hub.typing.Active("neo-1")) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := hub.typing.Active("neo-1"); len(got) != 0 {
		t.Fatalf("expected empty typing set after disconnect, got %v", got)
	}
}

func TestBroadcastIsolationBetweenTopics(t *testing.T) {
	ts, _, _ := newChatServer(t)

	a := dialWS(t, ts.URL)
	join(t, a, "neo-1", "u1", "alice")
	b := dialWS(t, ts.URL)
	join(t, b, "neo-2", "u2", "bob")

	sendCmd(t, a, "send", SendPayload{Topic: "neo-1", Text: "for neo-1 only"})

	expectEvent(t, a, "message")
	expectNoEvent(t, b)
}

func TestAnonymousNameSanitized(t *testing.T) {
	ts, _, _ := newChatServer(t)
	conn := dialWS(t, ts.URL)

	sendCmd(t, conn, "join", JoinPayload{Topic: "neo-1", UserName: "   "})
	expectEvent(t, conn, "history")

	var pres PresencePayload
	if err := json.Unmarshal(expectEvent(t, conn, "presence"), &pres); err != nil {
		t.Fatalf("unmarshal presence: %v", err)
	}
	if pres.Participants[0].Name != chat.AnonymousName {
		t.Errorf("expected %q, got %q", chat.AnonymousName, pres.Participants[0].Name)
	}
}
