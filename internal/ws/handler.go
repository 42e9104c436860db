package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"

	"github.com/calebmorgan/cosmowatch/internal/presence"
	"github.com/calebmorgan/cosmowatch/internal/ratelimit"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// Handler upgrades HTTP requests to WebSocket connections and runs each
// client's read loop, translating wire envelopes into hub commands.
type Handler struct {
	hub     *Hub
	limiter *ratelimit.IPLimiter
}

// NewHandler creates a WebSocket Handler. limiter may be nil to disable
// upgrade rate limiting.
func NewHandler(hub *Hub, limiter *ratelimit.IPLimiter) *Handler {
	return &Handler{
		hub:     hub,
		limiter: limiter,
	}
}

// ServeHTTP upgrades the connection and runs the read loop until the client
// disconnects or the connection manager cancels the connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow(remoteIP(r)) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow all origins in dev; tighten in production.
	})
	if err != nil {
		log.Printf("ws: accept error: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	client := &Client{
		conn:   conn,
		id:     uuid.NewString(),
		topics: make(map[string]struct{}),
	}

	connCtx := h.hub.ConnMgr().Add(client)
	select {
	case <-connCtx.Done():
		// Rejected: shutting down or at capacity.
		return
	default:
	}
	defer func() {
		h.hub.Disconnect(client)
		h.hub.ConnMgr().Remove(client)
	}()

	h.readLoop(r, connCtx, client)
}

// readLoop reads envelopes from the client until the connection closes or
// connCtx is cancelled. Commands are handled to completion one at a time,
// so a single client's actions are never reordered.
func (h *Handler) readLoop(r *http.Request, connCtx context.Context, client *Client) {
	ctx := r.Context()
	for {
		select {
		case <-connCtx.Done():
			return
		default:
		}

		_, data, err := client.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancelled.
			return
		}

		h.hub.ConnMgr().TouchActivity(client)

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.hub.SendError(client, invalidInput("invalid JSON"))
			continue
		}

		cmd, cerr := decodeCommand(env)
		if cerr != nil {
			h.hub.SendError(client, cerr)
			continue
		}

		if err := h.hub.Handle(ctx, client, cmd); err != nil {
			var cmdErr *CommandError
			if errors.As(err, &cmdErr) {
				h.hub.SendError(client, cmdErr)
				continue
			}
			log.Printf("ws: command %s from %s failed: %v", cmd.Type, client.id, err)
		}
	}
}

// decodeCommand maps a wire envelope to a hub command.
func decodeCommand(env Envelope) (Command, *CommandError) {
	switch CommandType(env.Type) {
	case CmdJoin:
		var p JoinPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Command{}, invalidInput("invalid join payload")
		}
		return Command{
			Type:  CmdJoin,
			Topic: p.Topic,
			Participant: presence.Participant{
				UserID: p.UserID,
				Name:   p.UserName,
			},
		}, nil
	case CmdLeave:
		var p LeavePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Command{}, invalidInput("invalid leave payload")
		}
		return Command{Type: CmdLeave, Topic: p.Topic}, nil
	case CmdSend:
		var p SendPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Command{}, invalidInput("invalid send payload")
		}
		return Command{Type: CmdSend, Topic: p.Topic, Text: p.Text}, nil
	case CmdTyping:
		var p TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Command{}, invalidInput("invalid typing payload")
		}
		return Command{Type: CmdTyping, Topic: p.Topic, Typing: p.IsTyping}, nil
	default:
		return Command{}, invalidInput("unknown command type " + env.Type)
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
