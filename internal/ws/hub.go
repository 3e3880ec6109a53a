// Package ws is the observer transport: a WebSocket hub that forwards bus
// events to connected clients and accepts wagers from them.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/updown/internal/events"
	"github.com/atmx/updown/internal/identity"
	"github.com/atmx/updown/internal/ledger"
	"github.com/atmx/updown/internal/metrics"
	"github.com/atmx/updown/internal/model"
	"github.com/atmx/updown/internal/round"
)

// Inbound message types.
const (
	TypeBet          = "bet"
	TypeGetRoundInfo = "getRoundInfo"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Inbound is a client message: {"type": ..., "data": ...}.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// BetRequest is the data of a bet message.
type BetRequest struct {
	Side   model.Side      `json:"side"`
	Amount decimal.Decimal `json:"amount"`
	IsDemo bool            `json:"isDemo"`
}

// BetError is the betError payload.
type BetError struct {
	Reason string `json:"reason"`
}

// Welcome is sent once on connect.
type Welcome struct {
	Round    round.Info       `json:"round"`
	Bettor   *model.BettorID  `json:"bettorId,omitempty"`
	Balance  *decimal.Decimal `json:"balance,omitempty"`
	IsDemo   bool             `json:"isDemo"`
	ServerAt time.Time        `json:"serverTime"`
}

// Rounds provides the current round snapshot.
type Rounds interface {
	Info(ctx context.Context) (round.Info, error)
}

// Wagers places wagers and reads balances.
type Wagers interface {
	PlaceWager(ctx context.Context, bettor model.BettorID, side model.Side, amount decimal.Decimal) (*model.Wager, error)
	Balance(ctx context.Context, bettor model.BettorID) (*model.Account, error)
}

// client is one connection. real and demo are the identities it may bet as;
// either may be zero.
type client struct {
	conn *websocket.Conn
	real model.BettorID
	demo model.BettorID
	send chan []byte
}

func (c *client) accepts(target model.BettorID) bool {
	if target.IsZero() {
		return true
	}
	return target == c.real || target == c.demo
}

// queue enqueues msg without blocking; a full queue drops it.
func (c *client) queue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// direct is a message for one client, routed through the Run loop so that
// only the loop ever sends on or closes a client queue.
type direct struct {
	c   *client
	msg []byte
}

// Hub manages WebSocket connections. A single Run loop owns the client set
// and fans bus events out to every client queue.
type Hub struct {
	bus      *events.Bus
	rounds   Rounds
	wagers   Wagers
	resolver identity.Resolver
	logger   *slog.Logger

	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	direct     chan direct
	done       chan struct{}
}

// NewHub creates a hub. Call Run to start it.
func NewHub(bus *events.Bus, rounds Rounds, wagers Wagers, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		bus:        bus,
		rounds:     rounds,
		wagers:     wagers,
		logger:     logger,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		direct:     make(chan direct),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns when ctx is done, after closing
// every client.
func (h *Hub) Run(ctx context.Context) {
	sub := h.bus.Subscribe()
	defer sub.Close()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = true
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			h.logger.Info("ws client connected", "total", len(h.clients))

		case c := <-h.unregister:
			if h.clients[c] {
				h.drop(c)
			}

		case d := <-h.direct:
			if h.clients[d.c] {
				d.c.queue(d.msg)
			}

		case e, ok := <-sub.C():
			if !ok {
				return
			}
			h.dispatch(e)
		}
	}
}

func (h *Hub) dispatch(e events.Event) {
	msg, err := e.Encode()
	if err != nil {
		h.logger.Error("ws encode event", "type", e.Type, "err", err)
		return
	}
	for c := range h.clients {
		if !c.accepts(e.Target) {
			continue
		}
		if !c.queue(msg) {
			metrics.BusDroppedEvents.Inc()
		}
	}
}

func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	metrics.WebSocketClients.Set(float64(len(h.clients)))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if id, err := h.resolver.Resolve(r, false); err == nil {
		c.real = id
	}
	if id, err := h.resolver.Resolve(r, true); err == nil {
		c.demo = id
	}

	// The welcome snapshot is queued before the client can receive any
	// broadcast, so it is always the first message.
	c.queue(h.welcome(r.Context(), h.resolver.ResolveAny(r)))

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) welcome(ctx context.Context, bettor model.BettorID) []byte {
	info, err := h.rounds.Info(ctx)
	if err != nil {
		h.logger.Warn("ws welcome round info", "err", err)
	}
	wel := Welcome{Round: info, ServerAt: time.Now().UTC()}

	if !bettor.IsZero() {
		wel.Bettor = &bettor
		wel.IsDemo = bettor.IsDemo()
		if acct, err := h.wagers.Balance(ctx, bettor); err == nil {
			bal := acct.Balance
			wel.Balance = &bal
		}
	}
	return encode(events.Welcome, wel)
}

// readPump handles inbound messages and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("ws read", "err", err)
			}
			return
		}
		var in Inbound
		if err := json.Unmarshal(raw, &in); err != nil {
			h.reply(c, events.BetError, BetError{Reason: "invalid_message"})
			continue
		}
		h.handleInbound(c, in)
	}
}

func (h *Hub) handleInbound(c *client, in Inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	switch in.Type {
	case TypeBet:
		var req BetRequest
		if err := json.Unmarshal(in.Data, &req); err != nil {
			h.reply(c, events.BetError, BetError{Reason: ledger.ReasonInvalidAmount})
			return
		}
		bettor := c.real
		if req.IsDemo {
			bettor = c.demo
		}
		if bettor.IsZero() {
			h.reply(c, events.BetError, BetError{Reason: ledger.ReasonUnknownBettor})
			return
		}
		// Success is reported through the balanceUpdate and poolUpdate events.
		if _, err := h.wagers.PlaceWager(ctx, bettor, req.Side, req.Amount); err != nil {
			h.reply(c, events.BetError, BetError{Reason: ledger.Reason(err)})
		}

	case TypeGetRoundInfo:
		info, err := h.rounds.Info(ctx)
		if err != nil {
			h.logger.Warn("ws round info", "err", err)
			return
		}
		h.reply(c, events.RoundStarted, info)

	default:
		h.reply(c, events.BetError, BetError{Reason: "unknown_message_type"})
	}
}

// reply sends a message to c alone.
func (h *Hub) reply(c *client, t events.Type, data any) {
	msg, err := events.New(t, data).Encode()
	if err != nil {
		return
	}
	select {
	case h.direct <- direct{c: c, msg: msg}:
	case <-h.done:
	}
}

func encode(t events.Type, data any) []byte {
	msg, _ := events.New(t, data).Encode()
	return msg
}

// writePump writes queued messages and keeps the connection alive through
// proxies with periodic pings.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
