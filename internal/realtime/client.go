package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/alexjbarnes/workspace-sync/internal/models"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	reconnectMin               = 5 * time.Second
	reconnectMax               = 5 * time.Minute
	reconnectBackoffMultiplier = 2
	jitterDivisor              = 2

	heartbeatInterval = 25 * time.Second
	// disconnectAfter is how long the socket may stay silent before it
	// is considered dead. The server answers every heartbeat.
	disconnectAfter = 60 * time.Second

	inboundChanSize = 64
	readLimit       = 8 << 20

	protocolVersion = "1.0.0"
	publicSchema    = "public"
	phoenixTopic    = "phoenix"
)

var errTokenRefreshed = errors.New("access token refreshed")

// wsConn abstracts the WebSocket connection for testing.
//
//go:generate mockgen -source=client.go -destination=mock_wsconn_test.go -package=realtime -mock_names=wsConn=MockWSConn wsConn
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type dialFunc func(ctx context.Context, u string) (wsConn, error)

func dialWebsocket(ctx context.Context, u string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, u, nil) //nolint:bodyclose // coder/websocket owns the handshake response body
	if err != nil {
		return nil, err
	}

	return conn, nil
}

type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// Options configures a Client.
type Options struct {
	// URL is the realtime websocket endpoint.
	URL    string
	APIKey string
	// Tables to subscribe to. Defaults to every known collection.
	Tables []string
	Logger *slog.Logger
	// OnEvent is called after every change event has been applied.
	OnEvent func(ChangeEvent, Decision)
}

// Client holds a Phoenix channel subscription to row changes for one
// user and feeds them into an Ingest. Start and Stop may be called from
// any goroutine; the connection itself is owned by a single session
// goroutine.
type Client struct {
	socketURL string
	tables    []string
	ingest    *Ingest
	logger    *slog.Logger
	onEvent   func(ChangeEvent, Decision)
	dial      dialFunc

	mu          sync.Mutex
	userID      string
	token       string
	cancel      context.CancelFunc
	done        chan struct{}
	reconnectCh chan struct{}

	connectedMu sync.RWMutex
	connected   bool

	// Owned by the session goroutine.
	conn        wsConn
	inboundCh   chan inboundMsg
	ref         uint64
	lastMessage time.Time
}

// NewClient validates opts and returns a stopped Client.
func NewClient(ingest *Ingest, opts Options) (*Client, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing realtime url: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("realtime url must use ws or wss, got %q", u.Scheme)
	}

	q := u.Query()
	if opts.APIKey != "" {
		q.Set("apikey", opts.APIKey)
	}
	q.Set("vsn", protocolVersion)
	u.RawQuery = q.Encode()

	tables := opts.Tables
	if len(tables) == 0 {
		for _, spec := range models.Specs() {
			tables = append(tables, spec.Collection)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		socketURL:   u.String(),
		tables:      tables,
		ingest:      ingest,
		logger:      logger.With(slog.String("component", "realtime")),
		onEvent:     opts.OnEvent,
		dial:        dialWebsocket,
		reconnectCh: make(chan struct{}, 1),
	}, nil
}

// Start subscribes for userID. Starting again for the same user is a
// no-op; a different user replaces the running subscription. The
// subscription lives until Stop or until ctx is cancelled.
func (c *Client) Start(ctx context.Context, userID, token string) error {
	if userID == "" {
		return errors.New("realtime: user id is required")
	}

	c.mu.Lock()
	if c.cancel != nil && c.userID == userID {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return nil
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.userID = userID
	c.token = token
	c.cancel = cancel
	c.done = done

	go func() {
		defer close(done)

		err := c.listen(sessionCtx, userID)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("realtime listener exited", slog.String("error", err.Error()))
		}
	}()

	c.logger.Info("realtime starting", slog.String("user_id", userID), slog.Int("tables", len(c.tables)))

	return nil
}

// Stop closes the connection and forgets the user and token. It waits
// for the session goroutine to exit.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.userID, c.token = "", ""
	c.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done

	select {
	case <-c.reconnectCh:
	default:
	}

	c.logger.Info("realtime stopped")
}

// RefreshToken swaps the access token. A running subscription
// reconnects and rejoins every channel with the new token.
func (c *Client) RefreshToken(token string) {
	c.mu.Lock()
	c.token = token
	running := c.cancel != nil
	c.mu.Unlock()

	if !running {
		return
	}

	select {
	case c.reconnectCh <- struct{}{}:
	default:
	}
}

// UserID returns the subscribed user, or "" when stopped.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.userID
}

// Connected reports whether the WebSocket connection is live.
func (c *Client) Connected() bool {
	c.connectedMu.RLock()
	v := c.connected
	c.connectedMu.RUnlock()

	return v
}

func (c *Client) setConnected(v bool) {
	c.connectedMu.Lock()
	c.connected = v
	c.connectedMu.Unlock()
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.token
}

// listen runs sessions until ctx is cancelled, backing off between
// failed connections. A token refresh reconnects immediately.
func (c *Client) listen(ctx context.Context, userID string) error {
	backoff := reconnectMin

	for {
		joined, err := c.session(ctx, userID)
		c.setConnected(false)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if joined {
			backoff = reconnectMin
		}

		if errors.Is(err, errTokenRefreshed) {
			c.logger.Info("access token refreshed, rejoining")
			continue
		}

		c.logger.Warn("realtime connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)
	}
}

// session dials, joins every table and runs the event loop until the
// connection drops. joined reports whether the joins were sent.
func (c *Client) session(ctx context.Context, userID string) (bool, error) {
	select {
	case <-c.reconnectCh:
	default:
	}

	token := c.currentToken()

	conn, err := c.dial(ctx, c.socketURL)
	if err != nil {
		return false, fmt.Errorf("dialing realtime: %w", err)
	}

	conn.SetReadLimit(readLimit)
	c.conn = conn
	c.ref = 0

	defer conn.Close(websocket.StatusNormalClosure, "bye") //nolint:errcheck

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	if err := c.join(ctx, userID, token); err != nil {
		return false, err
	}

	c.startReader(connCtx)
	c.lastMessage = time.Now()
	c.setConnected(true)

	c.logger.Info("realtime connected", slog.Int("tables", len(c.tables)))

	return true, c.eventLoop(ctx, connCtx)
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh. The read error is delivered as the final message.
// The goroutine captures conn and ch so a later session never receives
// frames from an old connection.
func (c *Client) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, inboundChanSize)
	c.inboundCh = ch
	conn := c.conn

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// eventLoop owns all writes to the connection after the joins.
func (c *Client) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}

			c.lastMessage = time.Now()

			if msg.typ == websocket.MessageBinary {
				c.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			if err := c.handleFrame(msg.data); err != nil {
				return err
			}

		case <-ticker.C:
			if time.Since(c.lastMessage) > disconnectAfter {
				return errors.New("heartbeat timeout")
			}

			if err := c.writeJSON(ctx, c.message(phoenixTopic, "heartbeat", struct{}{})); err != nil {
				return fmt.Errorf("sending heartbeat: %w", err)
			}

		case <-c.reconnectCh:
			return errTokenRefreshed

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// handleFrame processes one inbound text frame. Only channel-level
// failures are returned; they force a reconnect.
func (c *Client) handleFrame(data []byte) error {
	if !gjson.ValidBytes(data) {
		c.logger.Debug("unparseable text frame", slog.Int("bytes", len(data)))
		return nil
	}

	frame := gjson.ParseBytes(data)
	topic := frame.Get("topic").String()

	switch frame.Get("event").String() {
	case "postgres_changes":
		ev, err := decodeChange(data)
		if err != nil {
			c.logger.Debug("undecodable change frame",
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)

			return nil
		}

		c.dispatch(ev)

	case "phx_reply":
		if status := frame.Get("payload.status").String(); status != "ok" {
			c.logger.Warn("realtime request rejected",
				slog.String("topic", topic),
				slog.String("status", status),
				slog.String("reason", frame.Get("payload.response.reason").String()),
			)
		}

	case "phx_error":
		return fmt.Errorf("channel %s errored", topic)

	case "phx_close":
		if topic != phoenixTopic {
			return fmt.Errorf("channel %s closed by server", topic)
		}

	case "system":
		c.logger.Debug("realtime system message",
			slog.String("topic", topic),
			slog.String("message", frame.Get("payload.message").String()),
		)
	}

	return nil
}

func (c *Client) dispatch(ev ChangeEvent) {
	decision, err := c.ingest.Apply(ev)
	if err != nil {
		c.logger.Warn("discarding realtime change",
			slog.String("table", ev.Table),
			slog.String("error", err.Error()),
		)
	} else {
		c.logger.Debug("realtime change",
			slog.String("table", ev.Table),
			slog.String("type", string(ev.EventType)),
			slog.String("decision", string(decision)),
		)
	}

	if c.onEvent != nil {
		c.onEvent(ev, decision)
	}
}

type changeFrame struct {
	Payload struct {
		Data struct {
			Type      EventType       `json:"type"`
			Table     string          `json:"table"`
			Schema    string          `json:"schema"`
			Record    json.RawMessage `json:"record"`
			OldRecord json.RawMessage `json:"old_record"`
		} `json:"data"`
	} `json:"payload"`
}

func decodeChange(data []byte) (ChangeEvent, error) {
	var frame changeFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return ChangeEvent{}, fmt.Errorf("decoding change: %w", err)
	}

	d := frame.Payload.Data
	if d.Table == "" || d.Type == "" {
		return ChangeEvent{}, errors.New("change has no table or type")
	}

	return ChangeEvent{
		EventType: d.Type,
		Table:     d.Table,
		Schema:    d.Schema,
		New:       d.Record,
		Old:       d.OldRecord,
	}, nil
}

type phxMessage struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type joinConfig struct {
	PostgresChanges []postgresChange `json:"postgres_changes"`
}

type postgresChange struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter"`
}

func (c *Client) message(topic, event string, payload any) phxMessage {
	c.ref++

	return phxMessage{
		Topic:   topic,
		Event:   event,
		Payload: payload,
		Ref:     strconv.FormatUint(c.ref, 10),
	}
}

func (c *Client) join(ctx context.Context, userID, token string) error {
	for _, table := range c.tables {
		payload := joinPayload{
			Config: joinConfig{PostgresChanges: []postgresChange{{
				Event:  "*",
				Schema: publicSchema,
				Table:  table,
				Filter: "user_id=eq." + userID,
			}}},
			AccessToken: token,
		}

		if err := c.writeJSON(ctx, c.message("realtime:"+table, "phx_join", payload)); err != nil {
			return fmt.Errorf("joining %s: %w", table, err)
		}
	}

	return nil
}

// writeJSON marshals v to JSON and writes it as a text frame.
func (c *Client) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return c.conn.Write(ctx, websocket.MessageText, data)
}
