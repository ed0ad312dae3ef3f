// Package feed implements the realtime feed client: one websocket per target speaking the
// platform's publish/subscribe protocol (connect, subscribe, push, ping).
//
// The client never reconnects on its own. A dropped socket is only visible through
// IsConnected; an authentication rejection is delivered on AuthErrors and the owner decides
// whether to refresh the credential before calling Connect again.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/castwatch/telemetry"
)

const (
	DefaultURL        = "wss://websocket-sp-v6.stripchat.com/connection/websocket"
	defaultOrigin     = "https://stripchat.com"
	defaultUserAgent  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	defaultKeepalive  = 25 * time.Second
	defaultEventQueue = 1024
	writeTimeout      = 10 * time.Second
	shutdownWait      = 5 * time.Second
)

// State is the protocol state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingConnectAck
	StateSubscribing
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingConnectAck:
		return "awaiting_connect_ack"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Event is one push received on a subscribed channel.
type Event struct {
	Channel    string
	Kind       string
	Data       json.RawMessage
	ReceivedAt time.Time
}

// AuthError reports that the server rejected the token, either in reply to the connect
// command or as the websocket close code.
type AuthError struct {
	Code    int
	Message string
	OnClose bool
}

func (e AuthError) Error() string {
	where := "connect"
	if e.OnClose {
		where = "close"
	}
	return fmt.Sprintf("feed auth error on %s: code=%d %s", where, e.Code, e.Message)
}

// Options configures a Client. Zero values take defaults.
type Options struct {
	URL               string
	Origin            string
	UserAgent         string
	Kinds             []string
	KeepaliveInterval time.Duration
	EventQueue        int
	Dialer            *websocket.Dialer
	Logger            *slog.Logger
	Now               func() time.Time
}

// Client is a single feed connection. Methods are safe for concurrent use.
type Client struct {
	opts     Options
	log      *slog.Logger
	events   chan Event
	authErrs chan AuthError

	mu          sync.Mutex
	state       State
	token       string
	cfClearance string
	url         string
	platformID  string
	nextID      int
	sess        *session
}

// session is one dialed socket. pending and subscribed are owned by the read goroutine.
type session struct {
	ws         *websocket.Conn
	writeMu    sync.Mutex
	connectID  int
	pending    map[int]string
	subscribed map[string]bool
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
}

// NewClient returns a disconnected client.
func NewClient(opts Options) *Client {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.Origin == "" {
		opts.Origin = defaultOrigin
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if len(opts.Kinds) == 0 {
		opts.Kinds = DefaultKinds
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = defaultKeepalive
	}
	if opts.EventQueue <= 0 {
		opts.EventQueue = defaultEventQueue
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 15 * time.Second, Proxy: http.ProxyFromEnvironment}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &Client{
		opts:     opts,
		log:      lg.With(slog.String("component", "feed")),
		events:   make(chan Event, opts.EventQueue),
		authErrs: make(chan AuthError, 4),
	}
}

// Events delivers pushes from subscribed channels. When the consumer falls behind the
// queue size, further events are dropped and counted.
func (c *Client) Events() <-chan Event { return c.events }

// AuthErrors delivers token rejections. Signals are dropped when one is already pending.
func (c *Client) AuthErrors() <-chan AuthError { return c.authErrs }

// SetCredential replaces the token, anti-bot cookie and endpoint used by the next Connect.
// An empty wsURL dials Options.URL.
func (c *Client) SetCredential(token, cfClearance, wsURL string) {
	c.mu.Lock()
	c.token = token
	c.cfClearance = cfClearance
	c.url = wsURL
	c.mu.Unlock()
}

// State returns the current protocol state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the connect command was acknowledged on a live socket.
func (c *Client) IsConnected() bool {
	s := c.State()
	return s == StateSubscribing || s == StateActive
}

// Connect dials the feed for platformID and sends the connect command. Any existing
// connection is closed first. It returns once the command is written; the acknowledgement
// and subscriptions are handled by the read goroutine.
func (c *Client) Connect(ctx context.Context, platformID string) error {
	if platformID == "" {
		return errors.New("feed: platform id required")
	}
	c.Disconnect()

	c.mu.Lock()
	c.state = StateConnecting
	c.platformID = platformID
	token, cf, url := c.token, c.cfClearance, c.url
	c.mu.Unlock()
	if url == "" {
		url = c.opts.URL
	}

	header := http.Header{}
	header.Set("Origin", c.opts.Origin)
	header.Set("User-Agent", c.opts.UserAgent)
	header.Set("Accept-Language", "ja,en-US;q=0.9")
	if cf != "" {
		header.Set("Cookie", "cf_clearance="+cf)
	}

	c.log.Info("feed connecting", slog.String("platform_id", platformID), slog.Bool("auth", token != ""))
	ws, resp, err := c.opts.Dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		if cerr := resp.Body.Close(); cerr != nil {
			c.log.Debug("handshake body close", slog.Any("err", cerr))
		}
	}
	if err != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		if resp != nil {
			return fmt.Errorf("feed dial: HTTP %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("feed dial: %w", err)
	}

	s := &session{
		ws:         ws,
		pending:    make(map[int]string),
		subscribed: make(map[string]bool),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	c.mu.Lock()
	if c.state != StateConnecting {
		// Disconnect ran while dialing.
		c.mu.Unlock()
		_ = ws.Close()
		return errors.New("feed: disconnected while dialing")
	}
	c.nextID++
	s.connectID = c.nextID
	c.sess = s
	c.state = StateAwaitingConnectAck
	c.mu.Unlock()

	go c.readLoop(s)

	cmd := connectCommand{ID: s.connectID}
	cmd.Connect.Token = token
	cmd.Connect.Name = "js"
	if err := s.writeJSON(cmd); err != nil {
		c.Disconnect()
		return fmt.Errorf("feed connect command: %w", err)
	}
	return nil
}

// Disconnect stops the keepalive, closes the socket if one is open and waits for the
// read goroutine to exit. It is idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	if s == nil {
		return
	}
	s.shutdown()
	select {
	case <-s.done:
	case <-time.After(shutdownWait):
		c.log.Warn("feed read loop did not exit in time")
	}
	telemetry.SetFeedConnected(false)
	c.log.Debug("feed disconnected")
}

func (c *Client) current(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess == s
}

func (c *Client) readLoop(s *session) {
	defer close(s.done)
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			c.handleClosed(s, err)
			return
		}
		c.handleFrame(s, data)
	}
}

func (c *Client) handleClosed(s *session, err error) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	s.shutdown()
	telemetry.SetFeedConnected(false)

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		c.log.Info("feed closed", slog.Int("code", ce.Code), slog.String("reason", ce.Text))
		if ce.Code == CodeAuthRequired {
			c.emitAuthError(AuthError{Code: ce.Code, Message: ce.Text, OnClose: true})
		}
		return
	}
	c.log.Warn("feed read failed", slog.Any("err", err))
}

func (c *Client) handleFrame(s *session, data []byte) {
	text := strings.TrimSpace(string(data))
	if text == "{}" {
		c.pong(s)
		return
	}
	frames, dropped := SplitFrames(text)
	for i := 0; i < dropped; i++ {
		telemetry.IncFeedFrame("unparseable")
	}
	if dropped > 0 {
		c.log.Debug("feed dropped unparseable sub-frames", slog.Int("count", dropped))
	}
	for _, raw := range frames {
		var r reply
		if err := json.Unmarshal(raw, &r); err != nil {
			telemetry.IncFeedFrame("unparseable")
			continue
		}
		switch {
		case r.isPing():
			c.pong(s)
		case r.Connect != nil && r.ID == s.connectID:
			c.onConnectAck(s)
		case r.Error != nil && r.ID == s.connectID:
			telemetry.IncFeedFrame("connect_error")
			c.log.Error("feed connect rejected", slog.Int("code", r.Error.Code), slog.String("message", r.Error.Message))
			if r.Error.Code == CodeAuthRequired {
				c.emitAuthError(AuthError{Code: r.Error.Code, Message: r.Error.Message})
			}
		case r.Subscribe != nil && r.ID != 0:
			c.onSubscribeResult(s, r.ID, nil)
		case r.Error != nil && r.ID != 0:
			c.onSubscribeResult(s, r.ID, r.Error)
		case r.Push != nil:
			c.onPush(s, r)
		default:
			telemetry.IncFeedFrame("other")
		}
	}
}

func (c *Client) pong(s *session) {
	telemetry.IncFeedFrame("ping")
	if err := s.writeText("{}"); err != nil {
		c.log.Debug("feed pong failed", slog.Any("err", err))
	}
}

func (c *Client) onConnectAck(s *session) {
	type sub struct {
		id      int
		channel string
	}
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.state = StateSubscribing
	subs := make([]sub, 0, len(c.opts.Kinds))
	for _, kind := range c.opts.Kinds {
		c.nextID++
		subs = append(subs, sub{id: c.nextID, channel: ChannelName(kind, c.platformID)})
	}
	c.mu.Unlock()

	telemetry.IncFeedFrame("connect_ack")
	telemetry.SetFeedConnected(true)
	c.log.Info("feed connect acknowledged")
	for _, sb := range subs {
		s.pending[sb.id] = sb.channel
		cmd := subscribeCommand{ID: sb.id}
		cmd.Subscribe.Channel = sb.channel
		if err := s.writeJSON(cmd); err != nil {
			c.log.Warn("feed subscribe write failed", slog.String("channel", sb.channel), slog.Any("err", err))
		}
	}
	if len(subs) == 0 {
		c.activate(s)
	}
}

func (c *Client) onSubscribeResult(s *session, id int, perr *protocolError) {
	channel, ok := s.pending[id]
	if !ok {
		return
	}
	delete(s.pending, id)
	if perr != nil {
		telemetry.IncFeedFrame("subscribe_error")
		c.log.Warn("feed subscribe rejected", slog.String("channel", channel), slog.Int("code", perr.Code), slog.String("message", perr.Message))
	} else {
		telemetry.IncFeedFrame("subscribe_ack")
		s.subscribed[channel] = true
	}
	if len(s.pending) == 0 {
		c.activate(s)
	}
}

func (c *Client) activate(s *session) {
	c.mu.Lock()
	if c.sess != s || c.state != StateSubscribing {
		c.mu.Unlock()
		return
	}
	c.state = StateActive
	c.mu.Unlock()
	c.log.Info("feed active", slog.Int("channels", len(s.subscribed)))
	go c.keepalive(s)
}

func (c *Client) keepalive(s *session) {
	t := time.NewTicker(c.opts.KeepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			if !c.current(s) {
				return
			}
			if err := s.writeText("{}"); err != nil {
				c.log.Debug("feed keepalive failed", slog.Any("err", err))
			}
		}
	}
}

func (c *Client) onPush(s *session, r reply) {
	if r.Push.Channel == "" || r.Push.Pub == nil || len(r.Push.Pub.Data) == 0 || string(r.Push.Pub.Data) == "null" {
		telemetry.IncFeedFrame("other")
		return
	}
	if !s.subscribed[r.Push.Channel] {
		telemetry.IncFeedFrame("unsubscribed")
		return
	}
	ev := Event{
		Channel:    r.Push.Channel,
		Kind:       KindOf(r.Push.Channel),
		Data:       r.Push.Pub.Data,
		ReceivedAt: c.opts.Now(),
	}
	select {
	case c.events <- ev:
		telemetry.IncFeedFrame("push")
	default:
		telemetry.IncFeedFrame("dropped")
		c.log.Warn("feed event queue full, dropping event", slog.String("channel", ev.Channel))
	}
}

func (c *Client) emitAuthError(ae AuthError) {
	telemetry.IncFeedAuthError()
	select {
	case c.authErrs <- ae:
	default:
	}
}

func (s *session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.ws.WriteJSON(v)
}

func (s *session) writeText(text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.ws.WriteMessage(websocket.TextMessage, []byte(text))
}

func (s *session) shutdown() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.writeMu.Lock()
		_ = s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = s.ws.Close()
	})
}
