package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/pitfeed/clock"
	"github.com/c360/pitfeed/errors"
	"github.com/c360/pitfeed/feed"
	"github.com/c360/pitfeed/metric"
	"github.com/c360/pitfeed/pkg/retry"
)

const (
	defaultBaseURL = "https://livetiming.formula1.com"

	// SignalR classic protocol constants.
	clientProtocol = "1.5"
	hubName        = "Streaming"
	recordSep      = "\x1e"

	handshakeTimeout  = 45 * time.Second
	heartbeatInterval = 5 * time.Second
	heartbeatFrame    = "6::"

	reconnectInitial = 1 * time.Second
	reconnectMax     = 300 * time.Second

	// A reconnect gap longer than this invalidates accumulated topic state.
	stalenessThreshold = 2 * time.Minute
)

// LiveConfig configures the live SignalR adapter.
type LiveConfig struct {
	// BaseURL is the upstream host root, without a trailing slash.
	BaseURL string
	// Topics to subscribe to. Defaults to the full set.
	Topics []string
	// Staleness overrides the reconnect staleness threshold.
	Staleness time.Duration
}

func (c *LiveConfig) fill() {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if len(c.Topics) == 0 {
		c.Topics = feed.Topics
	}
	if c.Staleness <= 0 {
		c.Staleness = stalenessThreshold
	}
}

// Live is the SignalR live-timing adapter. It negotiates, connects over
// websocket, subscribes to the topic set, and keeps the connection alive with
// heartbeats and exponential-backoff reconnects.
type Live struct {
	config LiveConfig
	clock  clock.Source
	logger *slog.Logger
	// metrics may be nil in tests.
	metrics *metric.Core

	httpClient *http.Client
	dialer     *websocket.Dialer

	messages chan feed.RawMessage
	seq      sequencer
	activity activityClock

	conn      *websocket.Conn
	connMu    sync.Mutex
	connected atomic.Bool

	started     atomic.Bool
	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	shutdown    chan struct{}
	wg          sync.WaitGroup
}

var _ Adapter = (*Live)(nil)

// NewLive creates a live adapter. metrics may be nil.
func NewLive(config LiveConfig, src clock.Source, logger *slog.Logger, metrics *metric.Core) *Live {
	config.fill()
	return &Live{
		config:     config,
		clock:      src,
		logger:     logger.With("component", "live_transport"),
		metrics:    metrics,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer:     &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		messages:   make(chan feed.RawMessage, messageChannelSize),
		shutdown:   make(chan struct{}),
	}
}

// Name implements Adapter.
func (l *Live) Name() string { return "live-transport" }

// Messages implements Adapter.
func (l *Live) Messages() <-chan feed.RawMessage { return l.messages }

// LastActivity implements Adapter.
func (l *Live) LastActivity() time.Time { return l.activity.last() }

// Healthy implements Adapter. The adapter is healthy only while connected;
// the reconnect loop keeps running regardless.
func (l *Live) Healthy() bool {
	return l.started.Load() && l.connected.Load()
}

// Start implements Adapter.
func (l *Live) Start(ctx context.Context) error {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()

	if !l.started.CompareAndSwap(false, true) {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "live_transport", "Start", "check state")
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.wg.Add(1)
	go l.connectLoop(runCtx)
	return nil
}

// Stop implements Adapter.
func (l *Live) Stop(timeout time.Duration) error {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()

	if !l.started.Load() {
		return nil
	}

	close(l.shutdown)
	l.cancel()
	l.closeConn()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("shutdown timeout after %v", timeout),
			"live_transport", "Stop", "wait for goroutines")
	}

	close(l.messages)
	l.started.Store(false)
	return nil
}

// connectLoop maintains the connection: negotiate, connect, subscribe, read
// until failure, back off, repeat. Backoff resets after every successful
// subscribe.
func (l *Live) connectLoop(ctx context.Context) {
	defer l.wg.Done()

	backoff := retry.NewBackoff(reconnectInitial, reconnectMax)
	var disconnectedAt time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.shutdown:
			return
		default:
		}

		conn, err := l.establish(ctx)
		if err != nil {
			l.logger.Warn("connect failed", "error", err)
			if l.metrics != nil {
				l.metrics.Reconnects.Inc()
			}
			delay := backoff.Next()
			l.logger.Info("reconnecting", "delay", delay)
			select {
			case <-ctx.Done():
				return
			case <-l.shutdown:
				return
			case <-time.After(delay):
			}
			continue
		}

		backoff.Reset()
		l.setConn(conn)
		l.connected.Store(true)
		if l.metrics != nil {
			l.metrics.ConnectionStatus.WithLabelValues("live").Set(1)
		}

		// A long gap means accumulated topic state may be stale. The
		// boundary marker precedes the subscribe snapshot that follows.
		if !disconnectedAt.IsZero() && l.clock.Now().Sub(disconnectedAt) > l.config.Staleness {
			l.logger.Warn("reconnect gap exceeded staleness threshold",
				"gap", l.clock.Now().Sub(disconnectedAt))
			l.emit(feed.RawMessage{Reset: true, ArrivalTime: l.clock.Now(), Seq: l.seq.next()})
		}

		heartbeatDone := make(chan struct{})
		l.wg.Add(1)
		go l.heartbeatLoop(conn, heartbeatDone)

		l.readLoop(ctx, conn)

		close(heartbeatDone)
		l.connected.Store(false)
		if l.metrics != nil {
			l.metrics.ConnectionStatus.WithLabelValues("live").Set(0)
		}
		disconnectedAt = l.clock.Now()
		l.setConn(nil)
		conn.Close()
	}
}

// establish performs the negotiate handshake, opens the websocket and sends
// the subscribe request.
func (l *Live) establish(ctx context.Context) (*websocket.Conn, error) {
	token, cookie, err := l.negotiate(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := l.connect(ctx, token, cookie)
	if err != nil {
		return nil, err
	}

	if err := l.subscribe(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// negotiate performs the SignalR negotiate request and returns the connection
// token plus the session cookie.
func (l *Live) negotiate(ctx context.Context) (token, cookie string, err error) {
	q := url.Values{}
	q.Set("connectionData", connectionData())
	q.Set("clientProtocol", clientProtocol)
	negotiateURL := l.config.BaseURL + "/signalr/negotiate?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, negotiateURL, nil)
	if err != nil {
		return "", "", errors.WrapInvalid(err, "live_transport", "negotiate", "build request")
	}
	req.Header.Set("User-Agent", "BestHTTP")
	req.Header.Set("Accept-Encoding", "gzip, identity")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return "", "", errors.WrapTransient(err, "live_transport", "negotiate", "execute request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", errors.WrapTransient(
			fmt.Errorf("%w: status %d", errors.ErrNegotiateFailed, resp.StatusCode),
			"live_transport", "negotiate", "check status")
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", errors.WrapTransient(err, "live_transport", "negotiate", "read body")
	}

	var payload struct {
		ConnectionToken string `json:"ConnectionToken"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.ConnectionToken == "" {
		return "", "", errors.WrapTransient(
			fmt.Errorf("%w: missing connection token", errors.ErrNegotiateFailed),
			"live_transport", "negotiate", "parse response")
	}

	for _, c := range resp.Cookies() {
		if cookie != "" {
			cookie += "; "
		}
		cookie += c.Name + "=" + c.Value
	}
	return payload.ConnectionToken, cookie, nil
}

// connect opens the websocket and waits for the server init frame.
func (l *Live) connect(ctx context.Context, token, cookie string) (*websocket.Conn, error) {
	q := url.Values{}
	q.Set("transport", "webSockets")
	q.Set("clientProtocol", clientProtocol)
	q.Set("connectionToken", token)
	q.Set("connectionData", connectionData())

	wsURL := strings.Replace(l.config.BaseURL, "https://", "wss://", 1) +
		"/signalr/connect?" + q.Encode()

	headers := http.Header{}
	headers.Set("User-Agent", "BestHTTP")
	headers.Set("Accept-Encoding", "gzip, identity")
	if cookie != "" {
		headers.Set("Cookie", cookie)
	}

	conn, resp, err := l.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, errors.WrapTransient(err, "live_transport", "connect", "dial websocket")
	}
	if resp != nil {
		resp.Body.Close()
	}

	// The server confirms the connection with an init frame before any hub
	// traffic.
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if _, _, err := conn.ReadMessage(); err != nil {
		conn.Close()
		return nil, errors.WrapTransient(err, "live_transport", "connect", "read init frame")
	}
	conn.SetReadDeadline(time.Time{})
	return conn, nil
}

// subscribe sends the hub subscribe request for the configured topics.
func (l *Live) subscribe(conn *websocket.Conn) error {
	request := map[string]any{
		"H": hubName,
		"M": "Subscribe",
		"A": []any{l.config.Topics},
		"I": 1,
	}
	data, err := json.Marshal(request)
	if err != nil {
		return errors.WrapInvalid(err, "live_transport", "subscribe", "marshal request")
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.WrapTransient(
			fmt.Errorf("%w: %w", errors.ErrSubscribeFailed, err),
			"live_transport", "subscribe", "send request")
	}
	return nil
}

// heartbeatLoop sends keepalive frames until the connection goes away.
func (l *Live) heartbeatLoop(conn *websocket.Conn, done <-chan struct{}) {
	defer l.wg.Done()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-l.shutdown:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.TextMessage, []byte(heartbeatFrame)); err != nil {
				return
			}
		}
	}
}

// readLoop reads frames until the connection fails or shutdown is signalled.
func (l *Live) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.shutdown:
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			l.logger.Warn("read failed", "error", err)
			return
		}
		l.handleData(data)
	}
}

// handleData splits a websocket message into SignalR frames and dispatches
// each one.
func (l *Live) handleData(data []byte) {
	for _, frame := range splitFrames(data) {
		l.handleFrame(frame)
	}
}

// splitFrames splits raw data on the SignalR record separator, dropping
// empty fragments.
func splitFrames(data []byte) [][]byte {
	parts := strings.Split(string(data), recordSep)
	out := make([][]byte, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, []byte(p))
	}
	return out
}

// signalrFrame is the subset of the SignalR envelope the adapter consumes:
// hub invocations under M and the subscribe reply snapshot under R.
type signalrFrame struct {
	M []struct {
		H string            `json:"H"`
		M string            `json:"M"`
		A []json.RawMessage `json:"A"`
	} `json:"M"`
	R map[string]json.RawMessage `json:"R"`
	I any                        `json:"I"`
}

// handleFrame parses one SignalR frame and emits the feed messages it
// carries. Malformed frames are counted and dropped.
func (l *Live) handleFrame(data []byte) {
	var frame signalrFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		l.drop("malformed_frame")
		return
	}

	now := l.clock.Now()

	// Subscribe reply: one full snapshot per subscribed topic. Emitted in
	// the stable topic order so downstream state rebuilds deterministically.
	if len(frame.R) > 0 {
		for _, topic := range l.config.Topics {
			payload, ok := frame.R[topic]
			if !ok {
				continue
			}
			l.emit(feed.RawMessage{
				Topic:       topic,
				Payload:     payload,
				ArrivalTime: now,
				Seq:         l.seq.next(),
			})
		}
	}

	for _, inv := range frame.M {
		if inv.M != "feed" || len(inv.A) < 2 {
			continue
		}
		var topic string
		if err := json.Unmarshal(inv.A[0], &topic); err != nil || topic == "" {
			l.drop("malformed_frame")
			continue
		}
		l.emit(feed.RawMessage{
			Topic:       topic,
			Payload:     inv.A[1],
			ArrivalTime: now,
			Seq:         l.seq.next(),
		})
	}
}

// emit pushes one message into the output channel, dropping on overflow so a
// stalled consumer cannot block the read loop.
func (l *Live) emit(msg feed.RawMessage) {
	select {
	case l.messages <- msg:
		l.activity.mark(msg.ArrivalTime)
		if l.metrics != nil && msg.Topic != "" {
			l.metrics.MessagesIngested.WithLabelValues(msg.Topic).Inc()
		}
	default:
		l.drop("overflow")
	}
}

func (l *Live) drop(reason string) {
	if l.metrics != nil {
		l.metrics.MessagesDropped.WithLabelValues(reason).Inc()
	}
}

func (l *Live) setConn(conn *websocket.Conn) {
	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
}

func (l *Live) closeConn() {
	l.connMu.Lock()
	if l.conn != nil {
		l.conn.Close()
	}
	l.connMu.Unlock()
}

// connectionData is the SignalR hub description sent on negotiate and
// connect.
func connectionData() string {
	return `[{"name":"` + hubName + `"}]`
}
