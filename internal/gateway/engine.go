// Package gateway is the WebSocket session engine: a single-threaded
// cooperative state machine driven by incoming frames, heartbeat timer
// ticks, and user commands, with resume-aware reconnection.
package gateway

import (
	"compress/zlib"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gocord "gocord"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	largeThreshold    = 50
	commandQueueSize  = 16
	commandRateLimit  = 120
	commandRateWindow = 60 * time.Second
	helloDeadline     = 10 * time.Second
	backoffBase       = time.Second
	backoffFactor     = 2.0
	backoffCap        = 60 * time.Second
)

// Config configures one Engine instance. All configuration arrives here;
// the engine reads no environment variables.
type Config struct {
	GatewayURL string // base, e.g. "wss://gateway.discord.gg"
	Token      string
	Intents    int64
	Shard      Shard
	Presence   interface{}
	Compress   bool // negotiate &compress=zlib-stream

	OnDispatch    func(Event)
	OnStateChange func(Status)
	OnClose       func(error)
	Logger        *zap.Logger
}

type commandFrame struct {
	op       Opcode
	payload  interface{}
	priority int // lower sheds first on backpressure; presence is lowest
}

// Engine is the GatewayEngine.
type Engine struct {
	cfg     Config
	session *Session
	log     *zap.Logger

	dialer *websocket.Dialer

	connMu sync.Mutex
	conn   *websocket.Conn

	commands chan commandFrame
	closeReq chan struct{}
	closed   atomic.Bool

	limiter *commandLimiter
}

func New(cfg Config) *Engine {
	log := cfg.Logger
	if log == nil {
		log = zap.L()
	}
	e := &Engine{
		cfg:      cfg,
		session:  newSession(cfg.GatewayURL, cfg.Token, cfg.Intents, cfg.Shard, cfg.Presence),
		log:      log,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		commands: make(chan commandFrame, commandQueueSize),
		closeReq: make(chan struct{}),
		limiter:  newCommandLimiter(commandRateLimit, commandRateWindow),
	}
	return e
}

func (e *Engine) Snapshot() Snapshot { return e.session.snapshot() }
func (e *Engine) IsReady() bool      { return e.session.isReady() }

// Run drives the reconnect loop until ctx is cancelled, Close is called,
// or a fatal close code is received. It blocks; callers run it in its own
// goroutine.
func (e *Engine) Run(ctx context.Context) error {
	backoff := backoffBase
	fresh := true

	for {
		select {
		case <-ctx.Done():
			e.gracefulClose()
			return ctx.Err()
		case <-e.closeReq:
			e.gracefulClose()
			return nil
		default:
		}

		e.setStatus(StatusConnecting)
		err := e.connectAndRun(ctx, fresh)

		if err == nil {
			return nil // graceful close requested by caller
		}

		var fatalErr *gocord.Error
		if errors.As(err, &fatalErr) && fatalErr.Kind == gocord.KindGatewayFatal {
			e.setStatus(StatusDisconnected)
			if e.cfg.OnClose != nil {
				e.cfg.OnClose(err)
			}
			return err
		}

		e.setStatus(StatusReconnecting)
		e.log.Warn("gateway connection lost, reconnecting", zap.Error(err))
		if e.cfg.OnClose != nil {
			e.cfg.OnClose(err)
		}

		fresh = !e.canResume()
		select {
		case <-time.After(jitteredBackoff(backoff)):
		case <-ctx.Done():
			return ctx.Err()
		case <-e.closeReq:
			return nil
		}
		backoff = nextBackoff(backoff)
	}
}

func (e *Engine) canResume() bool {
	s := e.session.snapshot()
	return s.SessionID != "" && s.Sequence >= 0
}

func jitteredBackoff(d time.Duration) time.Duration {
	jitter := 1 + (rand.Float64()*0.4 - 0.2) // ±20%
	return time.Duration(float64(d) * jitter)
}

func nextBackoff(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * backoffFactor)
	if next > backoffCap {
		return backoffCap
	}
	return next
}

// Close requests a graceful shutdown: close code 1000, no reconnect.
func (e *Engine) Close() {
	if e.closed.CompareAndSwap(false, true) {
		close(e.closeReq)
	}
}

func (e *Engine) gracefulClose() {
	e.setStatus(StatusDisconnecting)
	e.connMu.Lock()
	conn := e.conn
	e.connMu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeNormal, ""),
			time.Now().Add(2*time.Second))
		_ = conn.Close()
	}
	e.setStatus(StatusDisconnected)
}

func (e *Engine) setStatus(s Status) {
	e.session.setStatus(s)
	if e.cfg.OnStateChange != nil {
		e.cfg.OnStateChange(s)
	}
}

type inboundMsg struct {
	packet Packet
	err    error
}

// connectAndRun performs one full connection lifetime: dial, HELLO,
// IDENTIFY or RESUME, then the cooperative select loop over frames,
// heartbeat ticks, and outbound commands.
func (e *Engine) connectAndRun(ctx context.Context, fresh bool) error {
	dialURL := e.dialTarget(fresh)
	conn, _, err := e.dialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return gocord.WrapError(gocord.KindGatewayReconnect, "dial failed", true, err)
	}
	e.connMu.Lock()
	e.conn = conn
	e.connMu.Unlock()

	inbound := make(chan inboundMsg, 8)
	readerDone := make(chan struct{})
	go e.readLoop(conn, inbound, readerDone)

	// Closing conn first unblocks any pending ReadMessage in readLoop, so
	// waiting on readerDone afterward cannot deadlock.
	defer func() {
		e.connMu.Lock()
		_ = conn.Close()
		e.conn = nil
		e.connMu.Unlock()
		<-readerDone
	}()

	helloInterval, err := e.awaitHello(ctx, inbound)
	if err != nil {
		return err
	}

	heartbeatAcked := new(atomic.Bool)
	heartbeatAcked.Store(true)
	ticker, stopTicker := e.startHeartbeatTimer(helloInterval)
	defer stopTicker()

	if fresh {
		e.setStatus(StatusIdentifying)
		if err := e.sendIdentify(); err != nil {
			return gocord.WrapError(gocord.KindGatewayReconnect, "identify send failed", true, err)
		}
	} else {
		e.setStatus(StatusResuming)
		if err := e.sendResume(); err != nil {
			return gocord.WrapError(gocord.KindGatewayReconnect, "resume send failed", true, err)
		}
	}

	for {
		select {
		case msg, ok := <-inbound:
			if !ok {
				return gocord.NewError(gocord.KindGatewayReconnect, "inbound channel closed", true)
			}
			if msg.err != nil {
				return e.classifyCloseErr(msg.err)
			}
			if done, rerr := e.handlePacket(msg.packet, heartbeatAcked); done || rerr != nil {
				return rerr
			}

		case <-ticker.C:
			if !heartbeatAcked.Load() {
				e.log.Warn("gateway heartbeat not acked in time, closing as zombie")
				e.sendClose(closeZombie)
				return gocord.NewError(gocord.KindGatewayReconnect, "heartbeat zombie", true)
			}
			heartbeatAcked.Store(false)
			if err := e.sendHeartbeat(); err != nil {
				return gocord.WrapError(gocord.KindGatewayReconnect, "heartbeat send failed", true, err)
			}

		case cmd := <-e.commands:
			if !e.limiter.allow() {
				if cmd.priority <= 0 {
					e.log.Warn("gateway command queue overflow, dropping low-priority command", zap.String("op", cmd.op.String()))
					continue
				}
				e.limiter.wait(ctx)
			}
			if err := e.sendFrame(cmd.op, cmd.payload); err != nil {
				return gocord.WrapError(gocord.KindGatewayReconnect, "command send failed", true, err)
			}

		case <-e.closeReq:
			e.sendClose(closeNormal)
			return nil

		case <-ctx.Done():
			e.sendClose(closeNormal)
			return nil
		}
	}
}

func (e *Engine) dialTarget(fresh bool) string {
	base := e.cfg.GatewayURL
	if !fresh {
		if resume := e.session.snapshot(); resume.SessionID != "" {
			e.session.mu.Lock()
			if e.session.ResumeGatewayURL != "" {
				base = e.session.ResumeGatewayURL
			}
			e.session.mu.Unlock()
		}
	}
	q := url.Values{}
	q.Set("v", "10")
	q.Set("encoding", "json")
	if e.cfg.Compress {
		q.Set("compress", "zlib-stream")
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}

func (e *Engine) readLoop(conn *websocket.Conn, out chan<- inboundMsg, done chan<- struct{}) {
	defer close(done)
	defer close(out)

	if e.cfg.Compress {
		e.readLoopCompressed(conn, out)
		return
	}

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			out <- inboundMsg{err: err}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		var pkt Packet
		if err := json.Unmarshal(data, &pkt); err != nil {
			e.log.Warn("gateway: malformed frame", zap.Error(err))
			continue
		}
		out <- inboundMsg{packet: pkt}
	}
}

// readLoopCompressed handles the transport-level compressed stream: every
// frame is a chunk of one continuous zlib stream, each JSON payload
// terminated by a Z_SYNC_FLUSH boundary. Frames are piped into a single
// inflater and payloads decoded off the inflated stream as they complete.
func (e *Engine) readLoopCompressed(conn *websocket.Conn, out chan<- inboundMsg) {
	pr, pw := io.Pipe()

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				_ = pw.CloseWithError(err)
				return
			}
			if _, err := pw.Write(data); err != nil {
				return
			}
		}
	}()

	zr, err := zlib.NewReader(pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		out <- inboundMsg{err: err}
		return
	}
	defer zr.Close()

	dec := json.NewDecoder(zr)
	for {
		var pkt Packet
		if err := dec.Decode(&pkt); err != nil {
			out <- inboundMsg{err: err}
			return
		}
		out <- inboundMsg{packet: pkt}
	}
}

func (e *Engine) awaitHello(ctx context.Context, inbound <-chan inboundMsg) (time.Duration, error) {
	timer := time.NewTimer(helloDeadline)
	defer timer.Stop()
	select {
	case msg, ok := <-inbound:
		if !ok || msg.err != nil {
			return 0, gocord.NewError(gocord.KindGatewayReconnect, "connection closed before HELLO", true)
		}
		if msg.packet.Op != OpHello {
			return 0, gocord.NewError(gocord.KindGatewayReconnect, fmt.Sprintf("expected HELLO, got %s", msg.packet.Op), true)
		}
		var hello helloData
		if err := json.Unmarshal(msg.packet.D, &hello); err != nil {
			return 0, gocord.WrapError(gocord.KindParse, "malformed HELLO payload", false, err)
		}
		e.session.mu.Lock()
		e.session.HeartbeatIntervalMs = hello.HeartbeatInterval
		e.session.mu.Unlock()
		return time.Duration(hello.HeartbeatInterval) * time.Millisecond, nil
	case <-timer.C:
		return 0, gocord.NewError(gocord.KindGatewayReconnect, "HELLO not received within deadline", true)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// startHeartbeatTimer starts a ticker whose first tick fires after a
// uniformly random fraction of the interval, so a fleet of shards does not
// heartbeat in lockstep. Steady-state ticks land on the full interval.
func (e *Engine) startHeartbeatTimer(interval time.Duration) (*time.Ticker, func()) {
	firstDelay := time.Duration(rand.Float64() * float64(interval))
	ticker := time.NewTicker(interval)
	// Reset so the very first fire respects the jittered delay; subsequent
	// fires use the configured interval via the same ticker.
	ticker.Reset(firstDelay)
	go func() {
		<-time.After(firstDelay)
		ticker.Reset(interval)
	}()
	return ticker, ticker.Stop
}

// handlePacket demuxes one inbound frame by opcode. No opcode returns
// done=true: RESUMED and ordinary frames keep the connection running,
// while RECONNECT, INVALID_SESSION, a failed heartbeat reply or a
// malformed READY end it by returning an error.
func (e *Engine) handlePacket(pkt Packet, heartbeatAcked *atomic.Bool) (done bool, err error) {
	switch pkt.Op {
	case OpDispatch:
		return e.handleDispatch(pkt)
	case OpHeartbeatAck:
		heartbeatAcked.Store(true)
		return false, nil
	case OpHeartbeat:
		if sendErr := e.sendHeartbeat(); sendErr != nil {
			return false, gocord.WrapError(gocord.KindGatewayReconnect, "heartbeat reply failed", true, sendErr)
		}
		return false, nil
	case OpReconnect:
		e.sendClose(closeZombie)
		return false, gocord.NewError(gocord.KindGatewayReconnect, "server requested reconnect", true)
	case OpInvalidSession:
		return e.handleInvalidSession(pkt)
	case OpHello:
		return false, nil // a second HELLO mid-session is unexpected but harmless to ignore
	default:
		e.log.Debug("gateway: unhandled opcode", zap.String("op", pkt.Op.String()))
		return false, nil
	}
}

func (e *Engine) handleDispatch(pkt Packet) (bool, error) {
	if pkt.S != nil {
		e.session.updateSequence(*pkt.S)
	}

	switch pkt.T {
	case "READY":
		var ready readyData
		if err := json.Unmarshal(pkt.D, &ready); err != nil {
			return false, gocord.WrapError(gocord.KindParse, "malformed READY payload", false, err)
		}
		e.session.mu.Lock()
		e.session.SessionID = ready.SessionID
		e.session.ResumeGatewayURL = ready.ResumeGatewayURL
		e.session.mu.Unlock()
		e.setStatus(StatusReady)
	case "RESUMED":
		e.setStatus(StatusReady)
	}

	if e.cfg.OnDispatch != nil {
		seq := int64(0)
		if pkt.S != nil {
			seq = *pkt.S
		}
		e.cfg.OnDispatch(Event{Type: pkt.T, Sequence: seq, Raw: pkt.D})
	}
	return false, nil
}

func (e *Engine) handleInvalidSession(pkt Packet) (bool, error) {
	var resumable bool
	_ = json.Unmarshal(pkt.D, &resumable)
	if resumable {
		return false, gocord.NewError(gocord.KindGatewayReconnect, "invalid session, resuming", true)
	}
	delay := time.Duration(1+rand.Float64()*4) * time.Second
	time.Sleep(delay)
	e.session.clearForFreshIdentify()
	return false, gocord.NewError(gocord.KindGatewayReconnect, "invalid session, re-identifying fresh", true)
}

func (e *Engine) classifyCloseErr(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if reason, fatal := isFatalClose(ce.Code); fatal {
			return gocord.NewError(gocord.KindGatewayFatal, fmt.Sprintf("fatal close %d: %s", ce.Code, reason), false)
		}
		return gocord.WrapError(gocord.KindGatewayReconnect, fmt.Sprintf("close %d", ce.Code), true, err)
	}
	return gocord.WrapError(gocord.KindGatewayReconnect, "connection read error", true, err)
}

func (e *Engine) sendClose(code int) {
	e.connMu.Lock()
	conn := e.conn
	e.connMu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
}

func (e *Engine) sendFrame(op Opcode, payload interface{}) error {
	data, err := encodePacket(op, payload)
	if err != nil {
		return err
	}
	e.connMu.Lock()
	conn := e.conn
	e.connMu.Unlock()
	if conn == nil {
		return errors.New("gateway: no active connection")
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (e *Engine) sendIdentify() error {
	e.session.mu.Lock()
	shard := e.session.Shard
	presence := e.session.Presence
	intents := e.session.Intents
	token := e.session.Token
	e.session.mu.Unlock()

	payload := identifyPayload{
		Token:      token,
		Properties: identifyProperties{OS: "linux", Browser: "gocord", Device: "gocord"},
		// Transport-level stream compression is negotiated in the connect
		// URL; requesting payload compression on top would double-wrap
		// large payloads.
		Compress:       false,
		LargeThreshold: largeThreshold,
		Shard:          [2]int{shard.ID, shard.Total},
		Presence:       presence,
		Intents:        intents,
	}
	return e.sendFrame(OpIdentify, payload)
}

func (e *Engine) sendResume() error {
	e.session.mu.Lock()
	token := e.session.Token
	sessionID := e.session.SessionID
	seq := e.session.Sequence
	e.session.mu.Unlock()

	return e.sendFrame(OpResume, resumePayload{Token: token, SessionID: sessionID, Sequence: seq})
}

func (e *Engine) sendHeartbeat() error {
	e.session.mu.Lock()
	e.session.LastHeartbeatSentAt = time.Now()
	e.session.mu.Unlock()
	return e.sendFrame(OpHeartbeat, e.session.sequenceOrNil())
}

// UpdatePresence queues a PRESENCE_UPDATE; it is the lowest-priority
// command and the first to be dropped on queue overflow.
func (e *Engine) UpdatePresence(presence interface{}) {
	select {
	case e.commands <- commandFrame{op: OpPresenceUpdate, payload: presence, priority: 0}:
	default:
		e.log.Warn("gateway command queue full, dropping presence update")
	}
}

// UpdateVoiceState queues a VOICE_STATE_UPDATE.
func (e *Engine) UpdateVoiceState(ctx context.Context, state interface{}) error {
	return e.enqueue(ctx, commandFrame{op: OpVoiceStateUpdate, payload: state, priority: 1})
}

// RequestGuildMembers queues a REQUEST_GUILD_MEMBERS.
func (e *Engine) RequestGuildMembers(ctx context.Context, req interface{}) error {
	return e.enqueue(ctx, commandFrame{op: OpRequestGuildMembers, payload: req, priority: 1})
}

func (e *Engine) enqueue(ctx context.Context, cmd commandFrame) error {
	select {
	case e.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// commandLimiter is a simple fixed-window limiter for the gateway's
// server-enforced 120 commands / 60s cap.
type commandLimiter struct {
	mu          sync.Mutex
	max         int
	window      time.Duration
	windowStart time.Time
	count       int
}

func newCommandLimiter(max int, window time.Duration) *commandLimiter {
	return &commandLimiter{max: max, window: window, windowStart: time.Now()}
}

func (l *commandLimiter) allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.count = 0
	}
	if l.count >= l.max {
		return false
	}
	l.count++
	return true
}

func (l *commandLimiter) wait(ctx context.Context) {
	l.mu.Lock()
	remaining := l.window - time.Since(l.windowStart)
	l.mu.Unlock()
	if remaining <= 0 {
		return
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
