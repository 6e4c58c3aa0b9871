package sip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	sipgo "github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/arzzra/sip_receiver/pkg/metrics"
	"github.com/arzzra/sip_receiver/pkg/rtp"
	"github.com/arzzra/sip_receiver/pkg/session"
)

const (
	// DefaultPort standard SIP UDP port
	DefaultPort = 5060

	// DefaultStartTimeout bounds the media start triggered by an INVITE
	DefaultStartTimeout = 5 * time.Second

	// DefaultRecvBuffer SO_RCVBUF of the signalling socket. One socket carries
	// every dialog, so it gets more room than a single RTP stream.
	DefaultRecvBuffer = 256 * 1024

	maxDatagramSize = 65535
)

// SessionController starts and stops RTP sessions for calls
type SessionController interface {
	StartCall(ctx context.Context, req session.StartRequest) (*session.CallSession, error)
	StopCall(callID string)
}

// Config signalling endpoint settings
type Config struct {
	BindIP      string
	Port        int
	AdvertiseIP string // Used in Contact and SDP when set
	RTPBindIP   string // SDP address when AdvertiseIP is empty

	RecvBuffer int // SO_RCVBUF, 0 = DefaultRecvBuffer
	SendBuffer int // SO_SNDBUF, 0 = rtp.VoiceOptimizedSendBuffer
	DSCP       int // 0 = no marking
}

// Option customizes an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger *logrus.Entry) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics collectors
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source used for SDP origin
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTagGenerator overrides to-tag generation
func WithTagGenerator(newTag func() string) Option {
	return func(e *Engine) { e.newTag = newTag }
}

// WithStartTimeout bounds how long an INVITE waits for its RTP session
func WithStartTimeout(d time.Duration) Option {
	return func(e *Engine) { e.startTimeout = d }
}

// Engine is the SIP user agent server answering INVITE, ACK and BYE on one
// shared UDP socket. Each INVITE starts an RTP session through the controller.
type Engine struct {
	config     Config
	controller SessionController

	conn    *net.UDPConn
	dialogs map[string]*Dialog
	mu      sync.Mutex

	baseCtx context.Context
	cancel  context.CancelFunc
	starts  sync.WaitGroup

	closeOnce sync.Once
	closed    bool

	logger       *logrus.Entry
	metrics      *metrics.Metrics
	now          func() time.Time
	newTag       func() string
	startTimeout time.Duration
	diagLimiter  *rate.Limiter
	localIP      func(peer *net.UDPAddr) string
}

// NewEngine creates an engine. Listen or Serve binds the socket.
func NewEngine(cfg Config, controller SessionController, opts ...Option) *Engine {
	if cfg.BindIP == "" {
		cfg.BindIP = "0.0.0.0"
	}
	if cfg.RTPBindIP == "" {
		cfg.RTPBindIP = "0.0.0.0"
	}
	if cfg.RecvBuffer == 0 {
		cfg.RecvBuffer = DefaultRecvBuffer
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = rtp.VoiceOptimizedSendBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config:       cfg,
		controller:   controller,
		dialogs:      make(map[string]*Dialog),
		baseCtx:      ctx,
		cancel:       cancel,
		logger:       logrus.NewEntry(logrus.StandardLogger()),
		now:          time.Now,
		newTag:       func() string { return sipgo.RandString(8) },
		startTimeout: DefaultStartTimeout,
		diagLimiter:  rate.NewLimiter(rate.Every(time.Second), 5),
		localIP:      outboundIP,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = metrics.NewNop()
	}
	e.logger = e.logger.WithField("component", "sip")

	return e
}

// Listen binds the signalling socket
func (e *Engine) Listen() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(e.config.BindIP, strconv.Itoa(e.config.Port)))
	if err != nil {
		return fmt.Errorf("could not resolve SIP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("could not listen on UDP: %w", err)
	}
	if err := rtp.ApplySocketOptions(conn, rtp.SocketOptions{
		RecvBuffer: e.config.RecvBuffer,
		SendBuffer: e.config.SendBuffer,
		DSCP:       e.config.DSCP,
	}); err != nil {
		conn.Close()
		return fmt.Errorf("could not tune SIP socket: %w", err)
	}
	e.conn = conn

	e.logger.WithField("addr", conn.LocalAddr().String()).Info("SIP UAS listening")
	return nil
}

// Addr returns the bound signalling address, nil before Listen
func (e *Engine) Addr() *net.UDPAddr {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return nil
	}
	addr, _ := e.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// Serve reads requests until ctx is cancelled or the engine is closed.
// Malformed input is dropped; it never ends the loop.
func (e *Engine) Serve(ctx context.Context) error {
	if err := e.Listen(); err != nil {
		return err
	}

	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			e.Close()
		case <-stop:
		}
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			e.logger.WithError(err).Debug("Error reading from UDP")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		e.handleDatagram(data, peer)
	}
}

// Close stops the engine, closes the socket and waits for pending media starts
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.cancel()

		e.mu.Lock()
		e.closed = true
		conn := e.conn
		e.mu.Unlock()
		if conn != nil {
			if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = cerr
			}
		}

		e.starts.Wait()
	})
	return err
}

// Dialog returns a snapshot of the dialog for callID
func (e *Engine) Dialog(callID string) (DialogInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.dialogs[callID]
	if !ok {
		return DialogInfo{}, false
	}
	return d.info(), true
}

// DialogCount returns the number of tracked dialogs
func (e *Engine) DialogCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.dialogs)
}

func (e *Engine) handleDatagram(data []byte, peer *net.UDPAddr) {
	req, err := ParseRequest(data)
	if err != nil {
		if e.diagLimiter.Allow() {
			e.logger.WithError(err).WithField("peer", peer.String()).Debug("Dropped non-request datagram")
		}
		return
	}

	callID := req.CallID()
	if callID == "" {
		if e.diagLimiter.Allow() {
			e.logger.WithFields(logrus.Fields{"peer": peer.String(), "method": req.Method}).Debug("Rejected request without Call-ID")
		}
		// ACK never gets a response
		if req.Method != MethodAck {
			e.respond(req, peer, 400, "", nil)
		}
		return
	}

	switch req.Method {
	case MethodInvite, MethodAck, MethodBye:
		e.metrics.SIPRequests.WithLabelValues(req.Method).Inc()
	default:
		e.metrics.SIPRequests.WithLabelValues("OTHER").Inc()
	}

	switch req.Method {
	case MethodInvite:
		e.handleInvite(req, callID, peer)
	case MethodAck:
		e.handleAck(callID, peer)
	case MethodBye:
		e.handleBye(req, callID, peer)
	default:
		e.handleOther(req, callID, peer)
	}
}

func (e *Engine) handleInvite(req *Request, callID string, peer *net.UDPAddr) {
	cseq, _ := req.CSeq()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if d, exists := e.dialogs[callID]; exists {
		toTag, retransmit, stored := d.toTag, d.inviteCSeq == cseq, d.okResponse
		e.mu.Unlock()

		if !retransmit {
			e.respond(req, peer, 405, toTag, nil)
			return
		}
		e.respond(req, peer, 100, "", nil)
		if stored != nil {
			e.send(stored, peer, 200)
		}
		return
	}

	d := newDialog(callID, req.FromTag(), e.newTag(), peer, cseq, e.onTransition)
	e.dialogs[callID] = d
	d.fire(EventInvite)
	toTag := d.toTag
	e.starts.Add(1)
	e.mu.Unlock()

	e.respond(req, peer, 100, "", nil)
	e.respond(req, peer, 180, toTag, nil)

	go e.startMedia(req, d, peer)
}

// startMedia binds the RTP session and sends 200 OK with the SDP answer.
// 200 is sent only after the listener is bound.
func (e *Engine) startMedia(req *Request, d *Dialog, peer *net.UDPAddr) {
	defer e.starts.Done()

	logger := e.logger.WithField("call_id", d.callID)

	ctx, cancel := context.WithTimeout(e.baseCtx, e.startTimeout)
	defer cancel()

	sess, err := e.controller.StartCall(ctx, session.StartRequest{
		CallID:     d.callID,
		Codec:      rtp.CodecPCMU,
		SampleRate: 8000,
		Channels:   1,
	})

	// Address lookup may dial a socket and must not run under e.mu
	var sdpAddr string
	var opts ResponseOptions
	if err == nil {
		sdpAddr = e.sdpIP(peer)
		opts = e.responseOptions(peer, d.toTag, nil)
	}

	e.mu.Lock()
	current, ok := e.dialogs[d.callID]
	alive := ok && current == d

	if err != nil {
		if alive {
			delete(e.dialogs, d.callID)
			d.fire(EventBye)
		}
		e.mu.Unlock()

		logger.WithError(err).Warn("RTP session start failed")
		if alive {
			e.respond(req, peer, 503, d.toTag, nil)
		}
		return
	}

	if !alive {
		e.mu.Unlock()
		logger.Info("Dialog ended before media start completed, stopping session")
		e.controller.StopCall(d.callID)
		return
	}

	d.rtpPort = sess.Port()
	answer, err := BuildSDPAnswer(sdpAddr, sess.Port(), e.now())
	if err != nil {
		delete(e.dialogs, d.callID)
		d.fire(EventBye)
		e.mu.Unlock()

		logger.WithError(err).Warn("Could not build SDP answer")
		e.controller.StopCall(d.callID)
		e.respond(req, peer, 500, d.toTag, nil)
		return
	}

	opts.Body = answer
	ok200 := BuildResponse(req, 200, opts)
	d.okResponse = ok200
	e.mu.Unlock()

	logger.WithField("port", sess.Port()).Info("Call answered")
	e.send(ok200, peer, 200)
}

func (e *Engine) handleAck(callID string, peer *net.UDPAddr) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.dialogs[callID]
	if !ok {
		e.logger.WithFields(logrus.Fields{"call_id": callID, "peer": peer.String()}).Debug("ACK for unknown dialog ignored")
		return
	}
	if d.fire(EventAck) {
		d.established = true
	}
}

func (e *Engine) handleBye(req *Request, callID string, peer *net.UDPAddr) {
	e.mu.Lock()
	toTag := ""
	if d, ok := e.dialogs[callID]; ok {
		toTag = d.toTag
		delete(e.dialogs, callID)
		d.fire(EventBye)
	}
	e.mu.Unlock()

	e.controller.StopCall(callID)
	e.respond(req, peer, 200, toTag, nil)
}

func (e *Engine) handleOther(req *Request, callID string, peer *net.UDPAddr) {
	e.mu.Lock()
	toTag := ""
	if d, ok := e.dialogs[callID]; ok {
		toTag = d.toTag
	}
	e.mu.Unlock()

	e.respond(req, peer, 405, toTag, nil)
}

func (e *Engine) onTransition(callID, from, to string) {
	e.metrics.DialogTransition.WithLabelValues(from, to).Inc()
	e.logger.WithFields(logrus.Fields{
		"call_id": callID,
		"from":    from,
		"state":   to,
	}).Info("Dialog state changed")
}

func (e *Engine) respond(req *Request, peer *net.UDPAddr, code int, toTag string, body []byte) {
	e.send(BuildResponse(req, code, e.responseOptions(peer, toTag, body)), peer, code)
}

func (e *Engine) responseOptions(peer *net.UDPAddr, toTag string, body []byte) ResponseOptions {
	return ResponseOptions{
		ToTag:    toTag,
		Received: peer.IP.String(),
		Contact:  net.JoinHostPort(e.contactIP(peer), strconv.Itoa(e.localPort())),
		Body:     body,
	}
}

func (e *Engine) send(data []byte, peer *net.UDPAddr, code int) {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return
	}

	if _, err := conn.WriteToUDP(data, peer); err != nil {
		e.logger.WithError(err).WithField("peer", peer.String()).Debug("Failed to send response")
		return
	}
	e.metrics.Response(code)
}

func (e *Engine) localPort() int {
	if e.conn == nil {
		return e.config.Port
	}
	if addr, ok := e.conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return e.config.Port
}

// contactIP picks the address of the local signalling endpoint
func (e *Engine) contactIP(peer *net.UDPAddr) string {
	if e.config.AdvertiseIP != "" {
		return e.config.AdvertiseIP
	}
	if !isUnspecified(e.config.BindIP) {
		return e.config.BindIP
	}
	return e.localIP(peer)
}

// sdpIP picks the address advertised for RTP
func (e *Engine) sdpIP(peer *net.UDPAddr) string {
	if e.config.AdvertiseIP != "" {
		return e.config.AdvertiseIP
	}
	if !isUnspecified(e.config.RTPBindIP) {
		return e.config.RTPBindIP
	}
	return e.localIP(peer)
}

func isUnspecified(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed == nil || parsed.IsUnspecified()
}

// outboundIP returns the local address the kernel would use to reach peer.
// Connecting a UDP socket sends nothing.
func outboundIP(peer *net.UDPAddr) string {
	conn, err := net.DialUDP("udp", nil, peer)
	if err != nil {
		return peer.IP.String()
	}
	defer conn.Close()

	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return peer.IP.String()
}
