package sip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sip_receiver/pkg/metrics"
	"github.com/arzzra/sip_receiver/pkg/session"
)

const (
	testPortMin = 32000
	testPortMax = 32099
	testToTag   = "srvtag"
)

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func newTestManager(t *testing.T, minPort, maxPort int) *session.Manager {
	t.Helper()
	m, err := session.NewManager(session.Config{
		BindIP:  "127.0.0.1",
		PortMin: minPort,
		PortMax: maxPort,
		Logger:  quietLogger(),
		Metrics: metrics.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func startEngine(t *testing.T, controller SessionController, opts ...Option) *Engine {
	t.Helper()

	base := []Option{
		WithLogger(quietLogger()),
		WithTagGenerator(func() string { return testToTag }),
	}
	e := NewEngine(Config{BindIP: "127.0.0.1", RTPBindIP: "127.0.0.1"}, controller, append(base, opts...)...)
	require.NoError(t, e.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, e.Close())
		assert.NoError(t, <-done)
	})
	return e
}

type sipResponse struct {
	code    int
	headers []string
	body    []byte
}

func (r sipResponse) header(name string) string {
	return headerValue(r.headers, name)
}

type testClient struct {
	t      *testing.T
	conn   *net.UDPConn
	server *net.UDPAddr
}

func newTestClient(t *testing.T, e *Engine) *testClient {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, server: e.Addr()}
}

func (c *testClient) port() int {
	return c.conn.LocalAddr().(*net.UDPAddr).Port
}

func (c *testClient) send(data string) {
	c.t.Helper()
	_, err := c.conn.WriteToUDP([]byte(data), c.server)
	require.NoError(c.t, err)
}

func (c *testClient) request(method, callID string, cseq int, extra ...string) string {
	lines := []string{
		fmt.Sprintf("%s sip:bot@127.0.0.1 SIP/2.0", method),
		fmt.Sprintf("Via: SIP/2.0/UDP 127.0.0.1:%d;branch=z9hG4bK%s%d", c.port(), callID, cseq),
		"From: <sip:alice@127.0.0.1>;tag=clienttag",
		"To: <sip:bot@127.0.0.1>",
		"Call-ID: " + callID,
		fmt.Sprintf("CSeq: %d %s", cseq, method),
	}
	lines = append(lines, extra...)
	lines = append(lines, "Content-Length: 0", "", "")
	return strings.Join(lines, "\r\n")
}

func (c *testClient) read(timeout time.Duration) (sipResponse, error) {
	buf := make([]byte, 65535)
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(timeout)))
	n, _, err := c.conn.ReadFromUDP(buf)
	if err != nil {
		return sipResponse{}, err
	}

	parts := strings.SplitN(string(buf[:n]), "\r\n\r\n", 2)
	lines := strings.Split(parts[0], "\r\n")
	status := strings.Fields(lines[0])
	if len(status) < 2 {
		return sipResponse{}, fmt.Errorf("bad status line %q", lines[0])
	}
	code, err := strconv.Atoi(status[1])
	if err != nil {
		return sipResponse{}, err
	}

	resp := sipResponse{code: code, headers: lines}
	if len(parts) == 2 {
		resp.body = []byte(parts[1])
	}
	return resp, nil
}

func (c *testClient) expect(code int) sipResponse {
	c.t.Helper()
	resp, err := c.read(2 * time.Second)
	require.NoError(c.t, err, "waiting for %d", code)
	require.Equal(c.t, code, resp.code)
	return resp
}

func (c *testClient) expectNothing() {
	c.t.Helper()
	resp, err := c.read(300 * time.Millisecond)
	var netErr net.Error
	require.Error(c.t, err, "unexpected response %d", resp.code)
	require.True(c.t, errors.As(err, &netErr) && netErr.Timeout())
}

func sdpPort(t *testing.T, body []byte) int {
	t.Helper()
	var desc sdp.SessionDescription
	require.NoError(t, desc.Unmarshal(body))
	require.Len(t, desc.MediaDescriptions, 1)
	return desc.MediaDescriptions[0].MediaName.Port.Value
}

func TestEngineCallFlow(t *testing.T) {
	manager := newTestManager(t, testPortMin, testPortMax)
	m := metrics.NewNop()
	e := startEngine(t, manager, WithMetrics(m), WithClock(func() time.Time { return time.Unix(1700000000, 0) }))
	client := newTestClient(t, e)

	client.send(client.request(MethodInvite, "abc123", 1))

	trying := client.expect(100)
	assert.Equal(t, "<sip:bot@127.0.0.1>", trying.header("To"))

	ringing := client.expect(180)
	assert.Equal(t, "<sip:bot@127.0.0.1>;tag="+testToTag, ringing.header("To"))
	assert.Contains(t, ringing.header("Via"), ";rport;received=127.0.0.1")
	assert.Equal(t, fmt.Sprintf("<sip:127.0.0.1:%d;transport=udp>", e.Addr().Port), ringing.header("Contact"))

	ok := client.expect(200)
	assert.Equal(t, "application/sdp", ok.header("Content-Type"))

	sess, found := manager.Get("abc123")
	require.True(t, found)
	assert.Equal(t, sess.Port(), sdpPort(t, ok.body))
	assert.Contains(t, string(ok.body), "c=IN IP4 127.0.0.1\r\n")
	assert.Contains(t, string(ok.body), "o=- 1700000000 1700000000 IN IP4 127.0.0.1\r\n")

	info, found := e.Dialog("abc123")
	require.True(t, found)
	assert.Equal(t, StateRinging, info.State)
	assert.Equal(t, sess.Port(), info.RTPPort)
	assert.Equal(t, "clienttag", info.FromTag)

	client.send(client.request(MethodAck, "abc123", 1))
	client.expectNothing()

	info, _ = e.Dialog("abc123")
	assert.True(t, info.Established)
	assert.Equal(t, StateEstablished, info.State)

	client.send(client.request(MethodBye, "abc123", 2))
	bye := client.expect(200)
	assert.Equal(t, "<sip:bot@127.0.0.1>;tag="+testToTag, bye.header("To"))
	assert.Equal(t, "2 BYE", bye.header("CSeq"))

	_, found = manager.Get("abc123")
	assert.False(t, found)
	assert.Empty(t, manager.List())
	assert.Equal(t, 0, e.DialogCount())

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SIPRequests.WithLabelValues(MethodInvite)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SIPRequests.WithLabelValues(MethodBye)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DialogTransition.WithLabelValues(StateEstablished, StateTerminated)))
}

func TestEngineInviteRetransmission(t *testing.T) {
	manager := newTestManager(t, testPortMin, testPortMax)
	e := startEngine(t, manager)
	client := newTestClient(t, e)

	invite := client.request(MethodInvite, "retrans-1", 1)
	client.send(invite)
	client.expect(100)
	client.expect(180)
	first := client.expect(200)

	client.send(invite)
	client.expect(100)
	again := client.expect(200)
	assert.Equal(t, first.body, again.body)
	assert.Len(t, manager.List(), 1)

	client.send(client.request(MethodInvite, "retrans-1", 2))
	client.expect(405)
	assert.Equal(t, 1, e.DialogCount())
}

func TestEngineRejectsOtherMethods(t *testing.T) {
	manager := newTestManager(t, testPortMin, testPortMax)
	m := metrics.NewNop()
	e := startEngine(t, manager, WithMetrics(m))
	client := newTestClient(t, e)

	client.send(client.request("OPTIONS", "opt-1", 1))
	client.expect(405)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SIPRequests.WithLabelValues("OTHER")))
	assert.Equal(t, 0, e.DialogCount())
}

func TestEngineOrphanRequests(t *testing.T) {
	manager := newTestManager(t, testPortMin, testPortMax)
	e := startEngine(t, manager)
	client := newTestClient(t, e)

	client.send(client.request(MethodAck, "nobody", 1))
	client.expectNothing()

	client.send(client.request(MethodBye, "nobody", 2))
	resp := client.expect(200)
	assert.Equal(t, "<sip:bot@127.0.0.1>", resp.header("To"))
}

func TestEngineIgnoresMalformedInput(t *testing.T) {
	manager := newTestManager(t, testPortMin, testPortMax)
	e := startEngine(t, manager)
	client := newTestClient(t, e)

	client.send("\x00\x01garbage")
	client.expectNothing()

	client.send("SIP/2.0 200 OK\r\nCall-ID: x\r\n\r\n")
	client.expectNothing()

	client.send(client.request("OPTIONS", "still-alive", 1))
	client.expect(405)
}

func TestEngineRejectsRequestWithoutCallID(t *testing.T) {
	manager := newTestManager(t, testPortMin, testPortMax)
	e := startEngine(t, manager)
	client := newTestClient(t, e)

	withoutCallID := func(method string, cseq int) string {
		var kept []string
		for _, line := range strings.Split(client.request(method, "dropped", cseq), "\r\n") {
			if !strings.HasPrefix(line, "Call-ID:") {
				kept = append(kept, line)
			}
		}
		return strings.Join(kept, "\r\n")
	}

	client.send(withoutCallID("OPTIONS", 1))
	resp := client.expect(400)
	assert.Equal(t, "1 OPTIONS", resp.header("CSeq"))

	client.send(withoutCallID(MethodInvite, 2))
	resp = client.expect(400)
	assert.Equal(t, "<sip:bot@127.0.0.1>", resp.header("To"), "without a dialog there is no to-tag")

	client.send(withoutCallID(MethodAck, 2))
	client.expectNothing()

	assert.Equal(t, 0, e.DialogCount())
	assert.Empty(t, manager.List())
}

func TestEnginePortExhaustion(t *testing.T) {
	manager := newTestManager(t, 32050, 32050)
	e := startEngine(t, manager)
	client := newTestClient(t, e)

	client.send(client.request(MethodInvite, "first", 1))
	client.expect(100)
	client.expect(180)
	client.expect(200)

	client.send(client.request(MethodInvite, "second", 1))
	client.expect(100)
	client.expect(180)
	busy := client.expect(503)
	assert.Equal(t, "<sip:bot@127.0.0.1>;tag="+testToTag, busy.header("To"))

	_, found := e.Dialog("second")
	assert.False(t, found)
	_, found = e.Dialog("first")
	assert.True(t, found)
}

type blockingController struct {
	entered chan struct{}
	release chan struct{}

	mu      sync.Mutex
	stopped []string
}

func newBlockingController() *blockingController {
	return &blockingController{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (c *blockingController) StartCall(ctx context.Context, req session.StartRequest) (*session.CallSession, error) {
	c.entered <- struct{}{}
	select {
	case <-c.release:
		return &session.CallSession{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *blockingController) StopCall(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = append(c.stopped, callID)
}

func (c *blockingController) stops() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.stopped...)
}

func TestEngineByeDuringPendingStart(t *testing.T) {
	controller := newBlockingController()
	e := startEngine(t, controller)
	client := newTestClient(t, e)

	client.send(client.request(MethodInvite, "pending", 1))
	client.expect(100)
	client.expect(180)

	select {
	case <-controller.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("StartCall was not called")
	}

	client.send(client.request(MethodBye, "pending", 2))
	resp := client.expect(200)
	assert.Equal(t, "2 BYE", resp.header("CSeq"))

	close(controller.release)

	assert.Eventually(t, func() bool {
		return len(controller.stops()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"pending", "pending"}, controller.stops())

	client.expectNothing()
	assert.Equal(t, 0, e.DialogCount())
}

func TestEngineResolvesAddressesWithoutLock(t *testing.T) {
	manager := newTestManager(t, testPortMin, testPortMax)

	e := NewEngine(Config{BindIP: "0.0.0.0", RTPBindIP: "0.0.0.0"}, manager,
		WithLogger(quietLogger()),
		WithTagGenerator(func() string { return testToTag }),
	)
	var lookups, underLock atomic.Int32
	e.localIP = func(*net.UDPAddr) string {
		lookups.Add(1)
		if e.mu.TryLock() {
			e.mu.Unlock()
		} else {
			underLock.Add(1)
		}
		return "192.0.2.10"
	}
	require.NoError(t, e.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, e.Close())
		assert.NoError(t, <-done)
	})

	client := newTestClient(t, e)
	client.server = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: e.Addr().Port}

	client.send(client.request(MethodInvite, "nolock", 1))
	client.expect(100)
	client.expect(180)
	ok := client.expect(200)

	assert.Equal(t, fmt.Sprintf("<sip:192.0.2.10:%d;transport=udp>", e.Addr().Port), ok.header("Contact"))
	assert.Contains(t, string(ok.body), "c=IN IP4 192.0.2.10\r\n")
	assert.Positive(t, lookups.Load())
	assert.Zero(t, underLock.Load(), "address resolved while holding e.mu")
}

func TestEngineAnswersRequestBurst(t *testing.T) {
	manager := newTestManager(t, testPortMin, testPortMax)
	m := metrics.NewNop()
	e := startEngine(t, manager, WithMetrics(m))
	client := newTestClient(t, e)

	const burst = 200
	for i := 0; i < burst; i++ {
		client.send(client.request(MethodBye, fmt.Sprintf("burst-%d", i), 2))
	}

	for i := 0; i < burst; i++ {
		client.expect(200)
	}
	assert.Equal(t, float64(burst), testutil.ToFloat64(m.SIPRequests.WithLabelValues(MethodBye)))
}

func TestEngineListenRejectsBadDSCP(t *testing.T) {
	e := NewEngine(Config{BindIP: "127.0.0.1", DSCP: 64}, newBlockingController(), WithLogger(quietLogger()))
	assert.Error(t, e.Listen())
	assert.Nil(t, e.Addr())
}
