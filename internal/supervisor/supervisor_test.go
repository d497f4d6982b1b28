package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"wardenlink/internal/compliance"
	"wardenlink/internal/obfs"
	"wardenlink/internal/protocol"
)

const kindFake protocol.Kind = "fake"

type fakeHandle struct {
	mu      sync.Mutex
	closed  bool
	bytesIn uint64
}

func (h *fakeHandle) Stats() protocol.Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	state := protocol.StateConnected
	if h.closed {
		state = protocol.StateDisconnected
	}
	return protocol.Stats{State: state, BytesIn: h.bytesIn}
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// fakeClient scripts connect outcomes per attempt; a nil entry succeeds.
type fakeClient struct {
	mu          sync.Mutex
	connectErrs []error
	attempts    int
	handles     []*fakeHandle
	testErr     error

	block     chan struct{} // when set, Connect blocks on it or ctx
	entered   chan struct{} // signalled when Connect is called
	ignoreCtx bool          // block past cancellation, like a dialer that cannot abort
}

func (c *fakeClient) Connect(ctx context.Context, _ protocol.Config, _ protocol.StreamWrapper) (protocol.Handle, error) {
	c.mu.Lock()
	attempt := c.attempts
	c.attempts++
	var err error
	if attempt < len(c.connectErrs) {
		err = c.connectErrs[attempt]
	}
	block, entered, ignoreCtx := c.block, c.entered, c.ignoreCtx
	c.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		if ignoreCtx {
			<-block
		} else {
			select {
			case <-block:
			case <-ctx.Done():
				return nil, protocol.NewConnectError(protocol.CodeUnreachable, ctx.Err())
			}
		}
	}
	if err != nil {
		return nil, err
	}

	h := &fakeHandle{}
	c.mu.Lock()
	c.handles = append(c.handles, h)
	c.mu.Unlock()
	return h, nil
}

func (c *fakeClient) TestConnection(_ context.Context, _ protocol.Config) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.testErr != nil {
		return 0, c.testErr
	}
	return time.Millisecond, nil
}

func (c *fakeClient) attemptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *fakeClient) lastHandle() *fakeHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.handles) == 0 {
		return nil
	}
	return c.handles[len(c.handles)-1]
}

func testOptions() Options {
	return Options{
		MaxAttempts:     3,
		BackoffInitial:  time.Millisecond,
		BackoffMax:      4 * time.Millisecond,
		HealthInterval:  time.Hour, // health checks disabled unless a test tightens this
		HealthFailLimit: 3,
		DegradedGrace:   time.Hour,
		TestTimeout:     time.Second,
	}
}

func testStore() *compliance.Store {
	return compliance.NewStore("de", []compliance.Rule{
		{ID: "loc-1", Scope: compliance.ScopeDataLocalization},
	})
}

func testRequest() ConnectRequest {
	return ConnectRequest{
		ServerID: "srv-1",
		Region:   "de",
		Scope:    compliance.ScopeDataLocalization,
		Protocol: protocol.Config{Kind: kindFake, Host: "10.0.0.1", Port: 443, Secret: "k"},
	}
}

func newTestSupervisor(t *testing.T, client *fakeClient, opts Options) *Supervisor {
	t.Helper()
	protocol.Register(kindFake, client)
	return New(testStore(), compliance.NewRecorder(nil), opts, nil)
}

func TestConnectSuccess(t *testing.T) {
	client := &fakeClient{}
	s := newTestSupervisor(t, client, testOptions())

	if err := s.RequestConnect(context.Background(), testRequest()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	st := s.Status()
	if st.State != StateConnected {
		t.Fatalf("state = %s, want connected", st.State)
	}
	if st.ServerID != "srv-1" {
		t.Fatalf("server = %q", st.ServerID)
	}
	if client.attemptCount() != 1 {
		t.Fatalf("attempts = %d, want 1", client.attemptCount())
	}

	if err := s.RequestDisconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if !client.lastHandle().isClosed() {
		t.Fatal("disconnect returned before the handle was closed")
	}
	if st := s.Status(); st.State != StateIdle {
		t.Fatalf("state after disconnect = %s", st.State)
	}
}

func TestRetryOnUnreachable(t *testing.T) {
	client := &fakeClient{connectErrs: []error{
		protocol.NewConnectError(protocol.CodeUnreachable, errors.New("timeout")),
		protocol.NewConnectError(protocol.CodeHandshakeFailed, errors.New("reset")),
		nil,
	}}
	s := newTestSupervisor(t, client, testOptions())

	if err := s.RequestConnect(context.Background(), testRequest()); err != nil {
		t.Fatalf("connect should succeed on the third attempt: %v", err)
	}
	if client.attemptCount() != 3 {
		t.Fatalf("attempts = %d, want 3", client.attemptCount())
	}
	defer s.RequestDisconnect(context.Background())
}

func TestRetriesExhausted(t *testing.T) {
	unreachable := protocol.NewConnectError(protocol.CodeUnreachable, errors.New("timeout"))
	client := &fakeClient{connectErrs: []error{unreachable, unreachable, unreachable}}
	s := newTestSupervisor(t, client, testOptions())

	err := s.RequestConnect(context.Background(), testRequest())
	if protocol.CodeOf(err) != protocol.CodeUnreachable {
		t.Fatalf("expected unreachable after exhausted retries, got %v", err)
	}
	if client.attemptCount() != 3 {
		t.Fatalf("attempts = %d, want 3", client.attemptCount())
	}
	if st := s.Status(); st.State != StateFailed {
		t.Fatalf("state = %s, want failed", st.State)
	}
	if st := s.Status(); st.LastError != "network" {
		t.Fatalf("surfaced category = %q, want coarse network", st.LastError)
	}
}

func TestNoRetryOnAuthFailed(t *testing.T) {
	cases := []protocol.ConnectCode{protocol.CodeAuthFailed, protocol.CodeCertificateRejected}
	for _, code := range cases {
		t.Run(string(code), func(t *testing.T) {
			client := &fakeClient{connectErrs: []error{
				protocol.NewConnectError(code, errors.New("rejected")),
			}}
			s := newTestSupervisor(t, client, testOptions())

			err := s.RequestConnect(context.Background(), testRequest())
			if protocol.CodeOf(err) != code {
				t.Fatalf("expected %s surfaced, got %v", code, err)
			}
			if client.attemptCount() != 1 {
				t.Fatalf("attempts = %d, retrying cannot succeed without new credentials", client.attemptCount())
			}
		})
	}
}

func TestBusyWhileConnected(t *testing.T) {
	client := &fakeClient{}
	s := newTestSupervisor(t, client, testOptions())

	if err := s.RequestConnect(context.Background(), testRequest()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.RequestDisconnect(context.Background())

	if err := s.RequestConnect(context.Background(), testRequest()); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestComplianceDenyMakesNoNetworkCall(t *testing.T) {
	client := &fakeClient{}
	s := newTestSupervisor(t, client, testOptions())

	req := testRequest()
	req.Region = "us"
	err := s.RequestConnect(context.Background(), req)

	var denial *compliance.DenialError
	if !errors.As(err, &denial) {
		t.Fatalf("expected DenialError, got %v", err)
	}
	if denial.Reason != compliance.ReasonRegionMismatch {
		t.Fatalf("reason = %q", denial.Reason)
	}
	if denial.RuleID != "loc-1" {
		t.Fatalf("rule = %q, the caller needs it to explain the denial", denial.RuleID)
	}
	if client.attemptCount() != 0 {
		t.Fatalf("denied connect still made %d network attempts", client.attemptCount())
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	client := &fakeClient{}
	s := newTestSupervisor(t, client, testOptions())

	if err := s.RequestDisconnect(context.Background()); err != nil {
		t.Fatalf("disconnect with nothing live: %v", err)
	}
	if err := s.RequestConnect(context.Background(), testRequest()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.RequestDisconnect(context.Background()); err != nil {
			t.Fatalf("disconnect %d: %v", i, err)
		}
	}
}

func TestDisconnectWhileConnecting(t *testing.T) {
	client := &fakeClient{
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	s := newTestSupervisor(t, client, testOptions())

	connectErr := make(chan error, 1)
	go func() {
		connectErr <- s.RequestConnect(context.Background(), testRequest())
	}()
	<-client.entered

	if st := s.Status(); st.State != StateConnecting {
		t.Fatalf("state = %s, want connecting", st.State)
	}
	if err := s.RequestDisconnect(context.Background()); err != nil {
		t.Fatalf("disconnect mid-connecting: %v", err)
	}
	if st := s.Status(); st.State != StateIdle {
		t.Fatalf("state after disconnect = %s, want idle", st.State)
	}
	if err := <-connectErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("interrupted connect returned %v", err)
	}
}

func TestDisconnectRacesConnectSuccess(t *testing.T) {
	client := &fakeClient{
		block:     make(chan struct{}),
		entered:   make(chan struct{}, 1),
		ignoreCtx: true,
	}
	s := newTestSupervisor(t, client, testOptions())

	connectErr := make(chan error, 1)
	go func() {
		connectErr <- s.RequestConnect(context.Background(), testRequest())
	}()
	<-client.entered

	disconnectErr := make(chan error, 1)
	go func() {
		disconnectErr <- s.RequestDisconnect(context.Background())
	}()

	// Give the disconnect a moment to mark the state, then let the dial
	// "succeed". The fresh socket must not outlive the request.
	time.Sleep(10 * time.Millisecond)
	close(client.block)

	if err := <-disconnectErr; err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := <-connectErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("raced connect returned %v", err)
	}
	h := client.lastHandle()
	if h == nil {
		t.Fatal("dial never completed")
	}
	if !h.isClosed() {
		t.Fatal("socket from the raced dial was left open")
	}
}

func TestDisconnectGivingUpDoesNotStrandTeardown(t *testing.T) {
	client := &fakeClient{
		block:     make(chan struct{}),
		entered:   make(chan struct{}, 1),
		ignoreCtx: true,
	}
	s := newTestSupervisor(t, client, testOptions())

	connectErr := make(chan error, 1)
	go func() {
		connectErr <- s.RequestConnect(context.Background(), testRequest())
	}()
	<-client.entered

	// The dialer cannot abort, so a disconnect with an already-expired
	// context stops waiting. The connect loop must still finish the
	// teardown once the dial returns.
	expired, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.RequestDisconnect(expired); !errors.Is(err, context.Canceled) {
		t.Fatalf("disconnect with expired context returned %v", err)
	}
	if st := s.Status(); st.State != StateDisconnecting {
		t.Fatalf("state = %s, want disconnecting while the dial is stuck", st.State)
	}

	close(client.block)
	if err := <-connectErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("interrupted connect returned %v", err)
	}
	if err := waitForState(s, StateIdle, time.Second); err != nil {
		t.Fatal(err)
	}
	if h := client.lastHandle(); h != nil && !h.isClosed() {
		t.Fatal("socket from the stuck dial was left open")
	}

	// Neither verb may be wedged afterwards.
	if err := s.RequestDisconnect(context.Background()); err != nil {
		t.Fatalf("followup disconnect: %v", err)
	}
	if err := s.RequestConnect(context.Background(), testRequest()); err != nil {
		t.Fatalf("connect after abandoned teardown: %v", err)
	}
	s.RequestDisconnect(context.Background())
}

func TestSingleConnectedInvariant(t *testing.T) {
	client := &fakeClient{}
	s := newTestSupervisor(t, client, testOptions())

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.RequestConnect(context.Background(), testRequest())
		}(i)
	}
	wg.Wait()

	var succeeded int
	for i, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrBusy):
		default:
			t.Fatalf("caller %d got unexpected error %v", i, err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("%d callers reached Connected, want exactly 1", succeeded)
	}

	client.mu.Lock()
	open := 0
	for _, h := range client.handles {
		if !h.closed {
			open++
		}
	}
	client.mu.Unlock()
	if open != 1 {
		t.Fatalf("%d handles left open, want 1", open)
	}
	s.RequestDisconnect(context.Background())
}

func TestConcurrentDisconnectWaitsForTeardown(t *testing.T) {
	client := &fakeClient{}
	s := newTestSupervisor(t, client, testOptions())

	if err := s.RequestConnect(context.Background(), testRequest()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.RequestDisconnect(context.Background()); err != nil {
				t.Errorf("disconnect: %v", err)
			}
			if !client.lastHandle().isClosed() {
				t.Error("disconnect returned with the socket still open")
			}
		}()
	}
	wg.Wait()
}

func TestHealthDegradeAndAutoReconnect(t *testing.T) {
	client := &fakeClient{}
	opts := testOptions()
	opts.HealthInterval = 5 * time.Millisecond
	opts.HealthFailLimit = 2
	opts.DegradedGrace = 20 * time.Millisecond
	s := newTestSupervisor(t, client, opts)

	if err := s.RequestConnect(context.Background(), testRequest()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	firstHandle := client.lastHandle()

	client.mu.Lock()
	client.testErr = protocol.NewConnectError(protocol.CodeUnreachable, errors.New("probe lost"))
	client.mu.Unlock()

	if err := waitForState(s, StateDegraded, time.Second); err != nil {
		t.Fatal(err)
	}

	// Probes keep failing until the grace runs out and the old tunnel is
	// forcibly torn down.
	deadline := time.Now().Add(2 * time.Second)
	for !firstHandle.isClosed() {
		if time.Now().After(deadline) {
			t.Fatalf("degraded connection never force-disconnected, state=%s", s.Status().State)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Let probes pass again so the automatic reconnect sticks.
	client.mu.Lock()
	client.testErr = nil
	client.mu.Unlock()
	if err := waitForState(s, StateConnected, 2*time.Second); err != nil {
		t.Fatal(err)
	}
	if client.lastHandle() == firstHandle {
		t.Fatal("reconnect did not build a fresh tunnel")
	}
	s.RequestDisconnect(context.Background())
}

func TestAutoReconnectBudgetIsOnePerSession(t *testing.T) {
	client := &fakeClient{}
	opts := testOptions()
	opts.HealthInterval = 5 * time.Millisecond
	opts.HealthFailLimit = 1
	opts.DegradedGrace = time.Millisecond
	s := newTestSupervisor(t, client, opts)

	// Probes fail from the start, so every generation degrades and runs
	// out its grace.
	client.mu.Lock()
	client.testErr = protocol.NewConnectError(protocol.CodeUnreachable, errors.New("probe lost"))
	client.mu.Unlock()

	if err := s.RequestConnect(context.Background(), testRequest()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// The first generation spends the automatic reconnect.
	deadline := time.Now().Add(5 * time.Second)
	for client.attemptCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("automatic reconnect never happened, attempts=%d", client.attemptCount())
		}
		time.Sleep(2 * time.Millisecond)
	}

	// The second generation degrades too; with the budget spent it must
	// settle at Idle instead of reconnecting again.
	if err := waitForState(s, StateIdle, 5*time.Second); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := client.attemptCount(); got != 2 {
		t.Fatalf("connect attempts = %d, want 2 (manual plus one automatic)", got)
	}
	if st := s.Status(); st.State != StateIdle {
		t.Fatalf("state = %s, want idle", st.State)
	}

	// A fresh manual connect starts a new session with a fresh budget.
	client.mu.Lock()
	client.testErr = nil
	client.mu.Unlock()
	if err := s.RequestConnect(context.Background(), testRequest()); err != nil {
		t.Fatalf("manual reconnect: %v", err)
	}
	s.mu.Lock()
	spent := s.reconnectSpent
	s.mu.Unlock()
	if spent {
		t.Fatal("manual connect did not refresh the automatic reconnect budget")
	}
	s.RequestDisconnect(context.Background())
}

func TestHealthRecoveryClearsDegraded(t *testing.T) {
	client := &fakeClient{}
	opts := testOptions()
	opts.HealthInterval = 5 * time.Millisecond
	opts.HealthFailLimit = 2
	opts.DegradedGrace = time.Hour // recovery must win before any forced reconnect
	s := newTestSupervisor(t, client, opts)

	if err := s.RequestConnect(context.Background(), testRequest()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.RequestDisconnect(context.Background())

	client.mu.Lock()
	client.testErr = protocol.NewConnectError(protocol.CodeUnreachable, errors.New("probe lost"))
	client.mu.Unlock()
	if err := waitForState(s, StateDegraded, time.Second); err != nil {
		t.Fatal(err)
	}

	client.mu.Lock()
	client.testErr = nil
	client.mu.Unlock()
	if err := waitForState(s, StateConnected, time.Second); err != nil {
		t.Fatal(err)
	}
}

func waitForState(s *Supervisor, want State, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if st := s.Status(); st.State == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("state never reached %s, still %s", want, s.Status().State)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSeedGeneratedAndReleased(t *testing.T) {
	client := &fakeClient{}
	s := newTestSupervisor(t, client, testOptions())

	req := testRequest()
	req.Obfuscation = obfs.Config{Method: obfs.MethodPadding}
	if err := s.RequestConnect(context.Background(), req); err != nil {
		t.Fatalf("connect: %v", err)
	}

	s.mu.Lock()
	seed := s.conn.seed
	s.mu.Unlock()
	if len(seed) != obfs.SeedSize {
		t.Fatalf("per-connection seed is %d bytes, want %d", len(seed), obfs.SeedSize)
	}

	if err := s.RequestDisconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	for _, b := range seed {
		if b != 0 {
			t.Fatal("seed not scrubbed on release")
		}
	}
}
