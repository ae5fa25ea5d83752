package orchestrator

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fgeck/wol-gameproxy/internal/models"
	"github.com/fgeck/wol-gameproxy/internal/services/intercept"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testConfig() *models.ProxyConfig {
	return &models.ProxyConfig{
		Server: models.ServerConfig{
			TargetIP:         "192.168.1.100",
			MACAddress:       "AA:BB:CC:DD:EE:FF",
			NetworkInterface: "eth0",
			NetworkMask:      "24",
			ListenAddress:    "0.0.0.0",
		},
		Timing: models.TimingConfig{
			BootWait:               time.Hour,
			HealthCheckInterval:    10 * time.Millisecond,
			BootCheckInterval:      10 * time.Millisecond,
			WOLRetryInterval:       20 * time.Millisecond,
			ConnectionTimeout:      time.Second,
			ServerCheckTimeout:     50 * time.Millisecond,
			HealthFailureThreshold: 1,
		},
		Minecraft: &models.MinecraftConfig{
			Port:        25565,
			MOTDOffline: "Join to start",
			KickMessage: "Starting",
		},
		Satisfactory: &models.SatisfactoryConfig{
			GamePort:   7777,
			QueryPort:  15000,
			BeaconPort: 15777,
		},
		WOL: models.WOLConfig{Ports: []int{9}},
	}
}

var errFailed = errors.New("failed")

type mockIdentity struct {
	mu            sync.Mutex
	held          bool
	claims        int
	releases      int
	claimFailures int
	validateErr   error
	claimErr      error
}

func (m *mockIdentity) Validate(_ context.Context) error {
	return m.validateErr
}

func (m *mockIdentity) Claim(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimFailures > 0 {
		m.claimFailures--
		return errFailed
	}
	if m.claimErr != nil {
		return m.claimErr
	}
	if !m.held {
		m.held = true
		m.claims++
	}
	return nil
}

func (m *mockIdentity) Release(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held {
		m.held = false
		m.releases++
	}
	return nil
}

func (m *mockIdentity) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}

func (m *mockIdentity) counts() (claims, releases int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claims, m.releases
}

type mockWOL struct {
	mu      sync.Mutex
	records []models.WakeAttemptRecord
}

func (m *mockWOL) Wake(_ context.Context, _ models.ServerConfig, _ models.WOLConfig) (*models.WakeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, models.WakeAttemptRecord{
		Timestamp:   time.Now(),
		Destination: "192.168.1.255:9",
		Success:     true,
	})
	return &models.WakeResult{PacketSent: true, Destinations: []string{"192.168.1.255:9"}}, nil
}

func (m *mockWOL) Recent(n int) []models.WakeAttemptRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := m.records
	if n > 0 && len(records) > n {
		records = records[len(records)-n:]
	}
	return append([]models.WakeAttemptRecord(nil), records...)
}

func (m *mockWOL) LastRecord() *models.WakeAttemptRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		return nil
	}
	last := m.records[len(m.records)-1]
	return &last
}

func (m *mockWOL) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type mockHealth struct {
	present      atomic.Bool
	check        atomic.Bool
	presentCalls atomic.Int32
	checkCalls   atomic.Int32
	preflightErr error
}

func (m *mockHealth) Preflight(_ models.ServerConfig) error {
	return m.preflightErr
}

func (m *mockHealth) Check(_ context.Context, _ string, _ []int, _ time.Duration) *models.ProbeResult {
	m.checkCalls.Add(1)
	return &models.ProbeResult{Reachable: m.check.Load(), Endpoint: "tcp"}
}

func (m *mockHealth) Present(_ context.Context, _ models.ServerConfig, _ time.Duration) *models.ProbeResult {
	m.presentCalls.Add(1)
	return &models.ProbeResult{Reachable: m.present.Load(), Endpoint: "arp"}
}

type mockTelegram struct {
	messages chan models.TelegramMessage
}

func (m *mockTelegram) SendNotification(_ context.Context, _ models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	m.messages <- msg
	return &models.TelegramResult{MessageSent: true}, nil
}

type fakeInterceptor struct {
	game      models.Game
	ports     []int
	listenErr error

	mu       sync.Mutex
	listened bool
	closed   bool
	updates  int
}

func (f *fakeInterceptor) Game() models.Game { return f.game }
func (f *fakeInterceptor) Ports() []int      { return f.ports }

func (f *fakeInterceptor) Listen(_ context.Context) error {
	if f.listenErr != nil {
		return f.listenErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listened = true
	return nil
}

func (f *fakeInterceptor) Serve(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeInterceptor) Addrs() []net.Addr { return nil }

func (f *fakeInterceptor) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeInterceptor) Inspect(_ []byte) (models.Classification, bool) { return "", false }
func (f *fakeInterceptor) Respond(_ models.LifecycleState, _ []byte) []byte {
	return nil
}

func (f *fakeInterceptor) Update(_ *models.ProxyConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
}

func (f *fakeInterceptor) snapshot() (listened, closed bool, updates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listened, f.closed, f.updates
}

type fakeFactory struct {
	mu        sync.Mutex
	created   map[models.Game][]*fakeInterceptor
	listenErr map[models.Game]error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		created:   make(map[models.Game][]*fakeInterceptor),
		listenErr: make(map[models.Game]error),
	}
}

func (f *fakeFactory) build(game models.Game, cfg *models.ProxyConfig, _ intercept.Deps) intercept.Interceptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	ic := &fakeInterceptor{game: game, listenErr: f.listenErr[game]}
	switch game {
	case models.GameMinecraft:
		ic.ports = []int{cfg.Minecraft.Port}
	case models.GameSatisfactory:
		ic.ports = cfg.Satisfactory.Ports()
	}
	f.created[game] = append(f.created[game], ic)
	return ic
}

// listened returns the interceptors for game that were bound.
func (f *fakeFactory) listened(game models.Game) []*fakeInterceptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeInterceptor
	for _, ic := range f.created[game] {
		if l, _, _ := ic.snapshot(); l {
			out = append(out, ic)
		}
	}
	return out
}

type fixture struct {
	svc      *Impl
	identity *mockIdentity
	wol      *mockWOL
	health   *mockHealth
	factory  *fakeFactory
}

func newFixture(cfg *models.ProxyConfig) *fixture {
	f := &fixture{
		identity: &mockIdentity{},
		wol:      &mockWOL{},
		health:   &mockHealth{},
		factory:  newFakeFactory(),
	}
	f.svc = NewWithServices(testLogger(), cfg, f.identity, f.wol, f.health, nil, f.factory.build)
	return f
}

// run starts the proxy and returns a stop function that cancels it and
// returns Run's error.
func (f *fixture) run(t *testing.T) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.svc.Run(ctx) }()

	stop := sync.OnceValue(func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			return errors.New("Run did not return")
		}
	})
	t.Cleanup(func() { _ = stop() })
	return stop
}

func (f *fixture) waitState(t *testing.T, state models.LifecycleState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.svc.State() == state
	}, 2*time.Second, 5*time.Millisecond, "waiting for %s, have %s", state, f.svc.State())
}

func joinAttempt() models.InboundEvent {
	return models.InboundEvent{
		Game:           models.GameMinecraft,
		Classification: models.ClassJoinAttempt,
		Peer:           &net.TCPAddr{IP: net.IPv4(192, 168, 1, 50), Port: 50000},
		Timestamp:      time.Now(),
		Detail:         "Steve",
	}
}

func TestRun_StartsOfflineAndClaims(t *testing.T) {
	f := newFixture(testConfig())
	f.run(t)

	f.waitState(t, models.StateOffline)
	require.Eventually(t, f.identity.Held, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(f.factory.listened(models.GameMinecraft)) == 1 &&
			len(f.factory.listened(models.GameSatisfactory)) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Positive(t, f.health.checkCalls.Load())
	assert.Zero(t, f.health.presentCalls.Load())
}

func TestRun_StartsMonitoringWhenReachable(t *testing.T) {
	f := newFixture(testConfig())
	f.health.check.Store(true)
	f.run(t)

	f.waitState(t, models.StateMonitoring)
	assert.False(t, f.identity.Held())

	// Health checks keep running.
	calls := f.health.checkCalls.Load()
	require.Eventually(t, func() bool {
		return f.health.checkCalls.Load() > calls
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.StateMonitoring, f.svc.State())
}

func TestRun_StartupProbeUsesARPWhenHeld(t *testing.T) {
	f := newFixture(testConfig())
	f.identity.held = true
	f.health.check.Store(true)
	f.run(t)

	require.Eventually(t, func() bool {
		return f.health.presentCalls.Load() > 0
	}, time.Second, 5*time.Millisecond)
	f.waitState(t, models.StateOffline)
	assert.True(t, f.identity.Held())
	assert.Zero(t, f.health.checkCalls.Load())
}

func TestRun_ValidateFailureIsFatal(t *testing.T) {
	f := newFixture(testConfig())
	f.identity.validateErr = errors.New("network interface not found")

	err := f.svc.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identity validation failed")
	assert.Empty(t, f.factory.listened(models.GameMinecraft))
}

func TestRun_ReadyAfterStartup(t *testing.T) {
	f := newFixture(testConfig())
	select {
	case <-f.svc.Ready():
		t.Fatal("ready before Run")
	default:
	}

	f.run(t)
	select {
	case <-f.svc.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("not ready after Run started")
	}
	assert.True(t, f.svc.Running())
	assert.Len(t, f.factory.listened(models.GameMinecraft), 1)
}

func TestRun_NotReadyWhenStartupFails(t *testing.T) {
	f := newFixture(testConfig())
	f.identity.validateErr = errFailed

	require.Error(t, f.svc.Run(context.Background()))
	select {
	case <-f.svc.Ready():
		t.Fatal("ready after failed startup")
	default:
	}
}

func TestRun_PreflightFailureIsFatal(t *testing.T) {
	f := newFixture(testConfig())
	f.health.preflightErr = errors.New("ARP presence checks unavailable (CAP_NET_RAW required): operation not permitted")

	err := f.svc.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CAP_NET_RAW")
	assert.False(t, f.identity.Held())
	assert.Empty(t, f.factory.listened(models.GameMinecraft))
}

func TestRun_ClaimFailureIsFatal(t *testing.T) {
	f := newFixture(testConfig())
	f.identity.claimErr = errFailed

	err := f.svc.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errFailed)
	assert.Empty(t, f.factory.listened(models.GameMinecraft))
}

func TestRun_ListenFailureReleasesIdentity(t *testing.T) {
	f := newFixture(testConfig())
	f.factory.listenErr[models.GameSatisfactory] = errors.New("address already in use")

	err := f.svc.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address already in use")
	assert.False(t, f.identity.Held())

	mc := f.factory.listened(models.GameMinecraft)
	require.Len(t, mc, 1)
	_, closed, _ := mc[0].snapshot()
	assert.True(t, closed)
}

func TestRun_ShutdownReleasesIdentity(t *testing.T) {
	f := newFixture(testConfig())
	stop := f.run(t)

	f.waitState(t, models.StateOffline)
	require.Eventually(t, f.identity.Held, time.Second, 5*time.Millisecond)

	require.NoError(t, stop())
	assert.False(t, f.identity.Held())
	for _, ic := range f.factory.listened(models.GameMinecraft) {
		_, closed, _ := ic.snapshot()
		assert.True(t, closed)
	}
}

func TestPublish_StatusQueryNeverChangesState(t *testing.T) {
	f := newFixture(testConfig())
	f.run(t)
	f.waitState(t, models.StateOffline)

	for i := 0; i < 5; i++ {
		f.svc.Publish(models.InboundEvent{Game: models.GameMinecraft, Classification: models.ClassStatusQuery})
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, models.StateOffline, f.svc.State())
	assert.Equal(t, uint64(5), f.svc.Status().Statistics.StatusQueries)
	assert.Zero(t, f.wol.count())
}

func TestWakeCycle_Success(t *testing.T) {
	f := newFixture(testConfig())
	f.run(t)
	f.waitState(t, models.StateOffline)

	f.svc.Publish(joinAttempt())
	f.waitState(t, models.StateStarting)
	assert.True(t, f.identity.Held())
	assert.GreaterOrEqual(t, f.wol.count(), 1)

	f.health.present.Store(true)
	f.waitState(t, models.StateMonitoring)

	claims, releases := f.identity.counts()
	assert.Equal(t, 1, claims)
	assert.Equal(t, 1, releases)
	assert.False(t, f.identity.Held())

	stats := f.svc.Status().Statistics
	assert.Equal(t, uint64(1), stats.WakeCycles)
	assert.Equal(t, uint64(1), stats.SuccessfulWakes)
	assert.Equal(t, uint64(1), stats.JoinAttempts)
	assert.Equal(t, uint64(4), stats.StateTransitions)
	assert.Zero(t, stats.FailedWakes)
}

func TestWakeCycle_DeduplicatesTriggers(t *testing.T) {
	f := newFixture(testConfig())
	f.run(t)
	f.waitState(t, models.StateOffline)

	f.svc.Publish(joinAttempt())
	f.waitState(t, models.StateStarting)

	for i := 0; i < 10; i++ {
		f.svc.Publish(joinAttempt())
		f.svc.Publish(models.InboundEvent{Game: models.GameSatisfactory, Classification: models.ClassRawTraffic})
	}

	time.Sleep(50 * time.Millisecond)
	stats := f.svc.Status().Statistics
	assert.Equal(t, uint64(1), stats.WakeCycles)
	assert.Equal(t, uint64(11), stats.JoinAttempts)
	assert.Equal(t, models.StateStarting, f.svc.State())
}

func TestWakeCycle_RetriesWakeWhileStarting(t *testing.T) {
	f := newFixture(testConfig())
	f.run(t)
	f.waitState(t, models.StateOffline)

	f.svc.Publish(joinAttempt())
	f.waitState(t, models.StateStarting)

	require.Eventually(t, func() bool {
		return f.wol.count() >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), f.svc.Status().Statistics.WakeCycles)
}

func TestWakeCycle_BootTimeoutOnce(t *testing.T) {
	cfg := testConfig()
	cfg.Timing.BootWait = 100 * time.Millisecond
	f := newFixture(cfg)
	f.run(t)
	f.waitState(t, models.StateOffline)

	f.svc.Publish(joinAttempt())
	f.waitState(t, models.StateStarting)

	require.Eventually(t, func() bool {
		return f.svc.Status().Statistics.FailedWakes == 1
	}, 2*time.Second, 5*time.Millisecond)

	// No further transitions once back offline.
	time.Sleep(200 * time.Millisecond)
	stats := f.svc.Status().Statistics
	assert.Equal(t, uint64(1), stats.FailedWakes)
	assert.Equal(t, uint64(3), stats.StateTransitions)
	assert.Equal(t, models.StateOffline, f.svc.State())
	assert.True(t, f.identity.Held())

	_, releases := f.identity.counts()
	assert.Zero(t, releases)

	// A new join starts a fresh cycle.
	f.svc.Publish(joinAttempt())
	f.waitState(t, models.StateStarting)
	assert.Equal(t, uint64(2), f.svc.Status().Statistics.WakeCycles)
}

func TestMonitoring_HealthLostReclaims(t *testing.T) {
	cfg := testConfig()
	cfg.Timing.HealthFailureThreshold = 3
	f := newFixture(cfg)
	f.health.check.Store(true)
	f.run(t)
	f.waitState(t, models.StateMonitoring)

	f.health.check.Store(false)
	f.waitState(t, models.StateOffline)

	assert.True(t, f.identity.Held())
	stats := f.svc.Status().Statistics
	assert.Equal(t, uint64(1), stats.ServerLost)
	assert.GreaterOrEqual(t, f.health.checkCalls.Load(), int32(4))
}

func TestMonitoring_GraceAfterHandoff(t *testing.T) {
	f := newFixture(testConfig())
	f.run(t)
	f.waitState(t, models.StateOffline)

	f.svc.Publish(joinAttempt())
	f.health.present.Store(true)
	f.waitState(t, models.StateMonitoring)

	// The game port is not open yet; boot_wait has not passed.
	calls := f.health.checkCalls.Load()
	require.Eventually(t, func() bool {
		return f.health.checkCalls.Load() > calls+3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.StateMonitoring, f.svc.State())

	// After the first success, failures count.
	f.health.check.Store(true)
	calls = f.health.checkCalls.Load()
	require.Eventually(t, func() bool {
		return f.health.checkCalls.Load() > calls+1
	}, time.Second, 5*time.Millisecond)
	f.health.check.Store(false)
	f.waitState(t, models.StateOffline)
	assert.Equal(t, uint64(1), f.svc.Status().Statistics.ServerLost)
}

func TestMonitoring_GraceExpires(t *testing.T) {
	cfg := testConfig()
	cfg.Timing.BootWait = 150 * time.Millisecond
	f := newFixture(cfg)
	f.run(t)
	f.waitState(t, models.StateOffline)

	f.svc.Publish(joinAttempt())
	f.health.present.Store(true)
	f.waitState(t, models.StateMonitoring)
	f.waitState(t, models.StateOffline)

	stats := f.svc.Status().Statistics
	assert.Equal(t, uint64(1), stats.SuccessfulWakes)
	assert.Equal(t, uint64(1), stats.ServerLost)
}

func TestSyncIdentity_RetriesUntilClaimed(t *testing.T) {
	cfg := testConfig()
	f := newFixture(cfg)
	f.svc.retryMin = 10 * time.Millisecond
	f.svc.retryMax = 20 * time.Millisecond
	f.health.check.Store(true)
	f.run(t)
	f.waitState(t, models.StateMonitoring)

	f.identity.mu.Lock()
	f.identity.claimFailures = 3
	f.identity.mu.Unlock()
	f.health.check.Store(false)

	f.waitState(t, models.StateOffline)
	require.Eventually(t, f.identity.Held, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(3), f.svc.Status().Statistics.IdentityErrors)
}

func TestSyncIdentity_Backoff(t *testing.T) {
	f := newFixture(testConfig())
	f.identity.claimErr = errFailed

	var delays []time.Duration
	for i := 0; i < 8; i++ {
		f.svc.syncIdentity(context.Background())
		delays = append(delays, f.svc.retryDelay)
	}
	f.svc.reconcileTimer.Stop()

	assert.Equal(t, []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}, delays)
	assert.Equal(t, uint64(8), f.svc.Status().Statistics.IdentityErrors)

	f.identity.claimErr = nil
	f.svc.syncIdentity(context.Background())
	assert.Zero(t, f.svc.retryDelay)
	assert.Nil(t, f.svc.reconcileTimer)
	assert.True(t, f.identity.Held())
}

func TestHandle_DropsStaleTimerEvents(t *testing.T) {
	f := newFixture(testConfig())
	f.svc.setState(models.StateStarting)
	f.svc.epoch = 5

	f.svc.handle(context.Background(), event{kind: evBootDeadline, epoch: 4})
	f.svc.handle(context.Background(), event{kind: evBootProbe, epoch: 4, reachable: true})
	assert.Equal(t, models.StateStarting, f.svc.State())

	f.svc.handle(context.Background(), event{kind: evBootDeadline, epoch: 5})
	assert.Equal(t, models.StateOffline, f.svc.State())
	assert.Equal(t, uint64(1), f.svc.Status().Statistics.FailedWakes)
	assert.True(t, f.identity.Held())
}

func TestPublish_DropsRawTrafficWhenFull(t *testing.T) {
	f := newFixture(testConfig())
	raw := models.InboundEvent{Game: models.GameSatisfactory, Classification: models.ClassRawTraffic}

	for i := 0; i < mailboxSize+3; i++ {
		f.svc.Publish(raw)
	}

	assert.Equal(t, uint64(3), f.svc.Status().Statistics.DroppedEvents)
}

func TestPublish_IgnoredOutsideOffline(t *testing.T) {
	f := newFixture(testConfig())
	f.svc.setState(models.StateMonitoring)

	f.svc.Publish(joinAttempt())
	assert.Empty(t, f.svc.mailbox)
	assert.Equal(t, uint64(1), f.svc.Status().Statistics.JoinAttempts)
}

func TestObserve(t *testing.T) {
	f := newFixture(testConfig())
	f.svc.Observe(models.GameMinecraft)
	f.svc.Observe(models.GameSatisfactory)
	f.svc.Observe(models.GameSatisfactory)

	stats := f.svc.Status().Statistics
	assert.Equal(t, uint64(1), stats.MinecraftConnections)
	assert.Equal(t, uint64(2), stats.SatisfactoryConnections)
}

func TestPeers_ReportedInStatus(t *testing.T) {
	f := newFixture(testConfig())
	f.svc.Peers(models.GameSatisfactory, 3)
	assert.Equal(t, 3, f.svc.Status().SatisfactoryPeers)

	f.svc.Peers(models.GameMinecraft, 7)
	f.svc.Peers(models.GameSatisfactory, 0)
	assert.Equal(t, 0, f.svc.Status().SatisfactoryPeers)
}

func TestPublish_JoinAttemptReleasedByShutdown(t *testing.T) {
	f := newFixture(testConfig())
	for i := 0; i < mailboxSize; i++ {
		f.svc.mailbox <- event{kind: evReconcile}
	}

	returned := make(chan struct{})
	go func() {
		f.svc.Publish(joinAttempt())
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatal("Publish returned while the mailbox was full")
	case <-time.After(50 * time.Millisecond):
	}

	// shutdown runs before done is closed; a blocked Publish must not hold it up.
	f.svc.shutdown()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish still blocked after shutdown began")
	}
	assert.Equal(t, uint64(1), f.svc.Status().Statistics.DroppedEvents)
}

func TestReload_KeepsStateAndSwapsSettings(t *testing.T) {
	cfg := testConfig()
	f := newFixture(cfg)
	f.run(t)
	f.waitState(t, models.StateOffline)

	f.svc.Publish(joinAttempt())
	f.waitState(t, models.StateStarting)
	ctx := context.Background()

	// Message change updates the running interceptor in place.
	next := testConfig()
	next.Minecraft.MOTDOffline = "Wake me up"
	require.NoError(t, f.svc.Reload(ctx, next))
	assert.Equal(t, models.StateStarting, f.svc.State())

	mc := f.factory.listened(models.GameMinecraft)
	require.Len(t, mc, 1)
	_, _, updates := mc[0].snapshot()
	assert.Equal(t, 1, updates)
	assert.Equal(t, "Wake me up", f.svc.config().Minecraft.MOTDOffline)

	// Port change binds a new listener and closes the old one.
	next = testConfig()
	next.Minecraft.Port = 25566
	require.NoError(t, f.svc.Reload(ctx, next))
	mc = f.factory.listened(models.GameMinecraft)
	require.Len(t, mc, 2)
	_, closed, _ := mc[0].snapshot()
	assert.True(t, closed)
	assert.Equal(t, []int{25566}, mc[1].Ports())

	// Disabling a game stops it.
	next = testConfig()
	next.Minecraft.Port = 25566
	next.Satisfactory = nil
	require.NoError(t, f.svc.Reload(ctx, next))
	sf := f.factory.listened(models.GameSatisfactory)
	require.Len(t, sf, 1)
	_, closed, _ = sf[0].snapshot()
	assert.True(t, closed)

	// Server settings need a restart.
	next = testConfig()
	next.Minecraft.Port = 25566
	next.Server.TargetIP = "192.168.1.200"
	require.NoError(t, f.svc.Reload(ctx, next))
	assert.Equal(t, "192.168.1.100", f.svc.Status().TargetIP)

	assert.Equal(t, models.StateStarting, f.svc.State())
	assert.Equal(t, uint64(1), f.svc.Status().Statistics.WakeCycles)
}

func TestReload_PortConflictKeepsOldListener(t *testing.T) {
	f := newFixture(testConfig())
	f.run(t)
	f.waitState(t, models.StateOffline)

	f.factory.mu.Lock()
	f.factory.listenErr[models.GameMinecraft] = errors.New("address already in use")
	f.factory.mu.Unlock()

	next := testConfig()
	next.Minecraft.Port = 25566
	err := f.svc.Reload(context.Background(), next)
	require.Error(t, err)

	mc := f.factory.listened(models.GameMinecraft)
	require.Len(t, mc, 1)
	_, closed, updates := mc[0].snapshot()
	assert.False(t, closed)
	assert.Equal(t, 1, updates)
}

func TestReload_AfterStop(t *testing.T) {
	f := newFixture(testConfig())
	stop := f.run(t)
	f.waitState(t, models.StateOffline)
	require.NoError(t, stop())

	assert.ErrorIs(t, f.svc.Reload(context.Background(), testConfig()), ErrStopped)
}

func TestStatus_RecentWakes(t *testing.T) {
	f := newFixture(testConfig())
	for i := 0; i < 15; i++ {
		_, _ = f.wol.Wake(context.Background(), models.ServerConfig{}, models.WOLConfig{})
	}

	snap := f.svc.Status()
	require.Len(t, snap.RecentWakes, recentWakes)
	require.NotNil(t, snap.LastWake)
	assert.Equal(t, *snap.LastWake, snap.RecentWakes[recentWakes-1])
	assert.Equal(t, "192.168.1.100", snap.TargetIP)
	assert.Equal(t, models.StateOffline, snap.State)
	assert.False(t, snap.StateSince.IsZero())
}

func TestNotifications(t *testing.T) {
	cfg := testConfig()
	cfg.Telegram = &models.TelegramConfig{BotToken: "token", ChatID: "123"}
	f := newFixture(cfg)
	tg := &mockTelegram{messages: make(chan models.TelegramMessage, 10)}
	f.svc.telegramSvc = tg
	f.run(t)
	f.waitState(t, models.StateOffline)

	f.svc.Publish(joinAttempt())
	msg := receive(t, tg.messages)
	assert.Equal(t, models.NotifyWakeTriggered, msg.Kind)
	assert.Equal(t, "minecraft", msg.Game)
	assert.Equal(t, "192.168.1.50:50000", msg.Peer)
	assert.Equal(t, "192.168.1.100", msg.TargetIP)

	f.health.present.Store(true)
	msg = receive(t, tg.messages)
	assert.Equal(t, models.NotifyServerOnline, msg.Kind)
	assert.Positive(t, msg.BootDuration)
}

func receive(t *testing.T, ch <-chan models.TelegramMessage) models.TelegramMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
		return models.TelegramMessage{}
	}
}

func TestRunning(t *testing.T) {
	f := newFixture(testConfig())
	assert.False(t, f.svc.Running())

	stop := f.run(t)
	require.Eventually(t, f.svc.Running, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, stop())
	assert.False(t, f.svc.Running())
}
