// Package orchestrator drives the proxy lifecycle: it owns the state, the
// IP alias and every timer, and applies interceptor events one at a time.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fgeck/wol-gameproxy/internal/models"
	"github.com/fgeck/wol-gameproxy/internal/services/health"
	"github.com/fgeck/wol-gameproxy/internal/services/identity"
	"github.com/fgeck/wol-gameproxy/internal/services/intercept"
	"github.com/fgeck/wol-gameproxy/internal/services/telegram"
	"github.com/fgeck/wol-gameproxy/internal/services/wol"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	mailboxSize     = 256
	recentWakes     = 10
	notifyTimeout   = 30 * time.Second
	releaseTimeout  = 10 * time.Second
	identityRetry   = time.Second
	identityBackoff = 60 * time.Second
)

// ErrStopped is returned by Reload once Run has returned.
var ErrStopped = errors.New("orchestrator stopped")

// Service defines the interface for the proxy orchestrator.
type Service interface {
	Run(ctx context.Context) error
	Reload(ctx context.Context, cfg *models.ProxyConfig) error
	State() models.LifecycleState
	Status() models.StatusSnapshot
	Running() bool
	Ready() <-chan struct{}
}

type eventKind int

const (
	evInbound eventKind = iota
	evBootProbe
	evBootDeadline
	evWakeRetry
	evHealthProbe
	evReconcile
	evReload
)

type event struct {
	kind      eventKind
	epoch     uint64
	inbound   models.InboundEvent
	reachable bool
	cfg       *models.ProxyConfig
	reply     chan error
}

type runningInterceptor struct {
	ic     intercept.Interceptor
	cancel context.CancelFunc
}

// Impl implements the orchestrator Service interface.
type Impl struct {
	identitySvc identity.Service
	wolSvc      wol.Service
	healthSvc   health.Service
	telegramSvc telegram.Service
	factory     intercept.Factory
	logger      zerolog.Logger

	cfg        atomic.Pointer[models.ProxyConfig]
	state      atomic.Int32
	stateSince atomic.Int64
	startedAt  time.Time
	stats      counters
	active     atomic.Bool

	mailbox  chan event
	ready    chan struct{} // closed once the event loop runs
	stopping chan struct{} // closed when shutdown begins
	stopOnce sync.Once
	done     chan struct{}
	notify   sync.WaitGroup

	// Owned by the event loop.
	epoch            uint64
	timerCancel      context.CancelFunc
	healthFailures   int
	monitorSince     time.Time
	monitorConfirmed bool
	trigger          models.InboundEvent
	wakeStarted      time.Time
	retryDelay       time.Duration
	retryMin         time.Duration
	retryMax         time.Duration
	reconcileTimer   *time.Timer
	running          map[models.Game]*runningInterceptor
	group            *errgroup.Group
	groupCtx         context.Context
}

// New creates a new orchestrator for cfg backed by the real services.
func New(logger zerolog.Logger, cfg *models.ProxyConfig) *Impl {
	return NewWithServices(
		logger,
		cfg,
		identity.New(logger, cfg.Server, cfg.Identity),
		wol.New(logger),
		health.New(logger),
		telegram.New(logger),
		intercept.ForGame,
	)
}

// NewWithServices creates a new orchestrator with custom services (for testing).
// telegramSvc may be nil.
func NewWithServices(
	logger zerolog.Logger,
	cfg *models.ProxyConfig,
	identitySvc identity.Service,
	wolSvc wol.Service,
	healthSvc health.Service,
	telegramSvc telegram.Service,
	factory intercept.Factory,
) *Impl {
	s := &Impl{
		identitySvc: identitySvc,
		wolSvc:      wolSvc,
		healthSvc:   healthSvc,
		telegramSvc: telegramSvc,
		factory:     factory,
		logger:      logger.With().Str("component", "orchestrator").Logger(),
		startedAt:   time.Now(),
		mailbox:     make(chan event, mailboxSize),
		ready:       make(chan struct{}),
		stopping:    make(chan struct{}),
		done:        make(chan struct{}),
		retryMin:    identityRetry,
		retryMax:    identityBackoff,
		running:     make(map[models.Game]*runningInterceptor),
	}
	s.cfg.Store(cfg)
	s.setState(models.StateOffline)
	return s
}

func (s *Impl) config() *models.ProxyConfig {
	return s.cfg.Load()
}

// State returns the current lifecycle state. Safe for concurrent use.
func (s *Impl) State() models.LifecycleState {
	return models.LifecycleState(s.state.Load())
}

func (s *Impl) setState(state models.LifecycleState) {
	s.state.Store(int32(state))
	s.stateSince.Store(time.Now().UnixNano())
}

// Running reports whether the event loop is processing events.
func (s *Impl) Running() bool {
	return s.active.Load()
}

// Ready is closed once interceptors are listening and events are processed.
// It stays open if Run fails during startup.
func (s *Impl) Ready() <-chan struct{} {
	return s.ready
}

// Status returns a snapshot for reporting. Safe for concurrent use.
func (s *Impl) Status() models.StatusSnapshot {
	snap := models.StatusSnapshot{
		State:        s.State(),
		StateSince:   time.Unix(0, s.stateSince.Load()),
		IdentityHeld: s.identitySvc.Held(),
		TargetIP:     s.config().Server.TargetIP,
		StartedAt:    s.startedAt,
		Statistics:   s.stats.snapshot(),
		LastWake:     s.wolSvc.LastRecord(),
		RecentWakes:  s.wolSvc.Recent(recentWakes),
	}
	snap.SatisfactoryPeers = int(s.stats.satisfactoryPeers.Load())
	return snap
}

// Publish accepts a classified event from an interceptor. Join attempts wait
// for mailbox space until shutdown begins; raw traffic is dropped and counted
// when the mailbox is full.
func (s *Impl) Publish(ev models.InboundEvent) {
	switch ev.Classification {
	case models.ClassStatusQuery:
		s.stats.statusQueries.Add(1)
	case models.ClassJoinAttempt:
		s.stats.joinAttempts.Add(1)
	}

	if !ev.Classification.WakeWorthy() || s.State() != models.StateOffline {
		return
	}

	msg := event{kind: evInbound, inbound: ev}
	if ev.Classification == models.ClassJoinAttempt {
		select {
		case s.mailbox <- msg:
		case <-s.stopping:
			s.stats.droppedEvents.Add(1)
		}
		return
	}

	select {
	case s.mailbox <- msg:
	default:
		s.stats.droppedEvents.Add(1)
	}
}

// Observe counts an accepted connection or a new datagram peer.
func (s *Impl) Observe(game models.Game) {
	switch game {
	case models.GameMinecraft:
		s.stats.minecraftConnections.Add(1)
	case models.GameSatisfactory:
		s.stats.satisfactoryConnections.Add(1)
	}
}

// Peers records the number of active datagram peers.
func (s *Impl) Peers(game models.Game, active int) {
	if game == models.GameSatisfactory {
		s.stats.satisfactoryPeers.Store(int64(active))
	}
}

// Reload hands a new configuration to the event loop and waits until it is applied.
func (s *Impl) Reload(ctx context.Context, cfg *models.ProxyConfig) error {
	reply := make(chan error, 1)
	select {
	case s.mailbox <- event{kind: evReload, cfg: cfg, reply: reply}:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run validates the identity and the presence check, reconciles the initial
// state, starts the interceptors and processes events until ctx is cancelled.
// Run must only be called once.
func (s *Impl) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.beginStop()

	if err := s.identitySvc.Validate(ctx); err != nil {
		return fmt.Errorf("identity validation failed: %w", err)
	}
	if err := s.healthSvc.Preflight(s.config().Server); err != nil {
		return err
	}

	if err := s.reconcile(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	s.group, s.groupCtx = g, gctx

	cfg := s.config()
	var started []intercept.Interceptor
	for _, game := range intercept.Games {
		if !intercept.Enabled(game, cfg) {
			continue
		}
		ic := s.factory(game, cfg, s.deps())
		if err := ic.Listen(ctx); err != nil {
			for _, prev := range started {
				_ = prev.Close()
			}
			s.shutdown()
			return err
		}
		started = append(started, ic)
	}
	for _, ic := range started {
		s.serve(ic)
	}

	s.active.Store(true)
	defer s.active.Store(false)
	close(s.ready)

	s.logger.Info().
		Str("state", s.State().String()).
		Str("target_ip", cfg.Server.TargetIP).
		Int("interceptors", len(started)).
		Msg("proxy running")

	for {
		select {
		case <-gctx.Done():
			s.shutdown()
			err := g.Wait()
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			return err
		case ev := <-s.mailbox:
			s.handle(gctx, ev)
		}
	}
}

func (s *Impl) deps() intercept.Deps {
	return intercept.Deps{
		State:  s.State,
		Sink:   s,
		Logger: s.logger,
	}
}

// reconcile picks the initial state from one probe. Identity failures here are fatal.
func (s *Impl) reconcile(ctx context.Context) error {
	cfg := s.config()
	held := s.identitySvc.Held()
	result := s.probe(ctx, cfg)

	if result.Reachable {
		s.logger.Info().
			Str("endpoint", result.Endpoint).
			Msg("target already reachable, starting in monitoring")
		s.setState(models.StateMonitoring)
		if err := s.identitySvc.Release(ctx); err != nil {
			return fmt.Errorf("failed to release %s: %w", cfg.Server.TargetIP, err)
		}
		s.startHealthChecks(!held)
		return nil
	}

	s.logger.Info().Msg("target unreachable, starting offline")
	s.setState(models.StateOffline)
	if err := s.identitySvc.Claim(ctx); err != nil {
		return fmt.Errorf("failed to claim %s: %w", cfg.Server.TargetIP, err)
	}
	return nil
}

// probe uses ARP presence while the alias is held, since a TCP dial to the
// target would be answered by this host.
func (s *Impl) probe(ctx context.Context, cfg *models.ProxyConfig) *models.ProbeResult {
	timeout := cfg.Timing.ServerCheckTimeout
	if s.identitySvc.Held() {
		return s.healthSvc.Present(ctx, cfg.Server, timeout)
	}
	return s.healthSvc.Check(ctx, cfg.Server.TargetIP, health.Ports(cfg), timeout)
}

func (s *Impl) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evBootProbe, evBootDeadline, evWakeRetry, evHealthProbe:
		if ev.epoch != s.epoch {
			return
		}
	}

	switch ev.kind {
	case evInbound:
		if s.State() != models.StateOffline {
			return
		}
		s.trigger = ev.inbound
		s.logger.Info().
			Str("game", string(ev.inbound.Game)).
			Str("class", string(ev.inbound.Classification)).
			Str("peer", peerString(ev.inbound)).
			Msg("wake-worthy traffic received")
		s.fire(ctx, TriggerWake)
	case evBootProbe:
		if ev.reachable {
			s.fire(ctx, TriggerProbeUp)
		}
	case evBootDeadline:
		s.fire(ctx, TriggerBootTimeout)
	case evWakeRetry:
		if s.State() == models.StateStarting {
			s.sendWake(ctx)
		}
	case evHealthProbe:
		s.onHealthProbe(ctx, ev.reachable)
	case evReconcile:
		s.syncIdentity(ctx)
	case evReload:
		ev.reply <- s.applyReload(ctx, ev.cfg)
	}
}

// fire applies trigger and settles through transitional states.
func (s *Impl) fire(ctx context.Context, trigger Trigger) {
	for {
		from := s.State()
		to, effects, ok := Transition(from, trigger)
		if !ok {
			s.logger.Debug().
				Str("state", from.String()).
				Str("trigger", trigger.String()).
				Msg("trigger ignored")
			return
		}

		s.setState(to)
		s.stats.stateTransitions.Add(1)
		s.logger.Info().
			Str("from", from.String()).
			Str("to", to.String()).
			Str("trigger", trigger.String()).
			Msg("state changed")

		for _, effect := range effects {
			s.apply(ctx, effect)
		}

		if !IsTransitional(to) {
			return
		}
		trigger = TriggerSettle
	}
}

func (s *Impl) apply(ctx context.Context, effect Effect) {
	cfg := s.config()

	switch effect {
	case EffectClaimIdentity, EffectReleaseIdentity:
		s.syncIdentity(ctx)
	case EffectSendWake:
		s.stats.wakeCycles.Add(1)
		s.wakeStarted = time.Now()
		s.sendWake(ctx)
		s.sendNotification(models.TelegramMessage{
			Kind:         models.NotifyWakeTriggered,
			Game:         string(s.trigger.Game),
			Peer:         peerString(s.trigger),
			WakeAttempts: s.stats.wakeAttempts.Load(),
		})
	case EffectStartBootTimers:
		s.startBootTimers()
	case EffectStopBootTimers, EffectStopHealthChecks:
		s.stopTimers()
	case EffectStartHealthChecks:
		s.startHealthChecks(false)
	case EffectRecordWakeSuccess:
		s.stats.successfulWakes.Add(1)
		bootDuration := time.Since(s.wakeStarted)
		s.logger.Info().Dur("boot_duration", bootDuration).Msg("target is up, handing off")
		s.sendNotification(models.TelegramMessage{
			Kind:         models.NotifyServerOnline,
			BootDuration: bootDuration,
		})
	case EffectRecordWakeFailure:
		s.stats.failedWakes.Add(1)
		s.logger.Warn().
			Dur("boot_wait", cfg.Timing.BootWait).
			Uint64("failed_wakes", s.stats.failedWakes.Load()).
			Msg("target did not come up before boot deadline")
		s.sendNotification(models.TelegramMessage{
			Kind:         models.NotifyBootTimeout,
			BootWait:     cfg.Timing.BootWait,
			WakeAttempts: s.stats.wakeAttempts.Load(),
		})
	case EffectRecordServerLost:
		s.stats.serverLost.Add(1)
		s.logger.Warn().
			Int("failures", s.healthFailures).
			Msg("target stopped answering, reclaiming address")
		s.sendNotification(models.TelegramMessage{Kind: models.NotifyServerLost})
	}
}

func (s *Impl) sendWake(ctx context.Context) {
	cfg := s.config()
	s.stats.wakeAttempts.Add(1)

	result, err := s.wolSvc.Wake(ctx, cfg.Server, cfg.WOL)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to send Wake-on-LAN packet")
		return
	}
	if result.Error != nil {
		s.logger.Warn().
			Err(result.Error).
			Bool("packet_sent", result.PacketSent).
			Strs("destinations", result.Destinations).
			Msg("Wake-on-LAN send incomplete")
		return
	}

	s.logger.Debug().
		Str("mac", cfg.Server.MACAddress).
		Strs("destinations", result.Destinations).
		Msg("Wake-on-LAN packet sent")
}

// syncIdentity claims or releases the alias to match the current state.
// Failures are retried with doubling backoff.
func (s *Impl) syncIdentity(ctx context.Context) {
	want := s.State().HoldsIdentity()

	var err error
	if want {
		err = s.identitySvc.Claim(ctx)
	} else {
		err = s.identitySvc.Release(ctx)
	}

	if err == nil {
		s.retryDelay = 0
		if s.reconcileTimer != nil {
			s.reconcileTimer.Stop()
			s.reconcileTimer = nil
		}
		return
	}

	s.stats.identityErrors.Add(1)
	if s.retryDelay == 0 {
		s.retryDelay = s.retryMin
	} else {
		s.retryDelay = min(2*s.retryDelay, s.retryMax)
	}

	s.logger.Error().
		Err(err).
		Bool("claim", want).
		Str("target_ip", s.config().Server.TargetIP).
		Dur("retry_in", s.retryDelay).
		Msg("failed to change address ownership")

	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
	}
	s.reconcileTimer = time.AfterFunc(s.retryDelay, func() {
		s.post(context.Background(), event{kind: evReconcile})
	})
}

func (s *Impl) post(ctx context.Context, ev event) {
	select {
	case s.mailbox <- ev:
	case <-ctx.Done():
	case <-s.stopping:
	}
}

func (s *Impl) startTimers(loop func(ctx context.Context, epoch uint64)) {
	s.stopTimers()
	ctx, cancel := context.WithCancel(context.Background())
	s.timerCancel = cancel
	go loop(ctx, s.epoch)
}

// stopTimers cancels the running timer loop. Events it already queued are
// dropped because the epoch moves on.
func (s *Impl) stopTimers() {
	s.epoch++
	if s.timerCancel != nil {
		s.timerCancel()
		s.timerCancel = nil
	}
}

func (s *Impl) startBootTimers() {
	timing := s.config().Timing
	s.startTimers(func(ctx context.Context, epoch uint64) {
		deadline := time.NewTimer(timing.BootWait)
		defer deadline.Stop()
		probe := time.NewTicker(positive(timing.BootCheckInterval))
		defer probe.Stop()
		retry := time.NewTicker(positive(timing.WOLRetryInterval))
		defer retry.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-deadline.C:
				s.post(ctx, event{kind: evBootDeadline, epoch: epoch})
				return
			case <-retry.C:
				s.post(ctx, event{kind: evWakeRetry, epoch: epoch})
			case <-probe.C:
				result := s.probe(ctx, s.config())
				s.post(ctx, event{kind: evBootProbe, epoch: epoch, reachable: result.Reachable})
			}
		}
	})
}

// startHealthChecks enters the monitoring loop. Unless confirmed, failures
// are ignored until the first success or until boot_wait has passed, since
// the host answers ARP before the game port opens.
func (s *Impl) startHealthChecks(confirmed bool) {
	s.healthFailures = 0
	s.monitorSince = time.Now()
	s.monitorConfirmed = confirmed

	interval := positive(s.config().Timing.HealthCheckInterval)
	s.startTimers(func(ctx context.Context, epoch uint64) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				result := s.probe(ctx, s.config())
				s.post(ctx, event{kind: evHealthProbe, epoch: epoch, reachable: result.Reachable})
			}
		}
	})
}

func (s *Impl) onHealthProbe(ctx context.Context, reachable bool) {
	if s.State() != models.StateMonitoring {
		return
	}

	cfg := s.config()
	if reachable {
		if !s.monitorConfirmed {
			s.logger.Info().Msg("target game port answering")
		}
		s.monitorConfirmed = true
		s.healthFailures = 0
		return
	}

	if !s.monitorConfirmed && time.Since(s.monitorSince) < cfg.Timing.BootWait {
		s.logger.Debug().Msg("target not answering yet")
		return
	}

	s.healthFailures++
	threshold := max(cfg.Timing.HealthFailureThreshold, 1)
	s.logger.Debug().
		Int("failures", s.healthFailures).
		Int("threshold", threshold).
		Msg("health probe failed")

	if s.healthFailures >= threshold {
		s.fire(ctx, TriggerHealthLost)
	}
}

func (s *Impl) serve(ic intercept.Interceptor) {
	ctx, cancel := context.WithCancel(s.groupCtx)
	s.running[ic.Game()] = &runningInterceptor{ic: ic, cancel: cancel}
	s.group.Go(func() error {
		return ic.Serve(ctx)
	})
}

func (s *Impl) stopInterceptor(game models.Game) {
	r, ok := s.running[game]
	if !ok {
		return
	}
	r.cancel()
	_ = r.ic.Close()
	delete(s.running, game)
}

// applyReload swaps messages, timings and interceptor ports. State and
// running timers are kept; new timings apply when the next timer starts.
func (s *Impl) applyReload(ctx context.Context, next *models.ProxyConfig) error {
	prev := s.config()
	cfg := *next

	if prev.Server != cfg.Server {
		s.logger.Warn().Msg("server settings changed, restart required to apply them")
		cfg.Server = prev.Server
	}
	if prev.Identity != cfg.Identity {
		s.logger.Warn().Msg("identity settings changed, restart required to apply them")
		cfg.Identity = prev.Identity
	}

	var errs []error
	for _, game := range intercept.Games {
		current, running := s.running[game]
		enabled := intercept.Enabled(game, &cfg)

		switch {
		case !enabled && running:
			s.stopInterceptor(game)
			s.logger.Info().Str("game", string(game)).Msg("interceptor disabled")
		case enabled && !running:
			ic := s.factory(game, &cfg, s.deps())
			if err := ic.Listen(ctx); err != nil {
				errs = append(errs, err)
				continue
			}
			s.serve(ic)
			s.logger.Info().Str("game", string(game)).Msg("interceptor enabled")
		case enabled && running:
			ic := s.factory(game, &cfg, s.deps())
			if slices.Equal(ic.Ports(), current.ic.Ports()) {
				current.ic.Update(&cfg)
				continue
			}
			if err := ic.Listen(ctx); err != nil {
				errs = append(errs, err)
				current.ic.Update(&cfg)
				continue
			}
			s.stopInterceptor(game)
			s.serve(ic)
			s.logger.Info().
				Str("game", string(game)).
				Ints("ports", ic.Ports()).
				Msg("interceptor moved to new ports")
		}
	}

	s.cfg.Store(&cfg)
	s.logger.Info().Msg("configuration reloaded")
	return errors.Join(errs...)
}

// beginStop releases interceptors blocked in Publish.
func (s *Impl) beginStop() {
	s.stopOnce.Do(func() { close(s.stopping) })
}

func (s *Impl) shutdown() {
	s.beginStop()
	s.stopTimers()
	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
	}
	for game := range s.running {
		s.stopInterceptor(game)
	}

	if s.identitySvc.Held() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := s.identitySvc.Release(ctx); err != nil {
			s.logger.Error().Err(err).Msg("failed to release address on shutdown")
		}
	}

	s.notify.Wait()
	s.logger.Info().Msg("proxy stopped")
}

func (s *Impl) sendNotification(msg models.TelegramMessage) {
	cfg := s.config()
	if s.telegramSvc == nil || cfg.Telegram == nil {
		return
	}
	msg.TargetIP = cfg.Server.TargetIP
	msg.Time = time.Now()
	tg := *cfg.Telegram

	s.notify.Add(1)
	go func() {
		defer s.notify.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		result, err := s.telegramSvc.SendNotification(ctx, tg, msg)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to send Telegram notification")
			return
		}
		if result.Error != nil {
			s.logger.Error().Err(result.Error).Msg("failed to send Telegram notification")
			return
		}
		s.logger.Debug().Str("kind", string(msg.Kind)).Msg("Telegram notification sent")
	}()
}

func peerString(ev models.InboundEvent) string {
	if ev.Peer == nil {
		return ""
	}
	return ev.Peer.String()
}

func positive(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	return d
}
