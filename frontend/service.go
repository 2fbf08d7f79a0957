// Package frontend — see types.go for design philosophy and package docs.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"encore.app/fmetrics"
	"encore.app/liveevents"
)

// Config holds runtime configuration for the frontend server.
type Config struct {
	MaxQueueSize      int           // default 50
	MessageExpiryTime time.Duration // lease duration, default 120s
	// MaxRetransmissionTime is the soft cancellation deadline for the
	// egress stage of HandleBundle: once ingest has consumed this much of
	// the call, task draining is skipped and the agent retries on its
	// next poll. Default 10s.
	MaxRetransmissionTime time.Duration

	ThreadpoolSize          int           // min 2
	ThrottleAverageInterval time.Duration // window for the Throttler
	WellKnownFlows          map[string]bool
	PubKeyCacheCapacity     int
	ClientCacheCapacity     int
	// InitialTaskTTL is the TTL a freshly scheduled task starts with.
	InitialTaskTTL int
	// DeferredDispatchRPS bounds how fast deferred well-known work is
	// scheduled onto the worker pool.
	DeferredDispatchRPS float64
	// QueueStorePath is the bbolt database file backing the queuestore
	// QueueManagerFactory registered at init time.
	QueueStorePath string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:            50,
		MessageExpiryTime:       120 * time.Second,
		MaxRetransmissionTime:   10 * time.Second,
		ThreadpoolSize:          2,
		ThrottleAverageInterval: 60 * time.Second,
		WellKnownFlows:          map[string]bool{},
		PubKeyCacheCapacity:     defaultPubKeyCacheCapacity,
		ClientCacheCapacity:     defaultClientCacheCapacity,
		InitialTaskTTL:          10,
		DeferredDispatchRPS:     50,
		QueueStorePath:          "frontend_queuestore.db",
	}
}

//encore:service
type Service struct {
	config Config

	communicator *ServerCommunicator
	throttler    *Throttler
	dispatcher   *WellKnownDispatcher
	ingress      *Ingress
	egress       *Egress
	metrics      Metrics

	throttleCallback func() bool
	deferredPool     *deferredWorkerPool

	mu sync.RWMutex
}

// NewFrontendServer wires collaborators into a Service: transport ->
// HandleBundle -> decode -> ingest -> [admission] -> drain -> encode.
func NewFrontendServer(
	cfg Config,
	store ObjectStore,
	queues QueueManagerFactory,
	cipher Cipher,
	flows []WellKnownFlow,
	events Events,
	metrics Metrics,
) *Service {
	communicator := NewServerCommunicator(store, cipher, metrics, cfg.PubKeyCacheCapacity, cfg.ClientCacheCapacity)
	dispatcher := NewWellKnownDispatcher(flows, cfg.WellKnownFlows, metrics)

	threadpoolSize := cfg.ThreadpoolSize
	if threadpoolSize < 2 {
		threadpoolSize = 2
	}
	if cfg.MaxRetransmissionTime <= 0 {
		cfg.MaxRetransmissionTime = 10 * time.Second
	}

	s := &Service{
		config:           cfg,
		communicator:     communicator,
		throttler:        NewThrottler(cfg.ThrottleAverageInterval),
		dispatcher:       dispatcher,
		ingress:          NewIngress(queues, dispatcher, events, metrics),
		egress:           NewEgress(queues, metrics, int(cfg.MessageExpiryTime.Seconds()), cfg.InitialTaskTTL),
		metrics:          metrics,
		throttleCallback: func() bool { return true },
		deferredPool:     newDeferredWorkerPool(threadpoolSize, cfg.DeferredDispatchRPS),
	}

	for _, f := range flows {
		if sub, ok := f.(DeferredWorkSubmitter); ok {
			sub.SetDeferrer(s.DeferWellKnownWork)
		}
	}

	return s
}

var (
	// svc is the package-level Service instance Encore routes requests
	// to, built once by initService at startup.
	svc     *Service
	svcOnce sync.Once
)

// initService builds the production Service from whatever ObjectStore,
// QueueManagerFactory, Cipher, and WellKnownFlow constructors got
// registered by objectstore, queuestore, cipher, and wellknown's own
// init() functions (see registry.go for why those packages register
// themselves instead of being constructed here directly). Called
// automatically by Encore at startup.
func initService() (*Service, error) {
	var err error
	svcOnce.Do(func() {
		if objectStoreCtor == nil || queueFactoryCtor == nil || cipherCtor == nil || wellKnownFlowCtor == nil {
			err = fmt.Errorf("frontend: a collaborator package was not linked into the build (object store=%v queue factory=%v cipher=%v well-known flows=%v)",
				objectStoreCtor != nil, queueFactoryCtor != nil, cipherCtor != nil, wellKnownFlowCtor != nil)
			return
		}

		cfg := DefaultConfig()
		flows := wellKnownFlowCtor()
		cfg.WellKnownFlows = make(map[string]bool, len(flows))
		for _, f := range flows {
			cfg.WellKnownFlows[f.Name()] = true
		}

		var store ObjectStore
		store, err = objectStoreCtor()
		if err != nil {
			err = fmt.Errorf("frontend: init object store: %w", err)
			return
		}

		var queues QueueManagerFactory
		queues, err = queueFactoryCtor(cfg.QueueStorePath)
		if err != nil {
			err = fmt.Errorf("frontend: init queue store: %w", err)
			return
		}

		svc = NewFrontendServer(
			cfg,
			store,
			queues,
			cipherCtor(),
			flows,
			liveevents.New(),
			fmetrics.NewCollector(),
		)
	})

	return svc, err
}

// SetThrottleCallback installs an external admission gate consulted as a
// hard stop on outbound task dispatch, used to shed load when downstream
// systems are unhealthy. The default always admits.
func (s *Service) SetThrottleCallback(callback func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.throttleCallback = callback
}

// SetThrottleRatio enables (non-nil) or disables (nil) the sliding-window
// throttler.
func (s *Service) SetThrottleRatio(ratio *float64) {
	s.throttler.SetRatio(ratio)
}

// Shutdown stops the deferred worker pool.
func (s *Service) Shutdown() {
	s.deferredPool.shutdown()
}

// HandleBundle is the single transport-facing entry point.
func (s *Service) HandleBundle(ctx context.Context, request *Parcel) (response *Parcel, source AgentIdentity, count int, err error) {
	ctx = withBundleID(ctx)
	start := time.Now()
	defer func() {
		s.metrics.IncrCounter("handle_num", 1)
		s.metrics.ObserveEvent("handle_time", time.Since(start))
	}()

	messages, src, timestamp, err := s.communicator.DecodeParcel(ctx, request)
	source = src
	if err != nil {
		return nil, source, 0, err
	}

	if len(messages) > 0 {
		if err := s.ingress.ReceiveMessages(ctx, source, messages); err != nil {
			return nil, source, len(messages), err
		}
	}

	required := s.config.MaxQueueSize - request.QueueSize
	if required < 0 {
		required = 0
	}

	var tasks []Task
	switch s.egressDecision(start) {
	case egressAdmit:
		tasks, err = s.egress.DrainTasksForClient(ctx, source, required)
		if err != nil {
			return nil, source, len(messages), err
		}
	case egressThrottled:
		s.metrics.IncrCounter("handle_throttled_num", 1)
	case egressBudgetExceeded:
		// No tasks, no counter: only the throttler/callback denials bump
		// handle_throttled_num.
	}

	response, err = s.communicator.EncodeParcel(ctx, tasks, source, timestamp, request.APIVersion)
	if err != nil {
		if errors.Is(err, ErrUnknownSource) && len(tasks) > 0 {
			if rerr := s.egress.Reschedule(ctx, tasks); rerr != nil {
				return nil, source, len(messages), rerr
			}
		}
		return nil, source, len(messages), err
	}

	return response, source, len(messages), nil
}

// egressOutcome distinguishes why DrainTasksForClient was or wasn't
// called, since only the two throttling branches increment
// handle_throttled_num.
type egressOutcome int

const (
	egressAdmit egressOutcome = iota
	egressThrottled
	egressBudgetExceeded
)

// egressDecision implements the three-way admission gate: the
// sliding-window throttler, the external hard-stop callback, and the
// egress budget measured from ingress start. The first two are
// throttling decisions (handle_throttled_num increments); the budget
// branch is a separate soft-cancellation outcome with no counter of its
// own.
func (s *Service) egressDecision(ingressStart time.Time) egressOutcome {
	if s.throttler.ShouldThrottle(time.Now()) {
		return egressThrottled
	}

	s.mu.RLock()
	callback := s.throttleCallback
	s.mu.RUnlock()
	if !callback() {
		return egressThrottled
	}

	if time.Since(ingressStart) >= s.config.MaxRetransmissionTime {
		return egressBudgetExceeded
	}
	return egressAdmit
}

// DeferWellKnownWork schedules fn onto the bounded, rate-shaped worker
// pool used for well-known-flow work that should not block ingress.
// fn is dropped (never runs) if the pool is shut down.
func (s *Service) DeferWellKnownWork(ctx context.Context, fn func()) {
	s.deferredPool.submit(ctx, fn)
}
