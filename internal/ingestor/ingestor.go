package ingestor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"fleetview/internal/domain"
	"fleetview/internal/transport"
)

// VehicleStore is the set of store mutations push events are funnelled into.
type VehicleStore interface {
	LoadSnapshot(ctx context.Context) error
	UseDemo()
	MergeLocation(u domain.LocationUpdate) bool
	MergeStatus(u domain.StatusUpdate) bool
	AppendAlert(a domain.Alert)
	UpsertNewEntity(ctx context.Context, nv domain.NewVehicle) error
	Count() int
}

// ConnectFunc opens the push channel. It returns nil when no connection can
// be attempted.
type ConnectFunc func(ctx context.Context, url string, credential transport.Credential, opts transport.Options, logger *slog.Logger) *transport.Channel

type Options struct {
	SocketURL string
	// Credential returns the current bearer token; empty means demo mode.
	Credential          func() string
	Transport           transport.Options
	OfflinePollInterval time.Duration
	// MaxReinitializations caps how many times an exhausted channel is
	// restarted before the ingestor settles for snapshot polling. The count
	// resets once the channel connects. Zero means 5, negative disables.
	MaxReinitializations int
	Connect              ConnectFunc
}

// Ingestor wires the push channel to the vehicle store and keeps the store
// fresh by polling while the channel is down for good.
type Ingestor struct {
	store  VehicleStore
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	channel    *transport.Channel
	unregister []func()
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	demo       bool
	reinits    int

	ready   bool
	readyMu sync.RWMutex
}

func New(s VehicleStore, opts Options, logger *slog.Logger) *Ingestor {
	if opts.OfflinePollInterval <= 0 {
		opts.OfflinePollInterval = 30 * time.Second
	}
	if opts.MaxReinitializations == 0 {
		opts.MaxReinitializations = 5
	}
	if opts.Connect == nil {
		opts.Connect = transport.Connect
	}
	if opts.Credential == nil {
		opts.Credential = func() string { return "" }
	}
	return &Ingestor{
		store:  s,
		opts:   opts,
		logger: logger.With("component", "ingestor"),
	}
}

// Start performs the cold start. Without a credential the store is filled
// with the demo fleet and no connection is attempted.
func (i *Ingestor) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	i.cancel = cancel

	if i.opts.Credential() == "" {
		i.store.UseDemo()
		i.demo = true
		i.setReady(true)
		i.logger.Info("ingestor started in demo mode", "vehicles", i.store.Count())
		return nil
	}

	if err := i.store.LoadSnapshot(ctx); err != nil {
		i.logger.Warn("initial snapshot failed, continuing with push channel", "error", err)
	}

	ch := i.opts.Connect(runCtx, i.opts.SocketURL, i.opts.Credential, i.opts.Transport, i.logger)
	if ch != nil {
		i.channel = ch
		i.unregister = append(i.unregister,
			ch.On(domain.EventLocationUpdate, i.onLocation),
			ch.On(domain.EventVehicleStatus, i.onStatus),
			ch.On(domain.EventAlertNew, i.onAlert),
			ch.On(domain.EventVehicleNew, func(ev domain.Event) { i.onNewVehicle(runCtx, ev) }),
			ch.On(domain.EventTripStarted, i.onTrip),
			ch.On(domain.EventTripEnded, i.onTrip),
		)
		ch.SubscribeAll()
	} else {
		i.logger.Warn("no push channel, running read-only")
	}

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		i.run(runCtx)
	}()

	i.setReady(true)
	i.logger.Info("ingestor started", "vehicles", i.store.Count())
	return nil
}

// run polls the snapshot while the channel is missing or exhausted and asks
// an exhausted channel to start over, up to MaxReinitializations times.
func (i *Ingestor) run(ctx context.Context) {
	ticker := time.NewTicker(i.opts.OfflinePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.checkChannel(ctx)
		}
	}
}

func (i *Ingestor) checkChannel(ctx context.Context) {
	ch := i.Channel()
	if ch != nil {
		switch ch.State() {
		case transport.StateExhausted:
		case transport.StateConnected:
			i.mu.Lock()
			i.reinits = 0
			i.mu.Unlock()
			return
		default:
			return
		}
	}

	if err := i.store.LoadSnapshot(ctx); err != nil {
		i.logger.Warn("offline snapshot poll failed", "error", err)
	} else {
		i.logger.Debug("offline snapshot poll", "vehicles", i.store.Count())
	}

	if ch == nil || !i.takeReinit() {
		return
	}
	if ch.Reconnect(ctx) {
		i.logger.Info("push channel re-initialized")
	}
}

// takeReinit reports whether another channel restart is allowed and counts it.
func (i *Ingestor) takeReinit() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	limit := i.opts.MaxReinitializations
	if limit < 0 {
		return false
	}
	if i.reinits >= limit {
		if i.reinits == limit {
			i.logger.Warn("push channel re-initialization limit reached, polling only", "limit", limit)
			i.reinits++
		}
		return false
	}
	i.reinits++
	return true
}

func (i *Ingestor) onLocation(ev domain.Event) {
	u, ok := ev.(domain.LocationUpdate)
	if !ok {
		return
	}
	i.store.MergeLocation(u)
}

func (i *Ingestor) onStatus(ev domain.Event) {
	u, ok := ev.(domain.StatusUpdate)
	if !ok {
		return
	}
	i.store.MergeStatus(u)
}

func (i *Ingestor) onAlert(ev domain.Event) {
	a, ok := ev.(domain.NewAlert)
	if !ok {
		return
	}
	i.store.AppendAlert(a.Alert)
	i.logger.Info("alert received", "vehicle_id", a.Alert.VehicleID, "type", a.Alert.Type, "severity", a.Alert.Severity)
}

// onNewVehicle reloads off the read loop so a slow fetch does not hold up
// later events.
func (i *Ingestor) onNewVehicle(ctx context.Context, ev domain.Event) {
	nv, ok := ev.(domain.NewVehicle)
	if !ok {
		return
	}
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		if err := i.store.UpsertNewEntity(ctx, nv); err != nil {
			i.logger.Warn("failed to load new vehicle", "vehicle_id", nv.VehicleID, "error", err)
		}
	}()
}

func (i *Ingestor) onTrip(ev domain.Event) {
	t, ok := ev.(domain.TripEvent)
	if !ok {
		return
	}
	i.logger.Info("trip event", "kind", string(t.Kind()), "trip_id", t.TripID, "vehicle_id", t.VehicleID)
}

// ReloadSnapshot fetches the vehicle list on demand. In demo mode the demo
// fleet is restored instead.
func (i *Ingestor) ReloadSnapshot(ctx context.Context) error {
	i.mu.Lock()
	demo := i.demo
	i.mu.Unlock()
	if demo {
		i.store.UseDemo()
		return nil
	}
	return i.store.LoadSnapshot(ctx)
}

// Channel returns the push channel, or nil in demo and read-only mode.
func (i *Ingestor) Channel() *transport.Channel {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.channel
}

// ChannelState reports the push channel state; "disabled" when there is none.
func (i *Ingestor) ChannelState() string {
	if ch := i.Channel(); ch != nil {
		return ch.State().String()
	}
	return "disabled"
}

// Close unregisters the event handlers, disconnects and waits for
// background work to finish.
func (i *Ingestor) Close() {
	i.mu.Lock()
	cancel := i.cancel
	ch := i.channel
	unregister := i.unregister
	i.unregister = nil
	i.mu.Unlock()

	for _, u := range unregister {
		u()
	}
	if ch != nil {
		ch.Disconnect()
	}
	if cancel != nil {
		cancel()
	}
	i.wg.Wait()
	i.setReady(false)
}

func (i *Ingestor) IsReady() bool {
	i.readyMu.RLock()
	defer i.readyMu.RUnlock()
	return i.ready
}

func (i *Ingestor) setReady(ready bool) {
	i.readyMu.Lock()
	defer i.readyMu.Unlock()
	i.ready = ready
}
