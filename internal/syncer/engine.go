// Package syncer contains the sync engine: the orchestrator that connects
// the store, ledger, checkpoint, resolver, retry monitor, adaptive
// controller, and transport into one push/pull loop.
//
// The engine runs as a single cooperative task: every mutation of ledger,
// checkpoint, retry counters, and adaptive settings happens on the engine's
// cycle, serialised by one mutex that is released across I/O. Parallelism
// lives inside the transport (reader/writer) and the store.
//
// One cycle:
//
//  1. Drain pending ledger entries per collection, flip them in-flight, and
//     push them with the current checkpoint.
//  2. Apply the ack: mark accepted entries synced, route conflicts through
//     the resolver, apply resolutions with from_sync=true.
//  3. Pull with the checkpoint; apply returned changes in server-sequence
//     order, detecting conflicts against pending local updates; advance and
//     persist the checkpoint once the batch is committed.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/josedab/pocket-go/internal/adaptive"
	"github.com/josedab/pocket-go/internal/checkpoint"
	"github.com/josedab/pocket-go/internal/config"
	"github.com/josedab/pocket-go/internal/conflict"
	"github.com/josedab/pocket-go/internal/ledger"
	"github.com/josedab/pocket-go/internal/observe"
	"github.com/josedab/pocket-go/internal/protocol"
	"github.com/josedab/pocket-go/internal/retry"
	"github.com/josedab/pocket-go/internal/store"
	"github.com/josedab/pocket-go/internal/transport"
	"github.com/josedab/pocket-go/internal/vclock"
)

// State of the engine.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateError   State = "error"
	StateOffline State = "offline"
)

// Stats is the engine's cumulative counters, published on the stats stream.
type Stats struct {
	PushCount     int       `json:"push_count"`
	PullCount     int       `json:"pull_count"`
	ConflictCount int       `json:"conflict_count"`
	LastSyncAt    time.Time `json:"last_sync_at"`
	LastError     string    `json:"last_error,omitempty"`
}

// ErrAuthRejected is returned when the server refuses the handshake; the
// engine will not retry it.
var ErrAuthRejected = errors.New("syncer: authentication rejected")

// ErrStopped is returned from operations on a stopped engine.
var ErrStopped = errors.New("syncer: engine stopped")

// Engine owns the sync subsystem for one replica. It holds the transport,
// ledger, checkpoint, resolver, monitor, and controller exclusively, and a
// non-owning reference to the local store.
type Engine struct {
	cfg config.Config
	st  store.Store
	tr  transport.Transport

	ledger     *ledger.Ledger
	ckpt       *checkpoint.Manager
	resolver   *conflict.Resolver
	monitor    *retry.Monitor
	controller *adaptive.Controller
	probe      adaptive.Probe
	log        *slog.Logger

	// mu guards the mutable engine state below; it is never held across
	// transport or store I/O.
	mu        sync.Mutex
	state     State
	sessionID string
	stats     Stats
	started   bool
	stopped   bool

	// syncMu serialises sync cycles: the engine is one cooperative task.
	syncMu sync.Mutex

	status   *observe.Observable[State]
	statsObs *observe.Observable[Stats]

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	kick      chan struct{}

	// kickDisabled suppresses the push-on-change kick; cycles then run only
	// on the pull tick or ForceSync. Tests use it for deterministic timing.
	kickDisabled bool

	subCancels []func()
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithProbe overrides the network probe the adaptive controller samples.
func WithProbe(p adaptive.Probe) Option {
	return func(e *Engine) { e.probe = p }
}

// New assembles an engine. The store is borrowed, the transport is owned
// from here on.
func New(cfg config.Config, st store.Store, tr transport.Transport, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	resolver, err := conflict.NewResolver(cfg.ConflictStrategy, cfg.CustomMerge)
	if err != nil {
		return nil, err
	}

	// Synced-entry retention tracks the breaker's reset timeout: an echo
	// can only arrive while a retry window is still plausible.
	var led *ledger.Ledger
	if cfg.DataDir != "" {
		led, err = ledger.Open(cfg.DataDir, cfg.NodeID, ledger.WithRetention(cfg.ResetTimeout))
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
	} else {
		led = ledger.New(ledger.WithRetention(cfg.ResetTimeout))
	}

	var persister checkpoint.Persister
	if cfg.DataDir != "" {
		persister = checkpoint.NewFilePersister(cfg.DataDir, cfg.NodeID)
	}
	ckpt, err := checkpoint.NewManager(persister)
	if err != nil {
		return nil, err
	}

	controller := adaptive.NewController(adaptive.Config{
		BaseBatch:            cfg.BatchSize,
		MinBatch:             cfg.MinBatch,
		MaxBatch:             cfg.MaxBatch,
		BaseInterval:         cfg.PullInterval,
		MinInterval:          cfg.MinInterval,
		MaxInterval:          cfg.MaxInterval,
		EnableCompression:    cfg.EnableCompression,
		NetworkCheckInterval: cfg.NetworkCheckInterval,
		PowerSaveThreshold:   cfg.PowerSaveThreshold,
		Priorities:           cfg.Priorities,
	})
	controller.SetPendingFunc(led.PendingCount)

	e := &Engine{
		cfg:        cfg,
		st:         st,
		tr:         tr,
		ledger:     led,
		ckpt:       ckpt,
		resolver:   resolver,
		monitor: retry.NewMonitor(retry.Config{
			FailureThreshold: cfg.FailureThreshold,
			ResetTimeout:     cfg.ResetTimeout,
			SuccessThreshold: cfg.SuccessThreshold,
		}),
		controller: controller,
		log:        slog.Default(),
		state:      StateIdle,
		status:     observe.NewReplay(StateIdle),
		statsObs:   observe.NewReplay(Stats{}),
		kick:       make(chan struct{}, 1),
		probe:      adaptive.StaticProbe{Signals: adaptive.Signals{BatteryLevel: -1}},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "sync-engine", "node", cfg.NodeID)
	return e, nil
}

// Status subscribes to engine state changes; the current state replays
// immediately.
func (e *Engine) Status() (<-chan State, func()) { return e.status.Subscribe() }

// StatsStream subscribes to counter updates; the current stats replay
// immediately.
func (e *Engine) StatsStream() (<-chan Stats, func()) { return e.statsObs.Subscribe() }

// RetryEvents subscribes to the retry monitor's event stream.
func (e *Engine) RetryEvents() (<-chan retry.Event, func()) { return e.monitor.Events() }

// CurrentState returns the engine state.
func (e *Engine) CurrentState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// CurrentStats returns a copy of the counters.
func (e *Engine) CurrentStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Checkpoint exposes the current checkpoint snapshot.
func (e *Engine) Checkpoint() checkpoint.Snapshot { return e.ckpt.Get() }

// Start connects, handshakes, subscribes to the store's change feeds, and
// launches the pull ticker. It returns once the engine is running; a
// rejected handshake is fatal and reported synchronously.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("syncer: already started")
	}
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	e.started = true
	e.runCtx, e.runCancel = context.WithCancel(context.Background())
	e.mu.Unlock()

	// The transport gets a callback-only view of the engine; it never holds
	// the engine itself.
	e.tr.OnDisconnect(func() {
		e.setState(StateOffline)
	})
	e.tr.OnReconnect(func() {
		e.setState(StateIdle)
		go e.ForceSync(e.runCtx)
	})
	e.tr.OnServerPush(func(env *protocol.Envelope) {
		e.handleServerPush(env)
	})
	e.tr.OnError(func(err error) {
		e.recordError(err)
	})

	if err := e.tr.Connect(ctx); err != nil {
		e.setState(StateError)
		return fmt.Errorf("connect: %w", err)
	}
	if err := e.handshake(ctx); err != nil {
		e.setState(StateError)
		return err
	}

	e.subscribeChanges()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runLoop()
	}()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.controller.Run(e.runCtx, e.probe)
	}()

	// Catch up immediately: anything pending from a previous run plus
	// whatever the server has for us.
	go e.ForceSync(e.runCtx)

	e.log.Info("engine started", "server", e.cfg.ServerURL, "direction", string(e.cfg.Direction))
	return nil
}

// Stop halts the pull ticker, closes subscriptions, waits for an in-flight
// cycle up to the grace period, then forces disconnect. The ledger survives:
// in-flight entries return to pending.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	cancel := e.runCancel
	subs := e.subCancels
	e.subCancels = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, unsub := range subs {
		unsub()
	}

	// Grace period for the in-flight cycle.
	done := make(chan struct{})
	go func() {
		e.syncMu.Lock()
		e.syncMu.Unlock() //nolint:staticcheck // lock-step barrier, not a critical section
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.RequestTimeout + time.Second):
		e.log.Warn("stop grace period elapsed, forcing disconnect")
	}

	err := e.tr.Disconnect()
	e.ledger.Release()
	e.wg.Wait()
	e.status.Close()
	e.statsObs.Close()
	if cerr := e.ledger.Close(); err == nil {
		err = cerr
	}
	e.log.Info("engine stopped")
	return err
}

// ForceSync runs one full cycle now. Concurrent calls coalesce behind the
// cycle lock.
func (e *Engine) ForceSync(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	e.mu.Unlock()
	return e.syncOnce(ctx)
}

// ─── Run loop ─────────────────────────────────────────────────────────────────

// runLoop owns the pull ticker and the push kicks. The tick interval is
// re-read from the adaptive controller after every cycle.
func (e *Engine) runLoop() {
	for {
		interval := e.currentSettings().Interval
		var tick <-chan time.Time
		var timer *time.Timer
		if e.cfg.PullInterval > 0 {
			timer = time.NewTimer(interval)
			tick = timer.C
		}

		select {
		case <-e.runCtx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-e.kick:
			_ = e.syncOnce(e.runCtx)
		case <-tick:
			_ = e.syncOnce(e.runCtx)
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// subscribeChanges wires the store's change feeds into the ledger.
func (e *Engine) subscribeChanges() {
	collections := e.cfg.Collections
	if len(collections) == 0 {
		collections = e.st.ListCollections()
	}
	for _, name := range collections {
		col := e.st.Collection(name)
		events, cancel := col.Changes()
		e.mu.Lock()
		e.subCancels = append(e.subCancels, cancel)
		e.mu.Unlock()

		e.wg.Add(1)
		go func(name string) {
			defer e.wg.Done()
			for {
				select {
				case <-e.runCtx.Done():
					return
				case ch, ok := <-events:
					if !ok {
						return
					}
					e.onLocalChange(name, ch)
				}
			}
		}(name)
	}
}

// onLocalChange records a local write in the ledger and kicks a push.
// Changes that arrived through sync are not re-echoed.
func (e *Engine) onLocalChange(collection string, ch store.Change) {
	if ch.FromSync {
		return
	}
	rec := protocol.FromStoreChange(collection, e.cfg.NodeID, ch)
	if _, err := e.ledger.Add(collection, rec, ch.Previous); err != nil {
		e.log.Error("ledger add failed", "collection", collection, "doc", ch.DocumentID, "error", err)
		return
	}
	if e.cfg.PushEnabled() && !e.kickDisabled {
		select {
		case e.kick <- struct{}{}:
		default: // a sync is already queued
		}
	}
}

// ─── Sync cycle ───────────────────────────────────────────────────────────────

func (e *Engine) syncOnce(ctx context.Context) error {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	// A tripped breaker rejects the cycle before any ledger mutation:
	// entries stay pending.
	if !e.monitor.CanAttempt() {
		e.recordError(retry.ErrCircuitOpen)
		e.setState(StateError)
		return retry.ErrCircuitOpen
	}

	e.setState(StateSyncing)
	started := time.Now()

	var failure error
	if e.cfg.PushEnabled() {
		if err := e.pushAll(ctx); err != nil {
			failure = err
		}
	}
	if failure == nil && e.cfg.PullEnabled() {
		if err := e.pullAll(ctx); err != nil {
			failure = err
		}
	}

	e.controller.ObserveSync(time.Since(started), failure == nil)

	if failure != nil {
		e.recordError(failure)
		if errors.Is(failure, transport.ErrNotConnected) {
			e.setState(StateOffline)
		} else {
			e.setState(StateError)
		}
		return failure
	}

	e.mu.Lock()
	e.stats.LastSyncAt = time.Now()
	e.stats.LastError = ""
	stats := e.stats
	e.mu.Unlock()
	e.statsObs.Publish(stats)
	e.setState(StateIdle)
	return nil
}

// currentSettings asks the adaptive controller for this cycle's parameters,
// feeding it the candidate collection set.
func (e *Engine) currentSettings() adaptive.Settings {
	return e.controller.Settings(e.syncCollections())
}

// syncCollections is the configured set, or the union of known collections
// and collections with pending ledger entries.
func (e *Engine) syncCollections() []string {
	if len(e.cfg.Collections) > 0 {
		return e.cfg.Collections
	}
	seen := make(map[string]bool)
	var out []string
	for _, name := range e.st.ListCollections() {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, name := range e.ledger.CollectionsWithPending() {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ─── Push path ────────────────────────────────────────────────────────────────

func (e *Engine) pushAll(ctx context.Context) error {
	settings := e.currentSettings()
	for _, collection := range settings.Priorities {
		if err := e.pushCollection(ctx, collection, settings); err != nil {
			return err
		}
	}
	return nil
}

// pushCollection drains one batch for one collection and pushes it.
func (e *Engine) pushCollection(ctx context.Context, collection string, settings adaptive.Settings) error {
	entries := e.ledger.PendingForCollection(collection, settings.BatchSize)
	if len(entries) == 0 {
		return nil
	}

	// Atomically flip the batch to in-flight; anything that cannot flip is
	// left for the next cycle.
	var batch []*ledger.Entry
	for _, entry := range entries {
		if err := e.ledger.MarkInFlight(entry.ID); err != nil {
			e.log.Debug("skipping entry", "id", entry.ID, "reason", err)
			continue
		}
		batch = append(batch, entry)
	}
	if len(batch) == 0 {
		return nil
	}

	release := func() {
		for _, entry := range batch {
			e.ledger.ReleaseEntry(entry.ID)
		}
	}

	records := make([]protocol.ChangeRecord, 0, len(batch))
	byDoc := make(map[string]*ledger.Entry, len(batch))
	for _, entry := range batch {
		records = append(records, entry.Change)
		byDoc[entry.Change.DocumentID] = entry
	}

	payload := protocol.PushPayload{
		SessionID:  e.session(),
		Collection: collection,
		Checkpoint: e.ckpt.Get(),
	}
	if settings.Compression {
		packed, err := protocol.PackChanges(records)
		if err != nil {
			release()
			return fmt.Errorf("pack push batch: %w", err)
		}
		payload.Packed = packed
	} else {
		payload.Changes = records
	}

	env, err := protocol.NewEnvelope(protocol.TypePush, payload)
	if err != nil {
		release()
		return err
	}

	resp, err := e.send(ctx, env)
	if err != nil {
		// The wire failed: nothing was acknowledged, everything returns to
		// pending for the next cycle.
		release()
		return fmt.Errorf("push %s: %w", collection, err)
	}

	var ack protocol.PushAckPayload
	if err := protocol.DecodePayload(resp, &ack); err != nil {
		release()
		return fmt.Errorf("push %s: %w", collection, err)
	}

	accepted := 0
	for _, docID := range ack.Accepted {
		if entry, ok := byDoc[docID]; ok {
			e.ledger.MarkSynced(entry.ID)
			accepted++
		}
	}

	conflicts := 0
	for _, c := range ack.Conflicts {
		entry, ok := byDoc[c.DocumentID]
		if !ok {
			continue
		}
		if err := e.resolveConflict(collection, c.DocumentID, c.ServerDocument, entry); err != nil {
			e.log.Error("conflict resolution failed",
				"collection", collection, "doc", c.DocumentID, "error", err)
			e.ledger.Reject(entry.ID, err.Error())
			continue
		}
		conflicts++
	}

	e.ckpt.UpdateFromServer(ack.Checkpoint.ServerCursor)

	e.mu.Lock()
	e.stats.PushCount += accepted
	e.stats.ConflictCount += conflicts
	stats := e.stats
	e.mu.Unlock()
	e.statsObs.Publish(stats)

	e.log.Debug("pushed batch",
		"collection", collection, "accepted", accepted, "conflicts", conflicts)
	return nil
}

// resolveConflict resolves one conflicting document against the server copy,
// applies the resolution locally, removes the superseded ledger entry (nil
// when the conflict was detected without one), and queues a re-push unless
// the server side won outright.
func (e *Engine) resolveConflict(collection, docID string, serverDoc store.Document, entry *ledger.Entry) error {
	col := e.st.Collection(collection)

	// Always resolve against the freshest local state, not the snapshot
	// that travelled in the push.
	local := col.GetRaw(docID)
	var base store.Document
	if entry != nil {
		if local == nil {
			local = entry.Change.Document
		}
		base = entry.Previous
	}
	if local == nil {
		return fmt.Errorf("no local document for conflict on %s/%s", collection, docID)
	}

	res, err := e.resolver.Resolve(local, serverDoc, base)
	if err != nil {
		return err
	}

	if entry != nil {
		e.ledger.Remove(entry.ID)
	}

	resolved := res.Document.Clone()
	if res.Winner != conflict.WinnerRemote {
		// The resolution has causally seen both sides. Without the merged
		// clock its re-push would still be concurrent with the server copy
		// and conflict again on every cycle.
		resolved.SetClock(local.Clock().Merge(serverDoc.Clock()))
	}

	if err := col.ApplyRemoteChange(store.Change{
		Operation:  store.OpUpdate,
		DocumentID: docID,
		Document:   resolved,
		FromSync:   true,
		Timestamp:  resolved.UpdatedAt(),
	}); err != nil {
		return fmt.Errorf("apply resolution: %w", err)
	}

	// The local or merged side carries content the server has not seen:
	// push it on the next cycle.
	if res.Winner != conflict.WinnerRemote {
		rec := protocol.ChangeRecord{
			Collection: collection,
			DocumentID: docID,
			Operation:  store.OpUpdate,
			Document:   resolved.Clone(),
			Timestamp:  resolved.UpdatedAt(),
			NodeID:     e.cfg.NodeID,
			VClock:     resolved.Clock(),
		}
		if _, err := e.ledger.Add(collection, rec, serverDoc); err != nil {
			return fmt.Errorf("queue resolved document: %w", err)
		}
	}
	return nil
}

// ─── Pull path ────────────────────────────────────────────────────────────────

func (e *Engine) pullAll(ctx context.Context) error {
	settings := e.currentSettings()
	collections := e.syncCollections()
	if len(collections) == 0 {
		return nil
	}

	for {
		payload := protocol.PullPayload{
			SessionID:   e.session(),
			Collections: collections,
			Checkpoint:  e.ckpt.Get(),
			Limit:       settings.BatchSize,
		}
		env, err := protocol.NewEnvelope(protocol.TypePull, payload)
		if err != nil {
			return err
		}
		resp, err := e.send(ctx, env)
		if err != nil {
			return fmt.Errorf("pull: %w", err)
		}

		var pr protocol.PullResponsePayload
		if err := protocol.DecodePayload(resp, &pr); err != nil {
			return fmt.Errorf("pull: %w", err)
		}

		if err := e.applyPullResponse(&pr); err != nil {
			// Per-item store failures are already logged; the checkpoint
			// was only advanced past what actually applied, so the rest
			// returns on the next pull.
			e.log.Warn("pull batch applied partially", "error", err)
		}

		if !pr.HasMore {
			return nil
		}
	}
}

// applyPullResponse applies one batch in server-sequence order and then
// durably saves the checkpoint. The returned error aggregates per-item
// failures; it never aborts the rest of the batch.
func (e *Engine) applyPullResponse(pr *protocol.PullResponsePayload) error {
	var errs *multierror.Error

	collections := pr.Collections()
	sort.Strings(collections)

	applied := 0
	for _, collection := range collections {
		changes, err := pr.CollectionChanges(collection)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("unpack %s: %w", collection, err))
			continue
		}
		col := e.st.Collection(collection)

		for _, ch := range changes {
			// Self-echo: our own change coming back after the server
			// accepted it. It advances the checkpoint but is neither
			// applied nor counted as a pull.
			if ch.NodeID == e.cfg.NodeID && ch.Document != nil &&
				e.ledger.MatchSyncedEcho(collection, ch.DocumentID, ch.Document.Rev()) {
				e.log.Debug("suppressing self-echo", "collection", collection, "doc", ch.DocumentID)
				if ch.Sequence > 0 {
					e.ckpt.UpdateSequence(collection, ch.Sequence)
				}
				continue
			}
			if err := e.applyRemote(col, collection, ch); err != nil {
				errs = multierror.Append(errs,
					fmt.Errorf("apply %s/%s: %w", collection, ch.DocumentID, err))
				// The document stays at its old sequence and returns on
				// the next pull; later changes for this collection must
				// not leapfrog the checkpoint past it.
				break
			}
			if ch.Sequence > 0 {
				e.ckpt.UpdateSequence(collection, ch.Sequence)
			}
			applied++
		}
	}

	e.ckpt.UpdateFromServer(pr.Checkpoint.ServerCursor)
	if err := e.ckpt.Save(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("save checkpoint: %w", err))
	}

	if applied > 0 {
		e.mu.Lock()
		e.stats.PullCount += applied
		stats := e.stats
		e.mu.Unlock()
		e.statsObs.Publish(stats)
	}
	return errs.ErrorOrNil()
}

// applyRemote applies one pulled change, running conflict detection against
// any pending local update for the same document. Causally stale changes
// (the local document has already seen them) are discarded.
func (e *Engine) applyRemote(col store.Collection, collection string, ch protocol.ChangeRecord) error {
	local := col.GetRaw(ch.DocumentID)

	if local != nil && ch.Document != nil {
		entry, pending := e.ledger.FindPending(collection, ch.DocumentID)
		if conflict.Detect(local, ch.Document) {
			if !pending {
				entry = nil
			}
			if err := e.resolveConflict(collection, ch.DocumentID, ch.Document, entry); err != nil {
				return err
			}
			e.mu.Lock()
			e.stats.ConflictCount++
			stats := e.stats
			e.mu.Unlock()
			e.statsObs.Publish(stats)
			return nil
		}

		// No conflict: discard changes the local document causally
		// dominates, apply the rest. Clockless documents cannot be gated
		// this way and fall through to the store's revision idempotence.
		if len(ch.Document.Clock()) > 0 && len(local.Clock()) > 0 {
			switch ch.Document.Clock().Compare(local.Clock()) {
			case vclock.Before, vclock.Equal:
				return nil
			}
		}
	}

	return col.ApplyRemoteChange(ch.ToStoreChange())
}

// ─── Transport plumbing ───────────────────────────────────────────────────────

// handshake opens the session. An auth rejection is fatal; other failures
// surface as retriable connect errors.
func (e *Engine) handshake(ctx context.Context) error {
	env, err := protocol.NewEnvelope(protocol.TypeHandshake, protocol.HandshakePayload{
		NodeID:       e.cfg.NodeID,
		Collections:  e.cfg.Collections,
		Capabilities: []string{"compression", "vclock"},
		Auth:         e.cfg.AuthToken,
	})
	if err != nil {
		return err
	}
	resp, err := e.send(ctx, env)
	if err != nil {
		if errors.Is(err, ErrAuthRejected) {
			return err
		}
		return fmt.Errorf("handshake: %w", err)
	}

	var ack protocol.HandshakeAckPayload
	if err := protocol.DecodePayload(resp, &ack); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	e.mu.Lock()
	e.sessionID = ack.SessionID
	e.mu.Unlock()
	e.log.Info("session established", "session", ack.SessionID, "server", ack.ServerNodeID)
	return nil
}

func (e *Engine) session() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// send transmits one envelope under the retry monitor and unwraps error
// envelopes into Go errors. Non-retriable protocol errors become permanent
// so the backoff loop stops immediately.
func (e *Engine) send(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
	policy := retry.Policy{InitialDelay: e.cfg.RetryDelay, MaxAttempts: e.cfg.MaxRetryAttempts}
	if !e.cfg.AutoRetry {
		policy.MaxAttempts = 1
	}

	var resp *protocol.Envelope
	err := e.monitor.Do(ctx, policy, func(ctx context.Context) error {
		r, err := e.tr.Send(ctx, env)
		if err != nil {
			return err
		}
		if r.Type == protocol.TypeError {
			var ep protocol.ErrorPayload
			if derr := protocol.DecodePayload(r, &ep); derr != nil {
				return derr
			}
			werr := fmt.Errorf("server error %s: %s", ep.Code, ep.Message)
			if ep.Code == protocol.CodeAuthRejected {
				werr = fmt.Errorf("%w: %s", ErrAuthRejected, ep.Message)
			}
			if !ep.Retriable {
				return retry.Permanent(werr)
			}
			return werr
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// handleServerPush feeds server-initiated messages into the pull pipeline.
func (e *Engine) handleServerPush(env *protocol.Envelope) {
	if env.Type != protocol.TypePullResponse {
		e.log.Debug("ignoring server push", "type", env.Type)
		return
	}
	var pr protocol.PullResponsePayload
	if err := protocol.DecodePayload(env, &pr); err != nil {
		e.log.Warn("undecodable server push", "error", err)
		return
	}
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	if err := e.applyPullResponse(&pr); err != nil {
		e.log.Warn("server push applied partially", "error", err)
	}
}

// ─── State & errors ───────────────────────────────────────────────────────────

func (e *Engine) setState(s State) {
	e.mu.Lock()
	if e.state == s {
		e.mu.Unlock()
		return
	}
	e.state = s
	e.mu.Unlock()
	e.status.Publish(s)
}

func (e *Engine) recordError(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	e.stats.LastError = err.Error()
	stats := e.stats
	e.mu.Unlock()
	e.statsObs.Publish(stats)
	e.log.Warn("sync error", "error", err)
}
