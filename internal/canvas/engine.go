package canvas

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/betomoedano/sketch-app/internal/models"
)

/*
LEARNING: OPTIMISTIC SYNC ENGINE

The engine wraps the single-threaded Store with the goroutines that talk to
the backing store:

  caller (gesture)   → lock → Store.ApplyOptimistic → unlock → kick transmitter
  transmitter        → take batch → Write (retry w/ backoff) → lock → ack/abandon
  subscriber         → range over change stream → lock → Store.Reconcile

One mutex serializes every touch of the Store, so the order in which a local
edit and a remote change are merged is just the order they arrived in.
Only one transmitter runs, so writes to the same element reach the backing
store in the order they were made.
*/

// BackingStore is the shared authoritative store as seen by the engine.
type BackingStore interface {
	Subscribe(ctx context.Context, canvasID string) (<-chan models.ChangeEvent, error)
	Write(ctx context.Context, canvasID string, mutations []models.Mutation) ([]models.WriteResult, error)
}

// SnapshotLoader is implemented by backing stores that can return the full
// authoritative state for a reconciliation pass.
type SnapshotLoader interface {
	Load(ctx context.Context, canvasID string) ([]models.ElementState, error)
}

// Journal persists unconfirmed mutations so offline edits survive a restart.
type Journal interface {
	Save(m models.Mutation) error
	Delete(mutationID string) error
	Load() ([]models.Mutation, error)
}

// Notifier receives one call per abandoned mutation.
type Notifier interface {
	Notify(f Failure)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(f Failure)

func (fn NotifierFunc) Notify(f Failure) { fn(f) }

// Options configures an Engine.
type Options struct {
	CanvasID string
	ClientID string

	BatchSize      int
	// MaxRetries bounds resends of a batch while connected; zero takes the
	// default. Time spent offline does not count.
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	WriteTimeout   time.Duration

	Journal  Journal
	Notifier Notifier
	OnChange func(Snapshot) // called after every change, outside the lock
}

// DefaultOptions returns production retry settings.
func DefaultOptions(canvasID, clientID string) Options {
	return Options{
		CanvasID:       canvasID,
		ClientID:       clientID,
		BatchSize:      32,
		MaxRetries:     8,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		WriteTimeout:   5 * time.Second,
	}
}

// Engine is the goroutine-safe Collaborative Element Store for one client.
type Engine struct {
	opts    Options
	backing BackingStore

	mu    sync.Mutex // guards store
	store *Store

	kick       chan struct{}
	unanswered *backoff.ExponentialBackOff // paces resends of entries that got no result
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewEngine creates an engine. Local edits work right away; nothing is
// transmitted until Start.
func NewEngine(backing BackingStore, opts Options) *Engine {
	def := DefaultOptions(opts.CanvasID, opts.ClientID)
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = def.InitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:    opts,
		backing: backing,
		store:   NewStore(opts.ClientID),
		kick:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	e.unanswered = e.newBackOff()
	return e
}

// Start restores journaled mutations and launches the transmitter and
// subscriber goroutines.
func (e *Engine) Start(ctx context.Context) error {
	log.Printf("🔄 Starting sync engine for canvas %s (client %s)...", e.opts.CanvasID, e.opts.ClientID)

	if e.opts.Journal != nil {
		muts, err := e.opts.Journal.Load()
		if err != nil {
			log.Printf("⚠️  Failed to load outbox: %v", err)
		}
		e.mu.Lock()
		for _, m := range muts {
			e.store.Restore(m)
		}
		e.mu.Unlock()
		if len(muts) > 0 {
			log.Printf("  Restored %d unconfirmed mutation(s) from outbox", len(muts))
		}
	}

	go func() {
		select {
		case <-ctx.Done():
			e.cancel()
		case <-e.ctx.Done():
		}
	}()

	e.wg.Add(2)
	go e.transmitLoop()
	go e.subscribeLoop()
	e.wake()

	log.Println("✓ Sync engine started")
	return nil
}

// Shutdown stops background work. Unconfirmed mutations stay in the journal.
func (e *Engine) Shutdown() {
	log.Println("🛑 Shutting down sync engine...")
	e.cancel()
	e.wg.Wait()
	log.Println("✓ Sync engine shutdown complete")
}

// Add places a new element and returns it.
func (e *Engine) Add(kind models.Kind, pos models.Position, style models.StyleInput) (models.Element, error) {
	el, err := models.NewElement(kind, pos, style)
	if err != nil {
		return models.Element{}, err
	}
	if _, err := e.Apply(models.CreateMutation(el)); err != nil {
		return models.Element{}, err
	}
	return el, nil
}

func (e *Engine) Move(id string, pos models.Position) error {
	_, err := e.Apply(models.MoveMutation(id, pos))
	return err
}

func (e *Engine) Recolor(id, color string) error {
	_, err := e.Apply(models.RecolorMutation(id, color))
	return err
}

// Delete removes id. Deleting an unknown id is a no-op.
func (e *Engine) Delete(id string) error {
	_, err := e.Apply(models.DeleteMutation(id))
	return err
}

// Apply runs the optimistic phase for m and schedules transmission.
func (e *Engine) Apply(m models.Mutation) (uint64, error) {
	e.mu.Lock()
	version, entry, err := e.store.ApplyOptimistic(m)
	if err == nil {
		e.journal(entry)
	}
	snap := e.store.Snapshot()
	e.mu.Unlock()

	if err != nil {
		return version, err
	}
	e.changed(snap)
	e.wake()
	return version, nil
}

// Clear queues one delete per currently known element and returns how many.
func (e *Engine) Clear() int {
	e.mu.Lock()
	entries := e.store.Clear()
	for _, entry := range entries {
		e.journal(entry)
	}
	snap := e.store.Snapshot()
	e.mu.Unlock()

	e.changed(snap)
	e.wake()
	return len(entries)
}

func (e *Engine) BeginDrag(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.BeginDrag(id)
}

// DragTo updates the coalesced drag position. No network write happens.
func (e *Engine) DragTo(pos models.Position) error {
	e.mu.Lock()
	err := e.store.DragTo(pos)
	snap := e.store.Snapshot()
	e.mu.Unlock()
	if err == nil {
		e.changed(snap)
	}
	return err
}

// EndDrag commits the drag as one Move.
func (e *Engine) EndDrag() error {
	e.mu.Lock()
	entry, err := e.store.EndDrag()
	if entry != nil {
		e.journal(entry)
	}
	snap := e.store.Snapshot()
	e.mu.Unlock()

	if err != nil {
		return err
	}
	e.changed(snap)
	if entry != nil {
		e.wake()
	}
	return nil
}

func (e *Engine) CancelDrag() {
	e.mu.Lock()
	e.store.CancelDrag()
	snap := e.store.Snapshot()
	e.mu.Unlock()
	e.changed(snap)
}

// Snapshot returns the renderer's view of the canvas.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Snapshot()
}

// Pending returns the number of unconfirmed local mutations.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Queue().Len()
}

// Entries returns the queued mutations in order.
func (e *Engine) Entries() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Queue().Entries()
}

// Resync pulls the full authoritative state, if the backing store can
// provide it, and reconciles it into the cache.
func (e *Engine) Resync(ctx context.Context) error {
	loader, ok := e.backing.(SnapshotLoader)
	if !ok {
		return nil
	}
	states, err := loader.Load(ctx, e.opts.CanvasID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.store.Resync(states)
	snap := e.store.Snapshot()
	e.mu.Unlock()

	e.changed(snap)
	return nil
}

func (e *Engine) ingest(ev models.ChangeEvent) {
	e.mu.Lock()
	d, err := e.store.Reconcile(ev)
	snap := e.store.Snapshot()
	e.mu.Unlock()

	if err != nil {
		log.Printf("⚠️  Dropping change %d for %s: %v", ev.Seq, ev.ElementID, err)
		return
	}
	if d == Apply {
		e.changed(snap)
	}
}

// journal must be called with e.mu held.
func (e *Engine) journal(entry *Entry) {
	if e.opts.Journal == nil || entry == nil {
		return
	}
	if err := e.opts.Journal.Save(entry.Mutation); err != nil {
		log.Printf("⚠️  Failed to journal %s: %v", entry.Mutation.ID, err)
	}
}

// forget must be called with e.mu held.
func (e *Engine) forget(m models.Mutation) {
	if e.opts.Journal == nil {
		return
	}
	if err := e.opts.Journal.Delete(m.ID); err != nil {
		log.Printf("⚠️  Failed to drop %s from outbox: %v", m.ID, err)
	}
}

func (e *Engine) changed(snap Snapshot) {
	if e.opts.OnChange != nil {
		e.opts.OnChange(snap)
	}
}

func (e *Engine) wake() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}
