package canvas

import (
	"fmt"
	"log"

	"github.com/betomoedano/sketch-app/internal/models"
)

// dragSlot coalesces a continuous drag into one position read by Snapshot.
type dragSlot struct {
	id    string
	start models.Position
	pos   models.Position
}

// Store is the single-threaded core: cache, queue, clock and the buffered
// remote changes. Every method must be called from one logical sequence;
// Engine provides that by holding a mutex around it.
type Store struct {
	clientID string
	clock    lamport
	cache    *Cache
	queue    *Queue
	buffered map[string][]models.ChangeEvent
	drag     *dragSlot
}

func NewStore(clientID string) *Store {
	return &Store{
		clientID: clientID,
		cache:    NewCache(),
		queue:    NewQueue(),
		buffered: make(map[string][]models.ChangeEvent),
	}
}

func (s *Store) ClientID() string {
	return s.clientID
}

func (s *Store) Cache() *Cache {
	return s.cache
}

func (s *Store) Queue() *Queue {
	return s.queue
}

// ApplyOptimistic stamps m, applies it to the cache and queues it for
// transmission. It returns the cache version that includes the change.
func (s *Store) ApplyOptimistic(m models.Mutation) (uint64, *Entry, error) {
	if s.drag != nil && s.drag.id == m.ElementID && m.Type != models.MutationMove {
		s.drag = nil
	}

	m.ClientID = s.clientID
	if m.ID == "" {
		m.ID = models.NewMutationID()
	}
	m.Clock = s.clock.Tick()

	if _, err := s.cache.Apply(&m); err != nil {
		return s.cache.Version(), nil, err
	}
	seq := s.queue.Enqueue(m)
	return s.cache.Version(), s.queue.Get(seq), nil
}

// Restore re-queues a mutation recovered from the journal. Edits to ids the
// cache doesn't know yet are still queued so they reach the backing store.
func (s *Store) Restore(m models.Mutation) *Entry {
	s.clock.Observe(m.Clock)
	m.Clock = s.clock.Tick()
	m.ClientID = s.clientID
	if _, err := s.cache.Apply(&m); err != nil {
		log.Printf("⚠️  Restored %s for %s not applied locally: %v", m.Type, m.ElementID, err)
	}
	seq := s.queue.Enqueue(m)
	return s.queue.Get(seq)
}

// Clear queues one delete per currently known element.
func (s *Store) Clear() []*Entry {
	s.drag = nil
	var out []*Entry
	for _, id := range s.cache.IDs() {
		_, e, err := s.ApplyOptimistic(models.DeleteMutation(id))
		if err != nil {
			log.Printf("⚠️  Clear skipped %s: %v", id, err)
			continue
		}
		out = append(out, e)
	}
	return out
}

// Reconcile merges a remote change into the cache following the
// last-writer-wins rule in Reconcile.
func (s *Store) Reconcile(ev models.ChangeEvent) (Decision, error) {
	if err := ev.Validate(); err != nil {
		return Discard, err
	}
	s.clock.Observe(ev.Clock)
	return s.reconcile(ev)
}

func (s *Store) reconcile(ev models.ChangeEvent) (Decision, error) {
	view := s.cache.View(ev.ElementID)
	pending := s.queue.PendingFor(ev.ElementID, ev.Fields)
	dragging := s.drag != nil && s.drag.id == ev.ElementID

	d := Reconcile(view, pending, dragging, &ev)
	switch d {
	case Apply:
		if err := s.cache.ApplyRemote(&ev); err != nil {
			return Discard, err
		}
	case Buffer:
		s.buffered[ev.ElementID] = append(s.buffered[ev.ElementID], ev)
	}
	return d, nil
}

// Acknowledge settles an accepted write: the entry leaves the queue, the
// authoritative state in the result is reconciled, then anything buffered
// behind the write is re-evaluated.
func (s *Store) Acknowledge(res models.WriteResult) (*Entry, bool) {
	e, ok := s.queue.Acknowledge(res.LocalSeq)
	if !ok {
		return nil, false
	}
	id := e.Mutation.ElementID
	if res.Seq != 0 {
		ev := res.AsChange("", id)
		if err := ev.Validate(); err == nil {
			if _, err := s.reconcile(ev); err != nil {
				log.Printf("⚠️  Ack for %s not applied: %v", id, err)
			}
		}
	}
	s.drain(id)
	return e, true
}

// Abandon drops an entry after a terminal failure. The optimistic cache is
// left as is until the next authoritative change corrects it.
func (s *Store) Abandon(seq uint64, err error) (*Entry, bool) {
	e, ok := s.queue.Abandon(seq)
	if !ok {
		return nil, false
	}
	e.LastErr = err
	s.drain(e.Mutation.ElementID)
	return e, true
}

func (s *Store) drain(id string) {
	events := s.buffered[id]
	if len(events) == 0 {
		return
	}
	delete(s.buffered, id)
	for _, ev := range events {
		if _, err := s.reconcile(ev); err != nil {
			log.Printf("⚠️  Dropped buffered change for %s: %v", id, err)
		}
	}
}

// Buffered returns how many remote changes are waiting on local writes.
func (s *Store) Buffered() int {
	n := 0
	for _, evs := range s.buffered {
		n += len(evs)
	}
	return n
}

// Resync reconciles a full authoritative snapshot. Elements missing from
// the snapshot are removed unless a local write for them is still pending.
func (s *Store) Resync(states []models.ElementState) {
	present := make(map[string]bool, len(states))
	for _, st := range states {
		present[st.Element.ID] = true
		el := st.Element
		ev := models.ChangeEvent{
			ElementID: el.ID,
			Kind:      el.Kind,
			Fields:    models.GroupAll,
			Element:   &el,
			Seq:       st.Seq,
		}
		if err := ev.Validate(); err != nil {
			log.Printf("⚠️  Resync skipped %s: %v", el.ID, err)
			continue
		}
		if _, err := s.reconcile(ev); err != nil {
			log.Printf("⚠️  Resync skipped %s: %v", el.ID, err)
		}
	}
	for _, id := range s.cache.IDs() {
		if present[id] || s.queue.HasPending(id) {
			continue
		}
		if s.drag != nil && s.drag.id == id {
			s.drag = nil
		}
		s.cache.Remove(id)
	}
}

// BeginDrag starts coalescing positions for id.
func (s *Store) BeginDrag(id string) error {
	if s.drag != nil {
		return ErrDragInProgress
	}
	el, ok := s.cache.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownElement, id)
	}
	s.drag = &dragSlot{id: id, start: el.Position, pos: el.Position}
	return nil
}

// DragTo only updates the drag slot; nothing is queued.
func (s *Store) DragTo(pos models.Position) error {
	if s.drag == nil {
		return ErrNotDragging
	}
	if err := pos.Validate(); err != nil {
		return err
	}
	s.drag.pos = pos
	return nil
}

// EndDrag turns the final drag position into one durable Move.
// A drag that ends where it started queues nothing.
func (s *Store) EndDrag() (*Entry, error) {
	if s.drag == nil {
		return nil, ErrNotDragging
	}
	d := s.drag
	s.drag = nil

	var entry *Entry
	if d.pos != d.start {
		if _, ok := s.cache.Get(d.id); ok {
			_, e, err := s.ApplyOptimistic(models.MoveMutation(d.id, d.pos))
			if err != nil {
				return nil, err
			}
			entry = e
		}
	}
	s.drain(d.id)
	return entry, nil
}

// CancelDrag drops the drag slot without writing anything.
func (s *Store) CancelDrag() {
	if s.drag == nil {
		return
	}
	id := s.drag.id
	s.drag = nil
	s.drain(id)
}

// Dragging returns the id being dragged, if any.
func (s *Store) Dragging() (string, bool) {
	if s.drag == nil {
		return "", false
	}
	return s.drag.id, true
}

// Snapshot is the renderer's view: the cache with the drag slot overlaid.
func (s *Store) Snapshot() Snapshot {
	snap := s.cache.Snapshot()
	if s.drag == nil {
		return snap
	}
	for i := range snap.Elements {
		if snap.Elements[i].ID == s.drag.id {
			snap.Elements[i].Position = s.drag.pos
			break
		}
	}
	return snap
}
