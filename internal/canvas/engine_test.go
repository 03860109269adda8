package canvas_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/betomoedano/sketch-app/internal/canvas"
	"github.com/betomoedano/sketch-app/internal/models"
)

// memBacking is an in-memory backing store that merges writes in arrival order.
type memBacking struct {
	mu       sync.Mutex
	seq      uint64
	elements map[string]models.ElementState
	order    []string
	subs     []chan models.ChangeEvent

	offline  bool
	failing  bool
	reject   models.MutationType
	silent   models.MutationType // accepted but left out of the results
	writes   int
	received []models.Mutation
}

func newMemBacking() *memBacking {
	return &memBacking{elements: make(map[string]models.ElementState)}
}

func (b *memBacking) setFailing(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing = v
}

// setOffline drops every change stream; while offline Subscribe and Write
// fail with canvas.ErrOffline.
func (b *memBacking) setOffline(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offline = v
	if v {
		for _, ch := range b.subs {
			close(ch)
		}
		b.subs = nil
	}
}

func (b *memBacking) writeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}

func (b *memBacking) Subscribe(ctx context.Context, canvasID string) (<-chan models.ChangeEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.offline {
		return nil, canvas.ErrOffline
	}
	ch := make(chan models.ChangeEvent, 256)
	b.subs = append(b.subs, ch)
	return ch, nil
}

func (b *memBacking) Load(ctx context.Context, canvasID string) ([]models.ElementState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.ElementState
	for _, id := range b.order {
		if st, ok := b.elements[id]; ok {
			out = append(out, st)
		}
	}
	return out, nil
}

func (b *memBacking) Write(ctx context.Context, canvasID string, muts []models.Mutation) ([]models.WriteResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.offline {
		return nil, fmt.Errorf("%w: no route to host", canvas.ErrOffline)
	}
	b.writes++
	if b.failing {
		return nil, errors.New("backing store unavailable")
	}

	results := make([]models.WriteResult, 0, len(muts))
	for i := range muts {
		m := muts[i]
		if m.Type == b.reject {
			results = append(results, models.WriteResult{MutationID: m.ID, LocalSeq: m.LocalSeq, Status: models.WriteRejected, Reason: "not allowed"})
			continue
		}
		b.received = append(b.received, m)
		res := b.merge(canvasID, &m)
		if m.Type == b.silent {
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

func (b *memBacking) merge(canvasID string, m *models.Mutation) models.WriteResult {
	res := models.WriteResult{MutationID: m.ID, LocalSeq: m.LocalSeq, Status: models.WriteAccepted}
	cur, exists := b.elements[m.ElementID]

	switch m.Type {
	case models.MutationCreate:
		if exists {
			el := cur.Element
			res.Seq, res.Element = cur.Seq, &el
			return res
		}
		b.order = append(b.order, m.ElementID)
		cur = models.ElementState{Element: *m.Element}
	case models.MutationMove:
		if !exists {
			res.Status, res.Reason = models.WriteRejected, "unknown element"
			return res
		}
		cur.Element.Position = *m.Position
	case models.MutationRecolor:
		if !exists {
			res.Status, res.Reason = models.WriteRejected, "unknown element"
			return res
		}
		cur.Element.Style.Color = m.Color
	case models.MutationDelete:
		if !exists {
			return res
		}
	}

	b.seq++
	res.Seq = b.seq
	var el *models.Element
	if m.Type == models.MutationDelete {
		delete(b.elements, m.ElementID)
		res.Deleted = true
	} else {
		cur.Seq = b.seq
		b.elements[m.ElementID] = cur
		cp := cur.Element
		el, res.Element = &cp, &cp
	}

	ev := models.ChangeFromMutation(canvasID, m, el, b.seq)
	for _, ch := range b.subs {
		ch <- ev
	}
	return res
}

func testOptions(clientID string) canvas.Options {
	opts := canvas.DefaultOptions("canvas-1", clientID)
	opts.MaxRetries = 2
	opts.InitialBackoff = time.Millisecond
	opts.MaxBackoff = 5 * time.Millisecond
	opts.WriteTimeout = time.Second
	return opts
}

func startEngine(t *testing.T, b canvas.BackingStore, opts canvas.Options) *canvas.Engine {
	t.Helper()
	e := canvas.NewEngine(b, opts)
	ok(t, e.Start(context.Background()))
	t.Cleanup(e.Shutdown)
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	fatalf(t, "timed out waiting for %s", what)
}

type failureLog struct {
	mu   sync.Mutex
	list []canvas.Failure
}

func (l *failureLog) Notify(f canvas.Failure) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = append(l.list, f)
}

func (l *failureLog) all() []canvas.Failure {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]canvas.Failure(nil), l.list...)
}

func TestEngineAcknowledgesWrites(t *testing.T) {
	b := newMemBacking()
	e := startEngine(t, b, testOptions("client-a"))

	el, err := e.Add(models.KindRectangle, models.Position{X: 50, Y: 50}, models.StyleInput{})
	ok(t, err)
	ok(t, e.Move(el.ID, models.Position{X: 120, Y: 80}))

	waitFor(t, "queue to drain", func() bool { return e.Pending() == 0 })

	got, found := e.Snapshot().Find(el.ID)
	eq(t, found, true)
	eq(t, got.Position, models.Position{X: 120, Y: 80})

	states, err := b.Load(context.Background(), "canvas-1")
	ok(t, err)
	eq(t, len(states), 1)
	eq(t, states[0].Element.Position, models.Position{X: 120, Y: 80})
}

func TestEngineSendsInLocalOrder(t *testing.T) {
	b := newMemBacking()
	e := startEngine(t, b, testOptions("client-a"))

	el, err := e.Add(models.KindCircle, models.Position{X: 0, Y: 0}, models.StyleInput{})
	ok(t, err)
	for i := 1; i <= 10; i++ {
		ok(t, e.Move(el.ID, models.Position{X: float64(i), Y: float64(i)}))
	}
	waitFor(t, "queue to drain", func() bool { return e.Pending() == 0 })

	b.mu.Lock()
	defer b.mu.Unlock()
	eq(t, len(b.received), 11)
	for i := 1; i < len(b.received); i++ {
		if b.received[i].LocalSeq <= b.received[i-1].LocalSeq {
			fatalf(t, "mutation %d sent after %d", b.received[i].LocalSeq, b.received[i-1].LocalSeq)
		}
	}
	eq(t, b.elements[el.ID].Element.Position, models.Position{X: 10, Y: 10})
}

func TestEnginePermanentFailureNotifiesOnce(t *testing.T) {
	b := newMemBacking()
	failures := &failureLog{}
	opts := testOptions("client-a")
	opts.Notifier = failures
	e := startEngine(t, b, opts)

	el, err := e.Add(models.KindRectangle, models.Position{X: 1, Y: 1}, models.StyleInput{})
	ok(t, err)
	waitFor(t, "create ack", func() bool { return e.Pending() == 0 })

	b.setFailing(true)
	ok(t, e.Move(el.ID, models.Position{X: 9, Y: 9}))
	waitFor(t, "move to be abandoned", func() bool { return e.Pending() == 0 })
	time.Sleep(50 * time.Millisecond)

	got := failures.all()
	eq(t, len(got), 1)
	eq(t, got[0].Mutation.Type, models.MutationMove)
	eq(t, got[0].Attempts, 3)
	if !errors.Is(got[0], canvas.ErrRetriesExhausted) {
		fatalf(t, "got %v, want ErrRetriesExhausted", got[0].Err)
	}

	// the optimistic position stays until an authoritative change replaces it
	moved, _ := e.Snapshot().Find(el.ID)
	eq(t, moved.Position, models.Position{X: 9, Y: 9})
}

func TestEngineRejectionIsTerminal(t *testing.T) {
	b := newMemBacking()
	b.reject = models.MutationRecolor
	failures := &failureLog{}
	opts := testOptions("client-a")
	opts.Notifier = failures
	e := startEngine(t, b, opts)

	el, err := e.Add(models.KindTriangle, models.Position{X: 1, Y: 1}, models.StyleInput{})
	ok(t, err)
	waitFor(t, "create ack", func() bool { return e.Pending() == 0 })
	before := b.writeCount()

	ok(t, e.Recolor(el.ID, "#ff0000"))
	waitFor(t, "recolor to be rejected", func() bool { return len(failures.all()) == 1 })

	eq(t, b.writeCount(), before+1)
	if !errors.Is(failures.all()[0], canvas.ErrRejected) {
		fatalf(t, "got %v, want ErrRejected", failures.all()[0])
	}
	eq(t, e.Pending(), 0)
}

func TestEngineKeepsEditingOffline(t *testing.T) {
	b := newMemBacking()
	b.setOffline(true)
	e := startEngine(t, b, testOptions("client-a"))

	for i := 0; i < 3; i++ {
		_, err := e.Add(models.KindRectangle, models.Position{X: float64(i * 200), Y: 0}, models.StyleInput{})
		ok(t, err)
	}
	eq(t, len(e.Snapshot().Elements), 3)
	eq(t, e.Pending(), 3)

	time.Sleep(50 * time.Millisecond)
	for _, entry := range e.Entries() {
		eq(t, entry.State, canvas.StatePending)
		eq(t, entry.Attempts, 0)
	}

	b.setOffline(false)
	waitFor(t, "queue to drain", func() bool { return e.Pending() == 0 })
	eq(t, len(e.Snapshot().Elements), 3)
}

func TestEngineHoldsEditsThroughLongOutage(t *testing.T) {
	b := newMemBacking()
	b.setOffline(true)
	j := newMemJournal()
	failures := &failureLog{}

	// production retry count with short intervals, so the whole budget
	// is spent many times over while offline
	opts := canvas.DefaultOptions("canvas-1", "client-a")
	opts.InitialBackoff = time.Millisecond
	opts.MaxBackoff = 5 * time.Millisecond
	opts.Journal = j
	opts.Notifier = failures
	e := startEngine(t, b, opts)

	el, err := e.Add(models.KindRectangle, models.Position{X: 1, Y: 1}, models.StyleInput{})
	ok(t, err)
	ok(t, e.Move(el.ID, models.Position{X: 2, Y: 2}))

	time.Sleep(200 * time.Millisecond)
	eq(t, e.Pending(), 2)
	eq(t, j.len(), 2)
	eq(t, len(failures.all()), 0)

	b.setOffline(false)
	waitFor(t, "queue to drain", func() bool { return e.Pending() == 0 })
	waitFor(t, "journal to empty", func() bool { return j.len() == 0 })
	eq(t, len(failures.all()), 0)

	states, err := b.Load(context.Background(), "canvas-1")
	ok(t, err)
	eq(t, len(states), 1)
	eq(t, states[0].Element.Position, models.Position{X: 2, Y: 2})
}

func TestEngineOutageAfterConnectDoesNotAbandon(t *testing.T) {
	b := newMemBacking()
	failures := &failureLog{}
	opts := testOptions("client-a")
	opts.Notifier = failures
	e := startEngine(t, b, opts)

	el, err := e.Add(models.KindCircle, models.Position{X: 1, Y: 1}, models.StyleInput{})
	ok(t, err)
	waitFor(t, "create ack", func() bool { return e.Pending() == 0 })

	b.setOffline(true)
	ok(t, e.Recolor(el.ID, "#00ff00"))
	time.Sleep(100 * time.Millisecond)
	eq(t, e.Pending(), 1)

	b.setOffline(false)
	waitFor(t, "recolor to land", func() bool { return e.Pending() == 0 })
	eq(t, len(failures.all()), 0)

	b.mu.Lock()
	defer b.mu.Unlock()
	eq(t, b.elements[el.ID].Element.Style.Color, "#00ff00")
}

func TestEngineGivesUpOnUnansweredWrites(t *testing.T) {
	b := newMemBacking()
	b.silent = models.MutationMove
	failures := &failureLog{}
	opts := testOptions("client-a")
	opts.Notifier = failures
	e := startEngine(t, b, opts)

	el, err := e.Add(models.KindRectangle, models.Position{X: 1, Y: 1}, models.StyleInput{})
	ok(t, err)
	waitFor(t, "create ack", func() bool { return e.Pending() == 0 })
	before := b.writeCount()

	ok(t, e.Move(el.ID, models.Position{X: 7, Y: 7}))
	waitFor(t, "move to be abandoned", func() bool { return len(failures.all()) == 1 })
	time.Sleep(50 * time.Millisecond)

	got := failures.all()
	eq(t, len(got), 1)
	eq(t, got[0].Attempts, 3)
	if !errors.Is(got[0], canvas.ErrRetriesExhausted) {
		fatalf(t, "got %v, want ErrRetriesExhausted", got[0].Err)
	}
	eq(t, e.Pending(), 0)
	eq(t, b.writeCount(), before+3)
}

func TestEngineDefaultsZeroRetries(t *testing.T) {
	b := newMemBacking()
	b.setFailing(true)
	failures := &failureLog{}
	e := startEngine(t, b, canvas.Options{
		CanvasID:       "canvas-1",
		ClientID:       "client-a",
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Notifier:       failures,
	})

	_, err := e.Add(models.KindTriangle, models.Position{X: 1, Y: 1}, models.StyleInput{})
	ok(t, err)
	waitFor(t, "create to be abandoned", func() bool { return len(failures.all()) == 1 })
	eq(t, failures.all()[0].Attempts, 9)
}

func TestTwoClientsConvergeOnConcurrentCreates(t *testing.T) {
	b := newMemBacking()
	a := startEngine(t, b, testOptions("client-a"))
	c := startEngine(t, b, testOptions("client-b"))

	rect, err := a.Add(models.KindRectangle, models.Position{X: 10, Y: 10}, models.StyleInput{})
	ok(t, err)
	circle, err := c.Add(models.KindCircle, models.Position{X: 300, Y: 300}, models.StyleInput{})
	ok(t, err)

	both := func(e *canvas.Engine) func() bool {
		return func() bool {
			snap := e.Snapshot()
			_, r := snap.Find(rect.ID)
			_, ci := snap.Find(circle.ID)
			return r && ci && e.Pending() == 0
		}
	}
	waitFor(t, "client a to see both", both(a))
	waitFor(t, "client b to see both", both(c))

	gotA, _ := a.Snapshot().Find(circle.ID)
	gotB, _ := c.Snapshot().Find(rect.ID)
	eq(t, gotA.Kind, models.KindCircle)
	eq(t, gotB.Kind, models.KindRectangle)
}

func TestTwoClientsConvergeOnConflictingMoves(t *testing.T) {
	b := newMemBacking()
	a := startEngine(t, b, testOptions("client-a"))
	c := startEngine(t, b, testOptions("client-b"))

	el, err := a.Add(models.KindRectangle, models.Position{X: 0, Y: 0}, models.StyleInput{})
	ok(t, err)
	waitFor(t, "client b to see the element", func() bool {
		_, found := c.Snapshot().Find(el.ID)
		return found
	})

	ok(t, a.Move(el.ID, models.Position{X: 10, Y: 10}))
	ok(t, c.Move(el.ID, models.Position{X: 5, Y: 5}))

	settled := func() bool {
		pa, _ := a.Snapshot().Find(el.ID)
		pc, _ := c.Snapshot().Find(el.ID)
		return a.Pending() == 0 && c.Pending() == 0 && pa.Position == pc.Position
	}
	waitFor(t, "clients to converge", settled)

	b.mu.Lock()
	want := b.elements[el.ID].Element.Position
	b.mu.Unlock()
	got, _ := a.Snapshot().Find(el.ID)
	eq(t, got.Position, want)
}

func TestLateJoinerLoadsSnapshot(t *testing.T) {
	b := newMemBacking()
	a := startEngine(t, b, testOptions("client-a"))
	var ids []string
	for i := 0; i < 4; i++ {
		el, err := a.Add(models.KindCircle, models.Position{X: float64(i * 100), Y: 0}, models.StyleInput{})
		ok(t, err)
		ids = append(ids, el.ID)
	}
	ok(t, a.Delete(ids[0]))
	waitFor(t, "queue to drain", func() bool { return a.Pending() == 0 })

	late := startEngine(t, b, testOptions("client-late"))
	waitFor(t, "late joiner to load", func() bool { return len(late.Snapshot().Elements) == 3 })

	var got []string
	for _, el := range late.Snapshot().Elements {
		got = append(got, el.ID)
	}
	eq(t, got, ids[1:])
}

func TestEngineJournalsUntilAcknowledged(t *testing.T) {
	b := newMemBacking()
	b.setOffline(true)
	j := newMemJournal()
	opts := testOptions("client-a")
	opts.Journal = j
	e := startEngine(t, b, opts)

	el, err := e.Add(models.KindRectangle, models.Position{X: 1, Y: 1}, models.StyleInput{})
	ok(t, err)
	eq(t, j.len(), 1)

	b.setOffline(false)
	waitFor(t, "journal to empty", func() bool { return j.len() == 0 })
	_, found := e.Snapshot().Find(el.ID)
	eq(t, found, true)
}

func TestEngineRestoresJournal(t *testing.T) {
	el, err := models.NewElement(models.KindCircle, models.Position{X: 3, Y: 4}, models.StyleInput{})
	ok(t, err)
	m := models.CreateMutation(el)
	m.ID = models.NewMutationID()
	m.Clock = 41

	j := newMemJournal()
	ok(t, j.Save(m))

	b := newMemBacking()
	opts := testOptions("client-a")
	opts.Journal = j
	e := startEngine(t, b, opts)

	waitFor(t, "restored create to be sent", func() bool { return j.len() == 0 })
	states, err := b.Load(context.Background(), "canvas-1")
	ok(t, err)
	eq(t, len(states), 1)
	eq(t, states[0].Element.ID, el.ID)
	_, found := e.Snapshot().Find(el.ID)
	eq(t, found, true)
}

type memJournal struct {
	mu    sync.Mutex
	order []string
	byID  map[string]models.Mutation
}

func newMemJournal() *memJournal {
	return &memJournal{byID: make(map[string]models.Mutation)}
}

func (j *memJournal) Save(m models.Mutation) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if m.ID == "" {
		return fmt.Errorf("mutation without id")
	}
	if _, dup := j.byID[m.ID]; !dup {
		j.order = append(j.order, m.ID)
	}
	j.byID[m.ID] = m
	return nil
}

func (j *memJournal) Delete(id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.byID, id)
	return nil
}

func (j *memJournal) Load() ([]models.Mutation, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []models.Mutation
	for _, id := range j.order {
		if m, ok := j.byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (j *memJournal) len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.byID)
}
