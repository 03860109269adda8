package services_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/betomoedano/sketch-app/internal/db"
	"github.com/betomoedano/sketch-app/internal/models"
	"github.com/betomoedano/sketch-app/internal/repository"
	"github.com/betomoedano/sketch-app/internal/services"
)

type recorder struct {
	mu     sync.Mutex
	events []models.ChangeEvent
}

func (r *recorder) Publish(ctx context.Context, ev models.ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newService(t *testing.T) (*services.ElementService, *recorder) {
	t.Helper()
	gdb, err := db.NewSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { gdb.Close() })

	rec := &recorder{}
	return services.NewElementService(repository.New(gdb.DB), rec), rec
}

var clock uint64

func stamp(m models.Mutation) models.Mutation {
	clock++
	m.ID = models.NewMutationID()
	m.ClientID = "client-a"
	m.Clock = clock
	m.LocalSeq = clock
	return m
}

func rect(t *testing.T, x, y float64) models.Element {
	t.Helper()
	el, err := models.NewElement(models.KindRectangle, models.Position{X: x, Y: y}, models.StyleInput{})
	if err != nil {
		t.Fatal(err)
	}
	return el
}

func write(t *testing.T, s *services.ElementService, muts ...models.Mutation) []models.WriteResult {
	t.Helper()
	res, err := s.Write(context.Background(), "canvas-1", muts)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != len(muts) {
		t.Fatalf("got %d results for %d mutations", len(res), len(muts))
	}
	return res
}

func TestWriteLifecycle(t *testing.T) {
	s, pub := newService(t)
	el := rect(t, 10, 10)

	res := write(t, s,
		stamp(models.CreateMutation(el)),
		stamp(models.MoveMutation(el.ID, models.Position{X: 40, Y: 50})),
		stamp(models.RecolorMutation(el.ID, "#ff0000")),
	)
	for i, r := range res {
		if !r.Accepted() || r.Seq != uint64(i+1) {
			t.Fatalf("result %d: %+v", i, r)
		}
	}
	if got := res[2].Element; got == nil || got.Position != (models.Position{X: 40, Y: 50}) || got.Style.Color != "#ff0000" {
		t.Fatalf("ack does not carry merged state: %+v", got)
	}
	if pub.count() != 3 {
		t.Fatalf("published %d changes, want 3", pub.count())
	}

	states, seq, err := s.Snapshot(context.Background(), "canvas-1")
	if err != nil {
		t.Fatal(err)
	}
	if seq != 3 || len(states) != 1 || states[0].Seq != 3 {
		t.Fatalf("snapshot seq=%d states=%+v", seq, states)
	}

	res = write(t, s, stamp(models.DeleteMutation(el.ID)))
	if !res[0].Accepted() || !res[0].Deleted || res[0].Seq != 4 {
		t.Fatalf("delete result %+v", res[0])
	}
	states, _, _ = s.Snapshot(context.Background(), "canvas-1")
	if len(states) != 0 {
		t.Fatalf("deleted element still listed: %+v", states)
	}
}

func TestWriteIsIdempotentByMutationID(t *testing.T) {
	s, pub := newService(t)
	el := rect(t, 0, 0)
	create := stamp(models.CreateMutation(el))
	move := stamp(models.MoveMutation(el.ID, models.Position{X: 5, Y: 5}))

	first := write(t, s, create, move)
	again := write(t, s, create, move)

	if pub.count() != 2 {
		t.Fatalf("replay published changes: %d", pub.count())
	}
	if again[1].Seq != first[1].Seq || again[1].Element.Position != (models.Position{X: 5, Y: 5}) {
		t.Fatalf("replay result %+v, first %+v", again[1], first[1])
	}
}

func TestWriteNoOpsAndRejections(t *testing.T) {
	s, pub := newService(t)
	el := rect(t, 0, 0)
	write(t, s, stamp(models.CreateMutation(el)))

	dup := el
	dup.Position = models.Position{X: 99, Y: 99}
	res := write(t, s, stamp(models.CreateMutation(dup)))
	if !res[0].Accepted() || res[0].Element.Position != (models.Position{}) {
		t.Fatalf("create of existing id should be a no-op, got %+v", res[0])
	}

	res = write(t, s, stamp(models.DeleteMutation("missing")))
	if !res[0].Accepted() || !res[0].Deleted || res[0].Seq != 0 {
		t.Fatalf("delete of missing id: %+v", res[0])
	}

	write(t, s, stamp(models.DeleteMutation(el.ID)))
	res = write(t, s,
		stamp(models.MoveMutation(el.ID, models.Position{X: 1, Y: 1})),
		stamp(models.RecolorMutation(el.ID, "#000")),
		stamp(models.DeleteMutation(el.ID)),
	)
	if res[0].Status != models.WriteRejected || res[1].Status != models.WriteRejected {
		t.Fatalf("edits of a deleted element should be rejected: %+v", res)
	}
	if !res[2].Accepted() || res[2].Seq != 2 {
		t.Fatalf("second delete should be an accepted no-op: %+v", res[2])
	}

	res = write(t, s, models.Mutation{Type: models.MutationMove, ElementID: el.ID})
	if res[0].Status != models.WriteRejected {
		t.Fatalf("mutation without id accepted: %+v", res[0])
	}

	if pub.count() != 2 {
		t.Fatalf("published %d changes, want 2", pub.count())
	}
}

func TestConcurrentMovesLaterArrivalWins(t *testing.T) {
	s, _ := newService(t)
	el := rect(t, 0, 0)
	write(t, s, stamp(models.CreateMutation(el)))

	fromA := stamp(models.MoveMutation(el.ID, models.Position{X: 10, Y: 10}))
	fromB := stamp(models.MoveMutation(el.ID, models.Position{X: 5, Y: 5}))
	fromB.ClientID = "client-b"
	fromB.Clock = fromA.Clock // concurrent

	write(t, s, fromA)
	res := write(t, s, fromB)
	if res[0].Element.Position != (models.Position{X: 5, Y: 5}) {
		t.Fatalf("got %+v", res[0].Element.Position)
	}

	recolor := stamp(models.RecolorMutation(el.ID, "#123456"))
	res = write(t, s, recolor)
	if res[0].Element.Position != (models.Position{X: 5, Y: 5}) || res[0].Element.Style.Color != "#123456" {
		t.Fatalf("recolor clobbered position: %+v", res[0].Element)
	}
}

func TestChangesSinceAndCompact(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	var muts []models.Mutation
	for i := 0; i < 5; i++ {
		muts = append(muts, stamp(models.CreateMutation(rect(t, float64(i), 0))))
	}
	write(t, s, muts...)

	changes, err := s.ChangesSince(ctx, "canvas-1", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 3 || changes[0].Seq != 3 || changes[0].ElementID != muts[2].ElementID {
		t.Fatalf("unexpected changes %+v", changes)
	}
	if changes[0].Element == nil || changes[0].Fields != models.GroupAll {
		t.Fatalf("change payload lost: %+v", changes[0])
	}

	n, err := s.Compact(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("compacted %d, want 3", n)
	}
	if _, err := s.ChangesSince(ctx, "canvas-1", 1, 0); !errors.Is(err, services.ErrChangesCompacted) {
		t.Fatalf("got %v, want ErrChangesCompacted", err)
	}
	changes, err = s.ChangesSince(ctx, "canvas-1", 3, 0)
	if err != nil || len(changes) != 2 {
		t.Fatalf("got %d changes, err %v", len(changes), err)
	}

	elements, seq, err := s.Stats(ctx, "canvas-1")
	if err != nil || elements != 5 || seq != 5 {
		t.Fatalf("stats: elements=%d seq=%d err=%v", elements, seq, err)
	}
}

func TestWriteRequiresCanvas(t *testing.T) {
	s, _ := newService(t)
	if _, err := s.Write(context.Background(), "", nil); !errors.Is(err, services.ErrCanvasRequired) {
		t.Fatalf("got %v", err)
	}
}
