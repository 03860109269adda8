package services

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/betomoedano/sketch-app/internal/middleware"
	"github.com/betomoedano/sketch-app/internal/models"
	"github.com/betomoedano/sketch-app/internal/repository"

	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: THE AUTHORITATIVE WRITE PATH

Each mutation runs in its own transaction:

  lock canvas cursor   (serializes writers of one canvas)
  seen mutation id?    → replay: answer with the current state, change nothing
  load element         → validate against it (move of a deleted shape = reject)
  merge                → later accepted write wins, per field group
  seq++ , save, log    → commit
  publish change       → every replica broadcasts it to its sockets

Answers always carry the element's state after the merge, so the client can
install the authoritative value without waiting for its own broadcast.
*/

// ErrCanvasRequired is returned for writes without a canvas id.
var ErrCanvasRequired = errors.New("canvas id is required")

// ElementService owns the authoritative state of every canvas.
type ElementService struct {
	repos     *repository.Repositories
	publisher ChangePublisher
}

func NewElementService(repos *repository.Repositories, publisher ChangePublisher) *ElementService {
	return &ElementService{repos: repos, publisher: publisher}
}

// Write applies mutations in order and returns one result per mutation.
// An infrastructure error aborts the rest of the batch; mutations already
// committed stay committed and are recognized as replays when resent.
func (s *ElementService) Write(ctx context.Context, canvasID string, muts []models.Mutation) ([]models.WriteResult, error) {
	ctx, span := middleware.StartSpan(ctx, "ElementService.Write",
		attribute.String("canvas.id", canvasID),
		attribute.Int("mutations.count", len(muts)),
	)
	defer span.End()

	if canvasID == "" {
		return nil, ErrCanvasRequired
	}

	results := make([]models.WriteResult, 0, len(muts))
	accepted := 0
	for i := range muts {
		res, ev, err := s.writeOne(ctx, canvasID, &muts[i])
		if err != nil {
			middleware.AddSpanError(ctx, err)
			return results, err
		}
		results = append(results, res)
		if ev == nil {
			continue
		}
		accepted++
		if s.publisher != nil {
			if err := s.publisher.Publish(ctx, *ev); err != nil {
				// Clients catch up through the change log on their next resync.
				log.Printf("⚠️  Failed to publish change %d on %s: %v", ev.Seq, canvasID, err)
			}
		}
	}

	span.SetAttributes(attribute.Int("mutations.applied", accepted))
	return results, nil
}

// writeOne returns the change event only when state actually changed.
func (s *ElementService) writeOne(ctx context.Context, canvasID string, m *models.Mutation) (models.WriteResult, *models.ChangeEvent, error) {
	res := models.WriteResult{MutationID: m.ID, LocalSeq: m.LocalSeq, Status: models.WriteAccepted}

	if m.ID == "" {
		return rejected(res, "mutation id is required"), nil, nil
	}
	if err := models.ValidateMutation(m); err != nil {
		return rejected(res, err.Error()), nil, nil
	}

	var change *models.ChangeEvent
	err := s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		if _, err := tx.Cursors.Lock(ctx, canvasID); err != nil {
			return err
		}

		prev, err := tx.Changes.FindByMutation(ctx, m.ID)
		if err != nil {
			return err
		}
		cur, err := tx.Elements.Get(ctx, canvasID, m.ElementID)
		if err != nil {
			return err
		}
		if prev != nil {
			middleware.AddSpanEvent(ctx, "mutation.replayed",
				attribute.String("mutation.id", m.ID),
				attribute.Int64("change.seq", int64(prev.Seq)),
			)
			res = current(res, cur)
			return nil
		}

		live := cur != nil && !cur.Deleted
		next := cur
		switch m.Type {
		case models.MutationCreate:
			if cur != nil {
				// ids are never reused: creating a known or deleted id is a no-op
				res = current(res, cur)
				return nil
			}
			next = models.NewElementRecord(canvasID, m.Element)

		case models.MutationMove, models.MutationRecolor:
			if !live {
				res = rejected(res, fmt.Sprintf("element %s does not exist", m.ElementID))
				return nil
			}
			if m.Type == models.MutationMove {
				next.X, next.Y = m.Position.X, m.Position.Y
			} else {
				next.Color = m.Color
			}

		case models.MutationDelete:
			if !live {
				res = current(res, cur)
				return nil
			}
			next.Deleted = true
		}

		seq, err := tx.Cursors.Advance(ctx, canvasID)
		if err != nil {
			return err
		}
		next.Seq = seq
		if m.Type == models.MutationCreate {
			next.BornSeq = seq
		}
		if err := tx.Elements.Save(ctx, next); err != nil {
			return err
		}

		var el *models.Element
		if !next.Deleted {
			e := next.Element()
			el = &e
		}
		ev := models.ChangeFromMutation(canvasID, m, el, seq)
		if err := tx.Changes.Append(ctx, &ev); err != nil {
			return err
		}

		res = current(res, next)
		change = &ev
		return nil
	})
	if err != nil {
		return res, nil, fmt.Errorf("failed to apply %s %s: %w", m.Type, m.ElementID, err)
	}
	return res, change, nil
}

// Snapshot returns the live elements of a canvas and the seq they reflect.
func (s *ElementService) Snapshot(ctx context.Context, canvasID string) ([]models.ElementState, uint64, error) {
	ctx, span := middleware.StartSpan(ctx, "ElementService.Snapshot", attribute.String("canvas.id", canvasID))
	defer span.End()

	var (
		states []models.ElementState
		seq    uint64
	)
	err := s.repos.Transaction(ctx, func(tx *repository.Repositories) error {
		var err error
		if seq, err = tx.Cursors.Current(ctx, canvasID); err != nil {
			return err
		}
		recs, err := tx.Elements.ListLive(ctx, canvasID)
		if err != nil {
			return err
		}
		states = make([]models.ElementState, 0, len(recs))
		for _, rec := range recs {
			states = append(states, models.ElementState{Element: rec.Element(), Seq: rec.Seq})
		}
		return nil
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, 0, err
	}
	return states, seq, nil
}

// ErrChangesCompacted means the requested range is no longer in the log;
// the caller has to fall back to a snapshot.
var ErrChangesCompacted = errors.New("changes compacted, load a snapshot")

// ChangesSince returns up to limit changes after seq.
func (s *ElementService) ChangesSince(ctx context.Context, canvasID string, since uint64, limit int) ([]models.ChangeEvent, error) {
	oldest, err := s.repos.Changes.OldestSeq(ctx, canvasID)
	if err != nil {
		return nil, err
	}
	if oldest > since+1 {
		return nil, fmt.Errorf("%w: oldest kept change is %d", ErrChangesCompacted, oldest)
	}
	return s.repos.Changes.Since(ctx, canvasID, since, limit)
}

// Compact trims the change log of every canvas to its newest keep entries.
func (s *ElementService) Compact(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	canvases, err := s.repos.Cursors.Canvases(ctx)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, id := range canvases {
		n, err := s.repos.Changes.DeleteOld(ctx, id, keep)
		if err != nil {
			return total, fmt.Errorf("failed to compact canvas %s: %w", id, err)
		}
		total += n
	}
	if total > 0 {
		log.Printf("🧹 Compacted %d change(s) across %d canvas(es)", total, len(canvases))
	}
	return total, nil
}

// Stats summarizes a canvas for the health endpoint.
func (s *ElementService) Stats(ctx context.Context, canvasID string) (elements int64, seq uint64, err error) {
	if elements, err = s.repos.Elements.CountLive(ctx, canvasID); err != nil {
		return 0, 0, err
	}
	seq, err = s.repos.Cursors.Current(ctx, canvasID)
	return elements, seq, err
}

func rejected(res models.WriteResult, reason string) models.WriteResult {
	res.Status = models.WriteRejected
	res.Reason = reason
	return res
}

// current fills res with the stored state of rec.
func current(res models.WriteResult, rec *models.ElementRecord) models.WriteResult {
	if rec == nil {
		res.Deleted = true
		return res
	}
	res.Seq = rec.Seq
	if rec.Deleted {
		res.Deleted = true
		return res
	}
	el := rec.Element()
	res.Element = &el
	return res
}
