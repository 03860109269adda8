package canvas

import (
	"github.com/betomoedano/sketch-app/internal/models"
)

// EntryState tracks a pending mutation through transmission.
//
//	Pending -> Acknowledged
//	Pending -> Failed -> Retrying -> Acknowledged | Abandoned
type EntryState int

const (
	StatePending EntryState = iota
	StateFailed
	StateRetrying
	StateAcknowledged
	StateAbandoned
)

func (s EntryState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFailed:
		return "failed"
	case StateRetrying:
		return "retrying"
	case StateAcknowledged:
		return "acknowledged"
	case StateAbandoned:
		return "abandoned"
	}
	return "unknown"
}

// Entry is one local mutation awaiting confirmation.
type Entry struct {
	Mutation models.Mutation
	LocalSeq uint64
	State    EntryState
	Attempts int
	LastErr  error
	inFlight bool
}

// PendingWrite is the part of an entry reconciliation looks at.
type PendingWrite struct {
	Groups models.FieldGroup
	Time   models.WriteTime
}

// Queue is the ordered list of unconfirmed local mutations.
// It is not safe for concurrent use; the Store owns it.
type Queue struct {
	entries []*Entry
	nextSeq uint64
}

func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends m with the next local sequence number and returns it.
func (q *Queue) Enqueue(m models.Mutation) uint64 {
	q.nextSeq++
	m.LocalSeq = q.nextSeq
	q.entries = append(q.entries, &Entry{Mutation: m, LocalSeq: q.nextSeq, State: StatePending})
	return q.nextSeq
}

// Acknowledge marks seq confirmed and drops it along with any
// smaller entries that were already acknowledged.
func (q *Queue) Acknowledge(seq uint64) (*Entry, bool) {
	e := q.Get(seq)
	if e == nil {
		return nil, false
	}
	e.State = StateAcknowledged
	e.inFlight = false

	kept := q.entries[:0]
	for _, other := range q.entries {
		if other.State == StateAcknowledged && other.LocalSeq <= seq {
			continue
		}
		kept = append(kept, other)
	}
	q.clearTail(len(kept))
	q.entries = kept
	return e, true
}

// Abandon removes seq after a terminal failure.
func (q *Queue) Abandon(seq uint64) (*Entry, bool) {
	for i, e := range q.entries {
		if e.LocalSeq == seq {
			e.State = StateAbandoned
			e.inFlight = false
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return e, true
		}
	}
	return nil, false
}

// MarkFailed records a transient failure; the entry stays queued.
func (q *Queue) MarkFailed(seq uint64, err error) {
	if e := q.Get(seq); e != nil {
		e.State = StateFailed
		e.LastErr = err
	}
}

// MarkRetrying flags an entry that is being sent again.
func (q *Queue) MarkRetrying(seq uint64) {
	if e := q.Get(seq); e != nil && e.State == StateFailed {
		e.State = StateRetrying
	}
}

func (q *Queue) Get(seq uint64) *Entry {
	for _, e := range q.entries {
		if e.LocalSeq == seq {
			return e
		}
	}
	return nil
}

func (q *Queue) Len() int {
	return len(q.entries)
}

// Entries returns copies of the queued entries in order.
func (q *Queue) Entries() []Entry {
	out := make([]Entry, len(q.entries))
	for i, e := range q.entries {
		out[i] = *e
	}
	return out
}

// PendingFor returns the unconfirmed writes to id that intersect groups.
func (q *Queue) PendingFor(id string, groups models.FieldGroup) []PendingWrite {
	var out []PendingWrite
	for _, e := range q.entries {
		if e.Mutation.ElementID != id || e.State == StateAcknowledged {
			continue
		}
		g := e.Mutation.Groups()
		if !g.Intersects(groups) {
			continue
		}
		out = append(out, PendingWrite{Groups: g, Time: e.Mutation.WriteTime()})
	}
	return out
}

// HasPending reports whether anything for id is still unconfirmed.
func (q *Queue) HasPending(id string) bool {
	for _, e := range q.entries {
		if e.Mutation.ElementID == id && e.State != StateAcknowledged {
			return true
		}
	}
	return false
}

// takeBatch marks up to n idle entries in order as in flight and returns them.
// It stops at the first entry already in flight so sends stay ordered.
func (q *Queue) takeBatch(n int) []*Entry {
	var out []*Entry
	for _, e := range q.entries {
		if len(out) == n {
			break
		}
		if e.inFlight {
			if len(out) == 0 {
				return nil
			}
			break
		}
		if e.State == StateAcknowledged {
			continue
		}
		e.inFlight = true
		out = append(out, e)
	}
	return out
}

// noteAttempt counts one send of every entry in the batch.
func (q *Queue) noteAttempt(entries []*Entry) {
	for _, e := range entries {
		if e.State == StateAcknowledged || e.State == StateAbandoned {
			continue
		}
		e.Attempts++
		q.MarkRetrying(e.LocalSeq)
	}
}

func (q *Queue) release(entries []*Entry) {
	for _, e := range entries {
		e.inFlight = false
	}
}

func (q *Queue) clearTail(n int) {
	for i := n; i < len(q.entries); i++ {
		q.entries[i] = nil
	}
}
