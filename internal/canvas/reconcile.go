package canvas

import (
	"github.com/betomoedano/sketch-app/internal/models"
)

/*
LEARNING: RECONCILIATION AS A PURE FUNCTION

Optimistic UIs usually "reconcile" by accident: the server echo arrives, the
view re-renders, and whatever came last wins. Here the rule is explicit and
side-effect free so it can be tested on its own:

  1. Older than what we already hold?          -> Discard
  2. A newer local write to the same fields
     (or the user is still dragging it)?       -> Buffer until that write settles
  3. Otherwise                                 -> Apply

Write-times are (Lamport clock, client id) pairs, so every client makes
the same decision for the same pair of writes.
*/

// Decision is the outcome of reconciling one remote change.
type Decision int

const (
	Apply Decision = iota
	Buffer
	Discard
)

func (d Decision) String() string {
	switch d {
	case Apply:
		return "apply"
	case Buffer:
		return "buffer"
	case Discard:
		return "discard"
	}
	return "unknown"
}

// Reconcile decides what to do with ev given the cached view of its element,
// the unconfirmed local writes to that element, and whether the user is
// currently dragging it.
func Reconcile(view ElementView, pending []PendingWrite, dragging bool, ev *models.ChangeEvent) Decision {
	if ev.Seq != 0 {
		if ev.Seq < view.Seq {
			return Discard
		}
		if ev.Seq == view.Seq && !view.Dirty {
			return Discard
		}
	}

	if dragging && models.GroupPosition.Intersects(ev.Fields) {
		return Buffer
	}

	remote := ev.WriteTime()
	for _, p := range pending {
		if p.Groups.Intersects(ev.Fields) && p.Time.After(remote) {
			return Buffer
		}
	}
	return Apply
}
