package canvas

import (
	"fmt"

	"github.com/betomoedano/sketch-app/internal/models"
)

// Snapshot is a read-only view of the cache in insertion order.
type Snapshot struct {
	Version  uint64
	Elements []models.Element
}

// Find returns the element with the given id.
func (s Snapshot) Find(id string) (models.Element, bool) {
	for _, el := range s.Elements {
		if el.ID == id {
			return el, true
		}
	}
	return models.Element{}, false
}

// HitTest returns the topmost element under p.
func (s Snapshot) HitTest(p models.Position) (models.Element, bool) {
	for i := len(s.Elements) - 1; i >= 0; i-- {
		if s.Elements[i].Contains(p) {
			return s.Elements[i], true
		}
	}
	return models.Element{}, false
}

// ElementView is what reconciliation needs to know about one cached id.
type ElementView struct {
	Exists bool
	Seq    uint64 // last authoritative seq applied, tombstones included
	Dirty  bool   // local optimistic writes since Seq
}

type cached struct {
	el    models.Element
	seq   uint64
	dirty bool
}

// Cache is the local optimistic replica: element id -> element.
// It is not safe for concurrent use; the Store owns it.
type Cache struct {
	items   map[string]*cached
	order   []string
	gone    map[string]uint64 // tombstone seqs of deleted ids
	version uint64
}

func NewCache() *Cache {
	return &Cache{
		items: make(map[string]*cached),
		gone:  make(map[string]uint64),
	}
}

// Version increases on every change to the mapping.
func (c *Cache) Version() uint64 {
	return c.version
}

func (c *Cache) Len() int {
	return len(c.items)
}

func (c *Cache) Get(id string) (models.Element, bool) {
	item, ok := c.items[id]
	if !ok {
		return models.Element{}, false
	}
	return item.el, true
}

// IDs returns the live ids in insertion order.
func (c *Cache) IDs() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

func (c *Cache) View(id string) ElementView {
	if item, ok := c.items[id]; ok {
		return ElementView{Exists: true, Seq: item.seq, Dirty: item.dirty}
	}
	return ElementView{Seq: c.gone[id]}
}

// Apply performs a local mutation and returns the resulting element.
// Creating an existing id and deleting a missing id are no-ops.
func (c *Cache) Apply(m *models.Mutation) (models.Element, error) {
	switch m.Type {
	case models.MutationCreate:
		if item, ok := c.items[m.ElementID]; ok {
			return item.el, nil
		}
		if err := models.ValidateMutation(m); err != nil {
			return models.Element{}, err
		}
		c.insert(*m.Element, c.gone[m.ElementID], true)
		return *m.Element, nil

	case models.MutationMove, models.MutationRecolor:
		item, ok := c.items[m.ElementID]
		if !ok {
			return models.Element{}, fmt.Errorf("%w: %s", ErrUnknownElement, m.ElementID)
		}
		if err := models.ValidateMutation(m); err != nil {
			return models.Element{}, err
		}
		el := item.el
		if m.Type == models.MutationMove {
			el.Position = *m.Position
		} else {
			el.Style.Color = m.Color
		}
		item.el = el
		item.dirty = true
		c.version++
		return el, nil

	case models.MutationDelete:
		if item, ok := c.items[m.ElementID]; ok {
			c.remove(m.ElementID, item.seq)
		}
		return models.Element{}, nil
	}
	return models.Element{}, fmt.Errorf("%w: unknown mutation type %q", models.ErrInvalidElement, m.Type)
}

// ApplyRemote installs an authoritative change. The event must be valid.
func (c *Cache) ApplyRemote(ev *models.ChangeEvent) error {
	item, exists := c.items[ev.ElementID]

	if ev.Deleted {
		if exists {
			c.remove(ev.ElementID, maxSeq(item.seq, ev.Seq))
		} else if ev.Seq > c.gone[ev.ElementID] {
			c.gone[ev.ElementID] = ev.Seq
		}
		return nil
	}
	if ev.Element == nil {
		return fmt.Errorf("%w: missing value for %s", models.ErrMalformedEvent, ev.ElementID)
	}

	if !exists {
		c.insert(*ev.Element, maxSeq(c.gone[ev.ElementID], ev.Seq), false)
		return nil
	}
	if item.el.Kind != ev.Element.Kind {
		return fmt.Errorf("%w: kind change %s -> %s for %s", models.ErrMalformedEvent, item.el.Kind, ev.Element.Kind, ev.ElementID)
	}

	el := item.el
	if ev.Fields&models.GroupExistence != 0 {
		el = *ev.Element
	}
	if ev.Fields&models.GroupPosition != 0 {
		el.Position = ev.Element.Position
	}
	if ev.Fields&models.GroupStyle != 0 {
		el.Style = ev.Element.Style
	}
	item.seq = maxSeq(item.seq, ev.Seq)
	if ev.Fields == models.GroupAll {
		item.dirty = false
	}
	if el != item.el {
		item.el = el
		c.version++
	}
	return nil
}

// Remove drops id without recording a newer tombstone.
func (c *Cache) Remove(id string) {
	if item, ok := c.items[id]; ok {
		c.remove(id, item.seq)
	}
}

// Snapshot copies the current view. It never mutates the cache.
func (c *Cache) Snapshot() Snapshot {
	out := make([]models.Element, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.items[id].el)
	}
	return Snapshot{Version: c.version, Elements: out}
}

func (c *Cache) insert(el models.Element, seq uint64, dirty bool) {
	c.items[el.ID] = &cached{el: el, seq: seq, dirty: dirty}
	c.order = append(c.order, el.ID)
	delete(c.gone, el.ID)
	c.version++
}

func (c *Cache) remove(id string, seq uint64) {
	delete(c.items, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.gone[id] = seq
	c.version++
}

func maxSeq(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
