package canvas

// lamport is a Lamport logical clock. Confined to the owning Store.
type lamport struct {
	now uint64
}

// Tick advances the clock for a local write.
func (c *lamport) Tick() uint64 {
	c.now++
	return c.now
}

// Observe folds in a remote write-time so later local writes sort after it.
func (c *lamport) Observe(remote uint64) {
	if remote > c.now {
		c.now = remote
	}
}

func (c *lamport) Now() uint64 {
	return c.now
}
