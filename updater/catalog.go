package updater

// Catalog holds the next available update. It is not safe for concurrent
// use; the Manager guards it with its own lock.
type Catalog struct {
	available bool
	entry     Entry
}

// Set replaces the current entry and marks the catalog available. It returns
// true when this is a material change: the catalog was empty or the name or
// version differ from the previous entry.
func (c *Catalog) Set(entry Entry) bool {
	changed := !c.available || !c.entry.Same(entry)

	c.available = true
	c.entry = entry

	return changed
}

// Clear marks the catalog unavailable.
func (c *Catalog) Clear() {
	c.available = false
	c.entry = Entry{}
}

func (c *Catalog) Snapshot() Snapshot {
	if !c.available {
		return Snapshot{}
	}

	return Snapshot{
		Available: true,
		Entry:     c.entry,
	}
}
