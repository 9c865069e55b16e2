package session

import (
	"maps"

	"github.com/google/uuid"
)

// Bag is one browser session: an identifier and a string key/value map. It
// satisfies gatekeeper.SessionContext. A Bag is not safe for concurrent use;
// each request works on its own copy loaded from the Store.
type Bag struct {
	id        string
	values    map[string]string
	createdAt int64

	// retired holds identifiers given up by Regenerate; Save deletes them.
	retired []string
	dirty   bool
	fresh   bool
}

func newBag() *Bag {
	return &Bag{
		id:     newID(),
		values: make(map[string]string),
		dirty:  true,
		fresh:  true,
	}
}

func newID() string {
	return uuid.NewString()
}

// ID returns the current session identifier.
func (b *Bag) ID() string { return b.id }

func (b *Bag) Get(key string) (string, bool) {
	v, ok := b.values[key]
	return v, ok
}

func (b *Bag) Set(key, value string) {
	if cur, ok := b.values[key]; ok && cur == value {
		return
	}
	b.values[key] = value
	b.dirty = true
}

func (b *Bag) Unset(keys ...string) {
	for _, k := range keys {
		if _, ok := b.values[k]; ok {
			delete(b.values, k)
			b.dirty = true
		}
	}
}

// Regenerate moves the values to a new identifier. The old identifier stops
// resolving once the bag is saved.
func (b *Bag) Regenerate() error {
	if !b.fresh {
		b.retired = append(b.retired, b.id)
	}
	b.id = newID()
	b.dirty = true
	return nil
}

// Clear drops every value and retires the identifier.
func (b *Bag) Clear() {
	b.values = make(map[string]string)
	_ = b.Regenerate()
}

// Values returns a copy of the stored values.
func (b *Bag) Values() map[string]string {
	return maps.Clone(b.values)
}

// Fresh reports whether the bag has never been saved.
func (b *Bag) Fresh() bool { return b.fresh }

// Dirty reports whether the bag changed since it was loaded or saved.
func (b *Bag) Dirty() bool { return b.dirty }
