package permission

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// AdminKey is the admin-only permission excluded from the default fallback set.
const AdminKey = "admin.access"

// Entry is one catalog permission.
type Entry struct {
	Key   string
	Label string
}

// Implication adds Implied whenever any of Sources is granted.
type Implication struct {
	Sources []string
	Implied string
}

// Profile is a named preset of permission keys.
type Profile struct {
	Name        string
	Label       string
	Description string
	Permissions []string
}

// Definition describes a catalog before it is frozen by NewCatalog.
type Definition struct {
	Entries        []Entry
	Legacy         map[string][]string
	Implications   []Implication
	Profiles       []Profile
	DefaultProfile string
}

// Catalog is an immutable permission table. It is safe for concurrent use.
type Catalog struct {
	entries        []Entry
	labels         map[string]string
	legacy         map[string][]string
	implications   []Implication
	profiles       map[string]Profile
	profileOrder   []string
	defaultProfile string
}

// NewCatalog validates def and freezes it. Legacy aliases, implications and
// profiles may only reference keys that exist in Entries.
func NewCatalog(def Definition) (*Catalog, error) {
	if len(def.Entries) == 0 {
		return nil, errors.New("permission catalog requires at least one entry")
	}

	c := &Catalog{
		entries:        make([]Entry, 0, len(def.Entries)),
		labels:         make(map[string]string, len(def.Entries)),
		legacy:         make(map[string][]string, len(def.Legacy)),
		profiles:       make(map[string]Profile, len(def.Profiles)),
		defaultProfile: def.DefaultProfile,
	}

	for _, e := range def.Entries {
		key := strings.TrimSpace(e.Key)
		if key == "" {
			return nil, errors.New("permission key cannot be empty")
		}
		if _, dup := c.labels[key]; dup {
			return nil, fmt.Errorf("permission %q registered twice", key)
		}
		c.labels[key] = e.Label
		c.entries = append(c.entries, Entry{Key: key, Label: e.Label})
	}

	for alias, keys := range def.Legacy {
		if _, clash := c.labels[alias]; clash {
			return nil, fmt.Errorf("legacy alias %q shadows a catalog key", alias)
		}
		for _, k := range keys {
			if !c.Has(k) {
				return nil, fmt.Errorf("legacy alias %q maps to unknown key %q", alias, k)
			}
		}
		c.legacy[alias] = append([]string(nil), keys...)
	}

	for _, imp := range def.Implications {
		if !c.Has(imp.Implied) {
			return nil, fmt.Errorf("implication targets unknown key %q", imp.Implied)
		}
		for _, k := range imp.Sources {
			if !c.Has(k) {
				return nil, fmt.Errorf("implication source %q is unknown", k)
			}
		}
		c.implications = append(c.implications, Implication{
			Sources: append([]string(nil), imp.Sources...),
			Implied: imp.Implied,
		})
	}

	for _, p := range def.Profiles {
		if p.Name == "" {
			return nil, errors.New("profile name cannot be empty")
		}
		p.Permissions = c.Sanitize(p.Permissions)
		c.profiles[p.Name] = p
		c.profileOrder = append(c.profileOrder, p.Name)
	}

	return c, nil
}

// Has reports whether key is a catalog key (aliases are not keys).
func (c *Catalog) Has(key string) bool {
	_, ok := c.labels[key]
	return ok
}

// Label returns the human label for key, or key itself when unknown.
func (c *Catalog) Label(key string) string {
	if label, ok := c.labels[key]; ok {
		return label
	}
	return key
}

// Keys returns every catalog key in catalog order.
func (c *Catalog) Keys() []string {
	out := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.Key)
	}
	return out
}

// Entries returns a copy of the catalog table.
func (c *Catalog) Entries() []Entry {
	return append([]Entry(nil), c.entries...)
}

// Sanitize expands legacy aliases, drops unknown keys, adds implied keys and
// returns the result sorted without duplicates. Sanitize(Sanitize(x)) equals
// Sanitize(x).
func (c *Catalog) Sanitize(keys []string) []string {
	set := make(map[string]struct{}, len(keys))

	for _, raw := range keys {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		if mapped, ok := c.legacy[value]; ok {
			for _, k := range mapped {
				set[k] = struct{}{}
			}
			continue
		}
		if c.Has(value) {
			set[value] = struct{}{}
		}
	}

	for changed := true; changed; {
		changed = false
		for _, imp := range c.implications {
			if _, done := set[imp.Implied]; done {
				continue
			}
			for _, src := range imp.Sources {
				if _, ok := set[src]; ok {
					set[imp.Implied] = struct{}{}
					changed = true
					break
				}
			}
		}
	}

	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Profile looks up a preset by name.
func (c *Catalog) Profile(name string) (Profile, bool) {
	p, ok := c.profiles[name]
	if !ok {
		return Profile{}, false
	}
	p.Permissions = append([]string(nil), p.Permissions...)
	return p, true
}

// Profiles returns the presets in definition order.
func (c *Catalog) Profiles() []Profile {
	out := make([]Profile, 0, len(c.profileOrder))
	for _, name := range c.profileOrder {
		p, _ := c.Profile(name)
		out = append(out, p)
	}
	return out
}

// ProfilePermissions returns the sanitized permissions of a profile, or nil.
func (c *Catalog) ProfilePermissions(name string) []string {
	p, ok := c.Profile(name)
	if !ok {
		return nil
	}
	return p.Permissions
}

// DefaultProfilePermissions resolves the default profile. When that profile
// is missing or empty every key except AdminKey is returned.
func (c *Catalog) DefaultProfilePermissions() []string {
	if perms := c.ProfilePermissions(c.defaultProfile); len(perms) > 0 {
		return perms
	}

	out := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		if e.Key != AdminKey {
			out = append(out, e.Key)
		}
	}
	return out
}

// WithDefaultProfile returns a copy of c resolving defaults through name.
func (c *Catalog) WithDefaultProfile(name string) *Catalog {
	clone := *c
	clone.defaultProfile = name
	return &clone
}
