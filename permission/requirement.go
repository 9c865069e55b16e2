package permission

import "strings"

type requirementKind uint8

const (
	kindNone requirementKind = iota
	kindSingle
	kindAnyOf
)

// Requirement is the permission a guarded action needs: nothing, one key, or
// any key out of a list. The zero value requires nothing.
type Requirement struct {
	kind requirementKind
	keys []string
}

// None requires no permission.
func None() Requirement { return Requirement{} }

// Single requires key.
func Single(key string) Requirement {
	return Requirement{kind: kindSingle, keys: []string{key}}
}

// AnyOf is satisfied when any of keys is held. An empty list never matches.
func AnyOf(keys ...string) Requirement {
	return Requirement{kind: kindAnyOf, keys: append([]string(nil), keys...)}
}

// IsNone reports whether r requires nothing.
func (r Requirement) IsNone() bool { return r.kind == kindNone }

// Keys returns the keys named by r.
func (r Requirement) Keys() []string { return append([]string(nil), r.keys...) }

// SatisfiedBy reports whether a holder answering can(key) meets r.
func (r Requirement) SatisfiedBy(can func(key string) bool) bool {
	switch r.kind {
	case kindNone:
		return true
	case kindSingle:
		return can(r.keys[0])
	case kindAnyOf:
		for _, k := range r.keys {
			if can(k) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (r Requirement) String() string {
	switch r.kind {
	case kindSingle:
		return r.keys[0]
	case kindAnyOf:
		return "any(" + strings.Join(r.keys, ",") + ")"
	default:
		return "none"
	}
}
