package models

import "sort"

// Patch is a partial set of customer fields keyed by their JSON names.
type Patch map[string]any

// Has reports whether the patch sets key.
func (p Patch) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// String returns the string value of key, or "" when absent or not a string.
func (p Patch) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Without returns a copy of the patch minus the given keys.
func (p Patch) Without(keys ...string) Patch {
	out := make(Patch, len(p))
	for k, v := range p {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// Compact returns a copy without nil values and empty strings.
func (p Patch) Compact() Patch {
	out := make(Patch, len(p))
	for k, v := range p {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		if b, ok := v.(Blob); ok && b.IsEmpty() {
			continue
		}
		out[k] = v
	}
	return out
}

// Only returns a copy restricted to the allowed keys.
func (p Patch) Only(allowed map[string]bool) Patch {
	out := make(Patch, len(p))
	for k, v := range p {
		if allowed[k] {
			out[k] = v
		}
	}
	return out
}

// Keys returns the patch keys in sorted order.
func (p Patch) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
