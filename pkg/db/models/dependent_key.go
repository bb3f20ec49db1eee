package models

import (
	"strings"
)

// Wildcard matches any run of characters inside a dependent key.
const Wildcard = "*"

// DependentKey is a read pattern recorded while a formula runs. Key has the form
// "namespace:entity:key" where any part may contain the wildcard. Prefix keys match every
// key that starts with Key.
type DependentKey struct {
	Key    string `json:"key"`
	Prefix bool   `json:"prefix"`
}

// DependentKeyFor builds "namespace:entity:key". An empty entity becomes the wildcard.
func DependentKeyFor(namespace, entity, key string) string {
	if entity == "" {
		entity = Wildcard
	}
	return namespace + ":" + entity + ":" + key
}

// Namespace returns the namespace part of the key.
func (d DependentKey) Namespace() string {
	ns, _, _ := strings.Cut(d.Key, ":")
	return ns
}

// IsExact reports whether the key names exactly one row key.
func (d DependentKey) IsExact() bool {
	return !d.Prefix && !strings.Contains(d.Key, Wildcard)
}

// Pattern is the glob form of the key.
func (d DependentKey) Pattern() string {
	if d.Prefix {
		return d.Key + Wildcard
	}
	return d.Key
}

// Matches reports whether a row with the given dependent key falls under d.
func (d DependentKey) Matches(rowKey string) bool {
	if d.IsExact() {
		return d.Key == rowKey
	}
	return GlobMatch(d.Pattern(), rowKey)
}

// LikePattern renders the key as a SQL LIKE pattern using backslash as the escape character.
func (d DependentKey) LikePattern() string {
	var b strings.Builder
	for _, r := range d.Pattern() {
		switch r {
		case '\\', '%', '_':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '*':
			b.WriteByte('%')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// DedupeDependentKeys drops repeated keys, keeping first occurrences in order.
func DedupeDependentKeys(in []DependentKey) []DependentKey {
	seen := make(map[DependentKey]struct{}, len(in))
	out := make([]DependentKey, 0, len(in))
	for _, k := range in {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// GlobMatch reports whether s matches pattern, where "*" matches any run of characters.
func GlobMatch(pattern, s string) bool {
	p, i := 0, 0
	star, mark := -1, 0
	for i < len(s) {
		switch {
		case p < len(pattern) && pattern[p] == '*':
			star, mark = p, i
			p++
		case p < len(pattern) && pattern[p] == s[i]:
			p++
			i++
		case star >= 0:
			p = star + 1
			mark++
			i = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
