package models

import (
	"fmt"
	"sort"
	"strings"
)

// Criterion is a partially specified filter over clusters or commands.
// Treat it as a value: build it with NewCriterion or ParseCriterion and do
// not mutate it afterwards.
type Criterion struct {
	ID      string   `json:"id,omitempty" yaml:"id,omitempty"`
	Name    string   `json:"name,omitempty" yaml:"name,omitempty"`
	Version string   `json:"version,omitempty" yaml:"version,omitempty"`
	Status  string   `json:"status,omitempty" yaml:"status,omitempty"`
	Tags    []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// NewCriterion returns a validated criterion with its tags normalized into a
// sorted set.
func NewCriterion(id, name, version, status string, tags ...string) (Criterion, error) {
	c := Criterion{
		ID:      strings.TrimSpace(id),
		Name:    strings.TrimSpace(name),
		Version: strings.TrimSpace(version),
		Status:  strings.TrimSpace(status),
		Tags:    NormalizeTags(tags),
	}
	if err := c.Validate(); err != nil {
		return Criterion{}, err
	}
	return c, nil
}

// Validate rejects a criterion with no field set.
func (c Criterion) Validate() error {
	if c.ID == "" && c.Name == "" && c.Version == "" && c.Status == "" && len(NormalizeTags(c.Tags)) == 0 {
		return NewError(ErrPrecondition, "criterion", "criterion must have at least one non-empty field")
	}
	return nil
}

// IsEmpty reports whether no field is set.
func (c Criterion) IsEmpty() bool {
	return c.Validate() != nil
}

// criterion string keys, in the order they must appear
var criterionKeys = []string{"ID", "NAME", "VERSION", "STATUS", "TAGS"}

// ParseCriterion parses KEY=value components separated by '/'. Keys must
// appear in ID, NAME, VERSION, STATUS, TAGS order and each at most once.
// TAGS takes a comma separated list.
func ParseCriterion(s string) (Criterion, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Criterion{}, NewError(ErrPrecondition, "criterion.parse", "empty criterion string")
	}

	var c Criterion
	last := -1
	for _, part := range strings.Split(s, "/") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return Criterion{}, NewError(ErrPrecondition, "criterion.parse", "malformed component %q in %q", part, s)
		}
		value = strings.TrimSpace(value)
		if value == "" {
			return Criterion{}, NewError(ErrPrecondition, "criterion.parse", "empty value for %s in %q", key, s)
		}

		idx := keyIndex(strings.TrimSpace(key))
		if idx < 0 {
			return Criterion{}, NewError(ErrPrecondition, "criterion.parse", "unknown key %q in %q", key, s)
		}
		if idx <= last {
			return Criterion{}, NewError(ErrPrecondition, "criterion.parse", "key %s out of order in %q", key, s)
		}
		last = idx

		switch criterionKeys[idx] {
		case "ID":
			c.ID = value
		case "NAME":
			c.Name = value
		case "VERSION":
			c.Version = value
		case "STATUS":
			c.Status = value
		case "TAGS":
			c.Tags = NormalizeTags(strings.Split(value, ","))
			if len(c.Tags) == 0 {
				return Criterion{}, NewError(ErrPrecondition, "criterion.parse", "no tags in %q", s)
			}
		}
	}
	return c, c.Validate()
}

func keyIndex(key string) int {
	for i, k := range criterionKeys {
		if k == key {
			return i
		}
	}
	return -1
}

// String renders the criterion in the syntax accepted by ParseCriterion.
func (c Criterion) String() string {
	var parts []string
	if c.ID != "" {
		parts = append(parts, "ID="+c.ID)
	}
	if c.Name != "" {
		parts = append(parts, "NAME="+c.Name)
	}
	if c.Version != "" {
		parts = append(parts, "VERSION="+c.Version)
	}
	if c.Status != "" {
		parts = append(parts, "STATUS="+c.Status)
	}
	if tags := NormalizeTags(c.Tags); len(tags) > 0 {
		parts = append(parts, "TAGS="+strings.Join(tags, ","))
	}
	return strings.Join(parts, "/")
}

// Merge combines a job criterion with a criterion declared by a command.
// Scalar fields set on both sides must agree; tags are unioned. ok is false
// when the two criteria conflict.
func (c Criterion) Merge(other Criterion) (merged Criterion, ok bool) {
	pick := func(a, b string) (string, bool) {
		switch {
		case a == "":
			return b, true
		case b == "" || a == b:
			return a, true
		default:
			return "", false
		}
	}

	var good bool
	if merged.ID, good = pick(c.ID, other.ID); !good {
		return Criterion{}, false
	}
	if merged.Name, good = pick(c.Name, other.Name); !good {
		return Criterion{}, false
	}
	if merged.Version, good = pick(c.Version, other.Version); !good {
		return Criterion{}, false
	}
	if merged.Status, good = pick(c.Status, other.Status); !good {
		return Criterion{}, false
	}
	merged.Tags = NormalizeTags(append(append([]string{}, c.Tags...), other.Tags...))
	return merged, true
}

// NormalizeTags trims, drops empty entries, dedupes and sorts.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// MustCriterion is NewCriterion for literals known to be valid.
func MustCriterion(id, name, version, status string, tags ...string) Criterion {
	c, err := NewCriterion(id, name, version, status, tags...)
	if err != nil {
		panic(fmt.Sprintf("invalid criterion literal: %v", err))
	}
	return c
}
