// Package topology answers which controller and stream ID a requester ID
// belongs to, the way firmware ID-mapping tables do.
package topology

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Resolver maps a bus requester to its translation controller (by cross
// reference) and stream ID.
type Resolver interface {
	ResolveStreamID(segment int, rid uint16) (xref uint64, sid uint32, err error)
}

// Mapping maps Count requester IDs starting at RIDBase in Segment to stream
// IDs starting at StreamBase on Controller.
type Mapping struct {
	Segment    int    `yaml:"segment"`
	RIDBase    uint16 `yaml:"ridBase"`
	Count      int    `yaml:"count"`
	Controller uint64 `yaml:"controller"`
	StreamBase uint32 `yaml:"streamBase"`
}

// Table is a static list of ID mappings.
type Table struct {
	Mappings []Mapping `yaml:"mappings"`
}

var (
	ErrNoMapping = errors.New("topology: no mapping for requester")
	ErrInvalid   = errors.New("topology: invalid mapping")
)

// Load decodes a YAML table from r and validates it.
func Load(r io.Reader) (*Table, error) {
	var t Table

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(&t); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}

	return &t, nil
}

// Validate checks that every mapping is well formed and that no requester
// is covered twice.
func (t *Table) Validate() error {
	for i, m := range t.Mappings {
		if m.Count <= 0 || int(m.RIDBase)+m.Count > 1<<16 {
			return fmt.Errorf("%w: mapping %d: rid %#x count %d", ErrInvalid, i, m.RIDBase, m.Count)
		}

		if uint64(m.StreamBase)+uint64(m.Count) > 1<<32 {
			return fmt.Errorf("%w: mapping %d: stream ids overflow", ErrInvalid, i)
		}

		for j, o := range t.Mappings[:i] {
			if o.Segment == m.Segment && m.rid(o.RIDBase) || o.Segment == m.Segment && o.rid(m.RIDBase) {
				return fmt.Errorf("%w: mappings %d and %d overlap", ErrInvalid, j, i)
			}
		}
	}

	return nil
}

// ResolveStreamID implements Resolver.
func (t *Table) ResolveStreamID(segment int, rid uint16) (uint64, uint32, error) {
	for _, m := range t.Mappings {
		if m.Segment == segment && m.rid(rid) {
			return m.Controller, m.StreamBase + uint32(rid-m.RIDBase), nil
		}
	}

	return 0, 0, fmt.Errorf("%w: segment %d rid %#04x", ErrNoMapping, segment, rid)
}

func (m Mapping) rid(rid uint16) bool {
	return rid >= m.RIDBase && int(rid-m.RIDBase) < m.Count
}
