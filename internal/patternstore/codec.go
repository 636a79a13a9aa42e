package patternstore

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/objectfs/iosched/internal/pattern"
	schederrors "github.com/objectfs/iosched/pkg/errors"
	"github.com/objectfs/iosched/pkg/types"
)

const (
	magic         = "IOSP"
	formatVersion = 1

	// Upper bounds applied while decoding so a corrupt header cannot make
	// us allocate unbounded memory.
	maxPatterns     = 1 << 20
	maxSeriesLen    = 1 << 26
	maxMeasurements = 1 << 16
	maxEdges        = 1 << 20
)

var order = binary.LittleEndian

// encoder writes fixed-width little-endian values and keeps the first error.
type encoder struct {
	w   *bufio.Writer
	err error
}

func (e *encoder) put(v interface{}) {
	if e.err == nil {
		e.err = binary.Write(e.w, order, v)
	}
}

// decoder mirrors encoder.
type decoder struct {
	r   io.Reader
	err error
}

func (d *decoder) get(v interface{}) {
	if d.err == nil {
		d.err = binary.Read(d.r, order, v)
	}
}

func (d *decoder) u32() (v uint32) {
	d.get(&v)
	return v
}

func (d *decoder) u64() (v uint64) {
	d.get(&v)
	return v
}

func (d *decoder) i32() (v int32) {
	d.get(&v)
	return v
}

func (d *decoder) i64() (v int64) {
	d.get(&v)
	return v
}

func (d *decoder) f64() (v float64) {
	d.get(&v)
	return v
}

// Save writes every known pattern, its performance table, the transition
// graph and the distance watermark. Probabilities are refreshed first.
func (s *Store) Save(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &encoder{w: bufio.NewWriter(w)}
	e.put([]byte(magic))
	e.put(uint32(formatVersion))
	e.put(uint32(len(s.patterns)))

	for _, k := range s.patterns {
		p := k.Pattern
		e.put([]uint64{p.ReqNb, p.ReadNb, p.WriteNb, p.FileNb})
		e.put([]int64{p.TotalSize, p.ReadSize, p.WriteSize})
		e.put(p.Series)

		ids := policyOrder(k.Performance)
		e.put(uint32(len(ids)))
		for _, id := range ids {
			rec := k.Performance[id]
			e.put(int32(id))
			e.put(uint32(len(rec.Measurements)))
			e.put(rec.Measurements)
			e.put(rec.Bandwidth)
			e.put(rec.Selections)
			e.put(rec.Probability)
		}
	}

	for _, k := range s.patterns {
		updateTransitionProbabilities(k)
		e.put(uint32(len(k.Next)))
		for _, t := range k.Next {
			e.put(uint32(t.To.index))
			e.put(t.Count)
			e.put(t.Probability)
		}
	}
	e.put(s.maxDistance)

	if e.err == nil {
		e.err = e.w.Flush()
	}
	if e.err != nil {
		return schederrors.New(schederrors.ErrCodePersistenceWrite, "failed to encode pattern store").
			WithComponent("patternstore").WithOperation("save").WithCause(e.err)
	}
	return nil
}

// Load replaces the store contents with what r holds. On any error the store
// is left unchanged.
func (s *Store) Load(r io.Reader) error {
	patterns, maxDistance, err := decode(bufio.NewReader(r))
	if err != nil {
		return schederrors.New(schederrors.ErrCodePersistenceCorrupt, "failed to decode pattern store").
			WithComponent("patternstore").WithOperation("load").WithCause(err)
	}
	s.mu.Lock()
	s.patterns = patterns
	s.maxDistance = maxDistance
	s.mu.Unlock()
	return nil
}

func decode(r io.Reader) ([]*Known, uint64, error) {
	d := &decoder{r: r}

	var m [4]byte
	d.get(&m)
	if d.err != nil {
		return nil, 0, d.err
	}
	if string(m[:]) != magic {
		return nil, 0, schederrors.Newf(schederrors.ErrCodePersistenceCorrupt, "bad magic %q", m[:])
	}
	if v := d.u32(); d.err == nil && v != formatVersion {
		return nil, 0, schederrors.Newf(schederrors.ErrCodePersistenceCorrupt, "unsupported version %d", v)
	}
	n := d.u32()
	if d.err != nil {
		return nil, 0, d.err
	}
	if n > maxPatterns {
		return nil, 0, schederrors.Newf(schederrors.ErrCodePersistenceCorrupt, "pattern count %d too large", n)
	}

	patterns := make([]*Known, 0, n)
	for i := 0; i < int(n); i++ {
		p := &pattern.AccessPattern{
			ReqNb: d.u64(), ReadNb: d.u64(), WriteNb: d.u64(), FileNb: d.u64(),
			TotalSize: d.i64(), ReadSize: d.i64(), WriteSize: d.i64(),
		}
		if d.err != nil {
			return nil, 0, d.err
		}
		if p.ReqNb > maxSeriesLen {
			return nil, 0, schederrors.Newf(schederrors.ErrCodePersistenceCorrupt, "pattern %d: series length %d too large", i, p.ReqNb)
		}
		p.Series = make([]int32, p.ReqNb)
		d.get(p.Series)

		k := newKnown(p, i)
		perf := d.u32()
		if d.err == nil && perf > uint32(len(types.AllPolicies)) {
			return nil, 0, schederrors.Newf(schederrors.ErrCodePersistenceCorrupt, "pattern %d: %d performance records", i, perf)
		}
		for j := uint32(0); j < perf && d.err == nil; j++ {
			id := types.PolicyID(d.i32())
			cnt := d.u32()
			if d.err != nil {
				break
			}
			if !id.Valid() || cnt > maxMeasurements {
				return nil, 0, schederrors.Newf(schederrors.ErrCodePersistenceCorrupt, "pattern %d: bad performance record for policy %d", i, id)
			}
			rec := &PolicyPerformance{Measurements: make([]float64, cnt)}
			d.get(rec.Measurements)
			rec.Bandwidth = d.f64()
			rec.Selections = d.u64()
			rec.Probability = d.i32()
			k.Performance[id] = rec
		}
		if d.err != nil {
			return nil, 0, d.err
		}
		patterns = append(patterns, k)
	}

	for _, k := range patterns {
		edges := d.u32()
		if d.err != nil {
			return nil, 0, d.err
		}
		if edges > maxEdges {
			return nil, 0, schederrors.Newf(schederrors.ErrCodePersistenceCorrupt, "pattern %d: %d edges", k.index, edges)
		}
		for j := uint32(0); j < edges; j++ {
			to, count, prob := d.u32(), d.u64(), d.i32()
			if d.err != nil {
				return nil, 0, d.err
			}
			if int(to) >= len(patterns) {
				return nil, 0, schederrors.Newf(schederrors.ErrCodePersistenceCorrupt, "pattern %d: edge to unknown pattern %d", k.index, to)
			}
			k.Next = append(k.Next, &Transition{To: patterns[to], Count: count, Probability: prob})
			k.TotalTransitions += count
		}
	}

	maxDistance := d.u64()
	if d.err != nil {
		return nil, 0, d.err
	}
	return patterns, maxDistance, nil
}

// MarshalBinary encodes the store.
func (s *Store) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := s.Save(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary replaces the store contents with data.
func (s *Store) UnmarshalBinary(data []byte) error {
	return s.Load(bytes.NewReader(data))
}

// SaveFile writes the store to path atomically.
func (s *Store) SaveFile(path string) error {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, base+".*.tmp")
	if err != nil {
		return schederrors.New(schederrors.ErrCodePersistenceWrite, "failed to create temporary file").
			WithComponent("patternstore").WithOperation("save").WithDetail("path", path).WithCause(err)
	}
	tmpName := tmp.Name()

	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		if se, ok := err.(*schederrors.SchedError); ok {
			return se.WithDetail("path", path)
		}
		return schederrors.New(schederrors.ErrCodePersistenceWrite, "failed to write pattern store").
			WithComponent("patternstore").WithOperation("save").WithDetail("path", path).WithCause(err)
	}

	if err := s.Save(tmp); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		return fail(err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return schederrors.New(schederrors.ErrCodePersistenceWrite, "failed to replace pattern store").
			WithComponent("patternstore").WithOperation("save").WithDetail("path", path).WithCause(err)
	}
	return nil
}

// LoadFile loads the store from path. A missing file is reported as
// PERSISTENCE_READ wrapping os.ErrNotExist.
func (s *Store) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return schederrors.New(schederrors.ErrCodePersistenceRead, "failed to open pattern store").
			WithComponent("patternstore").WithOperation("load").WithDetail("path", path).WithCause(err)
	}
	defer f.Close()
	if err := s.Load(f); err != nil {
		if se, ok := err.(*schederrors.SchedError); ok {
			return se.WithDetail("path", path)
		}
		return err
	}
	return nil
}
