// Package snapshot encodes in-memory store state into per-table JSON buckets
// shared by the durable snapshot backends.
package snapshot

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/cockroachdb/errors"

	"entitykit/internal/infra/persistence/memory"
	"entitykit/pkg/domain"
)

// SequencesBucket holds the identifier sequences of every table.
const SequencesBucket = "__sequences"

// Bucket is one named JSON payload.
type Bucket struct {
	Name    string
	Payload []byte
}

// Encode splits a snapshot into buckets: one per table, plus the sequences.
// Buckets are ordered by name so writes are deterministic.
func Encode(snap memory.Snapshot) ([]Bucket, error) {
	names := make([]string, 0, len(snap.Tables))
	for table := range snap.Tables {
		names = append(names, table)
	}
	sort.Strings(names)
	out := make([]Bucket, 0, len(names)+1)
	for _, table := range names {
		data, err := json.Marshal(snap.Tables[table])
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s", table)
		}
		out = append(out, Bucket{Name: table, Payload: data})
	}
	seq := snap.Sequences
	if seq == nil {
		seq = map[string]int64{}
	}
	data, err := json.Marshal(seq)
	if err != nil {
		return nil, errors.Wrap(err, "encode sequences")
	}
	return append(out, Bucket{Name: SequencesBucket, Payload: data}), nil
}

// Decode rebuilds a snapshot from named bucket payloads. Numbers are kept as
// json.Number so integer columns survive the round trip without float loss.
func Decode(buckets map[string][]byte) (memory.Snapshot, error) {
	snap := memory.Snapshot{
		Tables:    make(map[string]map[string]domain.Row),
		Sequences: make(map[string]int64),
	}
	for name, payload := range buckets {
		if len(payload) == 0 {
			continue
		}
		if name == SequencesBucket {
			if err := json.Unmarshal(payload, &snap.Sequences); err != nil {
				return memory.Snapshot{}, errors.Wrap(err, "decode sequences")
			}
			continue
		}
		var rows map[string]domain.Row
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.UseNumber()
		if err := dec.Decode(&rows); err != nil {
			return memory.Snapshot{}, errors.Wrapf(err, "decode %s", name)
		}
		snap.Tables[name] = rows
	}
	return snap, nil
}
