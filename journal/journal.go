// Package journal stores the exchange's event log and snapshots in Pebble.
// Events are keyed by sequence number, so replaying the journal from the last
// snapshot reconstructs the exchange state exactly.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"

	"github.com/cockroachdb/pebble"

	"github.com/civicledger/waterledger"
)

var _ waterledger.Publisher = (*Journal)(nil)

// keys: e:<8-byte-BE-sequence> per event, s:latest for the current snapshot,
// sc:latest for its checksum.
var (
	eventPrefix   = []byte("e:")
	snapshotKey   = []byte("s:latest")
	snapChecksumK = []byte("sc:latest")
)

func eventKey(seq uint64) []byte {
	key := make([]byte, len(eventPrefix)+8)
	copy(key, eventPrefix)
	binary.BigEndian.PutUint64(key[len(eventPrefix):], seq)
	return key
}

func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

type Journal struct {
	db *pebble.DB
}

// Open opens (or creates) the journal at path.
func Open(path string) (*Journal, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Append durably writes events to the log in one batch.
func (j *Journal) Append(events ...waterledger.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch := j.db.NewBatch()
	defer batch.Close()

	for i := range events {
		data, err := json.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("encode event %d: %w", events[i].Sequence, err)
		}
		if err := batch.Set(eventKey(events[i].Sequence), data, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// Publish implements waterledger.Publisher. Append failures are logged; the
// exchange loop is never stalled by storage errors.
func (j *Journal) Publish(events ...waterledger.Event) {
	if err := j.Append(events...); err != nil {
		waterledger.Logger().Error("journal append failed", "err", err)
	}
}

// Replay streams every journaled event in sequence order. The callback
// returning an error stops the replay.
func (j *Journal) Replay(fn func(waterledger.Event) error) error {
	return j.ReplayFrom(0, fn)
}

// ReplayFrom streams events with sequence strictly greater than after.
func (j *Journal) ReplayFrom(after uint64, fn func(waterledger.Event) error) error {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(after + 1),
		UpperBound: keyUpperBound(eventPrefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var ev waterledger.Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return fmt.Errorf("decode event at key %x: %w", iter.Key(), err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return iter.Error()
}

// LastSequence returns the sequence of the newest journaled event, zero when
// the log is empty.
func (j *Journal) LastSequence() (uint64, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: eventPrefix,
		UpperBound: keyUpperBound(eventPrefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	return binary.BigEndian.Uint64(iter.Key()[len(eventPrefix):]), nil
}

// SaveSnapshot stores the snapshot alongside a CRC32 of its encoding and
// prunes journaled events at or below the snapshot sequence.
func (j *Journal) SaveSnapshot(snap *waterledger.Snapshot) error {
	data, err := snap.Encode()
	if err != nil {
		return err
	}

	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc32.ChecksumIEEE(data))

	batch := j.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(snapshotKey, data, nil); err != nil {
		return err
	}
	if err := batch.Set(snapChecksumK, sum[:], nil); err != nil {
		return err
	}
	if err := batch.DeleteRange(eventPrefix, eventKey(snap.Sequence+1), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// LoadSnapshot returns the stored snapshot, reporting ok=false when none
// exists. A checksum mismatch means the stored bytes are corrupt.
func (j *Journal) LoadSnapshot() (*waterledger.Snapshot, bool, error) {
	data, closer, err := j.db.Get(snapshotKey)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	snapBytes := make([]byte, len(data))
	copy(snapBytes, data)
	closer.Close()

	sumBytes, closer, err := j.db.Get(snapChecksumK)
	if err != nil {
		return nil, false, err
	}
	stored := binary.BigEndian.Uint32(sumBytes)
	closer.Close()

	if crc32.ChecksumIEEE(snapBytes) != stored {
		return nil, false, fmt.Errorf("snapshot checksum mismatch: stored %08x", stored)
	}

	snap, err := waterledger.DecodeSnapshot(snapBytes)
	if err != nil {
		return nil, false, err
	}
	return snap, true, nil
}
