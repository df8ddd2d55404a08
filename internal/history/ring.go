package history

import (
	"palaver/internal/storage"
)

// ring keeps the newest entries of one contact's history. Sequences in it
// are contiguous.
type ring struct {
	records   []storage.HistoryEntry
	firstSeq  uint64
	lastSeq   uint64
	lastIndex int
	max       int
}

func newRing(max int) *ring {
	return &ring{max: max, lastIndex: -1}
}

func (r *ring) empty() bool {
	return len(r.records) == 0
}

// add appends an entry. An entry that does not continue the sequence resets
// the ring.
func (r *ring) add(e storage.HistoryEntry) {
	if !r.empty() && e.Seq != r.lastSeq+1 {
		r.records = r.records[:0]
		r.lastIndex = -1
	}

	switch {
	case len(r.records) < r.max:
		if r.empty() {
			r.firstSeq = e.Seq
		}
		r.records = append(r.records, e)
		r.lastIndex++
	default:
		r.firstSeq++
		i := (r.lastIndex + 1) % r.max
		r.records[i] = e
		r.lastIndex = i
	}
	r.lastSeq = e.Seq
}

// covers reports whether every entry from seq on is in the ring.
func (r *ring) covers(seq uint64) bool {
	return !r.empty() && seq >= r.firstSeq
}

func (r *ring) head() int {
	if len(r.records) == r.max {
		return (r.lastIndex + 1) % r.max
	}
	return 0
}

func (r *ring) copyRange(from uint64, count int) []storage.HistoryEntry {
	result := make([]storage.HistoryEntry, count)
	start := (r.head() + int(from-r.firstSeq)) % len(r.records)
	if start+count <= len(r.records) {
		copy(result, r.records[start:start+count])
	} else {
		n1 := len(r.records) - start
		copy(result, r.records[start:])
		copy(result[n1:], r.records[:count-n1])
	}
	return result
}

// get returns entries with from <= seq <= to; to == 0 means up to the
// newest.
func (r *ring) get(from, to uint64) []storage.HistoryEntry {
	if r.empty() {
		return nil
	}
	if from < r.firstSeq {
		from = r.firstSeq
	}
	if to == 0 || to > r.lastSeq {
		to = r.lastSeq
	}
	if from > to {
		return nil
	}
	return r.copyRange(from, int(to-from+1))
}

func (r *ring) last(count int) []storage.HistoryEntry {
	if r.empty() || count <= 0 {
		return nil
	}
	if count > len(r.records) {
		count = len(r.records)
	}
	return r.copyRange(r.lastSeq-uint64(count)+1, count)
}
