// Package supervisor implements the Upstream Supervisor: the single-writer
// event loop that owns the interest map and the lifecycle of the upstream
// Consumer, per spec.md §4.2.
package supervisor

// CID identifies a client session by its network address, per spec.md's
// glossary: "the network address of an accepted connection."
type CID string

// Delta is an absolute replacement of one client's interest set, per
// spec.md §4.2: "A delta is a pair (CID, newInterestSet) and is treated as
// an absolute replacement of that client's interests."
type Delta struct {
	CID     CID
	Follows map[uint64]struct{}
}

// interestMap is FID → subscriber-CID-set, with the four invariants spec.md
// §3 names: no empty value set, a CID appears under a FID iff that
// client's latest delta contained it, created on first subscriber,
// destroyed on last.
type interestMap struct {
	byFID map[uint64]map[CID]struct{}
}

func newInterestMap() *interestMap {
	return &interestMap{byFID: make(map[uint64]map[CID]struct{})}
}

// keys returns the current FID key set, used to snapshot a follow set for a
// new Consumer (§4.2 "Restart timer fires"). InterestMapSize is reported
// from size().
func (m *interestMap) keys() []uint64 {
	out := make([]uint64, 0, len(m.byFID))
	for f := range m.byFID {
		out = append(out, f)
	}
	return out
}

func (m *interestMap) size() int { return len(m.byFID) }

// applyDelta runs the four-step processing spec.md §4.2 prescribes and
// reports the flags the Supervisor's restart decision is built from:
// grew (a FID was newly introduced) and becameEmpty (nothing is left, so a
// running Consumer's follow set would now be stale).
// shrunk reports whether any FID's subscriber set shrank (lost a
// subscriber without necessarily being removed) or was removed outright;
// callers combine it with the always_restart config flag themselves, since
// that decision belongs to the Supervisor, not the map.
func (m *interestMap) applyDelta(d Delta) (grew, shrunk, becameEmpty bool) {
	// Step 1: for every FID currently subscribed by this CID but absent
	// from the new set, remove the CID.
	for fid, subs := range m.byFID {
		if _, stillWanted := d.Follows[fid]; stillWanted {
			continue
		}
		if _, present := subs[d.CID]; !present {
			continue
		}
		delete(subs, d.CID)
		shrunk = true
		// Step 2: remove FIDs whose subscriber set became empty.
		if len(subs) == 0 {
			delete(m.byFID, fid)
		}
	}

	// Step 3: for every FID in the new set, insert the CID; remember
	// whether the FID was newly introduced.
	for fid := range d.Follows {
		subs, exists := m.byFID[fid]
		if !exists {
			subs = make(map[CID]struct{})
			m.byFID[fid] = subs
			grew = true
		}
		subs[d.CID] = struct{}{}
	}

	becameEmpty = len(m.byFID) == 0
	return grew, shrunk, becameEmpty
}
