package interconnect

// historyStatus is the lifecycle state of one interconnect instance.
type historyStatus uint8

const (
	historyTornDown historyStatus = 0
	historyActive   historyStatus = 1
)

// historyEntry records one instance set up on the dispatcher.
type historyEntry struct {
	icID   uint32
	cid    int32
	status historyStatus
	next   *historyEntry
}

// cursorHistory remembers which instance ids the dispatcher has set up and
// whether they have been torn down, so late packets can be classified.
// Newer entries are kept at the front of each chain.
type cursorHistory struct {
	table []*historyEntry
	count int
}

func newCursorHistory(size int) *cursorHistory {
	if size < 1 {
		size = 1
	}
	return &cursorHistory{table: make([]*historyEntry, size)}
}

func (t *cursorHistory) size() int {
	return len(t.table)
}

// add records icID as active.
func (t *cursorHistory) add(icID uint32, cid int32) {
	idx := icID % uint32(len(t.table))
	t.table[idx] = &historyEntry{
		icID:   icID,
		cid:    cid,
		status: historyActive,
		next:   t.table[idx],
	}
	t.count++
}

// update sets the status of icID if it is known.
func (t *cursorHistory) update(icID uint32, status historyStatus) {
	if e := t.get(icID); e != nil {
		e.status = status
	}
}

// get returns the entry for icID or nil.
func (t *cursorHistory) get(icID uint32) *historyEntry {
	for e := t.table[icID%uint32(len(t.table))]; e != nil; e = e.next {
		if e.icID == icID {
			return e
		}
	}
	return nil
}

// prune removes every entry older than icID.
func (t *cursorHistory) prune(icID uint32) {
	for i := range t.table {
		var prev *historyEntry
		for e := t.table[i]; e != nil; {
			next := e.next
			if e.icID < icID {
				if prev == nil {
					t.table[i] = next
				} else {
					prev.next = next
				}
				t.count--
			} else {
				prev = e
			}
			e = next
		}
	}
}

// purge removes every entry.
func (t *cursorHistory) purge() {
	for i := range t.table {
		t.table[i] = nil
	}
	t.count = 0
}

// pruneForSetup trims the table before a new instance is added. Entries of
// the running transaction are kept; read-only work (txID 0) is trimmed by age.
func (t *cursorHistory) pruneForSetup(icID, txID, lastTxID uint32) {
	if t.count <= 2*t.size() {
		return
	}
	switch {
	case txID != lastTxID:
		t.prune(icID)
	case lastTxID != 0:
		// Transaction still open.
	case icID > uint32(t.size()):
		t.prune(icID - uint32(t.size()))
	}
}
