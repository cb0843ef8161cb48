package interconnect

// identityTable is a chained hash table of items keyed by packet identity.
// It backs both the connection directory and the startup cache.
type identityTable[T comparable] struct {
	buckets [][]T
	ident   func(T) *PacketHeader
	n       int
}

func newIdentityTable[T comparable](size int, ident func(T) *PacketHeader) *identityTable[T] {
	if size < 1 {
		size = 1
	}
	return &identityTable[T]{
		buckets: make([][]T, size),
		ident:   ident,
	}
}

// add inserts item. Adding an item already present is a no-op and returns false.
func (t *identityTable[T]) add(item T) bool {
	b := hashIdentity(t.ident(item), len(t.buckets))
	for _, v := range t.buckets[b] {
		if v == item {
			return false
		}
	}
	t.buckets[b] = append(t.buckets[b], item)
	t.n++
	return true
}

// remove deletes item if present.
func (t *identityTable[T]) remove(item T) bool {
	b := hashIdentity(t.ident(item), len(t.buckets))
	bucket := t.buckets[b]
	for i, v := range bucket {
		if v == item {
			copy(bucket[i:], bucket[i+1:])
			var zero T
			bucket[len(bucket)-1] = zero
			t.buckets[b] = bucket[:len(bucket)-1]
			t.n--
			return true
		}
	}
	return false
}

// find returns the first item whose identity matches h and which accept
// allows. accept may be nil.
func (t *identityTable[T]) find(h *PacketHeader, accept func(T) bool) (T, bool) {
	b := hashIdentity(h, len(t.buckets))
	for _, v := range t.buckets[b] {
		if sameIdentity(t.ident(v), h) && (accept == nil || accept(v)) {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// each calls fn for every item. fn must not modify the table.
func (t *identityTable[T]) each(fn func(T)) {
	for _, bucket := range t.buckets {
		for _, v := range bucket {
			fn(v)
		}
	}
}

// len is the number of stored items.
func (t *identityTable[T]) len() int {
	return t.n
}

// resize rebuilds the table with a new bucket count. Only valid while empty.
func (t *identityTable[T]) resize(size int) {
	if size < 1 {
		size = 1
	}
	t.buckets = make([][]T, size)
	t.n = 0
}

// clear drops every item.
func (t *identityTable[T]) clear() {
	for i := range t.buckets {
		t.buckets[i] = nil
	}
	t.n = 0
}

// connDirectory maps packet identity to connections.
//
// Sender and receiver connections of a loopback topology carry identical
// identities, so lookups also filter on direction: control packets
// (FlagReceiverToSender) resolve to senders, everything else to receivers.
type connDirectory struct {
	table *identityTable[*motionConn]
	stats *Statistics
}

func newConnDirectory(size int, stats *Statistics) *connDirectory {
	return &connDirectory{
		table: newIdentityTable(size, func(c *motionConn) *PacketHeader { return &c.info }),
		stats: stats,
	}
}

// add registers conn. Caller must hold ic.mu.
func (d *connDirectory) add(c *motionConn) {
	if d.table.add(c) {
		d.stats.ActiveConnectionsNum++
	}
}

// remove unregisters conn. Caller must hold ic.mu.
func (d *connDirectory) remove(c *motionConn) {
	if d.table.remove(c) {
		d.stats.ActiveConnectionsNum--
	}
}

// find returns the connection addressed by h. Caller must hold ic.mu.
func (d *connDirectory) find(h *PacketHeader) *motionConn {
	toSender := h.Flags&FlagReceiverToSender != 0
	c, ok := d.table.find(h, func(c *motionConn) bool { return c.sender == toSender })
	if !ok {
		return nil
	}
	return c
}

// clear unregisters every connection. Caller must hold ic.mu.
func (d *connDirectory) clear() {
	d.stats.ActiveConnectionsNum -= uint64(d.table.len())
	d.table.clear()
}

// resize sets the bucket count for the next setup. Only valid while empty.
func (d *connDirectory) resize(size int) {
	if d.table.len() == 0 && size != len(d.table.buckets) {
		d.table.resize(size)
	}
}

func (d *connDirectory) len() int {
	return d.table.len()
}
