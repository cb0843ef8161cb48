package interconnect

// bufList is an index-based doubly linked list of buffers in one pool.
// A list uses either the queue links or the wheel links of its members, so a
// buffer can sit in one queue and one wheel slot at the same time.
type bufList struct {
	head, tail bufHandle
	length     int
	wheel      bool
}

func newBufList(wheel bool) bufList {
	return bufList{head: nilHandle, tail: nilHandle, wheel: wheel}
}

func (l *bufList) links(p *bufferPool, h bufHandle) *listLinks {
	if l.wheel {
		return &p.get(h).wheel
	}
	return &p.get(h).queue
}

// pushBack appends h.
func (l *bufList) pushBack(p *bufferPool, h bufHandle) {
	lk := l.links(p, h)
	lk.prev = l.tail
	lk.next = nilHandle
	if l.tail != nilHandle {
		l.links(p, l.tail).next = h
	} else {
		l.head = h
	}
	l.tail = h
	l.length++
}

// popFront removes and returns the head, or nilHandle when empty.
func (l *bufList) popFront(p *bufferPool) bufHandle {
	h := l.head
	if h == nilHandle {
		return nilHandle
	}
	l.remove(p, h)
	return h
}

// remove unlinks h. h must be a member of l.
func (l *bufList) remove(p *bufferPool, h bufHandle) {
	lk := l.links(p, h)
	if lk.prev != nilHandle {
		l.links(p, lk.prev).next = lk.next
	} else {
		l.head = lk.next
	}
	if lk.next != nilHandle {
		l.links(p, lk.next).prev = lk.prev
	} else {
		l.tail = lk.prev
	}
	lk.prev, lk.next = nilHandle, nilHandle
	l.length--
}

// front returns the head without removing it.
func (l *bufList) front() bufHandle {
	return l.head
}

// next returns the member after h.
func (l *bufList) next(p *bufferPool, h bufHandle) bufHandle {
	return l.links(p, h).next
}

func (l *bufList) len() int {
	return l.length
}
