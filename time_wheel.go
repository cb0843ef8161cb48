package interconnect

import "time"

// timeWheel buckets unacknowledged send buffers by retransmission time.
//
// Design rationale:
//   - O(1) schedule and cancel, amortized O(1) expiration
//   - One advance call handles at most one revolution, so a burst of
//     simultaneous expirations is spread over successive checks
//   - Delays longer than the ring are clamped to the last slot
type timeWheel struct {
	slots       []bufList
	span        time.Duration
	currentTime time.Duration
	idx         int
	initialized bool

	// numOutstanding counts every scheduled buffer; numSharedOutstanding
	// counts those beyond the first per connection.
	numOutstanding       int
	numSharedOutstanding int
}

func newTimeWheel(numSlots int, span time.Duration) *timeWheel {
	w := &timeWheel{span: span}
	w.slots = make([]bufList, numSlots)
	for i := range w.slots {
		w.slots[i] = newBufList(true)
	}
	return w
}

// ringLength is the total time covered by the wheel.
func (w *timeWheel) ringLength() time.Duration {
	return time.Duration(len(w.slots)) * w.span
}

// reset clears all slots and counters. Callers must have released every buffer.
func (w *timeWheel) reset() {
	for i := range w.slots {
		w.slots[i] = newBufList(true)
	}
	w.currentTime = 0
	w.idx = 0
	w.initialized = false
	w.numOutstanding = 0
	w.numSharedOutstanding = 0
}

// schedule places h into the slot matching now+exp.
func (w *timeWheel) schedule(p *bufferPool, h bufHandle, exp, now time.Duration) {
	if !w.initialized {
		w.currentTime = now - now%w.span
		w.initialized = true
	}
	p.get(h).deadline = now + exp
	w.place(p, h)
}

// place puts h into the slot of its deadline relative to the wheel position.
func (w *timeWheel) place(p *bufferPool, h bufHandle) {
	b := p.get(h)
	diff := b.deadline - w.currentTime
	if diff >= w.ringLength() {
		diff = w.ringLength() - 1
	} else if diff < w.span {
		diff = w.span
	}
	slot := (w.idx + int(diff/w.span)) % len(w.slots)
	b.slot = slot
	w.slots[slot].pushBack(p, h)
}

// cancel removes h from its slot.
func (w *timeWheel) cancel(p *bufferPool, h bufHandle) {
	b := p.get(h)
	if b.slot < 0 {
		return
	}
	w.slots[b.slot].remove(p, h)
	b.slot = -1
}

// advance pops every bucket whose time has passed and hands each buffer to
// resend, which is expected to reschedule it. Buffers whose deadline is still
// ahead, because they were clamped or scheduled against a stale position,
// are placed again instead. It returns the number of buffers handed over and
// stops at the first error.
func (w *timeWheel) advance(p *bufferPool, now time.Duration, resend func(h bufHandle) error) (int, error) {
	if !w.initialized {
		w.currentTime = now - now%w.span
		w.initialized = true
		return 0, nil
	}
	count := 0
	retransmits := 0
	early := newBufList(true)
	defer func() {
		for h := early.popFront(p); h != nilHandle; h = early.popFront(p) {
			w.place(p, h)
		}
	}()
	for now >= w.currentTime+w.span && count < len(w.slots) {
		count++
		// Detach the bucket first; resend may schedule back into this slot.
		bucket := w.slots[w.idx]
		w.slots[w.idx] = newBufList(true)
		for h := bucket.popFront(p); h != nilHandle; h = bucket.popFront(p) {
			p.get(h).slot = -1
			if p.get(h).deadline > now {
				early.pushBack(p, h)
				continue
			}
			retransmits++
			if err := resend(h); err != nil {
				w.requeue(p, &bucket)
				return retransmits, err
			}
		}
		w.currentTime += w.span
		w.idx = (w.idx + 1) % len(w.slots)
	}
	w.currentTime = now - now%w.span
	return retransmits, nil
}

// requeue puts an interrupted bucket back into the current slot.
func (w *timeWheel) requeue(p *bufferPool, bucket *bufList) {
	for h := bucket.popFront(p); h != nilHandle; h = bucket.popFront(p) {
		p.get(h).slot = w.idx
		w.slots[w.idx].pushBack(p, h)
	}
}

// len returns the number of scheduled buffers.
func (w *timeWheel) len() int {
	n := 0
	for i := range w.slots {
		n += w.slots[i].len()
	}
	return n
}
