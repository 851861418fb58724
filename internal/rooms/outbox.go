package rooms

import "sync"

// Outbox is an unbounded FIFO of encoded messages drained by a single writer.
//
// Deliver never blocks, so fan-out to many members is never stalled by one
// slow consumer. Order of delivery is preserved per Outbox.
type Outbox struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool
	msgs     [][]byte
}

func NewOutbox() *Outbox {
	o := &Outbox{}
	o.notEmpty = sync.NewCond(&o.mu)
	return o
}

// Deliver appends msg. It returns false once the Outbox is closed.
func (o *Outbox) Deliver(msg []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.msgs = append(o.msgs, msg)
	o.notEmpty.Signal()
	return true
}

// Next blocks until a message is available or the Outbox is closed and
// drained.
func (o *Outbox) Next() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.msgs) == 0 && !o.closed {
		o.notEmpty.Wait()
	}
	if len(o.msgs) == 0 {
		return nil, false
	}
	msg := o.msgs[0]
	o.msgs[0] = nil
	o.msgs = o.msgs[1:]
	if len(o.msgs) == 0 {
		o.msgs = nil
	}
	return msg, true
}

// Close stops further deliveries. Messages already queued can still be read
// with Next.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.notEmpty.Broadcast()
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.msgs)
}
