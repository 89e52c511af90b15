package bus

import "sync"

// Subscription is one subscriber's view of a task stream. Records arrive on
// Events in strict sequence order; the channel closes after a final record
// has been delivered, after Close, or when the stream is released.
type Subscription struct {
	stream    *stream
	ch        chan Record
	quit      chan struct{}
	closeOnce sync.Once

	// cursor is the next sequence this subscriber wants. Guarded by the
	// stream's mutex; publishers read it to decide ring discards.
	cursor uint64

	// replayStart is the sequence replay actually began at. When it
	// exceeds the requested fromSeq, earlier records were already
	// discarded and the caller may want to synthesize a snapshot.
	replayStart uint64
}

// Events returns the delivery channel.
func (sub *Subscription) Events() <-chan Record {
	return sub.ch
}

// ReplayStart returns the first sequence number this subscription could
// replay from.
func (sub *Subscription) ReplayStart() uint64 {
	return sub.replayStart
}

// Close detaches the subscription. Undelivered records are dropped. Safe to
// call multiple times and concurrently with delivery.
func (sub *Subscription) Close() {
	sub.closeOnce.Do(func() {
		close(sub.quit)
		sub.stream.mu.Lock()
		sub.stream.cond.Broadcast()
		sub.stream.mu.Unlock()
	})
}

func (sub *Subscription) closed() bool {
	select {
	case <-sub.quit:
		return true
	default:
		return false
	}
}

// pump walks the ring from the subscription's cursor, delivering each record
// and waiting for new publishes. Replay of retained records and live tailing
// are the same loop, so a subscriber observes one gapless sequence.
func (sub *Subscription) pump() {
	s := sub.stream

	defer func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.cond.Broadcast()
		s.mu.Unlock()
		close(sub.ch)
	}()

	for {
		s.mu.Lock()
		for sub.cursor >= s.nextSeq && !s.final && !s.released && !sub.closed() {
			s.cond.Wait()
		}
		if s.released || sub.closed() {
			s.mu.Unlock()
			return
		}
		if sub.cursor >= s.nextSeq {
			// Final record already delivered to this subscriber.
			s.mu.Unlock()
			return
		}

		idx := int(sub.cursor - s.oldestSeqLocked())
		rec := s.buf[idx]
		sub.cursor++
		// Consuming may free ring space for a blocked publisher.
		s.cond.Broadcast()
		s.mu.Unlock()

		select {
		case sub.ch <- rec:
		case <-sub.quit:
			return
		}

		if rec.Final {
			return
		}
	}
}
