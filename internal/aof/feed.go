package aof

import "sync"

// ReplicaFeed fans propagated commands out to connected replica streams.
// Sends never block; a replica that falls behind loses its slot in the
// channel buffer and is expected to resync.
type ReplicaFeed struct {
	mu      sync.Mutex
	subs    map[uint64]chan Record
	nextSub uint64
}

// NewReplicaFeed creates an empty feed.
func NewReplicaFeed() *ReplicaFeed {
	return &ReplicaFeed{subs: make(map[uint64]chan Record)}
}

// Feed delivers a record to every subscriber.
func (f *ReplicaFeed) Feed(rec Record) {
	f.mu.Lock()
	for _, ch := range f.subs {
		select {
		case ch <- rec:
		default:
		}
	}
	f.mu.Unlock()
}

// Subscribe attaches a replica stream.
func (f *ReplicaFeed) Subscribe(bufSize int) (uint64, <-chan Record) {
	if bufSize <= 0 {
		bufSize = 1024
	}
	ch := make(chan Record, bufSize)

	f.mu.Lock()
	f.nextSub++
	id := f.nextSub
	f.subs[id] = ch
	f.mu.Unlock()

	return id, ch
}

// Unsubscribe detaches a replica stream and closes its channel.
func (f *ReplicaFeed) Unsubscribe(id uint64) {
	f.mu.Lock()
	if ch, ok := f.subs[id]; ok {
		close(ch)
		delete(f.subs, id)
	}
	f.mu.Unlock()
}
