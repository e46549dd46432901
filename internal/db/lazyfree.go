package db

import "github.com/mbridon/KeyDB/internal/object"

// lazyFree is the free thread: value objects and whole detached tables are
// handed to it instead of being released inline, so deletion never blocks
// the caller.
type lazyFree struct {
	ch   chan func()
	done chan struct{}
}

func newLazyFree() *lazyFree {
	lf := &lazyFree{
		ch:   make(chan func(), 1024),
		done: make(chan struct{}),
	}
	go lf.run()
	return lf
}

func (lf *lazyFree) run() {
	defer close(lf.done)
	for fn := range lf.ch {
		fn()
	}
}

func (lf *lazyFree) freeObject(o *object.Object) {
	lf.ch <- func() { o.DecrRef() }
}

func (lf *lazyFree) freeTable(table map[string]*object.Object) {
	lf.ch <- func() {
		for _, o := range table {
			o.DecrRef()
		}
	}
}

// close drains outstanding frees and stops the worker.
func (lf *lazyFree) close() {
	close(lf.ch)
	<-lf.done
}
