package db

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mbridon/KeyDB/internal/keyspace"
	"github.com/mbridon/KeyDB/internal/object"
)

// ErrSaveInProgress is returned when a background save is already running.
var ErrSaveInProgress = errors.New("db: background save already in progress")

// LastSave returns the unix time of the last completed save.
func (s *Server) LastSave() int64 { return s.lastSave.Load() }

// SaveInProgress reports whether a background save is running.
func (s *Server) SaveInProgress() bool { return s.saveInProgress }

// Save synchronously rewrites the secondary store image of every
// database. The caller holds the global lock.
func (s *Server) Save() error {
	if s.store == nil {
		s.lastSave.Store(time.Now().Unix())
		return nil
	}
	for _, d := range s.dbs {
		if err := d.ks.SaveAll(); err != nil {
			return fmt.Errorf("db: save db %d: %w", d.id, err)
		}
	}
	s.lastSave.Store(time.Now().Unix())
	return nil
}

// BackgroundSave snapshots every database under the lock and writes the
// images out on a worker, so the command loop never waits on disk. The
// caller holds the global lock.
func (s *Server) BackgroundSave() error {
	if s.saveInProgress {
		return ErrSaveInProgress
	}
	s.saveInProgress = true
	cancel := make(chan struct{})
	s.saveCancel = cancel

	checkpoint := object.NextMvcc()
	snaps := make([]*keyspace.Keyspace, len(s.dbs))
	for i, d := range s.dbs {
		snaps[i] = d.ks.CreateSnapshot(checkpoint)
	}

	go func() {
		cancelled := false
		if s.store != nil {
			for i, snap := range snaps {
				if cancelled {
					break
				}
				puts := make(map[string][]byte)
				prefix := fmt.Sprintf("d%d:", i)
				snap.IterateThreadsafe(func(key string, o *object.Object) bool {
					select {
					case <-cancel:
						cancelled = true
						return false
					default:
					}
					data, err := object.Serialize(o)
					if err != nil {
						log.Printf("db: background save: serialize %q: %v", key, err)
						return true
					}
					puts[prefix+key] = data
					return true
				})
				if cancelled {
					break
				}
				if err := s.store.Clear([]byte(prefix)); err != nil {
					log.Printf("db: background save: %v", err)
					break
				}
				if err := s.store.WriteBatch(puts, nil); err != nil {
					log.Printf("db: background save: %v", err)
					break
				}
			}
		}

		s.Lock()
		for i, d := range s.dbs {
			d.ks.EndSnapshot(snaps[i])
		}
		s.saveInProgress = false
		if !cancelled {
			s.lastSave.Store(time.Now().Unix())
		}
		s.Unlock()
	}()
	return nil
}

// KillSave aborts an in-progress background save.
func (s *Server) KillSave() {
	if s.saveInProgress && s.saveCancel != nil {
		close(s.saveCancel)
		s.saveCancel = nil
	}
}
