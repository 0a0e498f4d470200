package manager

import (
	"sync"
	"time"

	"github.com/zhubert/crabbot-core/logger"
	"github.com/zhubert/crabbot-core/state"
	"github.com/zhubert/crabbot-core/store"
)

// DefaultSaveDelay is how long the saver waits to batch directory changes.
const DefaultSaveDelay = 250 * time.Millisecond

// saver writes the directory to the store in the background. Bursts of
// changes within the delay produce one save.
type saver struct {
	store    store.Store
	delay    time.Duration
	snapshot func() *state.Snapshot

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
	mu   sync.Mutex // serializes saves
}

func newSaver(st store.Store, delay time.Duration, snapshot func() *state.Snapshot) *saver {
	if delay <= 0 {
		delay = DefaultSaveDelay
	}
	sv := &saver{
		store:    st,
		delay:    delay,
		snapshot: snapshot,
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if st == nil {
		close(sv.done)
		return sv
	}
	go sv.run()
	return sv
}

// schedule requests a save. It never blocks.
func (sv *saver) schedule() {
	if sv.store == nil {
		return
	}
	select {
	case sv.kick <- struct{}{}:
	default:
	}
}

func (sv *saver) run() {
	defer close(sv.done)
	for {
		select {
		case <-sv.stop:
			return
		case <-sv.kick:
		}

		timer := time.NewTimer(sv.delay)
		select {
		case <-timer.C:
		case <-sv.stop:
			timer.Stop()
			return
		}
		select {
		case <-sv.kick:
		default:
		}
		_ = sv.flush()
	}
}

// flush saves the current directory now.
func (sv *saver) flush() error {
	if sv.store == nil {
		return nil
	}
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if err := sv.store.Save(sv.snapshot()); err != nil {
		logger.WithComponent("saver").Error("save state failed", "error", err)
		return err
	}
	return nil
}

// close stops the background loop and writes a final snapshot.
func (sv *saver) close() error {
	sv.once.Do(func() { close(sv.stop) })
	<-sv.done
	return sv.flush()
}

// Flush writes the directory to the store immediately.
func (s *Supervisor) Flush() error {
	return s.saver.flush()
}
