package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/chazu/strata/vm"
	"github.com/chazu/strata/vm/sector"
)

// session is a runtime opened on the configured store.
type session struct {
	rt    *vm.Runtime
	queue *vm.Queue
	store *sector.SQLiteStore
	clock *clock
	fresh bool
}

// clock is a settable time source, so the demo can run callouts due in the
// future without waiting for them.
type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// openSession restores the runtime from the last snapshot in the store, or
// starts an empty one when the store has none.
func openSession() (*session, error) {
	path := cfg.StorePath()
	st, err := sector.OpenSQLite(path, cfg.Store.SectorSize)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	s := &session{
		queue: vm.NewQueue(),
		store: st,
		clock: &clock{now: time.Now()},
	}
	opts := vm.Options{
		Store:          st,
		Scheduler:      s.queue,
		Clock:          s.clock.Now,
		ErrorStackSize: cfg.Runtime.ErrorStack,
		MaxCallouts:    cfg.Runtime.MaxCallouts,
	}
	err = guard(func() error {
		rt, err := vm.Restore(opts)
		switch {
		case errors.Is(err, sector.ErrNoMeta):
			s.rt = vm.New(opts)
			s.fresh = true
		case err != nil:
			return err
		default:
			s.rt = rt
		}
		return nil
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	log.Infof("opened %s (volume %s, %d objects)", path, st.Volume(), len(s.rt.Objects.Live()))
	return s, nil
}

func (s *session) Close() error {
	return s.rt.Close()
}
