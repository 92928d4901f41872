// Package scheduler runs timed tasks, like the checks a relay does once the
// response time after a message has passed. Tasks are kept in a store.Store
// so they survive a restart.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/protobuf"
	"go.dedis.ch/relaycustody/store"
	"golang.org/x/xerrors"
)

// DefaultPollInterval is how often Start looks for due tasks.
const DefaultPollInterval = 100 * time.Millisecond

const (
	taskProperty = "scheduled_task"
	taskLocation = "scheduler/tasks"
)

// Task is called with the payload it was scheduled with.
type Task func(payload []byte) error

type entry struct {
	Type    string
	Payload []byte
	Time    int64
}

// Scheduler keeps at most one pending task per (type, payload): scheduling
// it again moves it to the new time.
type Scheduler struct {
	sync.Mutex
	db    store.Store
	tasks map[string]Task
	// Now is the clock of the scheduler, time.Now unless replaced.
	Now          func() time.Time
	PollInterval time.Duration
}

// New returns a scheduler keeping its tasks in db.
func New(db store.Store) *Scheduler {
	return &Scheduler{
		db:           db,
		tasks:        make(map[string]Task),
		Now:          time.Now,
		PollInterval: DefaultPollInterval,
	}
}

// Register sets the function run for tasks of taskType.
func (s *Scheduler) Register(taskType string, fn Task) {
	s.Lock()
	defer s.Unlock()
	s.tasks[taskType] = fn
}

func taskKey(taskType string, payload []byte) []byte {
	return append(append([]byte(taskType), 0), payload...)
}

func position(t time.Time) uint64 {
	if t.UnixNano() < 0 {
		return 0
	}
	return uint64(t.UnixNano())
}

// Schedule runs the task of taskType with payload at t, replacing what was
// scheduled for the same type and payload.
func (s *Scheduler) Schedule(taskType string, payload []byte, t time.Time) error {
	buf, err := protobuf.Encode(&entry{taskType, payload, t.UnixNano()})
	if err != nil {
		return xerrors.Errorf("encoding task: %v", err)
	}
	key := taskKey(taskType, payload)
	if err := s.db.Put(key, taskProperty, buf); err != nil {
		return xerrors.Errorf("storing task: %v", err)
	}
	if err := s.db.SetLocation(key, taskLocation, position(t)); err != nil {
		return xerrors.Errorf("placing task: %v", err)
	}
	log.Lvlf4("scheduled %s at %s", taskType, t.Format(time.RFC3339Nano))
	return nil
}

// Scheduled returns the time of the pending task of taskType with payload.
func (s *Scheduler) Scheduled(taskType string, payload []byte) (time.Time, bool) {
	buf, err := s.db.Get(taskKey(taskType, payload), taskProperty)
	if err != nil {
		return time.Time{}, false
	}
	var e entry
	if err := protobuf.Decode(buf, &e); err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, e.Time), true
}

// Pending returns the number of tasks not run yet.
func (s *Scheduler) Pending() int {
	count := 0
	s.db.IterateByLocation(taskLocation, 0, ^uint64(0), func([]byte, uint64) error {
		count++
		return nil
	})
	return count
}

// RunDue runs the tasks due at now, oldest first. A task is removed before
// it runs, so it may schedule itself again. The errors of all tasks are
// returned together.
func (s *Scheduler) RunDue(now time.Time) error {
	var result *multierror.Error
	err := s.db.IterateByLocation(taskLocation, 0, position(now), func(key []byte, _ uint64) error {
		buf, err := s.db.Get(key, taskProperty)
		if err != nil {
			result = multierror.Append(result, xerrors.Errorf("reading task: %v", err))
			return s.db.RemoveLocation(key, taskLocation)
		}
		if err := s.db.Delete(key, taskProperty); err != nil {
			return err
		}
		if err := s.db.RemoveLocation(key, taskLocation); err != nil {
			return err
		}
		var e entry
		if err := protobuf.Decode(buf, &e); err != nil {
			result = multierror.Append(result, xerrors.Errorf("decoding task: %v", err))
			return nil
		}
		s.Lock()
		fn, ok := s.tasks[e.Type]
		s.Unlock()
		if !ok {
			result = multierror.Append(result, xerrors.Errorf("no task registered for %q", e.Type))
			return nil
		}
		if err := fn(e.Payload); err != nil {
			result = multierror.Append(result, xerrors.Errorf("%s: %v", e.Type, err))
		}
		return nil
	})
	if err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Start runs the due tasks every PollInterval until ctx is done. The
// returned channel is closed when the loop stopped.
func (s *Scheduler) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	interval := s.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.RunDue(s.Now()); err != nil {
					log.Error("scheduled tasks failed:", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return done
}
