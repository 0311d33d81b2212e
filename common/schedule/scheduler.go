// Package schedule runs jobs at wall-clock times: a minute-granular
// multi-event scheduler with a bounded worker pool, and aligned interval
// sleepers for single-job loops.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/guarzo/apteligent-importer/common"
	"github.com/guarzo/apteligent-importer/common/clock"
)

// DefaultWorkers is the number of events that may execute concurrently.
const DefaultWorkers = 16

// AnyHour makes an event fire every hour at its minute.
const AnyHour = -1

// Task is the work bound to an event. Arguments are captured by the
// closure when the event is built.
type Task func(ctx context.Context) error

// Event is an immutable (hour, minute) trigger bound to a task.
type Event struct {
	name   string
	hour   int
	minute int
	task   Task
}

// NewEvent builds an event firing at hour:minute local time. Use AnyHour
// to fire every hour.
func NewEvent(name string, hour, minute int, task Task) (Event, error) {
	if hour != AnyHour && (hour < 0 || hour > 23) {
		return Event{}, fmt.Errorf("event %s: hour %d out of range", name, hour)
	}
	if minute < 0 || minute > 59 {
		return Event{}, fmt.Errorf("event %s: minute %d out of range", name, minute)
	}
	if task == nil {
		return Event{}, fmt.Errorf("event %s: nil task", name)
	}
	return Event{name: name, hour: hour, minute: minute, task: task}, nil
}

func (e Event) Name() string { return e.name }
func (e Event) Hour() int    { return e.hour }
func (e Event) Minute() int  { return e.minute }

// Triggers reports whether the event is due at the given hour and minute.
func (e Event) Triggers(hour, minute int) bool {
	return (e.hour == AnyHour || e.hour == hour) && e.minute == minute
}

// Run executes the task once on the calling goroutine. A panic is
// returned as an error.
func (e Event) Run(ctx context.Context) error {
	return runTask(ctx, e.task)
}

func (e Event) String() string {
	hour := "*"
	if e.hour != AnyHour {
		hour = fmt.Sprintf("%02d", e.hour)
	}
	return fmt.Sprintf("%s at %s:%02d", e.name, hour, e.minute)
}

// invocation is one submitted run of an event.
type invocation struct {
	id      uint64
	event   int
	started time.Time
	done    chan struct{}
	err     error
}

// ClockBasedScheduler fires events at minute granularity. Runs execute on
// at most Workers goroutines at once; submission never blocks the loop.
// Every run is tracked on its own, so a run that overlaps the next
// trigger of the same event still has its outcome observed.
type ClockBasedScheduler struct {
	clock clock.Clock
	log   common.Logger
	sem   *semaphore.Weighted

	events  []Event
	pending map[uint64]*invocation
	running map[int]int
	nextID  uint64
	wg      sync.WaitGroup
}

// NewClockBasedScheduler returns a scheduler with the given worker count;
// workers <= 0 selects DefaultWorkers.
func NewClockBasedScheduler(clk clock.Clock, log common.Logger, workers int) *ClockBasedScheduler {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &ClockBasedScheduler{
		clock:   clk,
		log:     log,
		sem:     semaphore.NewWeighted(int64(workers)),
		pending: make(map[uint64]*invocation),
		running: make(map[int]int),
	}
}

// AddEvent registers an event. Events must be added before Run.
func (s *ClockBasedScheduler) AddEvent(e Event) {
	s.log.Debugf("Event: %s", e)
	s.events = append(s.events, e)
}

func (s *ClockBasedScheduler) Events() []Event {
	return append([]Event(nil), s.events...)
}

// Pending returns the number of submitted runs whose outcome has not been
// collected yet.
func (s *ClockBasedScheduler) Pending() int {
	return len(s.pending)
}

// Tick submits every event due at now, then collects finished runs.
// Tick is not safe for concurrent use; Run calls it from one goroutine.
func (s *ClockBasedScheduler) Tick(ctx context.Context, now time.Time) {
	hour, minute := now.Hour(), now.Minute()
	for i, e := range s.events {
		if e.Triggers(hour, minute) {
			s.submit(ctx, i, now)
		}
	}
	s.collect()
}

func (s *ClockBasedScheduler) submit(ctx context.Context, index int, now time.Time) {
	e := s.events[index]
	if n := s.running[index]; n > 0 {
		s.log.Warnf("Event %s triggered while %d earlier run(s) still in progress", e, n)
	}

	s.nextID++
	inv := &invocation{
		id:      s.nextID,
		event:   index,
		started: now,
		done:    make(chan struct{}),
	}
	s.pending[inv.id] = inv
	s.running[index]++

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(inv.done)
		if err := s.sem.Acquire(ctx, 1); err != nil {
			inv.err = fmt.Errorf("not started: %w", err)
			return
		}
		defer s.sem.Release(1)
		inv.err = runTask(ctx, e.task)
	}()
}

func runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// collect removes finished runs, logging failures. Failures never reach
// the scheduler loop.
func (s *ClockBasedScheduler) collect() {
	ids := make([]uint64, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		inv := s.pending[id]
		select {
		case <-inv.done:
		default:
			continue
		}
		e := s.events[inv.event]
		if inv.err != nil {
			s.log.Errorf("Event %s (run started %s) failed: %v",
				e, inv.started.Format(time.RFC3339), inv.err)
		}
		delete(s.pending, id)
		s.running[inv.event]--
		if s.running[inv.event] == 0 {
			delete(s.running, inv.event)
		}
	}
}

// Run ticks at the top of every minute until ctx is cancelled, then waits
// for runs in progress to return before returning ctx.Err().
func (s *ClockBasedScheduler) Run(ctx context.Context) error {
	s.log.Infof("Starting schedule with %d events", len(s.events))
	defer func() {
		s.wg.Wait()
		s.collect()
	}()

	for {
		now := s.clock.Now()
		s.Tick(ctx, now)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(UntilNextMinute(s.clock.Now())):
		}
	}
}

// UntilNextMinute returns the time left until the next minute boundary,
// 60 - (now mod 60) seconds. At an exact boundary it is a full minute.
func UntilNextMinute(now time.Time) time.Duration {
	return time.Duration(60-now.Unix()%60) * time.Second
}
