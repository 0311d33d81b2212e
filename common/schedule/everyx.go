package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/guarzo/apteligent-importer/common"
	"github.com/guarzo/apteligent-importer/common/clock"
)

// EveryX sleeps until the next wall-clock instant divisible by an
// interval. It holds no state between calls; the caller loops:
//
//	for {
//		if err := every.SleepUntilNextRun(ctx); err != nil {
//			return err
//		}
//		job(ctx)
//	}
type EveryX struct {
	clock clock.Clock
	log   common.Logger
	until func(now time.Time) time.Duration
}

// EveryXMinutes aligns on minute marks divisible by minutes.
func EveryXMinutes(minutes int, clk clock.Clock, log common.Logger) (*EveryX, error) {
	if minutes <= 0 || minutes > 60 {
		return nil, fmt.Errorf("schedule: minutes interval %d out of range", minutes)
	}
	return &EveryX{clock: clk, log: log, until: func(now time.Time) time.Duration {
		return MinutesUntilNextRun(now, minutes)
	}}, nil
}

// EveryXSeconds aligns on second marks divisible by seconds.
func EveryXSeconds(seconds int, clk clock.Clock, log common.Logger) (*EveryX, error) {
	if seconds <= 0 || seconds > 60 {
		return nil, fmt.Errorf("schedule: seconds interval %d out of range", seconds)
	}
	return &EveryX{clock: clk, log: log, until: func(now time.Time) time.Duration {
		return SecondsUntilNextRun(now, seconds)
	}}, nil
}

// Until returns how long to sleep from now until the next run.
func (e *EveryX) Until(now time.Time) time.Duration {
	return e.until(now)
}

// SleepUntilNextRun blocks until the next aligned instant or until ctx
// ends, in which case it returns ctx.Err().
func (e *EveryX) SleepUntilNextRun(ctx context.Context) error {
	d := e.until(e.clock.Now())
	e.log.Debugf("Sleep for %s, until next run.", d)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.clock.After(d):
		return nil
	}
}

// MinutesUntilNextRun is (minutes - min%minutes)*60 - sec seconds.
func MinutesUntilNextRun(now time.Time, minutes int) time.Duration {
	return time.Duration((minutes-now.Minute()%minutes)*60-now.Second()) * time.Second
}

// SecondsUntilNextRun is seconds - sec%seconds seconds.
func SecondsUntilNextRun(now time.Time, seconds int) time.Duration {
	return time.Duration(seconds-now.Second()%seconds) * time.Second
}
