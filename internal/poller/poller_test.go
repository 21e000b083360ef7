package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"homehealth/services/staff-tracker/internal/tracking"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func speed(v float64) *float64 { return &v }

func drivingObs() tracking.Observation {
	return tracking.Observation{
		StaffID:       "s-1",
		Current:       &tracking.StaffLocation{Latitude: 42.3, Longitude: -83.0, Speed: speed(30)},
		TripStatus:    tracking.TripDriving,
		HasActiveTrip: true,
	}
}

func TestIntervalFor(t *testing.T) {
	assert.Equal(t, 3000*time.Millisecond, IntervalFor(tracking.StatusDriving, true))
	assert.Equal(t, 3000*time.Millisecond, IntervalFor(tracking.StatusDriving, false))
	assert.Equal(t, 3000*time.Millisecond, IntervalFor(tracking.StatusEnRoute, true))
	assert.Equal(t, 5000*time.Millisecond, IntervalFor(tracking.StatusIdle, true))
	assert.Equal(t, 5000*time.Millisecond, IntervalFor(tracking.StatusOnVisit, true))
	assert.Equal(t, 15000*time.Millisecond, IntervalFor(tracking.StatusActive, false))
	assert.Equal(t, 15000*time.Millisecond, IntervalFor(tracking.StatusOffline, false))
}

func TestRunFetchesImmediately(t *testing.T) {
	var calls int32
	p := New(func(ctx context.Context) (tracking.Observation, error) {
		atomic.AddInt32(&calls, 1)
		return tracking.Observation{}, nil
	}, Options{Intervals: Intervals{Moving: time.Hour, ActiveTrip: time.Hour, NoTrip: time.Hour}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)
}

func TestStatusChangeReschedulesImmediately(t *testing.T) {
	var calls int32
	p := New(func(ctx context.Context) (tracking.Observation, error) {
		atomic.AddInt32(&calls, 1)
		return drivingObs(), nil
	}, Options{Intervals: Intervals{Moving: 10 * time.Millisecond, ActiveTrip: time.Hour, NoTrip: time.Hour}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, p.Interval())
}

func TestNudgeFetches(t *testing.T) {
	var calls int32
	p := New(func(ctx context.Context) (tracking.Observation, error) {
		atomic.AddInt32(&calls, 1)
		return tracking.Observation{}, nil
	}, Options{Intervals: Intervals{Moving: time.Hour, ActiveTrip: time.Hour, NoTrip: time.Hour}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)
	p.Nudge()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 2 }, time.Second, 5*time.Millisecond)
}

func TestOutOfOrderResponsesAreDropped(t *testing.T) {
	var applied []string
	p := New(nil, Options{OnResult: func(seq uint64, obs tracking.Observation) {
		applied = append(applied, obs.StaffID)
	}})
	ctx := context.Background()
	first, _ := p.nextSeq()
	second, _ := p.nextSeq()
	p.complete(ctx, second, tracking.Observation{StaffID: "newer"}, nil)
	p.complete(ctx, first, tracking.Observation{StaffID: "older"}, nil)
	assert.Equal(t, []string{"newer"}, applied)
}

func TestStaleErrorIsDropped(t *testing.T) {
	var errs int
	p := New(nil, Options{
		OnResult: func(uint64, tracking.Observation) {},
		OnError:  func(uint64, error) { errs++ },
	})
	ctx := context.Background()
	first, _ := p.nextSeq()
	second, _ := p.nextSeq()
	p.complete(ctx, second, tracking.Observation{}, nil)
	p.complete(ctx, first, tracking.Observation{}, errors.New("timeout"))
	assert.Equal(t, 0, errs)

	third, _ := p.nextSeq()
	p.complete(ctx, third, tracking.Observation{}, errors.New("timeout"))
	assert.Equal(t, 1, errs)
}

func TestNothingAppliedAfterStop(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var applied int
	p := New(func(ctx context.Context) (tracking.Observation, error) {
		<-release
		return drivingObs(), nil
	}, Options{
		Intervals: Intervals{Moving: time.Hour, ActiveTrip: time.Hour, NoTrip: time.Hour},
		OnResult: func(uint64, tracking.Observation) {
			mu.Lock()
			applied++
			mu.Unlock()
		},
		OnError: func(uint64, error) {
			mu.Lock()
			applied++
			mu.Unlock()
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done
	close(release)
	p.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, applied)
	_, ok := p.nextSeq()
	assert.False(t, ok)
}

func TestSlowCallbackKeepsCadence(t *testing.T) {
	var calls int32
	p := New(func(ctx context.Context) (tracking.Observation, error) {
		atomic.AddInt32(&calls, 1)
		return tracking.Observation{}, nil
	}, Options{
		Intervals: Intervals{Moving: 20 * time.Millisecond, ActiveTrip: 20 * time.Millisecond, NoTrip: 20 * time.Millisecond},
		OnResult:  func(uint64, tracking.Observation) { time.Sleep(300 * time.Millisecond) },
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
		p.Wait()
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 20 }, time.Second, 5*time.Millisecond)
}
