package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"homehealth/services/staff-tracker/internal/mapview"
	"homehealth/services/staff-tracker/internal/poller"
	"homehealth/services/staff-tracker/internal/tracking"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeStaff struct {
	mu    sync.Mutex
	calls int
	fail  bool
	obs   tracking.Observation
}

func (f *fakeStaff) StaffLocation(ctx context.Context, staffID string) (tracking.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return tracking.Observation{}, errors.New("upstream down")
	}
	obs := f.obs
	obs.StaffID = staffID
	return obs, nil
}

func (f *fakeStaff) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeStaff) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type mockLocator struct{ mock.Mock }

func (m *mockLocator) PatientLocation(ctx context.Context, name string) (*tracking.PatientLocation, error) {
	args := m.Called(ctx, name)
	loc, _ := args.Get(0).(*tracking.PatientLocation)
	return loc, args.Error(1)
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	msgs []Update
}

func (b *fakeBroadcaster) Broadcast(topic string, msg any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg.(Update))
}

func (b *fakeBroadcaster) last() (Update, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.msgs) == 0 {
		return Update{}, false
	}
	return b.msgs[len(b.msgs)-1], true
}

type fakeRecorder struct {
	n int32
}

func (r *fakeRecorder) Record(ctx context.Context, prev *tracking.State, next tracking.State) error {
	atomic.AddInt32(&r.n, 1)
	return nil
}

func f64(v float64) *float64 { return &v }

func idleTrip() tracking.Observation {
	return tracking.Observation{
		Current:       &tracking.StaffLocation{Latitude: 42.3314, Longitude: -83.0458, Speed: f64(0)},
		TripStatus:    tracking.TripActive,
		HasActiveTrip: true,
		Trip: &tracking.ActiveTrip{
			StartLocation: &tracking.RoutePoint{Lat: 42.40, Lng: -83.00},
		},
	}
}

var annArbor = &tracking.PatientLocation{Lat: 42.2808, Lng: -83.7430}

func fastDeps(staff StaffSource) Deps {
	return Deps{
		Staff:     staff,
		Intervals: poller.Intervals{Moving: 20 * time.Millisecond, ActiveTrip: 20 * time.Millisecond, NoTrip: 20 * time.Millisecond},
	}
}

func TestSessionAppliesAndBroadcasts(t *testing.T) {
	staff := &fakeStaff{obs: idleTrip()}
	bc := &fakeBroadcaster{}
	rec := &fakeRecorder{}
	deps := fastDeps(staff)
	deps.Broadcaster = bc
	deps.Recorder = rec
	m := NewManager(context.Background(), deps)
	defer m.Shutdown()

	s, release, err := m.Acquire(Key{StaffID: "s-1", PatientName: "Jane Doe"}, annArbor)
	require.NoError(t, err)
	defer release()

	require.Eventually(t, func() bool { _, ok := bc.last(); return ok }, time.Second, 5*time.Millisecond)
	upd, _ := bc.last()
	require.NotNil(t, upd.Payload.State)
	assert.Equal(t, "tracking", upd.Type)
	assert.Equal(t, tracking.DistanceKnown, upd.Payload.State.DistanceState)
	require.NotNil(t, upd.Payload.State.DistanceFromStart)
	assert.NotEmpty(t, upd.Payload.Map.Features.Features)

	st, ok := s.State()
	require.True(t, ok)
	assert.Equal(t, tracking.StatusIdle, st.Status)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&rec.n) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return staff.callCount() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&rec.n))
}

func TestSessionKeepsStateOnError(t *testing.T) {
	staff := &fakeStaff{obs: idleTrip()}
	m := NewManager(context.Background(), fastDeps(staff))
	defer m.Shutdown()

	s, release, err := m.Acquire(Key{StaffID: "s-1"}, annArbor)
	require.NoError(t, err)
	defer release()
	require.Eventually(t, func() bool { _, ok := s.State(); return ok }, time.Second, 5*time.Millisecond)

	staff.setFail(true)
	require.Eventually(t, func() bool { st, _ := s.State(); return st.Stale }, time.Second, 5*time.Millisecond)
	st, _ := s.State()
	assert.Equal(t, "upstream down", st.LastError)
	assert.NotNil(t, st.DistanceAway)
	assert.NotEmpty(t, s.Snapshot().Payload.Map.Features.Features)

	staff.setFail(false)
	require.Eventually(t, func() bool { st, _ := s.State(); return !st.Stale }, time.Second, 5*time.Millisecond)
}

func TestFirstPollFailureIsOffline(t *testing.T) {
	staff := &fakeStaff{fail: true}
	m := NewManager(context.Background(), fastDeps(staff))
	defer m.Shutdown()

	s, release, err := m.Acquire(Key{StaffID: "s-1"}, nil)
	require.NoError(t, err)
	defer release()
	require.Eventually(t, func() bool { _, ok := s.State(); return ok }, time.Second, 5*time.Millisecond)
	st, _ := s.State()
	assert.True(t, st.Stale)
	assert.Equal(t, tracking.StatusOffline, st.Status)
}

func TestPatientResolvedOnceByName(t *testing.T) {
	staff := &fakeStaff{obs: idleTrip()}
	loc := &mockLocator{}
	loc.On("PatientLocation", mock.Anything, "Jane Doe").Return(nil, errors.New("not found")).Once()
	loc.On("PatientLocation", mock.Anything, "Jane Doe").Return(annArbor, nil).Once()
	deps := fastDeps(staff)
	deps.Patients = loc
	m := NewManager(context.Background(), deps)
	defer m.Shutdown()

	s, release, err := m.Acquire(Key{StaffID: "s-1", PatientName: "Jane Doe"}, nil)
	require.NoError(t, err)
	defer release()

	require.Eventually(t, func() bool { st, _ := s.State(); return st.DistanceState == tracking.DistanceKnown }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return staff.callCount() >= 5 }, time.Second, 5*time.Millisecond)
	loc.AssertNumberOfCalls(t, "PatientLocation", 2)
}

func TestManagerSharesSessions(t *testing.T) {
	staff := &fakeStaff{obs: idleTrip()}
	m := NewManager(context.Background(), fastDeps(staff))
	defer m.Shutdown()

	a, releaseA, err := m.Acquire(Key{StaffID: "s-1", PatientName: "Jane"}, nil)
	require.NoError(t, err)
	b, releaseB, err := m.Acquire(Key{StaffID: " s-1 ", PatientName: "Jane"}, nil)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, m.Len())

	releaseA()
	releaseA()
	assert.Equal(t, 1, m.Len())
	releaseB()
	assert.Equal(t, 0, m.Len())
	_, ok := m.Get(Key{StaffID: "s-1", PatientName: "Jane"})
	assert.False(t, ok)
}

func TestManagerNudge(t *testing.T) {
	staff := &fakeStaff{obs: tracking.Observation{}}
	deps := fastDeps(staff)
	deps.Intervals = poller.Intervals{Moving: time.Hour, ActiveTrip: time.Hour, NoTrip: time.Hour}
	m := NewManager(context.Background(), deps)
	defer m.Shutdown()

	_, release, err := m.Acquire(Key{StaffID: "s-1"}, nil)
	require.NoError(t, err)
	defer release()
	require.Eventually(t, func() bool { return staff.callCount() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, m.Nudge("s-1"))
	assert.Equal(t, 0, m.Nudge("s-2"))
	require.Eventually(t, func() bool { return staff.callCount() == 2 }, time.Second, 5*time.Millisecond)
}

func TestManagerRejects(t *testing.T) {
	m := NewManager(context.Background(), fastDeps(&fakeStaff{}))
	_, _, err := m.Acquire(Key{StaffID: "  "}, nil)
	assert.ErrorIs(t, err, ErrInvalidKey)

	m.Shutdown()
	_, _, err = m.Acquire(Key{StaffID: "s-1"}, nil)
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestEvaluate(t *testing.T) {
	staff := &fakeStaff{obs: idleTrip()}
	staff.obs.Current = &tracking.StaffLocation{Latitude: 42.2808, Longitude: -83.6700, Speed: f64(0)}
	loc := &mockLocator{}
	loc.On("PatientLocation", mock.Anything, "Jane Doe").Return(annArbor, nil)
	deps := fastDeps(staff)
	deps.Patients = loc
	deps.Now = func() time.Time { return time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC) }
	m := NewManager(context.Background(), deps)

	st, err := m.Evaluate(context.Background(), Key{StaffID: "s-1", PatientName: "Jane Doe"})
	require.NoError(t, err)
	require.NotNil(t, st.EstimatedMinutes)
	assert.Equal(t, tracking.TierDefault, st.SpeedTier)
	assert.Equal(t, 0, m.Len())

	staff.setFail(true)
	_, err = m.Evaluate(context.Background(), Key{StaffID: "s-1"})
	assert.Error(t, err)
}

type blockingLocator struct{}

func (blockingLocator) PatientLocation(ctx context.Context, name string) (*tracking.PatientLocation, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type slowRecorder struct {
	n int32
}

func (r *slowRecorder) Record(ctx context.Context, prev *tracking.State, next tracking.State) error {
	atomic.AddInt32(&r.n, 1)
	time.Sleep(300 * time.Millisecond)
	return errors.New("db timeout")
}

// movingStaff advances the staff fix on every call.
type movingStaff struct {
	calls int64
}

func (m *movingStaff) StaffLocation(ctx context.Context, staffID string) (tracking.Observation, error) {
	n := atomic.AddInt64(&m.calls, 1)
	obs := idleTrip()
	obs.StaffID = staffID
	obs.Current = &tracking.StaffLocation{Latitude: 42.0 + float64(n)*0.001, Longitude: -83.0, Speed: f64(0)}
	return obs, nil
}

func TestHangingPatientLookupKeepsStaffLive(t *testing.T) {
	staff := &fakeStaff{obs: idleTrip()}
	deps := fastDeps(staff)
	deps.Patients = blockingLocator{}
	deps.FetchTimeout = 50 * time.Millisecond
	m := NewManager(context.Background(), deps)
	defer m.Shutdown()

	s, release, err := m.Acquire(Key{StaffID: "s-1", PatientName: "Jane Doe"}, nil)
	require.NoError(t, err)
	defer release()

	require.Eventually(t, func() bool { return staff.callCount() >= 5 }, time.Second, 5*time.Millisecond)
	st, ok := s.State()
	require.True(t, ok)
	assert.False(t, st.Stale)
	assert.Empty(t, st.LastError)
	assert.Equal(t, tracking.DistanceUnknown, st.DistanceState)
	assert.Equal(t, tracking.StatusIdle, st.Status)
	require.NotNil(t, st.Staff)
	assert.NotEmpty(t, s.Snapshot().Payload.Map.Features.Features)
}

func TestSlowRecorderDoesNotThrottlePolling(t *testing.T) {
	staff := &fakeStaff{obs: idleTrip()}
	rec := &slowRecorder{}
	deps := fastDeps(staff)
	deps.Recorder = rec
	m := NewManager(context.Background(), deps)
	defer m.Shutdown()

	_, release, err := m.Acquire(Key{StaffID: "s-1", PatientName: "Jane Doe"}, annArbor)
	require.NoError(t, err)
	defer release()

	require.Eventually(t, func() bool { return staff.callCount() >= 20 }, time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&rec.n), int32(5))
}

func staffMarker(frame mapview.Frame) (lat float64, ok bool) {
	if frame.Features == nil {
		return 0, false
	}
	for _, f := range frame.Features.Features {
		if f.Properties["role"] == mapview.RoleStaff {
			return f.Point().Lat(), true
		}
	}
	return 0, false
}

func TestSnapshotPairsStateWithFrame(t *testing.T) {
	staff := &movingStaff{}
	m := NewManager(context.Background(), fastDeps(staff))
	defer m.Shutdown()

	s, release, err := m.Acquire(Key{StaffID: "s-1", PatientName: "Jane Doe"}, annArbor)
	require.NoError(t, err)
	defer release()

	deadline := time.Now().Add(300 * time.Millisecond)
	checked := 0
	for time.Now().Before(deadline) {
		upd := s.Snapshot()
		if upd.Payload.State == nil {
			continue
		}
		lat, ok := staffMarker(upd.Payload.Map)
		require.True(t, ok)
		require.InDelta(t, upd.Payload.State.Staff.Latitude, lat, 1e-9)
		checked++
	}
	assert.Positive(t, checked)
}
