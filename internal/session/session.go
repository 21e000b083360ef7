package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"homehealth/services/staff-tracker/internal/clients"
	"homehealth/services/staff-tracker/internal/mapview"
	"homehealth/services/staff-tracker/internal/poller"
	"homehealth/services/staff-tracker/internal/tracking"
)

// Key identifies one tracking view.
type Key struct {
	StaffID     string
	PatientName string
}

// Topic is the broadcast channel name for the view.
func (k Key) Topic() string {
	return k.StaffID + "|" + k.PatientName
}

type StaffSource interface {
	StaffLocation(ctx context.Context, staffID string) (tracking.Observation, error)
}

// Recorder persists a state that differs from the previously recorded one.
type Recorder interface {
	Record(ctx context.Context, prev *tracking.State, next tracking.State) error
}

type Broadcaster interface {
	Broadcast(topic string, msg any)
}

type Deps struct {
	Staff        StaffSource
	Patients     clients.PatientLocator
	Recorder     Recorder
	Broadcaster  Broadcaster
	Intervals    poller.Intervals
	FetchTimeout time.Duration
	// PatientTimeout bounds one patient lookup. It is independent of
	// FetchTimeout: the lookup never holds up a staff poll.
	PatientTimeout time.Duration
	Now            func() time.Time
}

const defaultPatientTimeout = 30 * time.Second

func (d Deps) patientTimeout() time.Duration {
	if d.PatientTimeout > 0 {
		return d.PatientTimeout
	}
	return defaultPatientTimeout
}

// Update is the message pushed to viewers after every applied poll.
type Update struct {
	Type    string  `json:"type"`
	Payload Payload `json:"payload"`
}

type Payload struct {
	State *tracking.State `json:"state"`
	Map   mapview.Frame   `json:"map"`
}

// Session runs the poll loop of one view and owns its map handle. All
// state mutations happen inside poller callbacks, which never overlap.
// Patient resolution and snapshot recording run on their own goroutines.
type Session struct {
	key    Key
	deps   Deps
	scene  *mapview.Scene
	handle *mapview.Handle
	poller *poller.Poller

	mu        sync.RWMutex
	patient   *tracking.PatientLocation
	resolving bool
	state     *tracking.State
	frame     mapview.Frame
	tripStart *tracking.LatLng
	fromStart *float64

	// recorded is only touched by recordLoop.
	recorded   *tracking.State
	records    chan tracking.State
	recordDone chan struct{}

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
	bg     sync.WaitGroup
}

func newSession(key Key, patient *tracking.PatientLocation, deps Deps) *Session {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	scene := mapview.NewScene()
	s := &Session{
		key:        key,
		deps:       deps,
		scene:      scene,
		handle:     mapview.NewHandle(scene),
		patient:    patient,
		frame:      scene.Snapshot(),
		records:    make(chan tracking.State, 1),
		recordDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.poller = poller.New(s.fetch, poller.Options{
		Intervals:    deps.Intervals,
		FetchTimeout: deps.FetchTimeout,
		OnResult:     s.apply,
		OnError:      s.fail,
	})
	return s
}

func (s *Session) Key() Key { return s.key }

func (s *Session) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.runCtx, s.cancel = ctx, cancel
	go s.recordLoop()
	go func() {
		defer close(s.done)
		s.poller.Run(ctx)
	}()
}

// stop ends polling, waits for in-flight fetches, lookups and pending
// records, then tears down the map.
func (s *Session) stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.poller.Wait()
		s.bg.Wait()
		close(s.records)
		<-s.recordDone
	}
	s.handle.Close()
}

// Nudge requests an immediate refresh.
func (s *Session) Nudge() { s.poller.Nudge() }

// State returns the latest state, if any poll has completed.
func (s *Session) State() (tracking.State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return tracking.State{}, false
	}
	return *s.state, true
}

// Snapshot returns the message a newly joined viewer should see.
// The state and the map frame are swapped together, so they always match.
func (s *Session) Snapshot() Update {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Update{Type: "tracking", Payload: Payload{State: s.state, Map: s.frame}}
}

func (s *Session) fetch(ctx context.Context) (tracking.Observation, error) {
	s.resolvePatientAsync()
	return s.deps.Staff.StaffLocation(ctx, s.key.StaffID)
}

// resolvePatientAsync starts a lookup unless the patient is known or one is
// already running. Polls meanwhile report the distance as unknown.
func (s *Session) resolvePatientAsync() {
	if s.deps.Patients == nil || s.key.PatientName == "" || s.runCtx == nil {
		return
	}
	s.mu.Lock()
	if s.patient != nil || s.resolving {
		s.mu.Unlock()
		return
	}
	s.resolving = true
	s.mu.Unlock()

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		s.resolvePatient()
	}()
}

func (s *Session) resolvePatient() {
	ctx, cancel := context.WithTimeout(s.runCtx, s.deps.patientTimeout())
	defer cancel()
	loc, err := s.deps.Patients.PatientLocation(ctx, s.key.PatientName)

	s.mu.Lock()
	s.resolving = false
	found := err == nil && loc != nil && s.patient == nil
	if found {
		s.patient = loc
	}
	s.mu.Unlock()

	if err != nil {
		if s.runCtx.Err() == nil {
			slog.Warn("patient location unavailable", "error", err, "patient", s.key.PatientName)
		}
		return
	}
	if found {
		s.poller.Nudge()
	}
}

func (s *Session) apply(_ uint64, obs tracking.Observation) {
	s.mu.RLock()
	patient := s.patient
	s.mu.RUnlock()

	fromStart := s.distanceFromStart(obs.Trip, patient)
	st := tracking.Estimate(obs, s.key.PatientName, patient, fromStart, s.deps.Now())
	s.render(obs, st, patient)
	frame := s.scene.Snapshot()

	s.mu.Lock()
	s.state = &st
	s.frame = frame
	s.mu.Unlock()

	s.broadcast()
	s.queueRecord(st)
}

func (s *Session) fail(_ uint64, err error) {
	slog.Warn("staff location poll failed", "error", err, "staff_id", s.key.StaffID)
	s.mu.Lock()
	var st tracking.State
	if s.state != nil {
		st = s.state.MarkStale(err)
	} else {
		st = tracking.State{
			StaffID:     s.key.StaffID,
			PatientName: s.key.PatientName,
			Status:      tracking.StatusOffline,
			UpdatedAt:   s.deps.Now(),
		}.MarkStale(err)
	}
	s.state = &st
	s.mu.Unlock()
	s.broadcast()
}

// distanceFromStart is computed once per trip, keyed by its start point.
func (s *Session) distanceFromStart(trip *tracking.ActiveTrip, patient *tracking.PatientLocation) *float64 {
	if trip == nil || trip.StartLocation == nil {
		s.tripStart, s.fromStart = nil, nil
		return nil
	}
	start := trip.StartLocation.Point()
	if s.tripStart != nil && *s.tripStart == start && s.fromStart != nil {
		return s.fromStart
	}
	d, ok := tracking.DistanceFromStart(trip, patient)
	if !ok {
		return nil
	}
	s.tripStart, s.fromStart = &start, &d
	return s.fromStart
}

func (s *Session) render(obs tracking.Observation, st tracking.State, patient *tracking.PatientLocation) {
	if err := s.handle.UpsertStaffMarker(obs.Current, st.Status, st.DistanceAway); err != nil {
		slog.Error("staff marker update failed", "error", err, "staff_id", s.key.StaffID)
	}
	if err := s.handle.UpsertPatientMarker(patient, s.key.PatientName); err != nil {
		slog.Error("patient marker update failed", "error", err, "staff_id", s.key.StaffID)
	}
	var route []tracking.RoutePoint
	if obs.Trip != nil {
		route = obs.Trip.RoutePoints
	}
	if err := s.handle.SetRoute(route); err != nil {
		slog.Error("route update failed", "error", err, "staff_id", s.key.StaffID)
	}
	s.handle.FitOrPan()
}

func (s *Session) broadcast() {
	if s.deps.Broadcaster == nil {
		return
	}
	s.deps.Broadcaster.Broadcast(s.key.Topic(), s.Snapshot())
}

// queueRecord hands st to recordLoop without blocking. A state still
// waiting to be written is replaced; the status_changed event is derived
// from the last written state, so no transition is lost.
func (s *Session) queueRecord(st tracking.State) {
	if s.deps.Recorder == nil {
		return
	}
	for {
		select {
		case s.records <- st:
			return
		default:
		}
		select {
		case <-s.records:
		default:
		}
	}
}

func (s *Session) recordLoop() {
	defer close(s.recordDone)
	for st := range s.records {
		s.record(st)
	}
}

func (s *Session) record(st tracking.State) {
	if !tracking.Changed(s.recorded, st) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.deps.Recorder.Record(ctx, s.recorded, st); err != nil {
		slog.Error("record tracking snapshot failed", "error", err, "staff_id", s.key.StaffID)
		return
	}
	s.recorded = &st
}
