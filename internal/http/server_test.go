package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"homehealth/services/staff-tracker/internal/auth"
	"homehealth/services/staff-tracker/internal/poller"
	"homehealth/services/staff-tracker/internal/session"
	"homehealth/services/staff-tracker/internal/tracking"
	"homehealth/services/staff-tracker/internal/websocket"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "secret"

type stubStaff struct {
	err error
}

func (s stubStaff) StaffLocation(ctx context.Context, staffID string) (tracking.Observation, error) {
	if s.err != nil {
		return tracking.Observation{}, s.err
	}
	speed := 30.0
	return tracking.Observation{
		StaffID:       staffID,
		Current:       &tracking.StaffLocation{Latitude: 42.3314, Longitude: -83.0458, Speed: &speed},
		TripStatus:    tracking.TripDriving,
		HasActiveTrip: true,
	}, nil
}

type fakeHub struct {
	mu   sync.Mutex
	subs []websocket.Subscription
}

func (h *fakeHub) ServeWS(w http.ResponseWriter, r *http.Request, sub websocket.Subscription) {
	h.mu.Lock()
	h.subs = append(h.subs, sub)
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

type fakeDB struct{ err error }

func (d fakeDB) Ping(ctx context.Context) error { return d.err }

func newTestServer(t *testing.T, staff session.StaffSource) (*http.ServeMux, *session.Manager, *fakeHub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	m := session.NewManager(ctx, session.Deps{
		Staff:        staff,
		Intervals:    poller.Intervals{Moving: time.Hour, ActiveTrip: time.Hour, NoTrip: time.Hour},
		FetchTimeout: time.Second,
	})
	t.Cleanup(func() {
		m.Shutdown()
		cancel()
	})
	hub := &fakeHub{}
	mux := http.NewServeMux()
	NewServer(fakeDB{}, auth.NewValidator(testSecret, "", ""), m, hub).Routes(mux)
	return mux, m, hub
}

func signToken(t *testing.T, role string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "op-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: role,
	})
	s, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func do(mux http.Handler, method, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestHealthAndReady(t *testing.T) {
	mux := http.NewServeMux()
	NewServer(fakeDB{}, nil, nil, nil).Routes(mux)
	assert.Equal(t, http.StatusOK, do(mux, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, do(mux, http.MethodGet, "/readyz", "").Code)

	mux = http.NewServeMux()
	NewServer(fakeDB{err: errors.New("down")}, nil, nil, nil).Routes(mux)
	assert.Equal(t, http.StatusServiceUnavailable, do(mux, http.MethodGet, "/readyz", "").Code)
}

func TestEvaluateEndpoint(t *testing.T) {
	mux, _, _ := newTestServer(t, stubStaff{})

	rr := do(mux, http.MethodGet, "/api/tracking/s-1", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(mux, http.MethodGet, "/api/tracking/s-1", signToken(t, "driver"))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(mux, http.MethodGet, "/api/tracking/s-1?patient_name=Jane", signToken(t, "dispatcher"))
	require.Equal(t, http.StatusOK, rr.Code)
	var st tracking.State
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	assert.Equal(t, "s-1", st.StaffID)
	assert.Equal(t, tracking.StatusDriving, st.Status)
	assert.Equal(t, tracking.DistanceUnknown, st.DistanceState)
}

func TestEvaluateUpstreamFailure(t *testing.T) {
	mux, _, _ := newTestServer(t, stubStaff{err: errors.New("boom")})
	rr := do(mux, http.MethodGet, "/api/tracking/s-1", signToken(t, "admin"))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Contains(t, rr.Body.String(), "boom")
}

func TestTrackMountsSession(t *testing.T) {
	mux, m, hub := newTestServer(t, stubStaff{})

	rr := do(mux, http.MethodGet, "/ws/track?staff_id=s-1&patient_name=Jane&patient_lat=42.28&patient_lng=-83.74", signToken(t, "clinician"))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, hub.subs, 1)
	sub := hub.subs[0]
	assert.Equal(t, "s-1|Jane", sub.Topic)
	assert.Equal(t, "op-1", sub.OperatorID)
	require.NotNil(t, sub.Initial)
	assert.IsType(t, session.Update{}, sub.Initial())
	assert.Equal(t, 1, m.Len())

	sub.OnClose()
	assert.Equal(t, 0, m.Len())
}

func TestTrackRejectsBadInput(t *testing.T) {
	mux, m, hub := newTestServer(t, stubStaff{})
	tok := signToken(t, "dispatcher")

	assert.Equal(t, http.StatusBadRequest, do(mux, http.MethodGet, "/ws/track?patient_name=Jane", tok).Code)
	assert.Equal(t, http.StatusBadRequest, do(mux, http.MethodGet, "/ws/track?staff_id=s-1&patient_lat=abc&patient_lng=1", tok).Code)
	assert.Equal(t, http.StatusBadRequest, do(mux, http.MethodGet, "/ws/track?staff_id=s-1&patient_lat=0&patient_lng=0", tok).Code)
	assert.Empty(t, hub.subs)
	assert.Equal(t, 0, m.Len())
}

func TestTrackAfterShutdown(t *testing.T) {
	mux, m, _ := newTestServer(t, stubStaff{})
	m.Shutdown()
	rr := do(mux, http.MethodGet, "/ws/track?staff_id=s-1", signToken(t, "dispatcher"))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRetryEndpoint(t *testing.T) {
	mux, m, _ := newTestServer(t, stubStaff{})
	_, release, err := m.Acquire(session.Key{StaffID: "s-1", PatientName: "Jane"}, nil)
	require.NoError(t, err)
	defer release()

	rr := do(mux, http.MethodPost, "/api/tracking/s-1/retry", signToken(t, "dispatcher"))
	require.Equal(t, http.StatusAccepted, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["sessions"])
}

func TestProtectWithoutValidator(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := session.NewManager(ctx, session.Deps{Staff: stubStaff{}})
	defer m.Shutdown()
	mux := http.NewServeMux()
	NewServer(nil, nil, m, &fakeHub{}).Routes(mux)
	assert.Equal(t, http.StatusAccepted, do(mux, http.MethodPost, "/api/tracking/s-1/retry", "").Code)
}
