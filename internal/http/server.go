package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"homehealth/services/staff-tracker/internal/auth"
	"homehealth/services/staff-tracker/internal/metrics"
	"homehealth/services/staff-tracker/internal/session"
	"homehealth/services/staff-tracker/internal/tracking"
	"homehealth/services/staff-tracker/internal/websocket"
)

var viewerRoles = []string{"dispatcher", "clinician", "admin"}

type Sessions interface {
	Acquire(key session.Key, patient *tracking.PatientLocation) (*session.Session, func(), error)
	Nudge(staffID string) int
	Evaluate(ctx context.Context, key session.Key) (tracking.State, error)
}

type Hub interface {
	ServeWS(w http.ResponseWriter, r *http.Request, sub websocket.Subscription)
}

type DB interface {
	Ping(ctx context.Context) error
}

type Server struct {
	db        DB
	validator *auth.Validator
	sessions  Sessions
	hub       Hub
}

// NewServer wires the HTTP surface. A nil validator disables authentication.
func NewServer(db DB, validator *auth.Validator, sessions Sessions, hub Hub) *Server {
	return &Server{db: db, validator: validator, sessions: sessions, hub: hub}
}

func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.db != nil {
			if err := s.db.Ping(r.Context()); err != nil {
				http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("GET /ws/track", metricsMiddleware(s.protect(s.handleTrack)))
	mux.HandleFunc("GET /api/tracking/{staff_id}", metricsMiddleware(s.protect(s.handleEvaluate)))
	mux.HandleFunc("POST /api/tracking/{staff_id}/retry", metricsMiddleware(s.protect(s.handleRetry)))
}

func (s *Server) protect(next http.HandlerFunc) http.HandlerFunc {
	if s.validator == nil {
		return next
	}
	return auth.RequireRoles(s.validator, viewerRoles, next)
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := session.Key{StaffID: q.Get("staff_id"), PatientName: q.Get("patient_name")}
	patient, err := patientFromQuery(q.Get("patient_lat"), q.Get("patient_lng"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, release, err := s.sessions.Acquire(key, patient)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	operator := ""
	if u := auth.FromContext(r.Context()); u != nil {
		operator = u.ID
	}
	s.hub.ServeWS(w, r, websocket.Subscription{
		Topic:      sess.Key().Topic(),
		OperatorID: operator,
		Initial:    func() any { return sess.Snapshot() },
		OnClose:    release,
	})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	key := session.Key{StaffID: r.PathValue("staff_id"), PatientName: r.URL.Query().Get("patient_name")}
	st, err := s.sessions.Evaluate(r.Context(), key)
	if err != nil {
		if errors.Is(err, session.ErrInvalidKey) {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	staffID := strings.TrimSpace(r.PathValue("staff_id"))
	if staffID == "" {
		writeJSONError(w, http.StatusBadRequest, session.ErrInvalidKey.Error())
		return
	}
	n := s.sessions.Nudge(staffID)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "sessions": n})
}

func patientFromQuery(lat, lng string) (*tracking.PatientLocation, error) {
	if lat == "" && lng == "" {
		return nil, nil
	}
	la, err1 := strconv.ParseFloat(lat, 64)
	ln, err2 := strconv.ParseFloat(lng, 64)
	if err1 != nil || err2 != nil {
		return nil, errors.New("patient_lat and patient_lng must both be numbers")
	}
	loc := &tracking.PatientLocation{Lat: la, Lng: ln}
	if !loc.Point().Valid() {
		return nil, errors.New("patient coordinates out of range")
	}
	return loc, nil
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidKey):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrShutdown):
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func metricsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, status: 200}
		next(rr, r)
		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = r.URL.Path
		}
		metrics.RequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		metrics.RequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rr.status)).Inc()
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (rr *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rr.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
