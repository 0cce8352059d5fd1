package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/roadside-dispatch/internal/apperr"
	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/ingest"
	"github.com/example/roadside-dispatch/internal/matcher"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/offers"
	"github.com/example/roadside-dispatch/internal/storage"
)

// PhoneHeader carries the caller's phone number for ownership checks.
const PhoneHeader = "X-Phone-Number"

// OperatorStore is the part of the store the operator and equipment
// endpoints write to directly.
type OperatorStore interface {
	GetOperator(ctx context.Context, id string) (models.Operator, error)
	UpsertOperator(ctx context.Context, op models.Operator) error
	UpdateOperatorLocation(ctx context.Context, id string, loc models.Coord) error
	SetOperatorAvailability(ctx context.Context, id string, available bool) error
	UpsertEquipment(ctx context.Context, e models.Equipment) error
	GetEquipment(ctx context.Context, id string) (models.Equipment, error)
	ListEquipment(ctx context.Context) ([]models.Equipment, error)
	AddSubscription(ctx context.Context, sub models.PushSubscription) error
}

// LocationPublisher hands operator positions to the ingest stream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, u ingest.LocationUpdate) error
}

type Deps struct {
	Offers    *offers.Manager
	Help      *matcher.HelpFinder
	Operators OperatorStore
	Hub       *dispatch.Hub
	// Locations is optional; without it location updates go straight to
	// Operators.
	Locations LocationPublisher
	// Ready is optional and backs /readyz.
	Ready func(ctx context.Context) error

	HelpLimit       int
	DefaultRadiusKm float64
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if deps.HelpLimit <= 0 {
		deps.HelpLimit = 10
	}
	s := &Server{deps: deps, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/requests", s.handleCreateRequest).Methods("POST")
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods("GET")
	api.HandleFunc("/requests/{id}/cancel", s.handleCancelRequest).Methods("POST")
	api.HandleFunc("/requests/{id}/help", s.handleNearbyHelp).Methods("GET")
	api.HandleFunc("/requests/{id}/offers", s.handleSubmitOffer).Methods("POST")
	api.HandleFunc("/requests/{id}/status", s.handleAdvance).Methods("POST")
	api.HandleFunc("/offers/{id}/accept", s.handleAcceptOffer).Methods("POST")
	api.HandleFunc("/offers/{id}/withdraw", s.handleWithdrawOffer).Methods("POST")
	api.HandleFunc("/operators/{id}", s.handleUpsertOperator).Methods("PUT")
	api.HandleFunc("/operators/{id}/location", s.handleOperatorLocation).Methods("PUT")
	api.HandleFunc("/operators/{id}/availability", s.handleOperatorAvailability).Methods("PUT")
	api.HandleFunc("/operators/{id}/subscriptions", s.handleAddSubscription).Methods("POST")
	api.HandleFunc("/equipment", s.handleListEquipment).Methods("GET")
	api.HandleFunc("/equipment/{id}", s.handleUpsertEquipment).Methods("PUT")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/readyz", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/requests/{id}", s.handleWS(dispatch.RequestGroup))
	s.mux.HandleFunc("/ws/operators/{id}", s.handleWS(dispatch.OperatorGroup))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var in offers.CreateRequestInput
	if !s.decode(w, r, &in) {
		return
	}
	if in.Phone == "" {
		in.Phone = r.Header.Get(PhoneHeader)
	}
	req, err := s.deps.Offers.CreateRequest(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Offers.GetRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.Offers.CancelRequest(r.Context(), mux.Vars(r)["id"], r.Header.Get(PhoneHeader))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleNearbyHelp(w http.ResponseWriter, r *http.Request) {
	limit := s.deps.HelpLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, apperr.New(apperr.Validation, "limit must be a positive integer"))
			return
		}
		limit = n
	}
	out, err := s.deps.Help.Find(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operators": out})
}

func (s *Server) handleSubmitOffer(w http.ResponseWriter, r *http.Request) {
	var in offers.SubmitInput
	if !s.decode(w, r, &in) {
		return
	}
	in.RequestID = mux.Vars(r)["id"]
	offer, err := s.deps.Offers.Submit(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := s.deps.Offers.Accept(r.Context(), mux.Vars(r)["id"], r.Header.Get(PhoneHeader))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (s *Server) handleWithdrawOffer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OperatorID string `json:"operator_id"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	offer, err := s.deps.Offers.Withdraw(r.Context(), mux.Vars(r)["id"], body.OperatorID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OperatorID string               `json:"operator_id"`
		Status     models.RequestStatus `json:"status"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	req, err := s.deps.Offers.Advance(r.Context(), mux.Vars(r)["id"], body.OperatorID, body.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleUpsertOperator(w http.ResponseWriter, r *http.Request) {
	var op models.Operator
	if !s.decode(w, r, &op) {
		return
	}
	op.ID = mux.Vars(r)["id"]
	if strings.TrimSpace(op.Name) == "" {
		s.writeError(w, r, apperr.New(apperr.Validation, "name is required"))
		return
	}
	if op.Location != nil && !geo.ValidCoord(*op.Location) {
		s.writeError(w, r, apperr.New(apperr.Validation, "location is out of range"))
		return
	}
	if op.ServiceRadiusKm < 0 {
		s.writeError(w, r, apperr.New(apperr.Validation, "service_radius_km must not be negative"))
		return
	}
	if op.ServiceRadiusKm == 0 {
		op.ServiceRadiusKm = s.deps.DefaultRadiusKm
	}
	for _, id := range op.Equipment {
		if _, err := s.deps.Operators.GetEquipment(r.Context(), id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				err = apperr.New(apperr.Validation, "unknown equipment %q", id)
			}
			s.writeError(w, r, err)
			return
		}
	}
	if err := s.deps.Operators.UpsertOperator(r.Context(), op); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleOperatorLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.Coord
	if !s.decode(w, r, &loc) {
		return
	}
	id := mux.Vars(r)["id"]
	if !geo.ValidCoord(loc) {
		s.writeError(w, r, apperr.New(apperr.Validation, "location is out of range"))
		return
	}
	if s.deps.Locations != nil {
		// the consumer applies it; make sure it will find the operator
		if _, err := s.deps.Operators.GetOperator(r.Context(), id); err != nil {
			s.writeError(w, r, err)
			return
		}
		u := ingest.LocationUpdate{OperatorID: id, Location: loc, At: s.deps.Offers.Now()}
		if err := s.deps.Locations.PublishLocation(r.Context(), u); err != nil {
			s.writeError(w, r, apperr.Wrap(apperr.Transient, err, "publish location"))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if err := s.deps.Operators.UpdateOperatorLocation(r.Context(), id, loc); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOperatorAvailability(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Available *bool `json:"available"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	if body.Available == nil {
		s.writeError(w, r, apperr.New(apperr.Validation, "available is required"))
		return
	}
	if err := s.deps.Operators.SetOperatorAvailability(r.Context(), mux.Vars(r)["id"], *body.Available); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddSubscription(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	id := mux.Vars(r)["id"]
	if strings.TrimSpace(body.Token) == "" {
		s.writeError(w, r, apperr.New(apperr.Validation, "token is required"))
		return
	}
	if _, err := s.deps.Operators.GetOperator(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	sub := models.PushSubscription{
		ID:         uuid.NewString(),
		OperatorID: id,
		Token:      strings.TrimSpace(body.Token),
		Active:     true,
		CreatedAt:  s.deps.Offers.Now(),
	}
	if err := s.deps.Operators.AddSubscription(r.Context(), sub); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListEquipment(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Operators.ListEquipment(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleUpsertEquipment(w http.ResponseWriter, r *http.Request) {
	var e models.Equipment
	if !s.decode(w, r, &e) {
		return
	}
	e.ID = mux.Vars(r)["id"]
	if strings.TrimSpace(e.Name) == "" {
		s.writeError(w, r, apperr.New(apperr.Validation, "name is required"))
		return
	}
	if err := s.deps.Operators.UpsertEquipment(r.Context(), e); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

// handleWS joins the connection to the group and holds it until the client
// goes away. Inbound frames are ignored.
func (s *Server) handleWS(group func(string) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g := group(mux.Vars(r)["id"])
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("ws upgrade failed", "group", g, "error", err)
			return
		}
		sess := s.deps.Hub.Join(g, conn)
		s.logger.Debug("ws joined", "group", g, "group_size", s.deps.Hub.Size(g))
		defer func() {
			s.deps.Hub.Leave(g, sess)
			_ = sess.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.Validation, err, "invalid JSON body"))
		return false
	}
	return true
}

func statusFor(err error) int {
	if errors.Is(err, storage.ErrNotFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, storage.ErrVersionConflict) {
		return http.StatusConflict
	}
	switch apperr.KindOf(err) {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Authorization:
		return http.StatusForbidden
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= 500 {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

