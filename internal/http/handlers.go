package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/roadside-dispatch/internal/config"
	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/ingest"
	"github.com/example/roadside-dispatch/internal/lifecycle"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/notify"
	"github.com/example/roadside-dispatch/internal/payments"
	"github.com/example/roadside-dispatch/internal/storage"
)

type Server struct {
	Lifecycle *lifecycle.Service
	Payments  *payments.Service
	Store     storage.Store
	Kafka     *ingest.KafkaProducer
	GeoIndex  *geo.MechanicIndex
	WSReg     *notify.WSRegistry

	cfg       config.ServerConfig
	jwtSecret string
	logger    *slog.Logger
	mux       *mux.Router
}

// NewServer wires the process from config with sensible fallbacks:
// memory store without PG_DSN, no Kafka without brokers, no Redis index
// without REDIS_ADDR.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	wsreg := notify.NewWSRegistry()
	dispatcher := &notify.Dispatcher{
		Email:  &notify.LogEmailSender{Logger: logger},
		SMS:    &notify.LogSMSSender{Logger: logger},
		WS:     wsreg,
		Store:  store,
		Logger: logger,
	}
	if cfg.PushEndpoint != "" {
		dispatcher.Push = notify.NewHTTPPush(cfg.PushEndpoint, cfg.PushKey)
	}

	lc := &lifecycle.Service{
		Store:          store,
		Notifier:       dispatcher,
		Logger:         logger,
		NearbyRadiusKm: cfg.NearbyRadiusKm,
		NearbyLimit:    cfg.NearbyLimit,
		AvgSpeedKmh:    cfg.AvgSpeedKmh,
	}

	pay := &payments.Service{Store: store, Logger: logger}
	if cfg.StripeAPIKey != "" {
		pay.Stripe = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	var idx *geo.MechanicIndex
	if cfg.RedisAddr != "" {
		idx = geo.NewMechanicIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	}

	s := &Server{
		Lifecycle: lc,
		Payments:  pay,
		Store:     store,
		Kafka:     kp,
		GeoIndex:  idx,
		WSReg:     wsreg,
		cfg:       cfg,
		jwtSecret: cfg.JWTSecret,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/services/request", s.handleRequestService).Methods("POST")
	api.HandleFunc("/services/nearby-mechanics", s.handleNearbyMechanics).Methods("GET")
	api.HandleFunc("/services/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/services/{id}", s.handleGetService).Methods("GET")
	api.HandleFunc("/services/{id}/assign", s.handleAssign).Methods("POST")
	api.HandleFunc("/services/{id}/status", s.handleUpdateStatus).Methods("PUT")
	api.HandleFunc("/services/{id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/alerts/{id}/respond", s.handleRespondAlert).Methods("POST")
	api.HandleFunc("/mechanics/availability", s.handleAvailability).Methods("POST")
	api.HandleFunc("/payments", s.handleCreatePayment).Methods("POST")
	api.HandleFunc("/payments/{id}", s.handleGetPayment).Methods("GET")
	api.HandleFunc("/payments/{id}/status", s.handleUpdatePaymentStatus).Methods("PUT")
	api.HandleFunc("/notifications", s.handleListNotifications).Methods("GET")
	api.HandleFunc("/notifications/{id}/read", s.handleMarkNotificationRead).Methods("POST")

	s.mux.HandleFunc("/internal/mechanic/locations", s.handleMechanicLocation).Methods("POST")
	s.mux.HandleFunc("/ws/mechanics/{mechanic_id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type requestServiceBody struct {
	ServiceType   models.ServiceType `json:"service_type"`
	Location      *models.Location   `json:"location"`
	Description   string             `json:"description"`
	Priority      models.Priority    `json:"priority"`
	VehicleInfo   string             `json:"vehicle_info"`
	PriceEstimate float64            `json:"price_estimate"`
}

func (s *Server) handleRequestService(w http.ResponseWriter, r *http.Request) {
	var body requestServiceBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Location == nil {
		writeError(w, http.StatusBadRequest, "location is required")
		return
	}
	if err := validateCoordinates(body.Location.Lat, body.Location.Lon); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	svc, err := s.Lifecycle.Create(r.Context(), callerID(r.Context()), body.ServiceType, *body.Location, lifecycle.CreateParams{
		Description:   body.Description,
		Priority:      body.Priority,
		VehicleInfo:   body.VehicleInfo,
		PriceEstimate: body.PriceEstimate,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	nearby, err := s.Lifecycle.NearbyMechanics(r.Context(), svc.Location, s.cfg.NearbyRadiusKm, "")
	if err != nil {
		s.logger.Warn("nearby lookup after create failed", "service_id", svc.ID, "error", err)
		nearby = nil
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":          true,
		"service":          svc,
		"nearby_mechanics": nearby,
	})
}

func (s *Server) handleNearbyMechanics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("latitude"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("longitude"), 64)
	if errLat != nil || errLon != nil {
		writeError(w, http.StatusBadRequest, "latitude and longitude are required")
		return
	}
	if err := validateCoordinates(lat, lon); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	radius := s.cfg.NearbyRadiusKm
	if v := q.Get("radius"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			radius = f
		}
	}
	origin := models.Location{Lat: lat, Lon: lon}

	// Fast path through the Redis GEO index when it is wired; the
	// relational scan remains the fallback and the source of truth.
	if s.GeoIndex != nil && q.Get("specialization") == "" {
		if matches := s.GeoIndex.Nearby(r.Context(), origin, radius, s.cfg.NearbyLimit); len(matches) > 0 {
			out := make([]lifecycle.MechanicMatch, 0, len(matches))
			for _, m := range matches {
				p, err := s.Store.GetPerson(r.Context(), m.Candidate.ID)
				if err != nil {
					continue
				}
				out = append(out, lifecycle.MechanicMatch{
					Mechanic:   *p,
					DistanceKm: m.DistanceKm,
					ETAMinutes: geo.EstimatedTravelMinutes(m.DistanceKm, s.cfg.AvgSpeedKmh),
				})
			}
			if len(out) > 0 {
				writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(out), "mechanics": out})
				return
			}
		}
	}

	mechanics, err := s.Lifecycle.NearbyMechanics(r.Context(), origin, radius, q.Get("specialization"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(mechanics), "mechanics": mechanics})
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.Store.GetService(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "service": svc})
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MechanicID string `json:"mechanic_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.MechanicID == "" {
		writeError(w, http.StatusBadRequest, "mechanic_id is required")
		return
	}
	svc, err := s.Lifecycle.Assign(r.Context(), mux.Vars(r)["id"], body.MechanicID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "service": svc})
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	svc, err := s.Lifecycle.UpdateStatus(r.Context(), mux.Vars(r)["id"], body.Status)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "service": svc})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	// body is optional for cancel
	_ = json.NewDecoder(r.Body).Decode(&body)
	svc, err := s.Lifecycle.Cancel(r.Context(), mux.Vars(r)["id"], callerID(r.Context()), body.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "service": svc})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	if perPage < 1 {
		perPage = 10
	}
	services, err := s.Lifecycle.History(r.Context(), callerID(r.Context()), perPage, (page-1)*perPage)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"services": services,
		"pagination": map[string]any{
			"page": page, "per_page": perPage, "count": len(services),
		},
	})
}

func (s *Server) handleRespondAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.Lifecycle.RespondAlert(r.Context(), mux.Vars(r)["id"], callerID(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "alert": alert})
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Available bool `json:"available"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mechanicID := callerID(r.Context())
	if callerRole(r.Context()) != models.RoleMechanic {
		writeError(w, http.StatusForbidden, "only mechanics can set availability")
		return
	}
	p, err := s.Lifecycle.SetAvailabilityPreference(r.Context(), mechanicID, body.Available)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "mechanic": p})
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ServiceID string               `json:"service_id"`
		Amount    float64              `json:"amount"`
		Method    models.PaymentMethod `json:"payment_method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.ServiceID == "" {
		writeError(w, http.StatusBadRequest, "service_id is required")
		return
	}
	pay, err := s.Payments.Create(r.Context(), callerID(r.Context()), body.ServiceID, body.Amount, body.Method)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "payment": pay})
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	pay, err := s.Payments.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if pay.UserID != callerID(r.Context()) && callerRole(r.Context()) != models.RoleAdmin {
		writeError(w, http.StatusForbidden, "not your payment")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "payment": pay})
}

func (s *Server) handleUpdatePaymentStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.PaymentStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pay, err := s.Payments.UpdateStatus(r.Context(), mux.Vars(r)["id"], body.Status)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "payment": pay})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	unread := r.URL.Query().Get("unread") == "true"
	list, err := s.Store.ListNotifications(r.Context(), callerID(r.Context()), unread)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(list), "notifications": list})
}

func (s *Server) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.Store.MarkNotificationRead(r.Context(), mux.Vars(r)["id"], callerID(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "notification": n})
}

func (s *Server) handleMechanicLocation(w http.ResponseWriter, r *http.Request) {
	var u ingest.LocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if u.MechanicID == "" {
		writeError(w, http.StatusBadRequest, "mechanic_id is required")
		return
	}
	if err := validateCoordinates(u.Location.Lat, u.Location.Lon); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now().UTC()
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(u); err != nil {
			s.logger.Warn("kafka publish failed", "mechanic_id", u.MechanicID, "error", err)
		}
	} else if s.GeoIndex != nil {
		if err := s.GeoIndex.Upsert(r.Context(), u.MechanicID, u.Location, u.Available); err != nil {
			s.logger.Warn("geo index upsert failed", "mechanic_id", u.MechanicID, "error", err)
		}
	}
	// keep the relational profile location current for the fallback scan
	loc := u.Location
	_, err := s.Store.MutateMechanic(r.Context(), u.MechanicID, func(p *models.Person, _ int) error {
		p.Mechanic.Location = &loc
		p.Mechanic.Updated = u.Timestamp
		return nil
	})
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["mechanic_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		s.logger.Warn("ws upgrade failed", "mechanic_id", id, "error", err)
		return
	}
	s.WSReg.Add(id, conn)
	go s.wsReadPump(id, conn)
}

// wsReadPump drains the connection so client disconnects are noticed
// and the session leaves the registry instead of lingering until a
// failed broadcast.
func (s *Server) wsReadPump(id string, conn *websocket.Conn) {
	defer func() {
		s.WSReg.Remove(id)
		conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func validateCoordinates(lat, lon float64) error {
	if lat < -90 || lat > 90 {
		return &models.ValidationError{Field: "latitude", Reason: "must be between -90 and 90"}
	}
	if lon < -180 || lon > 180 {
		return &models.ValidationError{Field: "longitude", Reason: "must be between -180 and 180"}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}

// writeDomainError maps the core taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var ve *models.ValidationError
	var se *models.StorageError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, models.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "unauthorized")
	case errors.As(err, &se):
		writeError(w, http.StatusInternalServerError, "storage error")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
