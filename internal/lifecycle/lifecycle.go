package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
	"github.com/example/roadside-dispatch/internal/storage"
)

// Notifier delivers best-effort messages after a successful transition.
// Failures are logged and never roll back the transition.
type Notifier interface {
	ServiceRequested(ctx context.Context, requester *models.Person, svc *models.ServiceRequest) error
	MechanicAssigned(ctx context.Context, requester, mechanic *models.Person, svc *models.ServiceRequest) error
	EmergencyRaised(ctx context.Context, alert *models.EmergencyAlert) error
}

// Service owns every status transition of a ServiceRequest and the
// mechanic-availability side effects tied to them. Callers never toggle
// availability directly; that is what keeps a mechanic from being stuck
// unavailable when a request reaches a terminal state.
type Service struct {
	Store    storage.Store
	Notifier Notifier     // optional
	Logger   *slog.Logger // optional

	NearbyRadiusKm float64 // default 10
	NearbyLimit    int     // default 5
	AvgSpeedKmh    float64 // default geo.DefaultSpeedKmh
}

// CreateParams carries the optional fields of a service request.
type CreateParams struct {
	Description   string
	Priority      models.Priority
	VehicleInfo   string
	PriceEstimate float64
}

// Create opens a new pending request. A breakdown also writes its
// EmergencyAlert in the same transaction: both rows or neither.
func (s *Service) Create(ctx context.Context, requesterID string, serviceType models.ServiceType, loc models.Location, params CreateParams) (*models.ServiceRequest, error) {
	if requesterID == "" {
		return nil, &models.ValidationError{Field: "requester_id", Reason: "required"}
	}
	if !serviceType.Valid() {
		return nil, &models.ValidationError{Field: "service_type", Reason: fmt.Sprintf("unknown type %q", serviceType)}
	}
	priority := params.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}

	now := time.Now().UTC()
	svc := &models.ServiceRequest{
		ID:            newID(),
		RequesterID:   requesterID,
		Type:          serviceType,
		Location:      loc,
		VehicleInfo:   params.VehicleInfo,
		Description:   params.Description,
		Status:        models.StatusPending,
		Priority:      priority,
		PriceEstimate: params.PriceEstimate,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var alert *models.EmergencyAlert
	if serviceType == models.TypeBreakdown {
		alert = &models.EmergencyAlert{
			ID:        newID(),
			ServiceID: svc.ID,
			UserID:    requesterID,
			Location:  loc,
			Priority:  models.PriorityHigh,
			Status:    models.AlertActive,
			CreatedAt: now,
		}
	}

	if err := s.Store.CreateServiceWithAlert(ctx, svc, alert); err != nil {
		return nil, err
	}
	observability.RequestsCreated.WithLabelValues(string(serviceType)).Inc()
	if alert != nil {
		observability.EmergencyAlerts.Inc()
	}

	if s.Notifier != nil {
		requester, err := s.Store.GetPerson(ctx, requesterID)
		if err == nil {
			if err := s.Notifier.ServiceRequested(ctx, requester, svc); err != nil {
				s.logWarn("notify service requested failed", "service_id", svc.ID, "error", err)
			}
		}
		if alert != nil {
			if err := s.Notifier.EmergencyRaised(ctx, alert); err != nil {
				s.logWarn("notify emergency failed", "alert_id", alert.ID, "error", err)
			}
		}
	}
	return svc, nil
}

// Assign hands a pending request to a mechanic. The mechanic's
// availability flips to false inside the same transaction. Availability
// and range are deliberately not re-checked here; callers are expected
// to have filtered candidates through NearbyMechanics first.
func (s *Service) Assign(ctx context.Context, serviceID, mechanicID string) (*models.ServiceRequest, error) {
	mechanic, err := s.Store.GetPerson(ctx, mechanicID)
	if err != nil {
		return nil, err
	}
	if mechanic.Role != models.RoleMechanic || mechanic.Mechanic == nil {
		return nil, models.ErrNotFound
	}

	svc, err := s.Store.Transition(ctx, serviceID, func(svc *models.ServiceRequest) (*storage.AvailabilityChange, error) {
		if svc.Status != models.StatusPending {
			return nil, alreadyErr(svc.Status)
		}
		now := time.Now().UTC()
		svc.Status = models.StatusAccepted
		svc.AssignedMechanicID = mechanicID
		svc.AssignedAt = &now
		svc.UpdatedAt = now
		return &storage.AvailabilityChange{MechanicID: mechanicID, Available: false}, nil
	})
	if err != nil {
		return nil, err
	}
	observability.Assignments.Inc()
	observability.MechanicsAvailable.Dec()

	if s.Notifier != nil {
		requester, err := s.Store.GetPerson(ctx, svc.RequesterID)
		if err == nil {
			if err := s.Notifier.MechanicAssigned(ctx, requester, mechanic, svc); err != nil {
				s.logWarn("notify assignment failed", "service_id", svc.ID, "error", err)
			}
		}
	}
	return svc, nil
}

// UpdateStatus moves a request forward along the status order, or to
// cancelled from any non-terminal state. Reaching a terminal state
// frees the assigned mechanic in the same transaction.
func (s *Service) UpdateStatus(ctx context.Context, serviceID string, newStatus models.Status) (*models.ServiceRequest, error) {
	if !newStatus.Valid() {
		return nil, &models.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", newStatus)}
	}
	svc, err := s.Store.Transition(ctx, serviceID, func(svc *models.ServiceRequest) (*storage.AvailabilityChange, error) {
		if svc.Status.Terminal() {
			return nil, alreadyErr(svc.Status)
		}
		if !canTransition(svc.Status, newStatus) {
			return nil, fmt.Errorf("cannot move %s to %s: %w", svc.Status, newStatus, models.ErrConflict)
		}
		now := time.Now().UTC()
		svc.Status = newStatus
		svc.UpdatedAt = now
		switch newStatus {
		case models.StatusCompleted:
			svc.CompletedAt = &now
		case models.StatusCancelled:
			svc.CancelledAt = &now
		}
		if newStatus.Terminal() && svc.AssignedMechanicID != "" {
			return &storage.AvailabilityChange{MechanicID: svc.AssignedMechanicID, Available: true}, nil
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if svc.Status.Terminal() && svc.AssignedMechanicID != "" {
		observability.MechanicsAvailable.Inc()
	}
	return svc, nil
}

// Cancel is the requester-facing cancellation. Only the original
// requester may cancel, and only before a terminal state.
func (s *Service) Cancel(ctx context.Context, serviceID, requesterID, reason string) (*models.ServiceRequest, error) {
	svc, err := s.Store.Transition(ctx, serviceID, func(svc *models.ServiceRequest) (*storage.AvailabilityChange, error) {
		if svc.RequesterID != requesterID {
			return nil, models.ErrUnauthorized
		}
		if svc.Status.Terminal() {
			return nil, alreadyErr(svc.Status)
		}
		now := time.Now().UTC()
		svc.Status = models.StatusCancelled
		svc.CancelledAt = &now
		svc.CancellationReason = reason
		svc.UpdatedAt = now
		if svc.AssignedMechanicID != "" {
			return &storage.AvailabilityChange{MechanicID: svc.AssignedMechanicID, Available: true}, nil
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if svc.AssignedMechanicID != "" {
		observability.MechanicsAvailable.Inc()
	}
	return svc, nil
}

// MechanicMatch is a ranked candidate for an open request.
type MechanicMatch struct {
	Mechanic   models.Person `json:"mechanic"`
	DistanceKm float64       `json:"distance_km"`
	ETAMinutes int           `json:"eta_minutes"`
}

// NearbyMechanics ranks active, available mechanics around origin.
// Mechanics without a known location are skipped.
func (s *Service) NearbyMechanics(ctx context.Context, origin models.Location, radiusKm float64, specialization string) ([]MechanicMatch, error) {
	if radiusKm <= 0 {
		radiusKm = s.NearbyRadiusKm
	}
	if radiusKm <= 0 {
		radiusKm = 10
	}
	mechanics, err := s.Store.ListAvailableMechanics(ctx)
	if err != nil {
		return nil, err
	}
	cands := make([]geo.Candidate, 0, len(mechanics))
	for i := range mechanics {
		m := mechanics[i]
		if specialization != "" && !hasSpecialization(m.Mechanic, specialization) {
			continue
		}
		cands = append(cands, geo.Candidate{ID: m.ID, Loc: m.Mechanic.Location, Payload: m})
	}
	matches := geo.FindNearby(origin, cands, radiusKm)
	limit := s.NearbyLimit
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]MechanicMatch, 0, len(matches))
	for _, m := range matches {
		out = append(out, MechanicMatch{
			Mechanic:   m.Candidate.Payload.(models.Person),
			DistanceKm: m.DistanceKm,
			ETAMinutes: geo.EstimatedTravelMinutes(m.DistanceKm, s.AvgSpeedKmh),
		})
	}
	return out, nil
}

// SetAvailabilityPreference is the mechanic's own toggle. Going
// available is refused while a non-terminal assignment is still held,
// so the lifecycle stays the sole owner of the flag during a job.
func (s *Service) SetAvailabilityPreference(ctx context.Context, mechanicID string, available bool) (*models.Person, error) {
	var changed bool
	p, err := s.Store.MutateMechanic(ctx, mechanicID, func(p *models.Person, activeAssignments int) error {
		if available && activeAssignments > 0 {
			return fmt.Errorf("mechanic holds %d active assignment(s): %w", activeAssignments, models.ErrConflict)
		}
		changed = p.Mechanic.Available != available
		p.Mechanic.Available = available
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		if available {
			observability.MechanicsAvailable.Inc()
		} else {
			observability.MechanicsAvailable.Dec()
		}
	}
	return p, nil
}

// History returns the requester's service requests, newest first.
func (s *Service) History(ctx context.Context, requesterID string, limit, offset int) ([]models.ServiceRequest, error) {
	return s.Store.ListServicesByRequester(ctx, requesterID, limit, offset)
}

// RespondAlert marks an active emergency alert as responded.
func (s *Service) RespondAlert(ctx context.Context, alertID, responderID string) (*models.EmergencyAlert, error) {
	return s.Store.TransitionAlert(ctx, alertID, func(a *models.EmergencyAlert) error {
		if a.Status != models.AlertActive {
			return fmt.Errorf("alert already %s: %w", a.Status, models.ErrConflict)
		}
		now := time.Now().UTC()
		a.Status = models.AlertResponded
		a.RespondedAt = &now
		a.RespondedBy = responderID
		return nil
	})
}

// statusRank orders the forward path; cancellation is handled apart.
var statusRank = map[models.Status]int{
	models.StatusPending:    0,
	models.StatusAccepted:   1,
	models.StatusInProgress: 2,
	models.StatusCompleted:  3,
}

func canTransition(from, to models.Status) bool {
	if to == models.StatusCancelled {
		return !from.Terminal()
	}
	if from == models.StatusCancelled {
		return false
	}
	return statusRank[to] > statusRank[from]
}

func hasSpecialization(mp *models.MechanicProfile, want string) bool {
	if mp == nil {
		return false
	}
	for _, s := range mp.Specializations {
		if s == want {
			return true
		}
	}
	return false
}

func alreadyErr(status models.Status) error {
	return fmt.Errorf("service already %s: %w", status, models.ErrConflict)
}

func (s *Service) logWarn(msg string, args ...any) {
	if s.Logger != nil {
		s.Logger.Warn(msg, args...)
	}
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
