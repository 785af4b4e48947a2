package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
)

// TransitionFunc mutates a service request under the store's per-id
// serialization. Returning an error aborts the transition and leaves
// the record untouched. A non-nil AvailabilityChange is applied to the
// mechanic's profile in the same transaction.
type TransitionFunc func(svc *models.ServiceRequest) (*AvailabilityChange, error)

type AvailabilityChange struct {
	MechanicID string
	Available  bool
}

// MechanicMutation runs against a mechanic row with the count of their
// non-terminal assignments, computed in the same transaction.
type MechanicMutation func(p *models.Person, activeAssignments int) error

// Store defines persistence for the dispatch core. Implementations must
// serialize Transition calls per service id so that concurrent callers
// cannot both observe the same starting status.
type Store interface {
	CreateServiceWithAlert(ctx context.Context, svc *models.ServiceRequest, alert *models.EmergencyAlert) error
	GetService(ctx context.Context, id string) (*models.ServiceRequest, error)
	ListServicesByRequester(ctx context.Context, requesterID string, limit, offset int) ([]models.ServiceRequest, error)
	Transition(ctx context.Context, serviceID string, fn TransitionFunc) (*models.ServiceRequest, error)

	CreatePerson(ctx context.Context, p *models.Person) error
	GetPerson(ctx context.Context, id string) (*models.Person, error)
	ListAvailableMechanics(ctx context.Context) ([]models.Person, error)
	MutateMechanic(ctx context.Context, mechanicID string, fn MechanicMutation) (*models.Person, error)

	GetAlert(ctx context.Context, id string) (*models.EmergencyAlert, error)
	GetAlertByService(ctx context.Context, serviceID string) (*models.EmergencyAlert, error)
	TransitionAlert(ctx context.Context, id string, fn func(*models.EmergencyAlert) error) (*models.EmergencyAlert, error)

	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	MutatePayment(ctx context.Context, id string, fn func(*models.Payment) error) (*models.Payment, error)

	CreateNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, recipientID string, unreadOnly bool) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id, recipientID string) (*models.Notification, error)
}

// MemoryStore keeps everything behind one mutex. Good for tests and
// local runs; the mutex gives the same per-id serialization the
// Postgres implementation gets from row locks.
type MemoryStore struct {
	mu            sync.Mutex
	services      map[string]*models.ServiceRequest
	people        map[string]*models.Person
	alerts        map[string]*models.EmergencyAlert
	payments      map[string]*models.Payment
	notifications map[string]*models.Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		services:      make(map[string]*models.ServiceRequest),
		people:        make(map[string]*models.Person),
		alerts:        make(map[string]*models.EmergencyAlert),
		payments:      make(map[string]*models.Payment),
		notifications: make(map[string]*models.Notification),
	}
}

func (m *MemoryStore) CreateServiceWithAlert(ctx context.Context, svc *models.ServiceRequest, alert *models.EmergencyAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *svc
	m.services[svc.ID] = &cp
	if alert != nil {
		ac := *alert
		m.alerts[alert.ID] = &ac
	}
	return nil
}

func (m *MemoryStore) GetService(ctx context.Context, id string) (*models.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *svc
	return &cp, nil
}

func (m *MemoryStore) ListServicesByRequester(ctx context.Context, requesterID string, limit, offset int) ([]models.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ServiceRequest, 0)
	for _, s := range m.services {
		if s.RequesterID == requesterID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Transition(ctx context.Context, serviceID string, fn TransitionFunc) (*models.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[serviceID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *svc
	change, err := fn(&cp)
	if err != nil {
		return nil, err
	}
	if change != nil {
		if p, ok := m.people[change.MechanicID]; ok && p.Mechanic != nil {
			p.Mechanic.Available = change.Available
		}
	}
	m.services[serviceID] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryStore) CreatePerson(ctx context.Context, p *models.Person) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := clonePerson(p)
	m.people[p.ID] = cp
	return nil
}

func (m *MemoryStore) GetPerson(ctx context.Context, id string) (*models.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.people[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return clonePerson(p), nil
}

func (m *MemoryStore) ListAvailableMechanics(ctx context.Context) ([]models.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Person, 0)
	for _, p := range m.people {
		if p.Role == models.RoleMechanic && p.Active && p.Mechanic != nil && p.Mechanic.Available {
			out = append(out, *clonePerson(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) MutateMechanic(ctx context.Context, mechanicID string, fn MechanicMutation) (*models.Person, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.people[mechanicID]
	if !ok || p.Role != models.RoleMechanic || p.Mechanic == nil {
		return nil, models.ErrNotFound
	}
	active := 0
	for _, s := range m.services {
		if s.AssignedMechanicID == mechanicID && !s.Status.Terminal() {
			active++
		}
	}
	cp := clonePerson(p)
	if err := fn(cp, active); err != nil {
		return nil, err
	}
	m.people[mechanicID] = cp
	return clonePerson(cp), nil
}

func (m *MemoryStore) GetAlert(ctx context.Context, id string) (*models.EmergencyAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetAlertByService(ctx context.Context, serviceID string) (*models.EmergencyAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.ServiceID == serviceID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *MemoryStore) TransitionAlert(ctx context.Context, id string, fn func(*models.EmergencyAlert) error) (*models.EmergencyAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *a
	if err := fn(&cp); err != nil {
		return nil, err
	}
	m.alerts[id] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) MutatePayment(ctx context.Context, id string, fn func(*models.Payment) error) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *p
	if err := fn(&cp); err != nil {
		return nil, err
	}
	m.payments[id] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.notifications[n.ID] = &cp
	return nil
}

func (m *MemoryStore) ListNotifications(ctx context.Context, recipientID string, unreadOnly bool) ([]models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Notification, 0)
	for _, n := range m.notifications {
		if n.RecipientID != recipientID {
			continue
		}
		if unreadOnly && n.Read {
			continue
		}
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) MarkNotificationRead(ctx context.Context, id, recipientID string) (*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if n.RecipientID != recipientID {
		return nil, models.ErrUnauthorized
	}
	if !n.Read {
		n.Read = true
		now := time.Now().UTC()
		n.ReadAt = &now
	}
	cp := *n
	return &cp, nil
}

func clonePerson(p *models.Person) *models.Person {
	cp := *p
	if p.Driver != nil {
		d := *p.Driver
		d.EmergencyContacts = append([]string(nil), p.Driver.EmergencyContacts...)
		cp.Driver = &d
	}
	if p.Mechanic != nil {
		mp := *p.Mechanic
		if p.Mechanic.Location != nil {
			loc := *p.Mechanic.Location
			mp.Location = &loc
		}
		mp.Specializations = append([]string(nil), p.Mechanic.Specializations...)
		cp.Mechanic = &mp
	}
	if p.Partner != nil {
		pp := *p.Partner
		cp.Partner = &pp
	}
	return &cp
}
