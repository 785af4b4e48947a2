package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/storage"
)

type fakeNotifier struct {
	mu        sync.Mutex
	requested int
	assigned  int
	emergency int
	err       error
}

func (f *fakeNotifier) ServiceRequested(ctx context.Context, requester *models.Person, svc *models.ServiceRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested++
	return f.err
}

func (f *fakeNotifier) MechanicAssigned(ctx context.Context, requester, mechanic *models.Person, svc *models.ServiceRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigned++
	return f.err
}

func (f *fakeNotifier) EmergencyRaised(ctx context.Context, alert *models.EmergencyAlert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emergency++
	return f.err
}

func newTestService(t *testing.T) (*Service, *storage.MemoryStore, *fakeNotifier) {
	t.Helper()
	store := storage.NewMemoryStore()
	notifier := &fakeNotifier{}
	svc := &Service{Store: store, Notifier: notifier, NearbyRadiusKm: 10, NearbyLimit: 5}
	ctx := context.Background()
	driver := &models.Person{
		ID: "driver1", Name: "Dan", Email: "dan@example.com", Phone: "0700000001",
		Role: models.RoleDriver, Active: true, Created: time.Now(),
		Driver: &models.DriverProfile{VehicleInfo: "Toyota Vitz"},
	}
	mech := &models.Person{
		ID: "mech1", Name: "Mary", Email: "mary@example.com", Phone: "0700000002",
		Role: models.RoleMechanic, Active: true, Created: time.Now(),
		Mechanic: &models.MechanicProfile{
			Available:       true,
			Location:        &models.Location{Lat: 0, Lon: 0.01},
			Specializations: []string{"engine"},
			ServiceRadiusKm: 10,
			Rating:          4.5,
		},
	}
	if err := store.CreatePerson(ctx, driver); err != nil {
		t.Fatal(err)
	}
	if err := store.CreatePerson(ctx, mech); err != nil {
		t.Fatal(err)
	}
	return svc, store, notifier
}

func TestCreateBreakdownSpawnsAlert(t *testing.T) {
	svc, store, notifier := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "driver1", models.TypeBreakdown, models.Location{Lat: 0, Lon: 0}, CreateParams{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != models.StatusPending {
		t.Fatalf("expected pending, got %s", created.Status)
	}
	if created.AssignedMechanicID != "" {
		t.Fatalf("new request must have no mechanic")
	}
	if created.Priority != models.PriorityMedium {
		t.Fatalf("expected default medium priority, got %s", created.Priority)
	}

	alert, err := store.GetAlertByService(ctx, created.ID)
	if err != nil {
		t.Fatalf("expected exactly one alert for the breakdown: %v", err)
	}
	if alert.Priority != models.PriorityHigh {
		t.Fatalf("alert priority must be forced high, got %s", alert.Priority)
	}
	if alert.Status != models.AlertActive {
		t.Fatalf("new alert must be active, got %s", alert.Status)
	}
	if notifier.requested != 1 || notifier.emergency != 1 {
		t.Fatalf("expected request+emergency notifications, got %d/%d", notifier.requested, notifier.emergency)
	}
}

func TestCreateNonBreakdownHasNoAlert(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	created, err := svc.Create(ctx, "driver1", models.TypeTowing, models.Location{Lat: 0, Lon: 0}, CreateParams{Priority: models.PriorityLow})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.GetAlertByService(ctx, created.ID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("towing must not spawn an alert, got %v", err)
	}
}

func TestCreateRejectsUnknownType(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Create(context.Background(), "driver1", "teleportation", models.Location{}, CreateParams{})
	var ve *models.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Field != "service_type" {
		t.Fatalf("expected service_type field context, got %q", ve.Field)
	}
}

func TestCreateSurvivesNotifierFailure(t *testing.T) {
	svc, _, notifier := newTestService(t)
	notifier.err = errors.New("smtp down")
	created, err := svc.Create(context.Background(), "driver1", models.TypeBreakdown, models.Location{}, CreateParams{})
	if err != nil {
		t.Fatalf("notifier failure must not fail create: %v", err)
	}
	if created.Status != models.StatusPending {
		t.Fatalf("unexpected status %s", created.Status)
	}
}

func TestAssignFlipsAvailability(t *testing.T) {
	svc, store, notifier := newTestService(t)
	ctx := context.Background()
	created, _ := svc.Create(ctx, "driver1", models.TypeTowing, models.Location{}, CreateParams{})

	got, err := svc.Assign(ctx, created.ID, "mech1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.Status != models.StatusAccepted {
		t.Fatalf("expected accepted, got %s", got.Status)
	}
	if got.AssignedMechanicID != "mech1" || got.AssignedAt == nil {
		t.Fatalf("assignment fields not set: %+v", got)
	}
	mech, _ := store.GetPerson(ctx, "mech1")
	if mech.Mechanic.Available {
		t.Fatalf("mechanic must be unavailable after assignment")
	}
	if notifier.assigned != 1 {
		t.Fatalf("expected assignment notification, got %d", notifier.assigned)
	}
}

func TestAssignConflictsWhenNotPending(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	created, _ := svc.Create(ctx, "driver1", models.TypeTowing, models.Location{}, CreateParams{})
	if _, err := svc.Assign(ctx, created.ID, "mech1"); err != nil {
		t.Fatal(err)
	}
	_, err := svc.Assign(ctx, created.ID, "mech1")
	if !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected ErrConflict for second assign, got %v", err)
	}
}

func TestAssignRaceOnlyOneWinner(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	created, _ := svc.Create(ctx, "driver1", models.TypeTowing, models.Location{}, CreateParams{})

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Assign(ctx, created.ID, "mech1")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, models.ErrConflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestAssignUnknownMechanic(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	created, _ := svc.Create(ctx, "driver1", models.TypeTowing, models.Location{}, CreateParams{})
	if _, err := svc.Assign(ctx, created.ID, "nobody"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateStatusCompletedFreesMechanic(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	created, _ := svc.Create(ctx, "driver1", models.TypeTowing, models.Location{}, CreateParams{})
	if _, err := svc.Assign(ctx, created.ID, "mech1"); err != nil {
		t.Fatal(err)
	}

	got, err := svc.UpdateStatus(ctx, created.ID, models.StatusCompleted)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Status != models.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("completed fields not set: %+v", got)
	}
	mech, _ := store.GetPerson(ctx, "mech1")
	if !mech.Mechanic.Available {
		t.Fatalf("mechanic must return to available on completion")
	}
}

func TestUpdateStatusRejectsUnknownValueAndLeavesRecord(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	created, _ := svc.Create(ctx, "driver1", models.TypeTowing, models.Location{}, CreateParams{})

	_, err := svc.UpdateStatus(ctx, created.ID, "flying")
	var ve *models.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	after, _ := store.GetService(ctx, created.ID)
	if after.Status != models.StatusPending || !after.UpdatedAt.Equal(created.UpdatedAt) {
		t.Fatalf("record changed after invalid status: %+v", after)
	}
}

func TestUpdateStatusIllegalTransitions(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		prep []models.Status
		to   models.Status
	}{
		{"backward from in_progress", []models.Status{models.StatusAccepted, models.StatusInProgress}, models.StatusAccepted},
		{"same status", []models.Status{models.StatusAccepted}, models.StatusAccepted},
		{"after completed", []models.Status{models.StatusAccepted, models.StatusCompleted}, models.StatusInProgress},
		{"after cancelled", []models.Status{models.StatusCancelled}, models.StatusAccepted},
	}
	for _, c := range cases {
		created, _ := svc.Create(ctx, "driver1", models.TypeTowing, models.Location{}, CreateParams{})
		for _, st := range c.prep {
			if _, err := svc.UpdateStatus(ctx, created.ID, st); err != nil {
				t.Fatalf("%s: prep %s failed: %v", c.name, st, err)
			}
		}
		if _, err := svc.UpdateStatus(ctx, created.ID, c.to); !errors.Is(err, models.ErrConflict) {
			t.Fatalf("%s: expected ErrConflict, got %v", c.name, err)
		}
	}
}

func TestUpdateStatusSkipForwardIsLegal(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	created, _ := svc.Create(ctx, "driver1", models.TypeTowing, models.Location{}, CreateParams{})
	if _, err := svc.Assign(ctx, created.ID, "mech1"); err != nil {
		t.Fatal(err)
	}
	// accepted straight to completed, skipping in_progress
	got, err := svc.UpdateStatus(ctx, created.ID, models.StatusCompleted)
	if err != nil {
		t.Fatalf("forward skip must be legal: %v", err)
	}
	if got.CompletedAt == nil {
		t.Fatal("completedAt not set")
	}
}

func TestCancelAuthorizationAndTerminalConflict(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	created, _ := svc.Create(ctx, "driver1", models.TypeTowing, models.Location{}, CreateParams{})

	if _, err := svc.Cancel(ctx, created.ID, "someone-else", "nope"); !errors.Is(err, models.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-owner, got %v", err)
	}

	if _, err := svc.UpdateStatus(ctx, created.ID, models.StatusAccepted); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.UpdateStatus(ctx, created.ID, models.StatusCompleted); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Cancel(ctx, created.ID, "driver1", "too late"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("expected ErrConflict on completed, got %v", err)
	}
}

func TestCancelStoresReasonAndFreesMechanic(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	created, _ := svc.Create(ctx, "driver1", models.TypeTowing, models.Location{}, CreateParams{})
	if _, err := svc.Assign(ctx, created.ID, "mech1"); err != nil {
		t.Fatal(err)
	}

	got, err := svc.Cancel(ctx, created.ID, "driver1", "fixed it myself")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != models.StatusCancelled || got.CancelledAt == nil || got.CancellationReason != "fixed it myself" {
		t.Fatalf("cancel fields not set: %+v", got)
	}
	mech, _ := store.GetPerson(ctx, "mech1")
	if !mech.Mechanic.Available {
		t.Fatalf("mechanic must return to available on cancellation")
	}
}

func TestSetAvailabilityPreferenceGuardsActiveAssignment(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	created, _ := svc.Create(ctx, "driver1", models.TypeTowing, models.Location{}, CreateParams{})
	if _, err := svc.Assign(ctx, created.ID, "mech1"); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.SetAvailabilityPreference(ctx, "mech1", true); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("going available mid-assignment must conflict, got %v", err)
	}
	// going unavailable is always allowed
	if _, err := svc.SetAvailabilityPreference(ctx, "mech1", false); err != nil {
		t.Fatalf("going unavailable: %v", err)
	}

	if _, err := svc.UpdateStatus(ctx, created.ID, models.StatusCompleted); err != nil {
		t.Fatal(err)
	}
	p, err := svc.SetAvailabilityPreference(ctx, "mech1", true)
	if err != nil {
		t.Fatalf("going available after completion: %v", err)
	}
	if !p.Mechanic.Available {
		t.Fatal("availability not applied")
	}
}

func TestNearbyMechanicsRanksAndAnnotates(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	far := &models.Person{
		ID: "mech2", Name: "Fred", Email: "fred@example.com", Phone: "0700000003",
		Role: models.RoleMechanic, Active: true,
		Mechanic: &models.MechanicProfile{Available: true, Location: &models.Location{Lat: 0, Lon: 0.05}},
	}
	noloc := &models.Person{
		ID: "mech3", Name: "Nina", Email: "nina@example.com", Phone: "0700000004",
		Role: models.RoleMechanic, Active: true,
		Mechanic: &models.MechanicProfile{Available: true},
	}
	if err := store.CreatePerson(ctx, far); err != nil {
		t.Fatal(err)
	}
	if err := store.CreatePerson(ctx, noloc); err != nil {
		t.Fatal(err)
	}

	got, err := svc.NearbyMechanics(ctx, models.Location{Lat: 0, Lon: 0}, 10, "")
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 mechanics (no-location skipped), got %d", len(got))
	}
	if got[0].Mechanic.ID != "mech1" || got[1].Mechanic.ID != "mech2" {
		t.Fatalf("wrong order: %s, %s", got[0].Mechanic.ID, got[1].Mechanic.ID)
	}
	if got[0].DistanceKm <= 0 || got[0].ETAMinutes <= 0 {
		t.Fatalf("annotations missing: %+v", got[0])
	}
	if got[0].DistanceKm >= got[1].DistanceKm {
		t.Fatalf("not sorted ascending: %f >= %f", got[0].DistanceKm, got[1].DistanceKm)
	}
}

func TestNearbyMechanicsSpecializationFilter(t *testing.T) {
	svc, _, _ := newTestService(t)
	got, err := svc.NearbyMechanics(context.Background(), models.Location{Lat: 0, Lon: 0}, 10, "tyres")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("mech1 specializes in engine, not tyres; got %d", len(got))
	}
}

func TestRespondAlert(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	created, _ := svc.Create(ctx, "driver1", models.TypeBreakdown, models.Location{}, CreateParams{})
	alert, _ := store.GetAlertByService(ctx, created.ID)

	got, err := svc.RespondAlert(ctx, alert.ID, "mech1")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if got.Status != models.AlertResponded || got.RespondedAt == nil || got.RespondedBy != "mech1" {
		t.Fatalf("respond fields not set: %+v", got)
	}
	if _, err := svc.RespondAlert(ctx, alert.ID, "mech2"); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("second respond must conflict, got %v", err)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	first, _ := svc.Create(ctx, "driver1", models.TypeTowing, models.Location{}, CreateParams{})
	time.Sleep(5 * time.Millisecond)
	second, _ := svc.Create(ctx, "driver1", models.TypeLockout, models.Location{}, CreateParams{})

	got, err := svc.History(ctx, "driver1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != second.ID || got[1].ID != first.ID {
		t.Fatalf("history order wrong: %+v", got)
	}
}
