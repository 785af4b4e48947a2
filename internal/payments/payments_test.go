package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/storage"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store := storage.NewMemoryStore()
	now := time.Now().UTC()
	svc := &models.ServiceRequest{
		ID: "svc1", RequesterID: "driver1", Type: models.TypeTowing,
		Status: models.StatusCompleted, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.CreateServiceWithAlert(context.Background(), svc, nil); err != nil {
		t.Fatal(err)
	}
	return &Service{Store: store}
}

func TestMinorUnits(t *testing.T) {
	cases := []struct {
		amount float64
		want   int64
	}{
		{10.15, 1015}, // 10.15*100 is 1014.999... in float64
		{19.99, 1999},
		{0.1, 10},
		{100, 10000},
		{0.005, 1},
	}
	for _, c := range cases {
		if got := minorUnits(c.amount); got != c.want {
			t.Fatalf("minorUnits(%v) = %d, want %d", c.amount, got, c.want)
		}
	}
}

func TestCreateDefaultsAndValidation(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	var ve *models.ValidationError
	if _, err := s.Create(ctx, "driver1", "svc1", 0, ""); !errors.As(err, &ve) {
		t.Fatalf("zero amount must be rejected, got %v", err)
	}
	if _, err := s.Create(ctx, "driver1", "svc1", 50, "barter"); !errors.As(err, &ve) {
		t.Fatalf("unknown method must be rejected, got %v", err)
	}
	if _, err := s.Create(ctx, "driver1", "missing", 50, ""); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("unknown service must be ErrNotFound, got %v", err)
	}

	pay, err := s.Create(ctx, "driver1", "svc1", 50, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if pay.Method != models.MethodMpesa {
		t.Fatalf("empty method must default to mpesa, got %s", pay.Method)
	}
	if pay.Status != models.PaymentPending {
		t.Fatalf("new payment must be pending, got %s", pay.Status)
	}
}

func TestUpdateStatusRefundedIsFinal(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()
	pay, err := s.Create(ctx, "driver1", "svc1", 50, models.MethodCash)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.UpdateStatus(ctx, pay.ID, "teleported"); !errors.As(err, new(*models.ValidationError)) {
		t.Fatalf("unknown status must be rejected, got %v", err)
	}

	got, err := s.UpdateStatus(ctx, pay.ID, models.PaymentCompleted)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.CompletedAt == nil {
		t.Fatal("CompletedAt not set")
	}

	if _, err := s.UpdateStatus(ctx, pay.ID, models.PaymentRefunded); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if _, err := s.UpdateStatus(ctx, pay.ID, models.PaymentCompleted); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("refunded payment must stay refunded, got %v", err)
	}
}
