package payments

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/storage"
)

// Service manages passive payment records for completed work. Card
// payments optionally place a Stripe hold; every other method is a
// plain status holder updated by the caller.
type Service struct {
	Store  storage.Store
	Stripe *StripeClient // optional
	Logger *slog.Logger  // optional
}

func (s *Service) Create(ctx context.Context, userID, serviceID string, amount float64, method models.PaymentMethod) (*models.Payment, error) {
	if amount <= 0 {
		return nil, &models.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	switch method {
	case models.MethodMpesa, models.MethodCard, models.MethodCash:
	case "":
		method = models.MethodMpesa
	default:
		return nil, &models.ValidationError{Field: "payment_method", Reason: fmt.Sprintf("unknown method %q", method)}
	}
	if _, err := s.Store.GetService(ctx, serviceID); err != nil {
		return nil, err
	}

	pay := &models.Payment{
		ID:        newID(),
		ServiceID: serviceID,
		UserID:    userID,
		Amount:    amount,
		Method:    method,
		Status:    models.PaymentPending,
		CreatedAt: time.Now().UTC(),
	}

	if method == models.MethodCard && s.Stripe != nil {
		txid, err := s.Stripe.Hold(ctx, minorUnits(amount), "usd", userID)
		if err != nil {
			pay.Status = models.PaymentFailed
			if s.Logger != nil {
				s.Logger.Warn("stripe hold failed", "service_id", serviceID, "error", err)
			}
		} else {
			pay.TransactionID = txid
		}
	}

	if err := s.Store.CreatePayment(ctx, pay); err != nil {
		return nil, err
	}
	return pay, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Payment, error) {
	return s.Store.GetPayment(ctx, id)
}

func (s *Service) UpdateStatus(ctx context.Context, id string, status models.PaymentStatus) (*models.Payment, error) {
	if !status.Valid() {
		return nil, &models.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	return s.Store.MutatePayment(ctx, id, func(p *models.Payment) error {
		if p.Status == models.PaymentRefunded {
			return fmt.Errorf("payment already refunded: %w", models.ErrConflict)
		}
		p.Status = status
		if status == models.PaymentCompleted {
			now := time.Now().UTC()
			p.CompletedAt = &now
			if p.Method == models.MethodCard && s.Stripe != nil && p.TransactionID != "" {
				if err := s.Stripe.Capture(ctx, p.TransactionID); err != nil && s.Logger != nil {
					s.Logger.Warn("stripe capture failed", "payment_id", p.ID, "error", err)
				}
			}
		}
		return nil
	})
}

// minorUnits converts a major-unit amount to the integer minor units
// Stripe expects. Rounded, not truncated: 10.15*100 is 1014.999... in
// float64.
func minorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
