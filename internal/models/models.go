package models

import "time"

// Location is a geographic point plus free-form address metadata.
type Location struct {
	Lat     float64 `json:"latitude"`
	Lon     float64 `json:"longitude"`
	Address string  `json:"address,omitempty"`
}

type ServiceType string

const (
	TypeBreakdown        ServiceType = "breakdown"
	TypeTowing           ServiceType = "towing"
	TypeFuelDelivery     ServiceType = "fuel_delivery"
	TypeTyreChange       ServiceType = "tyre_change"
	TypeBatteryJump      ServiceType = "battery_jump"
	TypeLockout          ServiceType = "lockout"
	TypeMechanicDispatch ServiceType = "mechanic_dispatch"
)

var ServiceTypes = []ServiceType{
	TypeBreakdown, TypeTowing, TypeFuelDelivery, TypeTyreChange,
	TypeBatteryJump, TypeLockout, TypeMechanicDispatch,
}

func (t ServiceType) Valid() bool {
	for _, v := range ServiceTypes {
		if t == v {
			return true
		}
	}
	return false
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var Statuses = []Status{StatusPending, StatusAccepted, StatusInProgress, StatusCompleted, StatusCancelled}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ServiceRequest is one roadside-assistance unit of work. Rows are never
// deleted; terminal requests remain as history.
type ServiceRequest struct {
	ID                 string      `json:"id"`
	RequesterID        string      `json:"requester_id"`
	Type               ServiceType `json:"service_type"`
	Location           Location    `json:"location"`
	VehicleInfo        string      `json:"vehicle_info,omitempty"`
	Description        string      `json:"description,omitempty"`
	Status             Status      `json:"status"`
	Priority           Priority    `json:"priority"`
	AssignedMechanicID string      `json:"assigned_mechanic_id,omitempty"`
	PriceEstimate      float64     `json:"price_estimate,omitempty"`
	FinalPrice         float64     `json:"final_price,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
	AssignedAt         *time.Time  `json:"assigned_at,omitempty"`
	CompletedAt        *time.Time  `json:"completed_at,omitempty"`
	CancelledAt        *time.Time  `json:"cancelled_at,omitempty"`
	CancellationReason string      `json:"cancellation_reason,omitempty"`
}

type Role string

const (
	RoleDriver   Role = "driver"
	RoleMechanic Role = "mechanic"
	RolePartner  Role = "partner"
	RoleAdmin    Role = "admin"
)

// Person is the identity core shared by every role. Exactly one profile
// pointer is set, selected by Role.
type Person struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Email   string    `json:"email"`
	Phone   string    `json:"phone"`
	Role    Role      `json:"role"`
	Active  bool      `json:"active"`
	Created time.Time `json:"created_at"`

	Driver   *DriverProfile   `json:"driver,omitempty"`
	Mechanic *MechanicProfile `json:"mechanic,omitempty"`
	Partner  *PartnerProfile  `json:"partner,omitempty"`
}

type DriverProfile struct {
	VehicleInfo       string   `json:"vehicle_info,omitempty"`
	EmergencyContacts []string `json:"emergency_contacts,omitempty"`
}

type MechanicProfile struct {
	Available       bool      `json:"available"`
	Location        *Location `json:"location,omitempty"`
	Specializations []string  `json:"specializations,omitempty"`
	ServiceRadiusKm float64   `json:"service_radius_km"`
	Rating          float64   `json:"rating"` // 0..5
	HourlyRate      float64   `json:"hourly_rate,omitempty"`
	Updated         time.Time `json:"updated,omitempty"`
}

type PartnerProfile struct {
	CompanyName string `json:"company_name"`
	PartnerType string `json:"partner_type,omitempty"`
	FleetSize   int    `json:"fleet_size,omitempty"`
}

type AlertStatus string

const (
	AlertActive    AlertStatus = "active"
	AlertResponded AlertStatus = "responded"
)

// EmergencyAlert is the high-priority side record created 1:1 with a
// breakdown ServiceRequest.
type EmergencyAlert struct {
	ID          string      `json:"id"`
	ServiceID   string      `json:"service_id"`
	UserID      string      `json:"user_id"`
	Location    Location    `json:"location"`
	Priority    Priority    `json:"priority"`
	Status      AlertStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	RespondedAt *time.Time  `json:"responded_at,omitempty"`
	RespondedBy string      `json:"responded_by,omitempty"`
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

var PaymentStatuses = []PaymentStatus{PaymentPending, PaymentCompleted, PaymentFailed, PaymentRefunded}

func (s PaymentStatus) Valid() bool {
	for _, v := range PaymentStatuses {
		if s == v {
			return true
		}
	}
	return false
}

type PaymentMethod string

const (
	MethodMpesa PaymentMethod = "mpesa"
	MethodCard  PaymentMethod = "card"
	MethodCash  PaymentMethod = "cash"
)

// Payment is a passive status holder; no gateway callback drives it.
type Payment struct {
	ID            string        `json:"id"`
	ServiceID     string        `json:"service_id"`
	UserID        string        `json:"user_id"`
	Amount        float64       `json:"amount"`
	Method        PaymentMethod `json:"payment_method"`
	Status        PaymentStatus `json:"status"`
	TransactionID string        `json:"transaction_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

type Notification struct {
	ID          string     `json:"id"`
	SenderID    string     `json:"sender_id,omitempty"`
	RecipientID string     `json:"recipient_id"`
	Title       string     `json:"title"`
	Message     string     `json:"message"`
	Kind        string     `json:"type"`
	Read        bool       `json:"is_read"`
	CreatedAt   time.Time  `json:"created_at"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}
