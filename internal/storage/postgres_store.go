package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/roadside-dispatch/internal/models"
)

// PostgresStore persists the dispatch records in a relational schema
// (migrations/001_create_schema.sql). Per-service serialization comes
// from SELECT ... FOR UPDATE inside a transaction, so a lost race on a
// status transition surfaces as a precondition failure, never a silent
// overwrite.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

const serviceCols = `id, requester_id, service_type, lat, lon, address, vehicle_info, description,
status, priority, assigned_mechanic_id, price_estimate, final_price,
created_at, updated_at, assigned_at, completed_at, cancelled_at, cancellation_reason`

func (p *PostgresStore) CreateServiceWithAlert(ctx context.Context, svc *models.ServiceRequest, alert *models.EmergencyAlert) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return &models.StorageError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO services(`+serviceCols+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		svc.ID, svc.RequesterID, string(svc.Type), svc.Location.Lat, svc.Location.Lon, svc.Location.Address,
		svc.VehicleInfo, svc.Description, string(svc.Status), string(svc.Priority),
		nullString(svc.AssignedMechanicID), svc.PriceEstimate, svc.FinalPrice,
		svc.CreatedAt, svc.UpdatedAt, svc.AssignedAt, svc.CompletedAt, svc.CancelledAt, svc.CancellationReason)
	if err != nil {
		return &models.StorageError{Op: "insert service", Err: err}
	}
	if alert != nil {
		_, err = tx.ExecContext(ctx, `INSERT INTO emergency_alerts(id, service_id, user_id, lat, lon, address, priority, status, created_at)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			alert.ID, alert.ServiceID, alert.UserID, alert.Location.Lat, alert.Location.Lon, alert.Location.Address,
			string(alert.Priority), string(alert.Status), alert.CreatedAt)
		if err != nil {
			return &models.StorageError{Op: "insert alert", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &models.StorageError{Op: "commit", Err: err}
	}
	return nil
}

func (p *PostgresStore) GetService(ctx context.Context, id string) (*models.ServiceRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+serviceCols+` FROM services WHERE id=$1`, id)
	return scanService(row)
}

func (p *PostgresStore) ListServicesByRequester(ctx context.Context, requesterID string, limit, offset int) ([]models.ServiceRequest, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+serviceCols+` FROM services
		WHERE requester_id=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, requesterID, limit, offset)
	if err != nil {
		return nil, &models.StorageError{Op: "list services", Err: err}
	}
	defer rows.Close()
	var out []models.ServiceRequest
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *svc)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.StorageError{Op: "list services", Err: err}
	}
	return out, nil
}

func (p *PostgresStore) Transition(ctx context.Context, serviceID string, fn TransitionFunc) (*models.ServiceRequest, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &models.StorageError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+serviceCols+` FROM services WHERE id=$1 FOR UPDATE`, serviceID)
	svc, err := scanService(row)
	if err != nil {
		return nil, err
	}

	change, err := fn(svc)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `UPDATE services SET status=$1, assigned_mechanic_id=$2, final_price=$3,
		updated_at=$4, assigned_at=$5, completed_at=$6, cancelled_at=$7, cancellation_reason=$8 WHERE id=$9`,
		string(svc.Status), nullString(svc.AssignedMechanicID), svc.FinalPrice,
		svc.UpdatedAt, svc.AssignedAt, svc.CompletedAt, svc.CancelledAt, svc.CancellationReason, svc.ID)
	if err != nil {
		return nil, &models.StorageError{Op: "update service", Err: err}
	}
	if change != nil {
		_, err = tx.ExecContext(ctx, `UPDATE mechanic_profiles SET available=$1 WHERE person_id=$2`,
			change.Available, change.MechanicID)
		if err != nil {
			return nil, &models.StorageError{Op: "update availability", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, &models.StorageError{Op: "commit", Err: err}
	}
	return svc, nil
}

const personCols = `p.id, p.name, p.email, p.phone, p.role, p.active, p.created_at,
d.vehicle_info, d.emergency_contacts,
m.available, m.lat, m.lon, m.address, m.specializations, m.service_radius_km, m.rating, m.hourly_rate,
pa.company_name, pa.partner_type, pa.fleet_size`

const personJoin = ` FROM people p
LEFT JOIN driver_profiles d ON d.person_id = p.id
LEFT JOIN mechanic_profiles m ON m.person_id = p.id
LEFT JOIN partner_profiles pa ON pa.person_id = p.id`

func (p *PostgresStore) CreatePerson(ctx context.Context, person *models.Person) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return &models.StorageError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO people(id, name, email, phone, role, active, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)`,
		person.ID, person.Name, person.Email, person.Phone, string(person.Role), person.Active, person.Created)
	if err != nil {
		return &models.StorageError{Op: "insert person", Err: err}
	}
	switch {
	case person.Driver != nil:
		_, err = tx.ExecContext(ctx, `INSERT INTO driver_profiles(person_id, vehicle_info, emergency_contacts) VALUES($1,$2,$3)`,
			person.ID, person.Driver.VehicleInfo, pq.Array(person.Driver.EmergencyContacts))
	case person.Mechanic != nil:
		var lat, lon sql.NullFloat64
		var addr sql.NullString
		if loc := person.Mechanic.Location; loc != nil {
			lat = sql.NullFloat64{Float64: loc.Lat, Valid: true}
			lon = sql.NullFloat64{Float64: loc.Lon, Valid: true}
			addr = sql.NullString{String: loc.Address, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO mechanic_profiles(person_id, available, lat, lon, address, specializations, service_radius_km, rating, hourly_rate)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			person.ID, person.Mechanic.Available, lat, lon, addr,
			pq.Array(person.Mechanic.Specializations), person.Mechanic.ServiceRadiusKm,
			person.Mechanic.Rating, person.Mechanic.HourlyRate)
	case person.Partner != nil:
		_, err = tx.ExecContext(ctx, `INSERT INTO partner_profiles(person_id, company_name, partner_type, fleet_size) VALUES($1,$2,$3,$4)`,
			person.ID, person.Partner.CompanyName, person.Partner.PartnerType, person.Partner.FleetSize)
	}
	if err != nil {
		return &models.StorageError{Op: "insert profile", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &models.StorageError{Op: "commit", Err: err}
	}
	return nil
}

func (p *PostgresStore) GetPerson(ctx context.Context, id string) (*models.Person, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+personCols+personJoin+` WHERE p.id=$1`, id)
	return scanPerson(row)
}

func (p *PostgresStore) ListAvailableMechanics(ctx context.Context) ([]models.Person, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+personCols+personJoin+`
		WHERE p.role='mechanic' AND p.active AND m.available ORDER BY p.id`)
	if err != nil {
		return nil, &models.StorageError{Op: "list mechanics", Err: err}
	}
	defer rows.Close()
	var out []models.Person
	for rows.Next() {
		person, err := scanPerson(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *person)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.StorageError{Op: "list mechanics", Err: err}
	}
	return out, nil
}

func (p *PostgresStore) MutateMechanic(ctx context.Context, mechanicID string, fn MechanicMutation) (*models.Person, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &models.StorageError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	// Lock the profile row first; FOR UPDATE is not allowed on the
	// nullable side of the outer join below.
	var locked int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM mechanic_profiles WHERE person_id=$1 FOR UPDATE`, mechanicID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, &models.StorageError{Op: "lock mechanic", Err: err}
	}

	row := tx.QueryRowContext(ctx, `SELECT `+personCols+personJoin+` WHERE p.id=$1 AND p.role='mechanic'`, mechanicID)
	person, err := scanPerson(row)
	if err != nil {
		return nil, err
	}
	if person.Mechanic == nil {
		return nil, models.ErrNotFound
	}

	var active int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM services
		WHERE assigned_mechanic_id=$1 AND status NOT IN ('completed','cancelled')`, mechanicID).Scan(&active)
	if err != nil {
		return nil, &models.StorageError{Op: "count assignments", Err: err}
	}

	if err := fn(person, active); err != nil {
		return nil, err
	}

	var lat, lon sql.NullFloat64
	var addr sql.NullString
	if loc := person.Mechanic.Location; loc != nil {
		lat = sql.NullFloat64{Float64: loc.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: loc.Lon, Valid: true}
		addr = sql.NullString{String: loc.Address, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `UPDATE mechanic_profiles SET available=$1, lat=$2, lon=$3, address=$4,
		specializations=$5, service_radius_km=$6, rating=$7, hourly_rate=$8, updated_at=now() WHERE person_id=$9`,
		person.Mechanic.Available, lat, lon, addr, pq.Array(person.Mechanic.Specializations),
		person.Mechanic.ServiceRadiusKm, person.Mechanic.Rating, person.Mechanic.HourlyRate, mechanicID)
	if err != nil {
		return nil, &models.StorageError{Op: "update mechanic", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &models.StorageError{Op: "commit", Err: err}
	}
	return person, nil
}

const alertCols = `id, service_id, user_id, lat, lon, address, priority, status, created_at, responded_at, responded_by`

func (p *PostgresStore) GetAlert(ctx context.Context, id string) (*models.EmergencyAlert, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+alertCols+` FROM emergency_alerts WHERE id=$1`, id)
	return scanAlert(row)
}

func (p *PostgresStore) GetAlertByService(ctx context.Context, serviceID string) (*models.EmergencyAlert, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+alertCols+` FROM emergency_alerts WHERE service_id=$1`, serviceID)
	return scanAlert(row)
}

func (p *PostgresStore) TransitionAlert(ctx context.Context, id string, fn func(*models.EmergencyAlert) error) (*models.EmergencyAlert, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &models.StorageError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+alertCols+` FROM emergency_alerts WHERE id=$1 FOR UPDATE`, id)
	alert, err := scanAlert(row)
	if err != nil {
		return nil, err
	}
	if err := fn(alert); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE emergency_alerts SET status=$1, responded_at=$2, responded_by=$3 WHERE id=$4`,
		string(alert.Status), alert.RespondedAt, nullString(alert.RespondedBy), alert.ID)
	if err != nil {
		return nil, &models.StorageError{Op: "update alert", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &models.StorageError{Op: "commit", Err: err}
	}
	return alert, nil
}

const paymentCols = `id, service_id, user_id, amount, payment_method, status, transaction_id, created_at, completed_at`

func (p *PostgresStore) CreatePayment(ctx context.Context, pay *models.Payment) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO payments(`+paymentCols+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		pay.ID, pay.ServiceID, pay.UserID, pay.Amount, string(pay.Method), string(pay.Status),
		nullString(pay.TransactionID), pay.CreatedAt, pay.CompletedAt)
	if err != nil {
		return &models.StorageError{Op: "insert payment", Err: err}
	}
	return nil
}

func (p *PostgresStore) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentCols+` FROM payments WHERE id=$1`, id)
	return scanPayment(row)
}

func (p *PostgresStore) MutatePayment(ctx context.Context, id string, fn func(*models.Payment) error) (*models.Payment, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &models.StorageError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+paymentCols+` FROM payments WHERE id=$1 FOR UPDATE`, id)
	pay, err := scanPayment(row)
	if err != nil {
		return nil, err
	}
	if err := fn(pay); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE payments SET status=$1, transaction_id=$2, completed_at=$3 WHERE id=$4`,
		string(pay.Status), nullString(pay.TransactionID), pay.CompletedAt, pay.ID)
	if err != nil {
		return nil, &models.StorageError{Op: "update payment", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &models.StorageError{Op: "commit", Err: err}
	}
	return pay, nil
}

const notificationCols = `id, sender_id, recipient_id, title, message, kind, is_read, created_at, read_at`

func (p *PostgresStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO notifications(`+notificationCols+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		n.ID, nullString(n.SenderID), n.RecipientID, n.Title, n.Message, n.Kind, n.Read, n.CreatedAt, n.ReadAt)
	if err != nil {
		return &models.StorageError{Op: "insert notification", Err: err}
	}
	return nil
}

func (p *PostgresStore) ListNotifications(ctx context.Context, recipientID string, unreadOnly bool) ([]models.Notification, error) {
	q := `SELECT ` + notificationCols + ` FROM notifications WHERE recipient_id=$1`
	if unreadOnly {
		q += ` AND NOT is_read`
	}
	q += ` ORDER BY created_at DESC`
	rows, err := p.db.QueryContext(ctx, q, recipientID)
	if err != nil {
		return nil, &models.StorageError{Op: "list notifications", Err: err}
	}
	defer rows.Close()
	var out []models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.StorageError{Op: "list notifications", Err: err}
	}
	return out, nil
}

func (p *PostgresStore) MarkNotificationRead(ctx context.Context, id, recipientID string) (*models.Notification, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &models.StorageError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+notificationCols+` FROM notifications WHERE id=$1 FOR UPDATE`, id)
	n, err := scanNotification(row)
	if err != nil {
		return nil, err
	}
	if n.RecipientID != recipientID {
		return nil, models.ErrUnauthorized
	}
	if !n.Read {
		_, err = tx.ExecContext(ctx, `UPDATE notifications SET is_read=TRUE, read_at=now() WHERE id=$1`, id)
		if err != nil {
			return nil, &models.StorageError{Op: "update notification", Err: err}
		}
		n.Read = true
		now := time.Now().UTC()
		n.ReadAt = &now
	}
	if err := tx.Commit(); err != nil {
		return nil, &models.StorageError{Op: "commit", Err: err}
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanService(row rowScanner) (*models.ServiceRequest, error) {
	var svc models.ServiceRequest
	var mech, reason sql.NullString
	var vehicle, desc, addr sql.NullString
	var assigned, completed, cancelled sql.NullTime
	var estimate, final sql.NullFloat64
	err := row.Scan(&svc.ID, &svc.RequesterID, &svc.Type, &svc.Location.Lat, &svc.Location.Lon, &addr,
		&vehicle, &desc, &svc.Status, &svc.Priority, &mech, &estimate, &final,
		&svc.CreatedAt, &svc.UpdatedAt, &assigned, &completed, &cancelled, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, &models.StorageError{Op: "scan service", Err: err}
	}
	svc.Location.Address = addr.String
	svc.VehicleInfo = vehicle.String
	svc.Description = desc.String
	svc.AssignedMechanicID = mech.String
	svc.PriceEstimate = estimate.Float64
	svc.FinalPrice = final.Float64
	svc.AssignedAt = timePtr(assigned)
	svc.CompletedAt = timePtr(completed)
	svc.CancelledAt = timePtr(cancelled)
	svc.CancellationReason = reason.String
	return &svc, nil
}

func scanPerson(row rowScanner) (*models.Person, error) {
	var p models.Person
	var dVehicle sql.NullString
	var dContacts pq.StringArray
	var mAvailable sql.NullBool
	var mLat, mLon, mRadius, mRating, mRate sql.NullFloat64
	var mAddr sql.NullString
	var mSpecs pq.StringArray
	var paCompany, paType sql.NullString
	var paFleet sql.NullInt64
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.Phone, &p.Role, &p.Active, &p.Created,
		&dVehicle, &dContacts,
		&mAvailable, &mLat, &mLon, &mAddr, &mSpecs, &mRadius, &mRating, &mRate,
		&paCompany, &paType, &paFleet)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, &models.StorageError{Op: "scan person", Err: err}
	}
	switch p.Role {
	case models.RoleDriver:
		p.Driver = &models.DriverProfile{VehicleInfo: dVehicle.String, EmergencyContacts: dContacts}
	case models.RoleMechanic:
		mp := &models.MechanicProfile{
			Available:       mAvailable.Bool,
			Specializations: mSpecs,
			ServiceRadiusKm: mRadius.Float64,
			Rating:          mRating.Float64,
			HourlyRate:      mRate.Float64,
		}
		if mLat.Valid && mLon.Valid {
			mp.Location = &models.Location{Lat: mLat.Float64, Lon: mLon.Float64, Address: mAddr.String}
		}
		p.Mechanic = mp
	case models.RolePartner:
		p.Partner = &models.PartnerProfile{CompanyName: paCompany.String, PartnerType: paType.String, FleetSize: int(paFleet.Int64)}
	}
	return &p, nil
}

func scanAlert(row rowScanner) (*models.EmergencyAlert, error) {
	var a models.EmergencyAlert
	var addr, responder sql.NullString
	var responded sql.NullTime
	err := row.Scan(&a.ID, &a.ServiceID, &a.UserID, &a.Location.Lat, &a.Location.Lon, &addr,
		&a.Priority, &a.Status, &a.CreatedAt, &responded, &responder)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, &models.StorageError{Op: "scan alert", Err: err}
	}
	a.Location.Address = addr.String
	a.RespondedAt = timePtr(responded)
	a.RespondedBy = responder.String
	return &a, nil
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var pay models.Payment
	var txid sql.NullString
	var completed sql.NullTime
	err := row.Scan(&pay.ID, &pay.ServiceID, &pay.UserID, &pay.Amount, &pay.Method, &pay.Status,
		&txid, &pay.CreatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, &models.StorageError{Op: "scan payment", Err: err}
	}
	pay.TransactionID = txid.String
	pay.CompletedAt = timePtr(completed)
	return &pay, nil
}

func scanNotification(row rowScanner) (*models.Notification, error) {
	var n models.Notification
	var sender sql.NullString
	var readAt sql.NullTime
	err := row.Scan(&n.ID, &sender, &n.RecipientID, &n.Title, &n.Message, &n.Kind, &n.Read, &n.CreatedAt, &readAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, &models.StorageError{Op: "scan notification", Err: err}
	}
	n.SenderID = sender.String
	n.ReadAt = timePtr(readAt)
	return &n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
