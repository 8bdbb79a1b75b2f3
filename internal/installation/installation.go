// Package installation tracks farmers' requests to have IoT hardware
// installed, from the first request through technician assignment to
// the finished installation.
package installation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nugget/agrifarm/internal/farms"
	"github.com/nugget/agrifarm/internal/users"
)

// Status is the state of a request.
type Status string

// Request states.
const (
	StatusPending    Status = "PENDING"
	StatusAssigned   Status = "ASSIGNED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// MaxContactPhone is the longest contact phone number accepted.
const MaxContactPhone = 20

// Errors.
var (
	ErrNotFound          = errors.New("installation request not found")
	ErrForbidden         = errors.New("installation request belongs to someone else")
	ErrInvalidInput      = errors.New("invalid installation request")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Request is a farmer's installation request.
type Request struct {
	ID                   string     `json:"id"`
	FarmerID             string     `json:"farmerId"`
	FarmID               string     `json:"farmId"`
	AreaID               string     `json:"areaId,omitempty"`
	Notes                string     `json:"notes,omitempty"`
	ContactPhone         string     `json:"contactPhone,omitempty"`
	Status               Status     `json:"status"`
	IsPaid               bool       `json:"isPaid"`
	PaymentDate          *time.Time `json:"paymentDate,omitempty"`
	AssignedTechnicianID string     `json:"assignedTechnicianId,omitempty"`
	DeviceID             string     `json:"deviceId,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// CreateInput is what a farmer submits.
type CreateInput struct {
	AreaID       string `json:"areaId"`
	Notes        string `json:"notes,omitempty"`
	ContactPhone string `json:"contactPhone,omitempty"`
}

// AreaSource resolves a farmer's area.
type AreaSource interface {
	OwnedArea(ctx context.Context, userID, id string) (*farms.Area, error)
}

// UserSource loads accounts for technician checks.
type UserSource interface {
	Get(ctx context.Context, id string) (*users.User, error)
}

// transitions lists the forward moves. Cancellation is handled apart.
var transitions = map[Status][]Status{
	StatusPending:    {StatusAssigned},
	StatusAssigned:   {StatusAssigned, StatusInProgress},
	StatusInProgress: {StatusCompleted},
}

// CanTransition reports whether a request may move from one status to
// another. Any non-terminal request may be cancelled.
func CanTransition(from, to Status) bool {
	if to == StatusCancelled {
		return !from.Terminal()
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Store persists installation requests.
type Store struct {
	db    *sql.DB
	areas AreaSource
	users UserSource
	now   func() time.Time
}

// NewStore wraps a migrated database.
func NewStore(db *sql.DB, areas AreaSource, users UserSource) *Store {
	return &Store{db: db, areas: areas, users: users, now: time.Now}
}

const requestColumns = `id, farmer_id, farm_id, area_id, notes, contact_phone, status, is_paid,
	payment_date, assigned_technician_id, device_id, created_at, updated_at`

// Create files a pending request for one of the farmer's areas.
func (s *Store) Create(ctx context.Context, farmerID string, in CreateInput) (*Request, error) {
	in.ContactPhone = strings.TrimSpace(in.ContactPhone)
	if in.AreaID == "" {
		return nil, fmt.Errorf("%w: areaId is required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(in.ContactPhone) > MaxContactPhone {
		return nil, fmt.Errorf("%w: contactPhone longer than %d characters", ErrInvalidInput, MaxContactPhone)
	}
	area, err := s.areas.OwnedArea(ctx, farmerID, in.AreaID)
	switch {
	case errors.Is(err, farms.ErrNotFound):
		return nil, fmt.Errorf("%w: area not found", ErrInvalidInput)
	case errors.Is(err, farms.ErrForbidden):
		return nil, ErrForbidden
	case err != nil:
		return nil, err
	}

	now := s.now().UTC().Truncate(time.Second)
	r := &Request{
		ID:           uuid.Must(uuid.NewV7()).String(),
		FarmerID:     farmerID,
		FarmID:       area.FarmID,
		AreaID:       area.ID,
		Notes:        strings.TrimSpace(in.Notes),
		ContactPhone: in.ContactPhone,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO installation_requests (`+requestColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL, NULL, ?, ?)`,
		r.ID, r.FarmerID, r.FarmID, r.AreaID, nullString(r.Notes), nullString(r.ContactPhone),
		r.Status, now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("insert installation request: %w", err)
	}
	return r, nil
}

// Get returns a request by id.
func (s *Store) Get(ctx context.Context, id string) (*Request, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM installation_requests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get installation request: %w", err)
	}
	return r, nil
}

// GetForFarmer returns a request the farmer filed.
func (s *Store) GetForFarmer(ctx context.Context, farmerID, id string) (*Request, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.FarmerID != farmerID {
		return nil, ErrForbidden
	}
	return r, nil
}

// GetForTechnician returns a request only when it is assigned to the
// technician.
func (s *Store) GetForTechnician(ctx context.Context, technicianID, id string) (*Request, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.AssignedTechnicianID != technicianID {
		return nil, ErrForbidden
	}
	return r, nil
}

// ByFarmer lists a farmer's requests, newest first.
func (s *Store) ByFarmer(ctx context.Context, farmerID string) ([]Request, error) {
	return s.list(ctx, `WHERE farmer_id = ?`, farmerID)
}

// ByTechnician lists the requests assigned to a technician.
func (s *Store) ByTechnician(ctx context.Context, technicianID string) ([]Request, error) {
	return s.list(ctx, `WHERE assigned_technician_id = ?`, technicianID)
}

// All lists every request, newest first.
func (s *Store) All(ctx context.Context) ([]Request, error) {
	return s.list(ctx, ``)
}

// HasCompleted reports whether the farmer has a finished installation,
// which premium subscriptions require.
func (s *Store) HasCompleted(ctx context.Context, farmerID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM installation_requests WHERE farmer_id = ? AND status = ?`,
		farmerID, StatusCompleted).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count completed installations: %w", err)
	}
	return n > 0, nil
}

// Assign gives a pending or assigned request to a technician.
func (s *Store) Assign(ctx context.Context, id, technicianID string) (*Request, error) {
	tech, err := s.users.Get(ctx, technicianID)
	if errors.Is(err, users.ErrNotFound) {
		return nil, fmt.Errorf("%w: technician not found", ErrInvalidInput)
	}
	if err != nil {
		return nil, err
	}
	if tech.Role != users.RoleTechnician {
		return nil, fmt.Errorf("%w: user is not a technician", ErrInvalidInput)
	}

	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(r.Status, StatusAssigned) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, r.Status, StatusAssigned)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE installation_requests SET status = ?, assigned_technician_id = ?, updated_at = ? WHERE id = ?`,
		StatusAssigned, technicianID, s.nowText(), id); err != nil {
		return nil, fmt.Errorf("assign technician: %w", err)
	}
	return s.Get(ctx, id)
}

// Start marks an assigned request as being installed.
func (s *Store) Start(ctx context.Context, technicianID, id string) (*Request, error) {
	if _, err := s.GetForTechnician(ctx, technicianID, id); err != nil {
		return nil, err
	}
	return s.Transition(ctx, id, StatusInProgress)
}

// Complete marks an installation in progress as finished.
func (s *Store) Complete(ctx context.Context, technicianID, id string) (*Request, error) {
	if _, err := s.GetForTechnician(ctx, technicianID, id); err != nil {
		return nil, err
	}
	return s.Transition(ctx, id, StatusCompleted)
}

// Cancel withdraws a farmer's own request while it is still pending.
func (s *Store) Cancel(ctx context.Context, farmerID, id string) (*Request, error) {
	r, err := s.GetForFarmer(ctx, farmerID, id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return nil, fmt.Errorf("%w: only pending requests can be cancelled", ErrInvalidTransition)
	}
	return s.Transition(ctx, id, StatusCancelled)
}

// CancelByAdmin cancels any request that has not finished.
func (s *Store) CancelByAdmin(ctx context.Context, id string) (*Request, error) {
	return s.Transition(ctx, id, StatusCancelled)
}

// Transition moves a request to status to. The update is conditional
// on the status read so concurrent changes cannot skip a check.
func (s *Store) Transition(ctx context.Context, id string, to Status) (*Request, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(r.Status, to) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, r.Status, to)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE installation_requests SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, s.nowText(), id, r.Status)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, id)
	}
	return s.Get(ctx, id)
}

// AttachDevice links the device activated for a request and records
// payment when paid is set.
func (s *Store) AttachDevice(ctx context.Context, id, deviceID string, paid bool) (*Request, error) {
	q := `UPDATE installation_requests SET device_id = ?, updated_at = ? WHERE id = ?`
	args := []any{deviceID, s.nowText(), id}
	if paid {
		q = `UPDATE installation_requests SET device_id = ?, is_paid = 1, payment_date = ?, updated_at = ? WHERE id = ?`
		args = []any{deviceID, s.nowText(), s.nowText(), id}
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("attach device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

// Delete removes a request.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM installation_requests WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete installation request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) list(ctx context.Context, where string, args ...any) ([]Request, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM installation_requests `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list installation requests: %w", err)
	}
	defer rows.Close()

	out := []Request{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan installation request: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) nowText() string {
	return s.now().UTC().Format(time.RFC3339)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*Request, error) {
	var (
		r                          Request
		area, notes, phone, paidAt sql.NullString
		technician, device         sql.NullString
		created, updated           string
	)
	if err := row.Scan(&r.ID, &r.FarmerID, &r.FarmID, &area, &notes, &phone, &r.Status,
		&r.IsPaid, &paidAt, &technician, &device, &created, &updated); err != nil {
		return nil, err
	}
	r.AreaID, r.Notes, r.ContactPhone = area.String, notes.String, phone.String
	r.AssignedTechnicianID, r.DeviceID = technician.String, device.String
	if paidAt.Valid {
		if t, err := time.Parse(time.RFC3339, paidAt.String); err == nil {
			r.PaymentDate = &t
		}
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339, created)
	r.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &r, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
