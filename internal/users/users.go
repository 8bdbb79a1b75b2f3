// Package users holds the account records that access control needs:
// role, subscription plan and status, and chat credits.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/agrifarm/internal/database"
)

// Role is an account role.
type Role string

// Roles.
const (
	RoleAdmin      Role = "ADMIN"
	RoleFarmer     Role = "FARMER"
	RoleTechnician Role = "TECHNICIAN"
)

// Plan is a subscription plan.
type Plan string

// Plans.
const (
	PlanFree    Plan = "FREE"
	PlanPremium Plan = "PREMIUM"
)

// SubscriptionStatus is the state of a user's subscription.
type SubscriptionStatus string

// Subscription states.
const (
	SubscriptionTrial    SubscriptionStatus = "TRIAL"
	SubscriptionActive   SubscriptionStatus = "ACTIVE"
	SubscriptionInactive SubscriptionStatus = "INACTIVE"
	SubscriptionExpired  SubscriptionStatus = "EXPIRED"
)

// User is an account.
type User struct {
	ID                 string             `json:"id"`
	Email              string             `json:"email"`
	FullName           string             `json:"fullName"`
	Role               Role               `json:"role"`
	Plan               Plan               `json:"plan"`
	SubscriptionStatus SubscriptionStatus `json:"subscriptionStatus"`
	Credits            int                `json:"credits"`
	IsActive           bool               `json:"isActive"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// HasPremiumAccess reports whether the user may use device control and
// sensor features: a PREMIUM plan in ACTIVE or TRIAL status.
func (u *User) HasPremiumAccess() bool {
	return u.Plan == PlanPremium &&
		(u.SubscriptionStatus == SubscriptionActive || u.SubscriptionStatus == SubscriptionTrial)
}

// PremiumLapsed reports a PREMIUM account whose subscription is
// INACTIVE. Devices of such accounts are ignored.
func (u *User) PremiumLapsed() bool {
	return u.Plan == PlanPremium && u.SubscriptionStatus == SubscriptionInactive
}

// Errors.
var (
	ErrNotFound     = errors.New("user not found")
	ErrEmailTaken   = errors.New("email already registered")
	ErrNoCredits    = errors.New("no credits remaining")
	ErrInvalidInput = errors.New("invalid user")
)

// Store persists users.
type Store struct {
	db *sql.DB
}

// NewStore wraps a migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const userColumns = `id, email, full_name, role, plan, subscription_status, credits, is_active, created_at, updated_at`

// Create inserts u. Empty ID, role, plan and status are filled in.
func (s *Store) Create(ctx context.Context, u User) (*User, error) {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if u.Email == "" || !strings.Contains(u.Email, "@") {
		return nil, fmt.Errorf("%w: email %q", ErrInvalidInput, u.Email)
	}
	if u.ID == "" {
		u.ID = uuid.Must(uuid.NewV7()).String()
	}
	if u.Role == "" {
		u.Role = RoleFarmer
	}
	if u.Plan == "" {
		u.Plan = PlanFree
	}
	if u.SubscriptionStatus == "" {
		u.SubscriptionStatus = SubscriptionTrial
	}
	now := time.Now().UTC().Truncate(time.Second)
	u.CreatedAt, u.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.FullName, u.Role, u.Plan, u.SubscriptionStatus,
		u.Credits, u.IsActive, now.Format(time.RFC3339), now.Format(time.RFC3339))
	if database.IsUniqueViolation(err) {
		return nil, ErrEmailTaken
	}
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return &u, nil
}

// Get returns the user with id.
func (s *Store) Get(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

// SetActive activates or deactivates an account.
func (s *Store) SetActive(ctx context.Context, id string, active bool) (*User, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, nowText(), id)
	if err != nil {
		return nil, fmt.Errorf("set user active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

// SetSubscription changes the plan and subscription status.
func (s *Store) SetSubscription(ctx context.Context, id string, plan Plan, status SubscriptionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET plan = ?, subscription_status = ?, updated_at = ? WHERE id = ?`,
		plan, status, nowText(), id)
	if err != nil {
		return fmt.Errorf("set subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddCredits adds n chat credits.
func (s *Store) AddCredits(ctx context.Context, id string, n int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET credits = credits + ?, updated_at = ? WHERE id = ?`, n, nowText(), id)
	if err != nil {
		return fmt.Errorf("add credits: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeductCredit takes one credit in a single statement so concurrent
// requests cannot overdraw. Returns the remaining balance, or
// ErrNoCredits when the balance is already zero.
func (s *Store) DeductCredit(ctx context.Context, id string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET credits = credits - 1, updated_at = ? WHERE id = ? AND credits > 0`,
		nowText(), id)
	if err != nil {
		return 0, fmt.Errorf("deduct credit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return 0, err
		}
		return 0, ErrNoCredits
	}
	var remaining int
	if err := s.db.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = ?`, id).Scan(&remaining); err != nil {
		return 0, fmt.Errorf("read credits: %w", err)
	}
	return remaining, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*User, error) {
	var u User
	var created, updated string
	if err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.Role, &u.Plan,
		&u.SubscriptionStatus, &u.Credits, &u.IsActive, &created, &updated); err != nil {
		return nil, err
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, created)
	u.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &u, nil
}

func nowText() string {
	return time.Now().UTC().Format(time.RFC3339)
}
