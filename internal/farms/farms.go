// Package farms stores the farm and area records that devices,
// installation requests and chat device control hang off. Each farmer
// owns at most one farm.
package farms

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

// Errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrFarmExists   = errors.New("user already has a farm")
	ErrForbidden    = errors.New("area belongs to another user")
	ErrInvalidInput = errors.New("invalid input")
)

// Farm is a farmer's holding.
type Farm struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Name        string    `json:"name"`
	Address     string    `json:"address,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Area is a named plot within a farm.
type Area struct {
	ID          string    `json:"id"`
	FarmID      string    `json:"farmId"`
	Name        string    `json:"name"`
	Type        string    `json:"type,omitempty"`
	Description string    `json:"description,omitempty"`
	Crop        *string   `json:"crop"`
	OwnerID     string    `json:"ownerId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store persists farms and areas.
type Store struct {
	db *sql.DB
}

// NewStore wraps a migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// CreateFarm adds the farm of f.UserID.
func (s *Store) CreateFarm(ctx context.Context, f Farm) (*Farm, error) {
	f.Name = strings.TrimSpace(f.Name)
	if f.UserID == "" || f.Name == "" {
		return nil, fmt.Errorf("%w: farm needs a user and a name", ErrInvalidInput)
	}
	f.ID = newID()
	now := time.Now().UTC().Truncate(time.Second)
	f.CreatedAt, f.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO farms (id, user_id, name, address, description, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.UserID, f.Name, nullString(f.Address), nullString(f.Description),
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if database.IsUniqueViolation(err) {
		return nil, ErrFarmExists
	}
	if err != nil {
		return nil, fmt.Errorf("insert farm: %w", err)
	}
	return &f, nil
}

// FarmByUser returns the farm owned by userID.
func (s *Store) FarmByUser(ctx context.Context, userID string) (*Farm, error) {
	var f Farm
	var address, desc sql.NullString
	var created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, address, description, created_at, updated_at
		 FROM farms WHERE user_id = ?`, userID,
	).Scan(&f.ID, &f.UserID, &f.Name, &address, &desc, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get farm of %s: %w", userID, err)
	}
	f.Address, f.Description = address.String, desc.String
	f.CreatedAt, _ = time.Parse(time.RFC3339, created)
	f.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &f, nil
}

// CreateArea adds an area to a farm.
func (s *Store) CreateArea(ctx context.Context, a Area) (*Area, error) {
	a.Name = strings.TrimSpace(a.Name)
	if a.FarmID == "" || a.Name == "" {
		return nil, fmt.Errorf("%w: area needs a farm and a name", ErrInvalidInput)
	}
	a.ID = newID()
	now := time.Now().UTC().Truncate(time.Second)
	a.CreatedAt, a.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO areas (id, farm_id, name, type, description, crop, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.FarmID, a.Name, nullString(a.Type), nullString(a.Description), a.Crop,
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("insert area: %w", err)
	}
	return s.GetArea(ctx, a.ID)
}

const areaSelect = `SELECT a.id, a.farm_id, a.name, a.type, a.description, a.crop, f.user_id, a.created_at, a.updated_at
	FROM areas a JOIN farms f ON f.id = a.farm_id`

// GetArea returns the area with id, including the owning user.
func (s *Store) GetArea(ctx context.Context, id string) (*Area, error) {
	a, err := scanArea(s.db.QueryRowContext(ctx, areaSelect+` WHERE a.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get area %s: %w", id, err)
	}
	return a, nil
}

// OwnedArea returns the area with id if userID owns its farm.
func (s *Store) OwnedArea(ctx context.Context, userID, id string) (*Area, error) {
	a, err := s.GetArea(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.OwnerID != userID {
		return nil, ErrForbidden
	}
	return a, nil
}

// FindArea resolves a spoken area name among userID's areas: exact
// name first, then case-insensitive, then substring.
func (s *Store) FindArea(ctx context.Context, userID, name string) (*Area, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNotFound
	}
	queries := []struct {
		where string
		arg   string
	}{
		{`a.name = ?`, name},
		{`lower(a.name) = lower(?)`, name},
		{`lower(a.name) LIKE '%' || lower(?) || '%'`, name},
	}
	for _, q := range queries {
		a, err := scanArea(s.db.QueryRowContext(ctx,
			areaSelect+` WHERE f.user_id = ? AND `+q.where+` ORDER BY a.created_at LIMIT 1`,
			userID, q.arg))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("find area %q: %w", name, err)
		}
		return a, nil
	}
	return nil, ErrNotFound
}

// Areas lists the areas of a farm by name.
func (s *Store) Areas(ctx context.Context, farmID string) ([]Area, error) {
	rows, err := s.db.QueryContext(ctx, areaSelect+` WHERE a.farm_id = ? ORDER BY a.name`, farmID)
	if err != nil {
		return nil, fmt.Errorf("list areas: %w", err)
	}
	defer rows.Close()

	var out []Area
	for rows.Next() {
		a, err := scanArea(rows)
		if err != nil {
			return nil, fmt.Errorf("scan area: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// SetAreaCrop records what grows in an area. An empty crop clears it.
func (s *Store) SetAreaCrop(ctx context.Context, id, crop string) error {
	var v any
	if crop = strings.TrimSpace(crop); crop != "" {
		v = crop
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE areas SET crop = ?, updated_at = ? WHERE id = ?`,
		v, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("set area crop: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArea(row scanner) (*Area, error) {
	var a Area
	var typ, desc, crop sql.NullString
	var created, updated string
	if err := row.Scan(&a.ID, &a.FarmID, &a.Name, &typ, &desc, &crop, &a.OwnerID, &created, &updated); err != nil {
		return nil, err
	}
	a.Type, a.Description = typ.String, desc.String
	if crop.Valid {
		a.Crop = &crop.String
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339, created)
	a.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &a, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
