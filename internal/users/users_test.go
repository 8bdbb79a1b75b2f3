package users

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nugget/agrifarm/internal/database/dbtest"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(dbtest.Open(t))
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	u, err := s.Create(ctx, User{Email: " Farmer@Example.com ", FullName: "Nguyễn Văn A", IsActive: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.Get(ctx, u.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Email != "farmer@example.com" {
		t.Errorf("Email = %q, want farmer@example.com", got.Email)
	}
	if got.Role != RoleFarmer || got.Plan != PlanFree || got.SubscriptionStatus != SubscriptionTrial {
		t.Errorf("defaults = %s/%s/%s, want FARMER/FREE/TRIAL", got.Role, got.Plan, got.SubscriptionStatus)
	}
	if !got.IsActive {
		t.Error("IsActive = false, want true")
	}

	if _, err := s.Create(ctx, User{Email: "farmer@example.com"}); !errors.Is(err, ErrEmailTaken) {
		t.Errorf("duplicate Create error = %v, want ErrEmailTaken", err)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSetActive(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	u, _ := s.Create(ctx, User{Email: "a@example.com", IsActive: true})

	got, err := s.SetActive(ctx, u.ID, false)
	if err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if got.IsActive {
		t.Error("IsActive = true after deactivate")
	}
	if _, err := s.SetActive(ctx, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetActive(missing) error = %v, want ErrNotFound", err)
	}
}

func TestDeductCredit(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	u, _ := s.Create(ctx, User{Email: "c@example.com", Credits: 2})

	for want := 1; want >= 0; want-- {
		got, err := s.DeductCredit(ctx, u.ID)
		if err != nil {
			t.Fatalf("DeductCredit: %v", err)
		}
		if got != want {
			t.Errorf("remaining = %d, want %d", got, want)
		}
	}
	if _, err := s.DeductCredit(ctx, u.ID); !errors.Is(err, ErrNoCredits) {
		t.Errorf("DeductCredit at zero error = %v, want ErrNoCredits", err)
	}
	if _, err := s.DeductCredit(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeductCredit(missing) error = %v, want ErrNotFound", err)
	}
}

func TestDeductCredit_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	u, _ := s.Create(ctx, User{Email: "race@example.com", Credits: 5})

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.DeductCredit(ctx, u.ID); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if ok != 5 {
		t.Errorf("successful deductions = %d, want 5", ok)
	}
}

func TestAccessHelpers(t *testing.T) {
	tests := []struct {
		plan    Plan
		status  SubscriptionStatus
		premium bool
		lapsed  bool
	}{
		{PlanPremium, SubscriptionActive, true, false},
		{PlanPremium, SubscriptionTrial, true, false},
		{PlanPremium, SubscriptionInactive, false, true},
		{PlanPremium, SubscriptionExpired, false, false},
		{PlanFree, SubscriptionActive, false, false},
	}
	for _, tt := range tests {
		u := &User{Plan: tt.plan, SubscriptionStatus: tt.status}
		if got := u.HasPremiumAccess(); got != tt.premium {
			t.Errorf("%s/%s HasPremiumAccess() = %v, want %v", tt.plan, tt.status, got, tt.premium)
		}
		if got := u.PremiumLapsed(); got != tt.lapsed {
			t.Errorf("%s/%s PremiumLapsed() = %v, want %v", tt.plan, tt.status, got, tt.lapsed)
		}
	}
}
