package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	libdb "communityhub/backend/libs/db"
	"communityhub/backend/services/credits-service/internal/models"
	redisstore "communityhub/backend/services/credits-service/internal/redis"
	"communityhub/backend/services/credits-service/internal/repository"
)

var testNow = time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

var testRules = map[models.CreditType]models.CreditRule{
	models.CreditFreeHours: {ValuePerBlock: 750, MinutesPerBlock: 30, Policy: models.PolicyReset},
	models.CreditEquipment: {ValuePerBlock: 100, Policy: models.PolicyRollover},
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func newTestRepo(t *testing.T) *repository.LedgerRepository {
	t.Helper()

	db, err := libdb.NewSQLiteDB(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repo := repository.NewLedgerRepository(db, repository.DialectSQLite)
	if err := repo.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func newTestCredits(t *testing.T) (*CreditService, *testClock) {
	t.Helper()
	clock := &testClock{now: testNow}
	svc := NewCreditService(newTestRepo(t), nil, zap.NewNop())
	svc.now = clock.Now
	return svc, clock
}

func newCachedCredits(t *testing.T) (*CreditService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	svc := NewCreditService(newTestRepo(t), redisstore.NewBalanceCache(client, time.Minute), zap.NewNop())
	svc.now = func() time.Time { return testNow }
	return svc, mr
}

func newTestAllocations(t *testing.T) (*AllocationService, *CreditService, *testClock) {
	t.Helper()
	credits, clock := newTestCredits(t)
	alloc := NewAllocationService(credits, testRules, zap.NewNop())
	alloc.now = clock.Now
	return alloc, credits, clock
}

func mustAdd(t *testing.T, svc *CreditService, userID int64, ct models.CreditType, amount int64) {
	t.Helper()
	_, err := svc.Add(context.Background(), AddInput{
		UserID:     userID,
		Amount:     amount,
		CreditType: ct,
		Source:     models.SourcePromoCode,
	})
	if err != nil {
		t.Fatalf("Add(%d %s): %v", amount, ct, err)
	}
}

func mustBalance(t *testing.T, svc *CreditService, userID int64, ct models.CreditType, want int64) {
	t.Helper()
	got, err := svc.GetBalance(context.Background(), userID, ct)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if got != want {
		t.Fatalf("%s balance = %d, want %d", ct, got, want)
	}
	if err := svc.VerifyBalance(context.Background(), userID, ct); err != nil {
		t.Fatalf("VerifyBalance: %v", err)
	}
}

type member struct {
	id         int64
	sustaining bool
}

func (m member) ID() int64                { return m.id }
func (m member) IsSustainingMember() bool { return m.sustaining }

type reservation struct {
	hours float64
	user  User
}

func (r reservation) ChargeableType() string { return "rehearsal_reservation" }
func (r reservation) BillableUnits() float64 { return r.hours }
func (r reservation) BillableUser() User      { return r.user }

var testPricing = PricingConfig{
	Rates: map[string]models.PricingRule{
		"rehearsal_reservation": {Rate: 1500, Unit: "hour"},
		"equipment_loan":        {Rate: 500, Unit: "day"},
	},
	Credits: testRules,
	ChargeableCredits: map[string]models.CreditType{
		"rehearsal_reservation": models.CreditFreeHours,
	},
}
