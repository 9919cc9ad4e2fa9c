package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"communityhub/backend/services/credits-service/internal/models"
	redisstore "communityhub/backend/services/credits-service/internal/redis"
	"communityhub/backend/services/credits-service/internal/repository"
)

func TestGetBalanceWithoutRowIsZero(t *testing.T) {
	svc, _ := newTestCredits(t)

	for i := 0; i < 2; i++ {
		got, err := svc.GetBalance(context.Background(), 42, models.CreditFreeHours)
		if err != nil {
			t.Fatalf("GetBalance: %v", err)
		}
		if got != 0 {
			t.Fatalf("balance = %d, want 0", got)
		}
	}
}

func TestAddAndDeductKeepLedgerConsistent(t *testing.T) {
	svc, _ := newTestCredits(t)
	ctx := context.Background()

	mustAdd(t, svc, 1, models.CreditFreeHours, 10)

	entry, err := svc.Deduct(ctx, DeductInput{UserID: 1, Amount: 3, CreditType: models.CreditFreeHours, Source: models.SourceChargeUsage})
	if err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if entry.Amount != -3 || entry.BalanceAfter != 7 {
		t.Fatalf("deduct entry = %+v", entry)
	}
	mustAdd(t, svc, 1, models.CreditFreeHours, 5)

	mustBalance(t, svc, 1, models.CreditFreeHours, 12)
	mustBalance(t, svc, 1, models.CreditEquipment, 0)
}

func TestDeductInsufficientLeavesBalance(t *testing.T) {
	svc, _ := newTestCredits(t)
	ctx := context.Background()
	mustAdd(t, svc, 1, models.CreditFreeHours, 2)

	_, err := svc.Deduct(ctx, DeductInput{UserID: 1, Amount: 3, CreditType: models.CreditFreeHours, Source: models.SourceChargeUsage})
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	mustBalance(t, svc, 1, models.CreditFreeHours, 2)

	history, err := svc.History(ctx, repository.TransactionFilter{UserID: 1})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history has %d entries, want 1", len(history))
	}
}

func TestValidationErrors(t *testing.T) {
	svc, _ := newTestCredits(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   AddInput
		want error
	}{
		{"zero amount", AddInput{UserID: 1, Amount: 0, CreditType: models.CreditFreeHours, Source: models.SourcePromoCode}, ErrInvalidAmount},
		{"negative amount", AddInput{UserID: 1, Amount: -1, CreditType: models.CreditFreeHours, Source: models.SourcePromoCode}, ErrInvalidAmount},
		{"credit type", AddInput{UserID: 1, Amount: 1, CreditType: "gold", Source: models.SourcePromoCode}, ErrUnknownCreditType},
		{"source", AddInput{UserID: 1, Amount: 1, CreditType: models.CreditFreeHours, Source: "gift"}, ErrUnknownSource},
		{"user", AddInput{Amount: 1, CreditType: models.CreditFreeHours, Source: models.SourcePromoCode}, ErrInvalidUser},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Add(ctx, tc.in)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if !IsValidation(err) {
				t.Fatalf("%v should be a validation error", err)
			}
		})
	}
	mustBalance(t, svc, 1, models.CreditFreeHours, 0)
}

func TestAdjustUsesSign(t *testing.T) {
	svc, _ := newTestCredits(t)
	ctx := context.Background()

	if _, err := svc.Adjust(ctx, AdjustInput{UserID: 3, Amount: 6, CreditType: models.CreditEquipment, Description: "goodwill"}); err != nil {
		t.Fatalf("Adjust +6: %v", err)
	}
	entry, err := svc.Adjust(ctx, AdjustInput{UserID: 3, Amount: -4, CreditType: models.CreditEquipment})
	if err != nil {
		t.Fatalf("Adjust -4: %v", err)
	}
	if entry.Source != models.SourceAdminAdjustment || entry.Amount != -4 {
		t.Fatalf("entry = %+v", entry)
	}
	if _, err := svc.Adjust(ctx, AdjustInput{UserID: 3, Amount: -10, CreditType: models.CreditEquipment}); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if _, err := svc.Adjust(ctx, AdjustInput{UserID: 3, CreditType: models.CreditEquipment}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	mustBalance(t, svc, 3, models.CreditEquipment, 2)
}

func TestRefundRecordsCancellation(t *testing.T) {
	svc, _ := newTestCredits(t)

	entry, err := svc.Refund(context.Background(), 5, models.CreditFreeHours, 2, "res-9")
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if entry.Source != models.SourceChargeCancellation || entry.SourceID == nil || *entry.SourceID != "res-9" {
		t.Fatalf("entry = %+v", entry)
	}
	mustBalance(t, svc, 5, models.CreditFreeHours, 2)
}

func TestBalancesAreZeroFilled(t *testing.T) {
	svc, _ := newTestCredits(t)
	mustAdd(t, svc, 1, models.CreditEquipment, 4)

	balances, err := svc.Balances(context.Background(), 1)
	if err != nil {
		t.Fatalf("Balances: %v", err)
	}
	if len(balances) != len(models.CreditTypes) {
		t.Fatalf("got %d balances, want %d", len(balances), len(models.CreditTypes))
	}
	got := map[models.CreditType]int64{}
	for _, b := range balances {
		got[b.CreditType] = b.Balance
	}
	if got[models.CreditEquipment] != 4 || got[models.CreditFreeHours] != 0 {
		t.Fatalf("balances = %v", got)
	}
}

func TestConcurrentDeductsNeverOverdraw(t *testing.T) {
	svc, _ := newTestCredits(t)
	ctx := context.Background()
	mustAdd(t, svc, 1, models.CreditFreeHours, 10)

	const workers = 25
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		ok, rejected int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Deduct(ctx, DeductInput{UserID: 1, Amount: 1, CreditType: models.CreditFreeHours, Source: models.SourceChargeUsage})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInsufficientCredits):
				rejected++
			default:
				t.Errorf("Deduct: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 10 || rejected != workers-10 {
		t.Fatalf("ok = %d, rejected = %d", ok, rejected)
	}
	mustBalance(t, svc, 1, models.CreditFreeHours, 0)
}

func TestCacheInvalidatedOnMutation(t *testing.T) {
	svc, mr := newCachedCredits(t)
	ctx := context.Background()
	mustAdd(t, svc, 1, models.CreditFreeHours, 4)

	mustBalance(t, svc, 1, models.CreditFreeHours, 4)
	if !mr.Exists("credits:balance:1:free_hours") {
		t.Fatal("balance should be cached after a read")
	}

	if _, err := svc.Deduct(ctx, DeductInput{UserID: 1, Amount: 1, CreditType: models.CreditFreeHours, Source: models.SourceChargeUsage}); err != nil {
		t.Fatalf("Deduct: %v", err)
	}
	if mr.Exists("credits:balance:1:free_hours") {
		t.Fatal("cached balance should be dropped after a mutation")
	}
	mustBalance(t, svc, 1, models.CreditFreeHours, 3)
}

func TestCacheOutageFallsBackToStorage(t *testing.T) {
	svc, mr := newCachedCredits(t)
	mustAdd(t, svc, 1, models.CreditEquipment, 9)

	mr.Close()
	mustBalance(t, svc, 1, models.CreditEquipment, 9)
}

// interleavedCache runs beforeSet once, right before the first cache fill.
type interleavedCache struct {
	*redisstore.BalanceCache
	beforeSet func()
}

func (c *interleavedCache) Set(ctx context.Context, userID int64, creditType models.CreditType, balance, gen int64) (bool, error) {
	if hook := c.beforeSet; hook != nil {
		c.beforeSet = nil
		hook()
	}
	return c.BalanceCache.Set(ctx, userID, creditType, balance, gen)
}

func TestCacheFillRacingMutationIsDiscarded(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cache := &interleavedCache{BalanceCache: redisstore.NewBalanceCache(client, time.Minute)}
	svc := NewCreditService(newTestRepo(t), cache, zap.NewNop())
	svc.now = func() time.Time { return testNow }
	ctx := context.Background()
	mustAdd(t, svc, 1, models.CreditFreeHours, 8)

	cache.beforeSet = func() {
		if _, err := svc.Deduct(ctx, DeductInput{UserID: 1, Amount: 6, CreditType: models.CreditFreeHours, Source: models.SourceChargeUsage}); err != nil {
			t.Errorf("Deduct: %v", err)
		}
	}
	first, err := svc.GetBalance(ctx, 1, models.CreditFreeHours)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if first != 8 {
		t.Fatalf("first read = %d, want 8", first)
	}
	if mr.Exists("credits:balance:1:free_hours") {
		t.Fatal("balance read before the deduction must not be cached")
	}

	mustBalance(t, svc, 1, models.CreditFreeHours, 2)

	pricing := NewPricingService(testPricing, svc)
	price, err := pricing.CalculatePrice(ctx, reservation{hours: 2, user: member{id: 1, sustaining: true}}, nil)
	if err != nil {
		t.Fatalf("CalculatePrice: %v", err)
	}
	if got := price.CreditsApplied[models.CreditFreeHours]; got != 2 {
		t.Fatalf("quote applied %d blocks, want 2", got)
	}
}
