package service

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"offer-negotiation-api/internal/cache"
	"offer-negotiation-api/internal/database"
	"offer-negotiation-api/internal/events"
	"offer-negotiation-api/internal/features"
	"offer-negotiation-api/internal/models"
	"offer-negotiation-api/internal/negotiation"
	"offer-negotiation-api/internal/validation"
)

var testNow = time.Date(2025, 10, 21, 10, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.NewDB(database.DriverSQLite, filepath.Join(t.TempDir(), "offers.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return db
}

func setupTestService(t *testing.T) (*Service, *database.DB) {
	t.Helper()

	db := setupTestDB(t)
	svc := NewService(db, Options{
		Now: func() time.Time { return testNow },
	})
	return svc, db
}

type parties struct {
	buyer, seller, property string
}

func newParties() parties {
	return parties{
		buyer:    uuid.New().String(),
		seller:   uuid.New().String(),
		property: uuid.New().String(),
	}
}

func submit(t *testing.T, svc *Service, p parties, amount float64) models.Offer {
	t.Helper()

	offer, err := svc.SubmitOffer(context.Background(), p.buyer, models.SubmitOfferRequest{
		PropertyID:  p.property,
		BuyerID:     p.buyer,
		SellerID:    p.seller,
		OfferAmount: models.Amount(amount),
	})
	if err != nil {
		t.Fatalf("Failed to submit offer: %v", err)
	}
	return offer
}

func listProperty(t *testing.T, svc *Service, p parties, price float64) {
	t.Helper()

	_, err := svc.UpsertProperty(context.Background(), p.seller, models.Property{
		ID:      p.property,
		OwnerID: p.seller,
		Title:   "Two-bed flat",
		Address: "1 Main St",
		Price:   price,
	})
	if err != nil {
		t.Fatalf("Failed to store property: %v", err)
	}
}

func TestSubmitOffer_CreatesPendingOffer(t *testing.T) {
	svc, db := setupTestService(t)
	p := newParties()

	offer := submit(t, svc, p, 300000)

	if offer.Status != models.StatusPending {
		t.Errorf("Expected status pending, got %s", offer.Status)
	}
	if offer.CounterAmount != nil {
		t.Errorf("Expected no counter amount, got %v", *offer.CounterAmount)
	}
	if offer.Currency != "USD" {
		t.Errorf("Expected default currency USD, got %s", offer.Currency)
	}

	stored, err := db.GetOffer(context.Background(), offer.ID)
	if err != nil {
		t.Fatalf("Failed to read offer back: %v", err)
	}
	if stored.OfferAmount != 300000 {
		t.Errorf("Expected offer amount 300000, got %v", stored.OfferAmount)
	}
}

func TestSubmitOffer_RejectsNonPositiveAmount(t *testing.T) {
	svc, db := setupTestService(t)
	p := newParties()

	for _, amount := range []float64{0, -1, -250000} {
		_, err := svc.SubmitOffer(context.Background(), p.buyer, models.SubmitOfferRequest{
			PropertyID:  p.property,
			BuyerID:     p.buyer,
			SellerID:    p.seller,
			OfferAmount: models.Amount(amount),
		})
		var vErr *validation.ValidationError
		if !errors.As(err, &vErr) {
			t.Errorf("Expected validation error for amount %v, got %v", amount, err)
		}
	}

	rows, err := db.ListOffersByBuyer(context.Background(), p.buyer)
	if err != nil {
		t.Fatalf("Failed to list offers: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("Expected no stored offers, got %d", len(rows))
	}
}

func TestSubmitOffer_RejectsOtherActor(t *testing.T) {
	svc, _ := setupTestService(t)
	p := newParties()

	_, err := svc.SubmitOffer(context.Background(), uuid.New().String(), models.SubmitOfferRequest{
		PropertyID:  p.property,
		BuyerID:     p.buyer,
		SellerID:    p.seller,
		OfferAmount: models.Amount(1000),
	})
	if !errors.Is(err, negotiation.ErrForbidden) {
		t.Errorf("Expected ErrForbidden, got %v", err)
	}
}

func TestSubmitOffer_ChecksPropertyOwner(t *testing.T) {
	svc, _ := setupTestService(t)
	p := newParties()
	listProperty(t, svc, p, 350000)

	_, err := svc.SubmitOffer(context.Background(), p.buyer, models.SubmitOfferRequest{
		PropertyID:  p.property,
		BuyerID:     p.buyer,
		SellerID:    uuid.New().String(),
		OfferAmount: models.Amount(1000),
	})
	var vErr *validation.ValidationError
	if !errors.As(err, &vErr) || vErr.Field != "seller_id" {
		t.Errorf("Expected seller_id validation error, got %v", err)
	}
}

func TestAcceptOffer_OnlyFromPending(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupTestService(t)
	p := newParties()

	accepted := submit(t, svc, p, 1000)
	if _, err := svc.AcceptOffer(ctx, p.seller, accepted.ID, ""); err != nil {
		t.Fatalf("Failed to accept offer: %v", err)
	}

	declined := submit(t, svc, p, 1000)
	if _, err := svc.DeclineOffer(ctx, p.seller, declined.ID, ""); err != nil {
		t.Fatalf("Failed to decline offer: %v", err)
	}

	countered := submit(t, svc, p, 1000)
	if _, err := svc.CounterOffer(ctx, p.seller, countered.ID, models.CounterOfferRequest{CounterAmount: models.Amount(1200)}); err != nil {
		t.Fatalf("Failed to counter offer: %v", err)
	}

	for _, offer := range []models.Offer{accepted, declined, countered} {
		_, err := svc.AcceptOffer(ctx, p.seller, offer.ID, "")
		if !errors.Is(err, negotiation.ErrInvalidTransition) {
			t.Errorf("Expected ErrInvalidTransition for offer %s, got %v", offer.ID, err)
		}
	}
}

func TestAcceptOffer_RejectsBuyer(t *testing.T) {
	svc, db := setupTestService(t)
	p := newParties()
	offer := submit(t, svc, p, 1000)

	_, err := svc.AcceptOffer(context.Background(), p.buyer, offer.ID, "")
	if !errors.Is(err, negotiation.ErrForbidden) {
		t.Fatalf("Expected ErrForbidden, got %v", err)
	}

	stored, _ := db.GetOffer(context.Background(), offer.ID)
	if stored.Status != models.StatusPending {
		t.Errorf("Expected offer to stay pending, got %s", stored.Status)
	}
}

func TestTransition_RejectsStranger(t *testing.T) {
	svc, _ := setupTestService(t)
	p := newParties()
	offer := submit(t, svc, p, 1000)

	_, err := svc.DeclineOffer(context.Background(), uuid.New().String(), offer.ID, "")
	if !errors.Is(err, negotiation.ErrForbidden) {
		t.Errorf("Expected ErrForbidden, got %v", err)
	}
}

func TestTransition_UnknownOffer(t *testing.T) {
	svc, _ := setupTestService(t)

	_, err := svc.AcceptOffer(context.Background(), uuid.New().String(), uuid.New().String(), "")
	if !errors.Is(err, database.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCounterOffer_RejectsBadAmountBeforeWrite(t *testing.T) {
	svc, db := setupTestService(t)
	p := newParties()
	offer := submit(t, svc, p, 1000)

	inputs := []models.AmountInput{
		{},
		{Raw: "", Present: true},
		{Raw: "abc", Present: true},
		{Raw: "0", Present: true},
		{Raw: "-5", Present: true},
		{Raw: "1,50", Present: true},
		{Raw: "4,2,0,000", Present: true},
		{Raw: "0x1p4", Present: true},
		{Raw: "1_000", Present: true},
	}
	for _, in := range inputs {
		_, err := svc.CounterOffer(context.Background(), p.seller, offer.ID, models.CounterOfferRequest{CounterAmount: in})
		var vErr *validation.ValidationError
		if !errors.As(err, &vErr) {
			t.Errorf("Expected validation error for %+v, got %v", in, err)
		}
	}

	stored, _ := db.GetOffer(context.Background(), offer.ID)
	if stored.Status != models.StatusPending || stored.CounterAmount != nil {
		t.Errorf("Expected untouched pending offer, got status %s counter %v", stored.Status, stored.CounterAmount)
	}

	history, err := db.ListStatusChanges(context.Background(), offer.ID)
	if err != nil {
		t.Fatalf("Failed to list history: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("Expected no history rows, got %d", len(history))
	}
}

func TestCounterOffer_AcceptsStringAmount(t *testing.T) {
	svc, _ := setupTestService(t)
	p := newParties()
	offer := submit(t, svc, p, 1000)

	got, err := svc.CounterOffer(context.Background(), p.seller, offer.ID, models.CounterOfferRequest{
		CounterAmount: models.AmountInput{Raw: "1,250.50", Present: true},
	})
	if err != nil {
		t.Fatalf("Failed to counter: %v", err)
	}
	if got.CounterAmount == nil || *got.CounterAmount != 1250.50 {
		t.Errorf("Expected counter amount 1250.50, got %v", got.CounterAmount)
	}
	if got.OfferAmount != 1000 {
		t.Errorf("Expected offer amount unchanged, got %v", got.OfferAmount)
	}
}

func TestAcceptCounterOffer_FoldsCounterAmount(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupTestService(t)
	p := newParties()
	offer := submit(t, svc, p, 140000)

	if _, err := svc.CounterOffer(ctx, p.seller, offer.ID, models.CounterOfferRequest{CounterAmount: models.Amount(150000)}); err != nil {
		t.Fatalf("Failed to counter: %v", err)
	}

	got, err := svc.AcceptCounterOffer(ctx, p.buyer, offer.ID)
	if err != nil {
		t.Fatalf("Failed to accept counter: %v", err)
	}
	if got.Status != models.StatusAccepted {
		t.Errorf("Expected status accepted, got %s", got.Status)
	}
	if got.OfferAmount != 150000 {
		t.Errorf("Expected offer amount 150000, got %v", got.OfferAmount)
	}
}

func TestDeclineOffer_FromPendingAndCountered(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupTestService(t)
	p := newParties()

	pending := submit(t, svc, p, 1000)
	if _, err := svc.DeclineOffer(ctx, p.seller, pending.ID, ""); err != nil {
		t.Errorf("Expected seller to decline pending offer, got %v", err)
	}

	countered := submit(t, svc, p, 1000)
	if _, err := svc.CounterOffer(ctx, p.seller, countered.ID, models.CounterOfferRequest{CounterAmount: models.Amount(1100)}); err != nil {
		t.Fatalf("Failed to counter: %v", err)
	}
	if _, err := svc.DeclineOffer(ctx, p.buyer, countered.ID, ""); err != nil {
		t.Errorf("Expected buyer to decline counter-offer, got %v", err)
	}

	accepted := submit(t, svc, p, 1000)
	if _, err := svc.AcceptOffer(ctx, p.seller, accepted.ID, ""); err != nil {
		t.Fatalf("Failed to accept: %v", err)
	}

	for _, id := range []string{pending.ID, accepted.ID} {
		if _, err := svc.DeclineOffer(ctx, p.seller, id, ""); !errors.Is(err, negotiation.ErrInvalidTransition) {
			t.Errorf("Expected ErrInvalidTransition for %s, got %v", id, err)
		}
	}
}

func TestWithdrawOffer(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupTestService(t)
	p := newParties()
	offer := submit(t, svc, p, 1000)

	if _, err := svc.WithdrawOffer(ctx, p.seller, offer.ID); !errors.Is(err, negotiation.ErrForbidden) {
		t.Errorf("Expected seller withdraw to be forbidden, got %v", err)
	}

	got, err := svc.WithdrawOffer(ctx, p.buyer, offer.ID)
	if err != nil {
		t.Fatalf("Failed to withdraw: %v", err)
	}
	if got.Status != models.StatusWithdrawn {
		t.Errorf("Expected status withdrawn, got %s", got.Status)
	}
}

func TestPriceDifferencePercent(t *testing.T) {
	svc, _ := setupTestService(t)
	p := newParties()
	listProperty(t, svc, p, 350000)
	submit(t, svc, p, 300000)

	resp, err := svc.ListOffersMade(context.Background(), p.buyer, p.buyer)
	if err != nil {
		t.Fatalf("Failed to list offers: %v", err)
	}
	if len(resp.Offers) != 1 {
		t.Fatalf("Expected 1 offer, got %d", len(resp.Offers))
	}

	diff := resp.Offers[0].PriceDifferencePercent
	if diff == nil {
		t.Fatal("Expected a price difference")
	}
	if math.Abs(*diff-(-14.285714285714286)) > 1e-9 {
		t.Errorf("Expected -14.2857%%, got %v", *diff)
	}
}

func TestScenario_FullNegotiation(t *testing.T) {
	ctx := context.Background()
	svc, db := setupTestService(t)
	p := newParties()

	offer := submit(t, svc, p, 400000)

	countered, err := svc.CounterOffer(ctx, p.seller, offer.ID, models.CounterOfferRequest{CounterAmount: models.Amount(420000)})
	if err != nil {
		t.Fatalf("Failed to counter: %v", err)
	}
	if countered.Status != models.StatusCountered || countered.OfferAmount != 400000 {
		t.Fatalf("Expected countered at 400000, got %s at %v", countered.Status, countered.OfferAmount)
	}

	if _, err := svc.AcceptCounterOffer(ctx, p.buyer, offer.ID); err != nil {
		t.Fatalf("Failed to accept counter: %v", err)
	}

	final, err := db.GetOffer(ctx, offer.ID)
	if err != nil {
		t.Fatalf("Failed to read offer: %v", err)
	}
	if final.Status != models.StatusAccepted {
		t.Errorf("Expected status accepted, got %s", final.Status)
	}
	if final.OfferAmount != 420000 {
		t.Errorf("Expected offer amount 420000, got %v", final.OfferAmount)
	}
	if final.CounterAmount == nil || *final.CounterAmount != 420000 {
		t.Errorf("Expected counter amount 420000, got %v", final.CounterAmount)
	}

	history, err := svc.GetOfferHistory(ctx, p.seller, offer.ID)
	if err != nil {
		t.Fatalf("Failed to read history: %v", err)
	}
	if len(history.Changes) != 2 {
		t.Fatalf("Expected 2 history rows, got %d", len(history.Changes))
	}
	if history.Changes[1].ActorID != p.buyer || history.Changes[1].ToStatus != models.StatusAccepted {
		t.Errorf("Unexpected last change: %+v", history.Changes[1])
	}
}

func TestScenario_DirectDecline(t *testing.T) {
	ctx := context.Background()
	svc, db := setupTestService(t)
	p := newParties()

	offer := submit(t, svc, p, 250000)
	if _, err := svc.DeclineOffer(ctx, p.seller, offer.ID, "too low"); err != nil {
		t.Fatalf("Failed to decline: %v", err)
	}

	final, err := db.GetOffer(ctx, offer.ID)
	if err != nil {
		t.Fatalf("Failed to read offer: %v", err)
	}
	if final.Status != models.StatusDeclined {
		t.Errorf("Expected status declined, got %s", final.Status)
	}
	if final.SellerResponse == nil || *final.SellerResponse != "too low" {
		t.Errorf("Expected seller response 'too low', got %v", final.SellerResponse)
	}
	if final.OfferAmount != 250000 {
		t.Errorf("Expected offer amount unchanged at 250000, got %v", final.OfferAmount)
	}
}

func TestConcurrentAccept_OnlyOneWins(t *testing.T) {
	ctx := context.Background()
	svc, db := setupTestService(t)
	p := newParties()
	offer := submit(t, svc, p, 1000)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.AcceptOffer(ctx, p.seller, offer.ID, "")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, database.ErrConflict), errors.Is(err, negotiation.ErrInvalidTransition):
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("Expected exactly one successful accept, got %d", wins)
	}

	history, _ := db.ListStatusChanges(ctx, offer.ID)
	if len(history) != 1 {
		t.Errorf("Expected one history row, got %d", len(history))
	}
}

func TestEnforceExpiry(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	flags := features.NewManager()
	flags.Register(features.FeatureEnforceExpiry, true, "")

	clock := testNow
	svc := NewService(db, Options{
		Features: flags,
		Now:      func() time.Time { return clock },
	})

	p := newParties()
	expires := testNow.Add(time.Hour)
	offer, err := svc.SubmitOffer(ctx, p.buyer, models.SubmitOfferRequest{
		PropertyID:  p.property,
		BuyerID:     p.buyer,
		SellerID:    p.seller,
		OfferAmount: models.Amount(1000),
		ExpiresAt:   &expires,
	})
	if err != nil {
		t.Fatalf("Failed to submit: %v", err)
	}

	clock = testNow.Add(2 * time.Hour)
	if _, err := svc.AcceptOffer(ctx, p.seller, offer.ID, ""); !errors.Is(err, negotiation.ErrInvalidTransition) {
		t.Errorf("Expected expired offer to be rejected, got %v", err)
	}

	flags.Disable(features.FeatureEnforceExpiry)
	if _, err := svc.AcceptOffer(ctx, p.seller, offer.ID, ""); err != nil {
		t.Errorf("Expected advisory expiry to allow accept, got %v", err)
	}
}

func TestListOffers_AnnotatesCounterparty(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupTestService(t)
	p := newParties()
	listProperty(t, svc, p, 500000)

	name := "Sam Seller"
	if _, err := svc.UpsertProfile(ctx, p.seller, models.Profile{ID: p.seller, DisplayName: &name}); err != nil {
		t.Fatalf("Failed to store profile: %v", err)
	}

	offer := submit(t, svc, p, 450000)

	made, err := svc.ListOffersMade(ctx, p.buyer, p.buyer)
	if err != nil {
		t.Fatalf("Failed to list made: %v", err)
	}
	if len(made.Offers) != 1 {
		t.Fatalf("Expected 1 offer, got %d", len(made.Offers))
	}
	view := made.Offers[0]
	if view.ID != offer.ID || view.CounterpartyID != p.seller {
		t.Errorf("Unexpected view: %+v", view)
	}
	if view.CounterpartyName == nil || *view.CounterpartyName != name {
		t.Errorf("Expected counterparty name %q, got %v", name, view.CounterpartyName)
	}
	if view.Property == nil || view.Property.Title != "Two-bed flat" {
		t.Errorf("Expected property summary, got %+v", view.Property)
	}
	if view.StatusLabel != "Pending" {
		t.Errorf("Expected label Pending, got %s", view.StatusLabel)
	}

	received, err := svc.ListOffersReceived(ctx, p.seller, p.seller)
	if err != nil {
		t.Fatalf("Failed to list received: %v", err)
	}
	if len(received.Offers) != 1 || received.Offers[0].CounterpartyID != p.buyer {
		t.Fatalf("Unexpected received listing: %+v", received.Offers)
	}
	if received.Offers[0].CounterpartyName != nil {
		t.Errorf("Expected nil name for buyer without profile, got %v", *received.Offers[0].CounterpartyName)
	}
}

func TestListOffers_OtherUserForbidden(t *testing.T) {
	svc, _ := setupTestService(t)
	p := newParties()

	_, err := svc.ListOffersReceived(context.Background(), p.buyer, p.seller)
	if !errors.Is(err, negotiation.ErrForbidden) {
		t.Errorf("Expected ErrForbidden, got %v", err)
	}
}

func TestListOffers_CacheInvalidatedOnTransition(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	flags := features.NewManager()
	flags.Register(features.FeatureCacheEnabled, true, "")

	svc := NewService(db, Options{
		Cache:    cache.NewInMemoryCache(),
		CacheTTL: time.Hour,
		Features: flags,
		Now:      func() time.Time { return testNow },
	})
	p := newParties()
	offer := submit(t, svc, p, 1000)

	before, err := svc.ListOffersReceived(ctx, p.seller, p.seller)
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if before.Offers[0].Status != models.StatusPending {
		t.Fatalf("Expected pending, got %s", before.Offers[0].Status)
	}

	if _, err := svc.AcceptOffer(ctx, p.seller, offer.ID, ""); err != nil {
		t.Fatalf("Failed to accept: %v", err)
	}

	after, err := svc.ListOffersReceived(ctx, p.seller, p.seller)
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if after.Offers[0].Status != models.StatusAccepted {
		t.Errorf("Expected fresh listing after accept, got %s", after.Offers[0].Status)
	}
}

func TestEventsPublishedOnTransition(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	mgr := events.NewManager(true, nil)

	var mu sync.Mutex
	var seen []events.EventType
	for _, et := range events.AllOfferEvents {
		mgr.Subscribe(et, func(ctx context.Context, e events.Event) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, e.Type)
			return nil
		})
	}

	svc := NewService(db, Options{Events: mgr, Now: func() time.Time { return testNow }})
	p := newParties()
	offer := submit(t, svc, p, 1000)
	mgr.Wait()
	if _, err := svc.CounterOffer(ctx, p.seller, offer.ID, models.CounterOfferRequest{CounterAmount: models.Amount(1100)}); err != nil {
		t.Fatalf("Failed to counter: %v", err)
	}
	mgr.Wait()

	mu.Lock()
	defer mu.Unlock()
	want := []events.EventType{events.EventOfferSubmitted, events.EventOfferCountered}
	if len(seen) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("Expected event %s at %d, got %s", want[i], i, seen[i])
		}
	}
}

func TestGetOffer_PartyOnly(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupTestService(t)
	p := newParties()
	offer := submit(t, svc, p, 1000)

	view, err := svc.GetOffer(ctx, p.seller, offer.ID)
	if err != nil {
		t.Fatalf("Failed to get offer: %v", err)
	}
	if view.CounterpartyID != p.buyer {
		t.Errorf("Expected counterparty %s, got %s", p.buyer, view.CounterpartyID)
	}
	if view.PriceDifferencePercent != nil {
		t.Errorf("Expected no price difference without a property, got %v", *view.PriceDifferencePercent)
	}

	if _, err := svc.GetOffer(ctx, uuid.New().String(), offer.ID); !errors.Is(err, negotiation.ErrForbidden) {
		t.Errorf("Expected ErrForbidden, got %v", err)
	}
}

func TestUpsertProperty_OwnerOnly(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupTestService(t)
	p := newParties()
	listProperty(t, svc, p, 100000)

	intruder := uuid.New().String()
	_, err := svc.UpsertProperty(ctx, intruder, models.Property{
		ID:      p.property,
		OwnerID: intruder,
		Title:   "Mine now",
		Price:   1,
	})
	if !errors.Is(err, negotiation.ErrForbidden) {
		t.Errorf("Expected ErrForbidden, got %v", err)
	}

	got, err := svc.GetProperty(ctx, p.property)
	if err != nil {
		t.Fatalf("Failed to get property: %v", err)
	}
	if got.OwnerID != p.seller {
		t.Errorf("Expected owner unchanged, got %s", got.OwnerID)
	}
}

func TestOfferView_AllowedActionsFollowRole(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupTestService(t)
	p := newParties()
	offer := submit(t, svc, p, 1000)

	check := func(actor string, want []string) {
		t.Helper()
		view, err := svc.GetOffer(ctx, actor, offer.ID)
		if err != nil {
			t.Fatalf("Failed to get offer: %v", err)
		}
		if strings.Join(view.AllowedActions, ",") != strings.Join(want, ",") {
			t.Errorf("Expected actions %v, got %v", want, view.AllowedActions)
		}
	}

	check(p.seller, []string{"accept", "decline", "counter"})
	check(p.buyer, []string{"withdraw"})

	if _, err := svc.CounterOffer(ctx, p.seller, offer.ID, models.CounterOfferRequest{CounterAmount: models.Amount(1200)}); err != nil {
		t.Fatalf("Failed to counter: %v", err)
	}
	check(p.seller, []string{})
	check(p.buyer, []string{"decline", "accept_counter"})

	if _, err := svc.AcceptCounterOffer(ctx, p.buyer, offer.ID); err != nil {
		t.Fatalf("Failed to accept counter: %v", err)
	}
	check(p.buyer, []string{})
}

func TestUpsertProperty_InvalidatesCachedListings(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	flags := features.NewManager()
	flags.Register(features.FeatureCacheEnabled, true, "")

	svc := NewService(db, Options{
		Cache:    cache.NewInMemoryCache(),
		CacheTTL: time.Hour,
		Features: flags,
		Now:      func() time.Time { return testNow },
	})
	p := newParties()
	listProperty(t, svc, p, 500000)
	submit(t, svc, p, 450000)

	diff := func(resp models.OffersResponse) float64 {
		t.Helper()
		if len(resp.Offers) != 1 || resp.Offers[0].PriceDifferencePercent == nil {
			t.Fatalf("Expected one offer with a price difference, got %+v", resp.Offers)
		}
		return *resp.Offers[0].PriceDifferencePercent
	}

	made, err := svc.ListOffersMade(ctx, p.buyer, p.buyer)
	if err != nil {
		t.Fatalf("Failed to list made: %v", err)
	}
	received, err := svc.ListOffersReceived(ctx, p.seller, p.seller)
	if err != nil {
		t.Fatalf("Failed to list received: %v", err)
	}
	if diff(made) != -10 || diff(received) != -10 {
		t.Fatalf("Expected -10%% before repricing, got %v and %v", diff(made), diff(received))
	}

	listProperty(t, svc, p, 400000)

	made, err = svc.ListOffersMade(ctx, p.buyer, p.buyer)
	if err != nil {
		t.Fatalf("Failed to list made: %v", err)
	}
	received, err = svc.ListOffersReceived(ctx, p.seller, p.seller)
	if err != nil {
		t.Fatalf("Failed to list received: %v", err)
	}
	if diff(made) != 12.5 || diff(received) != 12.5 {
		t.Errorf("Expected 12.5%% after repricing, got %v and %v", diff(made), diff(received))
	}
	if made.Offers[0].Property.Price != 400000 {
		t.Errorf("Expected refreshed property price, got %v", made.Offers[0].Property.Price)
	}
}

func TestDeclineCounter_BuyerNoteReplacesCounterNote(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupTestService(t)
	p := newParties()
	offer := submit(t, svc, p, 1000)

	if _, err := svc.CounterOffer(ctx, p.seller, offer.ID, models.CounterOfferRequest{
		CounterAmount:  models.Amount(1200),
		SellerResponse: "Can meet you at 1200",
	}); err != nil {
		t.Fatalf("Failed to counter: %v", err)
	}

	// The response field holds the note of whoever answered last.
	declined, err := svc.DeclineOffer(ctx, p.buyer, offer.ID, "Too high for us")
	if err != nil {
		t.Fatalf("Failed to decline: %v", err)
	}
	if declined.SellerResponse == nil || *declined.SellerResponse != "Too high for us" {
		t.Errorf("Expected buyer's note, got %v", declined.SellerResponse)
	}

	// Without a note the counter note stays.
	other := submit(t, svc, p, 1000)
	if _, err := svc.CounterOffer(ctx, p.seller, other.ID, models.CounterOfferRequest{
		CounterAmount:  models.Amount(1200),
		SellerResponse: "Can meet you at 1200",
	}); err != nil {
		t.Fatalf("Failed to counter: %v", err)
	}
	declined, err = svc.DeclineOffer(ctx, p.buyer, other.ID, "")
	if err != nil {
		t.Fatalf("Failed to decline: %v", err)
	}
	if declined.SellerResponse == nil || *declined.SellerResponse != "Can meet you at 1200" {
		t.Errorf("Expected counter note to remain, got %v", declined.SellerResponse)
	}
}
