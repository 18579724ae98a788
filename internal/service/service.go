package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"offer-negotiation-api/internal/cache"
	"offer-negotiation-api/internal/database"
	"offer-negotiation-api/internal/events"
	"offer-negotiation-api/internal/features"
	"offer-negotiation-api/internal/models"
	"offer-negotiation-api/internal/negotiation"
	"offer-negotiation-api/internal/tracing"
	"offer-negotiation-api/internal/validation"
)

const (
	defaultCurrency = "USD"
	defaultCacheTTL = 30 * time.Second

	// maxProfileLookups bounds concurrent profile reads for one listing.
	maxProfileLookups = 8
)

// Options configures a Service. Zero values fall back to defaults.
type Options struct {
	Cache           cache.Cache
	CacheTTL        time.Duration
	Events          *events.Manager
	Features        *features.Manager
	Limits          validation.Limits
	DefaultCurrency string
	Now             func() time.Time
}

// Service runs the offer negotiation workflow on top of the store.
type Service struct {
	db              *database.DB
	cache           cache.Cache
	cacheTTL        time.Duration
	events          *events.Manager
	features        *features.Manager
	limits          validation.Limits
	defaultCurrency string
	now             func() time.Time
}

// NewService creates a new service instance.
func NewService(db *database.DB, opts Options) *Service {
	s := &Service{
		db:              db,
		cache:           opts.Cache,
		cacheTTL:        opts.CacheTTL,
		events:          opts.Events,
		features:        opts.Features,
		limits:          opts.Limits,
		defaultCurrency: opts.DefaultCurrency,
		now:             opts.Now,
	}
	if s.cache == nil {
		s.cache = cache.Noop{}
	}
	if s.cacheTTL <= 0 {
		s.cacheTTL = defaultCacheTTL
	}
	if s.events == nil {
		s.events = events.NewManager(false, nil)
	}
	if s.limits.MaxAmount <= 0 {
		s.limits = validation.DefaultLimits()
	}
	if s.defaultCurrency == "" {
		s.defaultCurrency = defaultCurrency
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// SubmitOffer records a new pending offer from the acting buyer.
func (s *Service) SubmitOffer(ctx context.Context, actorID string, req models.SubmitOfferRequest) (offer models.Offer, err error) {
	ctx, span := tracing.Start(ctx, "service.SubmitOffer")
	defer func() { tracing.End(span, err) }()

	req.PropertyID = normalizeID(req.PropertyID)
	req.BuyerID = normalizeID(req.BuyerID)
	req.SellerID = normalizeID(req.SellerID)
	req.Currency = strings.ToUpper(validation.SanitizeString(req.Currency))
	actorID = normalizeID(actorID)

	if req.BuyerID != "" && actorID != req.BuyerID {
		return models.Offer{}, fmt.Errorf("%w: offers can only be submitted on your own behalf", negotiation.ErrForbidden)
	}

	now := s.now().UTC()
	amount, err := validation.ValidateSubmitOffer(actorID, req, s.limits, now)
	if err != nil {
		return models.Offer{}, err
	}

	property, err := s.db.GetProperty(ctx, req.PropertyID)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return models.Offer{}, fmt.Errorf("failed to load property: %w", err)
	case property.OwnerID != req.SellerID:
		return models.Offer{}, &validation.ValidationError{
			Field:   "seller_id",
			Message: "does not own this property",
		}
	}

	currency := req.Currency
	if currency == "" {
		currency = s.defaultCurrency
	}

	offer = models.Offer{
		ID:          uuid.New().String(),
		PropertyID:  req.PropertyID,
		BuyerID:     req.BuyerID,
		SellerID:    req.SellerID,
		OfferAmount: amount,
		Currency:    currency,
		Status:      models.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if msg := validation.SanitizeString(req.Message); msg != "" {
		offer.Message = &msg
	}
	if req.ExpiresAt != nil {
		expires := req.ExpiresAt.UTC()
		offer.ExpiresAt = &expires
	}

	if err := s.db.InsertOffer(ctx, offer); err != nil {
		return models.Offer{}, err
	}
	span.SetAttributes(attribute.String("offer.id", offer.ID))

	s.invalidate(ctx, offer)
	s.events.PublishOfferChanged(ctx, events.EventOfferSubmitted, offer, "", actorID)

	return offer, nil
}

// AcceptOffer lets the seller accept a pending offer.
func (s *Service) AcceptOffer(ctx context.Context, actorID, offerID, sellerResponse string) (models.Offer, error) {
	resp := validation.SanitizeString(sellerResponse)
	if err := validation.ValidateText(resp, "seller_response"); err != nil {
		return models.Offer{}, err
	}
	return s.transition(ctx, offerID, negotiation.Command{
		Action:         negotiation.ActionAccept,
		ActorID:        actorID,
		SellerResponse: resp,
	}, events.EventOfferAccepted)
}

// DeclineOffer lets the seller decline a pending offer, or the buyer
// decline a counter-offer.
func (s *Service) DeclineOffer(ctx context.Context, actorID, offerID, sellerResponse string) (models.Offer, error) {
	resp := validation.SanitizeString(sellerResponse)
	if err := validation.ValidateText(resp, "seller_response"); err != nil {
		return models.Offer{}, err
	}
	return s.transition(ctx, offerID, negotiation.Command{
		Action:         negotiation.ActionDecline,
		ActorID:        actorID,
		SellerResponse: resp,
	}, events.EventOfferDeclined)
}

// CounterOffer lets the seller propose a different price on a pending offer.
// The amount is validated before the store is touched.
func (s *Service) CounterOffer(ctx context.Context, actorID, offerID string, req models.CounterOfferRequest) (models.Offer, error) {
	amount, err := validation.ParseAmount(req.CounterAmount, "counter_amount", s.limits)
	if err != nil {
		return models.Offer{}, err
	}
	resp := validation.SanitizeString(req.SellerResponse)
	if err := validation.ValidateText(resp, "seller_response"); err != nil {
		return models.Offer{}, err
	}
	return s.transition(ctx, offerID, negotiation.Command{
		Action:         negotiation.ActionCounter,
		ActorID:        actorID,
		CounterAmount:  amount,
		SellerResponse: resp,
	}, events.EventOfferCountered)
}

// AcceptCounterOffer lets the buyer accept the seller's counter-offer.
// The counter amount becomes the agreed offer amount.
func (s *Service) AcceptCounterOffer(ctx context.Context, actorID, offerID string) (models.Offer, error) {
	return s.transition(ctx, offerID, negotiation.Command{
		Action:  negotiation.ActionAcceptCounter,
		ActorID: actorID,
	}, events.EventCounterAccepted)
}

// WithdrawOffer lets the buyer retract a pending offer.
func (s *Service) WithdrawOffer(ctx context.Context, actorID, offerID string) (models.Offer, error) {
	return s.transition(ctx, offerID, negotiation.Command{
		Action:  negotiation.ActionWithdraw,
		ActorID: actorID,
	}, events.EventOfferWithdrawn)
}

func (s *Service) transition(ctx context.Context, offerID string, cmd negotiation.Command, eventType events.EventType) (next models.Offer, err error) {
	ctx, span := tracing.Start(ctx, "service."+string(cmd.Action))
	defer func() { tracing.End(span, err) }()

	offerID = normalizeID(offerID)
	cmd.ActorID = normalizeID(cmd.ActorID)
	span.SetAttributes(
		attribute.String("offer.id", offerID),
		attribute.String("offer.action", string(cmd.Action)),
	)

	if err := validation.ValidateUUID(offerID, "offer_id"); err != nil {
		return models.Offer{}, err
	}

	offer, err := s.db.GetOffer(ctx, offerID)
	if err != nil {
		return models.Offer{}, err
	}

	now := s.now().UTC()
	if _, err := negotiation.RoleOf(offer, cmd.ActorID); err != nil {
		return models.Offer{}, err
	}
	if s.features.IsEnabled(features.FeatureEnforceExpiry) && !negotiation.IsTerminal(offer.Status) && offer.IsExpired(now) {
		return models.Offer{}, fmt.Errorf("%w: offer %s expired at %s",
			negotiation.ErrInvalidTransition, offer.ID, offer.ExpiresAt.Format(time.RFC3339))
	}

	next, err = negotiation.Apply(offer, cmd, now)
	if err != nil {
		return models.Offer{}, err
	}

	change := models.StatusChange{
		ID:         uuid.New().String(),
		OfferID:    offer.ID,
		FromStatus: offer.Status,
		ToStatus:   next.Status,
		ActorID:    cmd.ActorID,
		ChangedAt:  now,
	}
	if err := s.db.TransitionOffer(ctx, next, offer.Status, change); err != nil {
		return models.Offer{}, err
	}

	s.invalidate(ctx, next)
	s.events.PublishOfferChanged(ctx, eventType, next, offer.Status, cmd.ActorID)

	return next, nil
}

// GetOffer returns one offer annotated for the acting party.
func (s *Service) GetOffer(ctx context.Context, actorID, offerID string) (view models.OfferView, err error) {
	ctx, span := tracing.Start(ctx, "service.GetOffer")
	defer func() { tracing.End(span, err) }()

	offerID = normalizeID(offerID)
	actorID = normalizeID(actorID)
	if err := validation.ValidateUUID(offerID, "offer_id"); err != nil {
		return models.OfferView{}, err
	}

	offer, property, err := s.db.GetOfferWithProperty(ctx, offerID)
	if err != nil {
		return models.OfferView{}, err
	}

	role, err := negotiation.RoleOf(offer, actorID)
	if err != nil {
		return models.OfferView{}, err
	}

	counterparty := counterpartyOf(offer, role)
	name, err := s.displayName(ctx, counterparty)
	if err != nil {
		return models.OfferView{}, err
	}

	return buildView(offer, property, role, counterparty, name), nil
}

// GetOfferHistory returns the recorded transitions of an offer.
// Only its buyer or seller may read it.
func (s *Service) GetOfferHistory(ctx context.Context, actorID, offerID string) (models.HistoryResponse, error) {
	offerID = normalizeID(offerID)
	actorID = normalizeID(actorID)
	if err := validation.ValidateUUID(offerID, "offer_id"); err != nil {
		return models.HistoryResponse{}, err
	}

	offer, err := s.db.GetOffer(ctx, offerID)
	if err != nil {
		return models.HistoryResponse{}, err
	}
	if _, err := negotiation.RoleOf(offer, actorID); err != nil {
		return models.HistoryResponse{}, err
	}

	changes, err := s.db.ListStatusChanges(ctx, offerID)
	if err != nil {
		return models.HistoryResponse{}, err
	}
	if changes == nil {
		changes = []models.StatusChange{}
	}

	return models.HistoryResponse{OfferID: offerID, Changes: changes}, nil
}

// ListOffersMade returns the offers the user submitted as a buyer.
func (s *Service) ListOffersMade(ctx context.Context, actorID, userID string) (models.OffersResponse, error) {
	return s.listOffers(ctx, actorID, userID, negotiation.RoleBuyer)
}

// ListOffersReceived returns the offers made on the user's properties.
func (s *Service) ListOffersReceived(ctx context.Context, actorID, userID string) (models.OffersResponse, error) {
	return s.listOffers(ctx, actorID, userID, negotiation.RoleSeller)
}

func (s *Service) listOffers(ctx context.Context, actorID, userID string, role negotiation.Role) (resp models.OffersResponse, err error) {
	ctx, span := tracing.Start(ctx, "service.ListOffers")
	defer func() { tracing.End(span, err) }()
	span.SetAttributes(attribute.String("offer.role", string(role)))

	userID = normalizeID(userID)
	actorID = normalizeID(actorID)
	if err := validation.ValidateUUID(userID, "user_id"); err != nil {
		return models.OffersResponse{}, err
	}
	if actorID != userID {
		return models.OffersResponse{}, fmt.Errorf("%w: offers of another user", negotiation.ErrForbidden)
	}

	key := cache.OffersMadeKey(userID)
	if role == negotiation.RoleSeller {
		key = cache.OffersReceivedKey(userID)
	}

	useCache := s.features.IsEnabled(features.FeatureCacheEnabled)
	if useCache {
		var cached models.OffersResponse
		if err := cache.GetJSON(ctx, s.cache, key, &cached); err == nil {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return cached, nil
		}
	}

	var rows []database.OfferRow
	if role == negotiation.RoleSeller {
		rows, err = s.db.ListOffersBySeller(ctx, userID)
	} else {
		rows, err = s.db.ListOffersByBuyer(ctx, userID)
	}
	if err != nil {
		return models.OffersResponse{}, err
	}

	counterparties := make([]string, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		id := counterpartyOf(row.Offer, role)
		if !seen[id] {
			seen[id] = true
			counterparties = append(counterparties, id)
		}
	}

	names, err := s.displayNames(ctx, counterparties)
	if err != nil {
		return models.OffersResponse{}, err
	}

	resp = models.OffersResponse{UserID: userID, Offers: make([]models.OfferView, 0, len(rows))}
	for _, row := range rows {
		id := counterpartyOf(row.Offer, role)
		resp.Offers = append(resp.Offers, buildView(row.Offer, row.Property, role, id, names[id]))
	}

	if useCache {
		_ = cache.SetJSON(ctx, s.cache, key, resp, s.cacheTTL)
	}

	return resp, nil
}

// displayNames resolves every id concurrently. Missing profiles map to nil.
func (s *Service) displayNames(ctx context.Context, ids []string) (map[string]*string, error) {
	names := make([]*string, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxProfileLookups)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			name, err := s.displayName(gctx, id)
			if err != nil {
				return err
			}
			names[i] = name
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := make(map[string]*string, len(ids))
	for i, id := range ids {
		result[id] = names[i]
	}
	return result, nil
}

func (s *Service) displayName(ctx context.Context, userID string) (*string, error) {
	useCache := s.features.IsEnabled(features.FeatureCacheEnabled)
	key := cache.ProfileKey(userID)

	if useCache {
		var cached models.Profile
		if err := cache.GetJSON(ctx, s.cache, key, &cached); err == nil {
			return cached.DisplayName, nil
		}
	}

	profile, err := s.db.GetProfile(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile %s: %w", userID, err)
	}

	if useCache {
		_ = cache.SetJSON(ctx, s.cache, key, profile, s.cacheTTL)
	}
	return profile.DisplayName, nil
}

// UpsertProperty stores a property summary. Only the owner may publish
// or change it.
func (s *Service) UpsertProperty(ctx context.Context, actorID string, p models.Property) (models.Property, error) {
	p.ID = normalizeID(p.ID)
	p.OwnerID = normalizeID(p.OwnerID)
	p.Title = validation.SanitizeString(p.Title)
	p.Address = validation.SanitizeString(p.Address)
	if p.Images == nil {
		p.Images = []string{}
	}

	if err := validation.ValidateProperty(p, s.limits); err != nil {
		return models.Property{}, err
	}
	if normalizeID(actorID) != p.OwnerID {
		return models.Property{}, fmt.Errorf("%w: property of another user", negotiation.ErrForbidden)
	}

	existing, err := s.db.GetProperty(ctx, p.ID)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return models.Property{}, fmt.Errorf("failed to load property: %w", err)
	case existing.OwnerID != p.OwnerID:
		return models.Property{}, fmt.Errorf("%w: property of another user", negotiation.ErrForbidden)
	}

	p.UpdatedAt = s.now().UTC()
	if err := s.db.UpsertProperty(ctx, p); err != nil {
		return models.Property{}, err
	}
	s.invalidateProperty(ctx, p)
	return p, nil
}

// invalidateProperty drops the cached listings that embed the property.
func (s *Service) invalidateProperty(ctx context.Context, p models.Property) {
	keys := []string{cache.OffersReceivedKey(p.OwnerID)}
	// On a lookup failure only the owner's listing is dropped.
	if buyers, sellers, err := s.db.PropertyParties(ctx, p.ID); err == nil {
		for _, id := range buyers {
			keys = append(keys, cache.OffersMadeKey(id))
		}
		for _, id := range sellers {
			keys = append(keys, cache.OffersReceivedKey(id))
		}
	}
	_ = s.cache.Delete(ctx, keys...)
}

// GetProperty returns a stored property summary.
func (s *Service) GetProperty(ctx context.Context, propertyID string) (models.Property, error) {
	propertyID = normalizeID(propertyID)
	if err := validation.ValidateUUID(propertyID, "property_id"); err != nil {
		return models.Property{}, err
	}
	return s.db.GetProperty(ctx, propertyID)
}

// UpsertProfile stores a user's display name. Users may only edit their own profile.
func (s *Service) UpsertProfile(ctx context.Context, actorID string, p models.Profile) (models.Profile, error) {
	p.ID = normalizeID(p.ID)
	if err := validation.ValidateUUID(p.ID, "user_id"); err != nil {
		return models.Profile{}, err
	}
	if normalizeID(actorID) != p.ID {
		return models.Profile{}, fmt.Errorf("%w: profile of another user", negotiation.ErrForbidden)
	}
	if p.DisplayName != nil {
		name := validation.SanitizeString(*p.DisplayName)
		if err := validation.ValidateText(name, "display_name"); err != nil {
			return models.Profile{}, err
		}
		if name == "" {
			p.DisplayName = nil
		} else {
			p.DisplayName = &name
		}
	}

	if err := s.db.UpsertProfile(ctx, p); err != nil {
		return models.Profile{}, err
	}
	_ = s.cache.Delete(ctx, cache.ProfileKey(p.ID))
	return p, nil
}

// Health reports whether the store is reachable.
func (s *Service) Health(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// invalidate drops the cached listings of both parties of an offer.
func (s *Service) invalidate(ctx context.Context, offer models.Offer) {
	_ = s.cache.Delete(ctx,
		cache.OffersMadeKey(offer.BuyerID),
		cache.OffersReceivedKey(offer.SellerID),
	)
}

func buildView(offer models.Offer, property *models.Property, role negotiation.Role, counterpartyID string, name *string) models.OfferView {
	view := models.OfferView{
		Offer:            offer,
		CounterpartyID:   counterpartyID,
		CounterpartyName: name,
		Property:         property,
		StatusLabel:      negotiation.StatusLabel(offer.Status),
		AllowedActions:   []string{},
	}
	for _, a := range negotiation.AllowedActions(offer.Status, role) {
		view.AllowedActions = append(view.AllowedActions, string(a))
	}
	if property != nil {
		if diff, ok := negotiation.PriceDifferencePercent(offer.OfferAmount, property.Price); ok {
			view.PriceDifferencePercent = &diff
		}
	}
	return view
}

func counterpartyOf(offer models.Offer, role negotiation.Role) string {
	if role == negotiation.RoleSeller {
		return offer.BuyerID
	}
	return offer.SellerID
}

func normalizeID(id string) string {
	return strings.ToLower(validation.SanitizeString(id))
}
