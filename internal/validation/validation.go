package validation

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"offer-negotiation-api/internal/models"
)

const (
	// DefaultMaxAmount bounds any single offer or counter amount.
	DefaultMaxAmount = 1e12

	maxMessageLength = 2000
	maxTitleLength   = 300
	maxImages        = 50
)

var (
	uuidRegex     = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)
	amountRegex   = regexp.MustCompile(`^-?(\d+|\d{1,3}(,\d{3})+)(\.\d+)?$`)
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// Limits carries the configurable bounds used by amount validation.
type Limits struct {
	MaxAmount float64
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxAmount: DefaultMaxAmount}
}

// ParseAmount turns user input into a validated monetary amount.
// Only plain decimals are accepted, with commas allowed as correctly grouped
// thousands separators. Absent, blank, non-numeric, non-positive and
// over-precise input is rejected.
func ParseAmount(in models.AmountInput, field string, limits Limits) (float64, error) {
	raw := SanitizeString(in.Raw)
	if !in.Present || raw == "" {
		return 0, &ValidationError{
			Field:   field,
			Message: "enter an amount",
		}
	}

	if !amountRegex.MatchString(raw) {
		return 0, &ValidationError{
			Field:   field,
			Message: "must be a number",
		}
	}

	amount, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
	if err != nil {
		return 0, &ValidationError{
			Field:   field,
			Message: "must be a number",
		}
	}

	if err := ValidateAmount(amount, field, limits); err != nil {
		return 0, err
	}

	return amount, nil
}

// ValidateAmount checks an already-parsed amount.
func ValidateAmount(amount float64, field string, limits Limits) error {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return &ValidationError{
			Field:   field,
			Message: "must be a number",
		}
	}

	if amount <= 0 {
		return &ValidationError{
			Field:   field,
			Message: "must be positive",
		}
	}

	maxAmount := limits.MaxAmount
	if maxAmount <= 0 {
		maxAmount = DefaultMaxAmount
	}
	if amount > maxAmount {
		return &ValidationError{
			Field:   field,
			Message: "exceeds maximum allowed amount",
		}
	}

	cents := amount * 100
	if math.Abs(cents-math.Round(cents)) > 1e-6 {
		return &ValidationError{
			Field:   field,
			Message: "cannot have more than 2 decimal places",
		}
	}

	return nil
}

// ValidateCurrency checks a three-letter currency code.
func ValidateCurrency(code string) error {
	if !currencyRegex.MatchString(code) {
		return &ValidationError{
			Field:   "currency",
			Message: "must be a 3-letter upper-case currency code",
		}
	}
	return nil
}

// ValidateText bounds an optional free-text note.
func ValidateText(text, field string) error {
	if utf8.RuneCountInString(text) > maxMessageLength {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("cannot exceed %d characters", maxMessageLength),
		}
	}
	return nil
}

// ValidateSubmitOffer checks a submission before anything is written.
// The acting user must be the buyer.
func ValidateSubmitOffer(actorID string, req models.SubmitOfferRequest, limits Limits, now time.Time) (float64, error) {
	if err := ValidateUUID(req.PropertyID, "property_id"); err != nil {
		return 0, err
	}

	if err := ValidateUUID(req.BuyerID, "buyer_id"); err != nil {
		return 0, err
	}

	if err := ValidateUUID(req.SellerID, "seller_id"); err != nil {
		return 0, err
	}

	if strings.EqualFold(req.BuyerID, req.SellerID) {
		return 0, &ValidationError{
			Field:   "seller_id",
			Message: "cannot make an offer on your own property",
		}
	}

	if !strings.EqualFold(actorID, req.BuyerID) {
		return 0, &ValidationError{
			Field:   "buyer_id",
			Message: "must match the acting user",
		}
	}

	amount, err := ParseAmount(req.OfferAmount, "offer_amount", limits)
	if err != nil {
		return 0, err
	}

	if req.Currency != "" {
		if err := ValidateCurrency(req.Currency); err != nil {
			return 0, err
		}
	}

	if err := ValidateText(req.Message, "message"); err != nil {
		return 0, err
	}

	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return 0, &ValidationError{
			Field:   "expires_at",
			Message: "must be in the future",
		}
	}

	return amount, nil
}

// ValidateProperty checks a property summary before it is stored.
func ValidateProperty(p models.Property, limits Limits) error {
	if err := ValidateUUID(p.ID, "id"); err != nil {
		return err
	}

	if err := ValidateUUID(p.OwnerID, "owner_id"); err != nil {
		return err
	}

	if p.Title == "" {
		return &ValidationError{
			Field:   "title",
			Message: "is required",
		}
	}

	if utf8.RuneCountInString(p.Title) > maxTitleLength {
		return &ValidationError{
			Field:   "title",
			Message: fmt.Sprintf("cannot exceed %d characters", maxTitleLength),
		}
	}

	if err := ValidateAmount(p.Price, "price", limits); err != nil {
		return err
	}

	if len(p.Images) > maxImages {
		return &ValidationError{
			Field:   "images",
			Message: fmt.Sprintf("cannot contain more than %d images", maxImages),
		}
	}

	return nil
}

func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

func ValidateUUID(id, fieldName string) error {
	if id == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}

	id = SanitizeString(id)

	if !uuidRegex.MatchString(strings.ToLower(id)) {
		return &ValidationError{
			Field:   fieldName,
			Message: "must be a valid UUID v4",
		}
	}

	return nil
}
