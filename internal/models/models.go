package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// OfferStatus is the lifecycle state of an offer.
type OfferStatus string

const (
	StatusPending   OfferStatus = "pending"
	StatusAccepted  OfferStatus = "accepted"
	StatusDeclined  OfferStatus = "declined"
	StatusCountered OfferStatus = "countered"
	StatusWithdrawn OfferStatus = "withdrawn"
)

// Offer represents one buyer's proposal to purchase a property.
type Offer struct {
	ID             string      `json:"id"`          // uuid
	PropertyID     string      `json:"property_id"` // uuid
	BuyerID        string      `json:"buyer_id"`    // uuid
	SellerID       string      `json:"seller_id"`   // uuid
	OfferAmount    float64     `json:"offer_amount"`
	CounterAmount  *float64    `json:"counter_amount,omitempty"`
	Currency       string      `json:"currency"` // e.g. "USD"
	Status         OfferStatus `json:"status"`
	Message        *string     `json:"message,omitempty"`
	SellerResponse *string     `json:"seller_response,omitempty"`
	ExpiresAt      *time.Time  `json:"expires_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// IsExpired reports whether the offer carries an expiry that has passed at now.
func (o Offer) IsExpired(now time.Time) bool {
	return o.ExpiresAt != nil && now.After(*o.ExpiresAt)
}

// Property is the summary of a listed property used for offer display.
type Property struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	Address   string    `json:"address"`
	Price     float64   `json:"price"`
	Images    []string  `json:"images"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Profile holds the public display data of a user.
type Profile struct {
	ID          string  `json:"id"`
	DisplayName *string `json:"display_name"`
}

// StatusChange is one recorded transition of an offer.
type StatusChange struct {
	ID         string      `json:"id"`
	OfferID    string      `json:"offer_id"`
	FromStatus OfferStatus `json:"from_status"`
	ToStatus   OfferStatus `json:"to_status"`
	ActorID    string      `json:"actor_id"`
	ChangedAt  time.Time   `json:"changed_at"`
}

// OfferView is an offer annotated for one of its two parties.
type OfferView struct {
	Offer
	CounterpartyID         string    `json:"counterparty_id"`
	CounterpartyName       *string   `json:"counterparty_name"`
	Property               *Property `json:"property,omitempty"`
	PriceDifferencePercent *float64  `json:"price_difference_percent,omitempty"`
	StatusLabel            string    `json:"status_label"`
	AllowedActions         []string  `json:"allowed_actions"`
}

// AmountInput is a monetary amount as typed by a user. It accepts a JSON
// number or a JSON string and keeps the raw text for validation.
type AmountInput struct {
	Raw     string
	Present bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *AmountInput) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(string(data))
	if text == "null" {
		*a = AmountInput{}
		return nil
	}
	a.Present = true
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		a.Raw = s
		return nil
	}
	a.Raw = text
	return nil
}

// MarshalJSON implements json.Marshaler.
func (a AmountInput) MarshalJSON() ([]byte, error) {
	if !a.Present {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(a.Raw)), nil
}

// Amount builds an AmountInput from a number.
func Amount(v float64) AmountInput {
	return AmountInput{Raw: strconv.FormatFloat(v, 'f', -1, 64), Present: true}
}

// SubmitOfferRequest is the request body for submitting an offer.
type SubmitOfferRequest struct {
	PropertyID  string      `json:"property_id"`
	BuyerID     string      `json:"buyer_id"`
	SellerID    string      `json:"seller_id"`
	OfferAmount AmountInput `json:"offer_amount"`
	Currency    string      `json:"currency,omitempty"`
	Message     string      `json:"message,omitempty"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
}

// RespondRequest is the request body for accept and decline.
type RespondRequest struct {
	SellerResponse string `json:"seller_response,omitempty"`
}

// CounterOfferRequest is the request body for countering an offer.
type CounterOfferRequest struct {
	CounterAmount  AmountInput `json:"counter_amount"`
	SellerResponse string      `json:"seller_response,omitempty"`
}

// OffersResponse is the payload of the offer listing endpoints.
type OffersResponse struct {
	UserID string      `json:"user_id"`
	Offers []OfferView `json:"offers"`
}

// HistoryResponse is the payload of the offer history endpoint.
type HistoryResponse struct {
	OfferID string         `json:"offer_id"`
	Changes []StatusChange `json:"changes"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
