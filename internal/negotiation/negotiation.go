// Package negotiation holds the offer state machine: which party may move
// an offer from which status to which, and what the resulting row looks
// like. It performs no I/O.
package negotiation

import (
	"errors"
	"fmt"
	"time"

	"offer-negotiation-api/internal/models"
)

// Action is a user gesture on an offer.
type Action string

const (
	ActionAccept        Action = "accept"
	ActionDecline       Action = "decline"
	ActionCounter       Action = "counter"
	ActionAcceptCounter Action = "accept_counter"
	ActionWithdraw      Action = "withdraw"
)

// Role is the side of the negotiation an actor is on.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

var (
	// ErrInvalidTransition is returned when the current status does not
	// allow the requested action.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrForbidden is returned when the actor is not the party the action requires.
	ErrForbidden = errors.New("actor is not allowed to perform this action")
)

// TransitionError describes a rejected transition.
type TransitionError struct {
	Action Action
	From   models.OfferStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s an offer that is %s", e.Action, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

type edge struct {
	to   models.OfferStatus
	role Role
}

var transitions = map[models.OfferStatus]map[Action]edge{
	models.StatusPending: {
		ActionAccept:   {to: models.StatusAccepted, role: RoleSeller},
		ActionDecline:  {to: models.StatusDeclined, role: RoleSeller},
		ActionCounter:  {to: models.StatusCountered, role: RoleSeller},
		ActionWithdraw: {to: models.StatusWithdrawn, role: RoleBuyer},
	},
	models.StatusCountered: {
		ActionAcceptCounter: {to: models.StatusAccepted, role: RoleBuyer},
		ActionDecline:       {to: models.StatusDeclined, role: RoleBuyer},
	},
	models.StatusAccepted:  {},
	models.StatusDeclined:  {},
	models.StatusWithdrawn: {},
}

// Next returns the status an action leads to from the given status and the
// role that must perform it.
func Next(from models.OfferStatus, action Action) (models.OfferStatus, Role, error) {
	e, ok := transitions[from][action]
	if !ok {
		return "", "", &TransitionError{Action: action, From: from}
	}
	return e.to, e.role, nil
}

// CanTransition reports whether any action moves an offer from one status to another.
func CanTransition(from, to models.OfferStatus) bool {
	for _, e := range transitions[from] {
		if e.to == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no action is defined from the status.
func IsTerminal(status models.OfferStatus) bool {
	allowed, ok := transitions[status]
	return ok && len(allowed) == 0
}

// IsValidStatus reports whether the status is part of the lifecycle.
func IsValidStatus(status models.OfferStatus) bool {
	_, ok := transitions[status]
	return ok
}

// AllowedActions lists what the given role may do with the offer right now.
func AllowedActions(status models.OfferStatus, role Role) []Action {
	var actions []Action
	for _, a := range []Action{ActionAccept, ActionDecline, ActionCounter, ActionAcceptCounter, ActionWithdraw} {
		if e, ok := transitions[status][a]; ok && e.role == role {
			actions = append(actions, a)
		}
	}
	return actions
}

// RoleOf returns which party the actor is on the offer.
func RoleOf(offer models.Offer, actorID string) (Role, error) {
	switch actorID {
	case offer.SellerID:
		return RoleSeller, nil
	case offer.BuyerID:
		return RoleBuyer, nil
	}
	return "", fmt.Errorf("%w: not a party to offer %s", ErrForbidden, offer.ID)
}

// Command is one requested action together with its inputs.
type Command struct {
	Action         Action
	ActorID        string
	CounterAmount  float64
	SellerResponse string
}

// Apply computes the row that results from running cmd against offer.
// The returned offer is a copy; the input is never modified.
func Apply(offer models.Offer, cmd Command, now time.Time) (models.Offer, error) {
	to, role, err := Next(offer.Status, cmd.Action)
	if err != nil {
		return models.Offer{}, err
	}

	actorRole, err := RoleOf(offer, cmd.ActorID)
	if err != nil {
		return models.Offer{}, err
	}
	if actorRole != role {
		return models.Offer{}, fmt.Errorf("%w: only the %s may %s this offer", ErrForbidden, role, cmd.Action)
	}

	next := offer
	next.Status = to
	next.UpdatedAt = now

	switch cmd.Action {
	case ActionAccept, ActionDecline:
		if cmd.SellerResponse != "" {
			resp := cmd.SellerResponse
			next.SellerResponse = &resp
		}
	case ActionCounter:
		if cmd.CounterAmount <= 0 {
			return models.Offer{}, &TransitionError{Action: cmd.Action, From: offer.Status}
		}
		amount := cmd.CounterAmount
		next.CounterAmount = &amount
		if cmd.SellerResponse != "" {
			resp := cmd.SellerResponse
			next.SellerResponse = &resp
		}
	case ActionAcceptCounter:
		if offer.CounterAmount == nil || *offer.CounterAmount <= 0 {
			return models.Offer{}, &TransitionError{Action: cmd.Action, From: offer.Status}
		}
		// The agreed price lives in offer_amount; the counter stays as history.
		next.OfferAmount = *offer.CounterAmount
		amount := *offer.CounterAmount
		next.CounterAmount = &amount
	}

	return next, nil
}

// PriceDifferencePercent returns how far an offer is above or below the list price.
func PriceDifferencePercent(offerAmount, listPrice float64) (float64, bool) {
	if listPrice <= 0 {
		return 0, false
	}
	return (offerAmount - listPrice) / listPrice * 100, true
}

// StatusLabel maps a status to its display label.
func StatusLabel(status models.OfferStatus) string {
	switch status {
	case models.StatusPending:
		return "Pending"
	case models.StatusAccepted:
		return "Accepted"
	case models.StatusDeclined:
		return "Declined"
	case models.StatusCountered:
		return "Countered"
	case models.StatusWithdrawn:
		return "Withdrawn"
	}
	return "Unknown"
}
