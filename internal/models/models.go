package models

import (
	"slices"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RequestStatus is the lifecycle state of a roadside-assistance request.
type RequestStatus string

const (
	RequestPending       RequestStatus = "pending"
	RequestSearching     RequestStatus = "searching"
	RequestOfferReceived RequestStatus = "offer_received"
	RequestAccepted      RequestStatus = "accepted"
	RequestOnTheWay      RequestStatus = "on_the_way"
	RequestCompleted     RequestStatus = "completed"
	RequestCancelled     RequestStatus = "cancelled"
)

// Open reports whether the request is visible to the dispatch loop.
func (s RequestStatus) Open() bool {
	return s == RequestPending || s == RequestSearching
}

func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestCancelled
}

type OfferStatus string

const (
	OfferProposed  OfferStatus = "proposed"
	OfferAccepted  OfferStatus = "accepted"
	OfferRejected  OfferStatus = "rejected"
	OfferCancelled OfferStatus = "cancelled"
)

type Request struct {
	ID                string        `json:"id"`
	Phone             string        `json:"phone"`
	Origin            Coord         `json:"origin"`
	Destination       *Coord        `json:"destination,omitempty"`
	Description       string        `json:"description,omitempty"`
	RequiredEquipment string        `json:"required_equipment,omitempty"`
	Status            RequestStatus `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	LastNotifiedRound *int          `json:"last_notified_round,omitempty"`
	Version           int64         `json:"version"`
}

type Offer struct {
	ID               string      `json:"id"`
	RequestID        string      `json:"request_id"`
	OperatorID       string      `json:"operator_id"`
	Price            float64     `json:"price"`
	EstimatedMinutes *int        `json:"estimated_minutes,omitempty"`
	Status           OfferStatus `json:"status"`
	CreatedAt        time.Time   `json:"created_at"`
	AcceptedAt       *time.Time  `json:"accepted_at,omitempty"`
	Version          int64       `json:"version"`
}

type Operator struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Phone           string   `json:"phone"`
	Location        *Coord   `json:"location,omitempty"` // nil: not dispatchable
	Available       bool     `json:"available"`
	ServiceRadiusKm float64  `json:"service_radius_km"`
	Equipment       []string `json:"equipment"`
}

func (o Operator) HasEquipment(id string) bool {
	return slices.Contains(o.Equipment, id)
}

type Equipment struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	RequiresTransport bool   `json:"requires_transport"`
}

// PushSubscription is an operator device registered for offline notifications.
type PushSubscription struct {
	ID         string    `json:"id"`
	OperatorID string    `json:"operator_id"`
	Token      string    `json:"token"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Event is a named notification delivered to a request or operator channel.
type Event struct {
	Name    string    `json:"event"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}
