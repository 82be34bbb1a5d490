package domain

import (
	"errors"
	"strings"
	"time"
)

// FlightLeg is an embedded departure or arrival value object.
type FlightLeg struct {
	CityName    string `json:"cityName"`
	AirportCode string `json:"airportCode"`
	Timestamp   string `json:"timestamp"`
	Gate        string `json:"gate,omitempty"`
	Terminal    string `json:"terminal,omitempty"`
}

// ReservationDetails is the structured record stored per reservation.
// TotalPriceUSD is always computed server-side, never taken from the caller.
type ReservationDetails struct {
	FlightNumber  string    `json:"flightNumber"`
	Seats         []string  `json:"seats"`
	Departure     FlightLeg `json:"departure"`
	Arrival       FlightLeg `json:"arrival"`
	PassengerName string    `json:"passengerName"`
	TotalPriceUSD float64   `json:"totalPriceInUSD"`
}

// Reservation is a persisted booking owned by exactly one user.
type Reservation struct {
	ID               string
	UserID           string
	Details          ReservationDetails
	PaymentCompleted bool
	CreatedAt        time.Time
}

// Validate checks that a stored details blob is complete and well-formed
// before it is projected into any response. Boarding pass issuance re-derives
// every field from the persisted record, so a record that fails here must
// never produce a partial success payload.
func (d ReservationDetails) Validate() error {
	if strings.TrimSpace(d.FlightNumber) == "" {
		return errors.New("domain: reservation details missing flight number")
	}
	if strings.TrimSpace(d.PassengerName) == "" {
		return errors.New("domain: reservation details missing passenger name")
	}
	if len(d.Seats) == 0 {
		return errors.New("domain: reservation details missing seats")
	}
	for _, leg := range []FlightLeg{d.Departure, d.Arrival} {
		if strings.TrimSpace(leg.AirportCode) == "" {
			return errors.New("domain: reservation leg missing airport code")
		}
		if _, err := time.Parse(time.RFC3339, leg.Timestamp); err != nil {
			return errors.New("domain: reservation leg timestamp is not RFC 3339")
		}
	}
	return nil
}
