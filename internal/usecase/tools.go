package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"booking-agent/internal/auth"
	"booking-agent/internal/domain"
	"booking-agent/internal/integrations/weather"
	"booking-agent/internal/repository"
)

// toolExecutor runs one tool invocation. The session is the explicit
// capability resolved at request entry; side-effecting executors re-check it
// because tool execution is asynchronous relative to that check. Domain
// refusals (not found, unpaid, expired session) are returned as structured
// error payloads, not Go errors, so the conversation can continue.
type toolExecutor func(ctx context.Context, sess auth.Session, args json.RawMessage) (any, error)

type toolSpec struct {
	def domain.ToolDefinition
	run toolExecutor
}

func errorPayload(format string, a ...any) map[string]any {
	return map[string]any{"error": fmt.Sprintf(format, a...)}
}

func (s *ChatService) toolRegistry() map[string]toolSpec {
	return map[string]toolSpec{
		"getWeather": {
			def: domain.ToolDefinition{
				Name:        "getWeather",
				Description: "Get the current weather at a location",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"latitude": {"type": "number"},
						"longitude": {"type": "number"}
					},
					"required": ["latitude", "longitude"]
				}`),
			},
			run: s.runGetWeather,
		},
		"displayFlightStatus": {
			def: domain.ToolDefinition{
				Name:        "displayFlightStatus",
				Description: "Display the status of a flight",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"flightNumber": {"type": "string"},
						"date": {"type": "string", "description": "Date of the flight, ISO 8601"}
					},
					"required": ["flightNumber", "date"]
				}`),
			},
			run: runDisplayFlightStatus,
		},
		"searchFlights": {
			def: domain.ToolDefinition{
				Name:        "searchFlights",
				Description: "Search for flights based on the given parameters",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"origin": {"type": "string", "description": "Origin airport or city"},
						"destination": {"type": "string", "description": "Destination airport or city"}
					},
					"required": ["origin", "destination"]
				}`),
			},
			run: runSearchFlights,
		},
		"selectSeats": {
			def: domain.ToolDefinition{
				Name:        "selectSeats",
				Description: "Select seats for a flight",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"flightNumber": {"type": "string"}
					},
					"required": ["flightNumber"]
				}`),
			},
			run: runSelectSeats,
		},
		"createReservation": {
			def: domain.ToolDefinition{
				Name:        "createReservation",
				Description: "Display pending reservation details",
				Parameters:  json.RawMessage(reservationSchema),
			},
			run: s.runCreateReservation,
		},
		"authorizePayment": {
			def: domain.ToolDefinition{
				Name:        "authorizePayment",
				Description: "User will enter credentials to authorize payment, wait for user to respond when they are done",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"reservationId": {"type": "string", "description": "Unique identifier for the reservation"}
					},
					"required": ["reservationId"]
				}`),
			},
			run: runAuthorizePayment,
		},
		"verifyPayment": {
			def: domain.ToolDefinition{
				Name:        "verifyPayment",
				Description: "Verify payment status",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"reservationId": {"type": "string", "description": "Unique identifier for the reservation"}
					},
					"required": ["reservationId"]
				}`),
			},
			run: s.runVerifyPayment,
		},
		"displayBoardingPass": {
			def: domain.ToolDefinition{
				Name:        "displayBoardingPass",
				Description: "Display a boarding pass",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"reservationId": {"type": "string", "description": "Unique identifier for the reservation"}
					},
					"required": ["reservationId"]
				}`),
			},
			run: s.runDisplayBoardingPass,
		},
	}
}

const reservationSchema = `{
	"type": "object",
	"properties": {
		"seats": {"type": "array", "items": {"type": "string"}, "description": "Seat numbers to reserve"},
		"flightNumber": {"type": "string"},
		"departure": {
			"type": "object",
			"properties": {
				"cityName": {"type": "string"},
				"airportCode": {"type": "string"},
				"timestamp": {"type": "string"},
				"gate": {"type": "string"},
				"terminal": {"type": "string"}
			},
			"required": ["cityName", "airportCode", "timestamp"]
		},
		"arrival": {
			"type": "object",
			"properties": {
				"cityName": {"type": "string"},
				"airportCode": {"type": "string"},
				"timestamp": {"type": "string"},
				"gate": {"type": "string"},
				"terminal": {"type": "string"}
			},
			"required": ["cityName", "airportCode", "timestamp"]
		},
		"passengerName": {"type": "string"}
	},
	"required": ["seats", "flightNumber", "departure", "arrival", "passengerName"]
}`

func (s *ChatService) runGetWeather(ctx context.Context, _ auth.Session, args json.RawMessage) (any, error) {
	var in struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errorPayload("invalid getWeather arguments"), nil
	}
	payload, err := s.weather.Forecast(ctx, in.Latitude, in.Longitude)
	if err != nil {
		var statusErr *weather.HTTPStatusError
		if errors.As(err, &statusErr) {
			return errorPayload("weather service returned status %d", statusErr.StatusCode), nil
		}
		return nil, err
	}
	return payload, nil
}

func runDisplayFlightStatus(_ context.Context, _ auth.Session, args json.RawMessage) (any, error) {
	var in struct {
		FlightNumber string `json:"flightNumber"`
		Date         string `json:"date"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errorPayload("invalid displayFlightStatus arguments"), nil
	}
	return flightStatus(in.FlightNumber, in.Date), nil
}

func runSearchFlights(_ context.Context, _ auth.Session, args json.RawMessage) (any, error) {
	var in struct {
		Origin      string `json:"origin"`
		Destination string `json:"destination"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errorPayload("invalid searchFlights arguments"), nil
	}
	return map[string]any{"flights": searchFlights(in.Origin, in.Destination)}, nil
}

func runSelectSeats(_ context.Context, _ auth.Session, args json.RawMessage) (any, error) {
	var in struct {
		FlightNumber string `json:"flightNumber"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errorPayload("invalid selectSeats arguments"), nil
	}
	return map[string]any{"seats": seatMap(in.FlightNumber)}, nil
}

func (s *ChatService) runCreateReservation(ctx context.Context, sess auth.Session, args json.RawMessage) (any, error) {
	var in struct {
		Seats         []string         `json:"seats"`
		FlightNumber  string           `json:"flightNumber"`
		Departure     domain.FlightLeg `json:"departure"`
		Arrival       domain.FlightLeg `json:"arrival"`
		PassengerName string           `json:"passengerName"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errorPayload("invalid createReservation arguments"), nil
	}

	// The request-entry auth check may be stale by the time the model asks
	// for a reservation; refuse here rather than persist orphaned state.
	if !sess.Valid() {
		return errorPayload("session is no longer valid, user must sign in to create a reservation"), nil
	}

	res := domain.Reservation{
		ID:     s.newID(),
		UserID: sess.UserID,
		Details: domain.ReservationDetails{
			FlightNumber:  in.FlightNumber,
			Seats:         in.Seats,
			Departure:     in.Departure,
			Arrival:       in.Arrival,
			PassengerName: in.PassengerName,
			TotalPriceUSD: totalPriceUSD(in.Seats, in.FlightNumber),
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := res.Details.Validate(); err != nil {
		return errorPayload("incomplete reservation details: %v", err), nil
	}
	if err := s.store.PutReservation(ctx, res); err != nil {
		return nil, err
	}

	return map[string]any{
		"id":                  res.ID,
		"flightNumber":        res.Details.FlightNumber,
		"seats":               res.Details.Seats,
		"departure":           res.Details.Departure,
		"arrival":             res.Details.Arrival,
		"passengerName":       res.Details.PassengerName,
		"totalPriceInUSD":     res.Details.TotalPriceUSD,
		"hasCompletedPayment": res.PaymentCompleted,
	}, nil
}

func runAuthorizePayment(_ context.Context, _ auth.Session, args json.RawMessage) (any, error) {
	var in struct {
		ReservationID string `json:"reservationId"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errorPayload("invalid authorizePayment arguments"), nil
	}
	// No state change here; the payment-completion write path is external.
	return map[string]any{"reservationId": in.ReservationID, "status": "payment_pending"}, nil
}

func (s *ChatService) runVerifyPayment(ctx context.Context, _ auth.Session, args json.RawMessage) (any, error) {
	var in struct {
		ReservationID string `json:"reservationId"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errorPayload("invalid verifyPayment arguments"), nil
	}
	res, err := s.store.GetReservation(ctx, in.ReservationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errorPayload("reservation not found"), nil
		}
		return nil, err
	}
	return map[string]any{"hasCompletedPayment": res.PaymentCompleted}, nil
}

func (s *ChatService) runDisplayBoardingPass(ctx context.Context, _ auth.Session, args json.RawMessage) (any, error) {
	var in struct {
		ReservationID string `json:"reservationId"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errorPayload("invalid displayBoardingPass arguments"), nil
	}
	res, err := s.store.GetReservation(ctx, in.ReservationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errorPayload("reservation not found"), nil
		}
		return nil, err
	}
	if !res.PaymentCompleted {
		return errorPayload("payment has not been completed for this reservation"), nil
	}
	// Boarding data comes from the stored record only, and only after the
	// blob passes validation. Caller-echoed fields are never projected.
	if err := res.Details.Validate(); err != nil {
		return errorPayload("stored reservation details failed validation"), nil
	}
	return map[string]any{
		"reservationId": res.ID,
		"passengerName": res.Details.PassengerName,
		"flightNumber":  res.Details.FlightNumber,
		"seats":         res.Details.Seats,
		"departure":     res.Details.Departure,
		"arrival":       res.Details.Arrival,
	}, nil
}
