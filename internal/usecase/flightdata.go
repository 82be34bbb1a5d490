package usecase

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"time"

	"booking-agent/internal/domain"
)

// Sample data generators. Results are pseudo-random but deterministic for a
// given input so repeated tool calls within a conversation stay consistent.

var airlines = []struct {
	name   string
	prefix string
}{
	{"United Airlines", "UA"},
	{"Delta Air Lines", "DL"},
	{"American Airlines", "AA"},
	{"Alaska Airlines", "AS"},
}

var cityByAirport = map[string]string{
	"SFO": "San Francisco",
	"JFK": "New York",
	"LAX": "Los Angeles",
	"ORD": "Chicago",
	"SEA": "Seattle",
	"BOS": "Boston",
	"DEN": "Denver",
	"ATL": "Atlanta",
	"MIA": "Miami",
	"ROM": "Rome",
	"LHR": "London",
	"CDG": "Paris",
}

type flightOption struct {
	ID           string           `json:"id"`
	Airline      string           `json:"airline"`
	FlightNumber string           `json:"flightNumber"`
	Departure    domain.FlightLeg `json:"departure"`
	Arrival      domain.FlightLeg `json:"arrival"`
	Duration     string           `json:"duration"`
	PriceUSD     float64          `json:"priceInUSD"`
}

type seatOption struct {
	SeatNumber  string  `json:"seatNumber"`
	Class       string  `json:"class"`
	IsAvailable bool    `json:"isAvailable"`
	PriceUSD    float64 `json:"priceInUSD"`
}

type flightStatusInfo struct {
	FlightNumber string           `json:"flightNumber"`
	Status       string           `json:"status"`
	Departure    domain.FlightLeg `json:"departure"`
	Arrival      domain.FlightLeg `json:"arrival"`
}

func seededRand(parts ...string) *rand.Rand {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(strings.ToUpper(strings.TrimSpace(p))))
	}
	return rand.New(rand.NewSource(int64(h.Sum64())))
}

func cityFor(airportCode string) string {
	code := strings.ToUpper(strings.TrimSpace(airportCode))
	if city, ok := cityByAirport[code]; ok {
		return city
	}
	return code
}

func searchFlights(origin, destination string) []flightOption {
	rng := seededRand("search", origin, destination)
	base := time.Now().UTC().Truncate(time.Hour).Add(24 * time.Hour)

	flights := make([]flightOption, 0, 4)
	for i := 0; i < 4; i++ {
		airline := airlines[rng.Intn(len(airlines))]
		number := fmt.Sprintf("%s%d", airline.prefix, 100+rng.Intn(900))
		depart := base.Add(time.Duration(rng.Intn(12)) * time.Hour)
		duration := time.Duration(3+rng.Intn(9)) * time.Hour
		flights = append(flights, flightOption{
			ID:           fmt.Sprintf("flight-%d", i+1),
			Airline:      airline.name,
			FlightNumber: number,
			Departure: domain.FlightLeg{
				CityName:    cityFor(origin),
				AirportCode: strings.ToUpper(strings.TrimSpace(origin)),
				Timestamp:   depart.Format(time.RFC3339),
			},
			Arrival: domain.FlightLeg{
				CityName:    cityFor(destination),
				AirportCode: strings.ToUpper(strings.TrimSpace(destination)),
				Timestamp:   depart.Add(duration).Format(time.RFC3339),
			},
			Duration: duration.String(),
			PriceUSD: float64(15000+rng.Intn(50000)) / 100,
		})
	}
	return flights
}

func seatMap(flightNumber string) []seatOption {
	rng := seededRand("seats", flightNumber)
	letters := []string{"A", "B", "C", "D", "E", "F"}

	seats := make([]seatOption, 0, 5*len(letters))
	for row := 10; row < 15; row++ {
		class := "economy"
		if row == 10 {
			class = "business"
		}
		for _, letter := range letters {
			price := float64(4000+rng.Intn(4000)) / 100
			if class == "business" {
				price *= 3
			}
			seats = append(seats, seatOption{
				SeatNumber:  fmt.Sprintf("%d%s", row, letter),
				Class:       class,
				IsAvailable: rng.Intn(4) != 0,
				PriceUSD:    price,
			})
		}
	}
	return seats
}

func flightStatus(flightNumber, date string) flightStatusInfo {
	rng := seededRand("status", flightNumber, date)
	statuses := []string{"On Time", "On Time", "Delayed", "Boarding"}

	depart := time.Now().UTC().Truncate(time.Minute).Add(time.Duration(1+rng.Intn(8)) * time.Hour)
	originIdx := rng.Intn(len(airportCodes))
	destIdx := (originIdx + 1 + rng.Intn(len(airportCodes)-1)) % len(airportCodes)

	origin := airportCodes[originIdx]
	destination := airportCodes[destIdx]
	return flightStatusInfo{
		FlightNumber: strings.ToUpper(strings.TrimSpace(flightNumber)),
		Status:       statuses[rng.Intn(len(statuses))],
		Departure: domain.FlightLeg{
			CityName:    cityFor(origin),
			AirportCode: origin,
			Timestamp:   depart.Format(time.RFC3339),
			Gate:        fmt.Sprintf("%c%d", 'A'+rune(rng.Intn(4)), 1+rng.Intn(30)),
			Terminal:    fmt.Sprintf("%d", 1+rng.Intn(4)),
		},
		Arrival: domain.FlightLeg{
			CityName:    cityFor(destination),
			AirportCode: destination,
			Timestamp:   depart.Add(time.Duration(3+rng.Intn(9)) * time.Hour).Format(time.RFC3339),
			Gate:        fmt.Sprintf("%c%d", 'A'+rune(rng.Intn(4)), 1+rng.Intn(30)),
			Terminal:    fmt.Sprintf("%d", 1+rng.Intn(4)),
		},
	}
}

var airportCodes = []string{"SFO", "JFK", "LAX", "ORD", "SEA", "BOS", "DEN", "ATL"}

// totalPriceUSD is the server-side pricing function. Reservation totals are
// always computed here, never trusted from model-echoed parameters.
func totalPriceUSD(seats []string, flightNumber string) float64 {
	totalCents := int64(0)
	for _, seat := range seats {
		rng := seededRand("price", flightNumber, seat)
		totalCents += int64(8000 + rng.Intn(12000))
	}
	return float64(totalCents) / 100
}
