package usecase

import (
	"strings"
	"time"

	"booking-agent/internal/domain"
)

// buildPromptMessages prepends the booking policy prompt to the normalized
// conversation, keeping at most maxMessages of the newest history.
func buildPromptMessages(core []domain.ChatMessage, maxMessages int) []domain.ChatMessage {
	history := core
	if maxMessages > 0 && len(history) > maxMessages {
		history = history[len(history)-maxMessages:]
	}
	messages := make([]domain.ChatMessage, 0, len(history)+1)
	messages = append(messages, domain.ChatMessage{
		Role:    "system",
		Content: buildPolicyPrompt(time.Now()),
	})
	return append(messages, history...)
}

// buildPolicyPrompt encodes the intended booking flow as guidance to the
// model. Only the payment-before-boarding-pass step is enforced in code; the
// earlier steps are advisory.
func buildPolicyPrompt(now time.Time) string {
	return strings.Join([]string{
		"Role:",
		"You are a friendly flight booking assistant. Keep replies concise and limited to a sentence or two.",
		"Today's date is " + now.UTC().Format("2006-01-02") + ".",
		"",
		"Booking Flow:",
		"1) Search for flights with searchFlights.",
		"2) Let the user choose a flight, then pick seats with selectSeats.",
		"3) Create a reservation with createReservation once flight and seats are chosen.",
		"4) Ask the user to confirm payment, then call authorizePayment and wait for them to complete it.",
		"5) Check the payment with verifyPayment before going further.",
		"6) Show the boarding pass with displayBoardingPass only after payment is verified.",
		"",
		"Behavior Rules:",
		"1) Ask follow-up questions to nudge the user through the flow above.",
		"2) Assume the most popular airports when the user names only a city.",
		"3) Never fabricate reservation or payment state; rely on tool results.",
		"4) The current date and time is included above; use it for relative dates.",
	}, "\n")
}
