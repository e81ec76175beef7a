// Package messaging delivers conversation replies over external channels.
// The SMS channel is the only built-in implementation; the Service
// interface keeps the engine and API decoupled from the carrier.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// ErrServiceStopped is returned when a send is attempted after Stop.
var ErrServiceStopped = errors.New("messaging service is stopped")

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service is a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a
	// recipient identifier for this channel.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Stop stops the service; subsequent sends fail.
	Stop() error
}

// CanonicalizePhone strips formatting from a phone number and validates
// the remaining digits.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}
