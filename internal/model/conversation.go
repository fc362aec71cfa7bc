// Package model defines data structures for the conversation control plane.
package model

import (
	"errors"
	"strings"
)

// ErrInvalidPhone is returned when a phone number cannot be normalized.
var ErrInvalidPhone = errors.New("invalid phone number")

// ConversationKey identifies one customer conversation inside one
// organization. All session, queue and history state is indexed by it.
type ConversationKey struct {
	OrganizationID string `json:"organizationId"`
	Phone          string `json:"phoneNumber"`
}

// NewConversationKey builds a key, normalizing the phone number.
func NewConversationKey(organizationID, phone string) (ConversationKey, error) {
	if strings.TrimSpace(organizationID) == "" {
		return ConversationKey{}, errors.New("organization id is required")
	}
	normalized, err := NormalizePhone(phone)
	if err != nil {
		return ConversationKey{}, err
	}
	return ConversationKey{OrganizationID: organizationID, Phone: normalized}, nil
}

// String returns the canonical "<org>:<phone>" form.
func (k ConversationKey) String() string {
	return k.OrganizationID + ":" + k.Phone
}

// IsZero reports whether the key is unset.
func (k ConversationKey) IsZero() bool {
	return k.OrganizationID == "" && k.Phone == ""
}

// NormalizePhone strips everything but digits and returns the number in
// "+<country><number>" form. Ten-digit numbers are treated as NANP and get
// the "1" country code.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case len(digits) == 10:
		digits = "1" + digits
	case len(digits) < 10 || len(digits) > 15:
		return "", ErrInvalidPhone
	}
	return "+" + digits, nil
}

// SamePhone compares two numbers after normalization. Unparseable numbers
// never match.
func SamePhone(a, b string) bool {
	na, err := NormalizePhone(a)
	if err != nil {
		return false
	}
	nb, err := NormalizePhone(b)
	if err != nil {
		return false
	}
	return na == nb
}
