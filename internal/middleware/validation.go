package middleware

import (
	"errors"
	"unicode/utf8"
)

const (
	maxMessageLength = 1600
	maxIDLength      = 128
)

// ValidateMessageContent validates an agent message bound for SMS.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return errors.New("message cannot be empty")
	}
	if utf8.RuneCountInString(content) > maxMessageLength {
		return errors.New("message exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("message must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation id taken from a path.
func ValidateConversationID(id string) error {
	if len(id) == 0 {
		return errors.New("conversation ID cannot be empty")
	}
	if len(id) > maxIDLength {
		return errors.New("conversation ID exceeds maximum length")
	}
	return nil
}
