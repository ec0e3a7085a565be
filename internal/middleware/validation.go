package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/capitalize-ai/marketplace-inbox/internal/model"
)

const maxIDLength = 128

// ValidateDomain parses a domain path or body value.
func ValidateDomain(s string) (model.Domain, error) {
	d, err := model.ParseDomain(s)
	if err != nil {
		return "", errors.New("unknown domain")
	}
	return d, nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	return validateID("conversation ID", id)
}

// ValidateCounterpartyID validates a counterparty ID.
func ValidateCounterpartyID(id string) error {
	return validateID("counterparty ID", id)
}

// ValidateProvisionalID parses a provisional message ID.
func ValidateProvisionalID(s string) (model.ProvisionalID, error) {
	id, err := model.ParseProvisionalID(s)
	if err != nil || id == 0 {
		return 0, errors.New("invalid message ID format")
	}
	return id, nil
}

// ValidateSearchQuery validates a counterparty search query.
func ValidateSearchQuery(q string) error {
	if len(q) > 256 {
		return errors.New("query exceeds maximum length")
	}
	if !utf8.ValidString(q) {
		return errors.New("query must be valid UTF-8")
	}
	return nil
}

func validateID(name, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New(name + " cannot be empty")
	}
	if len(id) > maxIDLength {
		return errors.New(name + " exceeds maximum length")
	}
	if strings.ContainsAny(id, "/?#") {
		return errors.New("invalid " + name + " format")
	}
	return nil
}
