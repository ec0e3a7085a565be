// Package model defines data structures for the marketplace inbox.
package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownDomain is returned when a domain tag is not registered.
var ErrUnknownDomain = errors.New("unknown conversation domain")

// Domain is the conversation namespace a conversation belongs to.
// Conversations and messages of different domains never share identity.
type Domain string

const (
	DomainBusiness   Domain = "business"
	DomainInfluencer Domain = "influencer"
)

// domains is the registry every store, timer and reconciler iterates.
var domains = []Domain{DomainBusiness, DomainInfluencer}

// Domains returns all registered domains in display order.
func Domains() []Domain {
	out := make([]Domain, len(domains))
	copy(out, domains)
	return out
}

// Valid reports whether d is a registered domain.
func (d Domain) Valid() bool {
	for _, known := range domains {
		if d == known {
			return true
		}
	}
	return false
}

func (d Domain) String() string {
	return string(d)
}

// ParseDomain parses a domain tag, case-insensitively.
func ParseDomain(s string) (Domain, error) {
	d := Domain(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownDomain, s)
	}
	return d, nil
}

// ConversationKey identifies a conversation across domains.
type ConversationKey struct {
	Domain Domain `json:"domain"`
	ID     string `json:"id"`
}

func (k ConversationKey) String() string {
	return string(k.Domain) + "/" + k.ID
}

// IsZero reports whether the key is unset.
func (k ConversationKey) IsZero() bool {
	return k.Domain == "" && k.ID == ""
}
