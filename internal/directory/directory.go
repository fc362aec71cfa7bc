// Package directory resolves phone numbers and lead ids to the organization
// that owns them.
package directory

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/capitalize-ai/conversation-control/internal/model"
)

// ErrNotFound is returned when a number or lead is not in the directory.
var ErrNotFound = errors.New("directory: not found")

// Contact is a known customer.
type Contact struct {
	OrganizationID string `json:"organizationId" yaml:"-"`
	LeadID         string `json:"leadId" yaml:"lead_id"`
	Name           string `json:"name" yaml:"name"`
	Phone          string `json:"phoneNumber" yaml:"phone"`
}

// Organization lists the carrier numbers and contacts of one tenant.
type Organization struct {
	ID         string    `yaml:"id"`
	Name       string    `yaml:"name"`
	Numbers    []string  `yaml:"numbers"`
	FromNumber string    `yaml:"from_number"`
	Contacts   []Contact `yaml:"contacts"`
}

type fileFormat struct {
	Organizations []Organization `yaml:"organizations"`
}

// Directory answers ownership questions for the service layer.
type Directory interface {
	// Resolve finds the contact for a customer phone number.
	Resolve(ctx context.Context, phone string) (Contact, error)
	// ResolveLead finds the contact for a lead id.
	ResolveLead(ctx context.Context, leadID string) (Contact, error)
	// ResolveNumber maps one of our carrier numbers to its organization.
	ResolveNumber(ctx context.Context, carrierNumber string) (string, error)
	// FromNumber returns the organization's default sending number.
	FromNumber(ctx context.Context, organizationID string) (string, error)
}

// Static is an in-memory Directory.
type Static struct {
	byPhone  map[string]Contact
	byLead   map[string]Contact
	byNumber map[string]string
	from     map[string]string
}

// NewStatic indexes orgs. Phone numbers are normalized; entries that fail
// normalization are rejected.
func NewStatic(orgs []Organization) (*Static, error) {
	s := &Static{
		byPhone:  make(map[string]Contact),
		byLead:   make(map[string]Contact),
		byNumber: make(map[string]string),
		from:     make(map[string]string),
	}

	for _, org := range orgs {
		if org.ID == "" {
			return nil, errors.New("directory: organization id is required")
		}
		for _, raw := range org.Numbers {
			n, err := model.NormalizePhone(raw)
			if err != nil {
				return nil, fmt.Errorf("directory: org %s number %q: %w", org.ID, raw, err)
			}
			if owner, dup := s.byNumber[n]; dup && owner != org.ID {
				return nil, fmt.Errorf("directory: number %s assigned to %s and %s", n, owner, org.ID)
			}
			s.byNumber[n] = org.ID
			if _, ok := s.from[org.ID]; !ok {
				s.from[org.ID] = n
			}
		}
		if org.FromNumber != "" {
			n, err := model.NormalizePhone(org.FromNumber)
			if err != nil {
				return nil, fmt.Errorf("directory: org %s from_number: %w", org.ID, err)
			}
			s.from[org.ID] = n
		}

		for _, c := range org.Contacts {
			n, err := model.NormalizePhone(c.Phone)
			if err != nil {
				return nil, fmt.Errorf("directory: org %s contact %q: %w", org.ID, c.Phone, err)
			}
			c.Phone = n
			c.OrganizationID = org.ID
			if prev, dup := s.byPhone[n]; dup && prev.OrganizationID != org.ID {
				return nil, fmt.Errorf("directory: contact %s listed under %s and %s", n, prev.OrganizationID, org.ID)
			}
			s.byPhone[n] = c
			if c.LeadID != "" {
				s.byLead[c.LeadID] = c
			}
		}
	}
	return s, nil
}

// LoadFile reads a YAML directory. ${VAR} references are expanded from the
// environment before parsing.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading directory file: %w", err)
	}

	var f fileFormat
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("parsing directory file: %w", err)
	}
	return NewStatic(f.Organizations)
}

// Resolve implements Directory.
func (s *Static) Resolve(_ context.Context, phone string) (Contact, error) {
	n, err := model.NormalizePhone(phone)
	if err != nil {
		return Contact{}, err
	}
	c, ok := s.byPhone[n]
	if !ok {
		return Contact{}, ErrNotFound
	}
	return c, nil
}

// ResolveLead implements Directory.
func (s *Static) ResolveLead(_ context.Context, leadID string) (Contact, error) {
	c, ok := s.byLead[leadID]
	if !ok {
		return Contact{}, ErrNotFound
	}
	return c, nil
}

// ResolveNumber implements Directory.
func (s *Static) ResolveNumber(_ context.Context, carrierNumber string) (string, error) {
	n, err := model.NormalizePhone(carrierNumber)
	if err != nil {
		return "", err
	}
	org, ok := s.byNumber[n]
	if !ok {
		return "", ErrNotFound
	}
	return org, nil
}

// FromNumber implements Directory.
func (s *Static) FromNumber(_ context.Context, organizationID string) (string, error) {
	n, ok := s.from[organizationID]
	if !ok {
		return "", ErrNotFound
	}
	return n, nil
}
