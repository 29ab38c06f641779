// Package subsidy manages learner-credit subsidies and orchestrates
// redemptions across the ledger, catalog pricing, and LMS fulfillment.
package subsidy

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrSubsidyNotFound  = errors.New("subsidy not found")
	ErrSubsidyNotActive = errors.New("subsidy is not active")
	ErrInvalidProvision = errors.New("invalid subsidy provision")
	ErrInvalidDeposit   = errors.New("invalid deposit")
	// ErrLedgerInUse means a ledger is already bound to another subsidy;
	// the pairing is strictly one-to-one.
	ErrLedgerInUse = errors.New("ledger already bound to a subsidy")
)

// Subsidy is a pot of learner credit funded by an enterprise customer.
// Value lives in the attached ledger; the subsidy row carries identity and
// the activation window.
type Subsidy struct {
	UUID                   string     `json:"uuid"`
	Title                  string     `json:"title"`
	EnterpriseCustomerUUID string     `json:"enterprise_customer_uuid"`
	LedgerID               string     `json:"ledger_id"`
	ActiveDatetime         time.Time  `json:"active_datetime"`
	ExpirationDatetime     time.Time  `json:"expiration_datetime"`
	RetiredAt              *time.Time `json:"retired_at,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// State reports the subsidy lifecycle state: "active", "retired", or
// "inactive" (outside the activation window).
func (s *Subsidy) State(now time.Time) string {
	if s.RetiredAt != nil {
		return "retired"
	}
	if now.Before(s.ActiveDatetime) || !now.Before(s.ExpirationDatetime) {
		return "inactive"
	}
	return "active"
}

// IsActive reports whether the subsidy can accept redemptions at now.
func (s *Subsidy) IsActive(now time.Time) bool {
	return s.State(now) == "active"
}

// Store persists subsidies.
type Store interface {
	CreateSubsidy(ctx context.Context, s *Subsidy) error
	GetSubsidy(ctx context.Context, uuid string) (*Subsidy, error)
	UpdateSubsidy(ctx context.Context, s *Subsidy) error
	ListSubsidies(ctx context.Context, enterpriseCustomerUUID string, limit int) ([]*Subsidy, error)
}
