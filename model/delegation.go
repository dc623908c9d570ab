package model

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// DelegationStatus is the lifecycle state of a delegation rule.
type DelegationStatus string

// Delegation states.
const (
	DelegationActive    DelegationStatus = "active"
	DelegationExpired   DelegationStatus = "expired"
	DelegationCancelled DelegationStatus = "cancelled"
)

// DelegationRule redirects FromUser's approval authority to ToUser for the
// half-open interval [StartDate, EndDate).
type DelegationRule struct {
	ID            string           `json:"id"`
	FromUser      string           `json:"from_user"`
	ToUser        string           `json:"to_user"`
	StartDate     time.Time        `json:"start_date"`
	EndDate       time.Time        `json:"end_date"`
	WorkflowTypes []string         `json:"workflow_types,omitempty"`
	AmountLimit   *decimal.Decimal `json:"amount_limit,omitempty"`
	Status        DelegationStatus `json:"status"`
	Reason        string           `json:"reason,omitempty"`
	Version       int              `json:"version"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Clone returns a deep copy of the rule.
func (r DelegationRule) Clone() DelegationRule {
	out := r
	out.WorkflowTypes = slices.Clone(r.WorkflowTypes)
	if r.AmountLimit != nil {
		l := *r.AmountLimit
		out.AmountLimit = &l
	}
	return out
}

// DelegationScope is the context a delegation is resolved against.
type DelegationScope struct {
	WorkflowType string
	Amount       decimal.Decimal
}
