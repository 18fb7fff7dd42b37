package domain

import (
	"errors"
	"fmt"
)

// Catalog is the injectable, read-only plan catalog.
type Catalog interface {
	// Get returns the newest active version of code.
	Get(code string) (Plan, error)
	// GetVersion returns a pinned version whether or not it is still offered.
	GetVersion(code string, version int) (Plan, error)
	// List returns the newest active version of every plan ordered by tier.
	List() []Plan
	// Versions returns every known version.
	Versions() []Plan
}

var (
	ErrInvalidPlan         = errors.New("invalid_plan")
	ErrInvalidDefinition   = errors.New("invalid_plan_definition")
	ErrPlanVersionMutated  = errors.New("plan_version_mutated")
	ErrPlanVersionMissing  = errors.New("plan_version_missing")
	ErrInvalidBillingCycle = errors.New("invalid_billing_cycle")
	ErrUnknownMetric       = errors.New("unknown_metric")
)

// InvalidPlanError names the plan that could not be resolved.
type InvalidPlanError struct {
	Code    string
	Version int
	Reason  string
}

func (e *InvalidPlanError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("invalid plan %s@%d: %s", e.Code, e.Version, e.Reason)
	}
	return fmt.Sprintf("invalid plan %s: %s", e.Code, e.Reason)
}

func (e *InvalidPlanError) Is(target error) bool {
	return target == ErrInvalidPlan
}
