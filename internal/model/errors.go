package model

import "errors"

// ErrTenantIsolation is returned when a rule, claim, recommendation or
// outcome reference crosses organization boundaries. It is never degraded.
var ErrTenantIsolation = errors.New("tenant isolation violation")
