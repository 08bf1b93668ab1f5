package models

// HealthOutcome classifies a single probe of the supervised server.
// The three-way split matters: the process can be alive but not yet
// logged in, and the redirect flow must not fire in that window.
type HealthOutcome string

const (
	HealthDown              HealthOutcome = "down"
	HealthUpUnauthenticated HealthOutcome = "up_unauthenticated"
	HealthUpReady           HealthOutcome = "up_ready"
)
