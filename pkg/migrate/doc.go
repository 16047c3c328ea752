// Package migrate holds the migration state machine and the form-facing
// service operations.
//
// The state machine is persisted-first: the stored status field is the
// single source of truth, and every advance writes the new status and the
// next phase's job in one transaction. Phase jobs gate on their expected
// entry status, so a redelivered or stale job is a no-op rather than a
// hazard. The service wraps creation, email verification, status reporting,
// directory-token submission, cancellation, and operator retry around that
// machine.
package migrate
