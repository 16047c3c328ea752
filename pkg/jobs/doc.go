// Package jobs is the durable job runtime. Workers poll the store's
// priority-ordered queue and dispatch to registered phase handlers.
//
// Retries are class-based: rate limits back off polynomially with a wider
// attempt budget, network and timeout failures back off exponentially (with
// extra attempts for the heavy repo import), and account-exists is never
// retried. Because jobs are re-persisted between attempts, the backoff is a
// pure function of the attempt number rather than in-memory state. A handler
// can also return RetryAfter to defer without consuming an attempt, which is
// how blob-phase admission control waits for capacity.
package jobs
