// Package pds is the XRPC client for source and target Personal Data
// Servers.
//
// One Client is bound to one host and holds at most one session. Every
// authenticated call refreshes the session once on a 401 before surfacing an
// authentication error; refresh-token rotation is persisted through the
// RefreshCallback so the encrypted migration record stays current. Errors
// are classified into the pipeline's taxonomy (rate limit, authentication,
// network, timeout, protocol) so the job runtime can pick a retry policy
// without parsing error text.
//
// Transfer calls have their own ceilings: repo export carries a sustained-
// throughput watchdog, repo import retries the whole body with exponential
// backoff, and blob get/put run under a longer per-call timeout than control
// calls.
package pds
