/*
Package types defines the core data structures shared across pdsmover.

The central type is Migration, the durable root aggregate for one account
transfer. Its Status field is the state-machine cursor; all inter-phase state
lives either in Status, in the Progress block, or in the encrypted
Credentials block. Nothing is assumed to survive in process memory across
phase boundaries.

Error carries the failure taxonomy (authentication, rate-limit, network,
timeout, protocol, account-exists, validation, unknown) as a tagged variant.
The job runtime selects retry policies by Kind, so remote clients must
classify failures at the point where the information exists.

Job is the durable work-queue envelope. It deliberately contains no business
data beyond the migration id and phase name: phase handlers reload the
migration from the store and gate on its status, which is what makes
redelivery safe.
*/
package types
