// Package api exposes the migration lifecycle over HTTP: create, verify,
// status, directory-token submission, backup download, cancel, and retry,
// plus health and Prometheus metrics endpoints. Error kinds map onto HTTP
// statuses; credentials never appear in responses.
package api
