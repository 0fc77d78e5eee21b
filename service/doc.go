// Package service is the settlement engine's only write entry point. It
// serializes commands, logs each one to the entry WAL before applying it to
// the ledger, and queues settlement events in the outbox.
//
// Reads go straight to the ledger, which is safe for concurrent use.
package service
