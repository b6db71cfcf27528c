// Package media handles local session recordings: ingestion validation,
// checksum computation, duration probing, and the write-once media cache
// keyed by checksum.
package media
