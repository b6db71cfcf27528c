// Package logging provides slog-based logging for uxrmate with a compact
// console handler, a JSON handler, and typed attribute helpers shared by
// every component.
package logging
