// Package queue persists analysis pairs, criteria, media assets, and
// verdicts in SQLite. The store is the single source of truth for
// pipeline state: workers read their checkpoints from here and every
// lifecycle advance is written back before the next stage begins.
package queue
