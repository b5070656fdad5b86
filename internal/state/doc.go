// Package state provides the durable session tier (SQLite) and the local
// last-resort fallback store (JSON files).
package state

import "github.com/user/continuity/internal/types"

// Compile-time interface compliance checks.
var _ types.DurableStore = (*Durable)(nil)
var _ types.FallbackStore = (*FallbackStore)(nil)
