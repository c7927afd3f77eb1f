// CLAUDE:SUMMARY Sentinel errors for the dedup service: invalid input, unscoped entity, cache miss, lock busy.
package dedup

import (
	"errors"

	"rcache/dedup/internal/store"
)

// ErrInvalidInput is returned when a request fails validation.
var ErrInvalidInput = errors.New("dedup: invalid input")

// ErrNotFound is returned when a run, artifact or aggregate does not exist.
var ErrNotFound = store.ErrNotFound

// ErrUnscopedEntity is returned when an entity-scoped lookup is attempted
// with the unscoped sentinel. Funneling unscoped traffic through the entity
// index would concentrate it in a single partition.
var ErrUnscopedEntity = store.ErrUnscopedEntity

// Dead-letter categories. A category names the stage that gave up, so
// operators can tell a poison payload from an infrastructure fault.
const (
	CategoryOCCConflict = "OCC_CONFLICT"
	CategoryValidation  = "VALIDATION"
	CategoryExtractor   = "EXTRACTOR"
	CategoryScheduler   = "SCHEDULER"
	CategoryUnknown     = "UNKNOWN"
)
