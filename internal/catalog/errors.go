package catalog

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateID is returned by Append when the id is already catalogued.
	ErrDuplicateID = errors.New("duplicate backup id")
	// ErrNotFound is returned when no record matches the requested id.
	ErrNotFound = errors.New("backup id not found")
	// ErrAmbiguousID is returned when a short id matches more than one record.
	ErrAmbiguousID = errors.New("ambiguous backup id")
	// ErrAlreadyComplete is returned when a finished job is finished again.
	ErrAlreadyComplete = errors.New("backup job already complete")
	// ErrInvalidHost is returned for host names that cannot name a directory
	// under the destination root.
	ErrInvalidHost = errors.New("invalid host name")
	// ErrLocked is returned when the catalog lock cannot be taken in time.
	ErrLocked = errors.New("catalog is locked by another process")
)

// CorruptCatalogError reports a catalog document that exists but cannot be
// parsed. Section is empty when the document itself is unreadable.
type CorruptCatalogError struct {
	Path    string
	Section string
	Err     error
}

func (e *CorruptCatalogError) Error() string {
	if e.Section != "" {
		return fmt.Sprintf("corrupt catalog %s: section %s: %v", e.Path, e.Section, e.Err)
	}
	return fmt.Sprintf("corrupt catalog %s: %v", e.Path, e.Err)
}

func (e *CorruptCatalogError) Unwrap() error { return e.Err }
