// Package kmem provides physical page and kernel object allocation management
package kmem

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by the allocator wraps exactly one of them.
var (
	// ErrExhaustion is returned when no zone or node can satisfy a request
	ErrExhaustion = errors.New("memory exhausted")
	// ErrInvalidRequest is returned for requests that can never succeed as made
	ErrInvalidRequest = errors.New("invalid request")
	// ErrConsistencyFault marks a broken internal invariant
	ErrConsistencyFault = errors.New("allocator consistency fault")
)

// Error definitions
var (
	// ErrOutOfMemory is returned when the free lists cannot supply a block
	ErrOutOfMemory = fmt.Errorf("%w: out of memory", ErrExhaustion)
	// ErrOrderTooLarge is returned when a request exceeds MaxOrder
	ErrOrderTooLarge = fmt.Errorf("%w: request exceeds max order", ErrInvalidRequest)
	// ErrOrderMismatch is returned when a block is freed with a different size than it was allocated with
	ErrOrderMismatch = fmt.Errorf("%w: free size does not match allocation", ErrInvalidRequest)
	// ErrDoubleFree is returned when freeing memory that is already free
	ErrDoubleFree = fmt.Errorf("%w: double free detected", ErrInvalidRequest)
	// ErrInvalidAddress is returned when trying to free an address the allocator never handed out
	ErrInvalidAddress = fmt.Errorf("%w: invalid address", ErrInvalidRequest)
	// ErrInvalidSize is returned for zero or unservable sizes
	ErrInvalidSize = fmt.Errorf("%w: invalid size", ErrInvalidRequest)
	// ErrInvalidAlign is returned for alignments that are not powers of two
	ErrInvalidAlign = fmt.Errorf("%w: invalid alignment", ErrInvalidRequest)
	// ErrCacheBusy is returned when destroying a cache that still has live objects
	ErrCacheBusy = fmt.Errorf("%w: cache has outstanding objects", ErrInvalidRequest)
	// ErrUnknownCache is returned for cache ids that are not registered
	ErrUnknownCache = fmt.Errorf("%w: unknown cache", ErrInvalidRequest)
	// ErrProtectedCache is returned when destroying a generic size-class cache
	ErrProtectedCache = fmt.Errorf("%w: size-class caches cannot be destroyed", ErrInvalidRequest)
	// ErrDuplicateCache is returned when a cache name is already registered
	ErrDuplicateCache = fmt.Errorf("%w: cache name already registered", ErrInvalidRequest)
	// ErrWrongCache is returned when an object is freed to a cache that did not allocate it
	ErrWrongCache = fmt.Errorf("%w: object belongs to another cache", ErrInvalidRequest)
	// ErrNotInitialized is returned when the allocator is used before Init
	ErrNotInitialized = fmt.Errorf("%w: allocator not initialized", ErrInvalidRequest)
	// ErrAlreadyInitialized is returned when Init is called twice
	ErrAlreadyInitialized = fmt.Errorf("%w: allocator already initialized", ErrInvalidRequest)
	// ErrInvalidMemoryMap is returned when the boot memory map cannot be partitioned
	ErrInvalidMemoryMap = fmt.Errorf("%w: invalid memory map", ErrInvalidRequest)
	// ErrInvalidNode is returned for node hints outside the memory map
	ErrInvalidNode = fmt.Errorf("%w: invalid node", ErrInvalidRequest)
	// ErrInvalidCPU is returned for CPU ids outside the configured range
	ErrInvalidCPU = fmt.Errorf("%w: invalid cpu", ErrInvalidRequest)
)

// ConsistencyError describes a violated free-list or counter invariant
type ConsistencyError struct {
	Zone   int
	Detail string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%v: zone %d: %s", ErrConsistencyFault, e.Zone, e.Detail)
}

func (e *ConsistencyError) Unwrap() error { return ErrConsistencyFault }

// IsExhaustion reports whether err is a resource exhaustion
func IsExhaustion(err error) bool { return errors.Is(err, ErrExhaustion) }

// IsInvalidRequest reports whether err rejects the request itself
func IsInvalidRequest(err error) bool { return errors.Is(err, ErrInvalidRequest) }

// IsConsistencyFault reports whether err indicates allocator corruption
func IsConsistencyFault(err error) bool { return errors.Is(err, ErrConsistencyFault) }
