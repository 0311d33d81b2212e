package common

// CacheRepository is a named, file-backed snapshot that can be reloaded
// when the file on disk changes and written back in one piece.
//
// Implementations live in common/store; consumers such as the token and
// app caches only depend on this shape.
type CacheRepository[T any] interface {
	// Data returns the in-memory snapshot. It fails before the first
	// successful load or store.
	Data() (T, error)
	// Set replaces the in-memory snapshot without persisting it.
	Set(value T)
	Load() error
	// Refresh reloads only if the backing file is newer than the last
	// load or store, and reports whether it did.
	Refresh() (bool, error)
	// Store persists the snapshot. It returns false without error when
	// another writer holds the lock.
	Store() (bool, error)
	Exists() bool
}
