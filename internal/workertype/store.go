package workertype

import "context"

// Store is the read-only interface the reconciler borrows worker-type
// definitions through (spec.md §6). The real implementation —
// backed by the external persistent store and its CRUD API — is out
// of scope for this module.
type Store interface {
	ListWorkerTypes(ctx context.Context) ([]string, error)
	LoadWorkerType(ctx context.Context, name string) (Definition, error)
}
