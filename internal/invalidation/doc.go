// Package invalidation decides which cached read views become stale after a
// pipeline operation and refetches them lazily.
//
// The mapping from operation to views lives in a Policy value so callers and
// configuration can widen it without touching the Coordinator. Search
// suggestion views are never invalidated by pipeline operations.
package invalidation
