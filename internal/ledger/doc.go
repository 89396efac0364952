// Package ledger is the single owner of scan state. It persists scans,
// stitched labels, ranked card matches, set recommendations, approvals and
// the audit log in SQLite.
//
// Every status write is a compare-and-set on (id, expected status) checked
// against StatusTable, so a write racing a delete or a concurrent move fails
// with ErrStale instead of silently overwriting. Status only moves forward
// along the stage order; the single regression is re-stitch
// (stitched -> extracted). A process lock next to the database keeps a second
// slabscan process from opening the same ledger.
//
// Schema changes are additive files under migrations/; they are applied in
// lexical order and recorded in schema_migrations.
package ledger
