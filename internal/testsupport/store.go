package testsupport

import (
	"context"
	"testing"

	"slabscan/internal/config"
	"slabscan/internal/ledger"
)

// MustOpenStore opens a ledger.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *ledger.Store {
	t.Helper()

	store, err := ledger.Open(cfg)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewScan inserts an uploaded scan for tests using the provided store.
func NewScan(t testing.TB, store *ledger.Store, hash, name string) *ledger.Scan {
	t.Helper()

	scan, err := store.InsertScan(context.Background(), ledger.NewScan{
		ImageHash:        hash,
		OriginalFileName: name,
		FullImageURL:     "https://images.test/full/" + hash,
	})
	if err != nil {
		t.Fatalf("store.InsertScan: %v", err)
	}
	return scan
}

// AdvanceTo walks a scan forward one legal edge at a time until it reaches
// target and returns the refreshed row.
func AdvanceTo(t testing.TB, store *ledger.Store, scan *ledger.Scan, target ledger.Status) *ledger.Scan {
	t.Helper()

	ctx := context.Background()
	statuses := ledger.AllStatuses()
	current := scan.Status
	for i := 0; i < len(statuses)-1 && current != target; i++ {
		if statuses[i] != current {
			continue
		}
		next := statuses[i+1]
		if err := store.Advance(ctx, scan.ID, current, next, ledger.ScanUpdate{}); err != nil {
			t.Fatalf("advance %s -> %s: %v", current, next, err)
		}
		current = next
	}
	if current != target {
		t.Fatalf("could not advance scan %d to %s", scan.ID, target)
	}
	refreshed, err := store.GetScan(ctx, scan.ID)
	if err != nil {
		t.Fatalf("store.GetScan: %v", err)
	}
	return refreshed
}
