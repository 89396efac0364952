package services_test

import (
	"context"
	"testing"

	"slabscan/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithImageHash(ctx, "abc123")
	ctx = services.WithStage(ctx, "reconcile")
	ctx = services.WithOperation(ctx, "stitchImages")
	ctx = services.WithRequestID(ctx, "req-123")

	if hash, ok := services.ImageHashFromContext(ctx); !ok || hash != "abc123" {
		t.Fatalf("unexpected image hash: %v %v", hash, ok)
	}
	if stage, ok := services.StageFromContext(ctx); !ok || stage != "reconcile" {
		t.Fatalf("unexpected stage: %v %v", stage, ok)
	}
	if op, ok := services.OperationFromContext(ctx); !ok || op != "stitchImages" {
		t.Fatalf("unexpected operation: %v %v", op, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestStageBlankPreservesContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithStage(ctx, "")
	if _, ok := services.StageFromContext(ctx); ok {
		t.Fatal("expected no stage value")
	}
}
