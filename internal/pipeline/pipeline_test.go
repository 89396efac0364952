package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"slabscan/internal/config"
	"slabscan/internal/gateway"
	"slabscan/internal/invalidation"
	"slabscan/internal/ledger"
	"slabscan/internal/logging"
	"slabscan/internal/pipeline"
	"slabscan/internal/services"
	"slabscan/internal/testsupport"
)

type harness struct {
	cfg      *config.Config
	store    *ledger.Store
	gateway  *testsupport.FakeGateway
	pipeline *pipeline.Pipeline
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	store := testsupport.MustOpenStore(t, cfg)
	fake := &testsupport.FakeGateway{}
	return &harness{
		cfg:      cfg,
		store:    store,
		gateway:  fake,
		pipeline: pipeline.New(cfg, store, fake, logging.NewNop()),
	}
}

func blob(name string) gateway.Blob {
	return gateway.Blob{FileName: name, Data: []byte("image-bytes-" + name)}
}

func hashOf(b gateway.Blob) string {
	return pipeline.HashImage(b.Data)
}

func (h *harness) scan(t *testing.T, hash string) *ledger.Scan {
	t.Helper()
	scan, err := h.store.GetByHash(context.Background(), hash)
	if err != nil {
		t.Fatalf("GetByHash(%s): %v", hash, err)
	}
	return scan
}

// seed uploads and extracts the named blobs and returns their hashes.
func (h *harness) seed(t *testing.T, names ...string) []string {
	t.Helper()
	ctx := context.Background()
	blobs := make([]gateway.Blob, 0, len(names))
	for _, name := range names {
		blobs = append(blobs, blob(name))
	}
	uploaded, err := h.pipeline.Upload(ctx, blobs)
	if err != nil || !uploaded.OK() {
		t.Fatalf("Upload: %v %+v", err, uploaded.Failed)
	}
	hashes := make([]string, 0, len(blobs))
	ids := make([]int64, 0, len(blobs))
	for _, b := range blobs {
		scan := h.scan(t, hashOf(b))
		hashes = append(hashes, scan.ImageHash)
		ids = append(ids, scan.ID)
	}
	extracted, err := h.pipeline.ExtractLabels(ctx, ids)
	if err != nil || !extracted.OK() {
		t.Fatalf("ExtractLabels: %v %+v", err, extracted.Failed)
	}
	return hashes
}

// stitchAndRead takes extracted hashes through reconcile, OCR and
// distribution with complete field data.
func (h *harness) stitchAndRead(t *testing.T, hashes []string, data ledger.ExtractedData) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.pipeline.Reconcile(ctx, hashes, pipeline.ReconcileOptions{}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if _, err := h.pipeline.RunOCR(ctx, hashes); err != nil {
		t.Fatalf("RunOCR: %v", err)
	}
	if h.gateway.Distributed == nil {
		h.gateway.Distributed = make(map[string]gateway.DistributedItem)
	}
	for _, hash := range hashes {
		h.gateway.Distributed[hash] = gateway.DistributedItem{ImageHash: hash, OCRText: "label text", Extracted: data}
	}
	result, err := h.pipeline.Distribute(ctx, hashes, nil)
	if err != nil || !result.OK() {
		t.Fatalf("Distribute: %v %+v", err, result.Failed)
	}
}

func fullData() ledger.ExtractedData {
	return ledger.ExtractedData{
		PokemonName: "Charizard",
		CardNumber:  "11",
		CertNumber:  "12345678",
		Grade:       "10",
		Year:        "2016",
		SetName:     "Evolutions",
		Confidence:  0.9,
	}
}

func TestUploadThenExtractMovesEveryScan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	blobs := []gateway.Blob{blob("front.jpg"), blob("back.jpg"), blob("label.jpg")}

	uploaded, err := h.pipeline.Upload(ctx, blobs)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(uploaded.Succeeded) != 3 || !uploaded.OK() {
		t.Fatalf("expected 3 uploads, got %+v", uploaded)
	}
	if uploaded.RequestID == "" {
		t.Fatal("expected request id on batch result")
	}

	var ids []int64
	for _, b := range blobs {
		scan := h.scan(t, hashOf(b))
		if scan.Status != ledger.StatusUploaded {
			t.Fatalf("expected uploaded, got %s", scan.Status)
		}
		ids = append(ids, scan.ID)
	}
	extracted, err := h.pipeline.ExtractLabels(ctx, ids)
	if err != nil {
		t.Fatalf("ExtractLabels: %v", err)
	}
	if len(extracted.Succeeded) != 3 {
		t.Fatalf("expected 3 extracted, got %+v", extracted)
	}
	for _, b := range blobs {
		scan := h.scan(t, hashOf(b))
		if scan.Status != ledger.StatusExtracted || scan.LabelImageURL == "" {
			t.Fatalf("scan %s: status %s label %q", scan.ImageHash, scan.Status, scan.LabelImageURL)
		}
	}
}

func TestUploadSkipsImagesAlreadyRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	blobs := []gateway.Blob{blob("a.jpg"), blob("b.jpg")}
	if _, err := h.pipeline.Upload(ctx, blobs); err != nil {
		t.Fatalf("first upload: %v", err)
	}
	again, err := h.pipeline.Upload(ctx, append(blobs, blob("a.jpg")))
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if len(again.AlreadyProcessed) != 3 || len(again.Succeeded) != 0 {
		t.Fatalf("expected everything already processed, got %+v", again)
	}
	if calls := h.gateway.Calls("UploadImages"); calls != 1 {
		t.Fatalf("expected one gateway upload, got %d", calls)
	}
}

func TestEmptyBatchesFailFastWithoutGatewayCalls(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := map[string]func() error{
		"upload": func() error {
			_, err := h.pipeline.Upload(ctx, []gateway.Blob{{FileName: "empty.jpg"}})
			return err
		},
		"extract": func() error {
			_, err := h.pipeline.ExtractLabels(ctx, []int64{0, -4})
			return err
		},
		"reconcile": func() error {
			_, err := h.pipeline.Reconcile(ctx, []string{" ", ""}, pipeline.ReconcileOptions{})
			return err
		},
		"ocr": func() error {
			_, err := h.pipeline.RunOCR(ctx, nil)
			return err
		},
		"distribute": func() error {
			_, err := h.pipeline.Distribute(ctx, nil, nil)
			return err
		},
		"match": func() error {
			_, err := h.pipeline.Match(ctx, []string{})
			return err
		},
		"delete": func() error {
			_, err := h.pipeline.DeleteScans(ctx, nil)
			return err
		},
	}
	for name, call := range cases {
		if err := call(); !errors.Is(err, services.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
	for _, op := range []string{"UploadImages", "ExtractLabels", "StitchImages", "ProcessOCR", "DistributeText", "DeleteScans"} {
		if calls := h.gateway.Calls(op); calls != 0 {
			t.Fatalf("expected no %s calls, got %d", op, calls)
		}
	}
}

func TestUploadItemFailureDoesNotAbortSiblings(t *testing.T) {
	h := newHarness(t)
	bad := blob("bad.jpg")
	h.gateway.ItemFailures = map[string]gateway.ItemFailure{
		hashOf(bad): {Reason: "unsupported format", Remediation: "convert to jpeg"},
	}
	result, err := h.pipeline.Upload(context.Background(), []gateway.Blob{blob("good.jpg"), bad})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(result.Succeeded) != 1 || len(result.Failed) != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	failure, ok := result.Failure(hashOf(bad))
	if !ok || failure.Remediation != "convert to jpeg" || failure.Retryable {
		t.Fatalf("unexpected failure %+v", failure)
	}
}

func TestExtractTimeoutIsRetryable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.pipeline.Upload(ctx, []gateway.Blob{blob("slow.jpg")}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	scan := h.scan(t, hashOf(blob("slow.jpg")))
	h.gateway.Err = map[string]error{
		"ExtractLabels": services.Wrap(services.ErrTimeout, "gateway", "extract-labels", "deadline exceeded", nil),
	}

	result, err := h.pipeline.ExtractLabels(ctx, []int64{scan.ID})
	if err != nil {
		t.Fatalf("ExtractLabels: %v", err)
	}
	failure, ok := result.Failure(scan.ImageHash)
	if !ok || !failure.Retryable || !errors.Is(failure.Err, services.ErrTimeout) {
		t.Fatalf("expected retryable timeout failure, got %+v", result)
	}
	after := h.scan(t, scan.ImageHash)
	if after.Status != ledger.StatusUploaded || !after.Retryable || after.ErrorMessage == "" {
		t.Fatalf("expected uploaded retryable scan with error, got %+v", after)
	}
}

func TestExtractUnresolvedLabelStaysUploaded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	blobs := []gateway.Blob{blob("ok.jpg"), blob("blurry.jpg")}
	if _, err := h.pipeline.Upload(ctx, blobs); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	blurry := h.scan(t, hashOf(blobs[1]))
	ok := h.scan(t, hashOf(blobs[0]))
	h.gateway.LabelErrors = map[string]string{blurry.ImageHash: "label not found"}

	result, err := h.pipeline.ExtractLabels(ctx, []int64{ok.ID, blurry.ID, 999})
	if err != nil {
		t.Fatalf("ExtractLabels: %v", err)
	}
	if len(result.Succeeded) != 1 || len(result.Failed) != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	if _, missing := result.Failure("999"); !missing {
		t.Fatalf("expected unknown id failure, got %+v", result.Failed)
	}
	after := h.scan(t, blurry.ImageHash)
	if after.Status != ledger.StatusUploaded || after.ErrorMessage != "label not found" {
		t.Fatalf("unexpected blurry scan %+v", after)
	}

	again, err := h.pipeline.ExtractLabels(ctx, []int64{ok.ID})
	if err != nil || len(again.AlreadyProcessed) != 1 {
		t.Fatalf("expected already processed, got %+v %v", again, err)
	}
}

func TestReconcileTwiceReturnsExistingLabelAsDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hashes := h.seed(t, "front.jpg", "back.jpg")

	first, err := h.pipeline.Reconcile(ctx, hashes, pipeline.ReconcileOptions{})
	if err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	if first.Label == nil || first.IsDuplicate || len(first.Succeeded) != 2 {
		t.Fatalf("unexpected first result %+v", first)
	}

	second, err := h.pipeline.Reconcile(ctx, hashes, pipeline.ReconcileOptions{})
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if second.Label == nil || second.Label.ID != first.Label.ID || !second.IsDuplicate || !second.Label.IsDuplicate {
		t.Fatalf("expected duplicate of %s, got %+v", first.Label.ID, second)
	}
	if calls := h.gateway.Calls("StitchImages"); calls != 1 {
		t.Fatalf("expected one stitch call, got %d", calls)
	}
	labels, err := h.store.ListStitched(ctx)
	if err != nil || len(labels) != 1 {
		t.Fatalf("expected one label, got %d (%v)", len(labels), err)
	}
	for _, hash := range hashes {
		if status := h.scan(t, hash).Status; status != ledger.StatusStitched {
			t.Fatalf("expected stitched, got %s", status)
		}
	}
}

func TestReconcileConflictRequiresConfirmation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hashes := h.seed(t, "a.jpg", "b.jpg", "c.jpg")
	a, b, c := hashes[0], hashes[1], hashes[2]

	first, err := h.pipeline.Reconcile(ctx, []string{a, b}, pipeline.ReconcileOptions{})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	plan, err := h.pipeline.PlanReconcile(ctx, []string{b, c})
	if err != nil {
		t.Fatalf("PlanReconcile: %v", err)
	}
	if !plan.Destructive || len(plan.Conflicts) != 1 || plan.Conflicts[0].ID != first.Label.ID {
		t.Fatalf("unexpected plan %+v", plan)
	}

	_, err = h.pipeline.Reconcile(ctx, []string{b, c}, pipeline.ReconcileOptions{})
	if !errors.Is(err, pipeline.ErrDestructiveUnconfirmed) || !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected unconfirmed destructive error, got %v", err)
	}
	if deleted := h.gateway.Deleted(); len(deleted) != 0 {
		t.Fatalf("nothing should be deleted yet, got %v", deleted)
	}

	confirmed, err := h.pipeline.Reconcile(ctx, []string{b, c}, pipeline.ReconcileOptions{ConfirmDestructive: true})
	if err != nil {
		t.Fatalf("confirmed Reconcile: %v", err)
	}
	if len(confirmed.Deleted) != 1 || confirmed.Deleted[0] != first.Label.ID {
		t.Fatalf("expected deletion of %s, got %+v", first.Label.ID, confirmed.Deleted)
	}
	if status := h.scan(t, a).Status; status != ledger.StatusExtracted {
		t.Fatalf("expected regressed member, got %s", status)
	}
	for _, hash := range []string{b, c} {
		if status := h.scan(t, hash).Status; status != ledger.StatusStitched {
			t.Fatalf("expected stitched, got %s", status)
		}
	}
	audit, err := h.store.AuditLog(ctx, 10)
	if err != nil {
		t.Fatalf("AuditLog: %v", err)
	}
	if len(audit) != 1 || audit[0].Operation != "delete_stitched" || audit[0].Subject != first.Label.ID {
		t.Fatalf("unexpected audit log %+v", audit)
	}
	if deleted := h.gateway.Deleted(); len(deleted) != 1 || deleted[0] != "stitched:"+first.Label.ID {
		t.Fatalf("unexpected remote deletions %v", deleted)
	}
}

func TestReconcileExcludesLockedScans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hashes := h.seed(t, "done.jpg", "new.jpg")
	h.stitchAndRead(t, hashes[:1], fullData())

	plan, err := h.pipeline.PlanReconcile(ctx, hashes)
	if err != nil {
		t.Fatalf("PlanReconcile: %v", err)
	}
	if len(plan.Locked) != 1 || plan.Locked[0] != hashes[0] || len(plan.Eligible) != 1 {
		t.Fatalf("unexpected plan %+v", plan)
	}
	result, err := h.pipeline.Reconcile(ctx, hashes, pipeline.ReconcileOptions{})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Label == nil || len(result.Label.MemberImageHashes) != 1 || result.Label.MemberImageHashes[0] != hashes[1] {
		t.Fatalf("locked scan must not join the new label: %+v", result.Label)
	}
}

func TestRestitchIsBounded(t *testing.T) {
	h := newHarness(t, testsupport.WithMaxRestitch(1))
	ctx := context.Background()
	hashes := h.seed(t, "x.jpg", "y.jpg")
	first, err := h.pipeline.Reconcile(ctx, hashes, pipeline.ReconcileOptions{})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	again, err := h.pipeline.Restitch(ctx, hashes)
	if err != nil {
		t.Fatalf("Restitch: %v", err)
	}
	if again.Label == nil || again.Label.ID == first.Label.ID || len(again.Deleted) != 1 {
		t.Fatalf("expected replacement label, got %+v", again)
	}
	if attempts := h.scan(t, hashes[0]).RestitchAttempts; attempts != 1 {
		t.Fatalf("expected 1 restitch attempt, got %d", attempts)
	}

	_, err = h.pipeline.Restitch(ctx, hashes)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected restitch limit error, got %v", err)
	}
	if status := h.scan(t, hashes[0]).Status; status != ledger.StatusStitched {
		t.Fatalf("refused restitch must not regress, got %s", status)
	}
}

func TestRunOCRRequiresStitchedScans(t *testing.T) {
	h := newHarness(t)
	hashes := h.seed(t, "p.jpg")
	_, err := h.pipeline.RunOCR(context.Background(), hashes)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if calls := h.gateway.Calls("ProcessOCR"); calls != 0 {
		t.Fatalf("expected no OCR calls, got %d", calls)
	}
}

func TestRunOCRStoresTextPerLabel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hashes := h.seed(t, "one.jpg", "two.jpg")
	rec, err := h.pipeline.Reconcile(ctx, hashes, pipeline.ReconcileOptions{})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	h.gateway.OCRText = map[string]string{ledger.MemberKey(hashes): "2016 EVOLUTIONS #11 CHARIZARD"}

	batch, err := h.pipeline.RunOCR(ctx, hashes)
	if err != nil {
		t.Fatalf("RunOCR: %v", err)
	}
	if len(batch.Succeeded) != 2 || batch.Texts[rec.Label.ID] == nil {
		t.Fatalf("unexpected OCR batch %+v", batch)
	}
	if calls := h.gateway.Calls("ProcessOCR"); calls != 1 {
		t.Fatalf("expected one OCR call per label, got %d", calls)
	}
	label, err := h.store.GetStitched(ctx, rec.Label.ID)
	if err != nil {
		t.Fatalf("GetStitched: %v", err)
	}
	if !label.OCRCompleted || label.OCRText != "2016 EVOLUTIONS #11 CHARIZARD" {
		t.Fatalf("unexpected label %+v", label)
	}
}

func TestDistributeIsRerunnable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hashes := h.seed(t, "r1.jpg", "r2.jpg")
	h.stitchAndRead(t, hashes, fullData())

	scan := h.scan(t, hashes[0])
	if scan.Status != ledger.StatusOCRCompleted || scan.CertificationNumber != "12345678" || scan.Extracted == nil {
		t.Fatalf("unexpected scan after distribute %+v", scan)
	}

	again, err := h.pipeline.Distribute(ctx, hashes, nil)
	if err != nil {
		t.Fatalf("Distribute rerun: %v", err)
	}
	if len(again.AlreadyProcessed) != 2 || len(again.Succeeded) != 0 {
		t.Fatalf("expected already processed, got %+v", again)
	}
	if calls := h.gateway.Calls("DistributeText"); calls != 1 {
		t.Fatalf("expected a single distribute call, got %d", calls)
	}
}

func TestDistributeCompletesFieldsFromText(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hashes := h.seed(t, "f.jpg")
	if _, err := h.pipeline.Reconcile(ctx, hashes, pipeline.ReconcileOptions{}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if _, err := h.pipeline.RunOCR(ctx, hashes); err != nil {
		t.Fatalf("RunOCR: %v", err)
	}
	ocr := &gateway.OCRResult{Text: "2016 POKEMON EVOLUTIONS #11\nCHARIZARD HOLO\nGEM MT 10\n12345678"}
	result, err := h.pipeline.Distribute(ctx, hashes, ocr)
	if err != nil || !result.OK() {
		t.Fatalf("Distribute: %v %+v", err, result.Failed)
	}
	scan := h.scan(t, hashes[0])
	if scan.Extracted == nil || scan.Extracted.CertNumber != "12345678" || scan.Extracted.Year != "2016" {
		t.Fatalf("expected parsed fields, got %+v", scan.Extracted)
	}
	if scan.OCRText != ocr.Text {
		t.Fatalf("expected OCR text stored, got %q", scan.OCRText)
	}
}

func TestDistributeReportsRemediation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hashes := h.seed(t, "d1.jpg", "d2.jpg")
	if _, err := h.pipeline.Reconcile(ctx, hashes, pipeline.ReconcileOptions{}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if _, err := h.pipeline.RunOCR(ctx, hashes); err != nil {
		t.Fatalf("RunOCR: %v", err)
	}
	h.gateway.ItemFailures = map[string]gateway.ItemFailure{
		hashes[1]: {Reason: "text region ambiguous", Remediation: "crop the label manually", Retryable: false},
	}
	result, err := h.pipeline.Distribute(ctx, hashes, nil)
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	failure, ok := result.Failure(hashes[1])
	if !ok || failure.Remediation != "crop the label manually" {
		t.Fatalf("expected remediation, got %+v", result.Failed)
	}
	if len(result.Succeeded) != 1 {
		t.Fatalf("sibling should succeed, got %+v", result)
	}
	if status := h.scan(t, hashes[1]).Status; status != ledger.StatusStitched {
		t.Fatalf("failed scan must stay stitched, got %s", status)
	}
}

func remoteCandidates(hash string, scores ...float64) gateway.MatchResult {
	result := gateway.MatchResult{ImageHash: hash}
	for i, score := range scores {
		result.Matches = append(result.Matches, ledger.CardMatch{
			CardID:         fmt.Sprintf("card-%d", i+1),
			CardName:       "Charizard",
			SetID:          fmt.Sprintf("set-%d", i+1),
			SetName:        fmt.Sprintf("Set %d", i+1),
			Confidence:     score,
			SearchStrategy: ledger.StrategyCombined,
		})
	}
	return result
}

func TestMatchNearTieNeedsReview(t *testing.T) {
	h := newHarness(t, testsupport.WithMatchingMode(pipeline.ModeRemote), testsupport.WithThreshold(0.85, 0.05))
	ctx := context.Background()
	hashes := h.seed(t, "tie.jpg")
	h.stitchAndRead(t, hashes, fullData())
	h.gateway.Matches = map[string]gateway.MatchResult{hashes[0]: remoteCandidates(hashes[0], 0.92, 0.9)}

	result, err := h.pipeline.Match(ctx, hashes)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(result.NeedsReview) != 1 || result.NeedsReview[0] != hashes[0] {
		t.Fatalf("expected needs review, got %+v", result)
	}
	scan := h.scan(t, hashes[0])
	if scan.Status != ledger.StatusOCRCompleted || !scan.NeedsReview || scan.SelectedCardID != "" {
		t.Fatalf("near tie must not auto-select: %+v", scan)
	}
	matches, err := h.store.Matches(ctx, scan.ID)
	if err != nil || len(matches) != 2 || matches[0].CardID != "card-1" {
		t.Fatalf("unexpected stored matches %+v (%v)", matches, err)
	}

	if _, err := h.pipeline.SelectMatch(ctx, hashes[0], "card-2"); err != nil {
		t.Fatalf("SelectMatch: %v", err)
	}
	scan = h.scan(t, hashes[0])
	if scan.Status != ledger.StatusMatched || scan.NeedsReview || scan.SelectedCardID != "card-2" {
		t.Fatalf("unexpected scan after selection %+v", scan)
	}
}

func TestMatchAutoAcceptsClearWinner(t *testing.T) {
	h := newHarness(t, testsupport.WithMatchingMode(pipeline.ModeRemote))
	ctx := context.Background()
	hashes := h.seed(t, "clear.jpg")
	h.stitchAndRead(t, hashes, fullData())
	h.gateway.Matches = map[string]gateway.MatchResult{hashes[0]: remoteCandidates(hashes[0], 0.95, 0.6)}

	result, err := h.pipeline.Match(ctx, hashes)
	if err != nil || len(result.Succeeded) != 1 || len(result.NeedsReview) != 0 {
		t.Fatalf("unexpected result %+v (%v)", result, err)
	}
	scan := h.scan(t, hashes[0])
	if scan.Status != ledger.StatusMatched || scan.SelectedCardID != "card-1" {
		t.Fatalf("expected auto-accepted card-1, got %+v", scan)
	}

	again, err := h.pipeline.Match(ctx, hashes)
	if err != nil || len(again.AlreadyProcessed) != 1 {
		t.Fatalf("expected already processed, got %+v (%v)", again, err)
	}
}

func TestMatchLocalStrategiesUseCatalog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gateway.Cards = []gateway.CatalogCard{
		{CardID: "xy12-11", Name: "Charizard", Number: "11", SetID: "xy12", SetName: "Evolutions", Year: "2016"},
		{CardID: "base1-4", Name: "Charizard", Number: "4", SetID: "base1", SetName: "Base Set", Year: "1999"},
	}
	hashes := h.seed(t, "local.jpg")
	h.stitchAndRead(t, hashes, fullData())

	if _, err := h.pipeline.Match(ctx, hashes); err != nil {
		t.Fatalf("Match: %v", err)
	}
	scan := h.scan(t, hashes[0])
	if scan.Status != ledger.StatusMatched || scan.SelectedCardID != "xy12-11" {
		t.Fatalf("expected xy12-11 selected, got %+v", scan)
	}
	sets, err := h.store.SetRecommendations(ctx, scan.ID)
	if err != nil || len(sets) == 0 || sets[0].SetID != "xy12" {
		t.Fatalf("unexpected set recommendations %+v (%v)", sets, err)
	}
}

func TestApproveConfirmsOnce(t *testing.T) {
	h := newHarness(t, testsupport.WithMatchingMode(pipeline.ModeRemote))
	ctx := context.Background()
	hashes := h.seed(t, "approve.jpg")
	h.stitchAndRead(t, hashes, fullData())
	h.gateway.Matches = map[string]gateway.MatchResult{hashes[0]: remoteCandidates(hashes[0], 0.95)}
	if _, err := h.pipeline.Match(ctx, hashes); err != nil {
		t.Fatalf("Match: %v", err)
	}

	record, err := h.pipeline.Approve(ctx, ledger.ApprovalRecord{
		SelectedCardID:  "card-1",
		Grade:           "PSA 10",
		Price:           250,
		SourceImageHash: hashes[0],
	})
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if record.RecordRef == "" || record.DateAdded.IsZero() {
		t.Fatalf("expected record ref and date, got %+v", record)
	}
	if status := h.scan(t, hashes[0]).Status; status != ledger.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", status)
	}
	approvals, err := h.store.Approvals(ctx, hashes[0])
	if err != nil || len(approvals) != 1 {
		t.Fatalf("expected one approval, got %+v (%v)", approvals, err)
	}

	_, err = h.pipeline.Approve(ctx, record)
	if !errors.Is(err, services.ErrInvalidTransition) {
		t.Fatalf("expected second approval to be rejected, got %v", err)
	}
	if got := len(h.gateway.Records()); got != 1 {
		t.Fatalf("expected exactly one remote record, got %d", got)
	}
}

func TestApproveValidatesRecord(t *testing.T) {
	h := newHarness(t)
	_, err := h.pipeline.Approve(context.Background(), ledger.ApprovalRecord{SourceImageHash: "abc", Grade: "9"})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if calls := h.gateway.Calls("CreateRecord"); calls != 0 {
		t.Fatalf("expected no CreateRecord call, got %d", calls)
	}
}

func TestDeleteScansIsAudited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hashes := h.seed(t, "gone.jpg", "kept.jpg")
	gone := h.scan(t, hashes[0])

	result, err := h.pipeline.DeleteScans(ctx, []int64{gone.ID, 4242})
	if err != nil {
		t.Fatalf("DeleteScans: %v", err)
	}
	if len(result.Succeeded) != 1 || len(result.Failed) != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if _, err := h.store.GetByHash(ctx, gone.ImageHash); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected scan removed, got %v", err)
	}
	audit, err := h.store.AuditLog(ctx, 10)
	if err != nil || len(audit) != 1 || audit[0].Operation != "delete_scan" {
		t.Fatalf("unexpected audit %+v (%v)", audit, err)
	}
	if deleted := h.gateway.Deleted(); len(deleted) != 1 || deleted[0] != "scan:"+gone.ImageHash {
		t.Fatalf("unexpected remote deletions %v", deleted)
	}
}

func TestDeleteStitchedRegressesMembers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hashes := h.seed(t, "s1.jpg", "s2.jpg")
	rec, err := h.pipeline.Reconcile(ctx, hashes, pipeline.ReconcileOptions{})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if _, err := h.pipeline.DeleteStitched(ctx, rec.Label.ID); err != nil {
		t.Fatalf("DeleteStitched: %v", err)
	}
	for _, hash := range hashes {
		if status := h.scan(t, hash).Status; status != ledger.StatusExtracted {
			t.Fatalf("expected extracted, got %s", status)
		}
	}
	if _, err := h.pipeline.DeleteStitched(ctx, rec.Label.ID); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

// primeScans registers and loads the scan list view for status so a later
// notification can be observed through Stale.
func (h *harness) primeScans(t *testing.T, status ledger.Status) invalidation.View {
	t.Helper()
	coord := h.pipeline.Coordinator()
	view := invalidation.ScansView(status)
	coord.Register(view, func(ctx context.Context) (any, error) {
		return h.store.ListByStatus(ctx, status)
	})
	if _, err := coord.Get(context.Background(), view); err != nil {
		t.Fatalf("prime %v: %v", view, err)
	}
	if coord.Stale(view) {
		t.Fatalf("expected %v fresh after priming", view)
	}
	return view
}

func TestFailedApproveStillInvalidatesViews(t *testing.T) {
	h := newHarness(t, testsupport.WithMatchingMode(pipeline.ModeRemote), testsupport.WithThreshold(0.85, 0.05))
	ctx := context.Background()
	hashes := h.seed(t, "tie.jpg")
	h.stitchAndRead(t, hashes, fullData())
	h.gateway.Matches = map[string]gateway.MatchResult{hashes[0]: remoteCandidates(hashes[0], 0.92, 0.9)}
	if _, err := h.pipeline.Match(ctx, hashes); err != nil {
		t.Fatalf("Match: %v", err)
	}
	view := h.primeScans(t, ledger.StatusMatched)

	h.gateway.Err = map[string]error{"CreateRecord": services.ErrRemote}
	_, err := h.pipeline.Approve(ctx, ledger.ApprovalRecord{
		SourceImageHash: hashes[0],
		SelectedCardID:  "card-2",
		Grade:           "PSA 9",
	})
	if !errors.Is(err, services.ErrRemote) {
		t.Fatalf("expected remote error, got %v", err)
	}
	if status := h.scan(t, hashes[0]).Status; status != ledger.StatusMatched {
		t.Fatalf("expected selection to persist as matched, got %s", status)
	}
	if !h.pipeline.Coordinator().Stale(view) {
		t.Fatal("matched scans view must be stale after a failed approve that changed the scan")
	}
}

func TestFailedReconcileAfterDropInvalidatesViews(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hashes := h.seed(t, "a.jpg", "b.jpg", "c.jpg")
	a, b, c := hashes[0], hashes[1], hashes[2]
	if _, err := h.pipeline.Reconcile(ctx, []string{a, b}, pipeline.ReconcileOptions{}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	view := h.primeScans(t, ledger.StatusStitched)

	h.gateway.Err = map[string]error{"StitchImages": services.ErrTimeout}
	result, _ := h.pipeline.Reconcile(ctx, []string{b, c}, pipeline.ReconcileOptions{ConfirmDestructive: true})
	if len(result.Succeeded) != 0 {
		t.Fatalf("expected no stitched scans, got %+v", result.BatchResult)
	}
	if status := h.scan(t, a).Status; status != ledger.StatusExtracted {
		t.Fatalf("expected dropped label member regressed, got %s", status)
	}
	if !h.pipeline.Coordinator().Stale(view) {
		t.Fatal("stitched scans view must be stale after labels were dropped")
	}
}

func TestApproveResumesAfterInterruptedConfirm(t *testing.T) {
	h := newHarness(t, testsupport.WithMatchingMode(pipeline.ModeRemote))
	ctx := context.Background()
	hashes := h.seed(t, "resume.jpg")
	h.stitchAndRead(t, hashes, fullData())
	h.gateway.Matches = map[string]gateway.MatchResult{hashes[0]: remoteCandidates(hashes[0], 0.95)}
	if _, err := h.pipeline.Match(ctx, hashes); err != nil {
		t.Fatalf("Match: %v", err)
	}
	// A previous attempt submitted the record and stored it, then stopped
	// before the scan was confirmed.
	if err := h.store.InsertApproval(ctx, ledger.ApprovalRecord{
		SourceImageHash: hashes[0],
		SelectedCardID:  "card-1",
		Grade:           "PSA 10",
		Price:           250,
		RecordRef:       "rec-earlier",
	}); err != nil {
		t.Fatalf("InsertApproval: %v", err)
	}

	record, err := h.pipeline.Approve(ctx, ledger.ApprovalRecord{
		SourceImageHash: hashes[0],
		SelectedCardID:  "card-1",
		Grade:           "PSA 10",
		Price:           250,
	})
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if record.RecordRef != "rec-earlier" {
		t.Fatalf("expected the earlier record to be reused, got %q", record.RecordRef)
	}
	if calls := h.gateway.Calls("CreateRecord"); calls != 0 {
		t.Fatalf("record must not be submitted twice, got %d calls", calls)
	}
	if status := h.scan(t, hashes[0]).Status; status != ledger.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", status)
	}
	approvals, err := h.store.Approvals(ctx, hashes[0])
	if err != nil || len(approvals) != 1 {
		t.Fatalf("expected one approval row, got %+v (%v)", approvals, err)
	}
}

func TestDistributeIgnoresFailuresOutsideTheCall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hashes := h.seed(t, "d1.jpg", "d2.jpg")
	if _, err := h.pipeline.Reconcile(ctx, hashes, pipeline.ReconcileOptions{}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if _, err := h.pipeline.RunOCR(ctx, hashes); err != nil {
		t.Fatalf("RunOCR: %v", err)
	}
	h.gateway.StrayFailures = []gateway.ItemFailure{
		{Key: "feedface", Reason: "unknown scan"},
	}

	result, err := h.pipeline.Distribute(ctx, hashes, nil)
	if err != nil {
		t.Fatalf("Distribute: %v", err)
	}
	if len(result.Succeeded) != 2 || len(result.Failed) != 0 {
		t.Fatalf("expected two successes and no failures, got %+v", result)
	}
}
