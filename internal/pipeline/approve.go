package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"slabscan/internal/invalidation"
	"slabscan/internal/ledger"
	"slabscan/internal/logging"
	"slabscan/internal/services"
)

// SelectMatch records the operator's card choice for a scan, clears its
// review flag and moves it to matched if it was still ocr_completed.
func (p *Pipeline) SelectMatch(ctx context.Context, hash, cardID string) (BatchResult, error) {
	hash = strings.ToLower(strings.TrimSpace(hash))
	cardID = strings.TrimSpace(cardID)
	if hash == "" || cardID == "" {
		return BatchResult{}, services.Wrap(services.ErrValidation, "pipeline", "select", "image hash and card id required", nil)
	}
	return p.run(ctx, invalidation.OpSelect, []string{hash}, func(ctx context.Context, logger *slog.Logger, result *BatchResult) error {
		scan, err := p.store.GetByHash(ctx, hash)
		if err != nil {
			result.fail(hash, err)
			return nil
		}
		if err := p.selectLocked(ctx, logger, scan, cardID); err != nil {
			result.fail(hash, err)
			return nil
		}
		result.succeed(hash)
		return nil
	})
}

func (p *Pipeline) selectLocked(ctx context.Context, logger *slog.Logger, scan *ledger.Scan, cardID string) error {
	if scan.Status != ledger.StatusOCRCompleted && scan.Status != ledger.StatusMatched {
		return services.Wrap(services.ErrInvalidTransition, "pipeline", "select",
			fmt.Sprintf("scan %d is %s; a card can only be chosen after OCR and before approval", scan.ID, scan.Status), nil)
	}
	if err := p.gateway.SelectCardMatch(ctx, scan.ImageHash, cardID); err != nil {
		return err
	}
	update := ledger.ScanUpdate{
		SelectedCardID: ptr(cardID),
		NeedsReview:    ptr(false),
		ReviewReason:   ptr(""),
	}
	var err error
	if scan.Status == ledger.StatusOCRCompleted {
		err = p.store.Advance(ctx, scan.ID, ledger.StatusOCRCompleted, ledger.StatusMatched, update)
	} else {
		err = p.store.Annotate(ctx, scan.ID, ledger.StatusMatched, update)
	}
	if err != nil {
		return err
	}
	scan.Status = ledger.StatusMatched
	scan.SelectedCardID = cardID
	logger.Info("card selected",
		logging.Args(append(logging.DecisionAttrs("card_selection", "operator", cardID),
			logging.String(logging.FieldImageHash, scan.ImageHash))...)...)
	return nil
}

// Approve submits one approval record and confirms the scan. A scan still
// awaiting review gets the record's card selected first. It implements
// review.Recorder.
func (p *Pipeline) Approve(ctx context.Context, record ledger.ApprovalRecord) (ledger.ApprovalRecord, error) {
	record.SourceImageHash = strings.ToLower(strings.TrimSpace(record.SourceImageHash))
	record.SelectedCardID = strings.TrimSpace(record.SelectedCardID)
	record.Grade = strings.TrimSpace(record.Grade)
	switch {
	case record.SourceImageHash == "":
		return record, services.Wrap(services.ErrValidation, "pipeline", "approve", "source image hash required", nil)
	case record.SelectedCardID == "":
		return record, services.Wrap(services.ErrValidation, "pipeline", "approve", "selected card id required", nil)
	case record.Grade == "":
		return record, services.Wrap(services.ErrValidation, "pipeline", "approve", "grade required", nil)
	case record.Price < 0:
		return record, services.Wrap(services.ErrValidation, "pipeline", "approve", "price must not be negative", nil)
	}
	if record.DateAdded.IsZero() {
		record.DateAdded = p.now().UTC()
	}

	hash := record.SourceImageHash
	var approved ledger.ApprovalRecord
	_, err := p.run(ctx, invalidation.OpApprove, []string{hash}, func(ctx context.Context, logger *slog.Logger, result *BatchResult) error {
		scan, err := p.store.GetByHash(ctx, hash)
		if err != nil {
			return err
		}
		if scan.Status == ledger.StatusConfirmed {
			return services.Wrap(services.ErrInvalidTransition, "pipeline", "approve", "scan already confirmed", nil)
		}
		if scan.Status != ledger.StatusMatched || scan.SelectedCardID != record.SelectedCardID {
			if err := p.selectLocked(ctx, logger, scan, record.SelectedCardID); err != nil {
				return err
			}
		}

		prior, err := p.pendingApproval(ctx, hash, record.SelectedCardID)
		if err != nil {
			return err
		}
		if prior != nil {
			// An earlier attempt created the remote record but stopped before
			// confirming the scan; finish it without submitting again.
			logger.Info("approval resumed",
				logging.Args(append(logging.DecisionAttrs("approval_resume", "reused", "record already submitted"),
					logging.String("record_ref", prior.RecordRef))...)...)
			record = *prior
		} else {
			ref, err := p.gateway.CreateRecord(ctx, hash, record)
			if err != nil {
				return err
			}
			record.RecordRef = ref
			if err := p.store.InsertApproval(ctx, record); err != nil {
				logger.Error("approval not recorded after remote submit",
					logging.String("record_ref", ref),
					logging.String(logging.FieldImpact, "remote record exists without a ledger entry"),
					logging.Error(err),
				)
				return fmt.Errorf("approve: record approval %s: %w", ref, err)
			}
		}
		if err := p.store.Advance(ctx, scan.ID, ledger.StatusMatched, ledger.StatusConfirmed, ledger.ScanUpdate{}); err != nil {
			return err
		}
		approved = record
		result.succeed(hash)
		logger.Info("scan confirmed",
			logging.String(logging.FieldImageHash, hash),
			logging.String("card_id", record.SelectedCardID),
			logging.String("record_ref", record.RecordRef),
		)
		return nil
	})
	if err != nil {
		return record, err
	}
	return approved, nil
}

// pendingApproval returns a stored approval for hash and cardID that already
// carries a remote record reference. It exists only when a previous Approve
// submitted the record but did not confirm the scan.
func (p *Pipeline) pendingApproval(ctx context.Context, hash, cardID string) (*ledger.ApprovalRecord, error) {
	approvals, err := p.store.Approvals(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("approve: load approvals: %w", err)
	}
	for i := len(approvals) - 1; i >= 0; i-- {
		if approvals[i].SelectedCardID == cardID && approvals[i].RecordRef != "" {
			return &approvals[i], nil
		}
	}
	return nil, nil
}
