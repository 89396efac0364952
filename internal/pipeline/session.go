package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"slabscan/internal/fsm"
	"slabscan/internal/gateway"
	"slabscan/internal/logging"
	"slabscan/internal/services"
)

// WorkflowStep is one step of a Session.
type WorkflowStep string

const (
	StepUpload       WorkflowStep = "upload"
	StepExtract      WorkflowStep = "extract"
	StepReconcile    WorkflowStep = "reconcile"
	StepOCRUpdate    WorkflowStep = "ocr_update"
	StepMatchDisplay WorkflowStep = "match_display"
)

// Steps lists the session steps in order.
var Steps = []WorkflowStep{StepUpload, StepExtract, StepReconcile, StepOCRUpdate, StepMatchDisplay}

// StepTable allows only forward movement, one step at a time.
var StepTable = fsm.NewTable(map[WorkflowStep][]WorkflowStep{
	StepUpload:    {StepExtract},
	StepExtract:   {StepReconcile},
	StepReconcile: {StepOCRUpdate},
	StepOCRUpdate: {StepMatchDisplay},
})

// StepStatus is the progress of one step.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepActive   StepStatus = "active"
	StepComplete StepStatus = "complete"
	StepError    StepStatus = "error"
)

// StepPayload is the typed output of a step. The implementations are
// UploadPayload, ExtractPayload, ReconcilePayload, OCRPayload and
// MatchPayload.
type StepPayload interface {
	Step() WorkflowStep
}

// UploadPayload is the output of the upload step.
type UploadPayload struct {
	Result BatchResult `json:"result"`
	// ScanIDs are the ids of every scan in the batch, new or existing.
	ScanIDs []int64 `json:"scanIds"`
}

// ExtractPayload is the output of the extract step.
type ExtractPayload struct {
	Result BatchResult `json:"result"`
}

// ReconcilePayload is the output of the reconcile step.
type ReconcilePayload struct {
	Result ReconcileResult `json:"result"`
}

// OCRPayload is the output of the OCR and distribution step.
type OCRPayload struct {
	OCR        OCRBatch    `json:"ocr"`
	Distribute BatchResult `json:"distribute"`
}

// MatchPayload is the output of the match step.
type MatchPayload struct {
	Result BatchResult `json:"result"`
}

func (UploadPayload) Step() WorkflowStep    { return StepUpload }
func (ExtractPayload) Step() WorkflowStep   { return StepExtract }
func (ReconcilePayload) Step() WorkflowStep { return StepReconcile }
func (OCRPayload) Step() WorkflowStep       { return StepOCRUpdate }
func (MatchPayload) Step() WorkflowStep     { return StepMatchDisplay }

// StepState is a snapshot of one step.
type StepState struct {
	Step    WorkflowStep `json:"step"`
	Status  StepStatus   `json:"status"`
	Payload StepPayload  `json:"payload,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// SessionOptions adjusts a session run.
type SessionOptions struct {
	// ConfirmDestructive lets the reconcile step replace overlapping labels.
	ConfirmDestructive bool
}

// Session chains the stages for one batch of images.
type Session struct {
	ID       string
	pipeline *Pipeline
	machine  *fsm.Machine[WorkflowStep, StepPayload]
	logger   *slog.Logger

	mu     sync.Mutex
	status map[WorkflowStep]StepStatus
	errs   map[WorkflowStep]error
}

// NewSession prepares a session positioned at the upload step.
func (p *Pipeline) NewSession() *Session {
	id := uuid.NewString()
	logger := p.logger.With(logging.String("session_id", id))
	s := &Session{
		ID:       id,
		pipeline: p,
		machine:  fsm.New[WorkflowStep, StepPayload]("session", StepTable, StepUpload, fsm.WithLogger(logger)),
		logger:   logger,
		status:   make(map[WorkflowStep]StepStatus, len(Steps)),
		errs:     make(map[WorkflowStep]error),
	}
	for _, step := range Steps {
		s.status[step] = StepPending
	}
	return s
}

// Current returns the step the session is on.
func (s *Session) Current() WorkflowStep {
	return s.machine.Current()
}

// States returns a snapshot of every step in order.
func (s *Session) States() []StepState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StepState, 0, len(Steps))
	for _, step := range Steps {
		state := StepState{Step: step, Status: s.status[step]}
		if payload, ok := s.machine.Payload(step); ok {
			state.Payload = payload
		}
		if err := s.errs[step]; err != nil {
			state.Error = err.Error()
		}
		out = append(out, state)
	}
	return out
}

// Payload returns the typed payload of a finished step.
func Payload[T StepPayload](s *Session, step WorkflowStep) (T, bool) {
	var zero T
	payload, ok := s.machine.Payload(step)
	if !ok {
		return zero, false
	}
	typed, ok := payload.(T)
	return typed, ok
}

func (s *Session) statusOf(step WorkflowStep) StepStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[step]
}

func (s *Session) setStatus(step WorkflowStep, status StepStatus, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[step] = status
	if err != nil {
		s.errs[step] = err
	}
}

// enter moves the machine to step (the first step is entered implicitly) and
// marks it active.
func (s *Session) enter(step WorkflowStep) error {
	if s.machine.Current() != step {
		if err := s.machine.Advance(step, nil); err != nil {
			return err
		}
	}
	s.setStatus(step, StepActive, nil)
	s.logger.Info("session step started", logging.String("step", string(step)))
	return nil
}

func (s *Session) finish(step WorkflowStep, payload StepPayload, err error) error {
	s.machine.Update(payload)
	if err != nil {
		s.setStatus(step, StepError, err)
		logging.WarnWithContext(s.logger, "session step failed", "session_step_failed",
			logging.String("step", string(step)),
			logging.Error(err),
			logging.String(logging.FieldImpact, "later steps were not run"),
		)
		return err
	}
	s.setStatus(step, StepComplete, nil)
	return nil
}

// Run executes every step for the given blobs, stopping at the first step
// that fails or leaves no items to carry forward.
func (s *Session) Run(ctx context.Context, blobs []gateway.Blob, opts SessionOptions) error {
	if s.machine.Current() != StepUpload || s.statusOf(StepUpload) != StepPending {
		return services.Wrap(services.ErrInvalidTransition, "pipeline", "session", "session already ran", nil)
	}
	ctx = services.WithRequestID(ctx, s.ID)
	p := s.pipeline

	if err := s.enter(StepUpload); err != nil {
		return err
	}
	uploaded, err := p.Upload(ctx, blobs)
	hashes := append(append([]string(nil), uploaded.Succeeded...), uploaded.AlreadyProcessed...)
	payload := UploadPayload{Result: uploaded}
	if err == nil {
		byHash, loadErr := p.store.ScansByHash(ctx, hashes)
		if loadErr != nil {
			err = loadErr
		}
		for _, hash := range hashes {
			if scan, ok := byHash[hash]; ok {
				payload.ScanIDs = append(payload.ScanIDs, scan.ID)
			}
		}
	}
	if err == nil && len(payload.ScanIDs) == 0 {
		err = carryError(StepUpload)
	}
	if err := s.finish(StepUpload, payload, err); err != nil {
		return err
	}

	if err := s.enter(StepExtract); err != nil {
		return err
	}
	extracted, err := p.ExtractLabels(ctx, payload.ScanIDs)
	hashes = append(append([]string(nil), extracted.Succeeded...), extracted.AlreadyProcessed...)
	if err == nil && len(hashes) == 0 {
		err = carryError(StepExtract)
	}
	if err := s.finish(StepExtract, ExtractPayload{Result: extracted}, err); err != nil {
		return err
	}

	if err := s.enter(StepReconcile); err != nil {
		return err
	}
	reconciled, err := p.Reconcile(ctx, hashes, ReconcileOptions{ConfirmDestructive: opts.ConfirmDestructive})
	stitched := append(append([]string(nil), reconciled.Succeeded...), reconciled.AlreadyProcessed...)
	if err == nil && len(stitched) == 0 {
		err = carryError(StepReconcile)
	}
	if err := s.finish(StepReconcile, ReconcilePayload{Result: reconciled}, err); err != nil {
		return err
	}

	if err := s.enter(StepOCRUpdate); err != nil {
		return err
	}
	ocrPayload, err := s.readLabels(ctx, reconciled)
	hashes = append(append([]string(nil), ocrPayload.Distribute.Succeeded...), ocrPayload.Distribute.AlreadyProcessed...)
	if err == nil && len(hashes) == 0 {
		err = carryError(StepOCRUpdate)
	}
	if err := s.finish(StepOCRUpdate, ocrPayload, err); err != nil {
		return err
	}

	if err := s.enter(StepMatchDisplay); err != nil {
		return err
	}
	matched, err := p.Match(ctx, hashes)
	return s.finish(StepMatchDisplay, MatchPayload{Result: matched}, err)
}

// readLabels runs OCR for the scans that still need it and distributes the
// text. Scans that were already locked skip straight to distribution.
func (s *Session) readLabels(ctx context.Context, reconciled ReconcileResult) (OCRPayload, error) {
	p := s.pipeline
	var payload OCRPayload
	toRead := reconciled.Succeeded
	if reconciled.IsDuplicate && len(toRead) == 0 {
		toRead = reconciled.Plan.Eligible
	}
	if len(toRead) > 0 {
		batch, err := p.RunOCR(ctx, toRead)
		payload.OCR = batch
		if err != nil {
			return payload, err
		}
	}
	all := append(append([]string(nil), toRead...), reconciled.Plan.Locked...)
	distributed, err := p.Distribute(ctx, all, nil)
	payload.Distribute = distributed
	return payload, err
}

func carryError(step WorkflowStep) error {
	return services.Wrap(services.ErrValidation, "pipeline", "session", "no items left after "+string(step), nil)
}
