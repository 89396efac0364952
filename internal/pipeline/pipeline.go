package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"slabscan/internal/config"
	"slabscan/internal/fieldparse"
	"slabscan/internal/gateway"
	"slabscan/internal/invalidation"
	"slabscan/internal/ledger"
	"slabscan/internal/logging"
	"slabscan/internal/matching"
	"slabscan/internal/services"
)

// Matching modes.
const (
	ModeLocal  = "local"
	ModeRemote = "remote"
)

// Pipeline runs stage operations against the ledger and the gateway.
type Pipeline struct {
	store       *ledger.Store
	gateway     gateway.Gateway
	engine      *matching.Engine
	parser      *fieldparse.Chain
	coordinator *invalidation.Coordinator
	locks       *keyedLock
	logger      *slog.Logger
	now         func() time.Time

	mode        string
	concurrency int
	maxRestitch int
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithParser replaces the default rule-based field parser chain.
func WithParser(parser *fieldparse.Chain) Option {
	return func(p *Pipeline) {
		if parser != nil {
			p.parser = parser
		}
	}
}

// WithEngine replaces the matching engine built from config.
func WithEngine(engine *matching.Engine) Option {
	return func(p *Pipeline) {
		if engine != nil {
			p.engine = engine
		}
	}
}

// WithCoordinator routes invalidation notices to the given coordinator.
func WithCoordinator(coordinator *invalidation.Coordinator) Option {
	return func(p *Pipeline) {
		if coordinator != nil {
			p.coordinator = coordinator
		}
	}
}

// WithClock overrides the approval timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// New builds a pipeline. Missing collaborators default to the rule parser,
// a matching engine over the gateway catalogue and a coordinator with the
// default policy.
func New(cfg *config.Config, store *ledger.Store, gw gateway.Gateway, logger *slog.Logger, opts ...Option) *Pipeline {
	logger = logging.NewComponentLogger(logger, "pipeline")
	p := &Pipeline{
		store:       store,
		gateway:     gw,
		locks:       newKeyedLock(),
		logger:      logger,
		now:         time.Now,
		mode:        ModeLocal,
		concurrency: 4,
		maxRestitch: 3,
	}
	if cfg != nil {
		if mode := strings.TrimSpace(cfg.Matching.Mode); mode != "" {
			p.mode = mode
		}
		if cfg.Pipeline.Concurrency > 0 {
			p.concurrency = cfg.Pipeline.Concurrency
		}
		p.maxRestitch = cfg.Pipeline.MaxRestitchAttempts
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.parser == nil {
		p.parser = fieldparse.NewChain(logger, fieldparse.RuleParser{})
	}
	if p.engine == nil {
		p.engine = matching.NewEngine(gw, matching.OptionsFrom(cfg), matching.WithLogger(logger))
	}
	if p.coordinator == nil {
		p.coordinator = invalidation.New(invalidation.DefaultPolicy(), logger)
	}
	return p
}

// Store exposes the ledger the pipeline writes to.
func (p *Pipeline) Store() *ledger.Store {
	return p.store
}

// Coordinator exposes the invalidation coordinator.
func (p *Pipeline) Coordinator() *invalidation.Coordinator {
	return p.coordinator
}

type stageFunc func(ctx context.Context, logger *slog.Logger, result *BatchResult) error

// run executes one operation under the keyed lock with a fresh request id,
// logs its start and outcome and notifies the coordinator.
func (p *Pipeline) run(ctx context.Context, op string, keys []string, fn stageFunc) (BatchResult, error) {
	requestID := uuid.NewString()
	ctx = services.WithRequestID(services.WithStage(ctx, op), requestID)
	logger := logging.WithContext(ctx, p.logger)
	result := BatchResult{RequestID: requestID}

	logger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.Int("items", len(keys)),
	)
	started := time.Now()

	release, err := p.locks.acquire(ctx, keys)
	if err != nil {
		logger.Error("stage lock wait failed",
			logging.String(logging.FieldEventType, "stage_failure"),
			logging.Error(err),
		)
		return result, err
	}
	defer release()

	err = fn(ctx, logger, &result)
	// A failing stage may still have written to the ledger before it
	// stopped, so cached views are marked stale either way.
	p.coordinator.Notify(op)
	if err != nil {
		logger.Error("stage failed",
			logging.String(logging.FieldEventType, "stage_failure"),
			logging.String("error_kind", services.Kind(err)),
			logging.Error(err),
		)
		return result, err
	}

	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Int("succeeded", len(result.Succeeded)),
		logging.Int("failed", len(result.Failed)),
		logging.Int("already_processed", len(result.AlreadyProcessed)),
		logging.Duration("elapsed", time.Since(started)),
	}
	if len(result.NeedsReview) > 0 {
		attrs = append(attrs, logging.Int("needs_review", len(result.NeedsReview)))
	}
	logger.Info("stage completed", logging.Args(attrs...)...)
	for _, failure := range result.Failed {
		logging.WarnWithContext(logger, "item failed", "item_failure",
			logging.String("key", failure.Key),
			logging.String("error_kind", kindOf(failure.Err)),
			logging.Bool("retryable", failure.Retryable),
			logging.String(logging.FieldErrorHint, failure.Remediation),
			logging.String(logging.FieldImpact, "item left at its current status"),
		)
	}
	return result, nil
}

func emptyBatch(op, what string) error {
	return services.Wrap(services.ErrValidation, "pipeline", op, "no valid "+what+" supplied", nil)
}

// normalizeIDs drops non-positive and repeated scan ids, keeping order.
func normalizeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func idKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func hashesOf(scans []*ledger.Scan) []string {
	out := make([]string, 0, len(scans))
	for _, scan := range scans {
		out = append(out, scan.ImageHash)
	}
	return out
}

// loadHashes resolves hashes to scans, recording missing hashes as failures.
// The returned scans keep the normalized hash order.
func (p *Pipeline) loadHashes(ctx context.Context, op string, hashes []string, result *BatchResult) ([]*ledger.Scan, error) {
	byHash, err := p.store.ScansByHash(ctx, hashes)
	if err != nil {
		return nil, fmt.Errorf("%s: load scans: %w", op, err)
	}
	scans := make([]*ledger.Scan, 0, len(hashes))
	for _, hash := range hashes {
		scan, ok := byHash[hash]
		if !ok {
			result.fail(hash, fmt.Errorf("scan %s: %w", hash, ledger.ErrNotFound))
			continue
		}
		scans = append(scans, scan)
	}
	return scans, nil
}

func notAtStatus(op string, scan *ledger.Scan, want ledger.Status) error {
	return services.Wrap(services.ErrInvalidTransition, "pipeline", op,
		fmt.Sprintf("scan %d is %s, expected %s", scan.ID, scan.Status, want), nil)
}

func ptr[T any](v T) *T {
	return &v
}
