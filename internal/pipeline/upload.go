package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"slabscan/internal/gateway"
	"slabscan/internal/invalidation"
	"slabscan/internal/ledger"
	"slabscan/internal/logging"
	"slabscan/internal/services"
)

// HashImage returns the sha256 hex digest used as a scan's image hash.
func HashImage(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Upload validates blobs locally, skips images already in the ledger and
// sends the rest in one gateway call. Accepted images become uploaded scans.
// Invalid blobs are keyed by file name, everything else by image hash.
func (p *Pipeline) Upload(ctx context.Context, blobs []gateway.Blob) (BatchResult, error) {
	var (
		prepared []gateway.Blob
		invalid  BatchResult
		seen     = make(map[string]struct{}, len(blobs))
		dupes    []string
	)
	for i, blob := range blobs {
		name := strings.TrimSpace(filepath.Base(blob.FileName))
		key := name
		if name == "" || name == "." {
			key = fmt.Sprintf("#%d", i+1)
			invalid.fail(key, services.Wrap(services.ErrValidation, "pipeline", "upload", "file name required", nil))
			continue
		}
		if len(blob.Data) == 0 {
			invalid.fail(key, services.Wrap(services.ErrValidation, "pipeline", "upload", "image data is empty", nil))
			continue
		}
		blob.FileName = name
		blob.ImageHash = HashImage(blob.Data)
		if _, ok := seen[blob.ImageHash]; ok {
			dupes = append(dupes, blob.ImageHash)
			continue
		}
		seen[blob.ImageHash] = struct{}{}
		prepared = append(prepared, blob)
	}
	if len(prepared) == 0 {
		return invalid, emptyBatch("upload", "images")
	}

	keys := make([]string, 0, len(prepared))
	for _, blob := range prepared {
		keys = append(keys, blob.ImageHash)
	}
	return p.run(ctx, invalidation.OpUpload, keys, func(ctx context.Context, logger *slog.Logger, result *BatchResult) error {
		result.Failed = append(result.Failed, invalid.Failed...)
		result.skip(dupes...)

		existing, err := p.store.ScansByHash(ctx, keys)
		if err != nil {
			return fmt.Errorf("upload: load existing scans: %w", err)
		}
		pending := make([]gateway.Blob, 0, len(prepared))
		for _, blob := range prepared {
			if _, ok := existing[blob.ImageHash]; ok {
				result.skip(blob.ImageHash)
				continue
			}
			pending = append(pending, blob)
		}
		if len(pending) == 0 {
			logger.Info("every image already uploaded", logging.Args(logging.DecisionAttrs("upload_skip", "skipped", "hashes already in ledger")...)...)
			return nil
		}

		remote, err := p.gateway.UploadImages(ctx, pending)
		if err != nil {
			for _, blob := range pending {
				result.fail(blob.ImageHash, err)
			}
			return nil
		}
		for _, failure := range remote.Failures {
			result.Failed = append(result.Failed, itemFailure("upload", failure))
		}

		names := make(map[string]string, len(pending))
		for _, blob := range pending {
			names[blob.ImageHash] = blob.FileName
		}
		answered := make(map[string]struct{}, len(pending))
		for _, failure := range remote.Failures {
			answered[failure.Key] = struct{}{}
		}
		for _, accepted := range remote.Accepted {
			hash := strings.ToLower(strings.TrimSpace(accepted.ImageHash))
			name, requested := names[hash]
			if !requested {
				logging.WarnWithContext(logger, "gateway accepted an image that was not sent", "upload_unexpected",
					logging.String(logging.FieldImageHash, hash),
					logging.String(logging.FieldImpact, "image ignored"),
				)
				continue
			}
			answered[hash] = struct{}{}
			if accepted.OriginalFileName != "" {
				name = accepted.OriginalFileName
			}
			_, err := p.store.InsertScan(ctx, ledger.NewScan{
				ImageHash:        hash,
				OriginalFileName: name,
				FullImageURL:     accepted.FullImageURL,
			})
			switch {
			case errors.Is(err, ledger.ErrDuplicateHash):
				result.skip(hash)
			case err != nil:
				result.fail(hash, err)
			default:
				result.succeed(hash)
			}
		}
		for _, blob := range pending {
			if _, ok := answered[blob.ImageHash]; !ok {
				result.fail(blob.ImageHash, services.Wrap(services.ErrRemote, "gateway", "upload", "no result returned for image", nil))
			}
		}
		return nil
	})
}
