package dispatcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sciencelive/nanopub-viewer/internal/domain"
	apperrors "github.com/sciencelive/nanopub-viewer/internal/errors"
)

// Validation messages returned to callers verbatim
const (
	MsgURLsRequired     = "Invalid request: nanopub_urls array is required"
	MsgURLsEmpty        = "At least one nanopub URL is required"
	MsgNoValidURLs      = "No valid HTTP/HTTPS URLs provided"
	MsgNoContentKinds   = "Content generation enabled but no content types specified"
	MsgInvalidBatchID   = "batch_id must not contain path separators or parent references"
	defaultUserAgent    = "Unknown"
	instructionsTooLong = "user_instructions must be at most %d characters"
)

// Normalize validates a submission and turns it into a JobRequest.
//
// Entries that are not strings, are empty, or lack an http:// or https://
// prefix are dropped one by one; the request fails only when nothing valid
// remains. Unknown content kinds are dropped and duplicates collapsed.
func Normalize(req domain.SubmitRequest) (*domain.JobRequest, error) {
	raw := bytes.TrimSpace(req.NanopubURLs)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, apperrors.NewValidationError(MsgURLsRequired)
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, apperrors.NewValidationError(MsgURLsRequired)
	}
	if len(entries) == 0 {
		return nil, apperrors.NewValidationError(MsgURLsEmpty)
	}

	urls := make([]string, 0, len(entries))
	for _, entry := range entries {
		var s string
		if err := json.Unmarshal(entry, &s); err != nil {
			continue
		}
		if !isHTTPURL(s) {
			continue
		}
		urls = append(urls, s)
	}
	if len(urls) == 0 {
		return nil, apperrors.NewValidationError(MsgNoValidURLs)
	}

	generation, err := normalizeGeneration(req.ContentGeneration)
	if err != nil {
		return nil, err
	}

	batchID := strings.TrimSpace(req.BatchID)
	if batchID != "" && !domain.ValidBatchID(batchID) {
		return nil, apperrors.NewValidationError(MsgInvalidBatchID)
	}

	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = domain.DefaultSource
	}
	userAgent := req.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	return &domain.JobRequest{
		ResourceIdentifiers: urls,
		BatchID:             batchID,
		Source:              source,
		UserAgent:           userAgent,
		Generation:          generation,
		Dropped:             len(entries) - len(urls),
	}, nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func normalizeGeneration(in *domain.GenerationInput) (domain.GenerationOptions, error) {
	opts := domain.GenerationOptions{
		ContentKinds: []domain.ContentKind{},
		ModelID:      domain.DefaultModel,
	}
	if in == nil {
		return opts, nil
	}

	seen := make(map[domain.ContentKind]bool, len(in.ContentTypes))
	for _, tag := range in.ContentTypes {
		kind := domain.ContentKind(strings.TrimSpace(tag))
		if !kind.IsKnown() || seen[kind] {
			continue
		}
		seen[kind] = true
		opts.ContentKinds = append(opts.ContentKinds, kind)
	}

	if in.Enabled && len(opts.ContentKinds) == 0 {
		return opts, apperrors.NewValidationError(MsgNoContentKinds)
	}
	if utf8.RuneCountInString(in.UserInstructions) > domain.MaxInstructionsLength {
		return opts, apperrors.NewValidationError(fmt.Sprintf(instructionsTooLong, domain.MaxInstructionsLength))
	}

	opts.Enabled = in.Enabled
	opts.Instructions = in.UserInstructions
	opts.BatchDescription = in.BatchDescription
	if model := strings.TrimSpace(in.AIModel); model != "" {
		opts.ModelID = model
	}
	return opts, nil
}
