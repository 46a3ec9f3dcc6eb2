// Package registry tracks features already implemented per project so the
// ideation path does not propose work that is already done.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/c360studio/nexus/completion"
	"github.com/c360studio/nexus/statestore"
)

// DefaultSimilarityThreshold is applied when FilterIdeation is called with a
// non-positive threshold.
const DefaultSimilarityThreshold = 0.86

// DefaultMaxItemsPerProject bounds what List returns.
const DefaultMaxItemsPerProject = 200

// Record is one implemented feature.
type Record struct {
	FeatureID      string    `json:"feature_id"`
	ProjectKey     string    `json:"project_key"`
	CanonicalTitle string    `json:"canonical_title"`
	TitleHash      string    `json:"canonical_title_hash"`
	Aliases        []string  `json:"aliases,omitempty"`
	SourceIssue    string    `json:"source_issue,omitempty"`
	SourcePR       string    `json:"source_pr,omitempty"`
	ManualOverride bool      `json:"manual_override"`
	CreatedAt      time.Time `json:"created_at"`
}

// IdeationItem is one candidate from the ideation pipeline.
type IdeationItem struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Registry is the per-project feature store. Documents live in the state
// store under features_<project>, keyed by title hash.
type Registry struct {
	store    statestore.Store
	logger   *slog.Logger
	maxItems int

	mu sync.Mutex
}

// New creates a registry. maxItems <= 0 uses the default bound.
func New(store statestore.Store, logger *slog.Logger, maxItems int) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if maxItems <= 0 {
		maxItems = DefaultMaxItemsPerProject
	}
	return &Registry{store: store, logger: logger, maxItems: maxItems}
}

// TitleHash returns the dedup hash of a feature title.
func TitleHash(title string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(title))))
	return hex.EncodeToString(sum[:])
}

type document map[string]Record

func (r *Registry) load(ctx context.Context, projectKey string) document {
	doc := make(document)
	statestore.LoadOrEmpty(ctx, r.store, statestore.KeyFeaturePrefix+projectKey, &doc)
	return doc
}

func (r *Registry) save(ctx context.Context, projectKey string, doc document) error {
	if err := r.store.Save(ctx, statestore.KeyFeaturePrefix+projectKey, doc); err != nil {
		return fmt.Errorf("save feature registry for %s: %w", projectKey, err)
	}
	return nil
}

// Upsert inserts a feature or merges into the existing record with the same
// title hash. Aliases accumulate across calls; the override flag is only
// replaced when manualOverride is set.
func (r *Registry) Upsert(ctx context.Context, projectKey, title string, aliases []string, sourceIssue, sourcePR string, manualOverride bool) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc := r.load(ctx, projectKey)
	hash := TitleHash(title)

	rec, ok := doc[hash]
	if !ok {
		rec = Record{
			FeatureID:      uuid.NewString(),
			ProjectKey:     projectKey,
			CanonicalTitle: strings.TrimSpace(title),
			TitleHash:      hash,
			SourceIssue:    sourceIssue,
			SourcePR:       sourcePR,
			ManualOverride: manualOverride,
			CreatedAt:      time.Now().UTC(),
		}
	} else {
		if sourceIssue != "" {
			rec.SourceIssue = sourceIssue
		}
		if sourcePR != "" {
			rec.SourcePR = sourcePR
		}
		if manualOverride {
			rec.ManualOverride = true
		}
	}
	rec.Aliases = mergeAliases(rec.Aliases, aliases)
	doc[hash] = rec

	if err := r.save(ctx, projectKey, doc); err != nil {
		return nil, err
	}
	return &rec, nil
}

func mergeAliases(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	merged := make([]string, 0, len(existing)+len(incoming))
	for _, a := range existing {
		if a = strings.TrimSpace(a); a != "" && !seen[a] {
			seen[a] = true
			merged = append(merged, a)
		}
	}
	for _, a := range incoming {
		if a = strings.TrimSpace(a); a != "" && !seen[a] {
			seen[a] = true
			merged = append(merged, a)
		}
	}
	if len(merged) == 0 {
		return nil
	}
	sort.Strings(merged)
	return merged
}

// List returns the project's features, newest first, bounded by the
// per-project limit.
func (r *Registry) List(ctx context.Context, projectKey string) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc := r.load(ctx, projectKey)
	records := make([]Record, 0, len(doc))
	for _, rec := range doc {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CanonicalTitle < records[j].CanonicalTitle
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if len(records) > r.maxItems {
		records = records[:r.maxItems]
	}
	return records, nil
}

// Forget removes a feature by ID or, failing that, by canonical title.
// Returns nil when nothing matched.
func (r *Registry) Forget(ctx context.Context, projectKey, featureRef string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc := r.load(ctx, projectKey)
	ref := strings.TrimSpace(featureRef)

	for hash, rec := range doc {
		if rec.FeatureID == ref {
			delete(doc, hash)
			if err := r.save(ctx, projectKey, doc); err != nil {
				return nil, err
			}
			return &rec, nil
		}
	}
	if rec, ok := doc[TitleHash(ref)]; ok {
		delete(doc, rec.TitleHash)
		if err := r.save(ctx, projectKey, doc); err != nil {
			return nil, err
		}
		return &rec, nil
	}
	return nil, nil
}

// FilterIdeation partitions candidate items into those not yet implemented
// and those matching an existing feature at or above the similarity
// threshold. An empty registry keeps everything.
func (r *Registry) FilterIdeation(ctx context.Context, projectKey string, items []IdeationItem, threshold float64) (kept, removed []IdeationItem, err error) {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	r.mu.Lock()
	doc := r.load(ctx, projectKey)
	r.mu.Unlock()

	titles := make([]string, 0, len(doc))
	for _, rec := range doc {
		titles = append(titles, rec.CanonicalTitle)
	}

	for _, item := range items {
		matched := false
		for _, title := range titles {
			if Similarity(item.Title, title) >= threshold {
				matched = true
				break
			}
		}
		if matched {
			removed = append(removed, item)
		} else {
			kept = append(kept, item)
		}
	}
	return kept, removed, nil
}

// Similarity is the sequence-matcher ratio between two titles after
// lowercasing and trimming, computed character-wise.
func Similarity(a, b string) float64 {
	na := strings.ToLower(strings.TrimSpace(a))
	nb := strings.ToLower(strings.TrimSpace(b))
	if na == nb {
		return 1.0
	}
	if na == "" || nb == "" {
		return 0.0
	}
	return difflib.NewMatcher(strings.Split(na, ""), strings.Split(nb, "")).Ratio()
}

// Feature title prefixes recognized in completion key findings.
var featureLinePrefixes = []string{"Feature:", "Implemented:"}

// IngestCompletion records a feature from an agent completion. Only a
// completion with status complete and an explicit feature line produces a
// record; anything else returns nil without error.
func (r *Registry) IngestCompletion(ctx context.Context, projectKey, issueID string, payload completion.Summary) (*Record, error) {
	if payload.Status != completion.StatusComplete {
		return nil, nil
	}
	title := ""
	for _, line := range payload.KeyFindings {
		trimmed := strings.TrimSpace(line)
		for _, prefix := range featureLinePrefixes {
			if strings.HasPrefix(trimmed, prefix) {
				title = strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
				break
			}
		}
		if title != "" {
			break
		}
	}
	if title == "" {
		return nil, nil
	}

	rec, err := r.Upsert(ctx, projectKey, title, nil, issueID, "", false)
	if err != nil {
		return nil, err
	}
	r.logger.Info("feature recorded from completion",
		"project", projectKey,
		"issue", issueID,
		"title", rec.CanonicalTitle)
	return rec, nil
}
