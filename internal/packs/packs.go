// Package packs ingests detection rule bundles: structural validation,
// content addressing, compile checks and persistence.
package packs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/haywardsec/rulegate/internal/compiler"
	"github.com/haywardsec/rulegate/internal/domain"
	"github.com/haywardsec/rulegate/internal/metrics"
	"github.com/haywardsec/rulegate/internal/storage"
	"github.com/haywardsec/rulegate/internal/validation"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Service stores uploaded rule packs.
type Service struct {
	store    storage.Storage
	compiler compiler.Compiler
	metrics  *metrics.Metrics
	log      *logrus.Logger
}

// New creates a pack Service.
func New(store storage.Storage, c compiler.Compiler, m *metrics.Metrics, log *logrus.Logger) *Service {
	return &Service{
		store:    store,
		compiler: c,
		metrics:  m,
		log:      log,
	}
}

// UploadResult is the outcome of an upload. Created is false when the
// bundle deduplicated onto an already stored pack.
type UploadResult struct {
	Pack    *domain.RulePack
	Items   []*domain.RulePackItem
	Created bool
}

// Upload validates the bundle, compiles its items and persists the pack.
// Packs are content-addressed: a bundle whose canonical item list hashes to
// an already stored pack returns that pack unchanged. Item compile failures
// do not fail the upload; they are recorded on the item and counted on the
// pack.
func (s *Service) Upload(ctx context.Context, tenantID string, bundle *domain.UploadBundle, source string) (*UploadResult, error) {
	items, err := Check(ctx, s.compiler, bundle)
	if err != nil {
		return nil, err
	}

	sha, err := canonicalSHA(bundle.Items)
	if err != nil {
		return nil, fmt.Errorf("hashing bundle: %w", err)
	}

	// Dedup by content address before writing anything.
	existing, err := s.store.GetRulePackBySHA(ctx, tenantID, sha)
	if err == nil {
		existingItems, err := s.store.ListRulePackItems(ctx, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("loading items of pack %s: %w", existing.ID, err)
		}
		s.log.WithFields(logrus.Fields{
			"tenant": tenantID,
			"pack":   existing.ID,
			"sha256": sha,
		}).Info("Rule pack deduplicated")
		return &UploadResult{Pack: existing, Items: existingItems, Created: false}, nil
	}
	if err != domain.ErrNotFound {
		return nil, fmt.Errorf("checking for existing pack: %w", err)
	}

	pack := &domain.RulePack{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Name:      bundle.Name,
		Version:   bundle.Version,
		SHA256:    sha,
		ItemCount: len(items),
		Source:    source,
		CreatedAt: time.Now(),
	}
	for _, item := range items {
		item.PackID = pack.ID
		if !item.Compile.OK {
			pack.CompileErrors++
		}
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	if err := tx.CreateRulePack(ctx, pack); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("storing pack: %w", err)
	}
	for _, item := range items {
		if err := tx.CreateRulePackItem(ctx, item); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("storing item %s: %w", item.RuleID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing pack: %w", err)
	}

	s.metrics.RecordPackUpload(source)
	s.log.WithFields(logrus.Fields{
		"tenant":         tenantID,
		"pack":           pack.ID,
		"name":           pack.Name,
		"version":        pack.Version,
		"items":          pack.ItemCount,
		"compile_errors": pack.CompileErrors,
		"source":         source,
	}).Info("Rule pack uploaded")

	return &UploadResult{Pack: pack, Items: items, Created: true}, nil
}

// Check validates a bundle and compiles its items without persisting
// anything. The lint command uses it directly.
func Check(ctx context.Context, c compiler.Compiler, bundle *domain.UploadBundle) ([]*domain.RulePackItem, error) {
	if err := validateBundle(bundle); err != nil {
		return nil, err
	}

	items := make([]*domain.RulePackItem, 0, len(bundle.Items))
	for _, in := range bundle.Items {
		severity := in.Severity
		if severity == "" {
			severity = "medium"
		}
		bodySum := sha256.Sum256([]byte(in.Body))
		items = append(items, &domain.RulePackItem{
			ID:       uuid.New().String(),
			RuleID:   in.RuleID,
			Name:     in.Name,
			Kind:     in.Kind,
			Severity: severity,
			Tags:     in.Tags,
			Body:     in.Body,
			SHA256:   hex.EncodeToString(bodySum[:]),
		})
	}

	if err := compiler.CompileAll(ctx, c, items); err != nil {
		return nil, fmt.Errorf("compiling items: %w", err)
	}
	return items, nil
}

func validateBundle(bundle *domain.UploadBundle) error {
	if bundle == nil {
		return domain.NewValidationError("bundle", "a bundle is required")
	}
	if bundle.Name == "" {
		return domain.NewValidationError("name", "a pack name is required")
	}
	if err := validation.PackName(bundle.Name); err != nil {
		return domain.NewValidationError("name", err.Error())
	}
	if bundle.Version == "" {
		return domain.NewValidationError("version", "a pack version is required")
	}
	if err := validation.PackVersion(bundle.Version); err != nil {
		return domain.NewValidationError("version", err.Error())
	}
	if len(bundle.Items) == 0 {
		return &domain.BundleError{Reason: "bundle contains no items"}
	}

	seen := make(map[string]bool, len(bundle.Items))
	for i, item := range bundle.Items {
		if item.RuleID == "" {
			return &domain.BundleError{Reason: fmt.Sprintf("item %d has no rule_id", i)}
		}
		if err := validation.RuleID(item.RuleID); err != nil {
			return &domain.BundleError{Reason: fmt.Sprintf("rule %q: %v", item.RuleID, err)}
		}
		if seen[item.RuleID] {
			return &domain.BundleError{Reason: fmt.Sprintf("duplicate rule_id %q", item.RuleID)}
		}
		seen[item.RuleID] = true
		if item.Name == "" {
			return &domain.BundleError{Reason: fmt.Sprintf("rule %q has no name", item.RuleID)}
		}
		if item.Body == "" {
			return &domain.BundleError{Reason: fmt.Sprintf("rule %q has an empty body", item.RuleID)}
		}
		if item.Severity != "" {
			if _, ok := domain.SeverityRank[item.Severity]; !ok {
				return &domain.BundleError{Reason: fmt.Sprintf("rule %q has unknown severity %q", item.RuleID, item.Severity)}
			}
		}
		for _, tag := range item.Tags {
			if err := validation.Tag(tag); err != nil {
				return &domain.BundleError{Reason: fmt.Sprintf("rule %q: %v", item.RuleID, err)}
			}
		}
	}
	return nil
}

// canonicalSHA digests the item list sorted by rule_id, so reordering a
// bundle does not defeat deduplication.
func canonicalSHA(items []domain.UploadBundleItem) (string, error) {
	sorted := make([]domain.UploadBundleItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RuleID < sorted[j].RuleID })

	raw, err := json.Marshal(sorted)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
