package sql

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/haywardsec/rulegate/internal/domain"
	"github.com/haywardsec/rulegate/internal/storage"
	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// isUniqueViolation checks if an error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// SQLite
	if strings.Contains(errStr, "UNIQUE constraint failed") {
		return true
	}
	// PostgreSQL
	if strings.Contains(errStr, "duplicate key value violates unique constraint") {
		return true
	}
	return false
}

// wrapUniqueError converts UNIQUE violations to domain.ErrAlreadyExists.
func wrapUniqueError(err error) error {
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	return err
}

// Store implements the storage.Storage interface using SQL.
type Store struct {
	db     *sqlx.DB
	driver string
}

// New creates a new SQL store.
func New(driver, dsn string) (*Store, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// Run migrations
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect(driver); err != nil {
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}

	if err := goose.Up(db.DB, "migrations"); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, driver: driver}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// BeginTx starts a new transaction.
func (s *Store) BeginTx(ctx context.Context) (storage.Transaction, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, driver: s.driver}, nil
}

// Tx wraps a database transaction.
type Tx struct {
	tx     *sqlx.Tx
	driver string
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback rolls back the transaction.
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// Close is a no-op for transactions (they should be committed or rolled back).
func (t *Tx) Close() error {
	return nil
}

// Ping is a no-op for transactions.
func (t *Tx) Ping(ctx context.Context) error {
	return nil
}

// BeginTx is not supported within a transaction.
func (t *Tx) BeginTx(ctx context.Context) (storage.Transaction, error) {
	return nil, fmt.Errorf("nested transactions not supported")
}

// helper to get the correct database interface
type dbInterface interface {
	sqlx.ExtContext
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ============================================
// Rule Packs
// ============================================

func createRulePack(ctx context.Context, db dbInterface, pack *domain.RulePack) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO rule_packs (id, tenant_id, name, version, sha256, item_count, compile_errors, source, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		pack.ID, pack.TenantID, pack.Name, pack.Version, pack.SHA256,
		pack.ItemCount, pack.CompileErrors, pack.Source, pack.CreatedAt)
	return wrapUniqueError(err)
}

func (s *Store) CreateRulePack(ctx context.Context, pack *domain.RulePack) error {
	return createRulePack(ctx, s.db, pack)
}

func (t *Tx) CreateRulePack(ctx context.Context, pack *domain.RulePack) error {
	return createRulePack(ctx, t.tx, pack)
}

func getRulePack(ctx context.Context, db dbInterface, tenantID, id string) (*domain.RulePack, error) {
	var pack domain.RulePack
	err := db.GetContext(ctx, &pack,
		`SELECT id, tenant_id, name, version, sha256, item_count, compile_errors, source, created_at
		 FROM rule_packs WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pack, nil
}

func (s *Store) GetRulePack(ctx context.Context, tenantID, id string) (*domain.RulePack, error) {
	return getRulePack(ctx, s.db, tenantID, id)
}

func (t *Tx) GetRulePack(ctx context.Context, tenantID, id string) (*domain.RulePack, error) {
	return getRulePack(ctx, t.tx, tenantID, id)
}

func getRulePackBySHA(ctx context.Context, db dbInterface, tenantID, sha256 string) (*domain.RulePack, error) {
	var pack domain.RulePack
	err := db.GetContext(ctx, &pack,
		`SELECT id, tenant_id, name, version, sha256, item_count, compile_errors, source, created_at
		 FROM rule_packs WHERE tenant_id = $1 AND sha256 = $2`, tenantID, sha256)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pack, nil
}

func (s *Store) GetRulePackBySHA(ctx context.Context, tenantID, sha256 string) (*domain.RulePack, error) {
	return getRulePackBySHA(ctx, s.db, tenantID, sha256)
}

func (t *Tx) GetRulePackBySHA(ctx context.Context, tenantID, sha256 string) (*domain.RulePack, error) {
	return getRulePackBySHA(ctx, t.tx, tenantID, sha256)
}

func listRulePacks(ctx context.Context, db dbInterface, tenantID string) ([]*domain.RulePack, error) {
	var packs []*domain.RulePack
	err := db.SelectContext(ctx, &packs,
		`SELECT id, tenant_id, name, version, sha256, item_count, compile_errors, source, created_at
		 FROM rule_packs WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
	return packs, err
}

func (s *Store) ListRulePacks(ctx context.Context, tenantID string) ([]*domain.RulePack, error) {
	return listRulePacks(ctx, s.db, tenantID)
}

func (t *Tx) ListRulePacks(ctx context.Context, tenantID string) ([]*domain.RulePack, error) {
	return listRulePacks(ctx, t.tx, tenantID)
}

type ruleItemRow struct {
	domain.RulePackItem
	TagsJSON    *string `db:"tags_json"`
	CompileJSON *string `db:"compile_json"`
}

func (r *ruleItemRow) toItem() *domain.RulePackItem {
	item := r.RulePackItem
	if r.TagsJSON != nil && *r.TagsJSON != "" {
		_ = json.Unmarshal([]byte(*r.TagsJSON), &item.Tags)
	}
	if r.CompileJSON != nil && *r.CompileJSON != "" {
		_ = json.Unmarshal([]byte(*r.CompileJSON), &item.Compile)
	}
	return &item
}

func createRulePackItem(ctx context.Context, db dbInterface, item *domain.RulePackItem) error {
	tagsJSON, _ := json.Marshal(item.Tags)
	compileJSON, _ := json.Marshal(item.Compile)
	_, err := db.ExecContext(ctx,
		`INSERT INTO rule_pack_items (id, pack_id, rule_id, name, kind, severity, tags_json, body, sha256, compile_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		item.ID, item.PackID, item.RuleID, item.Name, item.Kind, item.Severity,
		string(tagsJSON), item.Body, item.SHA256, string(compileJSON))
	return wrapUniqueError(err)
}

func (s *Store) CreateRulePackItem(ctx context.Context, item *domain.RulePackItem) error {
	return createRulePackItem(ctx, s.db, item)
}

func (t *Tx) CreateRulePackItem(ctx context.Context, item *domain.RulePackItem) error {
	return createRulePackItem(ctx, t.tx, item)
}

func listRulePackItems(ctx context.Context, db dbInterface, packID string) ([]*domain.RulePackItem, error) {
	var rows []ruleItemRow
	err := db.SelectContext(ctx, &rows,
		`SELECT id, pack_id, rule_id, name, kind, severity, tags_json, body, sha256, compile_json
		 FROM rule_pack_items WHERE pack_id = $1 ORDER BY rule_id`, packID)
	if err != nil {
		return nil, err
	}
	items := make([]*domain.RulePackItem, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].toItem())
	}
	return items, nil
}

func (s *Store) ListRulePackItems(ctx context.Context, packID string) ([]*domain.RulePackItem, error) {
	return listRulePackItems(ctx, s.db, packID)
}

func (t *Tx) ListRulePackItems(ctx context.Context, packID string) ([]*domain.RulePackItem, error) {
	return listRulePackItems(ctx, t.tx, packID)
}

// ============================================
// Live Rules
// ============================================

type liveRuleRow struct {
	domain.LiveRule
	TagsJSON *string `db:"tags_json"`
}

func (r *liveRuleRow) toRule() *domain.LiveRule {
	rule := r.LiveRule
	if r.TagsJSON != nil && *r.TagsJSON != "" {
		_ = json.Unmarshal([]byte(*r.TagsJSON), &rule.Tags)
	}
	return &rule
}

func getLiveRule(ctx context.Context, db dbInterface, tenantID, ruleID string) (*domain.LiveRule, error) {
	var row liveRuleRow
	err := db.GetContext(ctx, &row,
		`SELECT tenant_id, rule_id, name, kind, severity, tags_json, body, sha256, enabled, deployed_by, updated_at
		 FROM live_rules WHERE tenant_id = $1 AND rule_id = $2`, tenantID, ruleID)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toRule(), nil
}

func (s *Store) GetLiveRule(ctx context.Context, tenantID, ruleID string) (*domain.LiveRule, error) {
	return getLiveRule(ctx, s.db, tenantID, ruleID)
}

func (t *Tx) GetLiveRule(ctx context.Context, tenantID, ruleID string) (*domain.LiveRule, error) {
	return getLiveRule(ctx, t.tx, tenantID, ruleID)
}

func listLiveRules(ctx context.Context, db dbInterface, tenantID string) ([]*domain.LiveRule, error) {
	var rows []liveRuleRow
	err := db.SelectContext(ctx, &rows,
		`SELECT tenant_id, rule_id, name, kind, severity, tags_json, body, sha256, enabled, deployed_by, updated_at
		 FROM live_rules WHERE tenant_id = $1 ORDER BY rule_id`, tenantID)
	if err != nil {
		return nil, err
	}
	rules := make([]*domain.LiveRule, 0, len(rows))
	for i := range rows {
		rules = append(rules, rows[i].toRule())
	}
	return rules, nil
}

func (s *Store) ListLiveRules(ctx context.Context, tenantID string) ([]*domain.LiveRule, error) {
	return listLiveRules(ctx, s.db, tenantID)
}

func (t *Tx) ListLiveRules(ctx context.Context, tenantID string) ([]*domain.LiveRule, error) {
	return listLiveRules(ctx, t.tx, tenantID)
}

func upsertLiveRule(ctx context.Context, db dbInterface, rule *domain.LiveRule) error {
	tagsJSON, _ := json.Marshal(rule.Tags)
	_, err := db.ExecContext(ctx,
		`INSERT INTO live_rules (tenant_id, rule_id, name, kind, severity, tags_json, body, sha256, enabled, deployed_by, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (tenant_id, rule_id) DO UPDATE SET
		   name = excluded.name, kind = excluded.kind, severity = excluded.severity,
		   tags_json = excluded.tags_json, body = excluded.body, sha256 = excluded.sha256,
		   enabled = excluded.enabled, deployed_by = excluded.deployed_by, updated_at = excluded.updated_at`,
		rule.TenantID, rule.RuleID, rule.Name, rule.Kind, rule.Severity,
		string(tagsJSON), rule.Body, rule.SHA256, rule.Enabled, rule.DeployedBy, rule.UpdatedAt)
	return err
}

func (s *Store) UpsertLiveRule(ctx context.Context, rule *domain.LiveRule) error {
	return upsertLiveRule(ctx, s.db, rule)
}

func (t *Tx) UpsertLiveRule(ctx context.Context, rule *domain.LiveRule) error {
	return upsertLiveRule(ctx, t.tx, rule)
}

func deleteLiveRule(ctx context.Context, db dbInterface, tenantID, ruleID string) error {
	result, err := db.ExecContext(ctx,
		`DELETE FROM live_rules WHERE tenant_id = $1 AND rule_id = $2`, tenantID, ruleID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteLiveRule(ctx context.Context, tenantID, ruleID string) error {
	return deleteLiveRule(ctx, s.db, tenantID, ruleID)
}

func (t *Tx) DeleteLiveRule(ctx context.Context, tenantID, ruleID string) error {
	return deleteLiveRule(ctx, t.tx, tenantID, ruleID)
}

func getTenantRevision(ctx context.Context, db dbInterface, tenantID string) (int64, error) {
	var revision int64
	err := db.GetContext(ctx, &revision,
		`SELECT revision FROM tenant_revisions WHERE tenant_id = $1`, tenantID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return revision, err
}

func (s *Store) GetTenantRevision(ctx context.Context, tenantID string) (int64, error) {
	return getTenantRevision(ctx, s.db, tenantID)
}

func (t *Tx) GetTenantRevision(ctx context.Context, tenantID string) (int64, error) {
	return getTenantRevision(ctx, t.tx, tenantID)
}

func incrementTenantRevision(ctx context.Context, db dbInterface, tenantID string) (int64, error) {
	_, err := db.ExecContext(ctx,
		`INSERT INTO tenant_revisions (tenant_id, revision) VALUES ($1, 1)
		 ON CONFLICT (tenant_id) DO UPDATE SET revision = tenant_revisions.revision + 1`, tenantID)
	if err != nil {
		return 0, err
	}
	return getTenantRevision(ctx, db, tenantID)
}

func (s *Store) IncrementTenantRevision(ctx context.Context, tenantID string) (int64, error) {
	return incrementTenantRevision(ctx, s.db, tenantID)
}

func (t *Tx) IncrementTenantRevision(ctx context.Context, tenantID string) (int64, error) {
	return incrementTenantRevision(ctx, t.tx, tenantID)
}

// ============================================
// Plans
// ============================================

type planRow struct {
	domain.Plan
	EntriesJSON    string  `db:"entries_json"`
	SummaryJSON    string  `db:"summary_json"`
	GuardrailsJSON string  `db:"guardrails_json"`
	WarningsJSON   *string `db:"warnings_json"`
}

func (r *planRow) toPlan() *domain.Plan {
	plan := r.Plan
	_ = json.Unmarshal([]byte(r.EntriesJSON), &plan.Entries)
	_ = json.Unmarshal([]byte(r.SummaryJSON), &plan.Summary)
	_ = json.Unmarshal([]byte(r.GuardrailsJSON), &plan.Guardrails)
	if r.WarningsJSON != nil && *r.WarningsJSON != "" {
		_ = json.Unmarshal([]byte(*r.WarningsJSON), &plan.Warnings)
	}
	return &plan
}

func createPlan(ctx context.Context, db dbInterface, plan *domain.Plan) error {
	entriesJSON, _ := json.Marshal(plan.Entries)
	summaryJSON, _ := json.Marshal(plan.Summary)
	guardrailsJSON, _ := json.Marshal(plan.Guardrails)
	warningsJSON, _ := json.Marshal(plan.Warnings)
	_, err := db.ExecContext(ctx,
		`INSERT INTO plans (id, pack_id, tenant_id, strategy, match_by, tag_prefix, baseline_revision,
		                    entries_json, summary_json, blast_radius, guardrails_json, warnings_json, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		plan.ID, plan.PackID, plan.TenantID, plan.Strategy, plan.MatchBy, plan.TagPrefix,
		plan.BaselineRevision, string(entriesJSON), string(summaryJSON), plan.BlastRadius,
		string(guardrailsJSON), string(warningsJSON), plan.CreatedAt)
	return wrapUniqueError(err)
}

func (s *Store) CreatePlan(ctx context.Context, plan *domain.Plan) error {
	return createPlan(ctx, s.db, plan)
}

func (t *Tx) CreatePlan(ctx context.Context, plan *domain.Plan) error {
	return createPlan(ctx, t.tx, plan)
}

func getPlan(ctx context.Context, db dbInterface, tenantID, id string) (*domain.Plan, error) {
	var row planRow
	err := db.GetContext(ctx, &row,
		`SELECT id, pack_id, tenant_id, strategy, match_by, tag_prefix, baseline_revision,
		        entries_json, summary_json, blast_radius, guardrails_json, warnings_json, created_at
		 FROM plans WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toPlan(), nil
}

func (s *Store) GetPlan(ctx context.Context, tenantID, id string) (*domain.Plan, error) {
	return getPlan(ctx, s.db, tenantID, id)
}

func (t *Tx) GetPlan(ctx context.Context, tenantID, id string) (*domain.Plan, error) {
	return getPlan(ctx, t.tx, tenantID, id)
}

// ============================================
// Deployments
// ============================================

type deploymentRow struct {
	domain.Deployment
	SummaryJSON      string  `db:"summary_json"`
	GuardrailsJSON   string  `db:"guardrails_json"`
	CanaryJSON       *string `db:"canary_json"`
	BeforeImagesJSON *string `db:"before_images_json"`
	ErrorsJSON       *string `db:"errors_json"`
}

func (r *deploymentRow) toDeployment() *domain.Deployment {
	d := r.Deployment
	_ = json.Unmarshal([]byte(r.SummaryJSON), &d.Summary)
	_ = json.Unmarshal([]byte(r.GuardrailsJSON), &d.Guardrails)
	if r.CanaryJSON != nil && *r.CanaryJSON != "" {
		_ = json.Unmarshal([]byte(*r.CanaryJSON), &d.Canary)
	}
	if r.BeforeImagesJSON != nil && *r.BeforeImagesJSON != "" {
		_ = json.Unmarshal([]byte(*r.BeforeImagesJSON), &d.BeforeImages)
	}
	if r.ErrorsJSON != nil && *r.ErrorsJSON != "" {
		_ = json.Unmarshal([]byte(*r.ErrorsJSON), &d.Errors)
	}
	return &d
}

func deploymentJSONColumns(d *domain.Deployment) (summary, guardrails string, canary, beforeImages, errs *string) {
	summaryJSON, _ := json.Marshal(d.Summary)
	guardrailsJSON, _ := json.Marshal(d.Guardrails)
	summary = string(summaryJSON)
	guardrails = string(guardrailsJSON)
	if d.Canary != nil {
		b, _ := json.Marshal(d.Canary)
		s := string(b)
		canary = &s
	}
	if len(d.BeforeImages) > 0 {
		b, _ := json.Marshal(d.BeforeImages)
		s := string(b)
		beforeImages = &s
	}
	if len(d.Errors) > 0 {
		b, _ := json.Marshal(d.Errors)
		s := string(b)
		errs = &s
	}
	return
}

func createDeployment(ctx context.Context, db dbInterface, d *domain.Deployment) error {
	summaryJSON, guardrailsJSON, canaryJSON, beforeImagesJSON, errorsJSON := deploymentJSONColumns(d)
	_, err := db.ExecContext(ctx,
		`INSERT INTO deployments (id, plan_id, pack_id, tenant_id, status, actor, dry_run, force, force_reason,
		                          idempotency_key, summary_json, blast_radius, guardrails_json, canary_json,
		                          before_images_json, baseline_revision, errors_json, rolled_back_from,
		                          rolled_back_to, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		d.ID, d.PlanID, d.PackID, d.TenantID, d.Status, d.Actor, d.DryRun, d.Force, d.ForceReason,
		d.IdempotencyKey, summaryJSON, d.BlastRadius, guardrailsJSON, canaryJSON,
		beforeImagesJSON, d.BaselineRevision, errorsJSON, d.RolledBackFrom,
		d.RolledBackTo, d.StartedAt, d.FinishedAt)
	return wrapUniqueError(err)
}

func (s *Store) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	return createDeployment(ctx, s.db, d)
}

func (t *Tx) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	return createDeployment(ctx, t.tx, d)
}

func updateDeployment(ctx context.Context, db dbInterface, d *domain.Deployment) error {
	summaryJSON, guardrailsJSON, canaryJSON, beforeImagesJSON, errorsJSON := deploymentJSONColumns(d)
	result, err := db.ExecContext(ctx,
		`UPDATE deployments SET status = $1, summary_json = $2, blast_radius = $3, guardrails_json = $4,
		        canary_json = $5, before_images_json = $6, baseline_revision = $7, errors_json = $8,
		        rolled_back_from = $9, rolled_back_to = $10, finished_at = $11
		 WHERE tenant_id = $12 AND id = $13`,
		d.Status, summaryJSON, d.BlastRadius, guardrailsJSON,
		canaryJSON, beforeImagesJSON, d.BaselineRevision, errorsJSON,
		d.RolledBackFrom, d.RolledBackTo, d.FinishedAt,
		d.TenantID, d.ID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateDeployment(ctx context.Context, d *domain.Deployment) error {
	return updateDeployment(ctx, s.db, d)
}

func (t *Tx) UpdateDeployment(ctx context.Context, d *domain.Deployment) error {
	return updateDeployment(ctx, t.tx, d)
}

const deploymentColumns = `id, plan_id, pack_id, tenant_id, status, actor, dry_run, force, force_reason,
	idempotency_key, summary_json, blast_radius, guardrails_json, canary_json,
	before_images_json, baseline_revision, errors_json, rolled_back_from, rolled_back_to,
	started_at, finished_at`

func getDeployment(ctx context.Context, db dbInterface, tenantID, id string) (*domain.Deployment, error) {
	var row deploymentRow
	err := db.GetContext(ctx, &row,
		`SELECT `+deploymentColumns+` FROM deployments WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDeployment(), nil
}

func (s *Store) GetDeployment(ctx context.Context, tenantID, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.db, tenantID, id)
}

func (t *Tx) GetDeployment(ctx context.Context, tenantID, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, t.tx, tenantID, id)
}

func getDeploymentByIdempotencyKey(ctx context.Context, db dbInterface, tenantID, key string) (*domain.Deployment, error) {
	var row deploymentRow
	err := db.GetContext(ctx, &row,
		`SELECT `+deploymentColumns+` FROM deployments WHERE tenant_id = $1 AND idempotency_key = $2`, tenantID, key)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDeployment(), nil
}

func (s *Store) GetDeploymentByIdempotencyKey(ctx context.Context, tenantID, key string) (*domain.Deployment, error) {
	return getDeploymentByIdempotencyKey(ctx, s.db, tenantID, key)
}

func (t *Tx) GetDeploymentByIdempotencyKey(ctx context.Context, tenantID, key string) (*domain.Deployment, error) {
	return getDeploymentByIdempotencyKey(ctx, t.tx, tenantID, key)
}

func listDeployments(ctx context.Context, db dbInterface, tenantID string) ([]*domain.Deployment, error) {
	var rows []deploymentRow
	err := db.SelectContext(ctx, &rows,
		`SELECT `+deploymentColumns+` FROM deployments WHERE tenant_id = $1 ORDER BY started_at DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	deployments := make([]*domain.Deployment, 0, len(rows))
	for i := range rows {
		deployments = append(deployments, rows[i].toDeployment())
	}
	return deployments, nil
}

func (s *Store) ListDeployments(ctx context.Context, tenantID string) ([]*domain.Deployment, error) {
	return listDeployments(ctx, s.db, tenantID)
}

func (t *Tx) ListDeployments(ctx context.Context, tenantID string) ([]*domain.Deployment, error) {
	return listDeployments(ctx, t.tx, tenantID)
}

// ============================================
// Deployment Artifacts
// ============================================

func createArtifact(ctx context.Context, db dbInterface, artifact *domain.DeploymentArtifact) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO deployment_artifacts (id, deploy_id, tenant_id, kind, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		artifact.ID, artifact.DeployID, artifact.TenantID, artifact.Kind, artifact.Content, artifact.CreatedAt)
	return wrapUniqueError(err)
}

func (s *Store) CreateArtifact(ctx context.Context, artifact *domain.DeploymentArtifact) error {
	return createArtifact(ctx, s.db, artifact)
}

func (t *Tx) CreateArtifact(ctx context.Context, artifact *domain.DeploymentArtifact) error {
	return createArtifact(ctx, t.tx, artifact)
}

func listArtifacts(ctx context.Context, db dbInterface, tenantID, deployID string) ([]*domain.DeploymentArtifact, error) {
	var artifacts []*domain.DeploymentArtifact
	err := db.SelectContext(ctx, &artifacts,
		`SELECT id, deploy_id, tenant_id, kind, content, created_at
		 FROM deployment_artifacts WHERE tenant_id = $1 AND deploy_id = $2 ORDER BY created_at, id`, tenantID, deployID)
	return artifacts, err
}

func (s *Store) ListArtifacts(ctx context.Context, tenantID, deployID string) ([]*domain.DeploymentArtifact, error) {
	return listArtifacts(ctx, s.db, tenantID, deployID)
}

func (t *Tx) ListArtifacts(ctx context.Context, tenantID, deployID string) ([]*domain.DeploymentArtifact, error) {
	return listArtifacts(ctx, t.tx, tenantID, deployID)
}

func pruneArtifacts(ctx context.Context, db dbInterface, cutoff time.Time) (int, error) {
	// Artifacts of deployments without a finished_at (live canaries) are kept.
	result, err := db.ExecContext(ctx,
		`DELETE FROM deployment_artifacts
		 WHERE created_at < $1
		   AND deploy_id IN (SELECT id FROM deployments WHERE finished_at IS NOT NULL)`, cutoff)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

func (s *Store) PruneArtifacts(ctx context.Context, cutoff time.Time) (int, error) {
	return pruneArtifacts(ctx, s.db, cutoff)
}

func (t *Tx) PruneArtifacts(ctx context.Context, cutoff time.Time) (int, error) {
	return pruneArtifacts(ctx, t.tx, cutoff)
}

// ============================================
// Deployment Locks
// ============================================

func acquireLock(ctx context.Context, db dbInterface, tenantID, holder string, expiresAt time.Time) error {
	// The upsert wins iff the row is absent, expired, or already ours.
	result, err := db.ExecContext(ctx,
		`INSERT INTO deployment_locks (tenant_id, holder, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		 WHERE deployment_locks.holder = excluded.holder OR deployment_locks.expires_at < $4`,
		tenantID, holder, expiresAt, time.Now().UTC())
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrLockConflict
	}
	return nil
}

func (s *Store) AcquireLock(ctx context.Context, tenantID, holder string, expiresAt time.Time) error {
	return acquireLock(ctx, s.db, tenantID, holder, expiresAt)
}

func (t *Tx) AcquireLock(ctx context.Context, tenantID, holder string, expiresAt time.Time) error {
	return acquireLock(ctx, t.tx, tenantID, holder, expiresAt)
}

func releaseLock(ctx context.Context, db dbInterface, tenantID, holder string) error {
	// Releasing a lock that is not held is a no-op.
	_, err := db.ExecContext(ctx,
		`DELETE FROM deployment_locks WHERE tenant_id = $1 AND holder = $2`, tenantID, holder)
	return err
}

func (s *Store) ReleaseLock(ctx context.Context, tenantID, holder string) error {
	return releaseLock(ctx, s.db, tenantID, holder)
}

func (t *Tx) ReleaseLock(ctx context.Context, tenantID, holder string) error {
	return releaseLock(ctx, t.tx, tenantID, holder)
}

func getLockHolder(ctx context.Context, db dbInterface, tenantID string) (string, time.Time, error) {
	var row struct {
		Holder    string    `db:"holder"`
		ExpiresAt time.Time `db:"expires_at"`
	}
	err := db.GetContext(ctx, &row,
		`SELECT holder, expires_at FROM deployment_locks WHERE tenant_id = $1`, tenantID)
	if err == sql.ErrNoRows {
		return "", time.Time{}, domain.ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return row.Holder, row.ExpiresAt, nil
}

func (s *Store) GetLockHolder(ctx context.Context, tenantID string) (string, time.Time, error) {
	return getLockHolder(ctx, s.db, tenantID)
}

func (t *Tx) GetLockHolder(ctx context.Context, tenantID string) (string, time.Time, error) {
	return getLockHolder(ctx, t.tx, tenantID)
}
