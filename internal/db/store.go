package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/petra/site-audit/internal/models"
	"github.com/petra/site-audit/internal/suggest"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const opportunityCols = `id, site_id, site_url, audit_type, audit_id, status, origin,
	title, description, runbook, tags, data, guidance, updated_by, created_at, updated_at`

func scanOpportunity(scan func(dest ...interface{}) error) (models.Opportunity, error) {
	var o models.Opportunity
	var dataRaw, guidanceRaw []byte

	err := scan(
		&o.ID, &o.SiteID, &o.SiteURL, &o.AuditType, &o.AuditID, &o.Status, &o.Origin,
		&o.Title, &o.Description, &o.Runbook, &o.Tags, &dataRaw, &guidanceRaw,
		&o.UpdatedBy, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return o, err
	}

	if len(dataRaw) > 0 {
		_ = json.Unmarshal(dataRaw, &o.Data)
	}
	if o.Data == nil {
		o.Data = map[string]interface{}{}
	}
	if len(guidanceRaw) > 0 {
		var g models.Guidance
		if err := json.Unmarshal(guidanceRaw, &g); err == nil {
			o.Guidance = &g
		}
	}

	return o, nil
}

func (s *Store) ListOpportunitiesBySiteAndStatus(ctx context.Context, siteID uuid.UUID, statuses []string) ([]models.Opportunity, error) {
	sql := fmt.Sprintf(`
		SELECT %s
		FROM opportunities
		WHERE site_id = $1 AND status = ANY($2)
		ORDER BY created_at DESC
	`, opportunityCols)

	rows, err := s.pool.Query(ctx, sql, siteID, statuses)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var opps []models.Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		opps = append(opps, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	return opps, nil
}

func (s *Store) CreateOpportunity(ctx context.Context, opp *models.Opportunity) error {
	dataJSON, err := json.Marshal(opp.Data)
	if err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	var guidanceJSON []byte
	if opp.Guidance != nil {
		if guidanceJSON, err = json.Marshal(opp.Guidance); err != nil {
			return fmt.Errorf("failed to encode guidance: %w", err)
		}
	}

	tags := opp.Tags
	if tags == nil {
		tags = []string{}
	}

	sql := `
		INSERT INTO opportunities (id, site_id, site_url, audit_type, audit_id, status, origin,
			title, description, runbook, tags, data, guidance, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at
	`
	err = s.pool.QueryRow(ctx, sql,
		opp.ID, opp.SiteID, opp.SiteURL, opp.AuditType, opp.AuditID, opp.Status, opp.Origin,
		opp.Title, opp.Description, opp.Runbook, tags, dataJSON, guidanceJSON, opp.UpdatedBy,
	).Scan(&opp.CreatedAt, &opp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert failed: %w", err)
	}

	return nil
}

func (s *Store) SaveOpportunity(ctx context.Context, opp *models.Opportunity) error {
	dataJSON, err := json.Marshal(opp.Data)
	if err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	var guidanceJSON []byte
	if opp.Guidance != nil {
		if guidanceJSON, err = json.Marshal(opp.Guidance); err != nil {
			return fmt.Errorf("failed to encode guidance: %w", err)
		}
	}

	sql := `
		UPDATE opportunities
		SET audit_id = $2, status = $3, title = $4, description = $5, runbook = $6,
			tags = $7, data = $8, guidance = $9, updated_by = $10, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err = s.pool.QueryRow(ctx, sql,
		opp.ID, opp.AuditID, opp.Status, opp.Title, opp.Description, opp.Runbook,
		opp.Tags, dataJSON, guidanceJSON, opp.UpdatedBy,
	).Scan(&opp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}

	return nil
}

func (s *Store) GetOpportunity(ctx context.Context, id uuid.UUID) (*models.Opportunity, error) {
	sql := fmt.Sprintf(`
		SELECT %s
		FROM opportunities
		WHERE id = $1
	`, opportunityCols)
	row := s.pool.QueryRow(ctx, sql, id)

	o, err := scanOpportunity(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("not found: %w", err)
	}

	return &o, nil
}

type OpportunityListParams struct {
	SiteID    *uuid.UUID
	AuditType string
	Status    string
	Limit     int
	Offset    int
}

type OpportunityListResult struct {
	Opportunities []models.Opportunity `json:"opportunities"`
	Total         int                  `json:"total"`
	Limit         int                  `json:"limit"`
	Offset        int                  `json:"offset"`
}

func (s *Store) ListOpportunities(ctx context.Context, params OpportunityListParams) (*OpportunityListResult, error) {
	where := "WHERE 1=1"
	var args []interface{}
	argIdx := 1

	if params.SiteID != nil {
		where += fmt.Sprintf(" AND site_id = $%d", argIdx)
		args = append(args, *params.SiteID)
		argIdx++
	}
	if params.AuditType != "" {
		where += fmt.Sprintf(" AND audit_type = $%d", argIdx)
		args = append(args, params.AuditType)
		argIdx++
	}
	if params.Status != "" && params.Status != "all" {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, params.Status)
		argIdx++
	}

	var total int
	countSQL := "SELECT COUNT(*) FROM opportunities " + where
	if err := s.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count failed: %w", err)
	}

	if params.Limit <= 0 {
		params.Limit = 50
	}

	selectSQL := fmt.Sprintf("SELECT %s FROM opportunities %s ORDER BY updated_at DESC, created_at DESC", opportunityCols, where)
	selectSQL += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, params.Limit, params.Offset)

	rows, err := s.pool.Query(ctx, selectSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var opps []models.Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		opps = append(opps, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	if opps == nil {
		opps = []models.Opportunity{}
	}

	return &OpportunityListResult{
		Opportunities: opps,
		Total:         total,
		Limit:         params.Limit,
		Offset:        params.Offset,
	}, nil
}

func (s *Store) UpdateOpportunityStatus(ctx context.Context, id uuid.UUID, status, updatedBy string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE opportunities SET status = $2, updated_by = $3, updated_at = NOW() WHERE id = $1",
		id, status, updatedBy,
	)
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("opportunity %s not found", id)
	}

	return nil
}

const suggestionCols = `id, opportunity_id, type, rank, status, data, kpi_deltas,
	updated_by, created_at, updated_at`

func scanSuggestion(scan func(dest ...interface{}) error) (models.Suggestion, error) {
	var sg models.Suggestion
	var dataRaw, kpiRaw []byte

	err := scan(
		&sg.ID, &sg.OpportunityID, &sg.Type, &sg.Rank, &sg.Status, &dataRaw, &kpiRaw,
		&sg.UpdatedBy, &sg.CreatedAt, &sg.UpdatedAt,
	)
	if err != nil {
		return sg, err
	}

	if len(dataRaw) > 0 {
		_ = json.Unmarshal(dataRaw, &sg.Data)
	}
	if sg.Data == nil {
		sg.Data = map[string]interface{}{}
	}
	if len(kpiRaw) > 0 {
		_ = json.Unmarshal(kpiRaw, &sg.KPIDeltas)
	}

	return sg, nil
}

func (s *Store) ListSuggestions(ctx context.Context, opportunityID uuid.UUID) ([]models.Suggestion, error) {
	sql := fmt.Sprintf(`
		SELECT %s
		FROM suggestions
		WHERE opportunity_id = $1
		ORDER BY created_at ASC
	`, suggestionCols)

	rows, err := s.pool.Query(ctx, sql, opportunityID)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []models.Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		out = append(out, sg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	return out, nil
}

// CreateSuggestions inserts rows one by one so a single bad row cannot sink
// the whole batch. Per-row failures come back as error items.
func (s *Store) CreateSuggestions(ctx context.Context, suggestions []models.Suggestion) ([]suggest.CreateErrorItem, error) {
	sql := `
		INSERT INTO suggestions (id, opportunity_id, type, rank, status, data, kpi_deltas, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	var failed []suggest.CreateErrorItem
	for i := range suggestions {
		sg := &suggestions[i]

		dataJSON, err := json.Marshal(sg.Data)
		if err != nil {
			failed = append(failed, suggest.CreateErrorItem{Index: i, Message: err.Error()})
			continue
		}
		var kpiJSON []byte
		if sg.KPIDeltas != nil {
			if kpiJSON, err = json.Marshal(sg.KPIDeltas); err != nil {
				failed = append(failed, suggest.CreateErrorItem{Index: i, Message: err.Error()})
				continue
			}
		}

		if _, err := s.pool.Exec(ctx, sql,
			sg.ID, sg.OpportunityID, sg.Type, sg.Rank, sg.Status, dataJSON, kpiJSON, sg.UpdatedBy,
		); err != nil {
			failed = append(failed, suggest.CreateErrorItem{Index: i, Message: err.Error()})
		}
	}

	return failed, nil
}

func (s *Store) UpdateSuggestionData(ctx context.Context, id uuid.UUID, data map[string]interface{}) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		"UPDATE suggestions SET data = $2, updated_at = NOW() WHERE id = $1",
		id, dataJSON,
	)
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("suggestion %s not found", id)
	}

	return nil
}

func (s *Store) BulkUpdateSuggestionStatus(ctx context.Context, ids []uuid.UUID, status string) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := s.pool.Exec(ctx,
		"UPDATE suggestions SET status = $2, updated_at = NOW() WHERE id = ANY($1)",
		ids, status,
	)
	if err != nil {
		return fmt.Errorf("bulk update failed: %w", err)
	}

	return nil
}

func (s *Store) GetSuggestion(ctx context.Context, id uuid.UUID) (*models.Suggestion, error) {
	sql := fmt.Sprintf(`
		SELECT %s
		FROM suggestions
		WHERE id = $1
	`, suggestionCols)
	row := s.pool.QueryRow(ctx, sql, id)

	sg, err := scanSuggestion(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("not found: %w", err)
	}

	return &sg, nil
}

type SuggestionListParams struct {
	OpportunityID *uuid.UUID
	Status        string
	Type          string
	Limit         int
	Offset        int
}

type SuggestionListResult struct {
	Suggestions []models.Suggestion `json:"suggestions"`
	Total       int                 `json:"total"`
	Limit       int                 `json:"limit"`
	Offset      int                 `json:"offset"`
}

func (s *Store) ListSuggestionsFiltered(ctx context.Context, params SuggestionListParams) (*SuggestionListResult, error) {
	where := "WHERE 1=1"
	var args []interface{}
	argIdx := 1

	if params.OpportunityID != nil {
		where += fmt.Sprintf(" AND opportunity_id = $%d", argIdx)
		args = append(args, *params.OpportunityID)
		argIdx++
	}
	if params.Status != "" && params.Status != "all" {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, params.Status)
		argIdx++
	}
	if params.Type != "" {
		where += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, params.Type)
		argIdx++
	}

	var total int
	countSQL := "SELECT COUNT(*) FROM suggestions " + where
	if err := s.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count failed: %w", err)
	}

	if params.Limit <= 0 {
		params.Limit = 50
	}

	selectSQL := fmt.Sprintf("SELECT %s FROM suggestions %s ORDER BY rank DESC, created_at ASC", suggestionCols, where)
	selectSQL += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, params.Limit, params.Offset)

	rows, err := s.pool.Query(ctx, selectSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []models.Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		out = append(out, sg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	if out == nil {
		out = []models.Suggestion{}
	}

	return &SuggestionListResult{
		Suggestions: out,
		Total:       total,
		Limit:       params.Limit,
		Offset:      params.Offset,
	}, nil
}

func (s *Store) UpdateSuggestionStatus(ctx context.Context, id uuid.UUID, status, updatedBy string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE suggestions SET status = $2, updated_by = $3, updated_at = NOW() WHERE id = $1",
		id, status, updatedBy,
	)
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("suggestion %s not found", id)
	}

	return nil
}

func (s *Store) UpdateSuggestionEmbedding(ctx context.Context, id uuid.UUID, embedding []float32) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE suggestions SET embedding = $2 WHERE id = $1",
		id, pgvector.NewVector(embedding),
	)
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}

	return nil
}

// SearchSuggestions runs a nearest-neighbor search over suggestion embeddings.
// Rows without an embedding sort last.
func (s *Store) SearchSuggestions(ctx context.Context, embedding []float32, limit int) ([]models.Suggestion, error) {
	if limit <= 0 {
		limit = 20
	}

	sql := fmt.Sprintf(`
		SELECT %s
		FROM suggestions
		ORDER BY
			CASE WHEN embedding IS NULL THEN 1 ELSE 0 END ASC,
			COALESCE(1 - (embedding <=> $1), -1) DESC,
			created_at DESC
		LIMIT $2
	`, suggestionCols)

	rows, err := s.pool.Query(ctx, sql, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []models.Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		out = append(out, sg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	return out, nil
}

func (s *Store) CreateAuditRun(ctx context.Context, run *models.AuditRun) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO audit_runs (id, site_id, site_url, audit_type, status)
		VALUES ($1, $2, $3, $4, 'running')
		RETURNING started_at
	`, run.ID, run.SiteID, run.SiteURL, run.AuditType).Scan(&run.StartedAt)
	if err != nil {
		return fmt.Errorf("insert failed: %w", err)
	}
	run.Status = models.RunStatusRunning

	return nil
}

func (s *Store) FinishAuditRun(ctx context.Context, run *models.AuditRun) error {
	var errMsg interface{}
	if run.ErrorMessage != "" {
		errMsg = run.ErrorMessage
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE audit_runs SET
			status = $2,
			pages_scanned = $3,
			suggestions_created = $4,
			suggestions_updated = $5,
			suggestions_outdated = $6,
			error_message = $7,
			finished_at = NOW()
		WHERE id = $1
	`, run.ID, run.Status, run.PagesScanned,
		run.SuggestionsCreated, run.SuggestionsUpdated, run.SuggestionsOutdated, errMsg)
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}

	return nil
}

func (s *Store) ListAuditRuns(ctx context.Context, siteID *uuid.UUID, limit int) ([]models.AuditRun, error) {
	if limit <= 0 {
		limit = 20
	}

	where := "WHERE 1=1"
	var args []interface{}
	argIdx := 1
	if siteID != nil {
		where += fmt.Sprintf(" AND site_id = $%d", argIdx)
		args = append(args, *siteID)
		argIdx++
	}

	sql := fmt.Sprintf(`
		SELECT id, site_id, site_url, audit_type, status, pages_scanned,
			suggestions_created, suggestions_updated, suggestions_outdated,
			error_message, started_at, finished_at
		FROM audit_runs %s
		ORDER BY started_at DESC
		LIMIT $%d
	`, where, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var runs []models.AuditRun
	for rows.Next() {
		var r models.AuditRun
		var errMsg *string
		if err := rows.Scan(
			&r.ID, &r.SiteID, &r.SiteURL, &r.AuditType, &r.Status, &r.PagesScanned,
			&r.SuggestionsCreated, &r.SuggestionsUpdated, &r.SuggestionsOutdated,
			&errMsg, &r.StartedAt, &r.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		if errMsg != nil {
			r.ErrorMessage = *errMsg
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	if runs == nil {
		runs = []models.AuditRun{}
	}

	return runs, nil
}
