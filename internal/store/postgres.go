package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/civicnorth/tracker-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it
// for unit tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS raw_documents (
	id           TEXT PRIMARY KEY,
	source       TEXT NOT NULL,
	natural_key  TEXT NOT NULL,
	title        TEXT NOT NULL,
	body         TEXT NOT NULL,
	url          TEXT,
	session      TEXT NOT NULL,
	published_at TIMESTAMPTZ NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	error        TEXT,
	ingested_at  TIMESTAMPTZ NOT NULL,
	UNIQUE (source, natural_key)
);

CREATE TABLE IF NOT EXISTS evidence_items (
	id             TEXT PRIMARY KEY,
	source_type    TEXT NOT NULL,
	source_key     TEXT,
	title          TEXT NOT NULL,
	description    TEXT,
	published_at   TIMESTAMPTZ NOT NULL,
	departments    JSONB,
	key_concepts   TEXT,
	session        TEXT NOT NULL,
	linking_status TEXT NOT NULL DEFAULT 'pending',
	promise_ids    JSONB,
	error_message  TEXT,
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS promises (
	id             TEXT PRIMARY KEY,
	text           TEXT NOT NULL,
	description    TEXT,
	background     TEXT,
	department     TEXT NOT NULL,
	policy_tags    JSONB,
	session        TEXT NOT NULL,
	progress_score INTEGER,
	last_scored_at TIMESTAMPTZ,
	evidence_ids   JSONB,
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS links (
	id            TEXT PRIMARY KEY,
	promise_id    TEXT NOT NULL REFERENCES promises(id),
	evidence_id   TEXT NOT NULL REFERENCES evidence_items(id),
	confidence    DOUBLE PRECISION NOT NULL,
	category      TEXT NOT NULL,
	match_reasons JSONB,
	created_by    TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'active',
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS job_history (
	id              TEXT PRIMARY KEY,
	job_name        TEXT NOT NULL,
	stage           TEXT NOT NULL,
	status          TEXT NOT NULL,
	attempt         INTEGER NOT NULL,
	started_at      TIMESTAMPTZ NOT NULL,
	ended_at        TIMESTAMPTZ NOT NULL,
	error           TEXT,
	items_processed INTEGER NOT NULL DEFAULT 0,
	items_created   INTEGER NOT NULL DEFAULT 0,
	items_updated   INTEGER NOT NULL DEFAULT 0,
	items_skipped   INTEGER NOT NULL DEFAULT 0,
	error_count     INTEGER NOT NULL DEFAULT 0,
	metadata        JSONB
);

CREATE TABLE IF NOT EXISTS alerts (
	id         TEXT PRIMARY KEY,
	job_name   TEXT NOT NULL,
	stage      TEXT NOT NULL,
	message    TEXT NOT NULL,
	resolved   BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_raw_documents_status ON raw_documents(status, published_at);
CREATE INDEX IF NOT EXISTS idx_evidence_status_published ON evidence_items(linking_status, published_at);
CREATE INDEX IF NOT EXISTS idx_evidence_source_key ON evidence_items(source_key);
CREATE INDEX IF NOT EXISTS idx_promises_session ON promises(session);
CREATE UNIQUE INDEX IF NOT EXISTS idx_links_active_pair ON links(promise_id, evidence_id) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_links_evidence ON links(evidence_id, status);
CREATE INDEX IF NOT EXISTS idx_links_promise ON links(promise_id, status);
CREATE INDEX IF NOT EXISTS idx_job_history_name_started ON job_history(job_name, started_at);
CREATE INDEX IF NOT EXISTS idx_alerts_resolved ON alerts(resolved, created_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func jsonbOrNil(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal jsonb column")
	}
	str := string(b)
	if str == "null" || str == "[]" || str == "{}" {
		return nil, nil
	}
	return str, nil
}

func decodeStrings(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// --- raw documents ---

func (s *PostgresStore) UpsertRawDocument(ctx context.Context, doc model.RawDocument) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO raw_documents (id, source, natural_key, title, body, url, session, published_at, status, ingested_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (source, natural_key) DO NOTHING`,
		doc.ID, doc.Source, doc.NaturalKey, doc.Title, doc.Body, textOrNil(doc.URL),
		doc.Session, doc.PublishedAt.UTC(), string(model.ProcessingPending), doc.IngestedAt.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: upsert raw document %s/%s", doc.Source, doc.NaturalKey)
	}
	return tag.RowsAffected() > 0, nil
}

const pgRawDocColumns = `id, source, natural_key, title, body, url, session, published_at, status, error, ingested_at`

func (s *PostgresStore) ClaimRawDocuments(ctx context.Context, limit int) ([]model.RawDocument, error) {
	if limit <= 0 {
		limit = 50
	}
	// Single-statement claim: SKIP LOCKED keeps concurrent runs disjoint.
	rows, err := s.pool.Query(ctx,
		`UPDATE raw_documents SET status = $1
		 WHERE id IN (
		   SELECT id FROM raw_documents WHERE status = $2
		   ORDER BY published_at LIMIT $3 FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+pgRawDocColumns,
		string(model.ProcessingInProgress), string(model.ProcessingPending), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim documents")
	}
	defer rows.Close()

	var claimed []model.RawDocument
	for rows.Next() {
		d, err := scanPgRawDocument(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, *d)
	}
	return claimed, eris.Wrap(rows.Err(), "postgres: iterate claimed documents")
}

func (s *PostgresStore) CompleteRawDocument(ctx context.Context, id string, status model.ProcessingStatus, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE raw_documents SET status = $1, error = $2 WHERE id = $3`,
		string(status), textOrNil(errMsg), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete document %s", id)
	}
	return checkTag(tag, "raw document", id)
}

func scanPgRawDocument(rows pgx.Rows) (*model.RawDocument, error) {
	var d model.RawDocument
	var url, errMsg *string
	var status string
	if err := rows.Scan(&d.ID, &d.Source, &d.NaturalKey, &d.Title, &d.Body, &url,
		&d.Session, &d.PublishedAt, &status, &errMsg, &d.IngestedAt); err != nil {
		return nil, eris.Wrap(err, "postgres: scan raw document")
	}
	d.URL = deref(url)
	d.Error = deref(errMsg)
	d.Status = model.ProcessingStatus(status)
	return &d, nil
}

// --- evidence items ---

func (s *PostgresStore) CreateEvidence(ctx context.Context, item model.EvidenceItem) error {
	departments, err := jsonbOrNil(item.Departments)
	if err != nil {
		return err
	}
	promiseIDs, err := jsonbOrNil(item.PromiseIDs)
	if err != nil {
		return err
	}
	status := item.LinkingStatus
	if status == "" {
		status = model.LinkingPending
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO evidence_items (id, source_type, source_key, title, description, published_at,
		   departments, key_concepts, session, linking_status, promise_ids, error_message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		item.ID, string(item.SourceType), textOrNil(item.SourceKey), item.Title, textOrNil(item.Description),
		item.PublishedAt.UTC(), departments, textOrNil(item.KeyConcepts), item.Session,
		string(status), promiseIDs, textOrNil(item.ErrorMessage), item.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert evidence %s", item.ID)
}

const pgEvidenceColumns = `id, source_type, source_key, title, description, published_at,
	departments, key_concepts, session, linking_status, promise_ids, error_message, created_at`

func (s *PostgresStore) GetEvidence(ctx context.Context, id string) (*model.EvidenceItem, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgEvidenceColumns+` FROM evidence_items WHERE id = $1`, id)
	e, err := scanPgEvidence(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get evidence %s", id)
	}
	return e, nil
}

func (s *PostgresStore) ListLinkableEvidence(ctx context.Context, limit int) ([]model.EvidenceItem, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgEvidenceColumns+` FROM evidence_items
		 WHERE linking_status IN ($1, $2) ORDER BY published_at LIMIT $3`,
		string(model.LinkingPending), string(model.LinkingNeedsRelinking), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list linkable evidence")
	}
	defer rows.Close()
	return collectEvidence(rows)
}

func (s *PostgresStore) ClaimEvidence(ctx context.Context, id string, from, to model.LinkingStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE evidence_items SET linking_status = $1 WHERE id = $2 AND linking_status = $3`,
		string(to), id, string(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim evidence %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) FinishEvidence(ctx context.Context, id string, status model.LinkingStatus, promiseIDs []string, errMsg string) error {
	ids, err := jsonbOrNil(promiseIDs)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE evidence_items SET linking_status = $1, promise_ids = $2, error_message = $3 WHERE id = $4`,
		string(status), ids, textOrNil(errMsg), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish evidence %s", id)
	}
	return checkTag(tag, "evidence", id)
}

func (s *PostgresStore) ResetErroredEvidence(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE evidence_items SET linking_status = $1, error_message = NULL WHERE linking_status = $2`,
		string(model.LinkingNeedsRelinking), string(model.LinkingError),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reset errored evidence")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) FindLinkedSibling(ctx context.Context, sourceKey, excludeID string) (*model.EvidenceItem, error) {
	if sourceKey == "" {
		return nil, nil
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgEvidenceColumns+` FROM evidence_items
		 WHERE source_key = $1 AND id != $2 AND linking_status = $3
		 ORDER BY published_at LIMIT 1`,
		sourceKey, excludeID, string(model.LinkingLinked),
	)
	e, err := scanPgEvidence(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: find linked sibling for %s", sourceKey)
	}
	return e, nil
}

// rowScanner abstracts pgx.Row and pgx.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPgEvidence(sc rowScanner) (*model.EvidenceItem, error) {
	var e model.EvidenceItem
	var sourceType, status string
	var sourceKey, description, keyConcepts, errMsg *string
	var departments, promiseIDs []byte
	if err := sc.Scan(&e.ID, &sourceType, &sourceKey, &e.Title, &description, &e.PublishedAt,
		&departments, &keyConcepts, &e.Session, &status, &promiseIDs, &errMsg, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.SourceType = model.SourceType(sourceType)
	e.SourceKey = deref(sourceKey)
	e.Description = deref(description)
	e.Departments = decodeStrings(departments)
	e.KeyConcepts = deref(keyConcepts)
	e.LinkingStatus = model.LinkingStatus(status)
	e.PromiseIDs = decodeStrings(promiseIDs)
	e.ErrorMessage = deref(errMsg)
	return &e, nil
}

func collectEvidence(rows pgx.Rows) ([]model.EvidenceItem, error) {
	var items []model.EvidenceItem
	for rows.Next() {
		e, err := scanPgEvidence(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan evidence")
		}
		items = append(items, *e)
	}
	return items, eris.Wrap(rows.Err(), "postgres: iterate evidence")
}

// --- promises ---

func (s *PostgresStore) CreatePromise(ctx context.Context, p model.Promise) error {
	tags, err := jsonbOrNil(p.PolicyTags)
	if err != nil {
		return err
	}
	evidenceIDs, err := jsonbOrNil(p.EvidenceIDs)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO promises (id, text, description, background, department, policy_tags, session,
		   progress_score, last_scored_at, evidence_ids, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.Text, textOrNil(p.Description), textOrNil(p.Background), p.Department, tags, p.Session,
		p.ProgressScore, p.LastScoredAt, evidenceIDs, p.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert promise %s", p.ID)
}

const pgPromiseColumns = `id, text, description, background, department, policy_tags, session,
	progress_score, last_scored_at, evidence_ids, created_at`

func (s *PostgresStore) GetPromise(ctx context.Context, id string) (*model.Promise, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgPromiseColumns+` FROM promises WHERE id = $1`, id)
	p, err := scanPgPromise(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get promise %s", id)
	}
	return p, nil
}

func (s *PostgresStore) GetPromises(ctx context.Context, ids []string) ([]model.Promise, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgPromiseColumns+` FROM promises WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get promises")
	}
	defer rows.Close()
	return collectPromises(rows)
}

func (s *PostgresStore) ListPromisesBySession(ctx context.Context, session string) ([]model.Promise, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgPromiseColumns+` FROM promises WHERE session = $1 ORDER BY created_at`, session)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list promises for session %s", session)
	}
	defer rows.Close()
	return collectPromises(rows)
}

func (s *PostgresStore) UpdatePromiseScore(ctx context.Context, id string, score int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE promises SET progress_score = $1, last_scored_at = $2 WHERE id = $3`,
		score, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update promise score %s", id)
	}
	return checkTag(tag, "promise", id)
}

func (s *PostgresStore) AppendPromiseEvidence(ctx context.Context, promiseID, evidenceID string) error {
	// Idempotent append: jsonb containment check keeps re-runs from
	// duplicating entries in the denormalized list.
	tag, err := s.pool.Exec(ctx,
		`UPDATE promises
		 SET evidence_ids = CASE
		   WHEN evidence_ids IS NULL THEN jsonb_build_array($1::text)
		   WHEN NOT evidence_ids @> to_jsonb($1::text) THEN evidence_ids || to_jsonb($1::text)
		   ELSE evidence_ids
		 END
		 WHERE id = $2`,
		evidenceID, promiseID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: append evidence to promise %s", promiseID)
	}
	return checkTag(tag, "promise", promiseID)
}

func scanPgPromise(sc rowScanner) (*model.Promise, error) {
	var p model.Promise
	var description, background *string
	var tags, evidenceIDs []byte
	var score *int
	var lastScored *time.Time
	if err := sc.Scan(&p.ID, &p.Text, &description, &background, &p.Department, &tags, &p.Session,
		&score, &lastScored, &evidenceIDs, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Description = deref(description)
	p.Background = deref(background)
	p.PolicyTags = decodeStrings(tags)
	p.EvidenceIDs = decodeStrings(evidenceIDs)
	p.ProgressScore = score
	p.LastScoredAt = lastScored
	return &p, nil
}

func collectPromises(rows pgx.Rows) ([]model.Promise, error) {
	var promises []model.Promise
	for rows.Next() {
		p, err := scanPgPromise(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan promise")
		}
		promises = append(promises, *p)
	}
	return promises, eris.Wrap(rows.Err(), "postgres: iterate promises")
}

// --- links ---

const pgLinkColumns = `id, promise_id, evidence_id, confidence, category, match_reasons,
	created_by, status, created_at, updated_at`

func (s *PostgresStore) GetActiveLink(ctx context.Context, promiseID, evidenceID string) (*model.Link, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgLinkColumns+` FROM links WHERE promise_id = $1 AND evidence_id = $2 AND status = $3`,
		promiseID, evidenceID, string(model.LinkActive),
	)
	l, err := scanPgLink(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get active link")
	}
	return l, nil
}

func (s *PostgresStore) ListActiveLinksByEvidence(ctx context.Context, evidenceID string) ([]model.Link, error) {
	return s.listLinks(ctx, `evidence_id = $1`, evidenceID)
}

func (s *PostgresStore) ListActiveLinksByPromise(ctx context.Context, promiseID string) ([]model.Link, error) {
	return s.listLinks(ctx, `promise_id = $1`, promiseID)
}

func (s *PostgresStore) listLinks(ctx context.Context, where string, arg any) ([]model.Link, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgLinkColumns+` FROM links WHERE `+where+` AND status = $2 ORDER BY created_at`,
		arg, string(model.LinkActive),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list links")
	}
	defer rows.Close()

	var links []model.Link
	for rows.Next() {
		l, err := scanPgLink(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan link")
		}
		links = append(links, *l)
	}
	return links, eris.Wrap(rows.Err(), "postgres: iterate links")
}

func (s *PostgresStore) CreateLink(ctx context.Context, link model.Link) error {
	reasons, err := jsonbOrNil(link.MatchReasons)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO links (id, promise_id, evidence_id, confidence, category, match_reasons,
		   created_by, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		link.ID, link.PromiseID, link.EvidenceID, link.Confidence, string(link.Category), reasons,
		link.CreatedBy, string(link.Status), link.CreatedAt.UTC(), link.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert link %s", link.ID)
}

func (s *PostgresStore) UpdateLinkConfidence(ctx context.Context, id string, confidence float64, reasons []string) error {
	r, err := jsonbOrNil(reasons)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE links SET confidence = $1, match_reasons = $2, updated_at = $3 WHERE id = $4`,
		confidence, r, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update link %s", id)
	}
	return checkTag(tag, "link", id)
}

func (s *PostgresStore) SupersedeLink(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE links SET status = $1, updated_at = $2 WHERE id = $3`,
		string(model.LinkSuperseded), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: supersede link %s", id)
	}
	return checkTag(tag, "link", id)
}

func scanPgLink(sc rowScanner) (*model.Link, error) {
	var l model.Link
	var category, status string
	var reasons []byte
	if err := sc.Scan(&l.ID, &l.PromiseID, &l.EvidenceID, &l.Confidence, &category, &reasons,
		&l.CreatedBy, &status, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	l.Category = model.LinkCategory(category)
	l.MatchReasons = decodeStrings(reasons)
	l.Status = model.LinkStatus(status)
	return &l, nil
}

// --- job execution history ---

func (s *PostgresStore) AppendExecution(ctx context.Context, rec model.JobExecutionRecord) error {
	metadata, err := jsonbOrNil(rec.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO job_history (id, job_name, stage, status, attempt, started_at, ended_at, error,
		   items_processed, items_created, items_updated, items_skipped, error_count, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID, rec.JobName, string(rec.Stage), string(rec.Status), rec.Attempt,
		rec.StartedAt.UTC(), rec.EndedAt.UTC(), textOrNil(rec.Error),
		rec.ItemsProcessed, rec.ItemsCreated, rec.ItemsUpdated, rec.ItemsSkipped, rec.ErrorCount, metadata,
	)
	return eris.Wrapf(err, "postgres: insert execution record for %s", rec.JobName)
}

const pgExecutionColumns = `id, job_name, stage, status, attempt, started_at, ended_at, error,
	items_processed, items_created, items_updated, items_skipped, error_count, metadata`

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*model.JobExecutionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgExecutionColumns+` FROM job_history WHERE id = $1`, id)
	r, err := scanPgExecution(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get execution %s", id)
	}
	return r, nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]model.JobExecutionRecord, error) {
	query := `SELECT ` + pgExecutionColumns + ` FROM job_history WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.JobName != "" {
		query += ` AND job_name = ` + arg(filter.JobName)
	}
	if filter.Stage != "" {
		query += ` AND stage = ` + arg(string(filter.Stage))
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list executions")
	}
	defer rows.Close()

	var records []model.JobExecutionRecord
	for rows.Next() {
		r, err := scanPgExecution(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan execution")
		}
		records = append(records, *r)
	}
	return records, eris.Wrap(rows.Err(), "postgres: iterate executions")
}

func scanPgExecution(sc rowScanner) (*model.JobExecutionRecord, error) {
	var r model.JobExecutionRecord
	var stage, status string
	var errMsg *string
	var metadata []byte
	if err := sc.Scan(&r.ID, &r.JobName, &stage, &status, &r.Attempt, &r.StartedAt, &r.EndedAt, &errMsg,
		&r.ItemsProcessed, &r.ItemsCreated, &r.ItemsUpdated, &r.ItemsSkipped, &r.ErrorCount, &metadata); err != nil {
		return nil, err
	}
	r.Stage = model.Stage(stage)
	r.Status = model.ExecutionStatus(status)
	r.Error = deref(errMsg)
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &r.Metadata)
	}
	return &r, nil
}

// --- alerts ---

func (s *PostgresStore) CreateAlert(ctx context.Context, alert model.Alert) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO alerts (id, job_name, stage, message, resolved, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		alert.ID, alert.JobName, string(alert.Stage), alert.Message, alert.Resolved, alert.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert alert for %s", alert.JobName)
}

func (s *PostgresStore) ListAlerts(ctx context.Context, includeResolved bool, limit int) ([]model.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, job_name, stage, message, resolved, created_at FROM alerts`
	if !includeResolved {
		query += ` WHERE resolved = false`
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list alerts")
	}
	defer rows.Close()

	var alerts []model.Alert
	for rows.Next() {
		var a model.Alert
		var stage string
		if err := rows.Scan(&a.ID, &a.JobName, &stage, &a.Message, &a.Resolved, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan alert")
		}
		a.Stage = model.Stage(stage)
		alerts = append(alerts, a)
	}
	return alerts, eris.Wrap(rows.Err(), "postgres: iterate alerts")
}

func (s *PostgresStore) ResolveAlert(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE alerts SET resolved = true WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve alert %s", id)
	}
	return checkTag(tag, "alert", id)
}

// --- helpers ---

func textOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func checkTag(tag pgconn.CommandTag, entity, id string) error {
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: %s %s not found", entity, id)
	}
	return nil
}
