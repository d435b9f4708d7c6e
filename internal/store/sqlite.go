package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/civicnorth/tracker-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS raw_documents (
	id           TEXT PRIMARY KEY,
	source       TEXT NOT NULL,
	natural_key  TEXT NOT NULL,
	title        TEXT NOT NULL,
	body         TEXT NOT NULL,
	url          TEXT,
	session      TEXT NOT NULL,
	published_at DATETIME NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	error        TEXT,
	ingested_at  DATETIME NOT NULL,
	UNIQUE (source, natural_key)
);

CREATE TABLE IF NOT EXISTS evidence_items (
	id            TEXT PRIMARY KEY,
	source_type   TEXT NOT NULL,
	source_key    TEXT,
	title         TEXT NOT NULL,
	description   TEXT,
	published_at  DATETIME NOT NULL,
	departments   TEXT,
	key_concepts  TEXT,
	session       TEXT NOT NULL,
	linking_status TEXT NOT NULL DEFAULT 'pending',
	promise_ids   TEXT,
	error_message TEXT,
	created_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS promises (
	id             TEXT PRIMARY KEY,
	text           TEXT NOT NULL,
	description    TEXT,
	background     TEXT,
	department     TEXT NOT NULL,
	policy_tags    TEXT,
	session        TEXT NOT NULL,
	progress_score INTEGER,
	last_scored_at DATETIME,
	evidence_ids   TEXT,
	created_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS links (
	id            TEXT PRIMARY KEY,
	promise_id    TEXT NOT NULL REFERENCES promises(id),
	evidence_id   TEXT NOT NULL REFERENCES evidence_items(id),
	confidence    REAL NOT NULL,
	category      TEXT NOT NULL,
	match_reasons TEXT,
	created_by    TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'active',
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS job_history (
	id              TEXT PRIMARY KEY,
	job_name        TEXT NOT NULL,
	stage           TEXT NOT NULL,
	status          TEXT NOT NULL,
	attempt         INTEGER NOT NULL,
	started_at      DATETIME NOT NULL,
	ended_at        DATETIME NOT NULL,
	error           TEXT,
	items_processed INTEGER NOT NULL DEFAULT 0,
	items_created   INTEGER NOT NULL DEFAULT 0,
	items_updated   INTEGER NOT NULL DEFAULT 0,
	items_skipped   INTEGER NOT NULL DEFAULT 0,
	error_count     INTEGER NOT NULL DEFAULT 0,
	metadata        TEXT
);

CREATE TABLE IF NOT EXISTS alerts (
	id         TEXT PRIMARY KEY,
	job_name   TEXT NOT NULL,
	stage      TEXT NOT NULL,
	message    TEXT NOT NULL,
	resolved   INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
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

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// marshalJSON encodes a slice or map column, mapping empty to NULL.
func marshalJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal json column")
	}
	str := string(b)
	if str == "null" || str == "[]" || str == "{}" {
		return nil, nil
	}
	return str, nil
}

func unmarshalStrings(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil
	}
	return out
}

// --- raw documents ---

func (s *SQLiteStore) UpsertRawDocument(ctx context.Context, doc model.RawDocument) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO raw_documents (id, source, natural_key, title, body, url, session, published_at, status, ingested_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source, natural_key) DO NOTHING`,
		doc.ID, doc.Source, doc.NaturalKey, doc.Title, doc.Body, doc.URL,
		doc.Session, doc.PublishedAt.UTC(), string(model.ProcessingPending), doc.IngestedAt.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: upsert raw document %s/%s", doc.Source, doc.NaturalKey)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ClaimRawDocuments(ctx context.Context, limit int) ([]model.RawDocument, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, natural_key, title, body, url, session, published_at, status, error, ingested_at
		 FROM raw_documents WHERE status = ? ORDER BY published_at LIMIT ?`,
		string(model.ProcessingPending), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending documents")
	}
	defer rows.Close()

	var candidates []model.RawDocument
	for rows.Next() {
		d, err := scanRawDocument(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate pending documents")
	}

	// Conditional per-row claim so a concurrent run never double-processes.
	var claimed []model.RawDocument
	for _, d := range candidates {
		res, err := s.db.ExecContext(ctx,
			`UPDATE raw_documents SET status = ? WHERE id = ? AND status = ?`,
			string(model.ProcessingInProgress), d.ID, string(model.ProcessingPending),
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: claim document %s", d.ID)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			d.Status = model.ProcessingInProgress
			claimed = append(claimed, d)
		}
	}
	return claimed, nil
}

func (s *SQLiteStore) CompleteRawDocument(ctx context.Context, id string, status model.ProcessingStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE raw_documents SET status = ?, error = ? WHERE id = ?`,
		string(status), nullable(errMsg), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete document %s", id)
	}
	return checkRowsAffected(res, "raw document", id)
}

func scanRawDocument(rows *sql.Rows) (*model.RawDocument, error) {
	var d model.RawDocument
	var url, errMsg sql.NullString
	var status string
	if err := rows.Scan(&d.ID, &d.Source, &d.NaturalKey, &d.Title, &d.Body, &url,
		&d.Session, &d.PublishedAt, &status, &errMsg, &d.IngestedAt); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan raw document")
	}
	d.URL = url.String
	d.Error = errMsg.String
	d.Status = model.ProcessingStatus(status)
	return &d, nil
}

// --- evidence items ---

func (s *SQLiteStore) CreateEvidence(ctx context.Context, item model.EvidenceItem) error {
	departments, err := marshalJSON(item.Departments)
	if err != nil {
		return err
	}
	promiseIDs, err := marshalJSON(item.PromiseIDs)
	if err != nil {
		return err
	}
	status := item.LinkingStatus
	if status == "" {
		status = model.LinkingPending
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO evidence_items (id, source_type, source_key, title, description, published_at,
		   departments, key_concepts, session, linking_status, promise_ids, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, string(item.SourceType), nullable(item.SourceKey), item.Title, nullable(item.Description),
		item.PublishedAt.UTC(), departments, nullable(item.KeyConcepts), item.Session,
		string(status), promiseIDs, nullable(item.ErrorMessage), item.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert evidence %s", item.ID)
}

const evidenceColumns = `id, source_type, source_key, title, description, published_at,
	departments, key_concepts, session, linking_status, promise_ids, error_message, created_at`

func (s *SQLiteStore) GetEvidence(ctx context.Context, id string) (*model.EvidenceItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+evidenceColumns+` FROM evidence_items WHERE id = ?`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get evidence %s", id)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, eris.Errorf("sqlite: evidence %s not found", id)
	}
	return scanEvidence(rows)
}

func (s *SQLiteStore) ListLinkableEvidence(ctx context.Context, limit int) ([]model.EvidenceItem, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+evidenceColumns+` FROM evidence_items
		 WHERE linking_status IN (?, ?) ORDER BY published_at LIMIT ?`,
		string(model.LinkingPending), string(model.LinkingNeedsRelinking), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list linkable evidence")
	}
	defer rows.Close()

	var items []model.EvidenceItem
	for rows.Next() {
		e, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *e)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: iterate linkable evidence")
}

func (s *SQLiteStore) ClaimEvidence(ctx context.Context, id string, from, to model.LinkingStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE evidence_items SET linking_status = ? WHERE id = ? AND linking_status = ?`,
		string(to), id, string(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim evidence %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) FinishEvidence(ctx context.Context, id string, status model.LinkingStatus, promiseIDs []string, errMsg string) error {
	ids, err := marshalJSON(promiseIDs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE evidence_items SET linking_status = ?, promise_ids = ?, error_message = ? WHERE id = ?`,
		string(status), ids, nullable(errMsg), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish evidence %s", id)
	}
	return checkRowsAffected(res, "evidence", id)
}

func (s *SQLiteStore) ResetErroredEvidence(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE evidence_items SET linking_status = ?, error_message = NULL WHERE linking_status = ?`,
		string(model.LinkingNeedsRelinking), string(model.LinkingError),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reset errored evidence")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) FindLinkedSibling(ctx context.Context, sourceKey, excludeID string) (*model.EvidenceItem, error) {
	if sourceKey == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+evidenceColumns+` FROM evidence_items
		 WHERE source_key = ? AND id != ? AND linking_status = ?
		 ORDER BY published_at LIMIT 1`,
		sourceKey, excludeID, string(model.LinkingLinked),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find linked sibling for %s", sourceKey)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, nil
	}
	return scanEvidence(rows)
}

func scanEvidence(rows *sql.Rows) (*model.EvidenceItem, error) {
	var e model.EvidenceItem
	var sourceType, status string
	var sourceKey, description, departments, keyConcepts, promiseIDs, errMsg sql.NullString
	if err := rows.Scan(&e.ID, &sourceType, &sourceKey, &e.Title, &description, &e.PublishedAt,
		&departments, &keyConcepts, &e.Session, &status, &promiseIDs, &errMsg, &e.CreatedAt); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan evidence")
	}
	e.SourceType = model.SourceType(sourceType)
	e.SourceKey = sourceKey.String
	e.Description = description.String
	e.Departments = unmarshalStrings(departments)
	e.KeyConcepts = keyConcepts.String
	e.LinkingStatus = model.LinkingStatus(status)
	e.PromiseIDs = unmarshalStrings(promiseIDs)
	e.ErrorMessage = errMsg.String
	return &e, nil
}

// --- promises ---

func (s *SQLiteStore) CreatePromise(ctx context.Context, p model.Promise) error {
	tags, err := marshalJSON(p.PolicyTags)
	if err != nil {
		return err
	}
	evidenceIDs, err := marshalJSON(p.EvidenceIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO promises (id, text, description, background, department, policy_tags, session,
		   progress_score, last_scored_at, evidence_ids, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Text, nullable(p.Description), nullable(p.Background), p.Department, tags, p.Session,
		p.ProgressScore, p.LastScoredAt, evidenceIDs, p.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert promise %s", p.ID)
}

const promiseColumns = `id, text, description, background, department, policy_tags, session,
	progress_score, last_scored_at, evidence_ids, created_at`

func (s *SQLiteStore) GetPromise(ctx context.Context, id string) (*model.Promise, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+promiseColumns+` FROM promises WHERE id = ?`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get promise %s", id)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, eris.Errorf("sqlite: promise %s not found", id)
	}
	return scanPromise(rows)
}

func (s *SQLiteStore) GetPromises(ctx context.Context, ids []string) ([]model.Promise, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+promiseColumns+` FROM promises WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get promises")
	}
	defer rows.Close()

	var promises []model.Promise
	for rows.Next() {
		p, err := scanPromise(rows)
		if err != nil {
			return nil, err
		}
		promises = append(promises, *p)
	}
	return promises, eris.Wrap(rows.Err(), "sqlite: iterate promises")
}

func (s *SQLiteStore) ListPromisesBySession(ctx context.Context, session string) ([]model.Promise, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+promiseColumns+` FROM promises WHERE session = ? ORDER BY created_at`, session)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list promises for session %s", session)
	}
	defer rows.Close()

	var promises []model.Promise
	for rows.Next() {
		p, err := scanPromise(rows)
		if err != nil {
			return nil, err
		}
		promises = append(promises, *p)
	}
	return promises, eris.Wrap(rows.Err(), "sqlite: iterate session promises")
}

func (s *SQLiteStore) UpdatePromiseScore(ctx context.Context, id string, score int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE promises SET progress_score = ?, last_scored_at = ? WHERE id = ?`,
		score, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update promise score %s", id)
	}
	return checkRowsAffected(res, "promise", id)
}

func (s *SQLiteStore) AppendPromiseEvidence(ctx context.Context, promiseID, evidenceID string) error {
	// json_insert appends only when the value is absent, keeping the
	// denormalized list idempotent across linker re-runs.
	res, err := s.db.ExecContext(ctx,
		`UPDATE promises
		 SET evidence_ids = CASE
		   WHEN evidence_ids IS NULL THEN json_array(?)
		   WHEN NOT EXISTS (SELECT 1 FROM json_each(evidence_ids) WHERE value = ?) THEN json_insert(evidence_ids, '$[#]', ?)
		   ELSE evidence_ids
		 END
		 WHERE id = ?`,
		evidenceID, evidenceID, evidenceID, promiseID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: append evidence to promise %s", promiseID)
	}
	return checkRowsAffected(res, "promise", promiseID)
}

func scanPromise(rows *sql.Rows) (*model.Promise, error) {
	var p model.Promise
	var description, background, tags, evidenceIDs sql.NullString
	var score sql.NullInt64
	var lastScored sql.NullTime
	if err := rows.Scan(&p.ID, &p.Text, &description, &background, &p.Department, &tags, &p.Session,
		&score, &lastScored, &evidenceIDs, &p.CreatedAt); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan promise")
	}
	p.Description = description.String
	p.Background = background.String
	p.PolicyTags = unmarshalStrings(tags)
	p.EvidenceIDs = unmarshalStrings(evidenceIDs)
	if score.Valid {
		v := int(score.Int64)
		p.ProgressScore = &v
	}
	if lastScored.Valid {
		t := lastScored.Time
		p.LastScoredAt = &t
	}
	return &p, nil
}

// --- links ---

const linkColumns = `id, promise_id, evidence_id, confidence, category, match_reasons,
	created_by, status, created_at, updated_at`

func (s *SQLiteStore) GetActiveLink(ctx context.Context, promiseID, evidenceID string) (*model.Link, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+linkColumns+` FROM links WHERE promise_id = ? AND evidence_id = ? AND status = ?`,
		promiseID, evidenceID, string(model.LinkActive),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get active link")
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, nil
	}
	return scanLink(rows)
}

func (s *SQLiteStore) ListActiveLinksByEvidence(ctx context.Context, evidenceID string) ([]model.Link, error) {
	return s.listLinks(ctx, `evidence_id = ?`, evidenceID)
}

func (s *SQLiteStore) ListActiveLinksByPromise(ctx context.Context, promiseID string) ([]model.Link, error) {
	return s.listLinks(ctx, `promise_id = ?`, promiseID)
}

func (s *SQLiteStore) listLinks(ctx context.Context, where string, arg any) ([]model.Link, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+linkColumns+` FROM links WHERE `+where+` AND status = ? ORDER BY created_at`,
		arg, string(model.LinkActive),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list links")
	}
	defer rows.Close()

	var links []model.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, *l)
	}
	return links, eris.Wrap(rows.Err(), "sqlite: iterate links")
}

func (s *SQLiteStore) CreateLink(ctx context.Context, link model.Link) error {
	reasons, err := marshalJSON(link.MatchReasons)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO links (id, promise_id, evidence_id, confidence, category, match_reasons,
		   created_by, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		link.ID, link.PromiseID, link.EvidenceID, link.Confidence, string(link.Category), reasons,
		link.CreatedBy, string(link.Status), link.CreatedAt.UTC(), link.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert link %s", link.ID)
}

func (s *SQLiteStore) UpdateLinkConfidence(ctx context.Context, id string, confidence float64, reasons []string) error {
	r, err := marshalJSON(reasons)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE links SET confidence = ?, match_reasons = ?, updated_at = ? WHERE id = ?`,
		confidence, r, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update link %s", id)
	}
	return checkRowsAffected(res, "link", id)
}

func (s *SQLiteStore) SupersedeLink(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE links SET status = ?, updated_at = ? WHERE id = ?`,
		string(model.LinkSuperseded), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: supersede link %s", id)
	}
	return checkRowsAffected(res, "link", id)
}

func scanLink(rows *sql.Rows) (*model.Link, error) {
	var l model.Link
	var category, status string
	var reasons sql.NullString
	if err := rows.Scan(&l.ID, &l.PromiseID, &l.EvidenceID, &l.Confidence, &category, &reasons,
		&l.CreatedBy, &status, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan link")
	}
	l.Category = model.LinkCategory(category)
	l.MatchReasons = unmarshalStrings(reasons)
	l.Status = model.LinkStatus(status)
	return &l, nil
}

// --- job execution history ---

func (s *SQLiteStore) AppendExecution(ctx context.Context, rec model.JobExecutionRecord) error {
	metadata, err := marshalJSON(rec.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO job_history (id, job_name, stage, status, attempt, started_at, ended_at, error,
		   items_processed, items_created, items_updated, items_skipped, error_count, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.JobName, string(rec.Stage), string(rec.Status), rec.Attempt,
		rec.StartedAt.UTC(), rec.EndedAt.UTC(), nullable(rec.Error),
		rec.ItemsProcessed, rec.ItemsCreated, rec.ItemsUpdated, rec.ItemsSkipped, rec.ErrorCount, metadata,
	)
	return eris.Wrapf(err, "sqlite: insert execution record for %s", rec.JobName)
}

const executionColumns = `id, job_name, stage, status, attempt, started_at, ended_at, error,
	items_processed, items_created, items_updated, items_skipped, error_count, metadata`

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.JobExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM job_history WHERE id = ?`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get execution %s", id)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, eris.Errorf("sqlite: execution %s not found", id)
	}
	return scanExecution(rows)
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]model.JobExecutionRecord, error) {
	query := `SELECT ` + executionColumns + ` FROM job_history WHERE 1=1`
	var args []any

	if filter.JobName != "" {
		query += ` AND job_name = ?`
		args = append(args, filter.JobName)
	}
	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(filter.Stage))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list executions")
	}
	defer rows.Close()

	var records []model.JobExecutionRecord
	for rows.Next() {
		r, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: iterate executions")
}

func scanExecution(rows *sql.Rows) (*model.JobExecutionRecord, error) {
	var r model.JobExecutionRecord
	var stage, status string
	var errMsg, metadata sql.NullString
	if err := rows.Scan(&r.ID, &r.JobName, &stage, &status, &r.Attempt, &r.StartedAt, &r.EndedAt, &errMsg,
		&r.ItemsProcessed, &r.ItemsCreated, &r.ItemsUpdated, &r.ItemsSkipped, &r.ErrorCount, &metadata); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan execution")
	}
	r.Stage = model.Stage(stage)
	r.Status = model.ExecutionStatus(status)
	r.Error = errMsg.String
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &r.Metadata)
	}
	return &r, nil
}

// --- alerts ---

func (s *SQLiteStore) CreateAlert(ctx context.Context, alert model.Alert) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, job_name, stage, message, resolved, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.JobName, string(alert.Stage), alert.Message, alert.Resolved, alert.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert alert for %s", alert.JobName)
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, includeResolved bool, limit int) ([]model.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, job_name, stage, message, resolved, created_at FROM alerts`
	var args []any
	if !includeResolved {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list alerts")
	}
	defer rows.Close()

	var alerts []model.Alert
	for rows.Next() {
		var a model.Alert
		var stage string
		if err := rows.Scan(&a.ID, &a.JobName, &stage, &a.Message, &a.Resolved, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan alert")
		}
		a.Stage = model.Stage(stage)
		alerts = append(alerts, a)
	}
	return alerts, eris.Wrap(rows.Err(), "sqlite: iterate alerts")
}

func (s *SQLiteStore) ResolveAlert(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve alert %s", id)
	}
	return checkRowsAffected(res, "alert", id)
}

// --- helpers ---

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("sqlite: %s %s not found", entity, id)
	}
	return nil
}
