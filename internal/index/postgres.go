package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/your-org/facetag/internal/config"
	"github.com/your-org/facetag/internal/models"
)

const (
	maxEfSearch = 1000
	// Upper bound on tuples an iterative HNSW scan visits before giving up.
	maxScanTuples = 100000
)

var tableNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresIndex stores face vectors in a pgvector table named after the index.
type PostgresIndex struct {
	pool  *pgxpool.Pool
	table string
	dim   int
	// iterative is set when pgvector supports iterative HNSW scans (0.8+).
	// Without them a filtered search cannot use the HNSW index safely.
	iterative bool
}

func NewPostgresIndex(ctx context.Context, cfg config.DatabaseConfig, name string, dim int) (*PostgresIndex, error) {
	name = strings.ReplaceAll(name, "-", "_")
	if !tableNameRe.MatchString(name) {
		return nil, fmt.Errorf("invalid index name %q", name)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresIndex{pool: pool, table: name, dim: dim}, nil
}

// EnsureSchema creates the vector extension, the table and its indexes.
func (p *PostgresIndex) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %[1]s (
				id          TEXT PRIMARY KEY,
				kind        TEXT NOT NULL,
				wedding_id  TEXT NOT NULL DEFAULT '',
				guest_id    TEXT NOT NULL DEFAULT '',
				user_id     TEXT NOT NULL DEFAULT '',
				photo_id    TEXT NOT NULL DEFAULT '',
				face_index  INTEGER NOT NULL DEFAULT 0,
				embedding   vector(%[2]d) NOT NULL,
				metadata    JSONB NOT NULL,
				updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, p.table, p.dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_kind_wedding_idx ON %[1]s (kind, wedding_id)`, p.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_photo_idx ON %[1]s (photo_id)`, p.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_embedding_idx ON %[1]s USING hnsw (embedding vector_cosine_ops)`, p.table),
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}

	var version string
	if err := p.pool.QueryRow(ctx, `SELECT extversion FROM pg_extension WHERE extname = 'vector'`).Scan(&version); err != nil {
		return fmt.Errorf("read pgvector version: %w", err)
	}
	p.iterative = iterativeScanSupported(version)
	if !p.iterative {
		slog.Warn("pgvector has no iterative index scans, filtered searches will scan exactly", "version", version)
	}
	return nil
}

// iterativeScanSupported reports whether a pgvector version has
// hnsw.iterative_scan.
func iterativeScanSupported(version string) bool {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return false
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return false
	}
	return major > 0 || minor >= 8
}

func (p *PostgresIndex) Upsert(ctx context.Context, records ...models.FaceRecord) error {
	defer observeIndex("upsert", time.Now())

	query := fmt.Sprintf(`
		INSERT INTO %s (id, kind, wedding_id, guest_id, user_id, photo_id, face_index, embedding, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			wedding_id = EXCLUDED.wedding_id,
			guest_id = EXCLUDED.guest_id,
			user_id = EXCLUDED.user_id,
			photo_id = EXCLUDED.photo_id,
			face_index = EXCLUDED.face_index,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()`, p.table)

	batch := &pgx.Batch{}
	for _, r := range records {
		if len(r.Embedding) != p.dim {
			return fmt.Errorf("%w: record %s has %d, index has %d", ErrDimension, r.ID, len(r.Embedding), p.dim)
		}
		if err := r.Metadata.Validate(); err != nil {
			return err
		}
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata %s: %w", r.ID, err)
		}
		m := r.Metadata
		batch.Queue(query, r.ID, string(m.Kind), m.WeddingID, m.GuestID, m.UserID, m.PhotoID, m.FaceIndex,
			pgvector.NewVector(r.Embedding), meta)
	}
	if batch.Len() == 0 {
		return nil
	}

	br := p.pool.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("upsert %s: %w", records[i].ID, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	return nil
}

func (p *PostgresIndex) Search(ctx context.Context, embedding []float32, filter Filter, topK int, minScore float64) ([]models.Match, error) {
	defer observeIndex("search", time.Now())

	if len(embedding) != p.dim {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimension, len(embedding), p.dim)
	}
	if topK <= 0 {
		return nil, nil
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The HNSW scan stops after ef_search candidates and the filter runs on
	// those, so rows of other kinds or weddings can crowd out every match.
	// An iterative scan keeps going until LIMIT rows pass the filter. Older
	// pgvector gets an ORDER BY the index cannot serve, which forces an
	// exact scan over the filtered rows.
	order := "embedding <=> $1"
	if p.iterative {
		ef := min(max(hnswMinCandidates, topK*2), maxEfSearch)
		settings := []string{
			fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", ef),
			"SET LOCAL hnsw.iterative_scan = relaxed_order",
			fmt.Sprintf("SET LOCAL hnsw.max_scan_tuples = %d", maxScanTuples),
		}
		for _, stmt := range settings {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return nil, fmt.Errorf("configure scan: %w", err)
			}
		}
	} else {
		order = "(embedding <=> $1) + 0"
	}

	args := []any{pgvector.NewVector(embedding), minScore, topK}
	where, args := whereClause(filter, args)
	query := fmt.Sprintf(`
		SELECT id, metadata, 1 - (embedding <=> $1) AS score
		FROM %s
		WHERE 1 - (embedding <=> $1) >= $2%s
		ORDER BY %s
		LIMIT $3`, p.table, where, order)

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search faces: %w", err)
	}
	defer rows.Close()

	var matches []models.Match
	for rows.Next() {
		var (
			m    models.Match
			meta []byte
		)
		if err := rows.Scan(&m.ID, &meta, &m.Score); err != nil {
			return nil, fmt.Errorf("scan search match: %w", err)
		}
		if err := json.Unmarshal(meta, &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata %s: %w", m.ID, err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search faces: %w", err)
	}
	return rank(matches, topK), nil
}

func (p *PostgresIndex) DeleteByFilter(ctx context.Context, filter Filter) (int64, error) {
	defer observeIndex("delete", time.Now())

	if filter.IsEmpty() {
		return 0, ErrEmptyFilter
	}
	where, args := whereClause(filter, nil)
	query := fmt.Sprintf(`DELETE FROM %s WHERE TRUE%s`, p.table, where)

	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete faces: %w", err)
	}
	return tag.RowsAffected(), nil
}

// whereClause renders filter as " AND ..." conditions, numbering parameters
// after those already in args.
func whereClause(f Filter, args []any) (string, []any) {
	var sb strings.Builder
	add := func(cond string, v any) {
		args = append(args, v)
		fmt.Fprintf(&sb, " AND "+cond, len(args))
	}
	if f.Kind != "" {
		add("kind = $%d", string(f.Kind))
	}
	if len(f.WeddingIDs) > 0 {
		add("wedding_id = ANY($%d)", f.WeddingIDs)
	}
	if f.PhotoID != "" {
		add("photo_id = $%d", f.PhotoID)
	}
	if f.MinFaceIndex > 0 {
		add("face_index >= $%d", f.MinFaceIndex)
	}
	return sb.String(), args
}

func (p *PostgresIndex) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresIndex) Close() error {
	p.pool.Close()
	return nil
}
