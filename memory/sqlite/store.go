// Package sqlite implements the durable store adapter. It is the single
// source of truth for record existence: a record absent here is deleted,
// whatever stale copies linger in the vector index or cache.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"

	"github.com/mnemod/mnemod/memory"
)

// AdapterName identifies this adapter in the registry and in health logs.
const AdapterName = "sqlite-durable"

// Store persists memory records in SQLite.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// New creates a durable store over an open database. The caller owns the
// *sql.DB lifecycle and is expected to have run migrations.
func New(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "sqlite_store").Logger(),
	}
}

func (s *Store) Name() string      { return AdapterName }
func (s *Store) Kind() memory.Kind { return memory.KindDurable }

func (s *Store) Capabilities() []memory.Capability {
	return []memory.Capability{memory.CapPut, memory.CapGet, memory.CapDelete, memory.CapScan}
}

// StatementBuilder returns a Squirrel StatementBuilder configured for SQLite.
// SQLite uses '?' as placeholders, which is Squirrel's default.
func StatementBuilder() sq.StatementBuilderType {
	return sq.StatementBuilder
}

func selectColumns() []string {
	return []string{
		"id", "content", "embedding", "category", "importance",
		"tags_json", "owner", "origin_backend", "created_at",
	}
}

// Put inserts a record. Records are immutable once written; the coordinator
// implements updates as delete+create.
func (s *Store) Put(ctx context.Context, rec *memory.MemoryRecord) error {
	if rec == nil || rec.ID == "" {
		return errors.New("record has no id")
	}

	var tagsJSON []byte
	if rec.Meta.Tags != nil {
		var err error
		tagsJSON, err = json.Marshal(rec.Meta.Tags)
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
	}

	query := StatementBuilder().
		Insert("memory_records").
		Columns("id", "content", "embedding", "category", "importance",
			"tags_json", "owner", "origin_backend", "created_at").
		Values(rec.ID, rec.Content, memory.EncodeEmbedding(rec.Embedding),
			rec.Meta.Category, rec.Meta.Importance, tagsJSON, rec.Meta.Owner,
			rec.OriginBackend, rec.CreatedAt.UnixNano())

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build insert query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		s.logger.Error().
			Str("record_id", rec.ID).
			Err(err).
			Msg("Failed to insert memory record")
		return fmt.Errorf("insert memory_record: %w", err)
	}

	s.logger.Debug().
		Str("record_id", rec.ID).
		Bool("degraded", rec.Degraded()).
		Msg("Record persisted")
	return nil
}

// Get loads a record by id, returning a record_not_found error when absent.
func (s *Store) Get(ctx context.Context, id string) (*memory.MemoryRecord, error) {
	query := StatementBuilder().
		Select(selectColumns()...).
		From("memory_records").
		Where(sq.Eq{"id": id})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("select memory_record: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, memory.NewBackendError(memory.CodeRecordNotFound, AdapterName, "record not found", nil)
	}
	rec, err := loadRecordFromRow(rows)
	if err != nil {
		return nil, err
	}
	return rec, rows.Err()
}

// Delete removes a record, returning record_not_found when the id was absent.
func (s *Store) Delete(ctx context.Context, id string) error {
	query := StatementBuilder().
		Delete("memory_records").
		Where(sq.Eq{"id": id})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return fmt.Errorf("delete memory_record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return memory.NewBackendError(memory.CodeRecordNotFound, AdapterName, "record not found", nil)
	}
	s.logger.Debug().Str("record_id", id).Msg("Record deleted")
	return nil
}

// Scan loads records matching the metadata filters, most recent first. It
// serves metadata-only queries and the similarity-search fallback path.
// Tag containment can't be pushed into SQL against the JSON column, so pages
// are fetched by keyset on (created_at, id) until limit matches are collected
// or the table is exhausted; rows failing the tag predicate never consume
// limit slots.
func (s *Store) Scan(ctx context.Context, filters memory.Filters, limit int) ([]*memory.MemoryRecord, error) {
	if limit <= 0 {
		limit = 500
	}

	where := buildFilterWhere(filters)
	var (
		records []*memory.MemoryRecord
		cursor  *scanCursor
	)
	for len(records) < limit {
		matched, seen, last, err := s.scanPage(ctx, where, filters, limit, cursor)
		if err != nil {
			return nil, err
		}
		for _, rec := range matched {
			records = append(records, rec)
			if len(records) == limit {
				break
			}
		}
		if seen < limit {
			break
		}
		cursor = &last
	}

	s.logger.Debug().
		Int("matched", len(records)).
		Interface("filters", filters).
		Msg("Scan completed")
	return records, nil
}

// scanCursor is the keyset position after the last row seen, matching the
// scan ordering (created_at DESC, id DESC).
type scanCursor struct {
	createdAt int64
	id        string
}

func (s *Store) scanPage(ctx context.Context, where sq.Sqlizer, filters memory.Filters, pageSize int, cursor *scanCursor) ([]*memory.MemoryRecord, int, scanCursor, error) {
	query := StatementBuilder().
		Select(selectColumns()...).
		From("memory_records").
		Where(where).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(pageSize))
	if cursor != nil {
		query = query.Where(sq.Or{
			sq.Lt{"created_at": cursor.createdAt},
			sq.And{sq.Eq{"created_at": cursor.createdAt}, sq.Lt{"id": cursor.id}},
		})
	}

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, 0, scanCursor{}, fmt.Errorf("build scan query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, 0, scanCursor{}, fmt.Errorf("scan memory_records: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var (
		matched []*memory.MemoryRecord
		seen    int
		last    scanCursor
	)
	for rows.Next() {
		rec, err := loadRecordFromRow(rows)
		if err != nil {
			return nil, 0, scanCursor{}, err
		}
		seen++
		last = scanCursor{createdAt: rec.CreatedAt.UnixNano(), id: rec.ID}
		if !memory.MatchFilters(rec.Meta, filters) {
			continue
		}
		matched = append(matched, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, scanCursor{}, err
	}
	return matched, seen, last, nil
}

// Ping verifies database connectivity; used by the registry probe loop.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op: the *sql.DB is owned by the caller.
func (s *Store) Close() error { return nil }

// buildFilterWhere pushes the indexed metadata filters into SQL. Tag
// containment is checked in Go after loading.
func buildFilterWhere(filters memory.Filters) sq.Sqlizer {
	var conditions []sq.Sqlizer

	for key, accepted := range filters {
		if len(accepted) == 0 {
			continue
		}
		switch key {
		case "category":
			conditions = append(conditions, sq.Eq{"category": accepted})
		case "owner":
			conditions = append(conditions, sq.Eq{"owner": accepted})
		case "importance":
			values := make([]int, 0, len(accepted))
			for _, v := range accepted {
				n, err := strconv.Atoi(v)
				if err != nil {
					continue
				}
				values = append(values, n)
			}
			if len(values) == 0 {
				return sq.Expr("1=0")
			}
			conditions = append(conditions, sq.Eq{"importance": values})
		case "tag", "tags":
			// handled post-load
		default:
			// Unknown filter keys match nothing.
			return sq.Expr("1=0")
		}
	}

	if len(conditions) == 0 {
		return sq.Expr("1=1")
	}
	if len(conditions) == 1 {
		return conditions[0]
	}
	return sq.And(conditions)
}

func loadRecordFromRow(rows *sql.Rows) (*memory.MemoryRecord, error) {
	var (
		id            string
		content       string
		embBlob       []byte
		category      sql.NullString
		importance    int
		tagsJSON      sql.NullString
		owner         sql.NullString
		originBackend sql.NullString
		createdAt     int64
	)
	if err := rows.Scan(&id, &content, &embBlob, &category, &importance,
		&tagsJSON, &owner, &originBackend, &createdAt); err != nil {
		return nil, err
	}

	vec, err := memory.DecodeEmbedding(embBlob)
	if err != nil {
		return nil, err
	}

	var tags []string
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &tags); err != nil {
			tags = nil
		}
	}

	return &memory.MemoryRecord{
		ID:        id,
		Content:   content,
		Embedding: vec,
		Meta: memory.Metadata{
			Category:   category.String,
			Importance: importance,
			Tags:       tags,
			Owner:      owner.String,
		},
		OriginBackend: originBackend.String,
		CreatedAt:     time.Unix(0, createdAt),
	}, nil
}
