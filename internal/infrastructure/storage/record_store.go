package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"TagRelay/internal/domain"
	"TagRelay/internal/ports"
)

const deliveriesTable = "deliveries"

var deliveryColumns = []string{
	"source_direction",
	"dest_direction",
	"source_post_id",
	"source_post_url",
	"source_media",
	"status",
	"status_string",
	"trigger_tag",
	"processed_at",
	"dest_post_id",
	"dest_post_url",
	"previous_dest_post_id",
	"error_message",
}

// RecordStore persists delivery records in a SQL table.
type RecordStore struct {
	db      *sql.DB
	builder sq.StatementBuilderType
}

var _ ports.RecordStore = (*RecordStore)(nil)

// NewRecordStore wires a sql.DB; driver selects the placeholder format.
func NewRecordStore(db *sql.DB, driver string) *RecordStore {
	var format sq.PlaceholderFormat = sq.Question
	if driver == DriverPostgres {
		format = sq.Dollar
	}
	return &RecordStore{db: db, builder: sq.StatementBuilder.PlaceholderFormat(format)}
}

// InsertMany stores records in one transaction and returns their handles in input order.
func (s *RecordStore) InsertMany(ctx context.Context, records []domain.DeliveryRecord) ([]domain.Handle, error) {
	if len(records) == 0 {
		return nil, nil
	}
	if s.db == nil {
		return nil, fmt.Errorf("insert records: no database: %w", domain.ErrPersistence)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistence("begin insert", err)
	}

	handles := make([]domain.Handle, 0, len(records))
	for _, rec := range records {
		values, err := recordValues(rec)
		if err != nil {
			_ = tx.Rollback()
			return nil, persistence("encode record", err)
		}

		query, args, err := s.builder.Insert(deliveriesTable).
			Columns(deliveryColumns...).
			Values(values...).
			Suffix("RETURNING id").
			ToSql()
		if err != nil {
			_ = tx.Rollback()
			return nil, persistence("build insert", err)
		}

		var id int64
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			_ = tx.Rollback()
			return nil, persistence("insert record", err)
		}
		handles = append(handles, domain.Handle(id))
	}

	if err := tx.Commit(); err != nil {
		return nil, persistence("commit insert", err)
	}

	return handles, nil
}

// UpdateByHandle overwrites the stored record and returns the same handle.
func (s *RecordStore) UpdateByHandle(ctx context.Context, record domain.DeliveryRecord, handle domain.Handle) (domain.Handle, error) {
	if s.db == nil {
		return 0, fmt.Errorf("update record: no database: %w", domain.ErrPersistence)
	}

	values, err := recordValues(record)
	if err != nil {
		return 0, persistence("encode record", err)
	}

	update := s.builder.Update(deliveriesTable).Where(sq.Eq{"id": int64(handle)})
	for i, col := range deliveryColumns {
		update = update.Set(col, values[i])
	}

	query, args, err := update.ToSql()
	if err != nil {
		return 0, persistence("build update", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, persistence("update record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, persistence("update record", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("update record %d: not found: %w", handle, domain.ErrPersistence)
	}

	return handle, nil
}

// FindByStatus returns records with any of the statuses, oldest first.
func (s *RecordStore) FindByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.StoredRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	return s.selectRecords(ctx, sq.Eq{"status": statusStrings(statuses)})
}

// FindBySourceID returns records of one source post with any of the statuses.
func (s *RecordStore) FindBySourceID(ctx context.Context, direction, sourcePostID string, statuses ...domain.Status) ([]domain.StoredRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	return s.selectRecords(ctx, sq.Eq{
		"source_direction": direction,
		"source_post_id":   sourcePostID,
		"status":           statusStrings(statuses),
	})
}

// All returns every record, oldest first.
func (s *RecordStore) All(ctx context.Context) ([]domain.StoredRecord, error) {
	return s.selectRecords(ctx, nil)
}

// RemoveByHandles deletes the given records.
func (s *RecordStore) RemoveByHandles(ctx context.Context, handles []domain.Handle) error {
	if len(handles) == 0 {
		return nil
	}
	if s.db == nil {
		return fmt.Errorf("remove records: no database: %w", domain.ErrPersistence)
	}

	ids := make([]int64, len(handles))
	for i, h := range handles {
		ids[i] = int64(h)
	}

	query, args, err := s.builder.Delete(deliveriesTable).Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return persistence("build delete", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return persistence("delete records", err)
	}

	return nil
}

func (s *RecordStore) selectRecords(ctx context.Context, where sq.Sqlizer) ([]domain.StoredRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("query records: no database: %w", domain.ErrPersistence)
	}

	sel := s.builder.Select(append([]string{"id"}, deliveryColumns...)...).
		From(deliveriesTable).
		OrderBy("id ASC")
	if where != nil {
		sel = sel.Where(where)
	}

	query, args, err := sel.ToSql()
	if err != nil {
		return nil, persistence("build select", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence("query records", err)
	}

	var result []domain.StoredRecord
	for rows.Next() {
		stored, err := scanRecord(rows)
		if err != nil {
			_ = rows.Close()
			return nil, persistence("scan record", err)
		}
		result = append(result, stored)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		_ = rows.Close()
		return nil, persistence("rows iteration", rowsErr)
	}
	if closeErr := rows.Close(); closeErr != nil {
		return nil, persistence("close rows", closeErr)
	}

	return result, nil
}

func scanRecord(rows *sql.Rows) (domain.StoredRecord, error) {
	var (
		id          int64
		rec         domain.DeliveryRecord
		status      string
		media       string
		parts       string
		processedAt string
	)
	err := rows.Scan(
		&id,
		&rec.SourceDirection,
		&rec.DestDirection,
		&rec.SourcePostID,
		&rec.SourcePostURL,
		&media,
		&status,
		&parts,
		&rec.TriggerTag,
		&processedAt,
		&rec.DestPostID,
		&rec.DestPostURL,
		&rec.PreviousDestPostID,
		&rec.ErrorMessage,
	)
	if err != nil {
		return domain.StoredRecord{}, err
	}

	rec.Status = domain.Status(status)
	if rec.SourceMedia, err = decodeMedia(media); err != nil {
		return domain.StoredRecord{}, err
	}
	if rec.Parts, err = DecodeParts(parts); err != nil {
		return domain.StoredRecord{}, err
	}
	if processedAt != "" {
		if rec.ProcessedAt, err = time.Parse(time.RFC3339Nano, processedAt); err != nil {
			return domain.StoredRecord{}, fmt.Errorf("processed_at: %w", err)
		}
	}

	return domain.StoredRecord{Handle: domain.Handle(id), Record: rec}, nil
}

func recordValues(rec domain.DeliveryRecord) ([]any, error) {
	media, err := encodeMedia(rec.SourceMedia)
	if err != nil {
		return nil, err
	}
	parts, err := EncodeParts(rec.Parts)
	if err != nil {
		return nil, err
	}

	var processedAt string
	if !rec.ProcessedAt.IsZero() {
		processedAt = rec.ProcessedAt.UTC().Format(time.RFC3339Nano)
	}

	return []any{
		rec.SourceDirection,
		rec.DestDirection,
		rec.SourcePostID,
		rec.SourcePostURL,
		media,
		string(rec.Status),
		parts,
		rec.TriggerTag,
		processedAt,
		rec.DestPostID,
		rec.DestPostURL,
		rec.PreviousDestPostID,
		rec.ErrorMessage,
	}, nil
}

// EncodeParts stores a single message as a JSON string and a thread as a JSON array.
func EncodeParts(parts []string) (string, error) {
	var (
		raw []byte
		err error
	)
	if len(parts) == 1 {
		raw, err = json.Marshal(parts[0])
	} else {
		if parts == nil {
			parts = []string{}
		}
		raw, err = json.Marshal(parts)
	}
	if err != nil {
		return "", fmt.Errorf("encode status string: %w", err)
	}
	return string(raw), nil
}

// DecodeParts accepts either encoding produced by EncodeParts.
func DecodeParts(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return list, nil
	}
	var single string
	if err := json.Unmarshal([]byte(raw), &single); err != nil {
		return nil, fmt.Errorf("decode status string: %w", err)
	}
	return []string{single}, nil
}

func encodeMedia(media []domain.MediaRef) (string, error) {
	if media == nil {
		media = []domain.MediaRef{}
	}
	raw, err := json.Marshal(media)
	if err != nil {
		return "", fmt.Errorf("encode media: %w", err)
	}
	return string(raw), nil
}

func decodeMedia(raw string) ([]domain.MediaRef, error) {
	if raw == "" {
		return nil, nil
	}
	var media []domain.MediaRef
	if err := json.Unmarshal([]byte(raw), &media); err != nil {
		return nil, fmt.Errorf("decode media: %w", err)
	}
	if len(media) == 0 {
		return nil, nil
	}
	return media, nil
}

func statusStrings(statuses []domain.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func persistence(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrPersistence, err)
}
