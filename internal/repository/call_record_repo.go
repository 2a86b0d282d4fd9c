package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/smartbell/call-manager/internal/models"
)

// CallRecordRepository persistance interface for call records.
type CallRecordRepository interface {
	Save(ctx context.Context, record models.CallRecord) error
	Find(ctx context.Context, id string) (models.CallRecord, error)
	FindByRoom(ctx context.Context, room string) ([]models.CallRecord, error)
}

// NewCallRecordRepository creates a new SQL CallRecordRepository.
func NewCallRecordRepository(db *sql.DB) CallRecordRepository {
	return &callRecordRepo{
		db: db,
	}
}

type callRecordRepo struct {
	db *sql.DB
}

const insertCallRecordQuery = `
	INSERT INTO call_record(
			id,
			room,
			role,
			outcome,
			started_at,
			ended_at
		)
	VALUES
		(?, ?, ?, ?, ?, ?)`

func (r *callRecordRepo) Save(ctx context.Context, record models.CallRecord) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "call_record_repo_save")
	defer span.Finish()

	_, err := r.db.ExecContext(
		ctx,
		insertCallRecordQuery,
		record.ID,
		record.Room,
		record.Role,
		record.Outcome,
		record.StartedAt,
		record.EndedAt,
	)
	if err != nil {
		err = fmt.Errorf("failed to insert row into database. %w", err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	return nil
}

const findCallRecordQuery = `
	SELECT
		id,
		room,
		role,
		outcome,
		started_at,
		ended_at
	FROM call_record
	WHERE
		id = ?`

func (r *callRecordRepo) Find(ctx context.Context, id string) (models.CallRecord, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "call_record_repo_find")
	defer span.Finish()

	var record models.CallRecord
	err := r.db.QueryRowContext(ctx, findCallRecordQuery, id).Scan(
		&record.ID,
		&record.Room,
		&record.Role,
		&record.Outcome,
		&record.StartedAt,
		&record.EndedAt,
	)
	if err != nil {
		err = fmt.Errorf("failed to query database. %w", err)
		span.LogFields(tracelog.Error(err))
		return models.CallRecord{}, err
	}

	return record, nil
}

const findCallRecordsByRoomQuery = `
	SELECT
		id,
		room,
		role,
		outcome,
		started_at,
		ended_at
	FROM call_record
	WHERE
		room = ?
	ORDER BY
		started_at`

func (r *callRecordRepo) FindByRoom(ctx context.Context, room string) ([]models.CallRecord, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "call_record_repo_find_by_room")
	defer span.Finish()

	rows, err := r.db.QueryContext(ctx, findCallRecordsByRoomQuery, room)
	if err != nil {
		err = fmt.Errorf("failed to query for call records %w", err)
		span.LogFields(tracelog.Error(err))
		return nil, err
	}
	defer rows.Close()

	records := make([]models.CallRecord, 0)
	for rows.Next() {
		var record models.CallRecord
		err := rows.Scan(
			&record.ID,
			&record.Room,
			&record.Role,
			&record.Outcome,
			&record.StartedAt,
			&record.EndedAt,
		)
		if err != nil {
			err = fmt.Errorf("failed to scan call record %w", err)
			span.LogFields(tracelog.Error(err))
			return nil, err
		}
		records = append(records, record)
	}

	return records, nil
}
