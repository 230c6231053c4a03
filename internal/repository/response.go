package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bloodconnect/internal/logger"
	"github.com/bloodconnect/internal/model"
	"github.com/bloodconnect/internal/store"
)

type ResponseRepository struct {
	pool *pgxpool.Pool
}

func NewResponseRepository(pool *pgxpool.Pool) *ResponseRepository {
	return &ResponseRepository{pool: pool}
}

var _ store.ResponseStore = (*ResponseRepository)(nil)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *ResponseRepository) CreateResponse(ctx context.Context, resp *model.DonorResponse) error {
	defer logger.DeferLogDuration("responseRepo.CreateResponse", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO donor_responses (id, request_id, donor_id, status, responded_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		resp.ID, resp.RequestID, resp.DonorID, resp.Status, resp.RespondedAt,
	)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("responseRepo.CreateResponse: %w", err)
	}
	return nil
}

func (r *ResponseRepository) GetByRequestDonor(ctx context.Context, requestID, donorID string) (*model.DonorResponse, error) {
	defer logger.DeferLogDuration("responseRepo.GetByRequestDonor", time.Now())()
	resp := &model.DonorResponse{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, request_id, donor_id, status, responded_at
		 FROM donor_responses WHERE request_id = $1 AND donor_id = $2`,
		requestID, donorID,
	).Scan(&resp.ID, &resp.RequestID, &resp.DonorID, &resp.Status, &resp.RespondedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("responseRepo.GetByRequestDonor: %w", err)
	}
	return resp, nil
}

func (r *ResponseRepository) ListByRequest(ctx context.Context, requestID string) ([]model.DonorResponse, error) {
	defer logger.DeferLogDuration("responseRepo.ListByRequest", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, request_id, donor_id, status, responded_at
		 FROM donor_responses WHERE request_id = $1
		 ORDER BY responded_at, id`, requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("responseRepo.ListByRequest query: %w", err)
	}
	defer rows.Close()

	out := make([]model.DonorResponse, 0, 8)
	for rows.Next() {
		var resp model.DonorResponse
		if err := rows.Scan(&resp.ID, &resp.RequestID, &resp.DonorID, &resp.Status, &resp.RespondedAt); err != nil {
			return nil, fmt.Errorf("responseRepo.ListByRequest scan: %w", err)
		}
		out = append(out, resp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("responseRepo.ListByRequest rows: %w", err)
	}
	return out, nil
}

func (r *ResponseRepository) UpdateStatus(ctx context.Context, id string, status model.ResponseStatus, at time.Time) error {
	defer logger.DeferLogDuration("responseRepo.UpdateStatus", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE donor_responses SET status = $2, responded_at = $3 WHERE id = $1`,
		id, status, at,
	)
	if err != nil {
		return fmt.Errorf("responseRepo.UpdateStatus: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *ResponseRepository) DeleteResponse(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("responseRepo.DeleteResponse", time.Now())()
	tag, err := r.pool.Exec(ctx, `DELETE FROM donor_responses WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("responseRepo.DeleteResponse: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Accept commits the response flip and the unit-count increment in one
// transaction. The request row is locked FOR UPDATE so the exhaustion check
// and the increment are a single atomic step; readers outside the transaction
// observe either the pre- or post-accept snapshot.
func (r *ResponseRepository) Accept(ctx context.Context, requestID, responseID string, at time.Time) (*model.BloodRequest, *model.DonorResponse, error) {
	defer logger.DeferLogDuration("responseRepo.Accept", time.Now())()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("responseRepo.Accept begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var status model.RequestStatus
	var unitsReceived, unitsRequired int
	err = tx.QueryRow(ctx,
		`SELECT status, units_received, units_required
		 FROM blood_requests WHERE id = $1 FOR UPDATE`, requestID,
	).Scan(&status, &unitsReceived, &unitsRequired)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, store.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("responseRepo.Accept lock: %w", err)
	}
	if status == model.RequestCancelled || status == model.RequestExpired {
		return nil, nil, store.ErrInvalidState
	}
	if unitsReceived+1 > unitsRequired {
		return nil, nil, store.ErrInvariant
	}

	resp := &model.DonorResponse{}
	err = tx.QueryRow(ctx,
		`UPDATE donor_responses SET status = 'accepted', responded_at = $3
		 WHERE id = $1 AND request_id = $2
		 RETURNING id, request_id, donor_id, status, responded_at`,
		responseID, requestID, at,
	).Scan(&resp.ID, &resp.RequestID, &resp.DonorID, &resp.Status, &resp.RespondedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, store.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("responseRepo.Accept flip: %w", err)
	}

	req, err := scanRequest(tx.QueryRow(ctx,
		`UPDATE blood_requests
		 SET units_received = units_received + 1,
		     status = CASE WHEN units_received + 1 >= units_required THEN 'fulfilled'
		                   ELSE 'partially_fulfilled' END,
		     updated_at = $2
		 WHERE id = $1
		 RETURNING `+requestColumns, requestID, at))
	if err != nil {
		return nil, nil, fmt.Errorf("responseRepo.Accept increment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("responseRepo.Accept commit: %w", err)
	}
	return req, resp, nil
}
