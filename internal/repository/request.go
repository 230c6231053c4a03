package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bloodconnect/internal/logger"
	"github.com/bloodconnect/internal/model"
	"github.com/bloodconnect/internal/store"
)

const requestColumns = `id, requester_id, blood_group, units_required, units_received,
	 urgency, status, COALESCE(city,''), expires_at, created_at, updated_at`

type RequestRepository struct {
	pool *pgxpool.Pool
}

func NewRequestRepository(pool *pgxpool.Pool) *RequestRepository {
	return &RequestRepository{pool: pool}
}

var _ store.RequestStore = (*RequestRepository)(nil)

func scanRequest(row pgx.Row) (*model.BloodRequest, error) {
	r := &model.BloodRequest{}
	err := row.Scan(&r.ID, &r.RequesterID, &r.BloodGroup, &r.UnitsRequired, &r.UnitsReceived,
		&r.Urgency, &r.Status, &r.City, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RequestRepository) Create(ctx context.Context, req *model.BloodRequest) error {
	defer logger.DeferLogDuration("requestRepo.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO blood_requests (id, requester_id, blood_group, units_required, units_received,
		  urgency, status, city, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		req.ID, req.RequesterID, req.BloodGroup, req.UnitsRequired, req.UnitsReceived,
		req.Urgency, req.Status, req.City, req.ExpiresAt, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("requestRepo.Create: %w", err)
	}
	return nil
}

// Get resolves lazy expiry in the same round trip: an open request past its
// expires_at is flipped to expired before being read back.
func (r *RequestRepository) Get(ctx context.Context, id string) (*model.BloodRequest, error) {
	defer logger.DeferLogDuration("requestRepo.Get", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE blood_requests SET status = 'expired', updated_at = now()
		 WHERE id = $1 AND expires_at IS NOT NULL AND expires_at < now()
		   AND status IN ('active', 'partially_fulfilled')`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("requestRepo.Get expire: %w", err)
	}
	req, err := scanRequest(r.pool.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM blood_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("requestRepo.Get: %w", err)
	}
	return req, nil
}

func (r *RequestRepository) ListOpen(ctx context.Context, f store.RequestFilter) ([]model.BloodRequest, error) {
	defer logger.DeferLogDuration("requestRepo.ListOpen", time.Now())()
	sql := `SELECT ` + requestColumns + ` FROM blood_requests
		 WHERE status IN ('active', 'partially_fulfilled')
		   AND (expires_at IS NULL OR expires_at >= now())`
	args := []interface{}{}
	if f.BloodGroup != "" {
		args = append(args, f.BloodGroup)
		sql += fmt.Sprintf(` AND blood_group = $%d`, len(args))
	}
	if f.Urgency != "" {
		args = append(args, f.Urgency)
		sql += fmt.Sprintf(` AND urgency = $%d`, len(args))
	}
	if f.City != "" {
		args = append(args, f.City)
		sql += fmt.Sprintf(` AND city = $%d`, len(args))
	}
	sql += ` ORDER BY created_at DESC, id`

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("requestRepo.ListOpen query: %w", err)
	}
	defer rows.Close()

	out := make([]model.BloodRequest, 0, 16)
	for rows.Next() {
		var req model.BloodRequest
		if err := rows.Scan(&req.ID, &req.RequesterID, &req.BloodGroup, &req.UnitsRequired, &req.UnitsReceived,
			&req.Urgency, &req.Status, &req.City, &req.ExpiresAt, &req.CreatedAt, &req.UpdatedAt); err != nil {
			return nil, fmt.Errorf("requestRepo.ListOpen scan: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("requestRepo.ListOpen rows: %w", err)
	}
	return out, nil
}

// IncrementUnitsReceived bumps the counter and recomputes the status in one
// guarded UPDATE, so concurrent readers see either the old or the new row.
func (r *RequestRepository) IncrementUnitsReceived(ctx context.Context, id string, delta int) (*model.BloodRequest, error) {
	defer logger.DeferLogDuration("requestRepo.IncrementUnitsReceived", time.Now())()
	if delta < 0 {
		return nil, store.ErrInvariant
	}
	req, err := scanRequest(r.pool.QueryRow(ctx,
		`UPDATE blood_requests
		 SET units_received = units_received + $2,
		     status = CASE WHEN units_received + $2 >= units_required THEN 'fulfilled'
		                   ELSE 'partially_fulfilled' END,
		     updated_at = now()
		 WHERE id = $1
		   AND status IN ('active', 'partially_fulfilled')
		   AND units_received + $2 <= units_required
		 RETURNING `+requestColumns, id, delta))
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("requestRepo.IncrementUnitsReceived: %w", err)
	}
	// The guard did not match: distinguish the reason.
	return nil, r.incrementFailure(ctx, id)
}

func (r *RequestRepository) incrementFailure(ctx context.Context, id string) error {
	var status model.RequestStatus
	err := r.pool.QueryRow(ctx,
		`SELECT status FROM blood_requests WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("requestRepo.incrementFailure: %w", err)
	}
	if status == model.RequestCancelled || status == model.RequestExpired {
		return store.ErrInvalidState
	}
	return store.ErrInvariant
}

func (r *RequestRepository) Cancel(ctx context.Context, id, byUserID string) error {
	defer logger.DeferLogDuration("requestRepo.Cancel", time.Now())()
	req, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if req.RequesterID != byUserID {
		return store.ErrForbidden
	}
	if req.Status.Terminal() {
		return nil
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE blood_requests SET status = 'cancelled', updated_at = now()
		 WHERE id = $1 AND status IN ('active', 'partially_fulfilled')`, id,
	)
	if err != nil {
		return fmt.Errorf("requestRepo.Cancel: %w", err)
	}
	return nil
}

func (r *RequestRepository) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	defer logger.DeferLogDuration("requestRepo.ExpireDue", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE blood_requests SET status = 'expired', updated_at = $1
		 WHERE expires_at IS NOT NULL AND expires_at < $1
		   AND status IN ('active', 'partially_fulfilled')`, now,
	)
	if err != nil {
		return 0, fmt.Errorf("requestRepo.ExpireDue: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
