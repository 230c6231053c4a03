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

type ChannelRepository struct {
	pool *pgxpool.Pool
}

func NewChannelRepository(pool *pgxpool.Pool) *ChannelRepository {
	return &ChannelRepository{pool: pool}
}

var _ store.ChannelStore = (*ChannelRepository)(nil)

func (r *ChannelRepository) CreateChannel(ctx context.Context, c *model.ChatChannel) error {
	defer logger.DeferLogDuration("channelRepo.CreateChannel", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO chat_channels (id, request_id, requester_id, donor_id, next_seq, created_at)
		 VALUES ($1, $2, $3, $4, 0, $5)`,
		c.ID, c.RequestID, c.RequesterID, c.DonorID, c.CreatedAt,
	)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("channelRepo.CreateChannel: %w", err)
	}
	return nil
}

func (r *ChannelRepository) GetChannel(ctx context.Context, id string) (*model.ChatChannel, error) {
	defer logger.DeferLogDuration("channelRepo.GetChannel", time.Now())()
	c := &model.ChatChannel{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, request_id, requester_id, donor_id, created_at
		 FROM chat_channels WHERE id = $1`, id,
	).Scan(&c.ID, &c.RequestID, &c.RequesterID, &c.DonorID, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("channelRepo.GetChannel: %w", err)
	}
	return c, nil
}

func (r *ChannelRepository) FindByRequestDonor(ctx context.Context, requestID, donorID string) (*model.ChatChannel, error) {
	defer logger.DeferLogDuration("channelRepo.FindByRequestDonor", time.Now())()
	c := &model.ChatChannel{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, request_id, requester_id, donor_id, created_at
		 FROM chat_channels WHERE request_id = $1 AND donor_id = $2`,
		requestID, donorID,
	).Scan(&c.ID, &c.RequestID, &c.RequesterID, &c.DonorID, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("channelRepo.FindByRequestDonor: %w", err)
	}
	return c, nil
}

// PurgeClosed removes channels and their messages once the owning request has
// been terminal for longer than the retention window.
func (r *ChannelRepository) PurgeClosed(ctx context.Context, closedBefore time.Time) (int, error) {
	defer logger.DeferLogDuration("channelRepo.PurgeClosed", time.Now())()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("channelRepo.PurgeClosed begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`DELETE FROM chat_messages m
		 USING chat_channels c, blood_requests r
		 WHERE m.channel_id = c.id AND c.request_id = r.id
		   AND r.status IN ('fulfilled', 'cancelled', 'expired')
		   AND r.updated_at < $1`, closedBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("channelRepo.PurgeClosed messages: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM chat_channels c
		 USING blood_requests r
		 WHERE c.request_id = r.id
		   AND r.status IN ('fulfilled', 'cancelled', 'expired')
		   AND r.updated_at < $1`, closedBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("channelRepo.PurgeClosed channels: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("channelRepo.PurgeClosed commit: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
