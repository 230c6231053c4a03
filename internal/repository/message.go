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

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

var _ store.MessageStore = (*MessageRepository)(nil)

// Append assigns the channel's next sequence number and inserts the message
// in one transaction. The counter bump serializes appends per channel, so
// History observes a total order matching creation order.
func (r *MessageRepository) Append(ctx context.Context, m *model.ChatMessage) error {
	defer logger.DeferLogDuration("msgRepo.Append", time.Now())()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("msgRepo.Append begin: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`UPDATE chat_channels SET next_seq = next_seq + 1 WHERE id = $1 RETURNING next_seq`,
		m.ChannelID,
	).Scan(&m.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("msgRepo.Append seq: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO chat_messages (id, channel_id, sender_id, receiver_id, body, seq, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, false, $7)`,
		m.ID, m.ChannelID, m.SenderID, m.ReceiverID, m.Body, m.Seq, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Append insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("msgRepo.Append commit: %w", err)
	}
	return nil
}

func (r *MessageRepository) History(ctx context.Context, channelID string) ([]model.ChatMessage, error) {
	defer logger.DeferLogDuration("msgRepo.History", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT id, channel_id, sender_id, receiver_id, body, seq, is_read, created_at
		 FROM chat_messages WHERE channel_id = $1
		 ORDER BY seq`, channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.History query: %w", err)
	}
	defer rows.Close()

	out := make([]model.ChatMessage, 0, 32)
	for rows.Next() {
		var m model.ChatMessage
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.SenderID, &m.ReceiverID, &m.Body, &m.Seq, &m.IsRead, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("msgRepo.History scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.History rows: %w", err)
	}
	return out, nil
}

func (r *MessageRepository) MarkRead(ctx context.Context, channelID, receiverID string, messageIDs []string) (int, error) {
	defer logger.DeferLogDuration("msgRepo.MarkRead", time.Now())()
	if len(messageIDs) == 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE chat_messages SET is_read = true
		 WHERE channel_id = $1 AND receiver_id = $2 AND is_read = false AND id = ANY($3)`,
		channelID, receiverID, messageIDs,
	)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.MarkRead: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *MessageRepository) UnreadCount(ctx context.Context, channelID, userID string) (int, error) {
	defer logger.DeferLogDuration("msgRepo.UnreadCount", time.Now())()
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM chat_messages
		 WHERE channel_id = $1 AND receiver_id = $2 AND is_read = false`,
		channelID, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.UnreadCount: %w", err)
	}
	return n, nil
}
