package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sqlc-dev/pqtype"

	"github.com/pointdeck/pointdeck/go/internal/models"
)

// Postgres implements Store over a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pool and verifies the connection.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) CreateVote(ctx context.Context, vote models.Vote) (models.Vote, bool, error) {
	// The upsert reports whether it replaced an earlier vote so the caller can
	// tag the broadcast as a change rather than a submission.
	row := p.pool.QueryRow(ctx, `
		INSERT INTO votes (item_id, voter_id, voter_name, value, revealed, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (item_id, voter_id) DO UPDATE
		SET voter_name = EXCLUDED.voter_name,
		    value = EXCLUDED.value,
		    submitted_at = EXCLUDED.submitted_at
		RETURNING item_id, voter_id, voter_name, value, revealed, submitted_at,
		          (xmax <> 0) AS replaced`,
		vote.ItemID, vote.VoterID, vote.VoterName, vote.Value, vote.Revealed, vote.SubmittedAt,
	)

	var stored models.Vote
	var replaced bool
	if err := row.Scan(&stored.ItemID, &stored.VoterID, &stored.VoterName, &stored.Value,
		&stored.Revealed, &stored.SubmittedAt, &replaced); err != nil {
		return models.Vote{}, false, fmt.Errorf("failed to upsert vote: %w", err)
	}
	return stored, replaced, nil
}

func (p *Postgres) MarkVotesRevealed(ctx context.Context, itemID uuid.UUID) error {
	_, err := p.pool.Exec(ctx, `UPDATE votes SET revealed = TRUE WHERE item_id = $1`, itemID)
	if err != nil {
		return fmt.Errorf("failed to mark votes revealed: %w", err)
	}
	return nil
}

func (p *Postgres) ListVotesForItem(ctx context.Context, itemID uuid.UUID) ([]models.Vote, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT item_id, voter_id, voter_name, value, revealed, submitted_at
		FROM votes WHERE item_id = $1
		ORDER BY submitted_at`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list votes: %w", err)
	}
	defer rows.Close()

	var votes []models.Vote
	for rows.Next() {
		var v models.Vote
		if err := rows.Scan(&v.ItemID, &v.VoterID, &v.VoterName, &v.Value, &v.Revealed, &v.SubmittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan vote: %w", err)
		}
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

func (p *Postgres) UpdateItem(ctx context.Context, itemID uuid.UUID, status models.ItemStatus, finalEstimate *string) (*models.Item, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE items
		SET status = $2, final_estimate = $3, updated_at = $4
		WHERE id = $1
		RETURNING id, session_id, title, description, acceptance_criteria, priority,
		          status, scale, final_estimate, position, created_at, updated_at`,
		itemID, status, finalEstimate, time.Now().UTC())

	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update item: %w", err)
	}
	return item, nil
}

func (p *Postgres) ListSessionItems(ctx context.Context, sessionID uuid.UUID) ([]models.Item, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, session_id, title, description, acceptance_criteria, priority,
		       status, scale, final_estimate, position, created_at, updated_at
		FROM items WHERE session_id = $1
		ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session items: %w", err)
	}
	defer rows.Close()

	var items []models.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (p *Postgres) AppendChatMessage(ctx context.Context, msg models.ChatMessage) (*models.ChatMessage, error) {
	original, err := originalTextJSON(msg.OriginalText)
	if err != nil {
		return nil, err
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO chat_messages (id, session_id, author_id, author_name, author_role,
		                           text, item_id, is_edited, is_deleted, original_text,
		                           created_at, edited_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		msg.ID, msg.SessionID, msg.AuthorID, msg.AuthorName, msg.AuthorRole,
		msg.Text, msg.ItemID, msg.IsEdited, msg.IsDeleted, original,
		msg.CreatedAt, msg.EditedAt, msg.DeletedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append chat message: %w", err)
	}
	return &msg, nil
}

func (p *Postgres) UpdateChatMessage(ctx context.Context, msg models.ChatMessage) (*models.ChatMessage, error) {
	original, err := originalTextJSON(msg.OriginalText)
	if err != nil {
		return nil, err
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE chat_messages
		SET text = $2, is_edited = $3, is_deleted = $4, original_text = $5,
		    edited_at = $6, deleted_at = $7
		WHERE id = $1`,
		msg.ID, msg.Text, msg.IsEdited, msg.IsDeleted, original, msg.EditedAt, msg.DeletedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update chat message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return &msg, nil
}

func (p *Postgres) ListChatMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]models.ChatMessage, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, session_id, author_id, author_name, author_role, text, item_id,
		       is_edited, is_deleted, original_text, created_at, edited_at, deleted_at
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		var original pqtype.NullRawMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.AuthorID, &m.AuthorName, &m.AuthorRole,
			&m.Text, &m.ItemID, &m.IsEdited, &m.IsDeleted, &original,
			&m.CreatedAt, &m.EditedAt, &m.DeletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat message: %w", err)
		}
		if original.Valid {
			var text string
			if err := json.Unmarshal(original.RawMessage, &text); err != nil {
				return nil, fmt.Errorf("failed to decode original text: %w", err)
			}
			m.OriginalText = &text
		}
		msgs = append(msgs, m)
	}
	// Oldest-first for display.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, rows.Err()
}

func (p *Postgres) CreateSession(ctx context.Context, session models.Session) (*models.Session, error) {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO sessions (id, name, owner_id, status, scale, active_item_index, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		session.ID, session.Name, session.OwnerID, session.Status, session.Scale,
		session.ActiveItemIndex, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return &session, nil
}

func (p *Postgres) GetSession(ctx context.Context, sessionID uuid.UUID) (*models.Session, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, name, owner_id, status, scale, active_item_index, created_at, updated_at
		FROM sessions WHERE id = $1`, sessionID)

	var s models.Session
	if err := row.Scan(&s.ID, &s.Name, &s.OwnerID, &s.Status, &s.Scale,
		&s.ActiveItemIndex, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &s, nil
}

func (p *Postgres) UpdateSessionScale(ctx context.Context, sessionID uuid.UUID, scale models.EstimationScale) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE sessions SET scale = $2, updated_at = $3 WHERE id = $1`,
		sessionID, scale, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update session scale: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func originalTextJSON(text *string) (pqtype.NullRawMessage, error) {
	if text == nil {
		return pqtype.NullRawMessage{}, nil
	}
	raw, err := json.Marshal(*text)
	if err != nil {
		return pqtype.NullRawMessage{}, fmt.Errorf("failed to encode original text: %w", err)
	}
	return pqtype.NullRawMessage{RawMessage: raw, Valid: true}, nil
}

func scanItem(row pgx.Row) (*models.Item, error) {
	var item models.Item
	if err := row.Scan(&item.ID, &item.SessionID, &item.Title, &item.Description,
		&item.AcceptanceCriteria, &item.Priority, &item.Status, &item.Scale,
		&item.FinalEstimate, &item.Position, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return nil, err
	}
	return &item, nil
}
