package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"liveroom-backend/internal/domain"
)

// InviteSchema creates the call_invites table. Status only ever leaves
// 'pending' once; Resolve enforces that with a conditional update.
const InviteSchema = `
	CREATE TABLE IF NOT EXISTS call_invites (
		invite_id        UUID PRIMARY KEY,
		session_room_id  STRING NOT NULL,
		caller_id        UUID NOT NULL,
		caller_name      STRING NOT NULL DEFAULT '',
		receiver_id      UUID NOT NULL,
		context          STRING NOT NULL DEFAULT '',
		status           STRING NOT NULL DEFAULT 'pending'
		                 CHECK (status IN ('pending', 'accepted', 'declined')),
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		responded_at     TIMESTAMPTZ,
		INDEX call_invites_receiver_pending (receiver_id, status, created_at DESC),
		INDEX call_invites_room (session_room_id)
	)
`

const inviteColumns = `
	invite_id, session_room_id, caller_id, caller_name, receiver_id,
	context, status, created_at, responded_at
`

// InviteRepository stores call invites
type InviteRepository struct {
	pool *pgxpool.Pool
}

// NewInviteRepository creates a new invite repository
func NewInviteRepository(pool *pgxpool.Pool) *InviteRepository {
	return &InviteRepository{pool: pool}
}

// EnsureSchema creates the invite table if missing
func (r *InviteRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, InviteSchema); err != nil {
		return fmt.Errorf("failed to create call_invites: %w", err)
	}
	return nil
}

// CreateBatch inserts all invites in one transaction
func (r *InviteRepository) CreateBatch(ctx context.Context, invites []*domain.CallInvite) error {
	if len(invites) == 0 {
		return nil
	}

	query := `
		INSERT INTO call_invites (
			invite_id, session_room_id, caller_id, caller_name, receiver_id,
			context, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, inv := range invites {
			batch.Queue(query,
				inv.ID,
				inv.SessionRoomID.String(),
				inv.CallerID,
				inv.CallerName,
				inv.ReceiverID,
				inv.CommunityContext,
				string(inv.Status),
				inv.CreatedAt,
			)
		}

		results := tx.SendBatch(ctx, batch)
		for range invites {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return err
			}
		}
		return results.Close()
	})
	if err != nil {
		return fmt.Errorf("failed to create invites: %w", err)
	}

	return nil
}

// GetByID retrieves one invite
func (r *InviteRepository) GetByID(ctx context.Context, inviteID uuid.UUID) (*domain.CallInvite, error) {
	query := `SELECT ` + inviteColumns + ` FROM call_invites WHERE invite_id = $1`

	inv, err := scanInvite(r.pool.QueryRow(ctx, query, inviteID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrInviteNotFound
		}
		return nil, fmt.Errorf("failed to get invite: %w", err)
	}
	return inv, nil
}

// Resolve moves a pending invite addressed to receiverID to status. When the
// invite was already terminal the stored row is returned with applied=false.
func (r *InviteRepository) Resolve(ctx context.Context, inviteID, receiverID uuid.UUID, status domain.InviteStatus) (*domain.CallInvite, bool, error) {
	query := `
		UPDATE call_invites
		SET status = $3, responded_at = now()
		WHERE invite_id = $1 AND receiver_id = $2 AND status = 'pending'
		RETURNING ` + inviteColumns

	inv, err := scanInvite(r.pool.QueryRow(ctx, query, inviteID, receiverID, string(status)))
	if err == nil {
		return inv, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to resolve invite: %w", err)
	}

	existing, err := r.GetByID(ctx, inviteID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// ListPending returns pending invites for receiverID created after since,
// newest first
func (r *InviteRepository) ListPending(ctx context.Context, receiverID uuid.UUID, since time.Time) ([]*domain.CallInvite, error) {
	query := `SELECT ` + inviteColumns + `
		FROM call_invites
		WHERE receiver_id = $1 AND status = 'pending' AND created_at > $2
		ORDER BY created_at DESC
		LIMIT 50`

	rows, err := r.pool.Query(ctx, query, receiverID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending invites: %w", err)
	}
	defer rows.Close()

	var invites []*domain.CallInvite
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invite: %w", err)
		}
		invites = append(invites, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list pending invites: %w", err)
	}

	return invites, nil
}

// ListByRoom returns every invite issued for a room
func (r *InviteRepository) ListByRoom(ctx context.Context, roomID domain.SessionID) ([]*domain.CallInvite, error) {
	query := `SELECT ` + inviteColumns + `
		FROM call_invites
		WHERE session_room_id = $1
		ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, roomID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list room invites: %w", err)
	}
	defer rows.Close()

	var invites []*domain.CallInvite
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invite: %w", err)
		}
		invites = append(invites, inv)
	}
	return invites, rows.Err()
}

func scanInvite(row pgx.Row) (*domain.CallInvite, error) {
	var (
		inv    domain.CallInvite
		roomID string
		status string
	)
	err := row.Scan(
		&inv.ID,
		&roomID,
		&inv.CallerID,
		&inv.CallerName,
		&inv.ReceiverID,
		&inv.CommunityContext,
		&status,
		&inv.CreatedAt,
		&inv.RespondedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.SessionRoomID = domain.SessionID(roomID)
	inv.Status = domain.InviteStatus(status)
	return &inv, nil
}
