// Package sqlite stores call invites in an embedded SQLite database for
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"liveroom-backend/internal/domain"
)

// Timestamps are unix nanoseconds so range filters compare numerically.
const inviteSchema = `
	CREATE TABLE IF NOT EXISTS call_invites (
		invite_id        TEXT PRIMARY KEY,
		session_room_id  TEXT NOT NULL,
		caller_id        TEXT NOT NULL,
		caller_name      TEXT NOT NULL DEFAULT '',
		receiver_id      TEXT NOT NULL,
		context          TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT 'pending'
		                 CHECK (status IN ('pending', 'accepted', 'declined')),
		created_at       INTEGER NOT NULL,
		responded_at     INTEGER
	);
	CREATE INDEX IF NOT EXISTS call_invites_receiver_pending
		ON call_invites (receiver_id, status, created_at DESC);
	CREATE INDEX IF NOT EXISTS call_invites_room
		ON call_invites (session_room_id);
`

const inviteColumns = `
	invite_id, session_room_id, caller_id, caller_name, receiver_id,
	context, status, created_at, responded_at
`

// InviteRepository stores call invites
type InviteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewInviteRepository creates a new invite repository
func NewInviteRepository(db *sql.DB) *InviteRepository {
	return &InviteRepository{db: db, now: time.Now}
}

// EnsureSchema creates the invite table if missing
func (r *InviteRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, inviteSchema); err != nil {
		return fmt.Errorf("failed to create call_invites: %w", err)
	}
	return nil
}

// CreateBatch inserts all invites in one transaction
func (r *InviteRepository) CreateBatch(ctx context.Context, invites []*domain.CallInvite) error {
	if len(invites) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO call_invites (
			invite_id, session_room_id, caller_id, caller_name, receiver_id,
			context, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, inv := range invites {
		_, err := stmt.ExecContext(ctx,
			inv.ID.String(),
			inv.SessionRoomID.String(),
			inv.CallerID.String(),
			inv.CallerName,
			inv.ReceiverID.String(),
			inv.CommunityContext,
			string(inv.Status),
			inv.CreatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("failed to create invites: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit invites: %w", err)
	}
	return nil
}

// GetByID retrieves one invite
func (r *InviteRepository) GetByID(ctx context.Context, inviteID uuid.UUID) (*domain.CallInvite, error) {
	query := `SELECT ` + inviteColumns + ` FROM call_invites WHERE invite_id = ?`

	inv, err := scanInvite(r.db.QueryRowContext(ctx, query, inviteID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrInviteNotFound
		}
		return nil, fmt.Errorf("failed to get invite: %w", err)
	}
	return inv, nil
}

// Resolve moves a pending invite addressed to receiverID to status. When the
// invite was already terminal the stored row is returned with applied=false.
func (r *InviteRepository) Resolve(ctx context.Context, inviteID, receiverID uuid.UUID, status domain.InviteStatus) (*domain.CallInvite, bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE call_invites
		SET status = ?, responded_at = ?
		WHERE invite_id = ? AND receiver_id = ? AND status = 'pending'`,
		string(status), r.now().UnixNano(), inviteID.String(), receiverID.String())
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve invite: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve invite: %w", err)
	}

	inv, err := r.GetByID(ctx, inviteID)
	if err != nil {
		return nil, false, err
	}
	return inv, affected == 1, nil
}

// ListPending returns pending invites for receiverID created after since,
// newest first
func (r *InviteRepository) ListPending(ctx context.Context, receiverID uuid.UUID, since time.Time) ([]*domain.CallInvite, error) {
	query := `SELECT ` + inviteColumns + `
		FROM call_invites
		WHERE receiver_id = ? AND status = 'pending' AND created_at > ?
		ORDER BY created_at DESC
		LIMIT 50`

	return r.list(ctx, query, receiverID.String(), since.UnixNano())
}

// ListByRoom returns every invite issued for a room
func (r *InviteRepository) ListByRoom(ctx context.Context, roomID domain.SessionID) ([]*domain.CallInvite, error) {
	query := `SELECT ` + inviteColumns + `
		FROM call_invites
		WHERE session_room_id = ?
		ORDER BY created_at`

	return r.list(ctx, query, roomID.String())
}

func (r *InviteRepository) list(ctx context.Context, query string, args ...any) ([]*domain.CallInvite, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list invites: %w", err)
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
		return nil, fmt.Errorf("failed to list invites: %w", err)
	}
	return invites, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvite(row rowScanner) (*domain.CallInvite, error) {
	var (
		inv                          domain.CallInvite
		id, roomID, caller, receiver string
		status                       string
		createdAt                    int64
		respondedAt                  sql.NullInt64
	)
	err := row.Scan(
		&id,
		&roomID,
		&caller,
		&inv.CallerName,
		&receiver,
		&inv.CommunityContext,
		&status,
		&createdAt,
		&respondedAt,
	)
	if err != nil {
		return nil, err
	}

	if inv.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid invite_id: %w", err)
	}
	if inv.CallerID, err = uuid.Parse(caller); err != nil {
		return nil, fmt.Errorf("invalid caller_id: %w", err)
	}
	if inv.ReceiverID, err = uuid.Parse(receiver); err != nil {
		return nil, fmt.Errorf("invalid receiver_id: %w", err)
	}
	inv.SessionRoomID = domain.SessionID(roomID)
	inv.Status = domain.InviteStatus(status)
	inv.CreatedAt = time.Unix(0, createdAt).UTC()
	if respondedAt.Valid {
		t := time.Unix(0, respondedAt.Int64).UTC()
		inv.RespondedAt = &t
	}
	return &inv, nil
}
