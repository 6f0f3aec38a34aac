package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guildops/ticket-bridge/internal/domain"
)

// TicketRepository encapsulates ticket persistence. The lifecycle engine is
// the only writer of ticket status; the maintenance sweep reads and closes
// through the same engine.
type TicketRepository interface {
	Create(ctx context.Context, ticket *domain.Ticket) error
	Update(ctx context.Context, ticket *domain.Ticket) error
	GetByID(ctx context.Context, id string) (*domain.Ticket, error)

	// Claim performs the one true compare-and-swap in the system: it sets
	// claimed_by only if it is currently unset. When the swap loses, the
	// current holder is returned.
	Claim(ctx context.Context, ticketID, staffID string, at time.Time) (claimed bool, alreadyClaimedBy *string, err error)

	// NextTicketNumber atomically allocates the next per-guild number.
	// Numbers start at 1, are strictly increasing and never reused.
	NextTicketNumber(ctx context.Context, guildID string) (int64, error)

	// FindOpenByUser returns the user's OPEN ticket in the guild, or nil.
	FindOpenByUser(ctx context.Context, guildID, userID string) (*domain.Ticket, error)

	// ListByStatuses loads all tickets in the given states across guilds,
	// ordered by guild then ticket number. Used by the maintenance sweep.
	ListByStatuses(ctx context.Context, statuses []domain.TicketStatus) ([]domain.Ticket, error)

	AppendMessage(ctx context.Context, msg *domain.Message) error
	ListMessages(ctx context.Context, ticketID string) ([]domain.Message, error)
	SetMessageFlags(ctx context.Context, messageID string, edited, deleted bool) error
}

type ticketRepository struct {
	pool *pgxpool.Pool
}

// NewTicketRepository instantiates repository.
func NewTicketRepository(pool *pgxpool.Pool) TicketRepository {
	return &ticketRepository{pool: pool}
}

const ticketColumns = `id, guild_id, ticket_number, user_id, user_display_name, category_id, category_name,
       priority, status, claimed_by, claimed_at, thread_channel_id,
       created_at, updated_at, last_user_activity_at, last_staff_activity_at,
       marked_resolved_at, marked_resolved_by, resolve_auto_close_at, auto_close_warning_at,
       closed_at, closed_by, close_reason, auto_close_disabled`

func (r *ticketRepository) Create(ctx context.Context, ticket *domain.Ticket) error {
	const query = `
        INSERT INTO tickets (guild_id, ticket_number, user_id, user_display_name, category_id, category_name,
            priority, status, thread_channel_id, last_user_activity_at, auto_close_disabled)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        RETURNING id, created_at, updated_at`
	return r.pool.QueryRow(ctx, query,
		ticket.GuildID,
		ticket.TicketNumber,
		ticket.UserID,
		ticket.UserDisplayName,
		ticket.CategoryID,
		ticket.CategoryName,
		ticket.Priority,
		ticket.Status,
		ticket.ThreadChannelID,
		ticket.LastUserActivityAt,
		ticket.AutoCloseDisabled,
	).Scan(&ticket.ID, &ticket.CreatedAt, &ticket.UpdatedAt)
}

func (r *ticketRepository) Update(ctx context.Context, ticket *domain.Ticket) error {
	const query = `
        UPDATE tickets SET status=$1, claimed_by=$2, claimed_at=$3, thread_channel_id=$4,
            last_user_activity_at=$5, last_staff_activity_at=$6,
            marked_resolved_at=$7, marked_resolved_by=$8, resolve_auto_close_at=$9,
            auto_close_warning_at=$10, closed_at=$11, closed_by=$12, close_reason=$13,
            auto_close_disabled=$14, updated_at=NOW()
        WHERE id=$15`
	cmd, err := r.pool.Exec(ctx, query,
		ticket.Status,
		ticket.ClaimedBy,
		ticket.ClaimedAt,
		ticket.ThreadChannelID,
		ticket.LastUserActivityAt,
		ticket.LastStaffActivityAt,
		ticket.MarkedResolvedAt,
		ticket.MarkedResolvedBy,
		ticket.ResolveAutoCloseAt,
		ticket.AutoCloseWarningAt,
		ticket.ClosedAt,
		ticket.ClosedBy,
		ticket.CloseReason,
		ticket.AutoCloseDisabled,
		ticket.ID,
	)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *ticketRepository) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id=$1`
	var ticket domain.Ticket
	if err := scanTicket(r.pool.QueryRow(ctx, query, id), &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (r *ticketRepository) Claim(ctx context.Context, ticketID, staffID string, at time.Time) (bool, *string, error) {
	const query = `
        UPDATE tickets SET claimed_by=$1, claimed_at=$2, updated_at=NOW()
        WHERE id=$3 AND status='OPEN' AND claimed_by IS NULL`
	cmd, err := r.pool.Exec(ctx, query, staffID, at, ticketID)
	if err != nil {
		return false, nil, err
	}
	if cmd.RowsAffected() == 1 {
		return true, nil, nil
	}
	var holder *string
	if err := r.pool.QueryRow(ctx, `SELECT claimed_by FROM tickets WHERE id=$1`, ticketID).Scan(&holder); err != nil {
		return false, nil, err
	}
	return false, holder, nil
}

func (r *ticketRepository) NextTicketNumber(ctx context.Context, guildID string) (int64, error) {
	const query = `
        INSERT INTO guild_counters (guild_id, next_number) VALUES ($1, 1)
        ON CONFLICT (guild_id) DO UPDATE SET next_number = guild_counters.next_number + 1
        RETURNING next_number`
	var number int64
	if err := r.pool.QueryRow(ctx, query, guildID).Scan(&number); err != nil {
		return 0, err
	}
	return number, nil
}

func (r *ticketRepository) FindOpenByUser(ctx context.Context, guildID, userID string) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets
        WHERE guild_id=$1 AND user_id=$2 AND status='OPEN'
        ORDER BY ticket_number DESC LIMIT 1`
	var ticket domain.Ticket
	err := scanTicket(r.pool.QueryRow(ctx, query, guildID, userID), &ticket)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (r *ticketRepository) ListByStatuses(ctx context.Context, statuses []domain.TicketStatus) ([]domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets
        WHERE status = ANY($1)
        ORDER BY guild_id, ticket_number`
	values := make([]string, len(statuses))
	for i, status := range statuses {
		values[i] = string(status)
	}
	rows, err := r.pool.Query(ctx, query, values)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Ticket
	for rows.Next() {
		var ticket domain.Ticket
		if err := scanTicket(rows, &ticket); err != nil {
			return nil, err
		}
		result = append(result, ticket)
	}
	return result, rows.Err()
}

func (r *ticketRepository) AppendMessage(ctx context.Context, msg *domain.Message) error {
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return err
	}
	const query = `
        INSERT INTO ticket_messages (id, ticket_id, author_id, author_type, context, content,
            attachments, is_staff_only, delivered_to_dm, delivered_to_thread, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err = r.pool.Exec(ctx, query,
		msg.ID,
		msg.TicketID,
		msg.AuthorID,
		msg.AuthorType,
		msg.Context,
		msg.Content,
		attachments,
		msg.IsStaffOnly,
		msg.DeliveredToDM,
		msg.DeliveredToThread,
		msg.Timestamp,
	)
	return err
}

func (r *ticketRepository) ListMessages(ctx context.Context, ticketID string) ([]domain.Message, error) {
	const query = `
        SELECT id, ticket_id, author_id, author_type, context, content, attachments,
               is_staff_only, delivered_to_dm, delivered_to_thread, edited, deleted, created_at
        FROM ticket_messages WHERE ticket_id=$1 ORDER BY seq`
	rows, err := r.pool.Query(ctx, query, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Message
	for rows.Next() {
		var msg domain.Message
		var attachments []byte
		if err := rows.Scan(
			&msg.ID,
			&msg.TicketID,
			&msg.AuthorID,
			&msg.AuthorType,
			&msg.Context,
			&msg.Content,
			&attachments,
			&msg.IsStaffOnly,
			&msg.DeliveredToDM,
			&msg.DeliveredToThread,
			&msg.Edited,
			&msg.Deleted,
			&msg.Timestamp,
		); err != nil {
			return nil, err
		}
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
				return nil, err
			}
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

func (r *ticketRepository) SetMessageFlags(ctx context.Context, messageID string, edited, deleted bool) error {
	const query = `UPDATE ticket_messages SET edited=$1, deleted=$2 WHERE id=$3`
	cmd, err := r.pool.Exec(ctx, query, edited, deleted, messageID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner, ticket *domain.Ticket) error {
	return row.Scan(
		&ticket.ID,
		&ticket.GuildID,
		&ticket.TicketNumber,
		&ticket.UserID,
		&ticket.UserDisplayName,
		&ticket.CategoryID,
		&ticket.CategoryName,
		&ticket.Priority,
		&ticket.Status,
		&ticket.ClaimedBy,
		&ticket.ClaimedAt,
		&ticket.ThreadChannelID,
		&ticket.CreatedAt,
		&ticket.UpdatedAt,
		&ticket.LastUserActivityAt,
		&ticket.LastStaffActivityAt,
		&ticket.MarkedResolvedAt,
		&ticket.MarkedResolvedBy,
		&ticket.ResolveAutoCloseAt,
		&ticket.AutoCloseWarningAt,
		&ticket.ClosedAt,
		&ticket.ClosedBy,
		&ticket.CloseReason,
		&ticket.AutoCloseDisabled,
	)
}
