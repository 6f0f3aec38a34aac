package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guildops/ticket-bridge/internal/domain"
)

// CategoryRepository reads per-guild ticket configuration. Writes happen on
// the dashboard side; the engine and sweep only read.
type CategoryRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Category, error)
	ListByGuild(ctx context.Context, guildID string) ([]domain.Category, error)

	// GetGuildSettings returns nil when the guild has no settings row;
	// callers apply service-wide defaults in that case.
	GetGuildSettings(ctx context.Context, guildID string) (*domain.GuildSettings, error)
}

type categoryRepository struct {
	pool *pgxpool.Pool
}

// NewCategoryRepository instantiates repository.
func NewCategoryRepository(pool *pgxpool.Pool) CategoryRepository {
	return &categoryRepository{pool: pool}
}

const categoryColumns = `id, guild_id, name, staff_role_ids, relay_channel_id, encrypted_credential,
       priority, form_fields, auto_close_hours, resolve_auto_close_hours`

func (r *categoryRepository) GetByID(ctx context.Context, id string) (*domain.Category, error) {
	query := `SELECT ` + categoryColumns + ` FROM categories WHERE id=$1`
	var category domain.Category
	if err := scanCategory(r.pool.QueryRow(ctx, query, id), &category); err != nil {
		return nil, err
	}
	return &category, nil
}

func (r *categoryRepository) ListByGuild(ctx context.Context, guildID string) ([]domain.Category, error) {
	query := `SELECT ` + categoryColumns + ` FROM categories WHERE guild_id=$1 ORDER BY name`
	rows, err := r.pool.Query(ctx, query, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Category
	for rows.Next() {
		var category domain.Category
		if err := scanCategory(rows, &category); err != nil {
			return nil, err
		}
		result = append(result, category)
	}
	return result, rows.Err()
}

func (r *categoryRepository) GetGuildSettings(ctx context.Context, guildID string) (*domain.GuildSettings, error) {
	const query = `
        SELECT guild_id, warning_hours, auto_close_hours, warnings_enabled, auto_close_enabled
        FROM guild_settings WHERE guild_id=$1`
	var settings domain.GuildSettings
	err := r.pool.QueryRow(ctx, query, guildID).Scan(
		&settings.GuildID,
		&settings.WarningHours,
		&settings.AutoCloseHours,
		&settings.WarningsEnabled,
		&settings.AutoCloseEnabled,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

func scanCategory(row rowScanner, category *domain.Category) error {
	var formFields []byte
	if err := row.Scan(
		&category.ID,
		&category.GuildID,
		&category.Name,
		&category.StaffRoleIDs,
		&category.RelayChannelID,
		&category.EncryptedCredential,
		&category.Priority,
		&formFields,
		&category.AutoCloseHours,
		&category.ResolveAutoCloseHours,
	); err != nil {
		return err
	}
	if len(formFields) > 0 {
		if err := json.Unmarshal(formFields, &category.FormFields); err != nil {
			return err
		}
	}
	return nil
}
