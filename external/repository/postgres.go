package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/emberhollow/voicesync/internal/repository"
)

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) repository.Repository {
	return &PostgresRepository{pool: pool}
}

const profileColumns = `id, username, role, banned, hide_presence, supporter, lifetime_supporter, created_at, updated_at`

const qualifiedProfileColumns = `p.id, p.username, p.role, p.banned, p.hide_presence, p.supporter, p.lifetime_supporter, p.created_at, p.updated_at`

func scanProfile(row pgx.Row) (*repository.Profile, error) {
	var p repository.Profile
	err := row.Scan(&p.ID, &p.Username, &p.Role, &p.Banned, &p.HidePresence,
		&p.Supporter, &p.LifetimeSupporter, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (r *PostgresRepository) loadIdentities(ctx context.Context, p *repository.Profile) error {
	rows, err := r.pool.Query(ctx,
		`SELECT server_id, unique_id, linked_at FROM identity_links
		 WHERE profile_id = $1 ORDER BY linked_at ASC`, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var link repository.IdentityLink
		if err := rows.Scan(&link.ServerID, &link.UniqueID, &link.LinkedAt); err != nil {
			return err
		}
		p.Identities = append(p.Identities, link)
	}
	return rows.Err()
}

func (r *PostgresRepository) ListLinkedProfiles(ctx context.Context) ([]repository.Profile, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT p.id, p.username, p.role, p.banned, p.hide_presence, p.supporter, p.lifetime_supporter,
		        p.created_at, p.updated_at, l.server_id, l.unique_id, l.linked_at
		 FROM profiles p
		 JOIN identity_links l ON l.profile_id = p.id
		 ORDER BY p.id, l.linked_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []repository.Profile
	index := make(map[string]int)
	for rows.Next() {
		var p repository.Profile
		var link repository.IdentityLink
		err := rows.Scan(&p.ID, &p.Username, &p.Role, &p.Banned, &p.HidePresence,
			&p.Supporter, &p.LifetimeSupporter, &p.CreatedAt, &p.UpdatedAt,
			&link.ServerID, &link.UniqueID, &link.LinkedAt)
		if err != nil {
			return nil, err
		}
		if i, ok := index[p.ID]; ok {
			out[i].Identities = append(out[i].Identities, link)
			continue
		}
		p.Identities = []repository.IdentityLink{link}
		index[p.ID] = len(out)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetProfile(ctx context.Context, profileID string) (*repository.Profile, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id = $1`, profileID)
	p, err := scanProfile(row)
	if err != nil || p == nil {
		return p, err
	}
	if err := r.loadIdentities(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *PostgresRepository) FindProfileByIdentity(ctx context.Context, serverID, uniqueID string) (*repository.Profile, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles
		 WHERE id = (SELECT profile_id FROM identity_links WHERE server_id = $1 AND unique_id = $2)`,
		serverID, uniqueID)
	return scanProfile(row)
}

func (r *PostgresRepository) GetProfileBySessionToken(ctx context.Context, token string) (*repository.Profile, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+qualifiedProfileColumns+`
		 FROM profiles p
		 JOIN api_sessions s ON s.profile_id = p.id
		 WHERE s.token = $1 AND s.expires_at > NOW()`, token)
	return scanProfile(row)
}

func (r *PostgresRepository) UpsertIdentityLink(ctx context.Context, input repository.UpsertIdentityLinkInput) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO identity_links (profile_id, server_id, unique_id, linked_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (profile_id, server_id)
		 DO UPDATE SET unique_id = EXCLUDED.unique_id, linked_at = EXCLUDED.linked_at`,
		input.ProfileID, input.ServerID, input.UniqueID, input.LinkedAt)
	return err
}

func (r *PostgresRepository) RemoveIdentityLinks(ctx context.Context, input repository.RemoveIdentityLinksInput) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM identity_links
		 WHERE profile_id = $1
		   AND ($2 = '' OR server_id = $2)
		   AND ($3 = '' OR unique_id = $3)`,
		input.ProfileID, input.ServerID, input.UniqueID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresRepository) UpsertPresence(ctx context.Context, input repository.UpsertPresenceInput) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO voice_presence (profile_id, server_id, channel_id, channel_name, channel_path, status, last_seen_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 'online', $6, NOW())
		 ON CONFLICT (profile_id, server_id)
		 DO UPDATE SET channel_id = EXCLUDED.channel_id,
		               channel_name = EXCLUDED.channel_name,
		               channel_path = EXCLUDED.channel_path,
		               status = EXCLUDED.status,
		               last_seen_at = EXCLUDED.last_seen_at,
		               updated_at = NOW()`,
		input.ProfileID, input.ServerID, input.ChannelID, input.ChannelName, input.ChannelPath, input.SeenAt)
	return err
}

func (r *PostgresRepository) CreateVerificationToken(ctx context.Context, input repository.CreateVerificationTokenInput) (*repository.VerificationToken, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO verification_tokens (token_hash, profile_id, server_id, unique_id, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, token_hash, profile_id, server_id, unique_id, expires_at, attempts, created_at`,
		input.TokenHash, input.ProfileID, input.ServerID, input.UniqueID, input.ExpiresAt)
	return scanToken(row)
}

func (r *PostgresRepository) GetVerificationToken(ctx context.Context, profileID, serverID, uniqueID string) (*repository.VerificationToken, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, token_hash, profile_id, server_id, unique_id, expires_at, attempts, created_at
		 FROM verification_tokens
		 WHERE profile_id = $1 AND server_id = $2 AND unique_id = $3
		 ORDER BY created_at DESC LIMIT 1`,
		profileID, serverID, uniqueID)
	return scanToken(row)
}

func scanToken(row pgx.Row) (*repository.VerificationToken, error) {
	var t repository.VerificationToken
	var expiresAt, createdAt time.Time
	err := row.Scan(&t.ID, &t.TokenHash, &t.ProfileID, &t.ServerID, &t.UniqueID, &expiresAt, &t.Attempts, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.ExpiresAt = expiresAt
	t.CreatedAt = createdAt
	return &t, nil
}

func (r *PostgresRepository) IncrementVerificationTokenAttempts(ctx context.Context, tokenID string) (int, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE verification_tokens SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`,
		tokenID)
	var attempts int
	if err := row.Scan(&attempts); err != nil {
		return 0, err
	}
	return attempts, nil
}

func (r *PostgresRepository) DeleteVerificationToken(ctx context.Context, tokenID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM verification_tokens WHERE id = $1`, tokenID)
	return err
}

func (r *PostgresRepository) DeleteVerificationTokensFor(ctx context.Context, profileID, serverID, uniqueID string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM verification_tokens WHERE profile_id = $1 AND server_id = $2 AND unique_id = $3`,
		profileID, serverID, uniqueID)
	return err
}

func (r *PostgresRepository) DeleteExpiredVerificationTokens(ctx context.Context) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM verification_tokens WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
