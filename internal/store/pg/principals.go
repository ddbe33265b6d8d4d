package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"imail.app/internal/auth"
	"imail.app/internal/ids"
)

const principalColumns = `
	id, external_id, coalesce(email, ''), coalesce(given_name, ''), coalesce(family_name, ''),
	coalesce(full_name, ''), coalesce(picture_url, ''), email_verified, is_active, metadata,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(row rowScanner, extra ...any) (auth.Principal, error) {
	var (
		p       auth.Principal
		rawMeta []byte
	)
	dest := []any{
		&p.ID, &p.ExternalID, &p.Email, &p.GivenName, &p.FamilyName,
		&p.FullName, &p.PictureURL, &p.EmailVerified, &p.Active, &rawMeta,
		&p.CreatedAt, &p.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return auth.Principal{}, err
	}
	p.Metadata = map[string]any{}
	if len(rawMeta) > 0 {
		if err := json.Unmarshal(rawMeta, &p.Metadata); err != nil {
			return auth.Principal{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return p, nil
}

// UpsertPrincipal inserts or refreshes the principal keyed on its external subject and
// reactivates it. The second return value reports whether the row was inserted.
func (s *Store) UpsertPrincipal(ctx context.Context, profile auth.Profile) (auth.Principal, bool, error) {
	if s.db == nil {
		return auth.Principal{}, false, errNoDB
	}
	metaJSON := []byte("{}")
	if len(profile.Metadata) > 0 {
		b, err := json.Marshal(profile.Metadata)
		if err != nil {
			return auth.Principal{}, false, fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = b
	}
	var inserted bool
	row := s.db.QueryRowContext(ctx, `
		insert into principals (id, external_id, email, given_name, family_name, full_name,
		                        picture_url, email_verified, is_active, metadata)
		values ($1, $2, $3, $4, $5, $6, $7, $8, true, $9)
		on conflict (external_id) do update
		set email = excluded.email,
		    given_name = excluded.given_name,
		    family_name = excluded.family_name,
		    full_name = excluded.full_name,
		    picture_url = excluded.picture_url,
		    email_verified = excluded.email_verified,
		    is_active = true,
		    metadata = principals.metadata || excluded.metadata,
		    updated_at = now()
		returning `+principalColumns+`, (xmax = 0)
	`, ids.New(), profile.Subject, nullIfEmpty(profile.Email), nullIfEmpty(profile.GivenName),
		nullIfEmpty(profile.FamilyName), nullIfEmpty(profile.FullName), nullIfEmpty(profile.PictureURL),
		profile.EmailVerified, metaJSON)
	p, err := scanPrincipal(row, &inserted)
	if err != nil {
		return auth.Principal{}, false, translate(err)
	}
	return p, inserted, nil
}

func (s *Store) GetPrincipal(ctx context.Context, key auth.PrincipalKey) (auth.Principal, error) {
	if s.db == nil {
		return auth.Principal{}, errNoDB
	}
	col, err := keyColumn(key)
	if err != nil {
		return auth.Principal{}, err
	}
	row := s.db.QueryRowContext(ctx, `select `+principalColumns+` from principals where `+col+` = $1`, key.Value)
	p, err := scanPrincipal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Principal{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Principal{}, err
	}
	return p, nil
}

func (s *Store) ListPrincipals(ctx context.Context, limit, offset int) ([]auth.Principal, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+principalColumns+`
		from principals
		order by created_at desc, id
		limit $1 offset $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpdatePrincipal(ctx context.Context, id string, upd auth.ProfileUpdate) (auth.Principal, error) {
	if s.db == nil {
		return auth.Principal{}, errNoDB
	}
	metaJSON := []byte("{}")
	if len(upd.Metadata) > 0 {
		b, err := json.Marshal(upd.Metadata)
		if err != nil {
			return auth.Principal{}, fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = b
	}
	row := s.db.QueryRowContext(ctx, `
		update principals
		set given_name = coalesce($2, given_name),
		    family_name = coalesce($3, family_name),
		    full_name = coalesce($4, full_name),
		    picture_url = coalesce($5, picture_url),
		    metadata = metadata || $6::jsonb,
		    updated_at = now()
		where id = $1
		returning `+principalColumns,
		id, optString(upd.GivenName), optString(upd.FamilyName), optString(upd.FullName),
		optString(upd.PictureURL), metaJSON)
	p, err := scanPrincipal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Principal{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Principal{}, translate(err)
	}
	return p, nil
}

func (s *Store) DeactivatePrincipal(ctx context.Context, subject string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update principals set is_active = false, updated_at = now()
		where external_id = $1
	`, subject)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) DeletePrincipal(ctx context.Context, id string) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from principals where id = $1`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
