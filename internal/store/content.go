package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"streamgate/internal/apperr"
	"streamgate/pkg/types"
)

// LookupContent returns the catalogue entry for id.
func (s *Store) LookupContent(ctx context.Context, id string) (types.Content, error) {
	var c types.Content
	err := s.db.QueryRowContext(ctx, s.bind(`
SELECT id, upstream_url, active
FROM content
WHERE id = ?`), id).Scan(&c.ID, &c.UpstreamURL, &c.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Content{}, apperr.NotFound("content %s not found", id)
		}
		return types.Content{}, errors.Wrapf(err, "lookup content %s", id)
	}
	return c, nil
}

func (s *Store) UpsertContent(ctx context.Context, c types.Content) error {
	_, err := s.db.ExecContext(ctx, s.bind(`
INSERT INTO content (id, upstream_url, active, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE
SET upstream_url = excluded.upstream_url, active = excluded.active, updated_at = excluded.updated_at`),
		c.ID, c.UpstreamURL, c.Active, s.now().UTC())
	return errors.Wrapf(err, "upsert content %s", c.ID)
}

func (s *Store) ListContent(ctx context.Context) ([]types.Content, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, upstream_url, active FROM content ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list content")
	}
	defer rows.Close()

	var out []types.Content
	for rows.Next() {
		var c types.Content
		if err := rows.Scan(&c.ID, &c.UpstreamURL, &c.Active); err != nil {
			return nil, errors.Wrap(err, "scan content")
		}
		out = append(out, c)
	}
	return out, errors.Wrap(rows.Err(), "iterate content")
}
