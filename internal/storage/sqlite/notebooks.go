package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/quillspace/quill/internal/storage"
	"github.com/quillspace/quill/internal/types"
)

// CreateNotebook inserts a notebook and its owner's author row.
func (s *Store) CreateNotebook(ctx context.Context, nb *types.Notebook) error {
	if nb.ID == "" {
		return fmt.Errorf("notebook missing id: %w", storage.ErrInvalid)
	}
	if nb.Name == "" {
		return fmt.Errorf("notebook missing name: %w", storage.ErrInvalid)
	}
	if nb.Owner.IsZero() {
		return fmt.Errorf("notebook missing owner: %w", storage.ErrInvalid)
	}
	if nb.CreatedAt.IsZero() {
		nb.CreatedAt = time.Now()
	}
	compartments, err := marshalJSON(nb.Label.Compartments)
	if err != nil {
		return err
	}

	conn, commit, cleanup, err := s.beginImmediate(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := ensureAuthor(ctx, conn, nb.Owner.String()); err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, `
		INSERT INTO notebooks (id, name, owner, created_at, classification_level, compartments, review_threshold)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, nb.ID, nb.Name, nb.Owner.String(), sqlTime(nb.CreatedAt), int(nb.Label.Level), compartments, nb.ReviewThreshold)
	if err != nil {
		return wrapDBError("insert notebook", err)
	}
	return commit(ctx)
}

func scanNotebook(row interface{ Scan(...any) error }) (*types.Notebook, error) {
	var nb types.Notebook
	var owner, compartments string
	var level int
	if err := row.Scan(&nb.ID, &nb.Name, &owner, &nb.CreatedAt, &nb.CurrentSequence, &level, &compartments, &nb.ReviewThreshold); err != nil {
		return nil, err
	}
	author, err := types.ParseAuthorID(owner)
	if err != nil {
		return nil, fmt.Errorf("corrupt owner id: %w", err)
	}
	nb.Owner = author
	nb.Label.Level = types.ClassificationLevel(level)
	if nb.Label.Compartments, err = unmarshalStrings(compartments); err != nil {
		return nil, err
	}
	return &nb, nil
}

const notebookColumns = `id, name, owner, created_at, current_sequence, classification_level, compartments, review_threshold`

// GetNotebook fetches one notebook by id.
func (s *Store) GetNotebook(ctx context.Context, id string) (*types.Notebook, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+notebookColumns+` FROM notebooks WHERE id = ?`, id)
	nb, err := scanNotebook(row)
	if err != nil {
		return nil, wrapDBError("get notebook", err)
	}
	return nb, nil
}

// ListNotebooksVisibleTo returns notebooks the author owns or holds any
// grant on, ordered by creation time.
func (s *Store) ListNotebooksVisibleTo(ctx context.Context, author types.AuthorID) ([]*types.Notebook, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notebookColumns+` FROM notebooks
		WHERE owner = ?
		   OR id IN (SELECT notebook_id FROM notebook_access WHERE author = ?)
		ORDER BY created_at, id
	`, author.String(), author.String())
	if err != nil {
		return nil, wrapDBError("list notebooks", err)
	}
	defer func() { _ = rows.Close() }()

	var notebooks []*types.Notebook
	for rows.Next() {
		nb, err := scanNotebook(rows)
		if err != nil {
			return nil, wrapDBError("scan notebook", err)
		}
		notebooks = append(notebooks, nb)
	}
	return notebooks, wrapDBError("iterate notebooks", rows.Err())
}

// ListNotebookIDs returns every notebook id. Used by the reclaimer loop.
func (s *Store) ListNotebookIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM notebooks ORDER BY id`)
	if err != nil {
		return nil, wrapDBError("list notebook ids", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapDBError("scan notebook id", err)
		}
		ids = append(ids, id)
	}
	return ids, wrapDBError("iterate notebook ids", rows.Err())
}

// DeleteNotebook removes a notebook. Entries, grants, jobs, subscriptions
// (as subscriber or as source), and reviews cascade; the mirrored claims of
// those subscriptions are deleted with them, not tombstoned.
func (s *Store) DeleteNotebook(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notebooks WHERE id = ?`, id)
	if err != nil {
		return wrapDBError("delete notebook", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("delete notebook %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// SetGrant creates or replaces an access grant.
func (s *Store) SetGrant(ctx context.Context, grant *types.AccessGrant) error {
	if grant.Tier < types.TierExistence || grant.Tier > types.TierAdmin {
		return fmt.Errorf("grant tier %v: %w", grant.Tier, storage.ErrInvalid)
	}
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = time.Now()
	}

	conn, commit, cleanup, err := s.beginImmediate(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := ensureAuthor(ctx, conn, grant.Author.String()); err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, `
		INSERT INTO notebook_access (notebook_id, author, tier, granted_by, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (notebook_id, author) DO UPDATE SET tier = excluded.tier, granted_by = excluded.granted_by
	`, grant.NotebookID, grant.Author.String(), int(grant.Tier), grant.GrantedBy.String(), sqlTime(grant.CreatedAt))
	if err != nil {
		return wrapDBError("set grant", err)
	}
	return commit(ctx)
}

// GetGrant returns the explicit grant for (notebook, author), or ErrNotFound.
func (s *Store) GetGrant(ctx context.Context, notebookID string, author types.AuthorID) (*types.AccessGrant, error) {
	var g types.AccessGrant
	var authorStr, grantedBy string
	var tier int
	err := s.db.QueryRowContext(ctx, `
		SELECT notebook_id, author, tier, granted_by, created_at
		FROM notebook_access WHERE notebook_id = ? AND author = ?
	`, notebookID, author.String()).Scan(&g.NotebookID, &authorStr, &tier, &grantedBy, &g.CreatedAt)
	if err != nil {
		return nil, wrapDBError("get grant", err)
	}
	if g.Author, err = types.ParseAuthorID(authorStr); err != nil {
		return nil, fmt.Errorf("corrupt grant author: %w", err)
	}
	if g.GrantedBy, err = types.ParseAuthorID(grantedBy); err != nil {
		return nil, fmt.Errorf("corrupt grant granter: %w", err)
	}
	g.Tier = types.Tier(tier)
	return &g, nil
}

// DeleteGrant revokes an author's access.
func (s *Store) DeleteGrant(ctx context.Context, notebookID string, author types.AuthorID) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM notebook_access WHERE notebook_id = ? AND author = ?
	`, notebookID, author.String())
	if err != nil {
		return wrapDBError("delete grant", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("delete grant: %w", storage.ErrNotFound)
	}
	return nil
}
