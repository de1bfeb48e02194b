package blocks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const blockColumns = `id, page_id, seq, content, properties, created_at, updated_at`

func scanBlock(row rowScanner) (Block, error) {
	var b Block
	var props, createdAt, updatedAt string
	if err := row.Scan(&b.UUID, &b.PageID, &b.Seq, &b.Content, &props, &createdAt, &updatedAt); err != nil {
		return Block{}, err
	}
	var err error
	if b.Properties, err = decodeProperties(props); err != nil {
		return Block{}, err
	}
	if b.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Block{}, err
	}
	if b.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Block{}, err
	}
	return b, nil
}

func scanBlocks(rows *sql.Rows) ([]Block, error) {
	defer rows.Close()
	var out []Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetBlock returns the block with the given id.
func (s *Store) GetBlock(ctx context.Context, id string) (Block, error) {
	b, err := scanBlock(s.db.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM blocks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Block{}, ErrNotFound
	}
	return b, err
}

// PageBlocks returns the blocks of a page in page order. It returns
// ErrNotFound when the page does not exist.
func (s *Store) PageBlocks(ctx context.Context, pageID string) ([]Block, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pages WHERE id = ?`, pageID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+blockColumns+` FROM blocks WHERE page_id = ? ORDER BY seq ASC`, pageID)
	if err != nil {
		return nil, fmt.Errorf("listing blocks of page %s: %w", pageID, err)
	}
	return scanBlocks(rows)
}

// AppendBlock adds a block at the end of a page.
func (s *Store) AppendBlock(ctx context.Context, pageID, content string, props map[string]string) (Block, error) {
	encoded, err := encodeProperties(props)
	if err != nil {
		return Block{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Block{}, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pages WHERE id = ?`, pageID).Scan(&exists); err != nil {
		return Block{}, err
	}
	if exists == 0 {
		return Block{}, ErrNotFound
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM blocks WHERE page_id = ?`, pageID,
	).Scan(&seq); err != nil {
		return Block{}, fmt.Errorf("computing block position: %w", err)
	}

	id := uuid.New().String()
	ts := now()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO blocks (id, page_id, seq, content, properties, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, pageID, seq, content, encoded, ts, ts,
	); err != nil {
		return Block{}, fmt.Errorf("inserting block: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Block{}, fmt.Errorf("committing append: %w", err)
	}

	s.publish(Change{Kind: ChangeBlockAdded, PageID: pageID, BlockID: id})
	return s.GetBlock(ctx, id)
}

// UpdateBlock replaces the content of a block. Last writer wins.
func (s *Store) UpdateBlock(ctx context.Context, id, content string) error {
	b, err := s.GetBlock(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE blocks SET content = ?, updated_at = ? WHERE id = ?`, content, now(), id,
	); err != nil {
		return fmt.Errorf("updating block %s: %w", id, err)
	}
	s.publish(Change{Kind: ChangeBlockUpdated, PageID: b.PageID, BlockID: id})
	return nil
}

// SetBlockProperty sets one block property. An empty value removes it.
func (s *Store) SetBlockProperty(ctx context.Context, id, key, value string) error {
	b, err := s.GetBlock(ctx, id)
	if err != nil {
		return err
	}
	if value == "" {
		delete(b.Properties, key)
	} else {
		b.Properties[key] = value
	}
	encoded, err := encodeProperties(b.Properties)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE blocks SET properties = ?, updated_at = ? WHERE id = ?`, encoded, now(), id,
	); err != nil {
		return fmt.Errorf("updating block %s: %w", id, err)
	}
	s.publish(Change{Kind: ChangeBlockUpdated, PageID: b.PageID, BlockID: id})
	return nil
}

// RemoveBlock deletes a block.
func (s *Store) RemoveBlock(ctx context.Context, id string) error {
	b, err := s.GetBlock(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blocks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("removing block %s: %w", id, err)
	}
	s.publish(Change{Kind: ChangeBlockRemoved, PageID: b.PageID, BlockID: id})
	return nil
}

// MoveBlock moves a block to position index (zero-based) within its page,
// renumbering the page's blocks.
func (s *Store) MoveBlock(ctx context.Context, id string, index int) error {
	b, err := s.GetBlock(ctx, id)
	if err != nil {
		return err
	}
	page, err := s.PageBlocks(ctx, b.PageID)
	if err != nil {
		return err
	}

	order := make([]string, 0, len(page))
	for _, pb := range page {
		if pb.UUID != id {
			order = append(order, pb.UUID)
		}
	}
	index = max(0, min(index, len(order)))
	order = append(order[:index], append([]string{id}, order[index:]...)...)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning move transaction: %w", err)
	}
	defer tx.Rollback()

	for i, bid := range order {
		if _, err := tx.ExecContext(ctx, `UPDATE blocks SET seq = ? WHERE id = ?`, i+1, bid); err != nil {
			return fmt.Errorf("renumbering block %s: %w", bid, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing move: %w", err)
	}

	s.publish(Change{Kind: ChangeBlockMoved, PageID: b.PageID, BlockID: id})
	return nil
}

// QueryBlocks returns blocks whose property q.Property equals q.Value, in
// page order.
func (s *Store) QueryBlocks(ctx context.Context, q Query) ([]Block, error) {
	if q.Property == "" || strings.ContainsAny(q.Property, `"\\`) {
		return nil, fmt.Errorf("query: invalid property name %q", q.Property)
	}
	path := `$."` + q.Property + `"`

	query := `SELECT ` + blockColumns + ` FROM blocks WHERE json_extract(properties, ?) = ?`
	args := []any{path, q.Value}
	if q.PageID != "" {
		query += ` AND page_id = ?`
		args = append(args, q.PageID)
	}
	query += ` ORDER BY page_id, seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying blocks by %s: %w", q.Property, err)
	}
	return scanBlocks(rows)
}
