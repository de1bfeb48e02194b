package blocks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const pageColumns = `id, name, properties, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPage(row rowScanner) (Page, error) {
	var p Page
	var props, createdAt, updatedAt string
	if err := row.Scan(&p.ID, &p.Name, &props, &createdAt, &updatedAt); err != nil {
		return Page{}, err
	}
	var err error
	if p.Properties, err = decodeProperties(props); err != nil {
		return Page{}, err
	}
	if p.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Page{}, err
	}
	if p.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Page{}, err
	}
	return p, nil
}

// CreatePage creates a page with a fresh id.
func (s *Store) CreatePage(ctx context.Context, name string) (Page, error) {
	id := uuid.New().String()
	ts := now()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO pages (id, name, properties, created_at, updated_at) VALUES (?, ?, '{}', ?, ?)`,
		id, name, ts, ts,
	); err != nil {
		return Page{}, fmt.Errorf("creating page %q: %w", name, err)
	}
	return s.GetPage(ctx, id)
}

// GetPage returns the page with the given id.
func (s *Store) GetPage(ctx context.Context, id string) (Page, error) {
	p, err := scanPage(s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Page{}, ErrNotFound
	}
	return p, err
}

// GetPageByName returns the page with the given name.
func (s *Store) GetPageByName(ctx context.Context, name string) (Page, error) {
	p, err := scanPage(s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return Page{}, ErrNotFound
	}
	return p, err
}

// ResolvePage looks a page up by id, then by name.
func (s *Store) ResolvePage(ctx context.Context, idOrName string) (Page, error) {
	p, err := s.GetPage(ctx, idOrName)
	if errors.Is(err, ErrNotFound) {
		return s.GetPageByName(ctx, idOrName)
	}
	return p, err
}

// ListPages returns all pages ordered by name.
func (s *Store) ListPages(ctx context.Context) ([]Page, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+pageColumns+` FROM pages ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// SetPageProperty sets one page property. An empty value removes it.
func (s *Store) SetPageProperty(ctx context.Context, pageID, key, value string) error {
	p, err := s.GetPage(ctx, pageID)
	if err != nil {
		return err
	}
	if value == "" {
		delete(p.Properties, key)
	} else {
		p.Properties[key] = value
	}
	encoded, err := encodeProperties(p.Properties)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE pages SET properties = ?, updated_at = ? WHERE id = ?`, encoded, now(), pageID,
	); err != nil {
		return fmt.Errorf("updating page %s: %w", pageID, err)
	}
	s.publish(Change{Kind: ChangePageUpdated, PageID: pageID})
	return nil
}
