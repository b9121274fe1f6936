// Package contacts is the address book behind the /contacts routes.
package contacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"mailbag/internal/mailerr"
	"mailbag/internal/models"
)

// MaxImageSize bounds an attached contact image.
const MaxImageSize = 2 << 20

// Blobs holds image bytes. storage.FileStorage satisfies it, as does any
// fiber.Storage.
type Blobs interface {
	Get(key string) ([]byte, error)
	Set(key string, val []byte, exp time.Duration) error
	Delete(key string) error
}

// Store keeps contact records in SQLite and their images in Blobs.
type Store struct {
	db     *sqlx.DB
	images Blobs
	now    func() time.Time
}

// Open opens (or creates) the database at path, enables WAL mode and runs
// pending migrations.
func Open(path string, images Blobs) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &Store{db: db, images: images, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	current := 0

	var tables int
	err := s.db.Get(&tables, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tables > 0 {
		if err := s.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// List returns every contact ordered by name.
func (s *Store) List(ctx context.Context) ([]models.Contact, error) {
	contacts := []models.Contact{}
	err := s.db.SelectContext(ctx, &contacts, "SELECT * FROM contacts ORDER BY name COLLATE NOCASE, email")
	if err != nil {
		return nil, fmt.Errorf("listing contacts: %w", err)
	}
	return contacts, nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Contact, error) {
	var c models.Contact
	err := s.db.GetContext(ctx, &c, "SELECT * FROM contacts WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mailerr.Errorf(mailerr.KindNotFound, "get contact", "contact %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting contact %s: %w", id, err)
	}
	return &c, nil
}

// Add validates and stores a new contact.
func (s *Store) Add(ctx context.Context, name, email string) (*models.Contact, error) {
	name, email, err := validate("add contact", name, email)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	c := models.Contact{
		ID:        uuid.NewString(),
		Name:      name,
		Email:     email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO contacts (id, name, email, has_image, created_at, updated_at)
		VALUES (:id, :name, :email, :has_image, :created_at, :updated_at)`, c)
	if err != nil {
		return nil, fmt.Errorf("inserting contact: %w", err)
	}
	return &c, nil
}

// Update replaces the name and email of contact id.
func (s *Store) Update(ctx context.Context, id, name, email string) (*models.Contact, error) {
	name, email, err := validate("update contact", name, email)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE contacts SET name = ?, email = ?, updated_at = ? WHERE id = ?",
		name, email, s.now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("updating contact %s: %w", id, err)
	}
	if err := expectRow(res, "update contact", id); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Delete removes contact id and its image.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM contacts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting contact %s: %w", id, err)
	}
	if err := expectRow(res, "delete contact", id); err != nil {
		return err
	}
	if err := s.images.Delete(id); err != nil {
		return fmt.Errorf("deleting image of contact %s: %w", id, err)
	}
	return nil
}

// AttachImage stores data as the image of contact id. Only images up to
// MaxImageSize are accepted.
func (s *Store) AttachImage(ctx context.Context, id string, data []byte) error {
	const op = "attach image"
	if len(data) == 0 {
		return mailerr.Errorf(mailerr.KindBadInput, op, "image is empty")
	}
	if len(data) > MaxImageSize {
		return mailerr.Errorf(mailerr.KindBadInput, op, "image exceeds %d bytes", MaxImageSize)
	}
	if ct := http.DetectContentType(data); !strings.HasPrefix(ct, "image/") {
		return mailerr.Errorf(mailerr.KindBadInput, op, "unsupported image type %s", ct)
	}

	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.images.Set(id, data, 0); err != nil {
		return fmt.Errorf("storing image of contact %s: %w", id, err)
	}

	_, err := s.db.ExecContext(ctx,
		"UPDATE contacts SET has_image = 1, updated_at = ? WHERE id = ?", s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("flagging image of contact %s: %w", id, err)
	}
	return nil
}

// Image returns the image of contact id and its sniffed content type.
func (s *Store) Image(ctx context.Context, id string) ([]byte, string, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if !c.HasImage {
		return nil, "", mailerr.Errorf(mailerr.KindNotFound, "image", "contact %q has no image", id)
	}

	data, err := s.images.Get(id)
	if err != nil {
		return nil, "", fmt.Errorf("reading image of contact %s: %w", id, err)
	}
	if data == nil {
		return nil, "", mailerr.Errorf(mailerr.KindNotFound, "image", "image of contact %q is missing", id)
	}
	return data, http.DetectContentType(data), nil
}

func validate(op, name, email string) (string, string, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if name == "" || email == "" {
		return "", "", mailerr.Errorf(mailerr.KindBadInput, op, "name and email are required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return "", "", mailerr.Errorf(mailerr.KindBadInput, op, "invalid email %q", email)
	}
	return name, addr.Address, nil
}

func expectRow(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	if n == 0 {
		return mailerr.Errorf(mailerr.KindNotFound, op, "contact %q not found", id)
	}
	return nil
}
