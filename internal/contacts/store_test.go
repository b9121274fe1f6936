package contacts

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailbag/internal/mailerr"
	"mailbag/storage"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func newStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	blobs, err := storage.NewFileStorage(filepath.Join(dir, "images"))
	require.NoError(t, err)
	s, err := Open(filepath.Join(dir, "db", "contacts.db"), blobs)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestContactLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	bob, err := s.Add(ctx, " Bob ", "Bob <bob@example.org>")
	require.NoError(t, err)
	assert.NotEmpty(t, bob.ID)
	assert.Equal(t, "Bob", bob.Name)
	assert.Equal(t, "bob@example.org", bob.Email)

	_, err = s.Add(ctx, "alice", "alice@example.org")
	require.NoError(t, err)

	list, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alice", list[0].Name, "ordered by name ignoring case")
	assert.Equal(t, "Bob", list[1].Name)

	updated, err := s.Update(ctx, bob.ID, "Robert", "robert@example.org")
	require.NoError(t, err)
	assert.Equal(t, "Robert", updated.Name)
	assert.Equal(t, "robert@example.org", updated.Email)
	assert.False(t, updated.UpdatedAt.Before(bob.CreatedAt))

	require.NoError(t, s.Delete(ctx, bob.ID))
	_, err = s.Get(ctx, bob.ID)
	assert.ErrorIs(t, err, mailerr.ErrNotFound)

	t.Run("missing contact", func(t *testing.T) {
		_, err := s.Update(ctx, "nope", "n", "n@example.org")
		assert.ErrorIs(t, err, mailerr.ErrNotFound)
		assert.ErrorIs(t, s.Delete(ctx, "nope"), mailerr.ErrNotFound)
	})
}

func TestContactValidation(t *testing.T) {
	s := newStore(t)
	tests := map[string][2]string{
		"no name":     {"", "a@example.org"},
		"no email":    {"A", "  "},
		"bad address": {"A", "not an address"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := s.Add(context.Background(), tc[0], tc[1])
			assert.ErrorIs(t, err, mailerr.ErrBadInput)
		})
	}
}

func TestContactImage(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	c, err := s.Add(ctx, "Bob", "bob@example.org")
	require.NoError(t, err)

	_, _, err = s.Image(ctx, c.ID)
	assert.ErrorIs(t, err, mailerr.ErrNotFound)

	assert.ErrorIs(t, s.AttachImage(ctx, c.ID, []byte("plain text")), mailerr.ErrBadInput)
	assert.ErrorIs(t, s.AttachImage(ctx, c.ID, nil), mailerr.ErrBadInput)
	assert.ErrorIs(t, s.AttachImage(ctx, c.ID, make([]byte, MaxImageSize+1)), mailerr.ErrBadInput)
	assert.ErrorIs(t, s.AttachImage(ctx, "nope", pngHeader), mailerr.ErrNotFound)

	require.NoError(t, s.AttachImage(ctx, c.ID, pngHeader))

	data, contentType, err := s.Image(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data)
	assert.Equal(t, "image/png", contentType)

	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.HasImage)

	require.NoError(t, s.Delete(ctx, c.ID))
	blob, err := s.images.Get(c.ID)
	require.NoError(t, err)
	assert.Nil(t, blob, "image is removed with the contact")
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	blobs, err := storage.NewFileStorage(filepath.Join(dir, "images"))
	require.NoError(t, err)
	path := filepath.Join(dir, "contacts.db")

	s, err := Open(path, blobs)
	require.NoError(t, err)
	_, err = s.Add(context.Background(), "Bob", "bob@example.org")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, blobs)
	require.NoError(t, err)
	defer s.Close()
	list, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
