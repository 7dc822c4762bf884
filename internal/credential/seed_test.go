// ABOUTME: Tests for TOML seed import of tenant credentials.
// ABOUTME: Validates whole-file validation, alias import, and blob decoding.

package credential

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestImportSeed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	path := writeSeed(t, `
[[tenant]]
id = "t1"
connection_id = "123"
connection_secret = "abc"
session_blob_base64 = ""
aliases = ["legacy-t1"]

[[tenant]]
id = "t2"
connection_id = "456"
connection_secret = "def"
session_blob_base64 = "AQID"
`)

	n, err := ImportSeed(ctx, s, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	cred, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, cred.SessionBlob)

	cred, err = s.Get(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, cred.SessionBlob)

	resolved, err := s.Resolve(ctx, "legacy-t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", resolved)
}

func TestImportSeed_RejectsInvalidEntryBeforeWriting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Second entry is missing connection_secret: nothing should be written.
	path := writeSeed(t, `
[[tenant]]
id = "ok"
connection_id = "1"
connection_secret = "x"

[[tenant]]
id = "broken"
connection_id = "2"
`)

	_, err := ImportSeed(ctx, s, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	_, err = s.Get(ctx, "ok")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestImportSeed_EmptyFile(t *testing.T) {
	s := newTestStore(t)

	path := writeSeed(t, "# nothing here\n")
	_, err := ImportSeed(context.Background(), s, path)
	assert.Error(t, err)
}
