package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/templui/provenance/internal/mnemonic"
	"github.com/templui/provenance/internal/service"
)

func run(t *testing.T, c *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	c.SetOut(&out)
	c.SetErr(&out)
	c.SetArgs(args)
	err := c.Execute()
	return out.String(), err
}

func TestMnemonicCommands(t *testing.T) {
	out, err := run(t, MnemonicCmd(), "encode", "123456789")
	require.NoError(t, err)
	code := strings.TrimSpace(out)
	assert.Equal(t, mnemonic.Encode(123456789), code)

	out, err = run(t, MnemonicCmd(), "decode", code)
	require.NoError(t, err)
	assert.Contains(t, out, "id:        123456789")

	_, err = run(t, MnemonicCmd(), "encode", "twelve")
	assert.Error(t, err)
	_, err = run(t, MnemonicCmd(), "decode", "not", "a", "code")
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("JWT_SECRET", "cli-secret")

	out, err := run(t, TokenCmd(), "--user", "u1", "--username", "alice")
	require.NoError(t, err)

	owner, err := service.NewAuthService("cli-secret", 0).VerifyJWT(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "u1", owner.ID)
	assert.Equal(t, "alice", owner.Username)

	_, err = run(t, TokenCmd())
	assert.Error(t, err)
}

func TestFingerprintCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "note.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	out, err := run(t, FingerprintCmd(), "--algorithm", "sha256", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"exact_digest"`)
	assert.Contains(t, out, `"algorithm": "sha256"`)
	assert.NotContains(t, out, "fine_hash")

	_, err = run(t, FingerprintCmd(), "--algorithm", "sha256", filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestMigrateRequiresSQLCatalog(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("CATALOG_DRIVER", "bucket")

	_, err := run(t, MigrateCmd(), "up")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CATALOG_DRIVER")
}
