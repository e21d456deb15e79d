package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTiers(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate-tiers", "../../tier/testdata/tiers.yaml"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "growth")
	assert.Contains(t, out.String(), "starter")
}

func TestValidateTiersRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tiers: {}\n"), 0o600))

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"validate-tiers", path})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version is required")
}

func TestEnvFallback(t *testing.T) {
	t.Setenv("ENTITLE_TEST_ADDR", ":9999")
	assert.Equal(t, ":9999", env("ENTITLE_TEST_ADDR", ":8080"))
	assert.Equal(t, ":8080", env("ENTITLE_TEST_UNSET", ":8080"))
}

func TestStoreBackend(t *testing.T) {
	tests := []struct {
		url     string
		backend string
		dsn     string
	}{
		{"", backendMemory, ""},
		{"memory", backendMemory, ""},
		{"postgres://entitle:secret@db:5432/entitle?sslmode=disable", backendPostgres, "postgres://entitle:secret@db:5432/entitle?sslmode=disable"},
		{"postgresql://db/entitle", backendPostgres, "postgresql://db/entitle"},
		{"sqlite:///var/lib/entitle/entitle.db", backendSQLite, "/var/lib/entitle/entitle.db"},
		{"file:entitle.db?_pragma=busy_timeout(5000)", backendSQLite, "file:entitle.db?_pragma=busy_timeout(5000)"},
		{"./entitle.sqlite", backendSQLite, "./entitle.sqlite"},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			backend, dsn, err := storeBackend(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.backend, backend)
			assert.Equal(t, tt.dsn, dsn)
		})
	}

	for _, bad := range []string{"mysql://db/entitle", "sqlite://", "entitle.txt"} {
		_, _, err := storeBackend(bad)
		assert.Error(t, err, bad)
	}
}

func TestOpenStoreDefaultsToMemory(t *testing.T) {
	st, backend, err := openStore(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, backendMemory, backend)
	require.NoError(t, st.Ping(context.Background()))
	require.NoError(t, st.Close())
}
