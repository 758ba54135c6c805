package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/opscope/internal/errs"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validYAML = `
default: main
connections:
  - name: main
    connection_string: app.db
    driver: sqlite3
  - name: reporting
    connection_string: postgres://reporting@db/reports
    driver: pgx
`

const validCUE = `
default: "main"
connections: [
	{name: "main", connection_string: "app.db", driver: "sqlite3"},
	{name: "reporting", connection_string: "postgres://reporting@db/reports", driver: "pgx"},
]
`

func TestLoad_YAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "opscope.yaml", validYAML))
	require.NoError(t, err)

	assert.Equal(t, "main", cfg.Default)
	require.Len(t, cfg.Connections, 2)
	assert.Equal(t, Connection{Name: "main", ConnectionString: "app.db", Driver: "sqlite3"}, cfg.Connections[0])
	assert.Equal(t, "pgx", cfg.Connections[1].Driver)
}

func TestLoad_CUE(t *testing.T) {
	cfg, err := Load(writeFile(t, "opscope.cue", validCUE))
	require.NoError(t, err)

	assert.Equal(t, "main", cfg.Default)
	require.Len(t, cfg.Connections, 2)
	assert.Equal(t, "postgres://reporting@db/reports", cfg.Connections[1].ConnectionString)
}

func TestLoad_FormatsAgree(t *testing.T) {
	fromYAML, err := Load(writeFile(t, "a.yml", validYAML))
	require.NoError(t, err)
	fromCUE, err := Load(writeFile(t, "a.cue", validCUE))
	require.NoError(t, err)

	assert.Equal(t, fromYAML, fromCUE)
}

func TestLoad_Errors(t *testing.T) {
	testCases := []struct {
		desc     string
		file     string
		content  string
		contains string
	}{
		{"unknown extension", "opscope.toml", "x = 1", "unsupported config format"},
		{"yaml unknown field", "a.yaml", "connection:\n  - name: x\n", "failed to parse YAML"},
		{"yaml missing driver", "a.yaml", "connections:\n  - name: x\n    connection_string: y\n", "driver is required"},
		{"yaml duplicate name", "a.yaml", "connections:\n  - {name: x, connection_string: y, driver: z}\n  - {name: x, connection_string: y, driver: z}\n", "duplicate name"},
		{"cue syntax", "a.cue", "connections: [", "failed to parse CUE"},
		{"cue schema violation", "a.cue", `connections: [{name: "x", connection_string: "", driver: "z"}]`, "does not match schema"},
		{"cue unknown field", "a.cue", `connections: [], extra: 1`, "does not match schema"},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := Load(writeFile(t, tc.file, tc.content))
			require.Error(t, err)
			assert.True(t, errs.IsConfiguration(err), "expected configuration error, got %v", err)
			assert.Contains(t, err.Error(), tc.contains)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errs.IsConfiguration(err))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfig_Lookup(t *testing.T) {
	cfg, err := ParseYAML([]byte(validYAML))
	require.NoError(t, err)

	conn, ok := cfg.Lookup("reporting")
	require.True(t, ok)
	assert.Equal(t, "pgx", conn.Driver)

	_, ok = cfg.Lookup("missing")
	assert.False(t, ok)
}

func TestLocate(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, DefaultPath, Locate())

	t.Setenv(EnvConfigPath, "/etc/opscope/opscope.cue")
	assert.Equal(t, "/etc/opscope/opscope.cue", Locate())
}
