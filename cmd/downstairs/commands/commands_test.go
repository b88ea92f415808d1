package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/downstairs/pkg/region"
	regerrors "github.com/marmos91/downstairs/pkg/region/errors"
	"github.com/marmos91/downstairs/pkg/repair"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	require.NoError(t, err, out)
	return out
}

// run executes the root command and returns its output and error.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		cfgFile = ""
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionShort(t *testing.T) {
	out := execute(t, "version", "--short")
	assert.Equal(t, Version+"\n", out)
}

func TestCreateDumpExport(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir := filepath.Join(t.TempDir(), "region")

	out := execute(t, "create", "-d", dir, "--extent-size", "10", "--extent-count", "2",
		"--uuid", "12345678-1234-1234-1234-123456789abc")
	assert.Contains(t, out, "12345678-1234-1234-1234-123456789abc")

	out = execute(t, "dump", "-d", dir, "-o", "json")
	var report struct {
		Extents []struct {
			Number  int
			Differs bool
		}
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Extents, 2)
	assert.False(t, report.Extents[1].Differs)

	image := filepath.Join(t.TempDir(), "disk.raw")
	execute(t, "export", "-d", dir, "--to", image, "--skip", "5")
	st, err := os.Stat(image)
	require.NoError(t, err)
	assert.Equal(t, int64((20-5)*512), st.Size())
}

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	out := execute(t, "config", "init", "--config", path)
	assert.Contains(t, out, path)

	out = execute(t, "config", "validate", "--config", path)
	assert.Contains(t, out, "Validation: OK")
}

func TestExportRejectsTruncatedExtent(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	dir := filepath.Join(t.TempDir(), "region")
	execute(t, "create", "-d", dir, "--extent-size", "10", "--extent-count", "2")

	require.NoError(t, os.Truncate(region.ExtentPath(dir, 1), 100))

	image := filepath.Join(t.TempDir(), "disk.raw")
	_, err := run(t, "export", "-d", dir, "--to", image)
	assert.True(t, regerrors.IsCorruptMetadataError(err), "got %v", err)
	assert.NoFileExists(t, image)
}

func TestRepairAPI(t *testing.T) {
	out := execute(t, "repair-api", "-o", "json")
	var routes []repair.Route
	require.NoError(t, json.Unmarshal([]byte(out), &routes))

	patterns := make([]string, 0, len(routes))
	for _, r := range routes {
		assert.Equal(t, "GET", r.Method)
		assert.NotEmpty(t, r.Description, r.Pattern)
		patterns = append(patterns, r.Pattern)
	}
	assert.Equal(t, []string{"/extent/{eid}", "/extent/{eid}/data", "/extents", "/health", "/region"}, patterns)

	out = execute(t, "repair-api", "-o", "table")
	assert.Contains(t, out, "/extent/{eid}/data")
}
