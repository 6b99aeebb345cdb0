package tariffs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCatalogFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tariffs.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validCatalog = `{
  "tariffs": [
    {"id": "trial", "name": "Trial", "price": 0, "duration_days": 3, "traffic_gb": 5, "is_trial": true, "max_ips": 1},
    {"id": "month_1", "name": "1 Month", "price": 150, "duration_days": 30, "traffic_gb": 100, "max_ips": 3}
  ]
}`

func TestLoad(t *testing.T) {
	catalog, err := Load(writeCatalogFile(t, validCatalog))
	require.NoError(t, err)

	list := catalog.List()
	require.Len(t, list, 2)
	assert.Equal(t, "trial", list[0].ID)
	assert.True(t, list[0].IsTrial)

	paid, ok := catalog.Get("month_1")
	require.True(t, ok)
	assert.Equal(t, 150.0, paid.Price)
	assert.Equal(t, 30, paid.DurationDays)

	_, ok = catalog.Get("nope")
	assert.False(t, ok)
}

func TestLoadRejectsInvalidCatalogs(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing file", ""},
		{"empty catalog", `{"tariffs": []}`},
		{"bad json", `{"tariffs": [`},
		{"empty id", `{"tariffs": [{"id": "", "name": "X", "duration_days": 30}]}`},
		{"duplicate id", `{"tariffs": [
			{"id": "a", "name": "A", "duration_days": 30},
			{"id": "a", "name": "B", "duration_days": 30}]}`},
		{"empty name", `{"tariffs": [{"id": "a", "name": "", "duration_days": 30}]}`},
		{"zero duration", `{"tariffs": [{"id": "a", "name": "A", "duration_days": 0}]}`},
		{"negative price", `{"tariffs": [{"id": "a", "name": "A", "duration_days": 30, "price": -1}]}`},
		{"negative traffic", `{"tariffs": [{"id": "a", "name": "A", "duration_days": 30, "traffic_gb": -5}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "tariffs.json")
			if tt.content != "" {
				require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			}
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestReloadKeepsPreviousCatalogOnError(t *testing.T) {
	path := writeCatalogFile(t, validCatalog)

	catalog, err := Load(path)
	require.NoError(t, err)
	require.Len(t, catalog.List(), 2)

	require.NoError(t, os.WriteFile(path, []byte(`{"tariffs": []}`), 0o644))
	assert.Error(t, catalog.Reload())

	// The broken file must not replace the working catalog.
	assert.Len(t, catalog.List(), 2)
	_, ok := catalog.Get("trial")
	assert.True(t, ok)
}

func TestReloadPicksUpChanges(t *testing.T) {
	path := writeCatalogFile(t, validCatalog)

	catalog, err := Load(path)
	require.NoError(t, err)

	updated := `{"tariffs": [{"id": "month_3", "name": "3 Months", "price": 400, "duration_days": 90, "traffic_gb": 300, "max_ips": 3}]}`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	require.NoError(t, catalog.Reload())

	list := catalog.List()
	require.Len(t, list, 1)
	assert.Equal(t, "month_3", list[0].ID)
}
