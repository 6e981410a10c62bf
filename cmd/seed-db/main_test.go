package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCatalog_Bundled(t *testing.T) {
	catalog, err := readCatalog(context.Background(), filepath.Join("..", "..", "db", "seed", "catalog.json"))
	require.NoError(t, err)
	require.NotEmpty(t, catalog.Modules)

	modules, err := catalogModules(catalog)
	require.NoError(t, err)
	assert.Len(t, modules, len(catalog.Modules))
}

func TestCatalogModules_RejectsSubCentPrice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"modules":[
		{"id":"ok","title":"Ok","price":"10.50"},
		{"id":"odd","title":"Odd","price":"10.505"}
	]}`), 0o600))

	catalog, err := readCatalog(context.Background(), path)
	require.NoError(t, err)

	_, err = catalogModules(catalog)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "odd")
}
