package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/maltedev/catalog-monitor/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDiffFiles(t *testing.T) {
	dir := t.TempDir()

	today := writeFile(t, dir, "today.csv",
		"Product Name,URL,Image URL,Base URL,Price\n"+
			"Shirt,https://shop.example/p/a?ref=1,https://img/a.jpg,https://shop.example/p/a,10 SAR\n"+
			"Jeans,https://shop.example/p/c?ref=1,https://img/c.jpg,https://shop.example/p/c,30 SAR\n")

	// legacy three-column file without a canonical URL column
	previous := writeFile(t, dir, "previous.csv",
		"Product Name,URL,Image URL\n"+
			"Shirt,https://shop.example/p/a?ref=9,https://img/a.jpg\n")

	items, err := diffFiles(today, previous)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Jeans", items[0].Name)
	assert.Equal(t, "https://shop.example/p/c", items[0].CanonicalURL)
}

func TestDiffFiles_MissingFile(t *testing.T) {
	dir := t.TempDir()
	today := writeFile(t, dir, "today.csv", "Product Name,URL,Image URL,Base URL,Price\n")

	_, err := diffFiles(today, filepath.Join(dir, "missing.csv"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPrintItems(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printItems(&buf, nil))
	assert.Equal(t, "no new items\n", buf.String())

	buf.Reset()
	require.NoError(t, printItems(&buf, []models.ProductRecord{
		models.NewProductRecord("Jeans", "https://shop.example/p/c", "", "30 SAR"),
	}))
	assert.Equal(t, "Jeans\t30 SAR\thttps://shop.example/p/c\n", buf.String())
}
