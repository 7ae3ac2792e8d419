package snapshot

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/maltedev/catalog-monitor/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(name, url string) models.ProductRecord {
	return models.NewProductRecord(name, url, "https://cdn.example/"+name+".jpg", "$9.99")
}

func TestDedupeLastWriteWins(t *testing.T) {
	raw := []models.ProductRecord{
		record("first", "https://site/p/1?ref=ads"),
		record("other", "https://site/p/2"),
		record("second", "https://site/p/1?ref=mail"),
	}

	out := Dedupe(raw)

	require.Len(t, out, 2)
	assert.Equal(t, "https://site/p/1", out[0].CanonicalURL)
	assert.Equal(t, "second", out[0].Name)
	assert.Equal(t, "https://site/p/1?ref=mail", out[0].FullURL)
	assert.Equal(t, "other", out[1].Name)
}

func TestDedupeUniqueness(t *testing.T) {
	var raw []models.ProductRecord
	for i := 0; i < 50; i++ {
		raw = append(raw, record("item", "https://site/p/"+string(rune('a'+i%7))+"?i="+string(rune('0'+i%10))))
	}

	out := Dedupe(raw)

	seen := map[string]bool{}
	for _, r := range out {
		assert.False(t, seen[r.CanonicalURL], "duplicate %s", r.CanonicalURL)
		seen[r.CanonicalURL] = true
	}
	assert.Len(t, out, 7)
	assert.LessOrEqual(t, len(out), len(raw))
}

func TestDedupeEmpty(t *testing.T) {
	assert.Empty(t, Dedupe(nil))
}

func TestNewSnapshot(t *testing.T) {
	date := time.Date(2024, 5, 17, 0, 0, 0, 0, time.UTC)
	s := New(date, []models.ProductRecord{record("a", "https://site/p/1"), record("b", "https://site/p/1?x=1")})

	assert.Equal(t, 1, s.Len())
	assert.Equal(t, "2024-05-17-products.csv", s.FileName())
}

func TestSchemaFor(t *testing.T) {
	tests := []struct {
		columns  int
		expected Schema
		wantErr  bool
	}{
		{3, SchemaLegacy, false},
		{4, SchemaV4, false},
		{5, SchemaV5, false},
		{2, 0, true},
		{6, 0, true},
		{0, 0, true},
	}

	for _, tt := range tests {
		t.Run(Schema(tt.columns).String(), func(t *testing.T) {
			got, err := SchemaFor(tt.columns)
			if tt.wantErr {
				var schemaErr *SchemaError
				require.ErrorAs(t, err, &schemaErr)
				assert.Equal(t, tt.columns, schemaErr.Columns)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestNormalizeLegacyRow(t *testing.T) {
	set := Normalize([]Row{LegacyRow{Name: "Shirt", URL: "https://site/p/1?ref=ads"}})
	assert.Equal(t, []string{"https://site/p/1"}, set.Sorted())
}

func TestNormalizeCurrentRow(t *testing.T) {
	set := Normalize([]Row{V5Row{
		Name:         "Shirt",
		URL:          "https://site/p/1?ref=ads",
		ImageURL:     "img.png",
		CanonicalURL: "https://site/p/1",
		Price:        "$9.99",
	}})
	assert.Equal(t, []string{"https://site/p/1"}, set.Sorted())
}

func TestNormalizeUsesCanonicalColumnVerbatim(t *testing.T) {
	set := Normalize([]Row{V4Row{URL: "https://site/p/1?ref=ads", CanonicalURL: "https://site/p/one"}})
	assert.True(t, set.Contains("https://site/p/one"))
	assert.False(t, set.Contains("https://site/p/1"))
}

func TestNormalizeIsIdempotent(t *testing.T) {
	first := Normalize([]Row{LegacyRow{URL: "https://site/p/1?ref=ads"}})
	second := Normalize([]Row{LegacyRow{URL: first.Sorted()[0]}})
	assert.Equal(t, first, second)
}

func TestDecodeLegacyFile(t *testing.T) {
	in := "Product Name,URL,Image URL\n" +
		"Shirt,https://site/p/1?ref=ads,https://cdn/1.jpg\n" +
		"Jeans,https://site/p/2\n" +
		"orphan\n"

	d, err := Decode(strings.NewReader(in))
	require.NoError(t, err)

	assert.Equal(t, SchemaLegacy, d.Schema)
	assert.Len(t, d.Rows, 2)
	assert.Equal(t, 1, d.Skipped)
	assert.Equal(t, []string{"https://site/p/1", "https://site/p/2"}, Normalize(d.Rows).Sorted())
}

func TestDecodeV4File(t *testing.T) {
	in := "Product Name,URL,Image URL,Base URL\n" +
		"Shirt,https://site/p/1?ref=ads,https://cdn/1.jpg,https://site/p/1\n" +
		"Short,https://site/p/2,img\n"

	d, err := Decode(strings.NewReader(in))
	require.NoError(t, err)

	assert.Equal(t, SchemaV4, d.Schema)
	require.Len(t, d.Rows, 1)
	assert.Equal(t, 1, d.Skipped)
	assert.IsType(t, V4Row{}, d.Rows[0])
}

func TestDecodeRejectsUnknownSchema(t *testing.T) {
	_, err := Decode(strings.NewReader("a,b,c,d,e,f\n1,2,3,4,5,6\n"))

	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, 6, schemaErr.Columns)
}

func TestDecodeEmptyFile(t *testing.T) {
	d, err := Decode(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, d.Rows)
}

func TestEncodeDecodeCurrentFormat(t *testing.T) {
	records := []models.ProductRecord{
		models.NewProductRecord("Linen, Shirt", "https://site/p/1?ref=ads", "https://cdn/1.jpg", "SAR 59.00"),
		models.NewProductRecord("Cap", "https://site/p/2", "", ""),
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, records))

	firstLine, _, _ := strings.Cut(buf.String(), "\n")
	assert.Equal(t, "Product Name,URL,Image URL,Base URL,Price", firstLine)

	d, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, SchemaV5, d.Schema)
	assert.Equal(t, records, d.Records())
}

func TestSelectPrevious(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 5, d, 6, 0, 0, 0, time.UTC) }
	today := "2024-05-17-products.csv"

	t.Run("newest other snapshot wins", func(t *testing.T) {
		artifacts := []Artifact{
			{ID: "a", Name: "2024-05-15-products.csv", CreatedTime: day(15)},
			{ID: "b", Name: today, CreatedTime: day(17)},
			{ID: "c", Name: "2024-05-16-NEWLY-ADDED.html", CreatedTime: day(16)},
			{ID: "d", Name: "2024-05-16-products.csv", CreatedTime: day(16)},
		}

		got, ok := SelectPrevious(artifacts, today)
		require.True(t, ok)
		assert.Equal(t, "d", got.ID)
	})

	t.Run("ties keep store order", func(t *testing.T) {
		artifacts := []Artifact{
			{ID: "first", Name: "x-products.csv", CreatedTime: day(10)},
			{ID: "second", Name: "y-products.csv", CreatedTime: day(10)},
		}

		got, ok := SelectPrevious(artifacts, today)
		require.True(t, ok)
		assert.Equal(t, "first", got.ID)
	})

	t.Run("first run has none", func(t *testing.T) {
		_, ok := SelectPrevious([]Artifact{{ID: "b", Name: today, CreatedTime: day(17)}}, today)
		assert.False(t, ok)

		_, ok = SelectPrevious(nil, today)
		assert.False(t, ok)
	})

	t.Run("input is not reordered", func(t *testing.T) {
		artifacts := []Artifact{
			{ID: "old", Name: "2024-05-01-products.csv", CreatedTime: day(1)},
			{ID: "new", Name: "2024-05-02-products.csv", CreatedTime: day(2)},
		}

		_, _ = SelectPrevious(artifacts, today)
		assert.Equal(t, "old", artifacts[0].ID)
	})
}
