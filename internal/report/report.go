package report

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/maltedev/catalog-monitor/internal/models"
)

type Report struct {
	Date  time.Time
	Items []models.ProductRecord
}

// itemView is the template projection of a ProductRecord.
type itemView struct {
	Name     string
	URL      string
	ImageURL string
	Price    string
	HasImage bool
}

var pageTmpl = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en"><head><meta charset="UTF-8"><meta name="viewport" content="width=device-width,initial-scale=1">
<title>Newly Added Products {{.Date}}</title>
<style>
body{font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Roboto,Helvetica,Arial,sans-serif;margin:0;background:#f4f4f4}
.container{max-width:1400px;margin:20px auto;padding:20px}
h1{color:#333}
.grid{display:grid;grid-template-columns:repeat(auto-fill,minmax(200px,1fr));gap:20px}
.card{background:#fff;border:1px solid #ddd;border-radius:8px;overflow:hidden;text-decoration:none;color:#333;display:flex;flex-direction:column;justify-content:space-between;box-shadow:0 2px 4px rgba(0,0,0,.05);transition:transform .2s ease,box-shadow .2s ease}
.card:hover{transform:translateY(-5px);box-shadow:0 5px 15px rgba(0,0,0,.1)}
.card img{width:100%;height:auto;aspect-ratio:1/1;object-fit:cover}
.noimg{aspect-ratio:1/1;background:#eee}
.name{font-size:.9rem;font-weight:600;padding:10px 12px 5px;overflow:hidden;display:-webkit-box;-webkit-line-clamp:3;-webkit-box-orient:vertical}
.price{font-size:1rem;font-weight:700;color:#e74c3c;padding:5px 12px 10px}
.empty{color:#999;font-style:italic}
</style></head><body>
<div class="container">
<h1>Newly Added Products</h1>
<p>{{.Date}}: found <strong>{{.Count}}</strong> new items.</p>
{{- if eq .Count 0}}
<p class="empty">Nothing new since the previous snapshot.</p>
{{- end}}
<div class="grid">
{{- range .Items}}
<a href="{{.URL}}" class="card" target="_blank" rel="noopener">
{{- if .HasImage}}<img src="{{.ImageURL}}" alt="{{.Name}}" loading="lazy">{{else}}<div class="noimg"></div>{{end}}
<div class="name">{{.Name}}</div>
<div class="price">{{.Price}}</div>
</a>
{{- end}}
</div>
</div>
</body></html>`))

// Render writes a self-contained HTML page listing the report's items.
func Render(w io.Writer, r Report) error {
	views := make([]itemView, len(r.Items))
	for i, it := range r.Items {
		views[i] = itemView{
			Name:     it.Name,
			URL:      it.FullURL,
			ImageURL: it.ImageURL,
			Price:    it.Price,
			HasImage: it.ImageURL != "" && it.ImageURL != models.Placeholder,
		}
	}

	err := pageTmpl.Execute(w, struct {
		Date  string
		Count int
		Items []itemView
	}{
		Date:  r.Date.Format("2006-01-02"),
		Count: len(views),
		Items: views,
	})
	if err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}
	return nil
}

// WriteFile renders r into path, creating parent directories.
func WriteFile(path string, r Report) error {
	var buf bytes.Buffer
	if err := Render(&buf, r); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
