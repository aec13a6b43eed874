package static

import (
	"errors"
	"html/template"
	"io/fs"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/spf13/afero"
)

type listingEntry struct {
	Name    string
	Href    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

type listingPage struct {
	Path    string
	Parent  bool
	Entries []listingEntry
}

var listingTemplate = template.Must(template.New("listing").Funcs(template.FuncMap{
	"stamp": func(t time.Time) string { return t.UTC().Format("2006-01-02 15:04") },
}).Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Index of {{.Path}}</title></head>
<body>
<h1>Index of {{.Path}}</h1>
<table>
<tr><th>Name</th><th>Last modified</th><th>Size</th></tr>
{{- if .Parent}}
<tr><td><a href="../">../</a></td><td></td><td>-</td></tr>
{{- end}}
{{- range .Entries}}
<tr><td><a href="{{.Href}}">{{.Name}}{{if .IsDir}}/{{end}}</a></td><td>{{stamp .ModTime}}</td><td>{{if .IsDir}}-{{else}}{{.Size}}{{end}}</td></tr>
{{- end}}
</table>
</body>
</html>
`))

// serveListing renders an index of dir. Listings read the directory
// directly; only file contents go through the cache.
func (h *Handler) serveListing(req *request, dir string) error {
	infos, err := afero.ReadDir(h.fs, dir)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return h.writeError(req, fiber.StatusNotFound, err)
		case errors.Is(err, fs.ErrPermission):
			return h.writeError(req, fiber.StatusForbidden, err)
		default:
			return h.writeError(req, fiber.StatusInternalServerError, err)
		}
	}

	page := listingPage{Path: req.urlPath, Parent: req.urlPath != "/"}
	for _, info := range infos {
		name := info.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		href := (&url.URL{Path: name}).EscapedPath()
		if info.IsDir() {
			href += "/"
		}
		page.Entries = append(page.Entries, listingEntry{
			Name:    name,
			Href:    "./" + href,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			IsDir:   info.IsDir(),
		})
	}
	sort.Slice(page.Entries, func(i, j int) bool {
		a, b := page.Entries[i], page.Entries[j]
		if a.IsDir != b.IsDir {
			return a.IsDir
		}
		return a.Name < b.Name
	})

	c := req.c
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	c.Status(fiber.StatusOK)
	if err := listingTemplate.Execute(c.Response().BodyWriter(), page); err != nil {
		c.Response().ResetBody()
		return h.writeError(req, fiber.StatusInternalServerError, err)
	}
	h.logResult(req, fiber.StatusOK, "listing", nil)
	return nil
}
