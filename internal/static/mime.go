package static

import (
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/h2non/filetype"
)

// sniffLen is how many leading bytes content sniffing looks at.
const sniffLen = 512

const defaultContentType = "application/octet-stream"

// textTypes override the platform mime table for formats where it is often
// missing or wrong.
var textTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "text/javascript; charset=utf-8",
	".mjs":  "text/javascript; charset=utf-8",
	".json": "application/json",
	".txt":  "text/plain; charset=utf-8",
	".md":   "text/markdown; charset=utf-8",
	".svg":  "image/svg+xml",
	".wasm": "application/wasm",
}

// ContentType picks a Content-Type for name: extension first, then magic
// numbers in head, then text/plain when head is valid UTF-8.
func ContentType(name string, head []byte) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ct, ok := textTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ext != "" && ct != "" {
		return ct
	}
	return sniff(head)
}

func sniff(head []byte) string {
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	if len(head) == 0 {
		return defaultContentType
	}
	if kind, _ := filetype.Match(head); kind != filetype.Unknown {
		return kind.MIME.Value
	}
	if looksLikeText(head) {
		return "text/plain; charset=utf-8"
	}
	return defaultContentType
}

func looksLikeText(head []byte) bool {
	// A multi-byte rune may be cut at the sniff boundary.
	for i := 0; i < utf8.UTFMax && len(head) > 0 && !utf8.Valid(head); i++ {
		head = head[:len(head)-1]
	}
	if len(head) == 0 || !utf8.Valid(head) {
		return false
	}
	for _, b := range head {
		if b < 0x20 && b != '\n' && b != '\r' && b != '\t' && b != '\f' {
			return false
		}
	}
	return true
}
