package static

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/arf20/arfhttpd/internal/cache"
	"github.com/arf20/arfhttpd/internal/logging"
	"github.com/arf20/arfhttpd/internal/server"
)

// CacheHeader reports whether the body came from memory ("hit") or disk ("miss").
const CacheHeader = "X-Arfhttpd-Cache"

// FileStore is the part of the cache the handler needs.
type FileStore interface {
	cache.Store
	Describe(h cache.Handle) (cache.StreamInfo, error)
}

// Options configures a Handler.
type Options struct {
	Store  FileStore
	Logger *logrus.Logger
	// FS backs directory listings; defaults to the OS filesystem.
	FS afero.Fs
}

// Handler serves files and directories of a site through the cached store.
type Handler struct {
	store  FileStore
	fs     afero.Fs
	logger *logrus.Logger
}

var _ server.FileHandler = (*Handler)(nil)

// NewHandler 构建静态文件处理器。
func NewHandler(opts Options) (*Handler, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.FS == nil {
		opts.FS = afero.NewOsFs()
	}
	return &Handler{store: opts.Store, fs: opts.FS, logger: opts.Logger}, nil
}

// request carries per-request state through the serve helpers.
type request struct {
	c       fiber.Ctx
	ctx     context.Context
	route   *server.SiteRoute
	urlPath string
	started time.Time
}

// Handle implements server.FileHandler.
func (h *Handler) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	req := &request{c: c, route: route, started: time.Now()}
	req.ctx = c.Context()
	if req.ctx == nil {
		req.ctx = context.Background()
	}

	method := c.Method()
	if method != http.MethodGet && method != http.MethodHead {
		c.Set(fiber.HeaderAllow, "GET, HEAD")
		return h.writeError(req, fiber.StatusNotImplemented, nil)
	}

	urlPath, err := requestPath(c)
	if err != nil {
		return h.writeError(req, fiber.StatusBadRequest, err)
	}
	req.urlPath = urlPath
	target := resolveTarget(route.Webroot, urlPath)

	meta, err := h.store.Stat(req.ctx, target)
	if err != nil {
		return h.fail(req, err)
	}
	if meta.IsDir {
		return h.serveDirectory(req, target)
	}
	if strings.HasSuffix(urlPath, "/") {
		return h.writeError(req, fiber.StatusNotFound, nil)
	}
	return h.serveFile(req, target, meta)
}

func (h *Handler) serveDirectory(req *request, dir string) error {
	if !strings.HasSuffix(req.urlPath, "/") {
		location := (&url.URL{Path: req.urlPath + "/"}).EscapedPath()
		if query := string(req.c.Request().URI().QueryString()); query != "" {
			location += "?" + query
		}
		req.c.Set(fiber.HeaderLocation, location)
		h.logResult(req, fiber.StatusMovedPermanently, "", nil)
		return req.c.SendStatus(fiber.StatusMovedPermanently)
	}

	for _, name := range req.route.IndexFiles {
		candidate := filepath.Join(dir, name)
		meta, err := h.store.Stat(req.ctx, candidate)
		switch {
		case err == nil && !meta.IsDir:
			return h.serveFile(req, candidate, meta)
		case err == nil, errors.Is(err, cache.ErrNotFound):
			continue
		default:
			return h.fail(req, err)
		}
	}

	if !req.route.DirectoryListing {
		return h.writeError(req, fiber.StatusForbidden, nil)
	}
	return h.serveListing(req, dir)
}

func (h *Handler) serveFile(req *request, target string, meta cache.Metadata) error {
	c := req.c
	handle, err := h.store.Open(req.ctx, target)
	if err != nil {
		return h.fail(req, err)
	}
	info, err := h.store.Describe(handle)
	if err != nil {
		_ = h.store.Close(handle)
		return h.fail(req, err)
	}

	etag := entityTag(meta, info)
	modTime := meta.ModTime.UTC()
	c.Set(fiber.HeaderETag, etag)
	if !modTime.IsZero() {
		c.Set(fiber.HeaderLastModified, modTime.Format(http.TimeFormat))
	}
	c.Set(CacheHeader, cacheLabel(info))

	if notModified(c.Get(fiber.HeaderIfNoneMatch), c.Get(fiber.HeaderIfModifiedSince), etag, modTime) {
		_ = h.store.Close(handle)
		h.logResult(req, fiber.StatusNotModified, info.Mode, nil)
		return c.SendStatus(fiber.StatusNotModified)
	}

	reader := cache.NewReader(h.store, handle)
	if c.Method() == http.MethodHead {
		head, err := readHead(reader)
		_ = reader.Close()
		if err != nil {
			return h.fail(req, err)
		}
		c.Set(fiber.HeaderContentType, ContentType(target, head))
		c.Status(fiber.StatusOK)
		c.Response().Header.SetContentLength(int(meta.Size))
		c.Response().SkipBody = true
		h.logResult(req, fiber.StatusOK, info.Mode, nil)
		return nil
	}

	err = h.copyBody(req, target, reader)
	if err != nil {
		c.Response().ResetBody()
		return h.fail(req, err)
	}
	body := c.Response().Body()
	c.Set(fiber.HeaderContentType, ContentType(target, body[:min(len(body), sniffLen)]))
	c.Status(fiber.StatusOK)
	h.logResult(req, fiber.StatusOK, info.Mode, nil)
	return nil
}

// copyBody buffers the file into the response. A cached stream invalidated
// mid-copy is restarted once from a fresh handle, which reads from disk.
func (h *Handler) copyBody(req *request, target string, reader io.ReadCloser) error {
	_, err := io.Copy(req.c.Response().BodyWriter(), reader)
	_ = reader.Close()
	if !errors.Is(err, cache.ErrInvalidated) {
		return err
	}

	h.logger.WithFields(logging.CacheFields("serve", target, "restarted")).
		WithField("request_id", server.RequestID(req.c)).
		Debug("stream_invalidated")
	req.c.Response().ResetBody()
	handle, err := h.store.Open(req.ctx, target)
	if err != nil {
		return err
	}
	reader = cache.NewReader(h.store, handle)
	defer reader.Close()
	_, err = io.Copy(req.c.Response().BodyWriter(), reader)
	return err
}

func readHead(r io.Reader) ([]byte, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = nil
	}
	return head[:n], err
}

func cacheLabel(info cache.StreamInfo) string {
	if info.Mode == "cached" {
		return "hit"
	}
	return "miss"
}

// requestPath returns the decoded, cleaned URL path, keeping a trailing slash.
func requestPath(c fiber.Ctx) (string, error) {
	raw := string(c.Request().URI().PathOriginal())
	if raw == "" {
		raw = c.Path()
	}
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("decode path: %w", err)
	}
	if strings.IndexByte(decoded, 0) >= 0 {
		return "", errors.New("decode path: NUL byte")
	}
	cleaned := path.Clean("/" + decoded)
	if strings.HasSuffix(decoded, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned, nil
}

// resolveTarget joins a cleaned URL path under webroot. Clean already
// removed any "..", so the result cannot climb above the root lexically.
func resolveTarget(webroot, urlPath string) string {
	return filepath.Join(webroot, filepath.FromSlash(urlPath))
}

func (h *Handler) fail(req *request, err error) error {
	return h.writeError(req, statusFor(err), err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, cache.ErrNotFound), errors.Is(err, cache.ErrIsDirectory):
		return fiber.StatusNotFound
	case errors.Is(err, cache.ErrPermissionDenied):
		return fiber.StatusForbidden
	case errors.Is(err, cache.ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func (h *Handler) writeError(req *request, status int, err error) error {
	h.logResult(req, status, "", err)
	return req.c.Status(status).JSON(fiber.Map{"error": server.ErrorCode(status)})
}

func (h *Handler) logResult(req *request, status int, mode string, err error) {
	fields := logging.RequestFields(
		req.route.Config.Name,
		req.route.Config.Domain,
		req.c.Method(),
		req.urlPath,
		status,
	)
	fields["elapsed_ms"] = time.Since(req.started).Milliseconds()
	if mode != "" {
		fields["cache"] = mode
	}
	if requestID := server.RequestID(req.c); requestID != "" {
		fields["request_id"] = requestID
	}
	entry := h.logger.WithFields(fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	switch {
	case status >= fiber.StatusInternalServerError && err != nil:
		entry.Error("serve_failed")
	case status >= fiber.StatusBadRequest:
		entry.Info("serve_rejected")
	default:
		entry.Info("serve_complete")
	}
}
