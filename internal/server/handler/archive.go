package handler

import (
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/domatrade/internal/domain"
)

// ArchiveHandler lists ledger archives in object storage.
type ArchiveHandler struct {
	reader domain.BlobReader
	prefix string
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler rooted at prefix.
func NewArchiveHandler(reader domain.BlobReader, prefix string, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{reader: reader, prefix: strings.Trim(prefix, "/"), logger: logger}
}

type archiveResponse struct {
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	LastModified string `json:"lastModified"`
	Signed       bool   `json:"signed"`
}

// List GET /api/archives?day=2025/10/01
// Newest first. Signature sidecars are folded into their archive entry.
func (h *ArchiveHandler) List(w http.ResponseWriter, r *http.Request) {
	prefix := h.prefix
	if day := strings.Trim(r.URL.Query().Get("day"), "/"); day != "" {
		prefix += "/" + day
	}
	blobs, err := h.reader.List(r.Context(), prefix)
	if err != nil {
		writeDomainError(w, r, h.logger, "list archives", err)
		return
	}

	sigs := make(map[string]bool)
	for _, b := range blobs {
		if base, ok := strings.CutSuffix(b.Path, ".sig"); ok {
			sigs[base] = true
		}
	}
	out := make([]archiveResponse, 0, len(blobs))
	for _, b := range blobs {
		if strings.HasSuffix(b.Path, ".sig") {
			continue
		}
		out = append(out, archiveResponse{
			Path:         b.Path,
			Size:         b.Size,
			LastModified: b.LastModified.UTC().Format(time.RFC3339),
			Signed:       sigs[b.Path],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path > out[j].Path })
	writeJSON(w, http.StatusOK, map[string]any{"archives": out})
}

// Get streams one archive.
// GET /api/archives/object?path=ledger/2025/10/01/x.json
func (h *ArchiveHandler) Get(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Query().Get("path"), "/")
	if path == "" || !strings.HasPrefix(path, h.prefix+"/") {
		writeError(w, http.StatusBadRequest, "path must name an object under "+h.prefix+"/")
		return
	}
	body, err := h.reader.Get(r.Context(), path)
	if err != nil {
		writeDomainError(w, r, h.logger, "get archive", err)
		return
	}
	defer body.Close()

	contentType := "application/json"
	if strings.HasSuffix(path, ".sig") {
		contentType = "text/plain"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "archive stream interrupted",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}
