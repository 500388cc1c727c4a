package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/namehu/PixiShelf-sub001/internal/media"
)

// GetImage serves a media file by the relative path stored for it.
// http.ServeContent answers conditional and range requests.
func (s *Server) GetImage(w http.ResponseWriter, r *http.Request) {
	path, err := s.library.Resolve(chi.URLParam(r, "*"))
	if err != nil {
		if errors.Is(err, media.ErrOutsideRoot) {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid image path", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "failed to resolve image", nil)
		return
	}

	file, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "image not found", nil)
		return
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "not_found", "image not found", nil)
		return
	}

	w.Header().Set("ETag", fmt.Sprintf("\"%x-%x\"", info.ModTime().UnixNano(), info.Size()))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	http.ServeContent(w, r, info.Name(), info.ModTime(), file)
}
