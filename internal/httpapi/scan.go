package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oapi-codegen/runtime"

	"github.com/namehu/PixiShelf-sub001/internal/ingest"
	"github.com/namehu/PixiShelf-sub001/internal/scanstatus"
	"github.com/namehu/PixiShelf-sub001/internal/store"
)

type scanOutcome struct {
	res *ingest.Result
	err error
}

// PostScan runs a scan of the library root and streams its progress as
// server-sent events. Closing the connection cancels the scan.
func (s *Server) PostScan(w http.ResponseWriter, r *http.Request) {
	var force bool
	if err := runtime.BindQueryParameter("form", true, false, "force", r.URL.Query(), &force); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid force parameter", map[string]any{"error": err.Error()})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported", nil)
		return
	}

	events := make(chan ingest.Event)
	done := make(chan scanOutcome, 1)
	go func() {
		res, err := s.scanner.Scan(r.Context(), ingest.Request{Root: s.library.Root(), Force: force}, events)
		close(events)
		done <- scanOutcome{res: res, err: err}
	}()

	started := false
	for ev := range events {
		if !started {
			h := w.Header()
			h.Set("Content-Type", "text/event-stream")
			h.Set("Cache-Control", "no-cache")
			h.Set("Connection", "keep-alive")
			h.Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		s.publish(ev)
		// keep draining after the client is gone so the scan can finish
		if err := writeEvent(w, ev); err == nil {
			flusher.Flush()
		}
	}

	out := <-done
	if started {
		return
	}
	switch {
	case errors.Is(out.err, ingest.ErrScanInProgress):
		writeError(w, http.StatusConflict, "scan_in_progress", "a scan is already running", nil)
	case out.err != nil:
		writeError(w, http.StatusInternalServerError, "scan_failed", out.err.Error(), nil)
	default:
		writeJSON(w, http.StatusOK, out.res)
	}
}

func writeEvent(w io.Writer, ev ingest.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	name := "progress"
	if ev.Terminal() {
		name = string(ev.Phase)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

// publish fans an event out to websocket subscribers and the status store.
func (s *Server) publish(ev ingest.Event) {
	s.hub.BroadcastJSON(ev)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.status.Record(ctx, ev); err != nil {
		s.logger.Warn("scan status not recorded", "scan_id", ev.ScanID, "error", err)
	}
}

func (s *Server) CancelScan(w http.ResponseWriter, _ *http.Request) {
	if !s.scanner.Cancel() {
		writeError(w, http.StatusConflict, "no_scan", "no scan is running", nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"cancelled": true})
}

type scanStatus struct {
	Running     bool          `json:"running"`
	Subscribers int           `json:"subscribers"`
	Latest      *ingest.Event `json:"latest,omitempty"`
	Counts      *store.Counts `json:"counts,omitempty"`
}

func (s *Server) GetScanStatus(w http.ResponseWriter, r *http.Request) {
	resp := scanStatus{Running: s.scanner.Running(), Subscribers: s.hub.Count()}
	ev, err := s.status.Latest(r.Context())
	switch {
	case err == nil:
		resp.Latest = &ev
	case !errors.Is(err, scanstatus.ErrNoScan):
		s.logger.Warn("scan status unavailable", "error", err)
	}
	counts, err := s.store.Counts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to count rows", map[string]any{"error": err.Error()})
		return
	}
	resp.Counts = &counts
	writeJSON(w, http.StatusOK, resp)
}
