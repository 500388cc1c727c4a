package ingest

import (
	"errors"
	"time"
)

var (
	ErrScanInProgress = errors.New("a scan is already running")
	ErrDiscovery      = errors.New("scan root unavailable")
)

type State string

const (
	StateIdle        State = "idle"
	StateDiscovering State = "discovering"
	StateResolving   State = "resolving"
	StateProcessing  State = "processing"
	StateCleanup     State = "cleanup"
	StateComplete    State = "complete"
	StateCancelled   State = "cancelled"
	StateFailed      State = "failed"
)

type ErrorKind string

const (
	ErrorParse               ErrorKind = "parse"
	ErrorAssociation         ErrorKind = "association"
	ErrorDuplicateIdentifier ErrorKind = "duplicate_identifier"
	ErrorBatchWrite          ErrorKind = "batch_write"
	ErrorDiscovery           ErrorKind = "discovery"
	ErrorCleanup             ErrorKind = "cleanup"
)

// ScanError is one problem absorbed during a scan.
type ScanError struct {
	Kind       ErrorKind `json:"kind"`
	Path       string    `json:"path,omitempty"`
	ExternalID string    `json:"externalId,omitempty"`
	Message    string    `json:"message"`
}

// Result is the audit record of one scan.
type Result struct {
	ScanID          string        `json:"scanId"`
	Root            string        `json:"root"`
	Force           bool          `json:"force"`
	State           State         `json:"state"`
	TotalArtworks   int           `json:"totalArtworks"`
	SkippedArtworks int           `json:"skippedArtworks"`
	NewArtists      int           `json:"newArtists"`
	UpdatedArtists  int           `json:"updatedArtists"`
	NewArtworks     int           `json:"newArtworks"`
	NewImages       int           `json:"newImages"`
	NewTags         int           `json:"newTags"`
	NewRelations    int           `json:"newRelations"`
	RemovedArtists  int           `json:"removedArtists"`
	RemovedArtworks int           `json:"removedArtworks"`
	RemovedImages   int           `json:"removedImages"`
	RemovedTags     int           `json:"removedTags"`
	Batches         int           `json:"batches"`
	Errors          []ScanError   `json:"errors"`
	StartedAt       time.Time     `json:"startedAt"`
	Elapsed         time.Duration `json:"elapsed"`
}

// CountErrors returns how many errors of kind the scan recorded.
func (r *Result) CountErrors(kind ErrorKind) int {
	n := 0
	for _, e := range r.Errors {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (r *Result) addBatch(b BatchResult) {
	if b.Empty() {
		return
	}
	r.Batches++
	r.NewArtists += b.Artists.Created
	r.UpdatedArtists += b.Artists.Updated
	r.NewArtworks += b.Artworks.Created
	r.SkippedArtworks += b.Artworks.Duplicates
	r.NewTags += b.Tags.Created
	r.NewImages += b.Images.Created
	r.NewRelations += b.Relations.Created
	for _, re := range b.Errors {
		r.Errors = append(r.Errors, ScanError{
			Kind:       ErrorBatchWrite,
			ExternalID: re.Row.ExternalID(),
			Message:    string(re.Kind) + ": " + re.Message,
		})
	}
}
