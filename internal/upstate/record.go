package upstate

import (
	"errors"
	"maps"
	"time"

	"golang.org/x/exp/slices"
)

var ErrRecordNotExists = errors.New("upload record does not exist")

// Record represents one file being uploaded by a client.
type Record struct {
	// ID is the opaque upload id, it is also the backing file name (plus extension)
	ID string `json:"id"`

	// OriginalName is the file name declared by the client
	OriginalName string `json:"originalName"`

	// Size is the declared total size of the file in bytes
	Size int64 `json:"size"`

	// Path is the absolute path of the backing file
	Path string `json:"path"`

	// ValidatedBytes is the offset up to which the backing file content is
	// proven correct by a checksum. It never decreases and never exceeds Size.
	ValidatedBytes int64 `json:"validatedBytes"`

	// RateKBps is the per upload rate override, nil means no override
	RateKBps *int64 `json:"rateKBps,omitempty"`

	// Paused is set between a pause and the next resume of the upload
	Paused bool `json:"paused,omitempty"`

	// FirstChunkChecksum caches the checksum of the first bytes of the file
	FirstChunkChecksum string `json:"firstChunkChecksum,omitempty"`

	// CreatedAt is the time the upload was prepared
	CreatedAt time.Time `json:"createdAt"`
}

// Completed reports whether every declared byte has been validated.
func (r Record) Completed() bool {
	return r.ValidatedBytes >= r.Size
}

// State is the persisted state of one client: all of its uploads.
type State struct {
	ClientID string            `json:"clientID"`
	Records  map[string]Record `json:"records"`
}

// NewState returns an empty state for clientID.
func NewState(clientID string) State {
	return State{ClientID: clientID, Records: make(map[string]Record)}
}

// Get returns the record of the upload id.
func (s State) Get(id string) (rec Record, err error) {
	var ok bool
	if rec, ok = s.Records[id]; !ok {
		err = ErrRecordNotExists
	}
	return
}

// Put inserts or replaces a record.
func (s *State) Put(rec Record) {
	if s.Records == nil {
		s.Records = make(map[string]Record)
	}
	s.Records[rec.ID] = rec
}

// Delete removes the record of the upload id.
func (s *State) Delete(id string) {
	delete(s.Records, id)
}

// Clone returns a deep copy that can be handed to a store.
func (s State) Clone() State {
	out := State{ClientID: s.ClientID, Records: maps.Clone(s.Records)}
	if out.Records == nil {
		out.Records = make(map[string]Record)
	}
	for id, rec := range out.Records {
		if rec.RateKBps != nil {
			rate := *rec.RateKBps
			rec.RateKBps = &rate
			out.Records[id] = rec
		}
	}
	return out
}

// Pending returns the records not completed yet, oldest first.
func (s State) Pending() (records []Record) {
	for _, rec := range s.Records {
		if !rec.Completed() {
			records = append(records, rec)
		}
	}
	slices.SortFunc(records, func(a, b Record) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return
}
