package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/derektruong/fxupload"
	"github.com/go-chi/chi/v5"
)

type prepareResponse struct {
	FileID string `json:"fileID"`
}

type rateRequest struct {
	RateKBps int64 `json:"rateKBps"`
}

type verifyRequest struct {
	Checksum string `json:"checksum"`
}

type checksumResponse struct {
	Checksum string `json:"checksum"`
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %w", errMalformedBody, err)
	}
	return nil
}

func (s *Server) prepare(w http.ResponseWriter, r *http.Request, clientID string) (err error) {
	var cmd fxupload.PrepareCommand
	if err = decode(r, &cmd); err != nil {
		return
	}
	var fileID string
	if fileID, err = s.uploader.Prepare(r.Context(), clientID, cmd); err != nil {
		return
	}
	writeJSON(w, http.StatusCreated, prepareResponse{FileID: fileID})
	return
}

func (s *Server) pendingFiles(w http.ResponseWriter, r *http.Request, clientID string) (err error) {
	var config fxupload.Config
	if config, err = s.uploader.PendingFiles(r.Context(), clientID); err != nil {
		return
	}
	writeJSON(w, http.StatusOK, config)
	return
}

func (s *Server) cancelAll(w http.ResponseWriter, r *http.Request, clientID string) (err error) {
	if err = s.uploader.CancelAll(r.Context(), clientID); err != nil {
		return
	}
	w.WriteHeader(http.StatusNoContent)
	return
}

func (s *Server) cancelFile(w http.ResponseWriter, r *http.Request, clientID string) (err error) {
	if err = s.uploader.CancelFile(r.Context(), clientID, chi.URLParam(r, "fileID")); err != nil {
		return
	}
	w.WriteHeader(http.StatusNoContent)
	return
}

func (s *Server) chunk(w http.ResponseWriter, r *http.Request, clientID string) (err error) {
	rc := http.NewResponseController(w)
	if deadlineErr := rc.SetReadDeadline(time.Now().Add(s.requestTimeout)); deadlineErr != nil {
		s.logger.V(1).Info("cannot set chunk read deadline", "errorMessage", deadlineErr.Error())
	}
	if err = s.uploader.Process(r.Context(), clientID, fxupload.ChunkCommand{
		FileID:   chi.URLParam(r, "fileID"),
		Checksum: r.Header.Get(ChecksumHeader),
		Body:     r.Body,
	}); err != nil {
		return
	}
	w.WriteHeader(http.StatusNoContent)
	return
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request, clientID string) (err error) {
	if err = s.uploader.Pause(r.Context(), clientID, chi.URLParam(r, "fileID")); err != nil {
		return
	}
	w.WriteHeader(http.StatusNoContent)
	return
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request, clientID string) (err error) {
	var file fxupload.PendingFile
	if file, err = s.uploader.Resume(r.Context(), clientID, chi.URLParam(r, "fileID")); err != nil {
		return
	}
	writeJSON(w, http.StatusOK, file)
	return
}

func (s *Server) setRate(w http.ResponseWriter, r *http.Request, clientID string) (err error) {
	var req rateRequest
	if err = decode(r, &req); err != nil {
		return
	}
	if err = s.uploader.SetRate(r.Context(), clientID, fxupload.RateCommand{
		FileID:   chi.URLParam(r, "fileID"),
		RateKBps: req.RateKBps,
	}); err != nil {
		return
	}
	w.WriteHeader(http.StatusNoContent)
	return
}

func (s *Server) progress(w http.ResponseWriter, r *http.Request, clientID string) (err error) {
	var progress fxupload.Progress
	if progress, err = s.uploader.Progress(r.Context(), clientID, chi.URLParam(r, "fileID")); err != nil {
		return
	}
	writeJSON(w, http.StatusOK, progress)
	return
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request, clientID string) (err error) {
	var req verifyRequest
	if err = decode(r, &req); err != nil {
		return
	}
	if err = s.uploader.VerifyUncheckedTail(r.Context(), clientID, fxupload.VerifyCommand{
		FileID:   chi.URLParam(r, "fileID"),
		Checksum: req.Checksum,
	}); err != nil {
		return
	}
	w.WriteHeader(http.StatusNoContent)
	return
}

func (s *Server) firstChunkChecksum(w http.ResponseWriter, r *http.Request, clientID string) (err error) {
	var sum string
	if sum, err = s.uploader.FirstChunkChecksum(r.Context(), clientID, chi.URLParam(r, "fileID")); err != nil {
		return
	}
	writeJSON(w, http.StatusOK, checksumResponse{Checksum: sum})
	return
}
