package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"transcription-service/internal/storage"
	"transcription-service/internal/upload"
)

type presignRequest struct {
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

func (s *Server) handlePresign(w http.ResponseWriter, r *http.Request) {
	var req presignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Filename == "" {
		writeError(w, http.StatusBadRequest, "filename is required")
		return
	}
	if req.Size <= 0 {
		// Size unknown: hand out a single PUT URL.
		req.Size = 1
	}

	result, err := s.uploads.Init(r.Context(), req.Filename, req.Size, req.ContentType)
	if err != nil {
		s.log.Error("presign", "err", err)
		writeError(w, http.StatusInternalServerError, "presign failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type multipartInitRequest struct {
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

func (s *Server) handleMultipartInit(w http.ResponseWriter, r *http.Request) {
	var req multipartInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Filename == "" {
		writeError(w, http.StatusBadRequest, "filename is required")
		return
	}
	if req.Size <= 0 {
		writeError(w, http.StatusBadRequest, "size is required")
		return
	}

	result, err := s.uploads.Init(r.Context(), req.Filename, req.Size, req.ContentType)
	if err != nil {
		s.log.Error("multipart init", "err", err)
		writeError(w, http.StatusInternalServerError, "multipart init failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type multipartPartRequest struct {
	UploadID   string `json:"upload_id"`
	PartNumber int32  `json:"part_number"`
}

type progressResponse struct {
	UploadID string `json:"upload_id"`
	Progress int    `json:"progress"`
}

func (s *Server) handleMultipartPart(w http.ResponseWriter, r *http.Request) {
	var req multipartPartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.UploadID == "" || req.PartNumber < 1 {
		writeError(w, http.StatusBadRequest, "upload_id and part_number are required")
		return
	}

	pct, err := s.uploads.RecordPart(req.UploadID, req.PartNumber)
	if err != nil {
		if errors.Is(err, upload.ErrUnknownUpload) {
			writeError(w, http.StatusNotFound, "unknown upload")
			return
		}
		s.log.Error("record part", "upload", req.UploadID, "err", err)
		writeError(w, http.StatusInternalServerError, "record part failed")
		return
	}
	writeJSON(w, http.StatusOK, progressResponse{UploadID: req.UploadID, Progress: pct})
}

func (s *Server) handleMultipartProgress(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")
	pct, err := s.uploads.UploadProgress(uploadID)
	if err != nil {
		if errors.Is(err, upload.ErrUnknownUpload) {
			writeError(w, http.StatusNotFound, "unknown upload")
			return
		}
		s.log.Error("upload progress", "upload", uploadID, "err", err)
		writeError(w, http.StatusInternalServerError, "progress lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, progressResponse{UploadID: uploadID, Progress: pct})
}

type multipartCompleteRequest struct {
	Key           string `json:"key"`
	UploadID      string `json:"upload_id"`
	ExpectedParts int    `json:"expected_parts,omitempty"`
	Parts         []struct {
		PartNumber int32  `json:"part_number"`
		ETag       string `json:"etag"`
	} `json:"parts"`
}

func (s *Server) handleMultipartComplete(w http.ResponseWriter, r *http.Request) {
	var req multipartCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Key == "" || req.UploadID == "" {
		writeError(w, http.StatusBadRequest, "key and upload_id are required")
		return
	}

	parts := make([]storage.CompletedPart, 0, len(req.Parts))
	for _, p := range req.Parts {
		parts = append(parts, storage.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	if err := s.uploads.Complete(r.Context(), req.Key, req.UploadID, parts, req.ExpectedParts); err != nil {
		if isManifestError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("multipart complete", "key", req.Key, "err", err)
		writeError(w, http.StatusInternalServerError, "multipart complete failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "key": req.Key})
}

func isManifestError(err error) bool {
	return errors.Is(err, upload.ErrEmptyManifest) ||
		errors.Is(err, upload.ErrManifestOrder) ||
		errors.Is(err, upload.ErrManifestGap) ||
		errors.Is(err, upload.ErrManifestMismatch)
}
