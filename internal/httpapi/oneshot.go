package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/ent0n29/talkback/internal/llm"
	"github.com/ent0n29/talkback/internal/oneshot"
	"github.com/ent0n29/talkback/internal/pipeline"
)

const maxUploadBytes = 25 << 20

type textRequest struct {
	Prompt  string `json:"prompt"`
	Backend string `json:"backend"`
	// LLM is accepted as an alias of Backend ("openai" or "gemini").
	LLM         string `json:"llm"`
	ReturnAudio bool   `json:"return_audio"`
}

type oneshotResponse struct {
	Transcript  string         `json:"transcript,omitempty"`
	Response    string         `json:"response"`
	Timing      oneshot.Timing `json:"timing"`
	AudioBase64 string         `json:"audio_base64,omitempty"`
	AudioFormat string         `json:"audio_format,omitempty"`
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	if s.oneshot == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "request/response API is not configured")
		return
	}
	var req textRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	backend, err := llm.ParseBackend(firstNonEmpty(req.Backend, req.LLM))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_backend", err.Error())
		return
	}

	res, err := s.oneshot.Text(r.Context(), req.Prompt, backend)
	if err != nil {
		log.Printf("[text] backend=%s error: %v", backend, err)
		respondOneshotError(w, err)
		return
	}
	log.Printf("[text] backend=%s total=%.2fs", backend, res.Timing.Total)
	respondJSON(w, http.StatusOK, toOneshotResponse(res, req.ReturnAudio))
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	if s.oneshot == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "request/response API is not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_upload", err.Error())
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing_audio", "multipart field audio is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_upload", err.Error())
		return
	}

	backend, err := llm.ParseBackend(firstNonEmpty(r.FormValue("backend"), r.FormValue("llm")))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_backend", err.Error())
		return
	}
	returnAudio, _ := strconv.ParseBool(r.FormValue("return_audio"))

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	res, err := s.oneshot.Audio(r.Context(), data, contentType, backend)
	if err != nil {
		log.Printf("[audio] backend=%s bytes=%d error: %v", backend, len(data), err)
		respondOneshotError(w, err)
		return
	}
	log.Printf("[audio] backend=%s bytes=%d total=%.2fs", backend, len(data), res.Timing.Total)
	respondJSON(w, http.StatusOK, toOneshotResponse(res, returnAudio))
}

func toOneshotResponse(res oneshot.Result, withAudio bool) oneshotResponse {
	out := oneshotResponse{
		Transcript: res.Transcript,
		Response:   res.Response,
		Timing:     res.Timing,
	}
	if withAudio && len(res.Audio) > 0 {
		out.AudioBase64 = base64.StdEncoding.EncodeToString(res.Audio)
		out.AudioFormat = "wav"
	}
	return out
}

// respondOneshotError maps input problems to 400 and backend failures to 5xx.
func respondOneshotError(w http.ResponseWriter, err error) {
	var pe *pipeline.Error
	switch {
	case errors.Is(err, llm.ErrEmptyPrompt), errors.Is(err, oneshot.ErrEmptyAudio):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	case errors.As(err, &pe):
		respondError(w, http.StatusBadGateway, string(pe.Kind)+"_failed", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
