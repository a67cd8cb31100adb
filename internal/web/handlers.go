package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"sportpix-chat/internal/chat"
	"sportpix-chat/internal/session"
)

// Preview requests carry image data URLs.
const maxBodyBytes = 25 << 20

type apiError struct {
	Error string `json:"error"`
}

type messageRequest struct {
	Text string `json:"text"`
}

type actionRequest struct {
	Type       string `json:"type"`
	Affordance string `json:"affordance"`
	Value      string `json:"value"`
	Index      *int   `json:"index"`
	URL        string `json:"url"`
}

type stateResponse struct {
	Applied *bool         `json:"applied,omitempty"`
	Phase   session.Phase `json:"phase"`
	Busy    bool          `json:"busy"`
}

type sessionResponse struct {
	Phase                    session.Phase `json:"phase"`
	Busy                     bool          `json:"busy"`
	LastPrompt               string        `json:"lastPrompt"`
	Images                   int           `json:"images"`
	HasActiveVariation       bool          `json:"hasActiveVariation"`
	PendingVariationFeedback bool          `json:"pendingVariationFeedback"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	// A closed tab must not abort a Gateway call the session is waiting on.
	ctx := context.WithoutCancel(r.Context())
	if err := s.chat.SubmitText(ctx, req.Text); err != nil {
		if errors.Is(err, chat.ErrBusy) {
			writeError(w, http.StatusConflict, "busy")
			return
		}
		s.logger.Error("submit text failed", "err", err, "request_id", RequestIDFrom(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	snap := s.chat.Snapshot()
	writeJSON(w, http.StatusOK, stateResponse{Phase: snap.Phase, Busy: snap.Busy})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	action, err := parseAction(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	applied := s.chat.Dispatch(context.WithoutCancel(r.Context()), action)
	snap := s.chat.Snapshot()
	writeJSON(w, http.StatusOK, stateResponse{Applied: &applied, Phase: snap.Phase, Busy: snap.Busy})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	snap := s.chat.Snapshot()
	writeJSON(w, http.StatusOK, sessionResponse{
		Phase:                    snap.Phase,
		Busy:                     snap.Busy,
		LastPrompt:               snap.LastPrompt,
		Images:                   len(snap.LastImageSet),
		HasActiveVariation:       snap.ActiveVariation != nil,
		PendingVariationFeedback: snap.PendingVariationFeedback,
	})
}

func parseAction(req actionRequest) (chat.Action, error) {
	affordance := strings.TrimSpace(req.Affordance)
	value := strings.TrimSpace(req.Value)

	switch strings.ToLower(strings.TrimSpace(req.Type)) {
	case "style":
		if value == "" {
			return nil, errors.New("style value is required")
		}
		return chat.StyleChosen{Affordance: affordance, Style: value}, nil
	case "satisfaction":
		choice, ok := chat.ParseChoice(value)
		if !ok {
			return nil, fmt.Errorf("unknown choice %q", value)
		}
		return chat.SatisfactionChosen{Affordance: affordance, Choice: choice}, nil
	case "vary":
		if req.Index == nil {
			return nil, errors.New("index is required")
		}
		return chat.VaryRequested{Index: *req.Index}, nil
	case "preview":
		url := strings.TrimSpace(req.URL)
		if url == "" {
			return nil, errors.New("url is required")
		}
		return chat.ImageClicked{URL: url}, nil
	}
	return nil, fmt.Errorf("unknown action type %q", req.Type)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}
