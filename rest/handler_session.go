package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	api "github.com/docrelay/docrelay/api/v1"
	"github.com/docrelay/docrelay/logger"
	"github.com/docrelay/docrelay/model"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type recipientResponse struct {
	Id         string              `json:"id"`
	OrderIndex int                 `json:"orderIndex"`
	Type       model.RecipientType `json:"type"`
	Name       string              `json:"name,omitempty"`
	Status     string              `json:"status"`
	AccessUrl  string              `json:"accessUrl"`
}

type sessionResponse struct {
	Id          string              `json:"id"`
	DocumentRef string              `json:"documentRef"`
	Status      string              `json:"status"`
	ExpiresAt   string              `json:"expiresAt"`
	Recipients  []recipientResponse `json:"recipients"`
}

func (s *Server) sessionResponse(session *model.WorkflowSession) sessionResponse {
	resp := sessionResponse{
		Id:          session.Id,
		DocumentRef: session.DocumentRef,
		Status:      string(session.Status),
		ExpiresAt:   session.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	for i := range session.Recipients {
		r := &session.Recipients[i]
		resp.Recipients = append(resp.Recipients, recipientResponse{
			Id:         r.Id,
			OrderIndex: r.OrderIndex,
			Type:       r.Type,
			Name:       r.Name,
			Status:     string(r.Status),
			AccessUrl:  fmt.Sprintf("%s/%s", s.baseUrl, r.AccessToken),
		})
	}
	return resp
}

func (s *Server) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req model.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	defer r.Body.Close()
	session, err := s.engine.Create(r.Context(), req)
	if err != nil {
		logger.Error("error creating session", zap.Error(err))
		respondEngineError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, s.sessionResponse(session))
}

func (s *Server) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sessionId, ok := vars["id"]
	if !ok {
		respondWithError(w, http.StatusBadRequest, "session id missing")
		return
	}
	session, err := s.engine.GetSession(r.Context(), sessionId)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, s.sessionResponse(session))
}

func (s *Server) HandleCancelSession(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sessionId, ok := vars["id"]
	if !ok {
		respondWithError(w, http.StatusBadRequest, "session id missing")
		return
	}
	if err := s.engine.Cancel(r.Context(), sessionId); err != nil {
		logger.Error("error cancelling session", zap.String("sessionId", sessionId), zap.Error(err))
		respondEngineError(w, err)
		return
	}
	respondOKWithoutBody(w)
}

// respondEngineError maps the engine error taxonomy onto HTTP statuses. An
// expired session is 410, never 404, so clients can tell a dead link from a
// wrong one.
func respondEngineError(w http.ResponseWriter, err error) {
	var validation api.ValidationError
	var notFound api.NotFoundError
	var expired api.ExpiredError
	var conflict api.ConflictError
	switch {
	case errors.As(err, &validation):
		respondWithError(w, http.StatusBadRequest, validation.Message)
	case errors.As(err, &notFound):
		respondWithError(w, http.StatusNotFound, notFound.Error())
	case errors.As(err, &expired):
		respondWithError(w, http.StatusGone, expired.Error())
	case errors.As(err, &conflict):
		respondWithError(w, http.StatusConflict, conflict.Message)
	default:
		respondWithError(w, http.StatusInternalServerError, "internal error")
	}
}
