package rest

import (
	"encoding/json"
	"net/http"

	"github.com/docrelay/docrelay/logger"
	"github.com/docrelay/docrelay/model"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func (s *Server) HandleResolve(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	accessToken, ok := vars["token"]
	if !ok {
		respondWithError(w, http.StatusBadRequest, "token missing")
		return
	}
	view, err := s.engine.Resolve(r.Context(), accessToken)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

func (s *Server) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	accessToken, ok := vars["token"]
	if !ok {
		respondWithError(w, http.StatusBadRequest, "token missing")
		return
	}
	var req model.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	defer r.Body.Close()
	view, err := s.engine.Submit(r.Context(), accessToken, req.FormData)
	if err != nil {
		logger.Error("error submitting form", zap.Error(err))
		respondEngineError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}
