package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bloodconnect/internal/coord"
	"github.com/bloodconnect/internal/middleware"
	"github.com/bloodconnect/internal/model"
	"github.com/bloodconnect/internal/store"
)

type RequestHandler struct {
	facade *coord.Facade
}

func NewRequestHandler(facade *coord.Facade) *RequestHandler {
	return &RequestHandler{facade: facade}
}

func (h *RequestHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in coord.CreateRequestInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	req, err := h.facade.CreateRequest(r.Context(), middleware.GetUserID(r.Context()), in)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *RequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	req, err := h.facade.GetRequest(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *RequestHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RequestFilter{
		BloodGroup: model.BloodGroup(q.Get("blood_group")),
		Urgency:    model.Urgency(q.Get("urgency")),
		City:       q.Get("city"),
	}
	reqs, err := h.facade.ListOpenRequests(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (h *RequestHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	err := h.facade.CancelRequest(r.Context(), chi.URLParam(r, "requestID"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListResponses returns every donor response on the request. Requester only.
func (h *RequestHandler) ListResponses(w http.ResponseWriter, r *http.Request) {
	resps, err := h.facade.ListResponses(r.Context(), chi.URLParam(r, "requestID"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resps)
}
