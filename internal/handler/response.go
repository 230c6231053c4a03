package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bloodconnect/internal/coord"
	"github.com/bloodconnect/internal/middleware"
	"github.com/bloodconnect/internal/model"
)

type ResponseHandler struct {
	facade *coord.Facade
}

func NewResponseHandler(facade *coord.Facade) *ResponseHandler {
	return &ResponseHandler{facade: facade}
}

// Respond registers the calling user as a donor on the request.
func (h *ResponseHandler) Respond(w http.ResponseWriter, r *http.Request) {
	resp, err := h.facade.RespondToRequest(r.Context(), chi.URLParam(r, "requestID"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

type acceptResponseBody struct {
	Response *model.DonorResponse `json:"response"`
	Channel  *model.ChatChannel   `json:"channel"`
}

// Accept lets the requester accept a donor's response. The opened chat
// channel is returned alongside the updated response.
func (h *ResponseHandler) Accept(w http.ResponseWriter, r *http.Request) {
	resp, ch, err := h.facade.AcceptResponse(r.Context(),
		chi.URLParam(r, "requestID"), chi.URLParam(r, "donorID"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acceptResponseBody{Response: resp, Channel: ch})
}

// Reject lets the requester decline a donor's pending response.
func (h *ResponseHandler) Reject(w http.ResponseWriter, r *http.Request) {
	resp, err := h.facade.RejectResponse(r.Context(),
		chi.URLParam(r, "requestID"), chi.URLParam(r, "donorID"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Withdraw lets a donor retract their own response while it is not accepted.
func (h *ResponseHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	err := h.facade.WithdrawResponse(r.Context(), chi.URLParam(r, "requestID"), userID, userID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
