package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bloodconnect/internal/coord"
	"github.com/bloodconnect/internal/middleware"
)

type ChatHandler struct {
	facade *coord.Facade
}

func NewChatHandler(facade *coord.Facade) *ChatHandler {
	return &ChatHandler{facade: facade}
}

// GetForRequest resolves the channel between the request's owner and a donor.
func (h *ChatHandler) GetForRequest(w http.ResponseWriter, r *http.Request) {
	ch, err := h.facade.GetChannelForRequest(r.Context(),
		chi.URLParam(r, "requestID"), chi.URLParam(r, "donorID"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.facade.GetChannelHistory(r.Context(), chi.URLParam(r, "channelID"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type sendMessageRequest struct {
	Body string `json:"body"`
}

func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	msg, err := h.facade.SendMessage(r.Context(), chi.URLParam(r, "channelID"), middleware.GetUserID(r.Context()), req.Body)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

type markReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

type markReadResponse struct {
	Updated int `json:"updated"`
}

func (h *ChatHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	n, err := h.facade.MarkMessagesRead(r.Context(), chi.URLParam(r, "channelID"), middleware.GetUserID(r.Context()), req.MessageIDs)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, markReadResponse{Updated: n})
}

type unreadResponse struct {
	Unread int `json:"unread"`
}

func (h *ChatHandler) Unread(w http.ResponseWriter, r *http.Request) {
	n, err := h.facade.UnreadCount(r.Context(), chi.URLParam(r, "channelID"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unreadResponse{Unread: n})
}
