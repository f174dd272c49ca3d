package handlers

import (
	"net/http"
	"strconv"
	"time"

	"manabi-backend/internal/middleware"
	"manabi-backend/internal/models"
	"manabi-backend/internal/services"
)

type MaterialHandler struct {
	materials *services.MaterialService
}

func NewMaterialHandler(materials *services.MaterialService) *MaterialHandler {
	return &MaterialHandler{materials: materials}
}

// Get serves the active Material. ?wait=ms polls for material still being generated.
func (h *MaterialHandler) Get(w http.ResponseWriter, r *http.Request) {
	messageID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	var wait time.Duration
	if raw := r.URL.Query().Get("wait"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Invalid wait", map[string]string{"wait": "Must be a non-negative number of milliseconds"}, r))
			return
		}
		wait = time.Duration(ms) * time.Millisecond
	}

	v, err := h.materials.GetActive(r.Context(), middleware.GetUserID(r.Context()), messageID, wait)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *MaterialHandler) Versions(w http.ResponseWriter, r *http.Request) {
	messageID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	versions, err := h.materials.ListVersions(r.Context(), middleware.GetUserID(r.Context()), messageID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"versions": versions})
}

func (h *MaterialHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	messageID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	v, err := h.materials.Regenerate(r.Context(), middleware.GetUserID(r.Context()), messageID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *MaterialHandler) SwitchActive(w http.ResponseWriter, r *http.Request) {
	messageID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req models.SwitchVersionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	v, err := h.materials.SwitchVersion(r.Context(), middleware.GetUserID(r.Context()), messageID, req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}
