package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"manabi-backend/internal/middleware"
	"manabi-backend/internal/models"
	"manabi-backend/internal/services"
)

type QuizHandler struct {
	quizzes *services.QuizService
}

func NewQuizHandler(quizzes *services.QuizService) *QuizHandler {
	return &QuizHandler{quizzes: quizzes}
}

func (h *QuizHandler) Get(w http.ResponseWriter, r *http.Request) {
	v, err := h.quizzes.GetActive(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "date"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *QuizHandler) Versions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.quizzes.ListVersions(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "date"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"versions": versions})
}

func (h *QuizHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	v, err := h.quizzes.Regenerate(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "date"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *QuizHandler) SwitchActive(w http.ResponseWriter, r *http.Request) {
	var req models.SwitchVersionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	v, err := h.quizzes.SwitchVersion(r.Context(), middleware.GetUserID(r.Context()), chi.URLParam(r, "date"), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}
