package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"shelter-api/internal/services"
)

const (
	msgInitOK      = "데이터 초기화가 완료되었습니다."
	msgInitPartial = "일부 페이지 누락"
	msgInitFailed  = "데이터 초기화 중 오류가 발생했습니다: "
)

// reinitTimeout bounds a reinitialize started over HTTP.
const reinitTimeout = 30 * time.Minute

type AdminHandler struct {
	service *services.ShelterService
	logr    *zap.Logger
}

func NewAdminHandler(svc *services.ShelterService, logr *zap.Logger) *AdminHandler {
	return &AdminHandler{service: svc, logr: logr}
}

// POST /admin/initialize
//
// Replies in plain text. A dropped client connection does not abort the
// run.
func (h *AdminHandler) Initialize(w http.ResponseWriter, r *http.Request) {
	// the run outlives the server's default write timeout
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), reinitTimeout)
	defer cancel()

	res, err := h.service.Reinitialize(ctx)
	if res.RunID != "" {
		w.Header().Set("X-Run-ID", res.RunID)
	}
	w.Header().Set("X-Reinit-Complete", strconv.FormatBool(res.Complete))
	if err != nil {
		h.logr.Error("reinitialize failed", zap.String("run_id", res.RunID), zap.Error(err))
		writeText(w, http.StatusInternalServerError, msgInitFailed+err.Error())
		return
	}

	msg := fmt.Sprintf("%s (%d건)", msgInitOK, res.Count)
	if !res.Complete {
		msg = fmt.Sprintf("%s (%d건, %s)", msgInitOK, res.Count, msgInitPartial)
	}
	writeText(w, http.StatusOK, msg)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}
