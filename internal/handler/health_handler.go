package handler

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"targetdialer/internal/logger"
)

const ServiceName = "targetdialer"

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type HealthHandler struct {
	db  execer
	log *logger.Logger
}

func NewHealthHandler(db execer, log *logger.Logger) *HealthHandler {
	return &HealthHandler{db: db, log: log}
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := h.db.ExecContext(ctx, "SELECT 1"); err != nil {
		h.log.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Service: ServiceName})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Service: ServiceName})
}
