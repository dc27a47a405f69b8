package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cryptape/overlord/smr"
)

const statusQueryTimeout = 2 * time.Second

type debugHandler struct {
	log    *slog.Logger
	driver *smr.Driver
}

// setDebugRoutes wires the node's debug HTTP surface into r: a single
// status route for now, reporting the driver's current (height, round,
// step) and whether this replica can vote or is the round's leader.
func setDebugRoutes(log *slog.Logger, driver *smr.Driver, r *mux.Router) {
	h := debugHandler{log: log, driver: driver}
	r.HandleFunc("/debug/status", h.HandleStatus).Methods("GET")
}

func (h debugHandler) HandleStatus(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), statusQueryTimeout)
	defer cancel()

	st, err := h.driver.Status(ctx)
	if err != nil {
		h.log.Warn("failed to fetch driver status", "route", "status", "err", err)
		http.Error(w, "failed to fetch status", http.StatusInternalServerError)
		return
	}

	if err := json.NewEncoder(w).Encode(st); err != nil {
		h.log.Warn("failed to encode status", "err", err)
	}
}
