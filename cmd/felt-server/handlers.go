package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bobmcallan/felt/internal/app"
	"github.com/bobmcallan/felt/internal/common"
	"github.com/bobmcallan/felt/internal/models"
)

// buildMux creates the HTTP mux. Transport concerns beyond JSON framing
// (session auth, rate limiting) live in the gateway in front of this
// service; the acting user arrives in the X-User-ID header.
func buildMux(a *app.App) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", healthHandler)
	mux.HandleFunc("GET /api/version", versionHandler)

	mux.HandleFunc("POST /api/tables", func(w http.ResponseWriter, r *http.Request) {
		var config models.TableConfig
		if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
			writeError(w, a, common.ErrValidation("invalid table config payload"))
			return
		}
		tableID, err := a.TableService.CreateTable(r.Context(), config)
		if err != nil {
			writeError(w, a, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"table_id": tableID})
	})

	mux.HandleFunc("GET /api/tables", func(w http.ResponseWriter, r *http.Request) {
		tables, err := a.TableService.ListTables(r.Context())
		if err != nil {
			writeError(w, a, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tables": tables})
	})

	mux.HandleFunc("GET /api/tables/{id}", func(w http.ResponseWriter, r *http.Request) {
		view, err := a.TableService.GetState(r.Context(), r.PathValue("id"), r.URL.Query().Get("user_id"))
		if err != nil {
			writeError(w, a, err)
			return
		}
		writeRaw(w, http.StatusOK, view)
	})

	mux.HandleFunc("POST /api/tables/{id}/actions", func(w http.ResponseWriter, r *http.Request) {
		actingUserID := r.Header.Get("X-User-ID")
		if actingUserID == "" {
			writeError(w, a, common.ErrAuthorization("X-User-ID header is required"))
			return
		}
		var action models.Action
		if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
			writeError(w, a, common.ErrValidation("invalid action payload"))
			return
		}
		view, err := a.TableService.ProcessAction(r.Context(), r.PathValue("id"), action, actingUserID)
		if err != nil {
			writeError(w, a, err)
			return
		}
		writeRaw(w, http.StatusOK, view)
	})

	mux.HandleFunc("POST /api/tables/{id}/close", func(w http.ResponseWriter, r *http.Request) {
		if err := a.TableService.CloseTable(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, a, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": models.TableStatusClosed})
	})

	mux.HandleFunc("POST /api/buyin", func(w http.ResponseWriter, r *http.Request) {
		actingUserID := r.Header.Get("X-User-ID")
		if actingUserID == "" {
			writeError(w, a, common.ErrAuthorization("X-User-ID header is required"))
			return
		}
		key := r.Header.Get("Idempotency-Key")

		var req struct {
			TableID string `json:"table_id"`
			Seat    int    `json:"seat"`
			Amount  int64  `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, a, common.ErrValidation("invalid buy-in payload"))
			return
		}

		view, err := a.FinancialService.BuyInAndSit(r.Context(), key, actingUserID, req.TableID, req.Seat, req.Amount)
		if err != nil {
			writeError(w, a, err)
			return
		}
		writeRaw(w, http.StatusOK, view)
	})

	mux.HandleFunc("POST /api/cashout", func(w http.ResponseWriter, r *http.Request) {
		actingUserID := r.Header.Get("X-User-ID")
		if actingUserID == "" {
			writeError(w, a, common.ErrAuthorization("X-User-ID header is required"))
			return
		}
		var req struct {
			TableID string `json:"table_id"`
			Amount  int64  `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, a, common.ErrValidation("invalid cash-out payload"))
			return
		}
		if err := a.FinancialService.CashOut(r.Context(), actingUserID, req.TableID, req.Amount); err != nil {
			writeError(w, a, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("GET /api/balances", func(w http.ResponseWriter, r *http.Request) {
		actingUserID := r.Header.Get("X-User-ID")
		if actingUserID == "" {
			writeError(w, a, common.ErrAuthorization("X-User-ID header is required"))
			return
		}
		balances, err := a.FinancialService.Balances(r.Context(), actingUserID)
		if err != nil {
			writeError(w, a, err)
			return
		}
		writeJSON(w, http.StatusOK, balances)
	})

	mux.HandleFunc("GET /ws", a.Broadcaster.ServeWS)

	return mux
}

// healthHandler responds to GET /api/health with {"status":"ok"}.
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// versionHandler responds to GET /api/version with version info.
func versionHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, raw []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(raw)
}

// writeError maps the typed taxonomy to status + {code, message}.
func writeError(w http.ResponseWriter, a *app.App, err error) {
	status := common.StatusOf(err)
	code := common.CodeOf(err)
	if status >= http.StatusInternalServerError {
		a.Logger.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": userMessage(err),
	})
}

// userMessage strips internal causes from the user-visible payload.
func userMessage(err error) string {
	var e *common.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
