package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"tgauto/internal/auth"
	"tgauto/internal/engine"
	"tgauto/internal/model"
	"tgauto/internal/session"
	"tgauto/internal/stats"
	"tgauto/internal/storage"
)

// qrPairer is the optional capability of platform drivers that support
// QR-based pairing (the whatsapp driver does, the simulator does not).
type qrPairer interface {
	PairQR(ctx context.Context, phone string) ([]byte, error)
}

type API struct {
	Store    *storage.Store
	Auth     *auth.Flow
	Runner   *engine.Runner
	Stats    *stats.Aggregator
	Sessions session.Client
	Router   *chi.Mux
	Log      zerolog.Logger
}

func NewRouter(store *storage.Store, flow *auth.Flow, runner *engine.Runner, agg *stats.Aggregator, sessions session.Client, log zerolog.Logger) *chi.Mux {
	api := &API{
		Store:    store,
		Auth:     flow,
		Runner:   runner,
		Stats:    agg,
		Sessions: sessions,
		Router:   chi.NewRouter(),
		Log:      log.With().Str("component", "http").Logger(),
	}
	r := api.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))
	r.Use(cors)

	api.routes()
	return r
}

func (a *API) routes() {
	a.Router.Get("/api/health", a.handleHealth)

	a.Router.Get("/api/accounts", a.handleListAccounts)
	a.Router.Post("/api/accounts/request-code", a.handleRequestCode)
	a.Router.Post("/api/accounts/verify-code", a.handleVerifyCode)
	a.Router.Post("/api/accounts/{id}/activate", a.handleActivateAccount)
	a.Router.Delete("/api/accounts/{id}", a.handleDeleteAccount)
	a.Router.Get("/api/accounts/{id}/pair/qr", a.handleAccountPairQR)

	a.Router.Post("/api/automation/start", a.handleStartAutomation)
	a.Router.Post("/api/automation/{id}/stop", a.handleStopAutomation)
	a.Router.Get("/api/automation/status", a.handleAutomationStatus)
	a.Router.Get("/api/automation/logs", a.handleAutomationLogs)
	a.Router.Get("/api/automation/logs/{id}/members", a.handleMemberAttempts)
	a.Router.Get("/api/automation/stats", a.handleAutomationStats)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

/********** Accounts **********/

func (a *API) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := a.Store.ListAccounts()
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if list == nil {
		list = []model.Account{}
	}
	writeJSON(w, http.StatusOK, list)
}

type requestCodeReq struct {
	PhoneNumber string `json:"phone_number"`
}

func (a *API) handleRequestCode(w http.ResponseWriter, r *http.Request) {
	var req requestCodeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	accountID, err := a.Auth.RequestCode(r.Context(), req.PhoneNumber)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"message":    "verification code sent",
		"account_id": accountID,
	})
}

type verifyCodeReq struct {
	PhoneNumber string `json:"phone_number"`
	Code        string `json:"code"`
}

func (a *API) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyCodeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := a.Auth.VerifyCode(r.Context(), req.PhoneNumber, req.Code); err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "account authenticated",
	})
}

func (a *API) handleActivateAccount(w http.ResponseWriter, r *http.Request) {
	if err := a.Auth.Activate(chi.URLParam(r, "id")); err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "account activated"})
}

func (a *API) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := a.Auth.Delete(chi.URLParam(r, "id")); err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "account removed"})
}

func (a *API) handleAccountPairQR(w http.ResponseWriter, r *http.Request) {
	pairer, ok := a.Sessions.(qrPairer)
	if !ok {
		writeDetail(w, http.StatusNotImplemented, "QR pairing not supported by the configured platform")
		return
	}
	acc, err := a.Store.AccountByID(chi.URLParam(r, "id"))
	if err != nil {
		a.writeErr(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 90*time.Second)
	defer cancel()
	png, err := pairer.PairQR(ctx, acc.PhoneNumber)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	// Stale QR codes must never be served from cache.
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

/********** Automation **********/

func (a *API) handleStartAutomation(w http.ResponseWriter, r *http.Request) {
	var req engine.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	jobID, err := a.Runner.Start(req)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "automation started",
		"log_id":  jobID,
	})
}

func (a *API) handleStopAutomation(w http.ResponseWriter, r *http.Request) {
	if err := a.Runner.Stop(chi.URLParam(r, "id")); err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "automation stopped"})
}

func (a *API) handleAutomationStatus(w http.ResponseWriter, r *http.Request) {
	job, err := a.Runner.Current()
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": job != nil, "job": job})
}

func (a *API) handleAutomationLogs(w http.ResponseWriter, r *http.Request) {
	list, err := a.Store.ListJobs(50)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if list == nil {
		list = []model.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleMemberAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.Store.JobByID(id); err != nil {
		a.writeErr(w, err)
		return
	}
	list, err := a.Store.ListMemberAttempts(id)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if list == nil {
		list = []model.MemberAttempt{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleAutomationStats(w http.ResponseWriter, r *http.Request) {
	today, err := a.Stats.Today()
	if err != nil {
		a.writeErr(w, err)
		return
	}
	last24h, err := a.Stats.Last24h()
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"today":    today,
		"last_24h": last24h,
	})
}

/********** Helpers **********/

// writeErr maps the engine's error taxonomy onto HTTP statuses. The body only
// carries a human-readable detail string; clients never branch on it.
func (a *API) writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrValidation),
		errors.Is(err, auth.ErrPhoneRequired),
		errors.Is(err, auth.ErrCodeNotRequested),
		errors.Is(err, session.ErrInvalidCode):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrJobAlreadyRunning),
		errors.Is(err, engine.ErrNoActiveAccount),
		errors.Is(err, storage.ErrNotAuthenticated):
		status = http.StatusConflict
	case errors.Is(err, auth.ErrExternalService):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		a.Log.Error().Err(err).Msg("request failed")
	}
	writeDetail(w, status, err.Error())
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
