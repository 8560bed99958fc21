// Package api exposes the HTTP surface: job submission, task queries,
// account administration, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/promptmux/promptmux/pkg/balancer"
	"github.com/promptmux/promptmux/pkg/logging"
	"github.com/promptmux/promptmux/pkg/metrics"
	"github.com/promptmux/promptmux/pkg/models"
	"github.com/promptmux/promptmux/pkg/orchestrator"
	"github.com/promptmux/promptmux/pkg/ratelimit"
	"github.com/promptmux/promptmux/pkg/store"
)

// AccountManager is the slice of the lifecycle manager the admin endpoints
// need: bring accounts up, tear them down, reconnect them.
type AccountManager interface {
	InitAccount(ctx context.Context, account *models.Account) error
	DisposeAccount(channelID string)
	ReconnectAccount(ctx context.Context, channelID string) error
}

// Handler handles all API requests.
type Handler struct {
	orch     *orchestrator.Service
	store    store.Store
	accounts AccountManager
	bal      *balancer.LoadBalancer
	log      *logging.Logger

	// Bearer secret for all /mj routes; empty disables auth.
	secret  string
	limiter *ratelimit.Limiter
}

// NewHandler creates the API handler.
func NewHandler(orch *orchestrator.Service, st store.Store, accounts AccountManager, bal *balancer.LoadBalancer, secret string, submitRPS float64, log *logging.Logger) *Handler {
	var limiter *ratelimit.Limiter
	if submitRPS > 0 {
		limiter = ratelimit.NewLimiter(submitRPS, int(submitRPS)+1)
	}
	return &Handler{
		orch:     orch,
		store:    st,
		accounts: accounts,
		bal:      bal,
		log:      log,
		secret:   secret,
		limiter:  limiter,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	mj := r.PathPrefix("/mj").Subrouter()
	mj.Use(h.authMiddleware, h.observe)

	submit := mj.PathPrefix("/submit").Subrouter()
	if h.limiter != nil {
		submit.Use(h.limiter.Middleware(ratelimit.IPKeyFunc))
	}
	submit.HandleFunc("/imagine", h.SubmitImagine).Methods("POST")
	submit.HandleFunc("/change", h.SubmitChange).Methods("POST")
	submit.HandleFunc("/action", h.SubmitChange).Methods("POST")
	submit.HandleFunc("/describe", h.SubmitDescribe).Methods("POST")
	submit.HandleFunc("/blend", h.SubmitBlend).Methods("POST")
	submit.HandleFunc("/shorten", h.SubmitShorten).Methods("POST")
	submit.HandleFunc("/show", h.SubmitShow).Methods("POST")
	submit.HandleFunc("/modal", h.SubmitModal).Methods("POST")

	mj.HandleFunc("/task/list", h.ListTasks).Methods("GET")
	mj.HandleFunc("/task/{id}/fetch", h.FetchTask).Methods("GET")
	mj.HandleFunc("/task/{id}/seed", h.FetchSeed).Methods("GET")
	mj.HandleFunc("/task/{id}/cancel", h.CancelTask).Methods("POST")

	mj.HandleFunc("/account/list", h.ListAccounts).Methods("GET")
	mj.HandleFunc("/account", h.CreateAccount).Methods("POST")
	mj.HandleFunc("/account/{id}/fetch", h.FetchAccount).Methods("GET")
	mj.HandleFunc("/account/{id}", h.UpdateAccount).Methods("PUT")
	mj.HandleFunc("/account/{id}", h.DeleteAccount).Methods("DELETE")
	mj.HandleFunc("/account/{id}/reconnect", h.ReconnectAccount).Methods("POST")
}

// Health reports store reachability, live account count and host load.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.store.HealthCheck(); err != nil {
		status = "degraded: " + err.Error()
		code = http.StatusServiceUnavailable
	}
	live := 0
	for _, e := range h.bal.All() {
		if e.Alive() {
			live++
		}
	}
	body := map[string]interface{}{
		"status":        status,
		"live_accounts": live,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		body["memory_used_percent"] = vm.UsedPercent
	}
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		body["cpu_percent"] = pcts[0]
	}
	writeJSON(w, code, body)
}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.secret == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("Authorization")
		token = strings.TrimPrefix(token, "Bearer ")
		if token == "" {
			token = r.Header.Get("X-Api-Secret")
		}
		if token != h.secret {
			writeError(w, http.StatusUnauthorized, "invalid or missing api secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// observe records per-route latency under the mux route template so
// parameterized paths don't explode label cardinality.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		class := strconv.Itoa(sw.status/100) + "xx"
		metrics.HTTPDuration.WithLabelValues(route, class).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeSubmit maps a submit result onto an HTTP status and records it.
func writeSubmit(w http.ResponseWriter, action string, res *models.SubmitResult) {
	switch res.Code {
	case models.SubmitSuccess, models.SubmitInQueue, models.SubmitExists:
		metrics.JobsSubmitted.WithLabelValues(action).Inc()
		writeJSON(w, http.StatusOK, res)
	case models.SubmitValidation:
		metrics.SubmitRejections.WithLabelValues("validation").Inc()
		writeJSON(w, http.StatusBadRequest, res)
	case models.SubmitNoAccount:
		metrics.SubmitRejections.WithLabelValues("no_account").Inc()
		writeJSON(w, http.StatusServiceUnavailable, res)
	case models.SubmitQueueFull:
		metrics.SubmitRejections.WithLabelValues("queue_full").Inc()
		writeJSON(w, http.StatusTooManyRequests, res)
	default:
		metrics.SubmitRejections.WithLabelValues("error").Inc()
		writeJSON(w, http.StatusInternalServerError, res)
	}
}
