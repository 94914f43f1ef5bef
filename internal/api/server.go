// Package api implements the HTTP API: a chi router serving the dashboard-
// facing REST surface behind a {success, data?, error?, metadata} envelope,
// plus /health and /metrics in plain net/http.
//
// Routes are grouped with chi's route-group idiom
// (github.com/go-chi/chi/v5), with github.com/go-chi/cors guarding the
// dashboard origin. /health reports store and queue reachability rather
// than process liveness alone.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/runnerhub/orchestrator/internal/apierr"
	"github.com/runnerhub/orchestrator/internal/autoscaler"
	"github.com/runnerhub/orchestrator/internal/domain"
	"github.com/runnerhub/orchestrator/internal/metrics"
	"github.com/runnerhub/orchestrator/internal/network"
	"github.com/runnerhub/orchestrator/internal/pool"
	"github.com/runnerhub/orchestrator/internal/queue"
	"github.com/runnerhub/orchestrator/internal/router"
	"github.com/runnerhub/orchestrator/internal/runtime"
	"github.com/runnerhub/orchestrator/internal/store"
	"github.com/runnerhub/orchestrator/internal/webhook"
)

// Version is stamped into every envelope's metadata.version; overridden at
// build time via -ldflags.
var Version = "dev"

// Server wires every component the HTTP API fronts.
type Server struct {
	store     store.Store
	pool      *pool.Manager
	router    *router.Router
	scaler    *autoscaler.AutoScaler
	isolator  *network.Isolator
	lifecycle *runtime.Manager
	queue     *queue.Queue
	ingress   *webhook.Ingress

	startedAt time.Time
	mux       *chi.Mux
}

// Config configures a Server.
type Config struct {
	AllowedOrigins []string
}

// New builds a Server and mounts every route.
func New(s store.Store, p *pool.Manager, r *router.Router, scaler *autoscaler.AutoScaler, iso *network.Isolator, lifecycle *runtime.Manager, q *queue.Queue, ingress *webhook.Ingress, cfg Config) *Server {
	srv := &Server{
		store:     s,
		pool:      p,
		router:    r,
		scaler:    scaler,
		isolator:  iso,
		lifecycle: lifecycle,
		queue:     q,
		ingress:   ingress,
		startedAt: time.Now(),
	}
	srv.mount(cfg)
	return srv
}

// ServeHTTP lets Server be used directly as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) mount(cfg Config) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:           300,
		AllowCredentials: false,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/cancel", s.handleCancelJob)
	})

	r.Route("/runners", func(r chi.Router) {
		r.Get("/", s.handleListRunners)
		r.Route("/pools", func(r chi.Router) {
			r.Get("/", s.handleListPools)
			r.Get("/{repo}", s.handleGetPool)
			r.Put("/{repo}", s.handleUpdatePool)
			r.Post("/{repo}/scale", s.handleScalePool)
		})
	})

	r.Route("/routing", func(r chi.Router) {
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Post("/", s.handleCreateRule)
			r.Put("/{id}", s.handleUpdateRule)
			r.Delete("/{id}", s.handleDeleteRule)
		})
		r.Post("/preview", s.handleRoutingPreview)
	})

	r.Route("/networks", func(r chi.Router) {
		r.Get("/", s.handleListNetworks)
		r.Post("/cleanup", s.handleNetworkCleanup)
	})

	r.Route("/containers", func(r chi.Router) {
		r.Get("/", s.handleListContainers)
		r.Post("/{id}/stop", s.handleStopContainer)
	})

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/{delivery_id}/replay", s.handleReplayWebhook)
	})

	s.mux = r
}

// --- envelope ---

type metadata struct {
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

type envelope struct {
	Success  bool     `json:"success"`
	Data     any      `json:"data,omitempty"`
	Error    *apiErr  `json:"error,omitempty"`
	Metadata metadata `json:"metadata"`
}

type apiErr struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, envelope{
		Success:  true,
		Data:     data,
		Metadata: metadata{Timestamp: time.Now(), Version: Version},
	})
}

func writeErr(w http.ResponseWriter, err error) {
	code := apierr.Unrecoverable
	msg := err.Error()
	var ae *apierr.Error
	if e, ok := err.(*apierr.Error); ok {
		ae = e
	}
	if ae != nil {
		code = ae.Kind
		msg = ae.Message
	}
	writeEnvelope(w, statusForKind(code), envelope{
		Success:  false,
		Error:    &apiErr{Code: string(code), Message: msg},
		Metadata: metadata{Timestamp: time.Now(), Version: Version},
	})
}

func writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func statusForKind(k apierr.Kind) int {
	switch k {
	case apierr.Validation:
		return http.StatusBadRequest
	case apierr.Unauthorized:
		return http.StatusUnauthorized
	case apierr.NotFound:
		return http.StatusNotFound
	case apierr.Conflict, apierr.StateError:
		return http.StatusConflict
	case apierr.RateLimited:
		return http.StatusTooManyRequests
	case apierr.Transient, apierr.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// --- health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	healthy := true

	if _, err := s.store.ListPools(); err != nil {
		checks["store"] = "error: " + err.Error()
		healthy = false
	} else {
		checks["store"] = "ok"
	}

	if s.queue != nil {
		if _, err := s.queue.ListDLQ(); err != nil {
			checks["queue"] = "error: " + err.Error()
			healthy = false
		} else {
			checks["queue"] = "ok"
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeData(w, code, map[string]any{
		"status":     status,
		"uptime_s":   int(time.Since(s.startedAt).Seconds()),
		"checks":     checks,
		"started_at": s.startedAt,
	})
}

// --- jobs ---

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.JobFilter{
		Status:     domain.JobStatus(q.Get("status")),
		Repository: q.Get("repository"),
		Limit:      atoiOr(q.Get("limit"), 100),
		Offset:     atoiOr(q.Get("offset"), 0),
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			f.Since = t
		}
	}
	if until := q.Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			f.Until = t
		}
	}
	jobs, err := s.store.ListJobs(f)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if job.Status == domain.JobCompleted || job.Status == domain.JobFailed || job.Status == domain.JobCancelled {
		writeErr(w, apierr.NewConflict("job %s is already terminal (%s)", id, job.Status))
		return
	}
	job.Status = domain.JobCancelled
	now := time.Now()
	job.CompletedAt = &now
	if err := s.store.UpdateJob(job); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, job)
}

// --- runners ---

func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repository")
	var runners []*domain.Runner
	var err error
	if repo != "" {
		runners, err = s.store.ListRunnersByRepository(repo)
	} else {
		runners, err = s.store.ListRunners()
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := runners[:0]
		for _, rn := range runners {
			if string(rn.Status) == status {
				filtered = append(filtered, rn)
			}
		}
		runners = filtered
	}
	writeData(w, http.StatusOK, runners)
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.store.ListPools()
	if err != nil {
		writeErr(w, err)
		return
	}
	type poolView struct {
		*domain.RunnerPool
		CurrentRunners int `json:"current_runners"`
	}
	out := make([]poolView, 0, len(pools))
	for _, p := range pools {
		runners, _ := s.pool.CurrentRunners(p.Repository)
		out = append(out, poolView{RunnerPool: p, CurrentRunners: len(runners)})
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	repo := chi.URLParam(r, "repo")
	p, err := s.store.GetPool(repo)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePool(w http.ResponseWriter, r *http.Request) {
	repo := chi.URLParam(r, "repo")
	p, err := s.store.GetPool(repo)
	if err != nil {
		writeErr(w, err)
		return
	}
	var body struct {
		MinRunners     *int                  `json:"min_runners"`
		MaxRunners     *int                  `json:"max_runners"`
		ScaleIncrement *int                  `json:"scale_increment"`
		DefaultLabels  []string              `json:"default_labels"`
		Policy         *domain.ScalingPolicy `json:"policy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, apierr.NewValidation("decode body: %v", err))
		return
	}
	if body.MinRunners != nil {
		p.MinRunners = *body.MinRunners
	}
	if body.MaxRunners != nil {
		p.MaxRunners = *body.MaxRunners
	}
	if body.ScaleIncrement != nil {
		p.ScaleIncrement = *body.ScaleIncrement
	}
	if body.DefaultLabels != nil {
		p.DefaultLabels = body.DefaultLabels
	}
	if body.Policy != nil {
		p.Policy = *body.Policy
	}
	if err := s.store.UpsertPool(p); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, p)
}

func (s *Server) handleScalePool(w http.ResponseWriter, r *http.Request) {
	repo := chi.URLParam(r, "repo")
	var body struct {
		Action string `json:"action"`
		Count  int    `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, apierr.NewValidation("decode body: %v", err))
		return
	}
	if body.Count <= 0 {
		body.Count = 1
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var err error
	switch body.Action {
	case "up":
		err = s.pool.ScaleUp(ctx, repo, body.Count)
	case "down":
		err = s.pool.ScaleDown(ctx, repo, body.Count)
	default:
		writeErr(w, apierr.NewValidation("action must be 'up' or 'down'"))
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	runners, _ := s.pool.CurrentRunners(repo)
	writeData(w, http.StatusOK, map[string]any{"repository": repo, "current_runners": len(runners)})
}

// --- routing ---

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.ListRoutingRules()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, rules)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.RoutingRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeErr(w, apierr.NewValidation("decode body: %v", err))
		return
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if err := s.store.UpsertRoutingRule(&rule); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.router.Reload(); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, &rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.RoutingRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeErr(w, apierr.NewValidation("decode body: %v", err))
		return
	}
	rule.ID = chi.URLParam(r, "id")
	if err := s.store.UpsertRoutingRule(&rule); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.router.Reload(); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, &rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteRoutingRule(id); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.router.Reload(); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) handleRoutingPreview(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Repository string   `json:"repository"`
		Workflow   string   `json:"workflow"`
		Branch     string   `json:"branch"`
		Event      string   `json:"event"`
		Labels     []string `json:"labels"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, apierr.NewValidation("decode body: %v", err))
		return
	}
	job := &domain.Job{
		ID:         "preview-" + uuid.NewString(),
		Repository: body.Repository,
		Workflow:   body.Workflow,
		Labels:     body.Labels,
	}
	candidates, _ := s.pool.CurrentRunners(body.Repository)
	decision, err := s.router.Route(job, body.Branch, body.Event, candidates)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, decision)
}

// --- networks ---

func (s *Server) handleListNetworks(w http.ResponseWriter, r *http.Request) {
	nets, err := s.store.ListNetworks()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, nets)
}

func (s *Server) handleNetworkCleanup(w http.ResponseWriter, r *http.Request) {
	idleTTL := 1 * time.Hour
	hasAttached := func(string) bool { return false }
	removed, err := s.isolator.Reap(idleTTL, hasAttached)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"removed": removed})
}

// --- containers ---

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	var containers []*domain.ContainerRecord
	var err error
	if state := r.URL.Query().Get("state"); state != "" {
		containers, err = s.store.ListContainersByState(domain.ContainerState(state))
	} else {
		containers, err = s.store.ListContainers()
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, containers)
}

func (s *Server) handleStopContainer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	grace := 10 * time.Second
	if v := r.URL.Query().Get("grace_s"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			grace = time.Duration(n) * time.Second
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), grace+5*time.Second)
	defer cancel()
	if err := s.lifecycle.StopContainer(ctx, id, grace); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"id": id, "status": "stopped"})
}

// --- webhooks ---

func (s *Server) handleReplayWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "delivery_id")
	if err := s.ingress.Replay(id); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"delivery_id": id, "status": "replayed"})
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
