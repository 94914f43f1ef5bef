// Command runnerhub is the orchestrator process: a cobra.Command tree with
// a "serve" subcommand that runs the full dispatch pipeline, pool manager,
// auto-scaler, and HTTP API, plus a "proxy-worker" subcommand implementing
// the long-lived proxy tier.
//
// It follows the root command + persistent flags + cobra.OnInitialize
// pattern, with one subcommand per process role.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/runnerhub/orchestrator/internal/api"
	"github.com/runnerhub/orchestrator/internal/autoscaler"
	"github.com/runnerhub/orchestrator/internal/bus"
	"github.com/runnerhub/orchestrator/internal/config"
	"github.com/runnerhub/orchestrator/internal/dispatcher"
	"github.com/runnerhub/orchestrator/internal/domain"
	"github.com/runnerhub/orchestrator/internal/network"
	"github.com/runnerhub/orchestrator/internal/obslog"
	"github.com/runnerhub/orchestrator/internal/pool"
	"github.com/runnerhub/orchestrator/internal/queue"
	"github.com/runnerhub/orchestrator/internal/router"
	"github.com/runnerhub/orchestrator/internal/runtime"
	"github.com/runnerhub/orchestrator/internal/shutdown"
	"github.com/runnerhub/orchestrator/internal/store"
	"github.com/runnerhub/orchestrator/internal/upstream"
	"github.com/runnerhub/orchestrator/internal/webhook"
)

var (
	// exitCodeConfig is returned for configuration errors.
	exitCodeConfig = 1
	// exitCodeRuntime is returned for unrecoverable runtime errors.
	exitCodeRuntime = 2
	// exitCodeDelegated signals a proxy-worker hook that the job was handed
	// off and the wrapping shell should skip local execution.
	exitCodeDelegated = 78
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "runnerhub",
		Short: "RunnerHub self-hosted CI execution fabric orchestrator",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to orchestrator config YAML")
	cobra.OnInitialize(func() {})

	root.AddCommand(serveCmd())
	root.AddCommand(proxyWorkerCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeConfig)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.DecryptSecrets(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func initLogging(cfg config.Config) {
	level := obslog.InfoLevel
	switch cfg.Log.Level {
	case "debug":
		level = obslog.DebugLevel
	case "warn":
		level = obslog.WarnLevel
	case "error":
		level = obslog.ErrorLevel
	}
	obslog.Init(obslog.Config{Level: level, JSONOutput: cfg.Log.JSON})
}

// serveCmd runs the full orchestrator process: ingress, dispatcher workers,
// pool manager, auto-scaler, cleanup/reaper loops, and the HTTP API.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator: ingress, dispatcher, pool manager, auto-scaler, HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			initLogging(cfg)
			if err := runServe(cfg); err != nil {
				obslog.Errorf("serve failed", err)
				os.Exit(exitCodeRuntime)
			}
			return nil
		},
	}
}

func runServe(cfg config.Config) error {
	s, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	q, err := queue.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}

	containerDriver, err := runtime.NewContainerdDriver("")
	if err != nil {
		return fmt.Errorf("connect to container runtime: %w", err)
	}

	isolator, err := network.New(s, containerDriver, cfg.Network.CIDR)
	if err != nil {
		return fmt.Errorf("init network isolator: %w", err)
	}

	b := bus.New()
	lifecycle := runtime.NewManager(s, containerDriver, isolator, b)
	lifecycle.Start()

	upstreamClient := upstream.New(upstream.Config{
		BaseURL:  cfg.Upstream.BaseURL,
		Token:    cfg.Upstream.Token,
		Strategy: upstream.Strategy(cfg.Upstream.Strategy),
		MaxRPH:   cfg.Upstream.MaxRPH,
	})

	poolMgr := pool.New(s, lifecycle, upstreamClient, pool.Config{
		Image:      cfg.Container.ImagePrefix + "/runner:latest",
		NamePrefix: cfg.Container.ImagePrefix,
	})

	jobRouter, err := router.New(s)
	if err != nil {
		return fmt.Errorf("init router: %w", err)
	}

	scaler := autoscaler.New(s, poolMgr, poolMetricsFunc(s, q), time.Duration(cfg.Autoscaler.TickSeconds)*time.Second)
	scaler.Start()

	ingress := webhook.New(s, queueEnqueueFunc(q), webhook.Config{
		Secret:   []byte(cfg.Webhook.Secret),
		DedupTTL: time.Duration(cfg.Webhook.DedupTTLSeconds) * time.Second,
	})

	workers := make([]*dispatcher.Worker, 0, cfg.Dispatch.Workers)
	for i := 0; i < cfg.Dispatch.Workers; i++ {
		w := dispatcher.New(q, s, poolMgr, jobRouter, b, dispatcher.Config{
			ID: fmt.Sprintf("dispatcher-%d", i+1),
		})
		w.Start()
		workers = append(workers, w)
	}

	idleTTL := time.Duration(cfg.Network.IdleTTLSec) * time.Second
	reaperStop := startTicker(5*time.Minute, func() {
		n, err := isolator.Reap(idleTTL, func(networkID string) bool { return false })
		if err != nil {
			obslog.Errorf("network reap failed", err)
			return
		}
		if n > 0 {
			obslog.Info(fmt.Sprintf("network reap removed %d idle network(s)", n))
		}
	})

	cleanupPolicies := runtime.DefaultCleanupPolicies(30*time.Minute, 10*time.Minute, 24*time.Hour, func(jobID string) bool {
		_, err := s.GetJob(jobID)
		return err == nil
	})
	cleanupStop := startTicker(time.Duration(cfg.Cleanup.IntervalSeconds)*time.Second, func() {
		if _, err := lifecycle.RunCleanup(context.Background(), cleanupPolicies); err != nil {
			obslog.Errorf("cleanup sweep failed", err)
		}
	})

	apiServer := api.New(s, poolMgr, jobRouter, scaler, isolator, lifecycle, q, ingress, api.Config{})

	top := chi.NewRouter()
	top.Post("/hooks", ingress.ServeHTTP)
	top.Mount("/", apiServer)

	httpSrv := &http.Server{Addr: cfg.HTTP.Addr, Handler: top}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obslog.Errorf("http server stopped unexpectedly", err)
		}
	}()
	obslog.Info(fmt.Sprintf("runnerhub listening on %s", cfg.HTTP.Addr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	obslog.Info("shutdown signal received, draining")

	seq := shutdown.New(
		shutdown.Stage{Name: "http ingress", Stop: func(ctx context.Context) error { return httpSrv.Shutdown(ctx) }},
		shutdown.Stage{Name: "network reaper", Stop: shutdown.NoContext(reaperStop)},
		shutdown.Stage{Name: "cleanup loop", Stop: shutdown.NoContext(cleanupStop)},
		shutdown.Stage{Name: "auto-scaler", Stop: shutdown.NoContext(scaler.Stop)},
		shutdown.Stage{Name: "dispatcher workers", Stop: func(ctx context.Context) error {
			for _, w := range workers {
				w.Stop()
			}
			return nil
		}},
		shutdown.Stage{Name: "container lifecycle manager", Stop: shutdown.NoContext(lifecycle.Stop)},
		shutdown.Stage{Name: "queue", Stop: func(ctx context.Context) error { return q.Close() }},
		shutdown.Stage{Name: "store", Stop: func(ctx context.Context) error { return s.Close() }},
	)
	return seq.Run(30 * time.Second)
}

// startTicker runs fn on every tick until the returned stop func is called.
func startTicker(interval time.Duration, fn func()) func() {
	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				fn()
			case <-stop:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(stop) }
}

// queueEnqueueFunc adapts queue.Queue.Enqueue to webhook.EnqueueFunc.
func queueEnqueueFunc(q *queue.Queue) webhook.EnqueueFunc {
	return func(priority domain.Priority, payload any, dedupKey string) error {
		_, err := q.Enqueue(priority, payload, queue.EnqueueOptions{DedupKey: dedupKey})
		return err
	}
}

// poolMetricsFunc computes the util/queue_depth/avg_wait triple the
// auto-scaler needs per repository, reading runner state from the store and
// queue depth/wait by scanning queued jobs for repo.
func poolMetricsFunc(s store.Store, q *queue.Queue) autoscaler.MetricsFunc {
	return func(repository string) (float64, int, time.Duration) {
		runners, err := s.ListRunnersByRepository(repository)
		if err != nil || len(runners) == 0 {
			return 0, 0, 0
		}
		var busy int
		for _, r := range runners {
			if r.Status == domain.RunnerBusy {
				busy++
			}
		}
		util := float64(busy) / float64(len(runners))

		jobs, err := s.ListJobs(store.JobFilter{Status: domain.JobQueued, Repository: repository, Limit: 10000})
		if err != nil {
			return util, 0, 0
		}
		var totalWait time.Duration
		for _, j := range jobs {
			totalWait += time.Since(j.CreatedAt)
		}
		var avgWait time.Duration
		if len(jobs) > 0 {
			avgWait = totalWait / time.Duration(len(jobs))
		}
		return util, len(jobs), avgWait
	}
}

// proxyWorkerCmd implements the long-lived proxy tier: long-poll the
// upstream for queued workflow runs of each configured repository
// (--repositories) and forward the first one found to this orchestrator's
// ingress, exiting 78 on a successful hand-off so a wrapping shell hook skips
// local execution.
func proxyWorkerCmd() *cobra.Command {
	var repositories []string
	var targetURL string
	var pollInterval time.Duration

	cmd := &cobra.Command{
		Use:   "proxy-worker",
		Short: "Long-lived proxy tier: absorb upstream dispatch and forward to the orchestrator ingress",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			initLogging(cfg)

			client := upstream.New(upstream.Config{
				BaseURL:  cfg.Upstream.BaseURL,
				Token:    cfg.Upstream.Token,
				Strategy: upstream.Strategy(cfg.Upstream.Strategy),
				MaxRPH:   cfg.Upstream.MaxRPH,
			})

			delegated, err := runProxyWorker(cmd.Context(), client, repositories, targetURL, pollInterval)
			if err != nil {
				obslog.Errorf("proxy-worker failed", err)
				os.Exit(exitCodeRuntime)
			}
			if delegated {
				os.Exit(exitCodeDelegated)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&repositories, "repositories", nil, "owner/name repositories this proxy tier polls on the runner's behalf")
	cmd.Flags().StringVar(&targetURL, "ingress-url", "http://127.0.0.1:8080/hooks", "orchestrator ingress URL to forward matched jobs to")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 5*time.Second, "long-poll interval against the upstream queued-run list")
	return cmd
}

// runProxyWorker long-polls each configured repository's queued workflow
// runs, forwarding the first one found and exiting true so the wrapping
// shell hook knows a hand-off occurred.
func runProxyWorker(ctx context.Context, client *upstream.Client, repositories []string, targetURL string, pollInterval time.Duration) (bool, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, nil
		case <-ticker.C:
			for _, repo := range repositories {
				matched, err := pollOnce(ctx, client, repo, targetURL)
				if err != nil {
					return false, err
				}
				if matched {
					return true, nil
				}
			}
		}
	}
}

func pollOnce(ctx context.Context, client *upstream.Client, repository, targetURL string) (bool, error) {
	runs, err := client.ListWorkflowRuns(ctx, repository, "queued")
	if err != nil {
		return false, err
	}
	if len(runs) == 0 {
		return false, nil
	}
	if err := forward(ctx, targetURL, repository, runs[0]); err != nil {
		return false, err
	}
	return true, nil
}

func forward(ctx context.Context, targetURL, repository string, run upstream.WorkflowRun) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Runnerhub-Event", "workflow_job")
	req.Header.Set("X-Runnerhub-Repository", repository)
	req.Header.Set("X-Runnerhub-Run-Id", fmt.Sprintf("%d", run.ID))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ingress rejected hand-off: %s", resp.Status)
	}
	return nil
}
