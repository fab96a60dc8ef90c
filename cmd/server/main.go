// Command server is the HTTP façade over the execution core: it accepts
// pipeline submissions, exposes run/agent status, brokers job dispatch and
// result reporting between the Scheduler and agent processes, and answers
// ledger-verification requests. Routing is go-chi, the same router the
// retrieval pack's httpservices repos build their façades with; the
// teacher's own cmd/server used net/http's bare ServeMux with a
// poll-for-next-job agent handshake, which this keeps but rebuilds on top
// of the Scheduler/EventBus rather than a hand-rolled job slice.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gopkg.in/yaml.v3"

	"github.com/blockci/enginecore/internal/agentproto"
	"github.com/blockci/enginecore/internal/compiler"
	"github.com/blockci/enginecore/internal/config"
	"github.com/blockci/enginecore/internal/domain"
	"github.com/blockci/enginecore/internal/eventbus"
	"github.com/blockci/enginecore/internal/ledger"
	"github.com/blockci/enginecore/internal/logging"
	"github.com/blockci/enginecore/internal/repository/sqlite"
	"github.com/blockci/enginecore/internal/scheduler"
)

type server struct {
	cfg      config.EngineConfig
	log      *logging.Logger
	bus      *eventbus.Bus
	db       *sqlite.DB
	pipes    *sqlite.Pipelines
	runs     *sqlite.Runs
	agents   *sqlite.Agents
	leases   *sqlite.Leases
	sched    *scheduler.Scheduler
	registry *agentproto.Registry
	comp     *compiler.Compiler
	ledger   *ledger.Ledger
}

func main() {
	cfgPath := os.Getenv("ENGINE_CONFIG")
	var cfg config.EngineConfig
	var err error
	if cfgPath != "" {
		cfg, err = config.Load(cfgPath)
	} else {
		cfg = config.Default()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New("server", logging.Info)

	db, err := sqlite.Open(envOr("ENGINE_DB", "./engine.db"))
	if err != nil {
		log.Errorf("open db: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	pub, priv, err := ledger.LoadOrCreateKeyPair(cfg.KeysDir)
	if err != nil {
		log.Errorf("load ledger keys: %v", err)
		os.Exit(1)
	}
	led, err := ledger.Open(cfg.LedgerPath, priv, pub)
	if err != nil {
		log.Errorf("open ledger: %v", err)
		os.Exit(1)
	}

	bus := eventbus.New(cfg.EventBusBufferSize)

	srv := &server{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		db:     db,
		pipes:  sqlite.NewPipelines(db),
		runs:   sqlite.NewRuns(db),
		agents: sqlite.NewAgents(db),
		leases: sqlite.NewLeases(db),
		comp:   compiler.New(),
		ledger: led,
	}

	srv.sched = scheduler.New(scheduler.Config{
		LeaseDuration:            time.Duration(cfg.HeartbeatIntervalSeconds*cfg.StaleThresholdMultiplier) * time.Second,
		DispatchUnacceptedWindow: cfg.DispatchUnacceptedWindow,
		CancelGrace:              time.Duration(cfg.CancelGraceSeconds) * time.Second,
		HeartbeatStaleThreshold:  cfg.StaleThreshold(),
		DispatchTick:             2 * time.Second,
	}, srv.runs, srv.agents, bus, log.With("scheduler"))
	srv.sched.WithLeaseRepository(srv.leases)
	srv.registry = agentproto.New(srv.agents, bus, log.With("agents"), cfg.StaleThreshold())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.sched.Recover(ctx); err != nil {
		log.Errorf("recover active runs: %v", err)
	}

	go func() {
		if err := srv.sched.Run(ctx); err != nil && err != context.Canceled {
			log.Errorf("scheduler loop exited: %v", err)
		}
	}()

	go srv.sweepStaleAgents(ctx)

	// Every event the ledger should witness is appended as it's published;
	// the ledger's own hash chain gives an independent, tamper-evident
	// audit trail alongside the mutable run/stage/step rows in sqlite.
	go srv.witnessEvents(ctx)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/pipelines", srv.handleSubmitPipeline)
	r.Get("/runs/{runID}", srv.handleGetRun)
	r.Post("/runs/{runID}/cancel", srv.handleCancelRun)

	r.Post("/agents/register", srv.handleRegisterAgent)
	r.Post("/agents/{agentID}/heartbeat", srv.handleHeartbeat)
	r.Get("/agents/{agentID}/jobs/next", srv.handleNextJob)
	r.Post("/agents/{agentID}/jobs/accept", srv.handleJobAccept)
	r.Post("/agents/{agentID}/jobs/output", srv.handleJobOutput)
	r.Post("/agents/{agentID}/jobs/result", srv.handleJobResult)
	r.Get("/agents", srv.handleListAgents)

	r.Get("/ledger/verify", srv.handleVerifyLedger)

	addr := ":" + envOr("PORT", "8080")
	httpServer := &http.Server{Addr: addr, Handler: r}

	go func() {
		log.Infof("listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("http server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *server) witnessEvents(ctx context.Context) {
	events, unsubscribe, err := s.bus.Subscribe(ctx, "**")
	if err != nil {
		s.log.Errorf("subscribe ledger witness: %v", err)
		return
	}
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, err := s.ledger.Append(ev); err != nil {
				s.log.Errorf("ledger append: %v", err)
			}
		}
	}
}

func (s *server) handleSubmitPipeline(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}

	var def domain.PipelineDefinition
	if err := yaml.Unmarshal(body, &def); err != nil {
		http.Error(w, "invalid pipeline yaml: "+err.Error(), http.StatusBadRequest)
		return
	}

	pipelineID, err := s.pipes.Create(r.Context(), &def)
	if err != nil {
		http.Error(w, "store pipeline: "+err.Error(), http.StatusInternalServerError)
		return
	}

	trigger := domain.TriggerContext{Type: domain.TriggerAPI, Branch: r.URL.Query().Get("branch"), SHA: r.URL.Query().Get("sha")}
	plan, err := s.comp.Compile(pipelineID, &def, trigger)
	if err != nil {
		if err == domain.ErrNotTriggered {
			writeJSON(w, http.StatusAccepted, map[string]string{"pipeline_id": string(pipelineID), "status": "not_triggered"})
			return
		}
		http.Error(w, "compile pipeline: "+err.Error(), http.StatusUnprocessableEntity)
		return
	}

	run, err := s.sched.SubmitRun(r.Context(), plan)
	if err != nil {
		http.Error(w, "submit run: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"run_id": run.ID, "run_number": run.RunNumber, "status": run.Status})
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := domain.RunID(chi.URLParam(r, "runID"))
	run, ok, err := s.runs.GetRun(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := domain.RunID(chi.URLParam(r, "runID"))
	s.sched.Cancel(r.Context(), runID, domain.CancelReason{Reason: domain.CancelUserRequested, CancelledBy: r.URL.Query().Get("by")})
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": string(runID), "status": "cancelling"})
}

func (s *server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var reg domain.AgentRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	agent, err := s.registry.Register(r.Context(), reg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := domain.AgentID(chi.URLParam(r, "agentID"))
	var req struct {
		Status  domain.AgentStatus   `json:"status"`
		Metrics *domain.SystemMetrics `json:"metrics"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.Status == "" {
		req.Status = domain.AgentIdle
	}
	if err := s.registry.Heartbeat(r.Context(), agentID, req.Status, req.Metrics); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) sweepStaleAgents(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StaleThreshold())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stale, err := s.registry.SweepStale(ctx)
			if err != nil {
				s.log.Errorf("sweep stale agents: %v", err)
				continue
			}
			// SweepStale already published agent.deregistered for each of
			// these on the shared bus, which the scheduler's event loop
			// routes to HandleAgentOffline to revoke leases and re-queue
			// running steps — nothing further to do with the IDs here
			// beyond logging which agents went offline.
			for _, id := range stale {
				s.log.Warnf("agent offline id=%s", id)
			}
		}
	}
}

func (s *server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	list, err := s.agents.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleNextJob long-polls the event bus for a StepDispatchedEvent naming
// this agent, builds the wire JobDispatch from the step's frozen plan, and
// returns it. A 204 means no job arrived before the poll deadline and the
// agent should call again.
func (s *server) handleNextJob(w http.ResponseWriter, r *http.Request) {
	agentID := domain.AgentID(chi.URLParam(r, "agentID"))

	ctx, cancel := context.WithTimeout(r.Context(), 25*time.Second)
	defer cancel()

	events, unsubscribe, err := s.bus.Subscribe(ctx, "step.*.*.dispatched")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			w.WriteHeader(http.StatusNoContent)
			return
		case ev, ok := <-events:
			if !ok {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			dispatched, ok := ev.(domain.StepDispatchedEvent)
			if !ok || dispatched.AgentID != agentID {
				continue
			}
			run, ok, err := s.runs.GetRun(ctx, dispatched.RunID)
			if err != nil || !ok {
				continue
			}
			step := findStep(run, dispatched.StepID)
			if step == nil {
				continue
			}
			deadline := ""
			if step.Plan.TimeoutMinutes > 0 {
				deadline = time.Now().UTC().Add(time.Duration(step.Plan.TimeoutMinutes) * time.Minute).Format(time.RFC3339)
			}
			dispatch := agentproto.BuildJobDispatch(dispatched.RunID, dispatched.LeaseSeq, step.Plan)
			dispatch.Deadline = deadline
			writeJSON(w, http.StatusOK, dispatch)
			return
		}
	}
}

func findStep(run *domain.Run, stepID domain.StepID) *domain.Step {
	for _, stage := range run.Stages {
		for _, step := range stage.Steps {
			if step.ID == stepID {
				return step
			}
		}
	}
	return nil
}

func (s *server) handleJobAccept(w http.ResponseWriter, r *http.Request) {
	agentID := domain.AgentID(chi.URLParam(r, "agentID"))
	var req struct {
		RunID    domain.RunID  `json:"run_id"`
		StepID   domain.StepID `json:"step_id"`
		LeaseSeq uint64        `json:"lease_seq"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	_ = s.bus.Publish(r.Context(), domain.JobAcceptedEvent{RunID: req.RunID, StepID: req.StepID, AgentID: agentID, LeaseSeq: req.LeaseSeq})
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleJobOutput(w http.ResponseWriter, r *http.Request) {
	var ev domain.StepOutputEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	_ = s.runs.AppendStepLog(r.Context(), ev.StepID, ev.Content)
	_ = s.bus.Publish(r.Context(), ev)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	var result domain.StepCompletedEvent
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	_ = s.bus.Publish(r.Context(), result)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleVerifyLedger(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.VerifyChain(); err != nil {
		http.Error(w, "ledger verification failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write([]byte("ledger verification ok\n"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
