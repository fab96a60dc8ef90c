// Command agent is the worker process: it registers with the server,
// heartbeats its liveness (with an empty system-metrics payload), long-polls for dispatched
// jobs, and runs each one through internal/runner.Execute, reporting
// output and the terminal result back over HTTP. The teacher's own
// cmd/agent exposed a /run endpoint the server pushed jobs to; this keeps
// the single-binary, single-purpose shape of that file but flips it to the
// poll side of the handshake the teacher's own cmd/server already expected
// (handleNextJob), since a pull model is what lets an agent run behind a
// firewall with no inbound port.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/blockci/enginecore/internal/agentproto"
	"github.com/blockci/enginecore/internal/artifacts"
	"github.com/blockci/enginecore/internal/cache"
	"github.com/blockci/enginecore/internal/domain"
	"github.com/blockci/enginecore/internal/logging"
	"github.com/blockci/enginecore/internal/plugin"
	"github.com/blockci/enginecore/internal/ports"
	"github.com/blockci/enginecore/internal/runner"
	"github.com/blockci/enginecore/internal/secrets"
)

// agentLocalArtifactStore wraps the filesystem ArtifactStore so both the
// runner (publishing step artifacts) and the plugin host (the "artifact"
// built-in plugin) share the same on-disk retention tree.
type agentLocalArtifactStore struct {
	dir   string
	store *artifacts.FilesystemStore
}

func main() {
	serverURL := envOr("ENGINE_SERVER", "http://localhost:8080")
	workDir := envOr("ENGINE_AGENT_WORKDIR", "./agent-work")
	cacheDir := envOr("ENGINE_AGENT_CACHE", "./agent-cache")
	artifactDir := envOr("ENGINE_AGENT_ARTIFACTS", "./agent-artifacts")
	name := envOr("ENGINE_AGENT_NAME", hostnameOrDefault())

	log := logging.New("agent", logging.Info)

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		log.Errorf("create workdir: %v", err)
		os.Exit(1)
	}

	fsCache, err := cache.NewFilesystemCache(cacheDir)
	if err != nil {
		log.Errorf("init cache: %v", err)
		os.Exit(1)
	}
	sfCache := cache.NewSingleFlight(fsCache)

	var secretProvider ports.SecretProvider
	if keyFile := os.Getenv("ENGINE_AGE_KEY_FILE"); keyFile != "" {
		ageRoot := envOr("ENGINE_SECRETS_DIR", "./secrets")
		secretProvider, err = secrets.NewAgeFileProvider(ageRoot, keyFile)
		if err != nil {
			log.Errorf("init secrets provider: %v", err)
			os.Exit(1)
		}
	} else {
		secretProvider = secrets.NewEnvProvider()
	}

	fsArtifacts, err := artifacts.NewFilesystemStore(artifactDir)
	if err != nil {
		log.Errorf("init artifact store: %v", err)
		os.Exit(1)
	}
	localArtifacts := agentLocalArtifactStore{dir: artifactDir, store: fsArtifacts}
	pluginHost := plugin.New(sfCache, localArtifacts)

	httpClient := agentproto.DefaultHTTPClient()

	reg := domain.AgentRegistration{
		Name:              name,
		Labels:            splitEnvList("ENGINE_AGENT_LABELS"),
		Capabilities:      capabilitiesFromEnv(),
		Version:           "1.0.0",
		MaxConcurrentJobs: envInt("ENGINE_AGENT_MAX_JOBS", 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	var agent *domain.Agent
	for {
		agent, err = agentproto.Register(ctx, httpClient, serverURL, reg)
		if err == nil {
			break
		}
		log.Errorf("register with server: %v, retrying", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
	log.Infof("registered as agent %s (%s)", agent.ID, agent.Name)

	deps := runner.Deps{
		Cache:     sfCache,
		Secrets:   secretProvider,
		Plugins:   pluginHost,
		Artifacts: localArtifacts,
		Bus:       &agentproto.RemoteBus{HTTP: httpClient, BaseURL: serverURL, AgentID: agent.ID},
		Runs:      agentproto.RemoteRunRepository{},
	}

	go heartbeatLoop(ctx, httpClient, serverURL, agent.ID, log)

	for {
		select {
		case <-ctx.Done():
			log.Infof("shutting down")
			return
		default:
		}

		dispatch, ok, err := agentproto.FetchNextJob(ctx, httpClient, serverURL, agent.ID)
		if err != nil {
			log.Warnf("poll jobs/next: %v", err)
			time.Sleep(2 * time.Second)
			continue
		}
		if !ok {
			continue
		}

		log.Infof("accepted job run=%s step=%s seq=%d", dispatch.RunID, dispatch.StepID, dispatch.LeaseSeq)
		if err := agentproto.AcceptJob(ctx, httpClient, serverURL, agent.ID, *dispatch); err != nil {
			log.Warnf("accept job: %v", err)
		}

		stepWorkDir := fmt.Sprintf("%s/%s", workDir, dispatch.StepID)
		if err := os.MkdirAll(stepWorkDir, 0o755); err != nil {
			log.Errorf("create step workdir: %v", err)
			continue
		}

		result, execErr := runner.Execute(ctx, deps, stepWorkDir, *dispatch)
		if execErr != nil {
			log.Errorf("execute step %s: %v", dispatch.StepID, execErr)
		}
		if err := agentproto.ReportResult(ctx, httpClient, serverURL, agent.ID, result); err != nil {
			log.Errorf("report result for step %s: %v", dispatch.StepID, err)
		}
	}
}

func (s agentLocalArtifactStore) Upload(ctx context.Context, runID domain.RunID, stepID domain.StepID, path string, retentionDays int) error {
	return s.store.Upload(ctx, runID, stepID, path, retentionDays)
}

var _ ports.ArtifactStore = agentLocalArtifactStore{}

func heartbeatLoop(ctx context.Context, client *http.Client, baseURL string, agentID domain.AgentID, log *logging.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics := domain.SystemMetrics{}
			if err := agentproto.Heartbeat(ctx, client, baseURL, agentID, domain.AgentIdle, metrics); err != nil {
				log.Warnf("heartbeat: %v", err)
			}
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
		return fallback
	}
	return n
}

func splitEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// capabilitiesFromEnv reports the structured capabilities this agent
// advertises beyond plain host execution, which every agent supports
// implicitly and needs no capability entry for (domain.RequiredCapability).
func capabilitiesFromEnv() []domain.Capability {
	names := splitEnvList("ENGINE_AGENT_CAPABILITIES")
	caps := make([]domain.Capability, 0, len(names))
	for _, n := range names {
		caps = append(caps, domain.Capability(n))
	}
	return caps
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "agent-" + runtime.GOOS
	}
	return h
}
