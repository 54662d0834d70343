// Command agent is the worker-side process (spec §4.8/§4.9, C8+C9): it
// dials the gateway, authenticates, and executes tasks the gateway submits
// to it. Grounded on the teacher's agent/main.go entry point, generalized
// from a single flag-driven Agent struct into config.LoadAgent plus the
// agentclient/executor split.
package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dispatchfabric/internal/agentclient"
	"dispatchfabric/internal/config"
	"dispatchfabric/internal/envelope"
	"dispatchfabric/internal/executor"
	"dispatchfabric/internal/metrics"
)

func main() {
	cfg := config.LoadAgent()

	if len(cfg.ProjectRoots) == 0 {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("agent: no AGENT_PROJECT_ROOTS set and no home directory: %v", err)
		}
		cfg.ProjectRoots = []string{home}
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		log.Printf("agent: metrics listening on %s", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Printf("agent: metrics server stopped: %v", err)
		}
	}()

	codec := envelope.NewCodec()

	client := agentclient.New(agentclient.Config{
		GatewayURL:         cfg.GatewayURL,
		AgentID:            cfg.AgentID,
		APIKey:             cfg.APIKey,
		Version:            "1.0.0",
		ReconnectBase:      cfg.ReconnectBase,
		ReconnectMax:       cfg.ReconnectMax,
		CircuitBreakerMax:  cfg.CircuitBreakerMax,
		CircuitBreakerLong: cfg.CircuitBreakerLong,
		KeepaliveInterval:  cfg.KeepaliveInterval,
		AuthTimeout:        cfg.AuthTimeout,
	}, codec)

	exec := executor.New(executor.Config{
		MaxConcurrentTasks:    cfg.MaxConcurrentTasks,
		MaxContinuations:      cfg.MaxContinuations,
		MaxTurnsPerInvocation: cfg.MaxTurnsPerInvocation,
		ProjectRoots:          cfg.ProjectRoots,
		TaskTimeout:           cfg.TaskTimeout,
	}, &executor.ClaudeCLIInvoker{}, client, m)
	client.SetExecutor(exec)

	log.Printf("agent '%s' starting, gateway=%s, roots=%v", cfg.AgentID, cfg.GatewayURL, cfg.ProjectRoots)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("agent: shutting down")
		client.Close()
	}()

	client.Run()
}
