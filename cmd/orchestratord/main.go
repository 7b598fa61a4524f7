// Command orchestratord runs the orchestration core as a single long-lived
// daemon: the durable store, task queue, agent registry, resource ledger,
// coordinator, accountability monitor, agent RPC broker, and operator
// dashboard all in one process. It is grounded on the teacher's
// cmd/cliaimonitor/main.go — flag-parsed paths, a printed banner, and a
// signal-driven graceful shutdown — without the teacher's single-instance
// PID locking and terminal-spawning, which belonged to its interactive
// Captain workflow and have no equivalent in this daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agenthive/orchestrator-core/internal/notify/external"
	"github.com/agenthive/orchestrator-core/internal/orchestrator"
	"github.com/agenthive/orchestrator-core/internal/policy"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML policy configuration file (defaults applied if empty)")
	operatorAddr := flag.String("operator-addr", ":8080", "bind address for the operator HTTP/WebSocket surface")
	metricsAddr := flag.String("metrics-addr", ":9090", "bind address for the Prometheus /metrics endpoint")
	agentRPCPort := flag.Int("agent-rpc-port", 4222, "port for the embedded agent RPC broker")
	agentRPCDataDir := flag.String("agent-rpc-data-dir", "data/jetstream", "JetStream storage directory (only used with -agent-rpc-jetstream)")
	agentRPCJetStream := flag.Bool("agent-rpc-jetstream", false, "enable JetStream persistence on the embedded broker")
	evidenceRoot := flag.String("evidence-root", "", "filesystem root for resolving artifact evidence references")
	slackWebhook := flag.String("slack-webhook-url", "", "Slack incoming webhook URL for escalation notifications")
	discordWebhook := flag.String("discord-webhook-url", "", "Discord incoming webhook URL for escalation notifications")
	flag.Parse()

	cfg, err := loadPolicy(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestratord: %v\n", err)
		os.Exit(1)
	}

	hiveCfg := orchestrator.Config{
		Policy:            cfg,
		OperatorAddr:      *operatorAddr,
		AgentRPCPort:      *agentRPCPort,
		AgentRPCJetStream: *agentRPCJetStream,
		AgentRPCDataDir:   *agentRPCDataDir,
		EvidenceRoot:      *evidenceRoot,
	}
	if *slackWebhook != "" {
		hiveCfg.Notify.Slack = &external.SlackConfig{WebhookURL: *slackWebhook, MinSeverity: "high"}
	}
	if *discordWebhook != "" {
		hiveCfg.Notify.Discord = &external.DiscordConfig{WebhookURL: *discordWebhook, MinSeverity: "high"}
	}

	hive, err := orchestrator.New(hiveCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestratord: build hive: %v\n", err)
		os.Exit(1)
	}

	printBanner(*operatorAddr, *agentRPCPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := hive.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "orchestratord: start hive: %v\n", err)
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:    *metricsAddr,
		Handler: promhttp.HandlerFor(hive.MetricsCollector().Registry(), promhttp.HandlerOpts{}),
	}
	metricsErr := make(chan error, 1)
	go func() { metricsErr <- metricsServer.ListenAndServe() }()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case <-shutdown:
		fmt.Println("orchestratord: shutting down (signal received)")
	case err := <-metricsErr:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "orchestratord: metrics server error: %v\n", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	cancel()
	hive.Stop()
	fmt.Println("orchestratord: stopped")
}

func loadPolicy(path string) (policy.Config, error) {
	if path == "" {
		return policy.Default(), nil
	}
	return policy.Load(path)
}

func printBanner(operatorAddr string, agentRPCPort int) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------------------+")
	fmt.Println("  |               orchestrator-core                       |")
	fmt.Println("  |        multi-agent task hive coordinator               |")
	fmt.Println("  +-------------------------------------------------------+")
	fmt.Println()
	fmt.Printf("  operator dashboard : http://localhost%s\n", operatorAddr)
	fmt.Printf("  agent rpc broker   : nats://127.0.0.1:%d\n", agentRPCPort)
	fmt.Println()
}
