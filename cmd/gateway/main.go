// Command gateway is the cloud-side process (spec §4.4/§4.7/§4.10): it
// terminates agent WebSocket connections, serves the HTTP submission API,
// and runs the periodic sweeps (offline-queue TTL, dead-agent heartbeat).
// Grounded on the teacher's server.go StartServer wiring, generalized from
// one relay-and-bot process into the gateway/chatorigin/metrics split.
package main

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"dispatchfabric/internal/agentmanager"
	"dispatchfabric/internal/bus"
	"dispatchfabric/internal/chatorigin"
	"dispatchfabric/internal/config"
	"dispatchfabric/internal/envelope"
	"dispatchfabric/internal/gateway"
	"dispatchfabric/internal/metrics"
	"dispatchfabric/internal/queue"
	"dispatchfabric/internal/stream"
	"dispatchfabric/internal/taskstore"
)

func main() {
	cfg := config.LoadGateway()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	tasks, err := taskstore.Open(cfg.DatabasePath, m)
	if err != nil {
		log.Fatalf("gateway: open task store: %v", err)
	}
	defer tasks.Close()

	q, err := queue.Open(cfg.DatabasePath, cfg.QueueTTL, m)
	if err != nil {
		log.Fatalf("gateway: open offline queue: %v", err)
	}
	defer q.Close()

	b := bus.New()
	agents := agentmanager.New(b, m)
	codec := envelope.NewCodec()

	var edit stream.EditFunc
	if cfg.TelegramBotToken != "" {
		tg, err := chatorigin.NewTelegram(cfg.TelegramBotToken)
		if err != nil {
			log.Fatalf("gateway: telegram init: %v", err)
		}
		edit = tg.Edit
	} else {
		log.Printf("gateway: TELEGRAM_BOT_TOKEN not set, stream flushes will be logged only")
		edit = func(origin envelope.ChatOrigin, text, messageID string) (string, error) {
			log.Printf("[stream] (no chat backend) channel=%s len=%d", origin.ChannelID, len(text))
			return messageID, nil
		}
	}
	accumulator := stream.New(cfg.StreamInterval, cfg.MaxSnapshotChars, edit, m)

	notify := func(origin envelope.ChatOrigin, text string) {
		if _, err := edit(origin, text, ""); err != nil {
			log.Printf("gateway: notify failed: %v", err)
		}
	}

	dispatcher := &gateway.Dispatcher{
		Tasks:  tasks,
		Agents: agents,
		Queue:  q,
		Stream: accumulator,
		Codec:  codec,
		M:      m,
		Notify: notify,
	}

	stop := make(chan struct{})
	defer close(stop)

	offlineDispatcher := agentmanager.NewOfflineDispatcher(agents, b, q)
	go offlineDispatcher.Run()
	go agents.RunSweeper(cfg.HeartbeatInterval, stop)
	go accumulator.Run(stop)

	c := cron.New()
	if _, err := c.AddFunc("@every 15m", func() {
		n, err := q.CleanExpired()
		if err != nil {
			log.Printf("gateway: offline queue TTL sweep failed: %v", err)
			return
		}
		if n > 0 {
			log.Printf("gateway: offline queue TTL sweep removed %d expired entries", n)
		}
	}); err != nil {
		log.Fatalf("gateway: schedule offline queue sweep: %v", err)
	}
	c.Start()
	defer c.Stop()

	ws := gateway.NewServer(agents, dispatcher, codec, cfg.AgentPassword, cfg.AuthTimeout)
	api := &gateway.API{Dispatcher: dispatcher, Notify: notify}

	mux := api.Routes()
	mux.Handle("/agent", ws)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	log.Printf("gateway listening on %s", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
		log.Fatalf("gateway: http server stopped: %v", err)
	}
}
