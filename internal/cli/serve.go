package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dispatchd/dispatchd/internal/agent"
	"github.com/dispatchd/dispatchd/internal/bus"
	"github.com/dispatchd/dispatchd/internal/channels"
	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/convstate"
	"github.com/dispatchd/dispatchd/internal/debounce"
	"github.com/dispatchd/dispatchd/internal/ingress"
	"github.com/dispatchd/dispatchd/internal/knowledge"
	"github.com/dispatchd/dispatchd/internal/llm"
	"github.com/dispatchd/dispatchd/internal/memory"
	"github.com/dispatchd/dispatchd/internal/notify"
	"github.com/dispatchd/dispatchd/internal/orchestrator"
	"github.com/dispatchd/dispatchd/internal/store"
	"github.com/dispatchd/dispatchd/internal/tokenmeter"
	"github.com/dispatchd/dispatchd/internal/transfer"
	"github.com/dispatchd/dispatchd/internal/webhook"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatch engine",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Config file path (default ~/.dispatchd/config.json)")
}

func loadConfig() (*config.Config, error) {
	if serveConfigPath != "" {
		return config.LoadFrom(serveConfigPath)
	}
	return config.Load()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
	}

	storePath := cfg.Store.Path
	if storePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		storePath = filepath.Join(home, config.ConfigDir, "dispatchd.db")
	}
	if err := os.MkdirAll(filepath.Dir(storePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.New(storePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if cfg.Agents.Path == "" {
		return fmt.Errorf("agents.path is not configured; point it at the agent roster file")
	}
	registry, err := agent.LoadRegistry(cfg.Agents.Path)
	if err != nil {
		return err
	}

	states := convstate.NewStore(rdb,
		time.Duration(cfg.Conversation.StateTTLHours)*time.Hour,
		time.Duration(cfg.Conversation.UserMapTTLDays)*24*time.Hour)

	gateway := notify.NewGatewaySender(cfg.Gateway)
	llmClient := llm.NewClient(cfg.LLM)

	kb, err := knowledge.New(st.DB())
	if err != nil {
		return err
	}

	var memSvc orchestrator.MemoryService
	if cfg.Memory.Enabled {
		ms, err := memory.New(st.DB(), llmClient, cfg.LLM.DefaultModel)
		if err != nil {
			return err
		}
		memSvc = ms
	}

	var alertNotifier tokenmeter.NotificationService
	if sn := notify.NewSlackNotifier(cfg.Notify); sn != nil {
		alertNotifier = sn
	}
	meter := tokenmeter.New(st, cfg.Tokens, alertNotifier)
	defer meter.Wait()

	var scorer *transfer.Scorer
	if cfg.Transfer.Enabled {
		scorer = transfer.NewScorer(cfg.Transfer, nil, kb)
	}

	orch := orchestrator.New(orchestrator.Options{
		Config:   *cfg,
		States:   states,
		Archive:  st,
		Agents:   registry,
		Scorer:   scorer,
		RAG:      kb,
		LLM:      llmClient,
		Memory:   memSvc,
		Notifier: gateway,
		Meter:    meter,
	})
	defer orch.Wait()

	hooks := webhook.New(st, cfg.Webhook)

	eb := bus.NewEventBus()
	eb.SubscribeOutbound(func(r *bus.Reply) {
		if err := gateway.SendReply(ctx, r); err != nil {
			slog.Error("Reply delivery failed", "chat", r.ChatJID, "error", err)
		}
	})
	go func() { _ = eb.DispatchOutbound(ctx) }()

	process := func(ctx context.Context, env *bus.Envelope) {
		res, err := orch.ProcessMessage(ctx, env)
		if err != nil {
			slog.Error("Message processing failed", "chat", env.Event.Info.Chat, "error", err)
			return
		}
		if res.Response != "" {
			eb.PublishOutbound(&bus.Reply{
				TenantID: env.TenantID,
				ChatJID:  env.Event.Info.Chat,
				Content:  res.Response,
				AgentID:  res.CurrentAgent,
			})
		}
	}

	deb := debounce.New(rdb, cfg.Debounce.Delay(),
		time.Duration(cfg.Debounce.QueueTTLSecs)*time.Second, process)

	go engineLoop(ctx, eb, hooks, deb, process)

	if cfg.Kafka.Enabled {
		consumer := ingress.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, cfg.Kafka.Topics)
		defer consumer.Close()
		go func() { _ = ingress.NewPump(consumer, eb).Run(ctx) }()
		fmt.Printf("%s kafka ingress on %s (%s)\n", color.GreenString("✓"), cfg.Kafka.Brokers, strings.Join(cfg.Kafka.Topics, ", "))
	}

	httpConsumer := ingress.NewChannelConsumer()
	go func() { _ = ingress.NewPump(httpConsumer, eb).Run(ctx) }()
	srv := &http.Server{
		Addr:    cfg.Gateway.ListenAddr,
		Handler: ingressHandler(httpConsumer, cfg.Gateway.InboundToken),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP ingress failed", "addr", cfg.Gateway.ListenAddr, "error", err)
			stop()
		}
	}()

	fmt.Printf("%s http ingress on %s\n", color.GreenString("✓"), cfg.Gateway.ListenAddr)
	fmt.Printf("%s engine running (debounce %s, agents %s)\n",
		color.GreenString("✓"), cfg.Debounce.Delay(), cfg.Agents.Path)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	fmt.Printf("%s shutting down\n", color.YellowString("•"))
	return nil
}

// engineLoop routes inbound events: webhooks fire for every event, then
// text messages go through the merge queue while everything else is
// handled (or skipped) immediately.
func engineLoop(ctx context.Context, eb *bus.EventBus, hooks *webhook.Dispatcher, deb *debounce.Debouncer, process debounce.DispatchFunc) {
	for {
		env, err := eb.ConsumeInbound(ctx)
		if err != nil {
			return
		}
		go hooks.Dispatch(ctx, env.TenantID, env.EventType, env.DeviceID, env.Raw)

		bypass, reason := channels.BypassDebounce(env)
		if !bypass {
			if err := deb.Enqueue(ctx, env); err != nil {
				slog.Warn("Debounce enqueue failed, dispatching directly", "chat", env.Event.Info.Chat, "error", err)
				process(ctx, env)
			}
			continue
		}
		if channels.DispatchNow(reason) {
			process(ctx, env)
			continue
		}
		slog.Debug("Event skipped", "reason", string(reason), "type", env.EventType, "chat", env.Event.Info.Chat)
	}
}

// ingressHandler accepts gateway event posts on /api/events.
func ingressHandler(consumer *ingress.ChannelConsumer, token string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/api/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil || len(body) == 0 {
			http.Error(w, "empty body", http.StatusBadRequest)
			return
		}
		consumer.Send(ingress.ConsumerMessage{Topic: "http", Value: body})
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}
