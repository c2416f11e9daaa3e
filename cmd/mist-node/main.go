package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mist-chat/go-core/internal/config"
	"mist-chat/go-core/internal/directory"
	"mist-chat/go-core/internal/dispatch"
	"mist-chat/go-core/internal/group"
	"mist-chat/go-core/internal/keycache"
	"mist-chat/go-core/internal/messenger"
	"mist-chat/go-core/internal/pipeline"
	"mist-chat/go-core/internal/platform/metrics"
	"mist-chat/go-core/internal/platform/privacylog"
	"mist-chat/go-core/internal/platform/ratelimiter"
	"mist-chat/go-core/internal/securestore"
	"mist-chat/go-core/internal/transport"
	"mist-chat/go-core/pkg/entity"
	"mist-chat/go-core/pkg/ids"
	"mist-chat/go-core/pkg/message"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for node local data (optional)")
	transportName := flag.String("transport", "", "Network transport override: go-waku | mock")
	flag.Parse()
	if *showVersion {
		fmt.Printf("mist-node version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *dataDir != "" {
		_ = os.Setenv("MIST_DATA_DIR", *dataDir)
	}
	if *transportName != "" {
		_ = os.Setenv("MIST_NETWORK_TRANSPORT", *transportName)
	}

	cfg := config.LoadFromPath(*configPath)
	log := newLogger(cfg.Logging.Level)
	slog.SetDefault(log)

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("mist-node failed", "error", err)
		os.Exit(1)
	}
	log.Info("mist-node stopped")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if err := os.MkdirAll(cfg.Node.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	dir, err := directory.NewMemory(256)
	if err != nil {
		return fmt.Errorf("directory init: %w", err)
	}
	self, err := bootstrapIdentity(ctx, cfg, dir)
	if err != nil {
		return fmt.Errorf("identity bootstrap: %w", err)
	}
	log.Info("local identity ready", "sender_id", self.String())

	keys, err := keycache.NewResolver(512)
	if err != nil {
		return fmt.Errorf("key cache init: %w", err)
	}
	transformer := pipeline.New(dir, keys)

	registry := prometheus.NewRegistry()
	core := metrics.NewCore(registry)
	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, cfg.Metrics.Listen, registry, log)
	}

	history, err := group.OpenBoltHistory(filepath.Join(cfg.Node.DataDir, "history.db"))
	if err != nil {
		return fmt.Errorf("history store: %w", err)
	}
	defer history.Close()

	node := transport.NewNode(cfg.TransportConfig())
	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("transport start: %w", err)
	}
	defer node.Stop(context.Background())
	node.SetIdentity(self)

	handlers := dispatch.NewRegistry(log)

	// The consensus service sends history pushes through the messenger,
	// and the messenger routes commands into the service; bind late.
	var msgr *messenger.Messenger
	send := func(ctx context.Context, receiver ids.Identifier, content message.Content) error {
		return msgr.SendContent(ctx, receiver, content)
	}
	limiter := ratelimiter.New(cfg.Limits.CommandsPerSecond, cfg.Limits.CommandBurst, cfg.Limits.IdleTTL)
	consensus := group.NewService(history, group.NewMemoryMembership(),
		group.WithLimiter(limiter),
		group.WithMetrics(core),
		group.WithLogger(log),
		group.WithSender(send))
	msgr = messenger.New(self, transformer, handlers, node,
		messenger.WithMetrics(core), messenger.WithLogger(log),
		messenger.WithCommandHandler(commandHandler(consensus, log)))

	handlers.Register(message.TypeText, dispatch.HandlerFunc(
		func(_ context.Context, env message.Envelope, content message.Content) ([]message.Content, error) {
			log.Info("message received",
				"sender_id", env.Sender.String(), "content_type", content.Type)
			return nil, nil
		}))

	if err := node.Subscribe(func(frame transport.Frame) {
		if err := msgr.HandleFrame(ctx, frame); err != nil {
			log.Warn("inbound frame failed", "message_id", frame.ID, "error", err)
		}
	}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	log.Info("mist-node started",
		"transport", cfg.TransportConfig().Transport, "peers", node.Status().PeerCount)

	<-ctx.Done()
	return ctx.Err()
}

// commandHandler adapts the consensus service to the inbound message path,
// turning receipts into reply contents for the command's sender.
func commandHandler(consensus *group.Service, log *slog.Logger) messenger.CommandHandler {
	return func(ctx context.Context, plain message.Plain, carrier message.Signed) ([]message.Content, error) {
		cmd, err := group.ParseCommand(plain.Content)
		if err != nil {
			log.Debug("malformed group command dropped",
				"sender_id", plain.Sender.String(), "error", err)
			return nil, nil
		}
		result, err := consensus.Handle(ctx, plain.Sender, cmd, carrier)
		if err != nil {
			return nil, err
		}
		if result.Receipt != nil {
			return []message.Content{result.Receipt.Content()}, nil
		}
		return nil, nil
	}
}

// bootstrapIdentity loads the sealed mnemonic, or creates and seals a new
// one on first start, then registers the derived keys and documents.
func bootstrapIdentity(ctx context.Context, cfg config.Config, dir *directory.Memory) (ids.Identifier, error) {
	secret := cfg.Node.KeystoreKey
	if secret == "" {
		secret = "mist-dev-keystore"
	}
	path := filepath.Join(cfg.Node.DataDir, "identity.sealed")
	const identitySealLabel = "node/identity"

	type sealedIdentity struct {
		Mnemonic string `json:"mnemonic"`
	}
	var sealed sealedIdentity
	switch err := securestore.ReadSealedJSON(path, secret, identitySealLabel, &sealed); {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		mnemonic, err := entity.NewMnemonic()
		if err != nil {
			return ids.Identifier{}, err
		}
		sealed.Mnemonic = mnemonic
		if err := securestore.WriteSealedJSON(path, secret, identitySealLabel, sealed); err != nil {
			return ids.Identifier{}, fmt.Errorf("seal identity: %w", err)
		}
	default:
		// A wrong keystore key must never regenerate the identity.
		return ids.Identifier{}, fmt.Errorf("unseal identity: %w", err)
	}

	bundle, err := entity.KeysFromMnemonic(sealed.Mnemonic)
	if err != nil {
		return ids.Identifier{}, err
	}
	meta, err := entity.NewMeta(bundle.SigningPrivate, bundle.SigningPublic, cfg.Node.Name)
	if err != nil {
		return ids.Identifier{}, err
	}
	self := meta.Identifier(ids.KindUser)
	if err := dir.SaveMeta(ctx, self, meta); err != nil {
		return ids.Identifier{}, err
	}
	visa, err := entity.NewVisa(self, bundle.EncryptionPublic, bundle.SigningPrivate)
	if err != nil {
		return ids.Identifier{}, err
	}
	if err := dir.SaveDocument(ctx, self, visa); err != nil {
		return ids.Identifier{}, err
	}
	dir.RegisterLocal(self, bundle)
	return self, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	base := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(privacylog.WrapHandler(base))
}

func serveMetrics(ctx context.Context, listen string, registry *prometheus.Registry, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("metrics server stopped", "error", err)
	}
}
