package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leakless21/mascord/internal/bus"
	"github.com/leakless21/mascord/internal/config"
	"github.com/leakless21/mascord/internal/cron"
	"github.com/leakless21/mascord/internal/memory"
)

// app carries the global flags and the lazily opened engine of one invocation.
type app struct {
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
	store  *memory.Store
	svc    *memory.Service
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "mascord",
		Short:         "mascord - contextual memory engine for a Discord bot",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("MASCORD_CONFIG"), "Path to config file (yaml, json or toml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Log to stderr")

	root.AddCommand(
		a.serveCmd(),
		a.ingestCmd(),
		a.contextCmd(),
		a.searchCmd(),
		a.summaryCmd(),
		a.milestoneCmd(),
		a.summarizeCmd(),
		a.indexCmd(),
		a.purgeCmd(),
		a.trackCmd(),
		a.scopeCmd(),
		a.guildCmd(),
		a.userMemoryCmd(),
		a.statusCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// open loads the config and wires the engine. production selects the JSON
// logger used by long-running processes.
func (a *app) open(production bool) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg

	switch {
	case production:
		a.logger, err = zap.NewProduction()
	case a.verbose:
		a.logger, err = zap.NewDevelopment()
	default:
		a.logger = zap.NewNop()
	}
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	store, err := memory.OpenStore(cfg.DatabaseURL, a.logger)
	if err != nil {
		return err
	}

	var embedder memory.Embedder
	if cfg.IndexerEnabled {
		embedder = memory.NewOpenAIEmbedder(cfg)
	}
	var llm memory.Completer
	if cfg.Summarization.Enabled {
		llm = memory.NewOpenAICompleter(cfg)
	}

	svc, err := memory.NewService(cfg, store, embedder, llm, a.logger)
	if err != nil {
		_ = store.Close()
		return err
	}
	a.store = store
	a.svc = svc
	return nil
}

func (a *app) close() {
	if a.svc != nil {
		a.svc.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", zap.Error(err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// withEngine wraps a command body so the engine is opened before and closed after it.
func (a *app) withEngine(run func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := a.open(false); err != nil {
			return err
		}
		defer a.close()
		return run(cmd, args)
	}
}

func (a *app) serveCmd() *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Ingest messages from stdin and run the background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(true); err != nil {
				return err
			}
			defer a.close()
			return a.serve(cmd.Context(), input, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&input, "input", "-", "JSON lines message source; '-' for stdin, empty to disable")
	return cmd
}

func (a *app) serve(ctx context.Context, input string, stdin io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scheduler, err := a.scheduler()
	if err != nil {
		return err
	}
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	b := bus.NewMessageBus(bus.DefaultBufferSize)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		b.Consume(ctx, a.ingestHandler, a.ingestFailed)
	}()

	if input != "" {
		r, closeInput, err := openInput(input, stdin)
		if err != nil {
			return err
		}
		go func() {
			defer closeInput()
			n, err := bus.ReadJSONLines(ctx, r, b, a.logger)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn("message source failed", zap.Error(err))
			}
			a.logger.Info("message source drained", zap.Int("published", n))
		}()
	}

	a.logger.Info("mascord serving", zap.String("database", a.cfg.DatabaseURL))
	<-ctx.Done()
	a.logger.Info("shutting down")

	select {
	case <-consumed:
	case <-time.After(a.cfg.ShutdownTimeout()):
		a.logger.Warn("ingest consumer did not stop in time")
	}
	return nil
}

// scheduler registers the indexer, summarizer and cleanup jobs.
func (a *app) scheduler() (*cron.Service, error) {
	s := cron.NewService(a.logger, a.cfg.ShutdownTimeout())
	if a.svc.Indexer() != nil {
		if err := s.Add("index", a.cfg.IndexerInterval(), a.svc.IndexPending); err != nil {
			return nil, err
		}
	}
	if a.cfg.Summarization.Enabled {
		if err := s.Add("summarize", a.cfg.SummarizationInterval(), a.svc.SummarizeActive); err != nil {
			return nil, err
		}
	}
	if err := s.Add("cleanup", a.cfg.CleanupInterval(), a.svc.Cleanup); err != nil {
		return nil, err
	}
	return s, nil
}

func (a *app) ingestHandler(ctx context.Context, in bus.InboundMessage) error {
	_, err := a.svc.Ingest(ctx, toMessage(in))
	return err
}

func (a *app) ingestFailed(in bus.InboundMessage, err error) {
	a.logger.Warn("ingest failed",
		zap.String("message_id", in.ID),
		zap.String("session", in.SessionKey()),
		zap.Error(err))
}

func openInput(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "-" {
		return stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func toMessage(in bus.InboundMessage) memory.Message {
	return memory.Message{
		ExternalID: in.ID,
		GuildID:    in.GuildID,
		ChannelID:  in.ChannelID,
		AuthorID:   in.AuthorID,
		Content:    in.Content,
		Timestamp:  in.Timestamp,
	}
}
