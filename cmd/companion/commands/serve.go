package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/aurelia-labs/companion/pkg/companion"
	"github.com/aurelia-labs/companion/pkg/httpapi"
	"github.com/aurelia-labs/companion/pkg/kv"
	"github.com/aurelia-labs/companion/pkg/llm"
	"github.com/aurelia-labs/companion/pkg/storage"
	"github.com/aurelia-labs/companion/pkg/voice"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server",
	Long: `Run the companion API server.

Example config:

  listen: 127.0.0.1:8080
  store: badger:///var/lib/companion
  openai:
    api_key: sk-xxxx
  gemini:
    api_key: xxxx
  archive:
    backend: local
    dir: /var/lib/companion/images
    base_url: http://127.0.0.1:8080/files`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "f", "companion.yaml", "config file path")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := buildClient(ctx, cfg)
	if err != nil {
		return err
	}

	archive, static, err := buildArchive(cfg)
	if err != nil {
		return err
	}

	cstore := companion.NewStore(store)

	var orchOpts []companion.OrchestratorOption
	if archive != nil {
		orchOpts = append(orchOpts, companion.WithImageArchive(archive))
	}
	orch := companion.NewOrchestrator(cstore, client, orchOpts...)

	tuningClient := llm.NewOpenAI(cfg.OpenAI.APIKey, llm.WithChatModel(cfg.OpenAI.TuningModel))
	tuner := companion.NewTuner(cstore, tuningClient)
	tuner.Start(ctx)

	var bridgeOpts []voice.BridgeOption
	if cfg.Realtime.Model != "" {
		bridgeOpts = append(bridgeOpts, voice.WithRealtimeModel(cfg.Realtime.Model))
	}
	if cfg.Realtime.Voice != "" {
		bridgeOpts = append(bridgeOpts, voice.WithVoice(cfg.Realtime.Voice))
	}
	bridge := voice.NewBridge(cstore, orch.Assembler(), client, bridgeOpts...)

	var srvOpts []httpapi.ServerOption
	if static != nil {
		srvOpts = append(srvOpts, httpapi.WithStaticFiles(static))
	}
	api := httpapi.NewServer(cstore, orch, tuner, bridge, srvOpts...)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", cfg.Listen, "store", cfg.Store)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown incomplete", "err", err)
	}
	tuner.Wait()
	return nil
}

func openStore(cfg *Config) (kv.Store, error) {
	store, err := kv.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", cfg.Store, err)
	}
	return store, nil
}

// buildClient assembles the provider client: OpenAI for chat, streaming,
// and realtime sessions, with Gemini taking over image generation when
// configured.
func buildClient(ctx context.Context, cfg *Config) (llm.Client, error) {
	var opts []llm.OpenAIOption
	if cfg.OpenAI.ChatModel != "" {
		opts = append(opts, llm.WithChatModel(cfg.OpenAI.ChatModel))
	}
	if cfg.OpenAI.ImageModel != "" {
		opts = append(opts, llm.WithImageModel(cfg.OpenAI.ImageModel))
	}
	if cfg.Gemini.APIKey != "" {
		gem, err := llm.NewGeminiImage(ctx, cfg.Gemini.APIKey, cfg.Gemini.ImageModel)
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		opts = append(opts, llm.WithImageGenerator(gem))
	}
	return llm.NewOpenAI(cfg.OpenAI.APIKey, opts...), nil
}

// buildArchive returns the image archive and, for the local backend, the
// static file handler to mount.
func buildArchive(cfg *Config) (*storage.ImageArchive, http.Handler, error) {
	switch cfg.Archive.Backend {
	case "":
		return nil, nil, nil

	case "local":
		local, err := storage.NewLocal(cfg.Archive.Dir, cfg.Archive.BaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("local archive: %w", err)
		}
		return storage.NewImageArchive(local), http.FileServer(http.Dir(local.Root())), nil

	case "s3":
		client := s3.New(s3.Options{
			Region: cfg.Archive.Region,
			Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     cfg.Archive.AccessKey,
					SecretAccessKey: cfg.Archive.SecretKey,
				}, nil
			}),
		})
		store := storage.NewS3(client, cfg.Archive.Bucket, cfg.Archive.Prefix, cfg.Archive.BaseURL)
		return storage.NewImageArchive(store), nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown archive backend %q", cfg.Archive.Backend)
	}
}
