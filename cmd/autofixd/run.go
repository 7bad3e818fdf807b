package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clintrovert/autofix/internal/api/rest"
	"github.com/clintrovert/autofix/internal/config"
	"github.com/clintrovert/autofix/internal/daemon"
	"github.com/clintrovert/autofix/internal/discovery"
	"github.com/clintrovert/autofix/internal/fixer"
	"github.com/clintrovert/autofix/internal/github"
	"github.com/clintrovert/autofix/internal/ledger"
	"github.com/clintrovert/autofix/internal/logging"
	"github.com/clintrovert/autofix/internal/parser"
	"github.com/clintrovert/autofix/pkg/types"
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the polling daemon until interrupted",
		RunE:  runDaemon,
	}
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	repos, err := cfg.RepoRefs()
	if err != nil {
		return err
	}
	minSeverity, err := types.ParseSeverity(cfg.Daemon.MinSeverity)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Daemon.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := ledger.New(cfg.Daemon.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	gh, err := github.NewClient(github.Options{
		Token:             cfg.GitHub.Token,
		APIURL:            cfg.GitHub.APIURL,
		BotLogin:          cfg.GitHub.BotLogin,
		RequestsPerSecond: cfg.GitHub.RequestsPerSecond,
	}, logger)
	if err != nil {
		return err
	}

	workspace := github.NewGit(cfg.GitHub.Token, cfg.Fixer.WorkspaceDir, github.Author{
		Name:  cfg.Fixer.GitAuthorName,
		Email: cfg.Fixer.GitAuthorEmail,
	}, logger)
	if cfg.GitHub.APIURL != "" {
		base, err := cloneBaseURL(cfg.GitHub.APIURL)
		if err != nil {
			return err
		}
		workspace.WithCloneBaseURL(base)
	}

	executor := fixer.NewExecutor(workspace, newEditor(cfg, logger), cfg.Fixer.Timeout.Duration, logger)

	engine := discovery.New(gh, parser.New(cfg.GitHub.BotLogin, minSeverity), store, discovery.Options{
		Repos:              repos,
		Orgs:               cfg.GitHub.Orgs,
		Lookback:           cfg.Daemon.Lookback.Duration,
		ScopeFailedPerRepo: cfg.Daemon.ScopeFailedPerRepo,
	}, logger)

	d := daemon.New(daemon.Options{
		LockPath: cfg.LockPath(),
		Interval: cfg.Daemon.PollInterval.Duration,
	}, engine, executor, store, gh, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Status.Listen != "" {
		srv := startStatusServer(cfg.Status.Listen, store, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if err := d.Run(ctx); err != nil {
		logger.Error("daemon failed to start", zap.Error(err))
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

func newEditor(cfg *config.Config, logger *zap.Logger) fixer.Editor {
	if cfg.Fixer.Backend == config.BackendOpenAI {
		return fixer.NewOpenAIEditor(cfg.Fixer.OpenAIAPIKey, cfg.Fixer.Model, logger)
	}
	return fixer.NewCLIEditor(cfg.Fixer.Command, cfg.Fixer.Args, logger)
}

func startStatusServer(addr string, store *ledger.Store, logger *zap.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           rest.NewRouter(rest.NewHandler(store, logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting status server", zap.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server failed", zap.Error(err))
		}
	}()
	return srv
}

// cloneBaseURL turns an enterprise API URL into the host repositories are
// cloned from.
func cloneBaseURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: github.api_url %q is not an absolute URL", config.ErrInvalid, apiURL)
	}
	return u.Scheme + "://" + u.Host, nil
}
