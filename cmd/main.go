package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"shockscore/internal/cache"
	"shockscore/internal/classifier"
	"shockscore/internal/config"
	"shockscore/internal/logging"
	"shockscore/internal/models"
	"shockscore/internal/replay"
	"shockscore/internal/screening"
	"shockscore/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var analysisPath string

	root := &cobra.Command{
		Use:           "shockscore",
		Short:         "Privacy-preserving audience reaction analytics for screenings",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&analysisPath, "analysis-config", "", "analysis YAML file (overrides ANALYSIS_CONFIG)")

	root.AddCommand(newServeCmd(&analysisPath))
	root.AddCommand(newReplayCmd(&analysisPath))
	return root
}

func loadAnalysis(flagPath string, svc *config.Service) (config.Analysis, error) {
	path := flagPath
	if path == "" && svc != nil {
		path = svc.AnalysisConfig
	}
	return config.LoadAnalysis(path)
}

func newServeCmd(analysisPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP ingestion and reporting server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := config.LoadService()
			if err != nil {
				return err
			}
			logger := logging.InitLogger(svc.LogLevel, svc.LogFormat)

			analysis, err := loadAnalysis(*analysisPath, svc)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var store screening.Store
			var recent server.RecentReports
			if svc.RedisAddr != "" {
				pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				redisClient, err := cache.NewRedisClient(pingCtx, svc.RedisAddr, svc.ReportTTL)
				cancel()
				if err != nil {
					return fmt.Errorf("failed to connect to Redis: %w", err)
				}
				defer redisClient.Close()
				store, recent = redisClient, redisClient
				logger.Info("report store enabled", "redis_addr", svc.RedisAddr, "ttl", svc.ReportTTL)
			}

			var newStage screening.StageFactory
			if svc.ClassifierURL != "" {
				client := classifier.NewRemoteClient(svc.ClassifierURL)
				newStage = func(cfg config.Classifier) screening.FrameAnalyzer {
					return classifier.NewStage(client, client, cfg)
				}
				logger.Info("classifier enabled", "url", svc.ClassifierURL)
			}

			manager := screening.NewManager(analysis, newStage, store, clockwork.NewRealClock())
			srv := server.New(manager, recent)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.Run(gctx, ":"+svc.Port)
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := manager.Shutdown(shutdownCtx); err != nil {
					logger.Error("session shutdown incomplete", "error", err)
				}
				return nil
			})
			return g.Wait()
		},
	}
}

func newReplayCmd(analysisPath *string) *cobra.Command {
	var input, output, sessionID string
	var meta models.SessionMetadata

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Analyze a recorded JSON Lines frame stream and print the report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logging.InitLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

			analysis, err := loadAnalysis(*analysisPath, nil)
			if err != nil {
				return err
			}
			if sessionID == "" {
				sessionID = uuid.NewString()
			}

			var in io.Reader = cmd.InOrStdin()
			if input != "" && input != "-" {
				f, err := os.Open(input)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			report, runErr := replay.Run(cmd.Context(), in, sessionID, meta, analysis)
			if runErr != nil && report.SessionID == "" {
				return runErr
			}

			var out io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return errors.Join(runErr, err)
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&input, "input", "-", "frames file (JSON Lines), - for stdin")
	cmd.Flags().StringVar(&output, "output", "-", "report file, - for stdout")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "session ID (random when empty)")
	cmd.Flags().StringVar(&meta.FilmID, "film", "", "film identifier")
	cmd.Flags().StringVar(&meta.Venue, "venue", "", "venue")
	cmd.Flags().StringVar(&meta.ScreeningTime, "screening-time", "", "screening time")
	return cmd
}
