package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quailyquaily/taskbridge/db"
	"github.com/quailyquaily/taskbridge/internal/bridge"
	"github.com/quailyquaily/taskbridge/internal/classify"
	"github.com/quailyquaily/taskbridge/internal/logutil"
	"github.com/quailyquaily/taskbridge/internal/taskapi"
	"github.com/quailyquaily/taskbridge/internal/transport"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge: consume the message stream and serve task webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			dbCfg := db.DefaultConfig()
			dbCfg.Driver = strings.TrimSpace(viper.GetString("db.driver"))
			dsn, err := db.ResolveSQLiteDSN(viper.GetString("db.dsn"))
			if err != nil {
				return fmt.Errorf("resolve db dsn: %w", err)
			}
			dbCfg.DSN = dsn
			gdb, err := db.Open(dbCfg)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}

			sessions := db.NewSessionStore(gdb)
			jobs := db.NewJobStore(gdb)
			routes := db.NewRouteStore(gdb, viper.GetDuration("routes.ttl"))

			classifier, err := classify.NewLLMClassifier(classify.LLMOptions{
				APIKey:  flagOrViperString(cmd, "classify-api-key", "classify.api_key"),
				BaseURL: flagOrViperString(cmd, "classify-endpoint", "classify.endpoint"),
				Model:   flagOrViperString(cmd, "classify-model", "classify.model"),
			})
			if err != nil {
				return err
			}

			transportToken := flagOrViperString(cmd, "transport-token", "transport.token")
			messenger := transport.NewClient(nil, flagOrViperString(cmd, "transport-base-url", "transport.base_url"), transportToken)
			stream := transport.NewStream(transport.StreamOptions{
				URL:    flagOrViperString(cmd, "transport-stream-url", "transport.stream_url"),
				Token:  transportToken,
				Logger: logger,
			})
			tasks := taskapi.NewClient(nil, flagOrViperString(cmd, "taskapi-base-url", "taskapi.base_url"), flagOrViperString(cmd, "taskapi-token", "taskapi.token"))

			webhookAddr := strings.TrimSpace(viper.GetString("webhook.bind")) + ":" + strconv.Itoa(flagOrViperInt(cmd, "webhook-port", "webhook.port"))

			rt, err := bridge.New(bridge.Options{
				Logger:     logger,
				Stream:     stream,
				Messenger:  messenger,
				Tasks:      tasks,
				Classifier: classifier,

				State:          bridge.NewSessionState(sessions),
				TaskLookup:     bridge.NewTaskLookup(sessions),
				Routes:         routes,
				JobLog:         bridge.NewJobLog(jobs),
				ListIdentities: sessions.ListIdentities,

				WebhookAddr:  webhookAddr,
				WebhookToken: viper.GetString("webhook.token"),

				CoalesceWindow:        flagOrViperDuration(cmd, "coalesce-window", "coalesce.window"),
				GracePeriod:           flagOrViperDuration(cmd, "grace-period", "session.grace_period"),
				TypingRefreshInterval: viper.GetDuration("typing.refresh_interval"),
				ReconcileInterval:     viper.GetDuration("dispatch.reconcile_interval"),
				RoutePurgeInterval:    viper.GetDuration("routes.purge_interval"),
				ThrottleInterval:      viper.GetDuration("notify.throttle_interval"),
				PaceDelay:             viper.GetDuration("notify.pace_delay"),
				BackoffBase:           viper.GetDuration("dispatch.backoff_base"),

				HistoryCap:     viper.GetInt("history.cap"),
				ContextMax:     viper.GetInt("classify.context_max"),
				ChunkRunes:     viper.GetInt("notify.chunk_runes"),
				QueueCap:       viper.GetInt("dispatch.queue_cap"),
				MaxConcurrency: flagOrViperInt(cmd, "max-concurrency", "dispatch.max_concurrency"),
				MaxAttempts:    viper.GetInt("dispatch.max_attempts"),
			})
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("bridge_start", "webhook_addr", webhookAddr, "db_dsn", dsn)
			return rt.Run(runCtx)
		},
	}

	cmd.Flags().String("transport-base-url", "", "Messaging transport REST base URL.")
	cmd.Flags().String("transport-stream-url", "", "Messaging transport websocket stream URL.")
	cmd.Flags().String("transport-token", "", "Bearer token for the messaging transport.")
	cmd.Flags().String("taskapi-base-url", "", "Task backend base URL.")
	cmd.Flags().String("taskapi-token", "", "Bearer token for the task backend.")
	cmd.Flags().String("classify-endpoint", "", "Classifier LLM endpoint.")
	cmd.Flags().String("classify-api-key", "", "Classifier LLM API key.")
	cmd.Flags().String("classify-model", "", "Classifier LLM model.")
	cmd.Flags().Int("webhook-port", 8787, "Port for the task event webhook server.")
	cmd.Flags().Duration("coalesce-window", 0, "Quiet window before a burst of messages becomes one turn.")
	cmd.Flags().Duration("grace-period", 0, "How long a finished task stays continuable.")
	cmd.Flags().Int("max-concurrency", 0, "Max identities processed concurrently.")

	return cmd
}
