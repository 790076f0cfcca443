package main

import (
	"time"

	"github.com/spf13/viper"
)

func initViperDefaults() {
	// Messaging transport
	viper.SetDefault("transport.base_url", "http://127.0.0.1:8400")
	viper.SetDefault("transport.stream_url", "ws://127.0.0.1:8400/v1/stream")
	viper.SetDefault("transport.token", "")

	// Task backend
	viper.SetDefault("taskapi.base_url", "http://127.0.0.1:8500")
	viper.SetDefault("taskapi.token", "")

	// Classifier LLM
	viper.SetDefault("classify.endpoint", "https://api.openai.com/v1")
	viper.SetDefault("classify.api_key", "")
	viper.SetDefault("classify.model", "gpt-5.2")
	viper.SetDefault("classify.context_max", 20)

	// Webhook intake
	viper.SetDefault("webhook.bind", "127.0.0.1")
	viper.SetDefault("webhook.port", 8787)
	viper.SetDefault("webhook.token", "")

	// Conversation behavior
	viper.SetDefault("coalesce.window", 3*time.Second)
	viper.SetDefault("session.grace_period", 10*time.Minute)
	viper.SetDefault("typing.refresh_interval", 30*time.Second)
	viper.SetDefault("notify.throttle_interval", 10*time.Second)
	viper.SetDefault("notify.pace_delay", 800*time.Millisecond)
	viper.SetDefault("notify.chunk_runes", 1200)
	viper.SetDefault("history.cap", 50)

	// Dispatch
	viper.SetDefault("dispatch.max_concurrency", 8)
	viper.SetDefault("dispatch.queue_cap", 16)
	viper.SetDefault("dispatch.max_attempts", 3)
	viper.SetDefault("dispatch.backoff_base", time.Second)
	viper.SetDefault("dispatch.reconcile_interval", 10*time.Second)

	// Storage
	viper.SetDefault("db.driver", "sqlite")
	viper.SetDefault("db.dsn", "")
	viper.SetDefault("routes.ttl", 24*time.Hour)
	viper.SetDefault("routes.purge_interval", time.Hour)
}
