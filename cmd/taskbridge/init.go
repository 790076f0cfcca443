package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type starterConfig struct {
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Transport struct {
		BaseURL   string `yaml:"base_url"`
		StreamURL string `yaml:"stream_url"`
		Token     string `yaml:"token"`
	} `yaml:"transport"`
	TaskAPI struct {
		BaseURL string `yaml:"base_url"`
		Token   string `yaml:"token"`
	} `yaml:"taskapi"`
	Classify struct {
		Endpoint string `yaml:"endpoint"`
		APIKey   string `yaml:"api_key"`
		Model    string `yaml:"model"`
	} `yaml:"classify"`
	Webhook struct {
		Bind  string `yaml:"bind"`
		Port  int    `yaml:"port"`
		Token string `yaml:"token"`
	} `yaml:"webhook"`
	Coalesce struct {
		Window string `yaml:"window"`
	} `yaml:"coalesce"`
	Session struct {
		GracePeriod string `yaml:"grace_period"`
	} `yaml:"session"`
	DB struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"db"`
}

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Write a starter config.yaml",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "~/.taskbridge/"
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				dir = args[0]
			}
			dir = expandHomePath(dir)
			if strings.TrimSpace(dir) == "" {
				return fmt.Errorf("invalid dir")
			}
			dir = filepath.Clean(dir)

			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}

			cfgPath := filepath.Join(dir, "config.yaml")
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists: %s", cfgPath)
			}

			body, err := starterConfigYAML()
			if err != nil {
				return err
			}
			if err := os.WriteFile(cfgPath, body, 0o600); err != nil {
				return err
			}

			fmt.Printf("initialized %s\n", cfgPath)
			return nil
		},
	}

	return cmd
}

func starterConfigYAML() ([]byte, error) {
	var cfg starterConfig
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	cfg.Transport.BaseURL = "http://127.0.0.1:8400"
	cfg.Transport.StreamURL = "ws://127.0.0.1:8400/v1/stream"
	cfg.TaskAPI.BaseURL = "http://127.0.0.1:8500"
	cfg.Classify.Endpoint = "https://api.openai.com/v1"
	cfg.Classify.Model = "gpt-5.2"
	cfg.Webhook.Bind = "127.0.0.1"
	cfg.Webhook.Port = 8787
	cfg.Coalesce.Window = (3 * time.Second).String()
	cfg.Session.GracePeriod = (10 * time.Minute).String()
	cfg.DB.Driver = "sqlite"

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	header := strings.Join([]string{
		"# taskbridge configuration.",
		"# Every key can also be set via TASKBRIDGE_* environment variables,",
		"# e.g. TASKBRIDGE_TRANSPORT_TOKEN for transport.token.",
		"",
		"",
	}, "\n")
	return append([]byte(header), raw...), nil
}

func expandHomePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}
