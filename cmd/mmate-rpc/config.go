package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// config is the resolved CLI configuration. Values come from flags, then
// MMATE_* environment variables, then the optional config file.
type config struct {
	URL         string        `mapstructure:"url"`
	Host        string        `mapstructure:"host"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	Exchange    string        `mapstructure:"exchange"`
	Topic       string        `mapstructure:"topic"`
	TLS         bool          `mapstructure:"tls"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MetricsAddr string        `mapstructure:"metrics_addr"`
	Verbose     bool          `mapstructure:"verbose"`
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "config file (yaml, json or toml)")
	flags.StringP("url", "u", "", "AMQP URL; overrides host, username and password")
	flags.String("host", "localhost", "broker host")
	flags.String("username", "guest", "broker user")
	flags.String("password", "", "broker password")
	flags.StringP("exchange", "e", "mmate-rpc", "exchange name")
	flags.StringP("topic", "t", "rpc.server", "server topic")
	flags.Bool("tls", false, "use TLS 1.2+ and verify the broker host name")
	flags.Duration("timeout", 5*time.Second, "request timeout")
	flags.String("metrics-addr", "", "serve /metrics and /healthz on this address")
	flags.BoolP("verbose", "v", false, "enable debug logging")

	for _, name := range []string{"url", "host", "username", "password", "exchange", "topic", "tls", "timeout", "verbose"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}
	_ = v.BindPFlag("metrics_addr", flags.Lookup("metrics-addr"))

	v.SetEnvPrefix("mmate")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

func loadConfig(cmd *cobra.Command, v *viper.Viper) (*config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Exchange == "" || cfg.Topic == "" {
		return nil, errors.New("exchange and topic are required")
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("timeout must be positive")
	}
	return &cfg, nil
}

// brokerURL returns the configured URL, or builds one from host and credentials
func (c *config) brokerURL() string {
	if c.URL != "" {
		return c.URL
	}

	scheme := "amqp"
	if c.TLS {
		scheme = "amqps"
	}
	u := url.URL{
		Scheme: scheme,
		User:   url.UserPassword(c.Username, c.Password),
		Host:   c.Host,
		Path:   "/",
	}
	return u.String()
}
