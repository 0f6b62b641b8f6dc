package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/despot/internal/client"
	"github.com/danmuck/despot/internal/config"
	"github.com/danmuck/despot/internal/logging"
	"github.com/danmuck/despot/internal/observability"
	"github.com/danmuck/despot/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "DESPOT"

var errNoPassword = errors.New("no password: set DESPOT_PASSWORD or pipe it on stdin")

// app carries the resolved settings shared by every subcommand.
type app struct {
	v      *viper.Viper
	stdin  io.Reader
	stdout io.Writer
}

func newRootCmd(stdin io.Reader, stdout io.Writer) *cobra.Command {
	a := &app{v: viper.New(), stdin: stdin, stdout: stdout}
	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "despotctl",
		Short:         "Browse artists, albums and tracks over an authenticated despot session",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if lvl := a.v.GetString("log-level"); lvl != "" && !logging.SetLevel(lvl) {
				return fmt.Errorf("unknown log level %q", lvl)
			}
			return nil
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "config file (TOML)")
	flags.String("addr", "", "service address host:port")
	flags.StringP("user", "u", "", "username")
	flags.String("metrics-addr", "", "serve /metrics and /healthz on this address")
	flags.String("store", "", "sqlite file for the persistent entity cache")
	flags.String("log-level", "", "trace, debug, info, warn, error or off")
	flags.IntP("width", "w", 72, "output width (0 disables truncation)")
	for _, name := range []string{"config", "addr", "user", "metrics-addr", "store", "log-level", "width"} {
		_ = a.v.BindPFlag(name, flags.Lookup(name))
	}
	_ = a.v.BindEnv("password")

	root.AddCommand(
		a.browseCmd(kindArtist),
		a.browseCmd(kindAlbum),
		a.browseCmd(kindTrack),
		a.imageCmd(),
		a.watchCmd(),
		a.storeCmd(),
		a.configCmd(),
	)
	return root
}

// settings loads the config file, if any, then applies flag and env
// overrides on top.
func (a *app) settings() (config.Config, error) {
	cfg := config.Default()
	if path := strings.TrimSpace(a.v.GetString("config")); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if a.v.IsSet("addr") {
		cfg.Client.Address = a.v.GetString("addr")
	}
	if a.v.IsSet("user") {
		cfg.Username = a.v.GetString("user")
	}
	if a.v.IsSet("metrics-addr") {
		cfg.MetricsAddr = a.v.GetString("metrics-addr")
	}
	if a.v.IsSet("store") {
		cfg.StorePath = a.v.GetString("store")
	}
	if a.v.IsSet("log-level") {
		cfg.LogLevel = a.v.GetString("log-level")
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	logging.SetLevel(cfg.LogLevel)
	return cfg, nil
}

func (a *app) password() (string, error) {
	if pw := a.v.GetString("password"); pw != "" {
		return pw, nil
	}
	line, err := bufio.NewReader(a.stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errNoPassword
	}
	return line, nil
}

// session logs in and returns the client with a release func that logs out,
// closes the store and stops the metrics endpoint.
func (a *app) session(ctx context.Context) (*client.Client, func(), error) {
	cfg, err := a.settings()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Username == "" {
		return nil, nil, errors.New("no username: use --user or set username in the config")
	}
	pw, err := a.password()
	if err != nil {
		return nil, nil, err
	}

	var opts []client.Option
	var st *store.Store
	if cfg.StorePath != "" {
		st, err = store.Open(cfg.StorePath, store.WithMaxAge(cfg.StoreMaxAge))
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, client.WithStore(st))
	}

	c := client.New(cfg.Client, opts...)
	metricsCtx, stopMetrics := context.WithCancel(ctx)
	metricsDone := make(chan struct{})
	if cfg.MetricsAddr != "" {
		go func() {
			defer close(metricsDone)
			status := func() string { return c.State().String() }
			if err := observability.Serve(metricsCtx, cfg.MetricsAddr, log.Logger, status); err != nil {
				log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics endpoint stopped")
			}
		}()
	} else {
		close(metricsDone)
	}

	release := func() {
		if err := c.Logout(); err != nil {
			log.Debug().Err(err).Msg("logout")
		}
		stopMetrics()
		<-metricsDone
		if st != nil {
			_ = st.Close()
		}
	}
	if err := c.Login(ctx, cfg.Username, pw); err != nil {
		release()
		return nil, nil, err
	}
	return c, release, nil
}

func (a *app) width() int {
	return a.v.GetInt("width")
}
