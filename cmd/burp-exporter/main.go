// Command burp-exporter polls one or more burp backup servers as a
// monitoring client and exposes the client/backup status in Prometheus
// exporter format.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/svalouch/burp-exporter/internal/config"
	"github.com/svalouch/burp-exporter/internal/daemon"
	"github.com/svalouch/burp-exporter/internal/exporter"
	"github.com/svalouch/burp-exporter/internal/history"
	"github.com/svalouch/burp-exporter/internal/log"
)

const version = "0.2.0"

// DefaultConfigPath is where the configuration is looked for if no flag is
// given.
const DefaultConfigPath = "/etc/burp_exporter/burp_exporter.yaml"

func main() {
	var (
		configPath string
		logLevel   string
		debug      bool
	)

	app := &cli.App{
		Name:    "burp-exporter",
		Usage:   "expose burp client status to a Prometheus server",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "YAML configuration file",
				Value:       DefaultConfigPath,
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Aliases:     []string{"l"},
				Usage:       "logging level (debug, info, warn, error)",
				Value:       "info",
				Destination: &logLevel,
			},
			&cli.BoolFlag{
				Name:        "debug",
				Aliases:     []string{"d"},
				Usage:       "log at debug level with console output",
				Destination: &debug,
			},
		},
		Action: func(c *cli.Context) error {
			if debug {
				log.SetDebug()
			} else {
				level, err := zerolog.ParseLevel(logLevel)
				if err != nil {
					return fmt.Errorf("invalid log level: %w", err)
				}
				log.SetLevel(level)
			}
			return run(configPath)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Error().Err(err).Msg("burp-exporter failed")
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error during setup: %w", err)
	}

	var journal *history.Journal
	if cfg.HistoryDB != "" {
		journal, err = history.Open(cfg.HistoryDB)
		if err != nil {
			return fmt.Errorf("error during setup: %w", err)
		}
		defer journal.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := daemon.New(cfg, journal)

	// Serve metrics in the background; the endpoint only reads published
	// snapshots, so it stays responsive while a server is down.
	addr := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.BindPort))
	srv := &http.Server{Addr: addr, Handler: exporter.Handler(d, cfg.GroupByLabel)}
	httpErr := make(chan error, 1)
	go func() {
		log.Info().Str("address", addr).Msg("binding monitoring endpoint")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	// Hot reload: a changed file is re-validated and only applied when it
	// parses; a broken file keeps the running configuration.
	reload, err := config.Watch(ctx, configPath)
	if err != nil {
		log.Warn().Err(err).Msg("config watching unavailable")
	} else {
		go func() {
			for range reload {
				next, err := config.Load(configPath)
				if err != nil {
					log.Error().Err(err).Msg("reloaded configuration is invalid, keeping previous")
					continue
				}
				d.Reload(next)
			}
		}()
	}

	if _, err := sd.SdNotify(false, sd.SdNotifyReady); err != nil {
		log.Debug().Err(err).Msg("systemd notify not available")
	}

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case err := <-httpErr:
		stop()
		<-done
		return fmt.Errorf("http server failed: %w", err)
	case err := <-done:
		sd.SdNotify(false, sd.SdNotifyStopping)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return err
	}
}
