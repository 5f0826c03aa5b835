// Command supernode is the process entrypoint: load configuration, wire
// the Reactor and HTTP surface together, and run until a termination
// signal arrives.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/graft-project/graft-ng-sub001/internal/config"
	"github.com/graft-project/graft-ng-sub001/internal/ratelimit"
	"github.com/graft-project/graft-ng-sub001/internal/reactor"
	"github.com/graft-project/graft-ng-sub001/internal/router"
	"github.com/graft-project/graft-ng-sub001/internal/slog"
	"github.com/graft-project/graft-ng-sub001/internal/supernode"
	"github.com/graft-project/graft-ng-sub001/internal/sysinfo"
	"github.com/graft-project/graft-ng-sub001/internal/upstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"
)

var log = slog.NewModuleLogger("main")

func main() {
	app := cli.NewApp()
	app.Name = "supernode"
	app.Usage = "graft supernode task-execution core"
	app.Flags = config.Flags()
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(-1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		log.Error("config: %v", err)
		return cli.NewExitError(err.Error(), -1)
	}
	config.ApplyFlags(cfg, c)
	slog.SetGlobalLevel(slog.Level(cfg.LogLevel))

	blacklist := ratelimit.NewBlacklist(cfg.IPFilter.WindowSizeSec, cfg.IPFilter.RequestsPerSec)
	if cfg.BlacklistRuleFile != "" {
		if err := ratelimit.ReadRulesFile(blacklist, cfg.BlacklistRuleFile); err != nil {
			log.Error("blacklist: %v", err)
			return cli.NewExitError(err.Error(), -1)
		}
		for _, w := range blacklist.Warnings() {
			log.Warn("blacklist: %s", w)
		}
	}

	counters := sysinfo.NewCounters(prometheus.NewRegistry())

	reactCfg := reactor.Config{
		HTTPConnectionTimeout: time.Duration(cfg.HTTPConnectionTimeoutMs) * time.Millisecond,
		TimerPollInterval:     time.Duration(cfg.TimerPollIntervalMs) * time.Millisecond,
		WorkersCount:          cfg.WorkersCount,
		WorkerQueueLen:        cfg.WorkerQueueLen,
		WorkersExpellingAfter: time.Duration(cfg.WorkersExpellingIntervalMs) * time.Millisecond,
		UpstreamDefault: upstream.Config{
			Name:    "default",
			URI:     cfg.CryptonodeRPCAddress,
			Timeout: time.Duration(cfg.UpstreamRequestTimeoutMs) * time.Millisecond,
		},
	}
	react := reactor.New(reactCfg, router.NewRoot(), blacklist, counters)
	for name, up := range cfg.Upstream {
		react.Upstream.AddDestination(upstream.Config{
			Name:           name,
			URI:            up.URI,
			MaxConnections: up.MaxConnections,
			KeepAlive:      up.KeepAlive,
			Timeout:        up.Timeout(),
		})
	}

	sysCfg := sysinfo.Configuration{
		ConfigFilename:          c.String("config"),
		HTTPAddress:             cfg.HTTPAddress,
		CoapAddress:             cfg.CoapAddress,
		HTTPConnectionTimeoutMs: uint32(cfg.HTTPConnectionTimeoutMs),
		UpstreamRequestTimeout:  uint32(cfg.UpstreamRequestTimeoutMs),
		WorkersCount:            uint32(cfg.WorkersCount),
		WorkerQueueLen:          uint32(cfg.WorkerQueueLen),
		CryptonodeRPCAddress:    cfg.CryptonodeRPCAddress,
		TimerPollIntervalMs:     uint32(cfg.TimerPollIntervalMs),
		LRUTimeoutMs:            uint32(cfg.LRUTimeoutMs),
		Testnet:                 cfg.Testnet,
		DataDir:                 cfg.DataDir,
		LogLevel:                uint32(cfg.LogLevel),
		LogConsole:              cfg.LogConsole,
		LogFilename:             cfg.LogFilename,
		LogCategories:           cfg.LogCategories,
	}
	if err := supernode.RegisterRoutes(react, counters, sysCfg); err != nil {
		log.Error("routes: %v", err)
		return cli.NewExitError(err.Error(), -1)
	}

	go react.Run()

	srv := supernode.NewServer(cfg.HTTPAddress, react, blacklist)
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.ListenAndServe() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case s := <-sig:
			if s == syscall.SIGHUP {
				reloaded, err := config.Load(c.String("config"))
				if err != nil {
					log.Error("reload: %v", err)
					continue
				}
				slog.SetGlobalLevel(slog.Level(reloaded.LogLevel))
				log.Info("configuration reloaded")
				continue
			}
			log.Info("received %s, shutting down", s)
			react.Stop()
			_ = srv.Shutdown()
			return nil
		case err := <-srvErr:
			if err != nil {
				log.Error("http server: %v", err)
				react.Stop()
				return cli.NewExitError(err.Error(), -2)
			}
			return nil
		}
	}
}
