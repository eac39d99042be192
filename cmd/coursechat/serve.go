package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"coursechat/internal/agent"
	"coursechat/internal/channel"
	"coursechat/internal/gateway"
	"coursechat/internal/metrics"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the routing endpoint and the websocket status feed",
		Long: `Serves POST /api/chat for course-keyed chat requests, the websocket
feed of phases and notifications, and the metrics endpoint. Press Ctrl+C
to stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.host:server.port)")
	return cmd
}

func runServe(addr string) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Nothing sends through the orchestrator in this mode, so the feed is
	// read-only; stop commands are only honoured by 'chat --feed'.
	hub := channel.NewHub(channel.HubConfig{
		Bus:    a.bus,
		Logger: logger,
	})
	defer hub.Close()

	gcfg := gateway.Config{
		Courses:   cfg.Courses,
		Providers: a.factory,
		Prompt:    a.prompt,
		Limiter:   a.limiter,
		Websocket: hub,
		WSPath:    cfg.Server.WebsocketPath,
		Logger:    logger,
	}
	if cfg.Metrics.Enabled {
		gcfg.Metrics = metrics.Collector.Handler()
		gcfg.MetricsPath = cfg.Metrics.Endpoint
	}
	srv := gateway.New(gcfg)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.watchTools(ctx)
	}()
	if cfg.Heartbeat.Enabled {
		hb := agent.NewHeartbeat(agent.HeartbeatConfig{
			Interval: seconds(cfg.Heartbeat.IntervalSeconds),
			Timeout:  seconds(cfg.Heartbeat.TimeoutSeconds),
			Checks:   a.healthChecks(),
			Notifier: agent.BusNotifier{Bus: a.bus},
			Logger:   logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			hb.Start(ctx)
		}()
	}

	if addr == "" {
		addr = net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	}
	err = srv.ListenAndServe(ctx, addr)
	stop()
	wg.Wait()
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
