package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"threatwatch/config"
	"threatwatch/internal/backend"
	"threatwatch/internal/connection"
	inputredis "threatwatch/internal/input/redis"
	inputws "threatwatch/internal/input/websocket"
	"threatwatch/internal/logger"
	"threatwatch/internal/metrics"
	"threatwatch/internal/output/notifyhttp"
	"threatwatch/internal/output/notifyjson"
	"threatwatch/internal/output/notifylog"
	"threatwatch/internal/pipeline"
	"threatwatch/internal/store"
	"threatwatch/internal/view"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configArg string

	root := &cobra.Command{
		Use:          "threatwatch",
		Short:        "Live network threat feed for operators",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configArg, "config", "c", "", "path to threatwatch.yml")

	var reportEvery time.Duration
	watch := &cobra.Command{
		Use:   "watch",
		Short: "Follow the live alert stream until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configArg)
			if err != nil {
				return err
			}
			return runWatch(cfg, reportEvery)
		},
	}
	watch.Flags().DurationVar(&reportEvery, "report-interval", 30*time.Second, "how often to log the dashboard counters (0 disables)")

	var filter string
	var limit int
	snapshot := &cobra.Command{
		Use:   "snapshot",
		Short: "Fetch recent alerts and the summary once and print the dashboard as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configArg)
			if err != nil {
				return err
			}
			return runSnapshot(cmd.Context(), cfg, filter, limit)
		},
	}
	snapshot.Flags().StringVar(&filter, "filter", view.FilterAll, fmt.Sprintf("filter token, one of %v or any threat type", view.FilterTokens))
	snapshot.Flags().IntVar(&limit, "limit", 0, "number of recent alerts to fetch (defaults to backend.recent_limit)")

	root.AddCommand(watch, snapshot)
	return root
}

func loadConfig(configArg string) (*config.Config, error) {
	path := config.FindConfigFile(configArg)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) || configArg != "" {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		cfg = &config.Config{}
		cfg.ThreatWatch.Logging.Enabled = true
		cfg.ThreatWatch.Logging.Console = true
	}
	config.ApplyDefaults(cfg)

	lc := cfg.ThreatWatch.Logging
	if err := logger.Init(lc.Enabled, lc.Level, lc.File, lc.Console); err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	logger.Infof("Config loaded from: %s", path)
	return cfg, nil
}

func runWatch(cfg *config.Config, reportEvery time.Duration) error {
	defer logger.Sync()
	tw := cfg.ThreatWatch
	logger.Infof("ThreatWatch starting")

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if tw.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			logger.Infof("Metrics listening on %s", tw.Metrics.Addr)
			if err := http.ListenAndServe(tw.Metrics.Addr, mux); err != nil {
				logger.Errorf("Metrics listener stopped: %v", err)
			}
		}()
	}

	fetcher, err := newFetcher(tw.Backend)
	if err != nil {
		return err
	}

	dialer, err := newDialer(tw.Stream)
	if err != nil {
		return err
	}

	sink, err := newSink(tw.Notify)
	if err != nil {
		return err
	}

	manager := connection.NewManager(dialer, connection.Config{
		ReconnectDelay: tw.Stream.ReconnectDelay,
		Metrics:        m,
	})
	st := store.New(fetcher, store.Config{
		MaxAlerts:    tw.Store.MaxAlerts,
		MaxTimeline:  tw.Store.MaxTimeline,
		FetchTimeout: tw.Backend.Timeout,
		Metrics:      m,
	})
	session := pipeline.NewSession(fetcher, manager, st, sink, pipeline.SessionConfig{
		RecentLimit: tw.Backend.RecentLimit,
		NotifyQueue: tw.Notify.QueueSize,
		Metrics:     m,
	})

	session.OnUpdate(func(d pipeline.Dashboard) {
		logger.Debugf("Dashboard v%d: total=%d buffered=%d timeline=%d",
			d.Version, d.Cards.Total, len(d.Filtered), len(d.Timeline))
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	if reportEvery > 0 {
		go reportLoop(ctx, session, reportEvery)
	}

	<-ctx.Done()
	logger.Infof("Shutting down")
	if err := session.Close(); err != nil {
		logger.Errorf("Error closing session: %v", err)
	}
	logger.Infof("ThreatWatch stopped")
	return nil
}

func reportLoop(ctx context.Context, session *pipeline.Session, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d := session.Dashboard(view.FilterAll)
			logger.Infof("connection=%s total=%d critical=%d high=%d medium=%d buffered=%d timeline=%d",
				d.Connection, d.Cards.Total, d.Cards.Critical, d.Cards.High, d.Cards.Medium,
				len(d.Filtered), len(d.Timeline))
		}
	}
}

func runSnapshot(ctx context.Context, cfg *config.Config, filter string, limit int) error {
	defer logger.Sync()
	if ctx == nil {
		ctx = context.Background()
	}
	tw := cfg.ThreatWatch
	if limit <= 0 {
		limit = tw.Backend.RecentLimit
	}

	fetcher, err := newFetcher(tw.Backend)
	if err != nil {
		return err
	}

	st := store.New(nil, store.Config{MaxAlerts: tw.Store.MaxAlerts, MaxTimeline: tw.Store.MaxTimeline})
	defer st.Close()

	alerts, err := fetcher.FetchRecent(ctx, limit)
	if err != nil {
		return fmt.Errorf("fetch recent alerts: %w", err)
	}
	st.Seed(alerts)

	if summary, err := fetcher.FetchSummary(ctx); err != nil {
		logger.Warnf("Summary fetch failed: %v", err)
	} else {
		st.ReplaceSummary(summary)
	}

	snap := st.Snapshot()
	out := struct {
		Cards        view.StatCards `json:"cards"`
		Distribution []view.Slice   `json:"distribution"`
		Filter       string         `json:"filter"`
		Alerts       []view.Row     `json:"alerts"`
	}{
		Cards:        view.Cards(snap.Summary),
		Distribution: view.DistributionSlices(snap.Summary),
		Filter:       filter,
		Alerts:       view.Rows(view.FilterAlerts(snap.Alerts, filter), nil),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func newFetcher(bc config.BackendConfig) (*backend.Reliable, error) {
	client, err := backend.NewClient(backend.Config{
		BaseURL: bc.BaseURL,
		Timeout: bc.Timeout,
		Headers: bc.Headers,
	})
	if err != nil {
		return nil, fmt.Errorf("create backend client: %w", err)
	}
	return backend.NewReliable(client, backend.ReliableConfig{
		SeedAttempts:   bc.SeedAttempts,
		SeedRetryDelay: bc.SeedRetryDelay,
		BreakerTimeout: bc.BreakerTimeout,
		BreakerTrips:   bc.BreakerTrips,
	}), nil
}

func newDialer(sc config.StreamConfig) (connection.Dialer, error) {
	switch sc.Mode {
	case "websocket":
		d, err := inputws.NewDialer(inputws.Config{
			URL:              sc.WebSocket.URL,
			HandshakeTimeout: sc.WebSocket.HandshakeTimeout,
			Headers:          sc.WebSocket.Headers,
		})
		if err != nil {
			return nil, fmt.Errorf("create websocket dialer: %w", err)
		}
		logger.Infof("Stream mode: websocket (%s)", sc.WebSocket.URL)
		return d, nil
	case "redis":
		d, err := inputredis.NewDialer(inputredis.Config{
			Addr:         sc.Redis.Addr,
			Password:     sc.Redis.Password,
			DB:           sc.Redis.DB,
			Key:          sc.Redis.Key,
			BlockTimeout: sc.Redis.BlockTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create redis dialer: %w", err)
		}
		logger.Infof("Stream mode: redis (%s key=%s)", sc.Redis.Addr, sc.Redis.Key)
		return d, nil
	default:
		return nil, fmt.Errorf("unknown stream mode: %s", sc.Mode)
	}
}

func newSink(nc config.NotifyConfig) (pipeline.NotificationSink, error) {
	switch nc.Mode {
	case "log":
		logger.Infof("Notification mode: log")
		return notifylog.NewWriter(), nil
	case "file":
		w, err := notifyjson.NewWriter(nc.File.Path)
		if err != nil {
			return nil, fmt.Errorf("create notification file writer: %w", err)
		}
		logger.Infof("Notification mode: file (%s)", nc.File.Path)
		return w, nil
	case "http":
		w, err := notifyhttp.NewWriter(notifyhttp.Config{
			URL:     nc.HTTP.URL,
			Timeout: nc.HTTP.Timeout,
			Headers: nc.HTTP.Headers,
		})
		if err != nil {
			return nil, fmt.Errorf("create notification HTTP writer: %w", err)
		}
		logger.Infof("Notification mode: http (%s)", nc.HTTP.URL)
		return w, nil
	default:
		return nil, fmt.Errorf("unknown notification mode: %s", nc.Mode)
	}
}
