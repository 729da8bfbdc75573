package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tracker-relay/internal/api"
	"tracker-relay/internal/broker"
	"tracker-relay/internal/cache"
	"tracker-relay/internal/config"
	"tracker-relay/internal/db"
	"tracker-relay/internal/hub"
	"tracker-relay/internal/ingest"
	"tracker-relay/internal/models"
	"tracker-relay/internal/observability"
	"tracker-relay/internal/parser"
	"tracker-relay/internal/registry"

	"github.com/spf13/cobra"
)

var (
	configPath string
	dbPath     string
	logLevel   string
	database   *db.Database
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tracker-relay",
		Short: "Tracker Relay - live device position ingestion and fan-out",
		Long: `Ingests position reports from tracking devices over HTTP and MQTT,
keeps the latest position per device in memory, stores a bounded history
in SQLite and streams live updates to websocket viewers.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to TOML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	// Add commands
	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(latestCmd())
	rootCmd.AddCommand(generateCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and environment, then applies global
// flags that were set explicitly.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

// initDB initializes database connection
func initDB(cfg config.Config) error {
	var err error
	database, err = db.New(cfg.DBPath)
	return err
}

// serverCmd runs the ingestion pipeline
func serverCmd() *cobra.Command {
	var (
		addr        string
		token       string
		mqttEnabled bool
		mqttBroker  string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the HTTP, websocket and MQTT ingestion server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.HTTPAddr = addr
			}
			if flags.Changed("token") {
				cfg.DeviceToken = token
			}
			if flags.Changed("mqtt") {
				cfg.MQTT.Enabled = mqttEnabled
			}
			if flags.Changed("mqtt-broker") {
				cfg.MQTT.Broker = mqttBroker
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			return runServer(cfg)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&token, "token", "", "Shared device credential")
	cmd.Flags().BoolVar(&mqttEnabled, "mqtt", false, "Enable the MQTT broker bridge")
	cmd.Flags().StringVar(&mqttBroker, "mqtt-broker", "tcp://localhost:1883", "MQTT broker URL")
	return cmd
}

func runServer(cfg config.Config) error {
	logger := observability.NewLogger(cfg.LogLevel)
	metrics := observability.NewMetrics()

	if err := initDB(cfg); err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	defer database.Close()

	if cfg.DeviceToken == "" {
		logger.Warn("no device token configured, POST /track will reject every request")
	}

	writer := db.NewWriter(database, cfg.StoreQueue, cfg.HistoryRetention, logger, metrics)
	reg := registry.New()
	h := hub.New(reg, hub.Options{HeartbeatInterval: cfg.HeartbeatInterval.Duration}, logger, metrics)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pcfg := ingest.Config{Registry: reg, Store: writer, Hub: h, Logger: logger, Metrics: metrics}
	var mirror *cache.Mirror
	if cfg.RedisAddr != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		m, err := cache.NewMirror(pingCtx, cfg.RedisAddr, cfg.RedisTTL.Duration, logger)
		cancel()
		if err != nil {
			logger.Warn("redis mirror disabled", "addr", cfg.RedisAddr, "error", err)
		} else {
			mirror = m
			pcfg.Mirror = m
		}
	}
	pipeline := ingest.New(pcfg)

	var (
		bridge *broker.Bridge
		status ingest.ConnectionStatus
	)
	if cfg.MQTT.Enabled {
		transport := broker.NewPahoTransport(broker.PahoOptions{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			ConnectTimeout: cfg.MQTT.ConnectTimeout.Duration,
			TLS:            cfg.MQTT.TLS,
		})
		b, err := broker.New(transport, pipeline, broker.Options{
			Topic:          cfg.MQTT.Topic,
			ReconnectDelay: cfg.MQTT.ReconnectDelay.Duration,
		}, logger, metrics)
		if err != nil {
			return fmt.Errorf("broker config: %w", err)
		}
		bridge, status = b, b
	}

	srv := api.NewServer(api.Options{
		Ingester:    pipeline,
		Positions:   reg,
		History:     database,
		Stats:       ingest.NewAggregator(reg, h, status, cfg.OnlineWindow.Duration),
		Limiter:     api.NewFixedWindowLimiter(cfg.RateLimit, cfg.RateWindow.Duration),
		DeviceToken: cfg.DeviceToken,
		TokenHeader: cfg.TokenHeader,
		Realtime:    hub.NewWSHandler(h, cfg.AllowedOrigins, logger),
		Metrics:     metrics.Handler(),
		Logger:      logger,
	})

	bridgeCtx, cancelBridge := context.WithCancel(ctx)
	defer cancelBridge()
	var wg sync.WaitGroup
	if bridge != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bridge.Run(bridgeCtx)
		}()
	}
	go h.Run(ctx)

	logger.Info("tracker relay started",
		"addr", cfg.HTTPAddr,
		"db", cfg.DBPath,
		"mqtt", cfg.MQTT.Enabled,
		"redis", mirror != nil,
	)
	serveErr := srv.ListenAndServe(ctx, cfg.HTTPAddr)

	// Shutdown order: HTTP is already stopped; stop the bridge, drop
	// subscribers, then drain pending writes.
	logger.Info("shutting down")
	cancelBridge()
	wg.Wait()
	h.Close()

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := writer.Close(drainCtx); err != nil {
		logger.Error("store writer did not drain", "error", err)
	}
	if mirror != nil {
		if err := mirror.Close(drainCtx); err != nil {
			logger.Error("redis mirror did not drain", "error", err)
		}
	}
	return serveErr
}

// ingestCmd replays report files into the Position Store
func ingestCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Replay report files into the position history",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if err := initDB(cfg); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			ctx := cmd.Context()
			res := ingestFiles(ctx, database, parser.NewParser(format), args, os.Stdout)

			if cfg.HistoryRetention > 0 {
				var pruned int64
				for id := range res.touched {
					removed, err := database.PruneDevice(ctx, id, cfg.HistoryRetention)
					if err != nil {
						return fmt.Errorf("prune error: %w", err)
					}
					pruned += removed
				}
				if pruned > 0 {
					fmt.Printf("Pruned %d rows beyond the %d-row retention\n", pruned, cfg.HistoryRetention)
				}
			}

			fmt.Printf("\nTotal: %d records ingested", res.records)
			if res.errors > 0 {
				fmt.Printf(", %d errors", res.errors)
			}
			fmt.Println()

			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "json", "File format (csv, json, jsonl)")
	return cmd
}

// batchInserter is the part of the Position Store ingest writes to.
type batchInserter interface {
	InsertPositionBatch(ctx context.Context, updates []models.PositionUpdate) (int64, error)
}

type ingestResult struct {
	records int
	errors  int
	touched map[string]struct{}
}

// ingestFiles parses, normalizes and stores each file, reporting progress
// to out. A file that fails to parse or store counts as one error; a
// record that fails validation counts as one error.
func ingestFiles(ctx context.Context, store batchInserter, p *parser.Parser, files []string, out io.Writer) ingestResult {
	res := ingestResult{touched: make(map[string]struct{})}
	n := parser.NewNormalizer()

	for _, file := range files {
		fmt.Fprintf(out, "Processing %s...\n", file)
		start := time.Now()

		reports, err := p.ParseFile(file)
		if err != nil {
			fmt.Fprintf(out, "  Error: %v\n", err)
			res.errors++
			continue
		}

		var updates []models.PositionUpdate
		for i, raw := range reports {
			u, err := n.Normalize(raw, parser.TransportFile)
			if err != nil {
				fmt.Fprintf(out, "  Warning: record %d: %v\n", i+1, err)
				res.errors++
				continue
			}
			updates = append(updates, u)
		}

		count, err := store.InsertPositionBatch(ctx, updates)
		if err != nil {
			fmt.Fprintf(out, "  Database error: %v\n", err)
			res.errors++
			continue
		}
		for _, u := range updates {
			res.touched[u.DeviceID] = struct{}{}
		}

		elapsed := time.Since(start)
		fmt.Fprintf(out, "  ✓ Inserted %d records in %v (%.0f records/sec)\n",
			count, elapsed, float64(count)/elapsed.Seconds())
		res.records += int(count)
	}
	return res
}

// latestCmd reads a device's mirrored latest position from Redis
func latestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "latest [device_id]",
		Short: "Show the latest position mirrored to Redis for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if cfg.RedisAddr == "" {
				return errors.New("redis_addr is not configured")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			mirror, err := cache.NewMirror(ctx, cfg.RedisAddr, cfg.RedisTTL.Duration, observability.NewLogger(cfg.LogLevel))
			if err != nil {
				return err
			}
			defer mirror.Close(ctx)

			return printLatest(ctx, mirror, args[0], os.Stdout)
		},
	}
}

// positionLookup is the read side of the Redis mirror.
type positionLookup interface {
	GetPosition(ctx context.Context, deviceID string) (models.PositionUpdate, bool, error)
}

func printLatest(ctx context.Context, lookup positionLookup, deviceID string, out io.Writer) error {
	u, ok, err := lookup.GetPosition(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("redis read: %w", err)
	}
	if !ok {
		return fmt.Errorf("no mirrored position for %s", deviceID)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(u)
}

// historyCmd queries stored positions for a device
func historyCmd() *cobra.Command {
	var limit int
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "history [device_id]",
		Short: "Show the most recent stored positions for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if err := initDB(cfg); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			start := time.Now()
			rows, err := database.History(cmd.Context(), models.HistoryQuery{DeviceID: args[0], Limit: limit})
			if err != nil {
				return fmt.Errorf("query error: %w", err)
			}
			elapsed := time.Since(start)

			switch outputFormat {
			case "json":
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			default:
				fmt.Printf("Found %d records (query time: %v)\n\n", len(rows), elapsed)
				for _, r := range rows {
					fmt.Printf("[%s] %s | Pos: %.6f,%.6f | Speed: %.1f km/h | Heading: %.0f° | Sats: %d | %s\n",
						r.ReceivedTime().Format("2006-01-02 15:04:05"),
						r.DeviceID, r.Lat, r.Lng, r.Speed, r.Heading, r.Satellites, r.Source)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 50, "Maximum records to return")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	return cmd
}

// statsCmd shows database statistics
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show position history statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if err := initDB(cfg); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			stats, err := database.GetStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("error getting stats: %w", err)
			}

			fmt.Println("📊 Tracker Relay History")
			fmt.Println("========================")
			fmt.Printf("  Devices:    %d\n", stats.Devices)
			fmt.Printf("  Positions:  %d\n", stats.Records)
			fmt.Printf("  Retention:  %d per device\n", cfg.HistoryRetention)
			fmt.Printf("  Database:   %s\n", cfg.DBPath)
			return nil
		},
	}
}

// generateCmd appends synthetic position history
func generateCmd() *cobra.Command {
	var count int
	var deviceCount int
	var output string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate sample position history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if err := initDB(cfg); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			reports := generateReports(rand.New(rand.NewSource(time.Now().UnixNano())), count, deviceCount, time.Now())

			n := parser.NewNormalizer()
			updates := make([]models.PositionUpdate, 0, len(reports))
			for _, raw := range reports {
				u, err := n.Normalize(raw, parser.TransportFile)
				if err != nil {
					return fmt.Errorf("generated invalid report: %w", err)
				}
				updates = append(updates, u)
			}

			// Insert in batches of 1000
			start := time.Now()
			batchSize := 1000
			inserted := 0

			for i := 0; i < len(updates); i += batchSize {
				end := min(i+batchSize, len(updates))
				added, err := database.InsertPositionBatch(cmd.Context(), updates[i:end])
				if err != nil {
					return fmt.Errorf("insert error: %w", err)
				}
				inserted += int(added)
				fmt.Printf("\rInserted %d/%d records...", inserted, len(updates))
			}

			elapsed := time.Since(start)
			fmt.Printf("\n✓ Generated %d positions for %d devices in %v\n", inserted, deviceCount, elapsed)

			// Export to file if requested
			if output != "" {
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("error creating output file: %w", err)
				}
				defer file.Close()

				enc := json.NewEncoder(file)
				enc.SetIndent("", "  ")
				if err := enc.Encode(reports); err != nil {
					return fmt.Errorf("error writing output file: %w", err)
				}
				fmt.Printf("Reports exported to %s\n", output)
			}

			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1000, "Number of reports to generate")
	cmd.Flags().IntVarP(&deviceCount, "devices", "d", 5, "Number of devices")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Export generated reports to a JSON file")
	return cmd
}

// generateReports produces raw reports for a random walk of each device
// around Orlando, one report per second ending at end.
func generateReports(rng *rand.Rand, count, devices int, end time.Time) []models.RawReport {
	if devices <= 0 {
		devices = 1
	}
	type walker struct{ lat, lng, heading float64 }
	walkers := make([]walker, devices)
	for i := range walkers {
		walkers[i] = walker{
			lat:     28.5383 + (rng.Float64()-0.5)*0.1,
			lng:     -81.3792 + (rng.Float64()-0.5)*0.1,
			heading: rng.Float64() * 360,
		}
	}

	base := end.Add(-time.Duration(count) * time.Second)
	reports := make([]models.RawReport, 0, count)
	for i := 0; i < count; i++ {
		d := i % devices
		w := &walkers[d]
		w.lat += (rng.Float64() - 0.5) * 0.001
		w.lng += (rng.Float64() - 0.5) * 0.001
		w.heading = float64(int(w.heading+rng.Float64()*20-10+360) % 360)

		reports = append(reports, models.RawReport{
			"device_id": fmt.Sprintf("DEV-%03d", d+1),
			"lat":       w.lat,
			"lng":       w.lng,
			"speed":     rng.Float64() * 90,
			"heading":   w.heading,
			"sats":      float64(4 + rng.Intn(9)),
			"ts":        float64(base.Add(time.Duration(i) * time.Second).UnixMilli()),
			"src":       "generator",
		})
	}
	return reports
}
