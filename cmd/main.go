package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"microgrid-analytics/internal/api"
	"microgrid-analytics/internal/artifact"
	"microgrid-analytics/internal/config"
	"microgrid-analytics/internal/db"
	"microgrid-analytics/internal/forwarder"
	"microgrid-analytics/internal/inference"
	"microgrid-analytics/internal/ingest"
	"microgrid-analytics/internal/log"
	"microgrid-analytics/internal/models"
	"microgrid-analytics/internal/mqtt"
	"microgrid-analytics/internal/parser"
	"microgrid-analytics/internal/simulate"
	"microgrid-analytics/internal/trainer"
)

var (
	cfgFile  string
	cfg      *config.Config
	database *db.Database
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "microgrid",
		Short: "Microgrid Analytics - energy forecasting and predictive maintenance",
		Long: `A CLI tool for training and serving the microgrid models.
Trains an energy forecast regressor and a maintenance classifier on historical
solar, battery and AC telemetry, then scores live readings over HTTP or MQTT
with SQLite storage of readings and predictions.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return log.Init(cfg.Log)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = log.Sync()
		},
	}

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to YAML config file")
	flags.String("db", "", "Path to SQLite database (database.path)")
	flags.String("artifacts", "", "Directory for trained model artifacts (artifacts.dir)")
	log.NewOptions().AddFlags(flags)

	// Add commands
	rootCmd.AddCommand(trainCmd())
	rootCmd.AddCommand(inferCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(predictionsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initDB initializes database connection
func initDB() error {
	var err error
	database, err = db.New(cfg.Database.Path)
	return err
}

// trainCmd fits both models on a historical dataset
func trainCmd() *cobra.Command {
	var dataPath string
	var format string
	opts := trainer.DefaultOptions()

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the energy forecast and maintenance models",
		RunE: func(cmd *cobra.Command, args []string) error {
			if format == "" {
				format = parser.FormatFromPath(dataPath)
			}
			rows, err := parser.NewParser(format).ParseFile(dataPath)
			if err != nil {
				return err
			}

			store, err := artifact.Open(cmd.Context(), cfg.Artifacts)
			if err != nil {
				return fmt.Errorf("artifact store: %w", err)
			}

			fmt.Printf("Training on %d rows from %s...\n", len(rows), dataPath)
			report, err := trainer.New(store, opts, trainer.WithLogger(log.WithName("trainer"))).Train(cmd.Context(), rows)
			if err != nil {
				return err
			}

			table := uitable.New()
			table.AddRow("Input rows:", report.InputRows)
			table.AddRow("Invalid rows:", report.InvalidRows)
			table.AddRow("")
			table.AddRow("ENERGY FORECAST")
			table.AddRow("  Usable rows:", report.Forecast.UsableRows)
			table.AddRow("  Train / test:", fmt.Sprintf("%d / %d", report.Forecast.TrainRows, report.Forecast.TestRows))
			table.AddRow("  MAE:", fmt.Sprintf("%.4f", report.Forecast.MAE))
			table.AddRow("  R²:", fmt.Sprintf("%.4f", report.Forecast.R2))
			table.AddRow("")
			table.AddRow("MAINTENANCE")
			table.AddRow("  Usable rows:", report.Maintenance.UsableRows)
			table.AddRow("  Train / test:", fmt.Sprintf("%d / %d", report.Maintenance.TrainRows, report.Maintenance.TestRows))
			table.AddRow("  Positive rate:", fmt.Sprintf("%.1f%%", report.Maintenance.PositiveRate*100))
			table.AddRow("  Accuracy:", fmt.Sprintf("%.4f", report.Maintenance.Accuracy))
			fmt.Println(table)

			fmt.Printf("\n✓ Models saved to %s in %v\n", report.Location, report.Duration.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataPath, "data", "d", "", "Historical dataset (CSV or JSON)")
	cmd.Flags().StringVarP(&format, "format", "f", "", "Dataset format (csv, json); default from file extension")
	cmd.Flags().IntVar(&opts.Trees, "trees", opts.Trees, "Trees per forest")
	cmd.Flags().Int64Var(&opts.Seed, "seed", opts.Seed, "Random seed for the split and the forests")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "Parallel tree builders (0 = GOMAXPROCS)")
	cmd.Flags().BoolVar(&opts.ScaleForecast, "scale", opts.ScaleForecast, "Standardize forecast features")
	cmd.MarkFlagRequired("data")
	return cmd
}

type inferInput struct {
	models.Observation
	History []models.SensorReading `json:"history,omitempty"`
}

// inferCmd scores one reading read from a JSON file
func inferCmd() *cobra.Command {
	var input string
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "infer",
		Short: "Score a single reading with the trained models",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(input)
			if err != nil {
				return err
			}
			var in inferInput
			if err := json.Unmarshal(data, &in); err != nil {
				return fmt.Errorf("decode %s: %w", input, err)
			}

			store, err := artifact.Open(cmd.Context(), cfg.Artifacts)
			if err != nil {
				return fmt.Errorf("artifact store: %w", err)
			}
			engine, err := inference.Load(cmd.Context(), store, inference.WithHistoryWindow(cfg.Inference.HistoryWindow))
			if err != nil {
				return err
			}

			result, err := engine.InferWithHistory(in.SensorReading, in.WeatherSample, in.History)
			if err != nil {
				return err
			}

			switch outputFormat {
			case "json":
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			default:
				table := uitable.New()
				table.MaxColWidth = 80
				table.Wrap = true
				table.AddRow("Timestamp:", result.Timestamp.Format(time.RFC3339))
				table.AddRow("Energy forecast:", fmt.Sprintf("%.4f kWh", result.Forecast))
				table.AddRow("Maintenance probability:", fmt.Sprintf("%.3f", result.Maintenance.Probability))
				table.AddRow("Needs maintenance:", result.Maintenance.NeedsMaintenance)
				if len(result.Fallbacks) > 0 {
					table.AddRow("Single-row features:", strings.Join(result.Fallbacks, ", "))
				}
				fmt.Println(table)
				for _, a := range result.Maintenance.Alerts {
					fmt.Printf("  ⚠️  %s\n", a)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "JSON file with one reading, weather fields and optional history")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	cmd.MarkFlagRequired("input")
	return cmd
}

// serveCmd starts the REST API, the MQTT ingest and the artifact watcher
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the REST API server and live ingest",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := log.WithName("serve")

			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			store, err := artifact.Open(ctx, cfg.Artifacts)
			if err != nil {
				return fmt.Errorf("artifact store: %w", err)
			}
			engineOpts := []inference.Option{inference.WithHistoryWindow(cfg.Inference.HistoryWindow)}
			holder := inference.NewHolder(nil)
			engine, err := inference.Load(ctx, store, engineOpts...)
			var notFound *models.ArtifactNotFoundError
			switch {
			case err == nil:
				holder.Store(engine)
			case errors.As(err, &notFound):
				logger.Warn("No trained models yet; readings are stored without predictions", "location", store.Location())
			default:
				return err
			}

			g, ctx := errgroup.WithContext(ctx)

			fwd := forwarder.New(nil, cfg.MQTT.ForwardTopic)
			var client *mqtt.Client
			if cfg.MQTT.Enabled {
				client, err = mqtt.NewClient(cfg.MQTT)
				if err != nil {
					return err
				}
				if err := client.Connect(ctx); err != nil {
					return err
				}
				defer client.Disconnect()
				fwd = forwarder.New(client, cfg.MQTT.ForwardTopic)
			}

			svc := ingest.NewService(database, holder,
				ingest.WithForwarder(fwd),
				ingest.WithHistoryWindow(cfg.Inference.HistoryWindow))

			if client != nil {
				for _, topic := range cfg.MQTT.IngestTopics {
					if err := client.Subscribe(ctx, topic, svc.MessageHandler(ctx)); err != nil {
						return err
					}
				}
			}

			if fs, ok := store.(*artifact.FileStore); ok && cfg.Inference.WatchArtifacts {
				if err := os.MkdirAll(fs.Dir, 0o755); err != nil {
					return err
				}
				reloader := inference.NewReloader(fs, holder, engineOpts...)
				g.Go(func() error { return reloader.Run(ctx) })
			}

			server := api.NewServer(database, svc, holder)
			httpServer := &http.Server{
				Addr:         cfg.HTTP.Addr,
				Handler:      server.Router(),
				ReadTimeout:  cfg.HTTP.Timeout,
				WriteTimeout: cfg.HTTP.Timeout,
			}

			g.Go(func() error {
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			})

			fmt.Printf("🚀 Microgrid Analytics API Server\n")
			fmt.Printf("   Listening on http://localhost%s\n", cfg.HTTP.Addr)
			fmt.Printf("   Database:  %s\n", cfg.Database.Path)
			fmt.Printf("   Artifacts: %s\n", store.Location())
			if client != nil {
				fmt.Printf("   MQTT:      %s (%s)\n", cfg.MQTT.Broker, strings.Join(cfg.MQTT.IngestTopics, ", "))
			}
			fmt.Println()
			fmt.Println("Available endpoints:")
			fmt.Println("  GET  /health")
			fmt.Println("  POST /esp32-data")
			fmt.Println("  POST /api/v1/telemetry")
			fmt.Println("  POST /api/v1/infer")
			fmt.Println("  POST /api/v1/weather")
			fmt.Println("  GET  /api/v1/readings/latest")
			fmt.Println("  GET  /api/v1/predictions")
			fmt.Println("  GET  /api/v1/models")
			fmt.Println("  GET  /api/v1/stats")
			fmt.Println("  GET  /metrics")
			fmt.Println()

			return g.Wait()
		},
	}
}

// generateCmd writes a synthetic dataset
func generateCmd() *cobra.Command {
	opts := simulate.DefaultOptions()
	var output string
	var storeRows bool

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a synthetic microgrid dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			rows := simulate.Generate(opts)

			if output != "" {
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("error creating output file: %w", err)
				}
				defer file.Close()

				switch strings.ToLower(filepath.Ext(output)) {
				case ".json":
					enc := json.NewEncoder(file)
					enc.SetIndent("", "  ")
					err = enc.Encode(rows)
				default:
					err = parser.WriteCSV(file, rows)
				}
				if err != nil {
					return err
				}
				fmt.Printf("Data exported to %s\n", output)
			}

			if storeRows {
				if err := initDB(); err != nil {
					return fmt.Errorf("database error: %w", err)
				}
				defer database.Close()

				readings := make([]models.SensorReading, len(rows))
				for i, r := range rows {
					readings[i] = r.SensorReading
				}
				count, err := database.InsertReadingBatch(cmd.Context(), readings)
				if err != nil {
					return err
				}
				fmt.Printf("Inserted %d readings into %s\n", count, cfg.Database.Path)
			}

			fmt.Printf("✓ Generated %d rows in %v\n", len(rows), time.Since(start).Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().IntVarP(&opts.Rows, "rows", "n", opts.Rows, "Number of rows to generate")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the dataset to a .csv or .json file")
	cmd.Flags().Int64Var(&opts.Seed, "seed", opts.Seed, "Random seed")
	cmd.Flags().StringVar(&opts.DeviceID, "device", opts.DeviceID, "Device id of the generated readings")
	cmd.Flags().DurationVar(&opts.Interval, "interval", opts.Interval, "Time between rows")
	cmd.Flags().Float64Var(&opts.FaultRate, "fault-rate", opts.FaultRate, "Probability of an injected fault per row")
	cmd.Flags().BoolVar(&storeRows, "store", false, "Also insert the readings into the database")
	return cmd
}

// statsCmd shows database statistics
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			stats, err := database.GetStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("error getting stats: %w", err)
			}

			fmt.Println("📊 Microgrid Analytics Statistics")
			fmt.Println("=================================")
			table := uitable.New()
			table.AddRow("  Readings:", stats.Readings)
			table.AddRow("  Devices:", stats.Devices)
			table.AddRow("  Weather samples:", stats.WeatherSamples)
			table.AddRow("  Predictions:", stats.Predictions)
			table.AddRow("  Maintenance flags:", stats.MaintenanceFlags)
			table.AddRow("  Alerted readings:", stats.AlertedReadings)
			table.AddRow("  Average forecast:", fmt.Sprintf("%.4f kWh", stats.AvgForecast))
			if !stats.LastReadingAt.IsZero() {
				table.AddRow("  Last reading:", stats.LastReadingAt.Format("2006-01-02 15:04:05"))
			}
			table.AddRow("  Database:", cfg.Database.Path)
			fmt.Println(table)

			return nil
		},
	}
}

// predictionsCmd lists stored predictions
func predictionsCmd() *cobra.Command {
	var limit int
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "predictions",
		Short: "List the most recent predictions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			results, err := database.ListPredictions(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("query error: %w", err)
			}

			if outputFormat == "json" {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}

			if len(results) == 0 {
				fmt.Println("No predictions found. Run 'microgrid serve' and post readings to create some.")
				return nil
			}

			table := uitable.New()
			table.MaxColWidth = 60
			table.Wrap = true
			table.AddRow("TIME", "DEVICE", "FORECAST", "PROB", "MAINT", "ALERTS")
			for _, p := range results {
				table.AddRow(
					p.Timestamp.Format("2006-01-02 15:04:05"),
					p.DeviceID,
					fmt.Sprintf("%.4f", p.Forecast),
					fmt.Sprintf("%.3f", p.Probability),
					p.NeedsMaintenance,
					strings.Join(p.Alerts, "; "),
				)
			}
			fmt.Println(table)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "Maximum predictions to show")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	return cmd
}
