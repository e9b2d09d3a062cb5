package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dostava/internal/audit"
	"dostava/internal/auth"
	"dostava/internal/config"
	"dostava/internal/db"
	"dostava/internal/kafka"
	"dostava/internal/lifecycle"
	"dostava/internal/notifier"
	"dostava/internal/repository"
	"dostava/internal/server"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "dostava",
	Short: "Food-ordering backend: order lifecycle, courier and restaurant dashboards",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		run(cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./dostava.yaml)")
	rootCmd.Flags().String("http_port", "9000", "HTTP listen port")
	rootCmd.Flags().String("dsn", "", "Postgres DSN")
	rootCmd.Flags().Bool("kafka_enabled", false, "Publish order events to kafka")
	_ = viper.BindPFlags(rootCmd.Flags())
}

func run(cfg *config.Config) {
	database, err := db.NewDB(cfg.DSN, cfg.MigrationsDir)
	if err != nil {
		log.Fatalf("Error in connection to db: %v", err)
	}
	defer database.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trail := audit.NewWorkerPool(audit.PoolConfig{
		BatchSize:   cfg.AuditBatch,
		Timeout:     cfg.AuditTimeout,
		ChannelSize: cfg.AuditChannel,
	}, &audit.DBSink{DB: database}, &audit.StdoutSink{Filter: cfg.AuditFilter})
	trail.Start(ctx, cfg.AuditWorkers)
	defer trail.Shutdown(cancel)

	orders := repository.NewOrderRepository(database)
	menu := repository.NewMenuRepository(database)
	outbox := repository.NewPostgresOutbox(database)

	if cfg.KafkaEnabled {
		producer, err := kafka.NewSaramaProducer(cfg.KafkaBrokers)
		if err != nil {
			log.Fatalf("Error creating kafka producer: %v", err)
		}
		defer producer.Close()

		poller := notifier.NewPoller(outbox, producer, cfg.KafkaTopic, cfg.OutboxPoll, cfg.OutboxLimit)
		go poller.Start(ctx)

		go func() {
			if err := kafka.StartConsumer(ctx, cfg.KafkaBrokers, cfg.KafkaGroupID, []string{cfg.KafkaTopic}); err != nil {
				log.Printf("Order event consumer stopped: %v", err)
			}
		}()
	}

	engine := lifecycle.NewEngine(orders, menu, notifier.NewOutbox(outbox))
	verifier := auth.NewHMACVerifier(cfg.AuthSecret)

	srv := server.NewServer(engine, menu, verifier, trail, cfg)
	if err := srv.Run(); err != nil {
		log.Fatalf("Server stopped: %v", err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
