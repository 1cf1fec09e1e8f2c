package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/crewharbor/payments/internal/api"
	"github.com/crewharbor/payments/internal/api/auth"
	"github.com/crewharbor/payments/internal/config"
	"github.com/crewharbor/payments/internal/database"
	"github.com/crewharbor/payments/internal/gateway"
	"github.com/crewharbor/payments/internal/jobqueue"
	"github.com/crewharbor/payments/internal/ledger"
	"github.com/crewharbor/payments/internal/matcher"
	"github.com/crewharbor/payments/internal/pipeline"
	"github.com/crewharbor/payments/internal/reconcile"
	"github.com/crewharbor/payments/internal/subscription"
)

// ServeCommand returns the CLI command for starting the service
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the payments webhook receiver and operator API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (overrides config)",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	port := cfg.HTTP.Port
	if c.Int("port") != 0 {
		port = c.Int("port")
	}

	ctx := context.Background()

	db, err := database.NewDB(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	pool, err := database.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	ledgerStore := ledger.NewPostgresStore(db)
	subStore := subscription.NewPostgresStore(db)
	directory := matcher.NewPostgresDirectory(db)

	engine := subscription.NewEngine(subStore, subscription.LogNotifier{}, cfg.RefundGrace())
	match := matcher.New(directory, cfg.Matching.DefaultCountry)
	proc := pipeline.New(ledgerStore, match, engine)
	recon := reconcile.NewService(ledgerStore, engine, proc)

	queueCfg := jobqueue.QueueConfigFrom(cfg.Queue.MaxWorkers, cfg.SweepInterval(), cfg.SweepMinAge())
	queue, err := jobqueue.NewJobQueue(pool, proc, queueCfg)
	if err != nil {
		return err
	}
	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job queue: %w", err)
	}

	webhook := gateway.NewWebhookHandler(ledgerStore, queue, cfg.Gateway.WebhookSecret)
	tokens := auth.NewTokenService(cfg.Operator.JWTSecret)

	fmt.Printf("Starting payments API server on port %d...\n", port)
	server := api.NewServer(port, webhook, recon, engine, tokens)
	serveErr := server.Start()

	if err := queue.Stop(ctx); err != nil {
		fmt.Fprintf(c.App.ErrWriter, "Warning: job queue shutdown: %v\n", err)
	}
	return serveErr
}
