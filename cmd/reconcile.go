package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/crewharbor/payments/internal/config"
	"github.com/crewharbor/payments/internal/database"
	"github.com/crewharbor/payments/internal/ledger"
	"github.com/crewharbor/payments/internal/matcher"
	"github.com/crewharbor/payments/internal/pipeline"
	"github.com/crewharbor/payments/internal/reconcile"
	"github.com/crewharbor/payments/internal/subscription"
)

// ReconcileCommand returns the operator repair workflow commands
func ReconcileCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "Inspect and repair payment events that did not apply automatically",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List events awaiting manual resolution",
				Action: runReconcileList,
			},
			{
				Name:      "inspect",
				Usage:     "Show the audit view for linking an event to a user",
				ArgsUsage: "EVENT_ID",
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:     "user",
						Usage:    "Candidate user id",
						Required: true,
					},
				},
				Action: runReconcileInspect,
			},
			{
				Name:      "link",
				Usage:     "Link an event to a user and apply it",
				ArgsUsage: "EVENT_ID",
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:     "user",
						Usage:    "User id to link the event to",
						Required: true,
					},
				},
				Action: runReconcileLink,
			},
			{
				Name:      "reopen",
				Usage:     "Move a dead-lettered event back to orphaned",
				ArgsUsage: "EVENT_ID",
				Action:    runReconcileReopen,
			},
			{
				Name:      "status",
				Usage:     "Show a user's subscription status",
				ArgsUsage: "USER_ID",
				Action:    runReconcileStatus,
			},
		},
	}
}

// reconcileDeps wires the repair service against the live database.
type reconcileDeps struct {
	db     *sql.DB
	svc    *reconcile.Service
	engine *subscription.Engine
}

func newReconcileDeps(c *cli.Context) (*reconcileDeps, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}

	db, err := database.NewDB(cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	ledgerStore := ledger.NewPostgresStore(db)
	subStore := subscription.NewPostgresStore(db)
	directory := matcher.NewPostgresDirectory(db)

	engine := subscription.NewEngine(subStore, subscription.LogNotifier{}, cfg.RefundGrace())
	match := matcher.New(directory, cfg.Matching.DefaultCountry)
	proc := pipeline.New(ledgerStore, match, engine)

	return &reconcileDeps{
		db:     db,
		svc:    reconcile.NewService(ledgerStore, engine, proc),
		engine: engine,
	}, nil
}

func (d *reconcileDeps) close() {
	d.db.Close()
}

func eventIDArg(c *cli.Context) (string, error) {
	id := c.Args().First()
	if id == "" {
		return "", fmt.Errorf("EVENT_ID argument is required")
	}
	return id, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runReconcileList(c *cli.Context) error {
	deps, err := newReconcileDeps(c)
	if err != nil {
		return err
	}
	defer deps.close()

	events, err := deps.svc.ListOrphaned(context.Background())
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No events awaiting resolution")
		return nil
	}
	return printJSON(events)
}

func runReconcileInspect(c *cli.Context) error {
	eventID, err := eventIDArg(c)
	if err != nil {
		return err
	}
	deps, err := newReconcileDeps(c)
	if err != nil {
		return err
	}
	defer deps.close()

	inspection, err := deps.svc.Inspect(context.Background(), eventID, c.Int64("user"))
	if err != nil {
		return err
	}
	return printJSON(inspection)
}

func runReconcileLink(c *cli.Context) error {
	eventID, err := eventIDArg(c)
	if err != nil {
		return err
	}
	deps, err := newReconcileDeps(c)
	if err != nil {
		return err
	}
	defer deps.close()

	ctx := context.Background()
	if err := deps.svc.Link(ctx, eventID, c.Int64("user")); err != nil {
		return err
	}

	ev, err := deps.svc.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	fmt.Printf("Linked event %s to user %d (state: %s)\n", eventID, c.Int64("user"), ev.ApplyState)
	return nil
}

func runReconcileReopen(c *cli.Context) error {
	eventID, err := eventIDArg(c)
	if err != nil {
		return err
	}
	deps, err := newReconcileDeps(c)
	if err != nil {
		return err
	}
	defer deps.close()

	if err := deps.svc.Reopen(context.Background(), eventID); err != nil {
		return err
	}
	fmt.Printf("Reopened event %s\n", eventID)
	return nil
}

func runReconcileStatus(c *cli.Context) error {
	userIDStr := c.Args().First()
	if userIDStr == "" {
		return fmt.Errorf("USER_ID argument is required")
	}
	var userID int64
	if _, err := fmt.Sscanf(userIDStr, "%d", &userID); err != nil {
		return fmt.Errorf("invalid user id %q", userIDStr)
	}

	deps, err := newReconcileDeps(c)
	if err != nil {
		return err
	}
	defer deps.close()

	status, err := deps.engine.Status(context.Background(), userID)
	if err != nil {
		return err
	}
	return printJSON(status)
}
