// Команда migrate управляет схемой PostgreSQL и заводит тестовые товары.
//
//	migrate [-dsn DSN] up [-steps N]
//	migrate [-dsn DSN] down [-steps N]
//	migrate [-dsn DSN] status
//	migrate [-dsn DSN] seed -product ID -price 12.99 [-name NAME] [-qty N]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/storage/catalogdb"
	"github.com/vladislavdragonenkov/checkout/internal/storage/postgres"
)

const (
	commandTimeout = 30 * time.Second
	envDSN         = "CHECKOUT_POSTGRES_DSN"
)

var errUsage = errors.New("usage: migrate [-dsn DSN] up|down|status|seed [flags]")

type command struct {
	name  string
	dsn   string
	steps int

	product string
	title   string
	price   int64
	qty     int64
}

func main() {
	os.Exit(run(os.Args[1:], os.Getenv, os.Stdout, os.Stderr))
}

func run(args []string, getenv func(string) string, stdout, stderr io.Writer) int {
	cmd, err := parse(args, getenv, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			_, _ = fmt.Fprintln(stderr, err)
		}
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := cmd.execute(ctx, stdout); err != nil {
		_, _ = fmt.Fprintf(stderr, "%s: %v\n", cmd.name, err)
		return 1
	}
	return 0
}

func parse(args []string, getenv func(string) string, stderr io.Writer) (command, error) {
	var cmd command
	global := flag.NewFlagSet("migrate", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.StringVar(&cmd.dsn, "dsn", "", "PostgreSQL DSN, defaults to $"+envDSN)
	if err := global.Parse(args); err != nil {
		return command{}, err
	}
	if cmd.dsn = strings.TrimSpace(cmd.dsn); cmd.dsn == "" {
		cmd.dsn = strings.TrimSpace(getenv(envDSN))
	}

	rest := global.Args()
	if len(rest) == 0 {
		return command{}, errUsage
	}
	cmd.name = strings.ToLower(rest[0])

	sub := flag.NewFlagSet("migrate "+cmd.name, flag.ContinueOnError)
	sub.SetOutput(stderr)
	var price string
	switch cmd.name {
	case "up":
		sub.IntVar(&cmd.steps, "steps", 0, "apply at most N migrations, 0 applies all")
	case "down":
		sub.IntVar(&cmd.steps, "steps", 1, "revert the last N migrations")
	case "status":
	case "seed":
		sub.StringVar(&cmd.product, "product", "", "product id")
		sub.StringVar(&cmd.title, "name", "", "product name, defaults to the id")
		sub.StringVar(&price, "price", "", "unit price, e.g. 12.99")
		sub.Int64Var(&cmd.qty, "qty", 0, "stock quantity")
	default:
		return command{}, fmt.Errorf("unknown command %q: %w", cmd.name, errUsage)
	}
	if err := sub.Parse(rest[1:]); err != nil {
		return command{}, err
	}

	if cmd.dsn == "" {
		return command{}, fmt.Errorf("no database: pass -dsn or set %s", envDSN)
	}
	if cmd.name == "seed" {
		if err := cmd.validateSeed(price); err != nil {
			return command{}, err
		}
	}
	return cmd, nil
}

func (c *command) validateSeed(price string) error {
	if strings.TrimSpace(c.product) == "" {
		return errors.New("seed: -product is required")
	}
	if price == "" {
		return errors.New("seed: -price is required")
	}
	if c.qty < 0 {
		return fmt.Errorf("seed: %w", domain.ErrItemQtyInvalid)
	}
	minor, err := domain.ParseMinor(price)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	c.price = minor
	if c.title == "" {
		c.title = c.product
	}
	return nil
}

func (c command) execute(ctx context.Context, out io.Writer) error {
	store, err := postgres.Open(ctx, c.dsn)
	if err != nil {
		return err
	}
	defer store.Close()

	if c.name == "seed" {
		return c.seed(ctx, store, out)
	}

	migrator, err := store.Migrator()
	if err != nil {
		return err
	}
	var changed []postgres.Migration
	switch c.name {
	case "up":
		changed, err = migrator.Up(ctx, c.steps)
	case "down":
		changed, err = migrator.Down(ctx, c.steps)
	case "status":
		return printStatus(ctx, migrator, out)
	}
	for _, m := range changed {
		_, _ = fmt.Fprintf(out, "%s %s\n", c.name, m)
	}
	if err != nil {
		return err
	}

	version, count, err := migrator.Version(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "schema version %d, %d applied\n", version, count)
	return nil
}

func printStatus(ctx context.Context, migrator *postgres.Migrator, out io.Writer) error {
	states, err := migrator.Status(ctx)
	if err != nil {
		return err
	}
	for _, s := range states {
		state := "pending"
		if s.AppliedAt != nil {
			state = "applied " + s.AppliedAt.Format(time.RFC3339)
		}
		if s.Drifted {
			state += " (modified since applied)"
		}
		_, _ = fmt.Fprintf(out, "%-28s %s\n", s.String(), state)
	}
	return nil
}

// seed заводит товар в каталоге и выставляет ему остаток.
func (c command) seed(ctx context.Context, store *postgres.Store, out io.Writer) error {
	catalog, err := catalogdb.Open(c.dsn)
	if err != nil {
		return err
	}
	defer catalog.Close()

	if err := catalog.Upsert(ctx, domain.Product{ID: c.product, Name: c.title, PriceMinor: c.price, Active: true}); err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	if err := postgres.NewInventoryRepository(store).SetStock(ctx, c.product, c.qty); err != nil {
		return fmt.Errorf("set stock: %w", err)
	}
	_, _ = fmt.Fprintf(out, "seeded %s: price=%s qty=%d\n", c.product, domain.FormatMinor(c.price), c.qty)
	return nil
}
