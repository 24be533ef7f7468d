package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/offline-ledger/internal/app"
	"github.com/dvloznov/offline-ledger/internal/config"
	"github.com/dvloznov/offline-ledger/internal/domain"
	"github.com/dvloznov/offline-ledger/internal/logger"
	"github.com/dvloznov/offline-ledger/internal/projector"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fatal := logger.New()
		fatal.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log := logger.NewWithLevel(cfg.LogLevel)

	switch os.Args[1] {
	case "add":
		runAdd(cfg, log)
	case "update":
		runUpdate(cfg, log)
	case "delete":
		runDelete(cfg, log)
	case "list":
		runList(cfg, log)
	case "sync":
		runSync(cfg, log)
	case "pending":
		runPending(cfg, log)
	case "failed":
		runFailed(cfg, log)
	case "retry":
		runRetry(cfg, log)
	case "discard":
		runDiscard(cfg, log)
	case "categories":
		runCategories(cfg, log)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Offline Ledger CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  add         Record an income or expense (queued when offline)")
	fmt.Println("  update      Replace the fields of a transaction")
	fmt.Println("  delete      Delete a transaction")
	fmt.Println("  list        Show a month with pending changes applied")
	fmt.Println("  sync        Send queued changes and reload the month")
	fmt.Println("  pending     Show changes waiting to be sent")
	fmt.Println("  failed      Show changes that stopped retrying")
	fmt.Println("  retry       Retry a failed change")
	fmt.Println("  discard     Drop a failed change")
	fmt.Println("  categories  List categories")
	fmt.Println("  help        Show this help message")
	fmt.Println("\nSettings come from the environment (LEDGER_OWNER_ID, LEDGER_GATEWAY_URL, LEDGER_STORE, ...) or a .env file.")
	fmt.Println("Run 'cli <command> -h' for more information on a command.")
}

// payloadFlags registers the transaction fields on fs.
type payloadFlags struct {
	kind        *string
	amount      *string
	description *string
	category    *string
	date        *string
}

func addPayloadFlags(fs *flag.FlagSet) payloadFlags {
	return payloadFlags{
		kind:        fs.String("kind", "expense", "income or expense"),
		amount:      fs.String("amount", "", "Positive amount, e.g. 12.50"),
		description: fs.String("desc", "", "Description"),
		category:    fs.String("category", "", "Category ID"),
		date:        fs.String("date", "", "Date as YYYY-MM-DD (defaults to today)"),
	}
}

func (f payloadFlags) payload(today civil.Date) (domain.Payload, error) {
	return parsePayload(*f.kind, *f.amount, *f.description, *f.category, *f.date, today)
}

// parsePayload builds a validated payload from flag values.
func parsePayload(kind, amount, description, category, date string, today civil.Date) (domain.Payload, error) {
	if amount == "" {
		return domain.Payload{}, fmt.Errorf("-amount is required")
	}
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return domain.Payload{}, fmt.Errorf("invalid amount %q", amount)
	}

	d := today
	if date != "" {
		d, err = civil.ParseDate(date)
		if err != nil {
			return domain.Payload{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", date)
		}
	}

	p := domain.Payload{
		Kind:        domain.Kind(strings.ToLower(kind)),
		Amount:      amt,
		Description: strings.TrimSpace(description),
		CategoryID:  category,
		Date:        d,
	}
	if err := p.Validate(); err != nil {
		return domain.Payload{}, err
	}
	return p, nil
}

func openClient(cfg config.Config, log zerolog.Logger) (*app.Client, context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	ctx = logger.WithContext(ctx, log)

	client, err := app.Open(ctx, cfg, log)
	if err != nil {
		cancel()
		log.Fatal().Err(err).Msg("Failed to open session")
	}
	if !client.Monitor.Online() {
		fmt.Println("Offline: changes are saved locally and sent on the next sync.")
	}
	return client, ctx, cancel
}

func runAdd(cfg config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	pf := addPayloadFlags(fs)
	fs.Parse(os.Args[2:])

	payload, err := pf.payload(civil.DateOf(time.Now()))
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid transaction")
	}

	client, ctx, cancel := openClient(cfg, log)
	defer cancel()
	defer client.Close()

	record, err := client.Session.AddTransaction(ctx, payload)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to add transaction")
	}
	fmt.Printf("Added %s %s on %s (%s)\n", record.Kind, record.Amount.StringFixed(2), record.Date, record.ID)
	printPending(client)
}

func runUpdate(cfg config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	id := fs.String("id", "", "Transaction ID (server or local)")
	month := fs.String("month", "", "Month of the transaction as YYYY-MM (defaults to the current month)")
	pf := addPayloadFlags(fs)
	fs.Parse(os.Args[2:])

	if *id == "" {
		log.Fatal().Msg("Error: -id is required")
	}
	payload, err := pf.payload(civil.DateOf(time.Now()))
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid transaction")
	}

	client, ctx, cancel := openClient(cfg, log)
	defer cancel()
	defer client.Close()

	// Load the month so confirmed records can be found by id.
	loadMonth(ctx, client, *month, log)

	if err := client.Session.UpdateTransaction(ctx, *id, payload); err != nil {
		log.Fatal().Err(err).Msg("Failed to update transaction")
	}
	fmt.Printf("Updated %s\n", *id)
	printPending(client)
}

func runDelete(cfg config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	id := fs.String("id", "", "Transaction ID (server or local)")
	month := fs.String("month", "", "Month of the transaction as YYYY-MM (defaults to the current month)")
	fs.Parse(os.Args[2:])

	if *id == "" {
		log.Fatal().Msg("Error: -id is required")
	}

	client, ctx, cancel := openClient(cfg, log)
	defer cancel()
	defer client.Close()

	loadMonth(ctx, client, *month, log)

	if err := client.Session.DeleteTransaction(ctx, *id); err != nil {
		log.Fatal().Err(err).Msg("Failed to delete transaction")
	}
	fmt.Printf("Deleted %s\n", *id)
	printPending(client)
}

func runList(cfg config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	month := fs.String("month", "", "Month as YYYY-MM (defaults to the current month)")
	limit := fs.Int("limit", 0, "Show at most this many entries (0 = all)")
	fs.Parse(os.Args[2:])

	client, ctx, cancel := openClient(cfg, log)
	defer cancel()
	defer client.Close()

	loadMonth(ctx, client, *month, log)

	view := client.Session.CombinedView()
	entries := view.List(*limit)

	fmt.Printf("\n=== %s (%d) ===\n", view.Month, len(entries))
	for _, e := range entries {
		r := e.Transaction()
		sign := "+"
		if r.Kind == domain.KindExpense {
			sign = "-"
		}
		line := fmt.Sprintf("%s  %s%-10s  %-14s  %s", r.Date, sign, r.Amount.StringFixed(2), client.Session.CategoryName(r.CategoryID), r.Description)
		if projector.IsPending(e) {
			line += "  [" + projector.Status(e) + "]"
		}
		fmt.Printf("%s\n    id: %s\n", line, r.ID)
	}

	totals := view.Totals
	fmt.Printf("\nIncome:  %s\n", totals.Income.StringFixed(2))
	fmt.Printf("Expense: %s\n", totals.Expense.StringFixed(2))
	fmt.Printf("Net:     %s\n", totals.Net.StringFixed(2))
	printPending(client)
}

func runSync(cfg config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	month := fs.String("month", "", "Month to reload after syncing, as YYYY-MM")
	fs.Parse(os.Args[2:])

	client, ctx, cancel := openClient(cfg, log)
	defer cancel()
	defer client.Close()

	loadMonth(ctx, client, *month, log)

	summary, err := client.Session.Sync(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Sync failed")
	}
	fmt.Println(summary.String())
	printPending(client)
}

func runPending(cfg config.Config, log zerolog.Logger) {
	client, _, cancel := openClient(cfg, log)
	defer cancel()
	defer client.Close()

	printPending(client)
}

func runFailed(cfg config.Config, log zerolog.Logger) {
	client, _, cancel := openClient(cfg, log)
	defer cancel()
	defer client.Close()

	failed := client.Session.FailedMutations()
	fmt.Printf("\n=== Failed changes (%d) ===\n", len(failed))
	for i, m := range failed {
		fmt.Printf("\n%d. %s %s\n", i+1, m.Operation, m.Key())
		fmt.Printf("   ID:       %s\n", m.ID)
		fmt.Printf("   Amount:   %s %s\n", m.Payload.Kind, m.Payload.Amount.StringFixed(2))
		fmt.Printf("   Attempts: %d\n", m.Attempts)
		fmt.Printf("   Error:    %s\n", m.LastError)
	}
	fmt.Println()
}

func runRetry(cfg config.Config, log zerolog.Logger) {
	id := mutationIDFlag("retry")

	client, ctx, cancel := openClient(cfg, log)
	defer cancel()
	defer client.Close()

	if err := client.Session.RetryFailed(ctx, id); err != nil {
		log.Fatal().Err(err).Msg("Failed to retry change")
	}
	fmt.Printf("Retrying %s\n", id)
	printPending(client)
}

func runDiscard(cfg config.Config, log zerolog.Logger) {
	id := mutationIDFlag("discard")

	client, ctx, cancel := openClient(cfg, log)
	defer cancel()
	defer client.Close()

	if err := client.Session.DiscardFailed(ctx, id); err != nil {
		log.Fatal().Err(err).Msg("Failed to discard change")
	}
	fmt.Printf("Discarded %s\n", id)
}

func runCategories(cfg config.Config, log zerolog.Logger) {
	client, _, cancel := openClient(cfg, log)
	defer cancel()
	defer client.Close()

	for _, c := range client.Session.Categories() {
		fmt.Printf("%-16s %-16s %s\n", c.ID, c.Name, c.Kind)
	}
}

func mutationIDFlag(name string) string {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	id := fs.String("id", "", "Mutation ID (see 'cli failed')")
	fs.Parse(os.Args[2:])
	if *id == "" {
		fmt.Fprintln(os.Stderr, "Error: -id is required")
		os.Exit(1)
	}
	return *id
}

func loadMonth(ctx context.Context, client *app.Client, month string, log zerolog.Logger) {
	key := domain.CurrentMonth(time.Now())
	if month != "" {
		parsed, err := domain.ParseMonthKey(month)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid -month")
		}
		key = parsed
	}
	if err := client.Session.LoadMonth(ctx, key.Year, key.Month); err != nil {
		log.Warn().Err(err).Str("month", key.String()).Msg("Could not load month, showing pending changes only")
	}
}

func printPending(client *app.Client) {
	if n := client.Session.PendingCount(); n > 0 {
		fmt.Printf("%d change(s) waiting to sync\n", n)
	}
}
