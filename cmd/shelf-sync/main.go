// Command shelf-sync is the offline-first inventory agent. Writes land
// in the local replica immediately and are buffered in a durable queue;
// the queue drains to the server whenever it is reachable.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/alexjbarnes/shelf-sync/internal/config"
	apperrors "github.com/alexjbarnes/shelf-sync/internal/errors"
	"github.com/alexjbarnes/shelf-sync/internal/logging"
	"github.com/alexjbarnes/shelf-sync/internal/state"
	"github.com/alexjbarnes/shelf-sync/internal/syncer"
	"github.com/alexjbarnes/shelf-sync/internal/transport"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

const usage = `usage: shelf-sync <command> [args]

commands:
  add <name> [field=value ...]     create an item
  set <item-id> <field=value ...>  update item fields
  status <item-id> <status>        change an item's status
  delete <item-id>                 delete an item
  list                             list cached items
  sync                             flush the queue and refresh the cache
  run                              run the sync agent until interrupted

fields: name, description, categoryId, locationId, quantity, tags
(comma-separated), status, borrowedBy, borrowDueDate`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(command string, args []string) error {
	cfg, err := config.LoadClient()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	appState, err := state.Load(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	client := transport.NewClient(cfg.ServerURL, cfg.APIKey, nil)

	controller, err := syncer.New(appState, client, logger, cfg.HouseholdID, syncer.Options{
		RequestTimeout: cfg.RequestTimeout,
		ProbeInterval:  cfg.ProbeInterval,
		Notify: func(msg string) {
			fmt.Fprintln(os.Stderr, msg)
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "add":
		return cmdAdd(ctx, controller, args)
	case "set":
		return cmdSet(ctx, controller, args)
	case "status":
		return cmdStatus(ctx, controller, args)
	case "delete":
		return cmdDelete(ctx, controller, args)
	case "list":
		return cmdList(controller)
	case "sync":
		return cmdSync(ctx, controller)
	case "run":
		return cmdRun(ctx, cfg, logger, controller)
	default:
		fmt.Fprintln(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func cmdAdd(ctx context.Context, controller *syncer.Controller, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: add <name> [field=value ...]")
	}

	fields, err := parseFields(args[1:])
	if err != nil {
		return err
	}

	fields["name"] = args[0]

	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	item, err := controller.CreateItem(payload)
	if err != nil {
		return err
	}

	fmt.Printf("added %s (%s)\n", item.Name, item.ID)

	return flushQuietly(ctx, controller)
}

func cmdSet(ctx context.Context, controller *syncer.Controller, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: set <item-id> <field=value ...>")
	}

	fields, err := parseFields(args[1:])
	if err != nil {
		return err
	}

	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	item, err := controller.UpdateItem(args[0], payload)
	if err != nil {
		return err
	}

	fmt.Printf("updated %s (%s)\n", item.Name, item.ID)

	return flushQuietly(ctx, controller)
}

func cmdStatus(ctx context.Context, controller *syncer.Controller, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: status <item-id> <status>")
	}

	payload, err := json.Marshal(map[string]string{"status": args[1]})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	item, err := controller.UpdateItem(args[0], payload)
	if err != nil {
		return err
	}

	fmt.Printf("%s is now %s\n", item.Name, item.Status)

	return flushQuietly(ctx, controller)
}

func cmdDelete(ctx context.Context, controller *syncer.Controller, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: delete <item-id>")
	}

	if err := controller.DeleteItem(args[0]); err != nil {
		return err
	}

	fmt.Printf("deleted %s\n", args[0])

	return flushQuietly(ctx, controller)
}

func cmdList(controller *syncer.Controller) error {
	items, err := controller.ListItems()
	if err != nil {
		return err
	}

	if len(items) == 0 {
		fmt.Println("no items")
		return nil
	}

	for _, item := range items {
		line := fmt.Sprintf("%s  %-30s %-12s x%d", item.ID, item.Name, item.Status, item.Quantity)
		if len(item.Tags) > 0 {
			line += "  [" + strings.Join(item.Tags, ", ") + "]"
		}

		fmt.Println(line)
	}

	return nil
}

// cmdSync is a one-shot flush plus forced cache refresh.
func cmdSync(ctx context.Context, controller *syncer.Controller) error {
	if err := controller.Flush(ctx); err != nil {
		return syncErr(err)
	}

	return syncErr(controller.Hydrate(ctx, true))
}

// syncErr collapses transport-level failures into a single offline error
// for the CLI; the queue is untouched either way.
func syncErr(err error) error {
	if transport.IsTransient(err) {
		return apperrors.ErrOffline
	}

	return err
}

// cmdRun keeps the agent alive: probing connectivity, draining the queue,
// and refreshing the replica until interrupted.
func cmdRun(ctx context.Context, cfg *config.Client, logger *slog.Logger, controller *syncer.Controller) error {
	logger.Info("shelf-sync agent starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerURL),
		slog.String("household_id", cfg.HouseholdID),
		slog.String("device", cfg.DeviceName),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return controller.Run(gctx)
	})

	return g.Wait()
}

// flushQuietly attempts an immediate drain after a local write. Failure
// is fine: the mutation is durable and goes out on the next cycle.
func flushQuietly(ctx context.Context, controller *syncer.Controller) error {
	if err := controller.Flush(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "offline, change queued for next sync")
	}

	return nil
}

// parseFields turns field=value arguments into a payload map.
func parseFields(args []string) (map[string]any, error) {
	fields := make(map[string]any)

	for _, arg := range args {
		key, value, found := strings.Cut(arg, "=")
		if !found {
			return nil, fmt.Errorf("expected field=value, got %q", arg)
		}

		switch key {
		case "name", "description", "categoryId", "locationId", "status", "borrowedBy", "borrowDueDate":
			fields[key] = value
		case "quantity":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("quantity must be a number, got %q", value)
			}

			fields[key] = n
		case "tags":
			tags := []string{}
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					tags = append(tags, tag)
				}
			}

			fields[key] = tags
		default:
			return nil, fmt.Errorf("unknown field %q", key)
		}
	}

	return fields, nil
}
