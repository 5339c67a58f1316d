package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcourtman/argus/internal/config"
	"github.com/rcourtman/argus/internal/event"
	"github.com/rcourtman/argus/internal/eventstore"
)

var (
	eventsState    string
	eventsSeverity string
	eventsCode     string
	eventsLimit    int
)

func init() {
	eventsCmd.Flags().StringVar(&eventsState, "state", "", "filter by state (open, resolved)")
	eventsCmd.Flags().StringVar(&eventsSeverity, "severity", "", "filter by severity (info, warning, critical)")
	eventsCmd.Flags().StringVar(&eventsCode, "code", "", "filter by code prefix (e.g. SEC, HEA-03)")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "maximum events to print")
}

// openStore loads config and opens the event store for a one-shot command.
func openStore() (*eventstore.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	store, err := eventstore.New(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	return store, nil
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recorded events",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		var f eventstore.Filter
		if eventsState != "" {
			f.States = []event.State{event.State(strings.ToUpper(eventsState))}
		}
		if eventsSeverity != "" {
			f.Severities = []event.Severity{event.Severity(strings.ToUpper(eventsSeverity))}
		}
		f.CodePrefix = strings.ToUpper(eventsCode)
		f.Limit = eventsLimit

		events, err := store.Query(cmd.Context(), f)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("No events.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCODE\tSEVERITY\tSTATE\tFIRST SEEN\tLAST SEEN\tSUMMARY")
		for _, ev := range events {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				ev.ID, ev.Code, ev.Severity, ev.State,
				ev.FirstSeen.Format("2006-01-02 15:04:05"),
				ev.LastSeen.Format("2006-01-02 15:04:05"),
				ev.Summary)
		}
		return w.Flush()
	},
}

var muteCmd = &cobra.Command{
	Use:   "mute [duration]",
	Short: "Suppress desktop notifications (default 1h)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl := time.Hour
		if len(args) == 1 {
			d, err := time.ParseDuration(args[0])
			if err != nil {
				return fmt.Errorf("invalid duration %q: %w", args[0], err)
			}
			ttl = d
		}
		return setFlag(cmd.Context(), eventstore.FlagMute, ttl)
	},
}

var unmuteCmd = &cobra.Command{
	Use:   "unmute",
	Short: "Re-enable desktop notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.ClearFlag(cmd.Context(), eventstore.FlagMute); err != nil {
			return err
		}
		fmt.Println("Notifications unmuted.")
		return nil
	},
}

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance [duration|off]",
	Short: "Toggle maintenance mode (downgrades expected file changes)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 && args[0] == "off" {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.ClearFlag(cmd.Context(), eventstore.FlagMaintenance); err != nil {
				return err
			}
			fmt.Println("Maintenance mode off.")
			return nil
		}

		ttl := 2 * time.Hour
		if len(args) == 1 {
			d, err := time.ParseDuration(args[0])
			if err != nil {
				return fmt.Errorf("invalid duration %q: %w", args[0], err)
			}
			ttl = d
		}
		return setFlag(cmd.Context(), eventstore.FlagMaintenance, ttl)
	},
}

func setFlag(ctx context.Context, key string, ttl time.Duration) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.SetFlag(ctx, key, "1", ttl); err != nil {
		return err
	}
	fmt.Printf("Flag %q set for %s.\n", key, ttl)
	return nil
}

var trustCmd = &cobra.Command{
	Use:   "trust <proc> <port> <bind>",
	Short: "Allowlist a listening socket (bind: LOCAL, LAN or GLOBAL)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := strconv.Atoi(args[1])
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("invalid port %q", args[1])
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.AddTrustedListener(args[0], port, args[2]); err != nil {
			return err
		}
		if err := cfg.Save(); err != nil {
			return err
		}
		fmt.Printf("Trusted: %s port=%d bind=%s (takes effect on agent restart)\n",
			args[0], port, strings.ToUpper(args[2]))
		return nil
	},
}
