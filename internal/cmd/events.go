package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/edgeguard/internal/logging"
	"github.com/inercia/edgeguard/internal/sink"
	"github.com/inercia/edgeguard/internal/store"
)

var (
	eventsLimit int64
	eventsJSON  bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent security events and totals",
	Long: `Read the security event log and aggregate counters from the configured
store. With a Redis store this shows what every edge instance recorded; with
the memory store it shows the last saved snapshot.

Examples:
  edgeguard events
  edgeguard events --limit 200 --json | jq 'select(.blocked)'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		st, err := openEventStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore(st, logging.Store())

		return printEvents(ctx, cmd.OutOrStdout(), st, eventsLimit, eventsJSON)
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)

	eventsCmd.Flags().Int64VarP(&eventsLimit, "limit", "n", 20, "Maximum number of events to show")
	eventsCmd.Flags().BoolVar(&eventsJSON, "json", false, "Print events as JSON lines")
}

func printEvents(ctx context.Context, w io.Writer, events store.EventStore, limit int64, asJSON bool) error {
	recent, err := sink.Recent(ctx, events, limit)
	if err != nil {
		return fmt.Errorf("failed to read events: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(w)
		for _, ev := range recent {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		return nil
	}

	m, err := events.Metrics(ctx)
	if err != nil {
		return fmt.Errorf("failed to read metrics: %w", err)
	}
	fmt.Fprintf(w, "total %d, blocked %d, would block %d\n",
		m[sink.FieldTotal], m[sink.FieldBlocked], m[sink.FieldWouldBlock])
	for _, field := range sink.TypeFields(m) {
		fmt.Fprintf(w, "  %-16s %d\n", strings.TrimPrefix(field, sink.FieldTypePrefix), m[field])
	}
	if len(recent) == 0 {
		fmt.Fprintln(w, "no events")
		return nil
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTYPE\tSEVERITY\tOUTCOME\tIP\tREQUEST\tREASON")
	for _, ev := range recent {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s %s\t%s\n",
			ev.Timestamp.Local().Format(time.DateTime),
			ev.Type, ev.Severity, eventOutcome(ev),
			ev.IP, ev.Method, ev.Path, ev.Reason)
	}
	return tw.Flush()
}

func eventOutcome(ev *sink.Event) string {
	switch {
	case ev.Blocked:
		return "blocked"
	case ev.WouldBlock():
		return "would-block"
	default:
		return "-"
	}
}
