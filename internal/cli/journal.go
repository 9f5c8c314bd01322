package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/parley/internal/journal"
	"github.com/roach88/parley/internal/model"
)

// JournalOptions holds flags for the journal command.
type JournalOptions struct {
	*RootOptions
	Database string
	Table    string
	After    int64
	Limit    int
	Calls    bool
}

// JournalEvent is one journaled event as printed.
type JournalEvent struct {
	Seq        int64           `json:"seq"`
	EventID    string          `json:"event_id"`
	Topic      string          `json:"topic"`
	Table      string          `json:"table"`
	Op         string          `json:"op"`
	Key        string          `json:"key"`
	Record     json.RawMessage `json:"record"`
	ReceivedAt time.Time       `json:"received_at"`
}

// JournalCall is one call outcome as printed.
type JournalCall struct {
	CallID         string     `json:"call_id"`
	ConversationID string     `json:"conversation_id"`
	Kind           string     `json:"kind"`
	Reason         string     `json:"reason"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        time.Time  `json:"ended_at"`
	DurationMS     int64      `json:"duration_ms"`
}

// NewJournalCommand creates the journal command.
func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JournalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect a client's event journal",
		Long: `List the change events a client applied, in the order it applied them, or
the outcome of every call it took part in.

Every record is decoded on the way out, so an entry that no longer parses
is reported rather than skipped.

Exit codes:
  0 - Success
  1 - A journaled record could not be decoded
  2 - Command error (journal not found, unknown table, etc.)

Examples:
  parley journal --db ./parley.db
  parley journal --db ./parley.db --table messages --limit 20
  parley journal --db ./parley.db --calls --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournal(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the journal database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Table, "table", "", "only events for this table")
	cmd.Flags().Int64Var(&opts.After, "after", 0, "only events after this sequence number")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of rows (0 for all)")
	cmd.Flags().BoolVar(&opts.Calls, "calls", false, "list call outcomes instead of events")

	return cmd
}

func runJournal(opts *JournalOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if opts.Table != "" && !model.Table(opts.Table).Known() {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown table %q", opts.Table))
	}
	// Open would create an empty journal; a typo should not.
	if _, err := os.Stat(opts.Database); err != nil {
		return WrapExitError(ExitCommandError, "journal not found", err)
	}

	j, err := journal.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer j.Close()

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: opts.Verbose}

	if opts.Calls {
		return listCalls(ctx, j, opts, cmd, formatter)
	}
	return listEvents(ctx, j, opts, cmd, formatter)
}

func listEvents(ctx context.Context, j *journal.Journal, opts *JournalOptions, cmd *cobra.Command, f *OutputFormatter) error {
	entries, err := j.List(ctx, journal.Query{Table: model.Table(opts.Table), AfterSeq: opts.After, Limit: opts.Limit})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}
	f.VerboseLog("read %d events from %s", len(entries), opts.Database)

	events := make([]JournalEvent, 0, len(entries))
	var bad []string
	for _, e := range entries {
		if _, err := e.Event(); err != nil {
			bad = append(bad, fmt.Sprintf("seq %d: %v", e.Seq, err))
		}
		events = append(events, JournalEvent{
			Seq:        e.Seq,
			EventID:    e.EventID,
			Topic:      e.Topic,
			Table:      string(e.Table),
			Op:         string(e.Op),
			Key:        e.Key,
			Record:     e.Record,
			ReceivedAt: e.ReceivedAt,
		})
	}

	if opts.Format == "json" {
		if len(bad) > 0 {
			if err := f.Error(CodeJournal, "undecodable records", bad); err != nil {
				return err
			}
		} else if err := f.Success(events); err != nil {
			return err
		}
	} else {
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SEQ\tRECEIVED\tOP\tTABLE\tKEY\tRECORD")
		for _, e := range events {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
				e.Seq, e.ReceivedAt.Format(time.RFC3339Nano), e.Op, e.Table, e.Key, e.Record)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		for _, b := range bad {
			fmt.Fprintf(cmd.OutOrStdout(), "undecodable: %s\n", b)
		}
	}

	if len(bad) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d undecodable records", len(bad)))
	}
	return nil
}

func listCalls(ctx context.Context, j *journal.Journal, opts *JournalOptions, cmd *cobra.Command, f *OutputFormatter) error {
	outcomes, err := j.CallOutcomes(ctx, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read call outcomes", err)
	}

	calls := make([]JournalCall, 0, len(outcomes))
	for _, o := range outcomes {
		calls = append(calls, JournalCall{
			CallID:         o.CallID,
			ConversationID: o.ConversationID,
			Kind:           string(o.Kind),
			Reason:         o.Reason,
			StartedAt:      o.StartedAt,
			EndedAt:        o.EndedAt,
			DurationMS:     o.Duration().Milliseconds(),
		})
	}

	if opts.Format == "json" {
		return f.Success(calls)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CALL\tCONVERSATION\tKIND\tREASON\tENDED\tDURATION")
	for _, c := range calls {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.CallID, c.ConversationID, c.Kind, c.Reason,
			c.EndedAt.Format(time.RFC3339), time.Duration(c.DurationMS)*time.Millisecond)
	}
	return tw.Flush()
}
