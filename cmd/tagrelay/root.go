package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"TagRelay/internal/app"
	"TagRelay/internal/config"
	"TagRelay/internal/domain"
	"TagRelay/internal/logging"
)

type rootFlags struct {
	configPath string
	overrides  config.Overrides
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "tagrelay",
		Short:         "Relay hashtag posts from Mastodon to other platforms",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (default $TAGRELAY_CONFIG)")
	pf.StringVar(&flags.overrides.DBFile, "db-file", "", "database DSN, overrides database.dsn")
	pf.StringVar(&flags.overrides.Trigger, "trigger", "", "trigger, e.g. hashtag:relay")
	pf.StringVar(&flags.overrides.Since, "since", "", "lower discovery bound: id:<n> or RFC3339 date")
	pf.StringVar(&flags.overrides.Until, "until", "", "upper discovery bound: id:<n> or RFC3339 date")
	pf.IntVar(&flags.overrides.Limit, "limit", 0, "maximum posts per timeline request")

	root.AddCommand(
		newRunCmd(flags),
		newWatchCmd(flags),
		newSummaryCmd(flags),
		newDumpLogCmd(flags),
		newDumpStatusStringsCmd(flags),
		newRemoveCmd(flags, "remove-waiting", "Delete queued records that were never attempted"),
		newRemoveCmd(flags, "remove-wrong", "Delete records left in Start, Failed or Test"),
	)
	return root
}

// open loads configuration, applies flags and wires the application.
func (f *rootFlags) open(cmd *cobra.Command) (*app.Application, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyOverrides(f.overrides)

	return app.New(cmd.Context(), cfg, logging.New(cfg.Logging.Level))
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one cycle: advance a queued record or discover new posts",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := flags.open(cmd)
			if err != nil {
				return err
			}
			defer application.Close()

			outcome, err := application.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), outcome)
			return nil
		},
	}
	cmd.Flags().BoolVar(&flags.overrides.DryRun, "dry-run", false, "mark records as Test without posting")
	return cmd
}

func newWatchCmd(flags *rootFlags) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run cycles on an interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := flags.open(cmd)
			if err != nil {
				return err
			}
			defer application.Close()

			return application.Watch(cmd.Context(), interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Minute, "time between cycles")
	cmd.Flags().BoolVar(&flags.overrides.DryRun, "dry-run", false, "mark records as Test without posting")
	return cmd
}

func newSummaryCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Count stored records per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := flags.open(cmd)
			if err != nil {
				return err
			}
			defer application.Close()

			counts, err := application.Controller().Summary(cmd.Context())
			if err != nil {
				return err
			}
			for _, status := range domain.AllStatuses {
				fmt.Fprintf(cmd.OutOrStdout(), "%-8s %d\n", status+":", counts[status])
			}
			return nil
		},
	}
}

type dumpedRecord struct {
	Handle             domain.Handle     `json:"handle"`
	Status             domain.Status     `json:"status"`
	ProcessedAt        time.Time         `json:"processed_at"`
	SourceDirection    string            `json:"source_direction"`
	SourcePostID       string            `json:"source_post_id"`
	SourcePostURL      string            `json:"source_post_url"`
	SourceMedia        []domain.MediaRef `json:"source_media,omitempty"`
	DestDirection      string            `json:"dest_direction"`
	DestPostID         string            `json:"dest_post_id,omitempty"`
	DestPostURL        string            `json:"dest_post_url,omitempty"`
	PreviousDestPostID string            `json:"previous_dest_post_id,omitempty"`
	TriggerTag         string            `json:"trigger_tag"`
	Parts              []string          `json:"parts"`
	ErrorMessage       string            `json:"error_message,omitempty"`
}

func newDumpLogCmd(flags *rootFlags) *cobra.Command {
	var readable bool
	cmd := &cobra.Command{
		Use:   "dump-log",
		Short: "Print every stored record",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := flags.open(cmd)
			if err != nil {
				return err
			}
			defer application.Close()

			records, err := application.Controller().Records(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if readable {
				for _, r := range records {
					rec := r.Record
					fmt.Fprintf(out, "#%d %s %s\n  in:  %s %s %s\n  out: %s %s %s\n",
						r.Handle, rec.Status, rec.ProcessedAt.Format(time.RFC3339),
						rec.SourceDirection, rec.SourcePostID, rec.SourcePostURL,
						rec.DestDirection, rec.DestPostID, rec.DestPostURL)
					if rec.ErrorMessage != "" {
						fmt.Fprintf(out, "  error: %s\n", rec.ErrorMessage)
					}
				}
				return nil
			}

			enc := json.NewEncoder(out)
			for _, r := range records {
				rec := r.Record
				if err := enc.Encode(dumpedRecord{
					Handle:             r.Handle,
					Status:             rec.Status,
					ProcessedAt:        rec.ProcessedAt,
					SourceDirection:    rec.SourceDirection,
					SourcePostID:       rec.SourcePostID,
					SourcePostURL:      rec.SourcePostURL,
					SourceMedia:        rec.SourceMedia,
					DestDirection:      rec.DestDirection,
					DestPostID:         rec.DestPostID,
					DestPostURL:        rec.DestPostURL,
					PreviousDestPostID: rec.PreviousDestPostID,
					TriggerTag:         rec.TriggerTag,
					Parts:              rec.Parts,
					ErrorMessage:       rec.ErrorMessage,
				}); err != nil {
					return fmt.Errorf("encode record %d: %w", r.Handle, err)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&readable, "readable", false, "human readable output")
	return cmd
}

func newDumpStatusStringsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "dump-status-strings",
		Short: "Print the messages the next discovery would compose, without storing them",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := flags.open(cmd)
			if err != nil {
				return err
			}
			defer application.Close()

			previews, err := application.Controller().Preview(cmd.Context())
			out := cmd.OutOrStdout()
			for _, p := range previews {
				fmt.Fprintf(out, "--- %s %s\n", p.Post.ID, p.Post.URL)
				if p.Err != nil {
					fmt.Fprintf(out, "skipped: %v\n", p.Err)
					continue
				}
				fmt.Fprintln(out, strings.Join(p.Parts, "\n---\n"))
			}
			return err
		},
	}
}

func newRemoveCmd(flags *rootFlags, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := flags.open(cmd)
			if err != nil {
				return err
			}
			defer application.Close()

			ctrl := application.Controller()
			remove := ctrl.RemoveWaiting
			if use == "remove-wrong" {
				remove = ctrl.RemoveWrong
			}
			n, err := remove(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d records\n", n)
			return nil
		},
	}
}
