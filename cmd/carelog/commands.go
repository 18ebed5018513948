package main

import (
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/carelog/internal/session"
	"github.com/MarcoPoloResearchLab/carelog/internal/snapshot"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const landingRange = "landing"

type sessionFlags struct {
	babyID      string
	householdID string
	token       string
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.babyID, "baby-id", "", "Active baby profile identifier")
	cmd.Flags().StringVar(&f.householdID, "household-id", "", "Household identifier")
	cmd.Flags().StringVar(&f.token, "token", "", "Bearer token for the remote store (overrides env)")
}

func (f *sessionFlags) context() (session.Context, error) {
	token := f.token
	if token == "" {
		token = viper.GetString("session.token")
	}
	return session.New(f.babyID, f.householdID, token)
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local binding API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newFlushCommand() *cobra.Command {
	flags := &sessionFlags{}
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Drain pending mutations against the remote store once",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := flags.context()
			if err != nil {
				return err
			}
			rt, err := openEngine()
			if err != nil {
				return err
			}
			defer rt.close() //nolint:errcheck

			result, err := rt.service.Flush(cmd.Context(), sess)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	flags.register(cmd)
	return cmd
}

func newSnapshotCommand() *cobra.Command {
	flags := &sessionFlags{}
	var anchor string
	cmd := &cobra.Command{
		Use:       "snapshot [day|week|month|landing]",
		Short:     "Build and cache an aggregate snapshot",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(snapshot.RangeDay), string(snapshot.RangeWeek), string(snapshot.RangeMonth), landingRange},
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := flags.context()
			if err != nil {
				return err
			}
			rangeName := strings.ToLower(strings.TrimSpace(args[0]))
			var kind snapshot.RangeKind
			if rangeName != landingRange {
				if kind, err = snapshot.ParseRangeKind(rangeName); err != nil {
					return err
				}
			}

			rt, err := openEngine()
			if err != nil {
				return err
			}
			defer rt.close() //nolint:errcheck

			if rangeName == landingRange {
				return writeJSON(cmd.OutOrStdout(), rt.service.Landing(cmd.Context(), sess, nil))
			}
			anchorTime := time.Now().In(rt.service.Location())
			if anchor != "" {
				if anchorTime, err = snapshot.ParseAnchor(anchor, rt.service.Location()); err != nil {
					return err
				}
			}
			record, err := rt.service.Snapshot(cmd.Context(), sess, kind, anchorTime, nil)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), record)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&anchor, "anchor", "", "Calendar date inside the range (YYYY-MM-DD), defaults to today")
	return cmd
}

func newProjectionCommand() *cobra.Command {
	flags := &sessionFlags{}
	var pendingOnly bool
	cmd := &cobra.Command{
		Use:   "projection",
		Short: "Print the events reconstructed from pending mutations",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := flags.context()
			if err != nil {
				return err
			}
			rt, err := openEngine()
			if err != nil {
				return err
			}
			defer rt.close() //nolint:errcheck

			if pendingOnly {
				return writeJSON(cmd.OutOrStdout(), rt.service.Pending(cmd.Context(), sess))
			}
			return writeJSON(cmd.OutOrStdout(), rt.service.Projection(cmd.Context(), sess, nil))
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&pendingOnly, "pending", false, "Print the pending mutation log instead of projected events")
	return cmd
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
