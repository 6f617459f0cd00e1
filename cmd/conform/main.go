// Command conform applies declarative database definitions to SQLite
// files: it reports version state, migrates databases to their highest
// declared version, verifies conformance, and resets databases.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/conformdb/conform"
	"github.com/conformdb/conform/internal/update"
	"github.com/conformdb/conform/pkg/connect"
	"github.com/conformdb/conform/pkg/dbdef"
	"github.com/conformdb/conform/pkg/snapshot"
)

var (
	flagDefs        string
	flagDataDir     string
	flagSuffix      string
	flagSnapshotDir string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "conform",
		Short: "Schema versioning and reconciliation for SQLite databases",
		Long: `conform brings SQLite databases into conformance with declarative,
versioned definitions: missing tables and indexes are created, new columns
are added, and inter-version transition scripts are applied in order.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagDefs, "defs", "conform.yaml", "definition document")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", ".", "directory holding the database files")
	rootCmd.PersistentFlags().StringVar(&flagSuffix, "suffix", "db", "database file suffix (empty for none)")
	rootCmd.PersistentFlags().StringVar(&flagSnapshotDir, "snapshot-dir", "", "keep pre-migration file copies in this directory")

	rootCmd.AddCommand(ensureCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(historyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

// newController loads the definition document and wires up a Controller
// over the configured data directory.
func newController() (*conform.Controller, connect.Connector, error) {
	defs, err := dbdef.LoadYAMLFile(flagDefs)
	if err != nil {
		return nil, nil, err
	}
	connector := connect.NewSQLiteConnector(flagDataDir, flagSuffix)
	opts := []conform.Option{}
	if flagSnapshotDir != "" {
		store, err := snapshot.NewLocal(flagSnapshotDir)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, conform.WithSnapshotStore(store))
	}
	ctl := conform.NewController(connector, opts...)
	if err := ctl.Require(defs); err != nil {
		return nil, nil, err
	}
	return ctl, connector, nil
}

func ensureCmd() *cobra.Command {
	var dbname string
	var yes bool

	cmd := &cobra.Command{
		Use:   "ensure",
		Short: "Migrate databases to their highest declared version",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, _, err := newController()
			if err != nil {
				return err
			}
			met, err := ctl.EnsureRequirements(context.Background(), dbname, yes)
			if err != nil {
				return err
			}
			if !met {
				fmt.Println("aborted: consent declined")
				os.Exit(2)
			}
			color.Green("ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&dbname, "db", "", "limit to one database")
	cmd.Flags().BoolVar(&yes, "yes", false, "apply prompted transitions without asking")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the version state of every defined database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, _, err := newController()
			if err != nil {
				return err
			}
			statuses, err := ctl.Status(context.Background())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DATABASE\tVERSION\tTARGET\tSTATE")
			for _, s := range statuses {
				version := "unset"
				if s.HasVersion {
					version = fmt.Sprintf("%d", s.Version)
				}
				state := color.GreenString("up to date")
				if s.Needed {
					state = color.YellowString("update needed")
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.Name, version, s.Target, state)
			}
			return w.Flush()
		},
	}
}

func verifyCmd() *cobra.Command {
	var dbname string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Strictly check databases against their highest declared version",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, _, err := newController()
			if err != nil {
				return err
			}
			if err := ctl.Verify(context.Background(), dbname); err != nil {
				return err
			}
			color.Green("ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&dbname, "db", "", "limit to one database")
	return cmd
}

func resetCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset <database>",
		Short: "Drop all defined tables and version history of one database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dbname := args[0]
			if !yes {
				consent := conform.TerminalConsent()
				ok := consent([]string{fmt.Sprintf("reset database %q, deleting all its content", dbname)})
				if !ok {
					fmt.Println("aborted")
					os.Exit(2)
				}
			}
			ctl, _, err := newController()
			if err != nil {
				return err
			}
			if err := ctl.ResetDatabase(context.Background(), dbname); err != nil {
				return err
			}
			color.Green("reset %s", dbname)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "do not ask for confirmation")
	return cmd
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <database>",
		Short: "Show the recorded version stamps of one database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dbname := args[0]
			defs, err := dbdef.LoadYAMLFile(flagDefs)
			if err != nil {
				return err
			}
			def, ok := defs[dbname]
			if !ok {
				return fmt.Errorf("database %q is not defined", dbname)
			}
			connector := connect.NewSQLiteConnector(flagDataDir, flagSuffix)
			u, err := update.New(context.Background(), dbname, def, connector)
			if err != nil {
				return err
			}
			stamps, err := u.History(context.Background())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tCREATED\tRUN\tFINGERPRINT")
			for _, s := range stamps {
				version := "unset"
				if s.HasVersion {
					version = fmt.Sprintf("%d", s.Version)
				}
				fingerprint := s.Fingerprint
				if len(fingerprint) > 12 {
					fingerprint = fingerprint[:12]
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", version, s.Created.UTC().Format("2006-01-02 15:04:05"), s.RunID, fingerprint)
			}
			return w.Flush()
		},
	}
}
