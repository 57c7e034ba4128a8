package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"entitykit/internal/logger"
)

func newBackupCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Archive a snapshot of the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			reg, err := registry()
			if err != nil {
				return err
			}
			store, err := a.openStore(ctx, reg)
			if err != nil {
				return err
			}
			defer store.Close()
			arch, err := a.archiver(ctx)
			if err != nil {
				return err
			}
			info, err := arch.Backup(ctx, store)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived %s (%d bytes)\n", info.Key, info.Size)
			return nil
		},
	}
}

func newRestoreCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restore [key]",
		Short: "Replace the store state with an archived snapshot (latest by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			key := ""
			if len(args) == 1 {
				key = args[0]
			}
			reg, err := registry()
			if err != nil {
				return err
			}
			store, err := a.openStore(ctx, reg)
			if err != nil {
				return err
			}
			defer store.Close()
			arch, err := a.archiver(ctx)
			if err != nil {
				return err
			}
			restored, err := arch.Restore(ctx, store, key)
			if err != nil {
				return err
			}
			a.log.Debugw("store restored", logger.FieldKey, restored, logger.FieldDriver, a.cfg.Storage.Driver)
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", restored)
			return nil
		},
	}
}

func newSnapshotsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshots",
		Short: "List archived snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			arch, err := a.archiver(ctx)
			if err != nil {
				return err
			}
			infos, err := arch.List(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tSIZE\tMODIFIED")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%d\t%s\n", info.Key, info.Size, info.LastModified.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}
