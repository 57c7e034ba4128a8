package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"entitykit/internal/models/ticket"
)

// ErrIdentityMismatch is returned when the identity check fails.
var ErrIdentityMismatch = errors.New("identity check failed")

func newCheckCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify that references, queries and finds share one instance",
		Long: `Seeds a shop, an offer and an acceptance item in the configured store, then
reaches the offer through a reference, a query and a find within one session
and reports whether all paths resolve to the identical instance.`,
		Args: cobra.NoArgs,
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
			opts, collector, err := a.sessionOptions()
			if err != nil {
				return err
			}

			report, err := ticket.CheckIdentity(ctx, reg, store, opts...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "shop %d, acceptance item %d\n", report.ShopID, report.ItemID)
			fmt.Fprintf(out, "reference handle reused: %t\n", report.SameHandle)
			fmt.Fprintf(out, "single offer instance:   %t\n", report.SameInstance)
			fmt.Fprintf(out, "offer name after flush:  %s\n", report.OfferName)
			if collector != nil {
				samples, err := collector.Snapshot()
				if err != nil {
					return err
				}
				for _, s := range samples {
					fmt.Fprintf(out, "%s{%s} %g\n", s.Name, formatLabels(s.Labels), s.Value)
				}
			}
			if !report.OK() {
				a.log.Errorw("identity check failed", "same_handle", report.SameHandle, "same_instance", report.SameInstance)
				return errors.WithDetailf(ErrIdentityMismatch, "same handle=%t same instance=%t", report.SameHandle, report.SameInstance)
			}
			fmt.Fprintln(out, "identical")
			return nil
		},
	}
}

func formatLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, labels[k])
	}
	return strings.Join(parts, ",")
}
