package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"entitykit/internal/schema"
)

func newSchemaCommand(_ *app) *cobra.Command {
	var dialect string
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print CREATE TABLE statements for the registered entities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := schema.ParseDialect(dialect)
			if err != nil {
				return err
			}
			reg, err := registry()
			if err != nil {
				return err
			}
			ddl, err := schema.Generate(reg, d)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), ddl)
			return err
		},
	}
	cmd.Flags().StringVar(&dialect, "dialect", string(schema.SQLite), "sql dialect: sqlite or postgres")
	return cmd
}
