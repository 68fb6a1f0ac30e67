package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/nebula-components/pkg/aggregation"
)

func newSchemaCommand() *cobra.Command {
	var (
		dialect    string
		table      string
		clustered  bool
		bodyAsText bool
		headers    []string
	)

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the DDL of an aggregation repository",
		Long: `Print the statements creating the in-flight and completed tables.

Example:
  nebula-components schema --dialect mysql --table orders --clustered --header orderId`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := aggregation.DialectByName(dialect)
			if err != nil {
				return err
			}
			stmts, err := aggregation.Schema(d, table, aggregation.SchemaOptions{
				Clustered:       clustered,
				StoreBodyAsText: bodyAsText,
				HeadersAsText:   headers,
			})
			if err != nil {
				return err
			}
			for _, stmt := range stmts {
				fmt.Fprintf(cmd.OutOrStdout(), "%s;\n\n", stmt)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dialect, "dialect", "postgres", "SQL dialect (postgres, mysql)")
	cmd.Flags().StringVar(&table, "table", "aggregation", "Repository name; the completed table gets a _completed suffix")
	cmd.Flags().BoolVar(&clustered, "clustered", false, "Add the instance_id column to the completed table")
	cmd.Flags().BoolVar(&bodyAsText, "body-as-text", false, "Add a text copy of the body")
	cmd.Flags().StringArrayVar(&headers, "header", nil, "Header stored in its own text column (repeatable)")
	return cmd
}
