package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/credit-extractor/internal/app"
	"github.com/joseph-ayodele/credit-extractor/internal/common"
	"github.com/joseph-ayodele/credit-extractor/internal/schema"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Inspect the document type registry",
}

var schemaCheckCmd = &cobra.Command{
	Use:   "check [path]",
	Short: "Load the registry and report conflicts",
	Long: `Load the document type registry, validate every rule and alias, and list
the fields of each document type. A label bound to two canonical fields fails
the check.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := common.LoadConfig(envFiles...)
		path := cfg.Schema.Path
		if len(args) == 1 {
			path = args[0]
		}
		reg, err := schema.Load(path, app.NewLogger(cmd.ErrOrStderr(), logFormat, logLevel))
		if err != nil {
			return err
		}
		for _, name := range reg.Names() {
			dt, err := reg.Get(name)
			if err != nil {
				return err
			}
			fmt.Printf("%s (%d fields, %d labels)\n", dt.Name, len(dt.Fields()), dt.Mapper().Labels())
			for _, f := range dt.Fields() {
				rule := "-"
				if f.HasRule {
					rule = string(f.Rule.Type)
					if f.Rule.Pattern != nil {
						rule += " " + f.Rule.Pattern.String()
					}
				}
				fmt.Printf("  %-24s %-40s %s\n", f.Name, rule, strings.Join(f.Aliases, ", "))
			}
		}
		return nil
	},
}

func init() {
	schemaCmd.AddCommand(schemaCheckCmd)
	rootCmd.AddCommand(schemaCmd)
}
