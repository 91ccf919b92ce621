package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"sandboxengine/lang"
)

var languagesCmd = &cobra.Command{
	Use:     "languages",
	Aliases: []string{"langs"},
	Short:   "List supported languages and their runtime images",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		languages := lang.NewRegistry()
		bold := color.New(color.Bold)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "LANGUAGE\tIMAGE\tTIMEOUT\tCOMPILED")
		for _, id := range languages.IDs() {
			p, _ := languages.Get(id)
			timeout := "default"
			if p.Timeout > 0 {
				timeout = p.Timeout.String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", bold.Sprint(id), p.Image, timeout, p.HasCompileStep())
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(languagesCmd)
}
