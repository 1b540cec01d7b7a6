package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/polarsignals/localexchange/query/exchange"
)

var typesCmd = &cobra.Command{
	Use:   "types",
	Short: "List the exchanger types",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for t := exchange.Shuffle; t <= exchange.PassToOne; t++ {
			fmt.Fprintln(cmd.OutOrStdout(), t)
		}
	},
}
