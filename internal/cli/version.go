package cli

import (
	"fmt"

	"github.com/fmueller/voxscribe/internal/version"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number and build details",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Details()
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "voxscribe v%s\n", info.Version)
			fmt.Fprintf(w, "commit: %s\n", info.Commit)
			fmt.Fprintf(w, "built:  %s\n", info.Date)
			if info.GoVersion != "" {
				fmt.Fprintf(w, "go:     %s\n", info.GoVersion)
			}
			return nil
		},
	}
}
