package cli

import (
	"runtime"

	"github.com/spf13/cobra"

	"github.com/roach88/beacon/internal/version"
)

// VersionResult is the JSON payload of the version command.
type VersionResult struct {
	Product   string `json:"product"`
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "version",
		Short:         "Print version information",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := rootOpts.formatter(cmd)
			text := version.Info()
			if rootOpts.Verbose {
				text = version.Full()
			}
			return out.Success(text, VersionResult{
				Product:   version.Product,
				Version:   version.Version,
				GitCommit: version.GitCommit,
				BuildTime: version.BuildTime,
				GoVersion: runtime.Version(),
				Platform:  runtime.GOOS + "/" + runtime.GOARCH,
			})
		},
	}
}
