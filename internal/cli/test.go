package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/beacon/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Filter string
}

// ScenarioResult is one scenario's outcome in the test command's output.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Path   string   `json:"path"`
	Pass   bool     `json:"pass"`
	Trace  []string `json:"trace"`
	Errors []string `json:"errors,omitempty"`
}

// TestResult is the JSON payload of the test command.
type TestResult struct {
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Scenarios []ScenarioResult `json:"scenarios"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <path>...",
		Short: "Run pipeline scenarios",
		Long: `Run scenario files against an isolated pipeline with a fake clock and
an in-process collector. A path may be a scenario file or a directory of
*.yaml scenarios.

Example:
  beacon test ./scenarios
  beacon test ./scenarios --filter offline`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "only run scenarios whose name contains this")

	return cmd
}

func scenarioFiles(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(p, "*.yaml"))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	return files, nil
}

func runScenarios(opts *TestOptions, paths []string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	files, err := scenarioFiles(paths)
	if err != nil {
		return out.Fail(ExitCommandError, CodeArgument, "invalid scenario path", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var res TestResult
	var text strings.Builder
	for _, path := range files {
		scenario, err := harness.LoadScenario(path)
		if err != nil {
			return out.Fail(ExitCommandError, CodeArgument, "invalid scenario "+path, err)
		}
		if opts.Filter != "" && !strings.Contains(scenario.Name, opts.Filter) {
			continue
		}
		out.VerboseLog("running %s", scenario.Name)

		result, err := harness.Run(ctx, scenario)
		if err != nil {
			return out.Fail(ExitFailure, CodeStartup, "scenario "+scenario.Name+" could not run", err)
		}

		sr := ScenarioResult{Name: scenario.Name, Path: path, Pass: result.Pass, Errors: result.Errors}
		for _, e := range result.Trace {
			sr.Trace = append(sr.Trace, e.String())
		}
		res.Scenarios = append(res.Scenarios, sr)

		if result.Pass {
			res.Passed++
			fmt.Fprintf(&text, "PASS %s\n", scenario.Name)
		} else {
			res.Failed++
			fmt.Fprintf(&text, "FAIL %s\n", scenario.Name)
			for _, msg := range result.Errors {
				fmt.Fprintf(&text, "  %s\n", strings.ReplaceAll(strings.TrimSpace(msg), "\n", "\n  "))
			}
		}
	}
	fmt.Fprintf(&text, "%d passed, %d failed", res.Passed, res.Failed)

	if err := out.Success(text.String(), res); err != nil {
		return err
	}
	if res.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenarios failed", res.Failed))
	}
	return nil
}
