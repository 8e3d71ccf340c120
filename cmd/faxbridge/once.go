package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"faxbridge/internal/fax"
	"faxbridge/internal/supervisor"
	"faxbridge/pkg/logger"

	"github.com/spf13/cobra"
)

var oncePipeline string

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run the pipelines a single time and print the batch reports as JSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, cleanup, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer cleanup()
		ctx = logger.With(ctx, a.log)

		var runners []supervisor.Runner
		switch oncePipeline {
		case "all":
			runners = []supervisor.Runner{a.outgoing, a.incoming}
		case "outgoing":
			runners = []supervisor.Runner{a.outgoing}
		case "incoming":
			runners = []supervisor.Runner{a.incoming}
		default:
			return fmt.Errorf("unknown pipeline %q (want all, outgoing or incoming)", oncePipeline)
		}

		loop := supervisor.NewLoop(supervisor.LoopOptions{Pipelines: runners})
		reports, runErr := loop.RunOnce(ctx)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(renderReports(reports)); err != nil {
			return err
		}
		if runErr != nil {
			return runErr
		}
		for _, r := range reports {
			if len(r.Failed()) > 0 {
				return fmt.Errorf("%s: %d item(s) failed", r.Pipeline, len(r.Failed()))
			}
		}
		return nil
	},
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	onceCmd.Flags().StringVar(&oncePipeline, "pipeline", "all", "Pipeline to run: all, outgoing or incoming")
	rootCmd.AddCommand(onceCmd)
}

type reportView struct {
	fax.BatchReport
	Results []resultView `json:"results"`
}

type resultView struct {
	fax.Result
	Error   string `json:"error,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// renderReports adds the error texts that fax.Result leaves out of its JSON.
func renderReports(reports []fax.BatchReport) []reportView {
	out := make([]reportView, 0, len(reports))
	for _, r := range reports {
		v := reportView{BatchReport: r, Results: make([]resultView, 0, len(r.Results))}
		for _, res := range r.Results {
			rv := resultView{Result: res}
			if res.Err != nil {
				rv.Error = res.Err.Error()
			}
			if res.Warning != nil {
				rv.Warning = res.Warning.Error()
			}
			v.Results = append(v.Results, rv)
		}
		out = append(out, v)
	}
	return out
}
