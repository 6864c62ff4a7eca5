package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/openfroyo/lampbox/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printYAML writes v as YAML using its JSON field names.
func printYAML(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

// printFormat writes v in the requested output format.
func printFormat(w io.Writer, format string, v interface{}) error {
	switch format {
	case "json":
		return printJSON(w, v)
	case "yaml":
		return printYAML(w, v)
	default:
		return fmt.Errorf("unsupported output format %q (json or yaml)", format)
	}
}

func colorStatus(status string) string {
	switch status {
	case telemetry.StatusChanged, "completed":
		return green(status)
	case telemetry.StatusFailed, "cancelled":
		return red(status)
	case telemetry.StatusSkipped, "running":
		return yellow(status)
	default:
		return faint(status)
	}
}

func printRunResult(w io.Writer, r *runResult) error {
	if jsonOutput {
		return printJSON(w, r)
	}

	title := fmt.Sprintf("Run %s %s", r.RunID, colorStatus(string(r.Status)))
	if r.DryRun {
		title += " (dry run)"
	}
	fmt.Fprintln(w, title)

	if len(r.System) > 0 {
		changed := 0
		for _, res := range r.System {
			if res.Changed {
				changed++
			}
		}
		fmt.Fprintf(w, "  system: %d actions, %d changed\n", len(r.System), changed)
	}

	if r.Report != nil {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, sr := range r.Report.Sites {
			detail := fmt.Sprintf("%d actions", len(sr.Actions))
			if sr.Error != "" {
				detail = sr.Error
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", sr.ID, sr.Host, colorStatus(sr.Status()), detail)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		for _, skip := range r.Report.Skipped {
			fmt.Fprintf(w, "  %s %s: %s\n", yellow("skipped"), skip.Source, skip.Reason)
		}
	}

	if r.Policy != nil {
		for _, v := range r.Policy.All() {
			label := yellow(string(v.Severity))
			if v.Severity.Blocking() {
				label = red(string(v.Severity))
			}
			fmt.Fprintf(w, "  %s %s [%s]: %s\n", label, v.Site, v.Policy, v.Message)
		}
	}

	if len(r.Commands) > 0 {
		fmt.Fprintln(w, "Commands:")
		for _, c := range r.Commands {
			fmt.Fprintf(w, "  %s\n", c)
		}
	}

	if r.Error != "" {
		fmt.Fprintf(w, "%s %s\n", red("error:"), r.Error)
	}
	return nil
}
