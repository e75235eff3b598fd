package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/astrid-app/astrid-agent/internal/util"
	"github.com/astrid-app/astrid-agent/internal/workflow"
)

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show workflow status",
	Long: `Show the workflow of one task, or list every workflow.

Use --status to filter the list, e.g. --status FAILED --status TESTING.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var (
	statusFilter []string
	statusOutput string
)

func init() {
	statusCmd.Flags().StringSliceVar(&statusFilter, "status", nil, "only list workflows in these statuses")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "output format: table, json or yaml")
	rootCmd.AddCommand(statusCmd)
}

var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	statusColors = map[workflow.Status]lipgloss.Color{
		workflow.StatusPending:          "#9CA3AF",
		workflow.StatusAwaitingApproval: "#FBBF24",
		workflow.StatusTesting:          "#A78BFA",
		workflow.StatusReadyToMerge:     "#34D399",
		workflow.StatusCompleted:        "#10B981",
		workflow.StatusFailed:           "#EF4444",
	}
)

func styleStatus(s workflow.Status) string {
	return lipgloss.NewStyle().Foreground(statusColors[s]).Bold(true).Render(string(s))
}

func runStatus(cmd *cobra.Command, args []string) error {
	switch statusOutput {
	case "table", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", statusOutput)
	}

	var statuses []workflow.Status
	for _, v := range statusFilter {
		st := workflow.Status(strings.ToUpper(v))
		if !st.Valid() {
			return fmt.Errorf("unknown status %q", v)
		}
		statuses = append(statuses, st)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	var wfs []workflow.Workflow
	if len(args) == 1 {
		wf, err := st.GetWorkflowByTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		wfs = []workflow.Workflow{*wf}
	} else {
		wfs, err = st.ListWorkflows(cmd.Context(), statuses...)
		if err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	switch statusOutput {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(wfs)
	case "yaml":
		return yaml.NewEncoder(out).Encode(wfs)
	}

	if len(wfs) == 0 {
		fmt.Fprintln(out, "No workflows")
		return nil
	}
	renderTable(out, wfs, terminalWidth())
	return nil
}

func terminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return 100
}

// renderTable prints one workflow per line, trimming the detail column to width.
func renderTable(w io.Writer, wfs []workflow.Workflow, width int) {
	const taskCol, statusCol, serviceCol = 14, 18, 8
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-*s %-*s %-*s %s", taskCol, "TASK", statusCol, "STATUS", serviceCol, "SERVICE", "DETAIL")))

	detailWidth := width - taskCol - statusCol - serviceCol - 3
	for _, wf := range wfs {
		status := lipgloss.NewStyle().Width(statusCol).Render(util.TruncateANSI(styleStatus(wf.Status), statusCol))
		fmt.Fprintf(w, "%-*s %s %-*s %s\n",
			taskCol, util.Truncate(wf.TaskID, taskCol),
			status,
			serviceCol, util.Truncate(wf.AIService, serviceCol),
			mutedStyle.Render(util.Truncate(workflowDetail(wf), detailWidth)),
		)
	}
}

func workflowDetail(wf workflow.Workflow) string {
	switch {
	case wf.Metadata.Failure != nil:
		return wf.Metadata.Failure.Step + ": " + util.FirstLine(wf.Metadata.Failure.Error)
	case wf.Metadata.PRURL() != "":
		return wf.Metadata.PRURL()
	case wf.Metadata.Plan != nil:
		return util.FirstLine(wf.Metadata.Plan.Summary)
	}
	return ""
}
