package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/astrid-app/astrid-agent/internal/classifier"
)

var classifyCmd = &cobra.Command{
	Use:   "classify <comment text>",
	Short: "Show how a comment would be classified",
	Long: `Show the action a comment would trigger: approve, merge,
changes_requested, retry or none, with its confidence.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runClassify,
}

var classifyJSON bool

func init() {
	classifyCmd.Flags().BoolVar(&classifyJSON, "json", false, "Output the action as JSON")
	rootCmd.AddCommand(classifyCmd)
}

func runClassify(cmd *cobra.Command, args []string) error {
	action := classifier.New().Classify(strings.Join(args, " "))
	out := cmd.OutOrStdout()

	if classifyJSON {
		data, err := json.Marshal(action)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	fmt.Fprintf(out, "action:     %s\n", action.Type)
	fmt.Fprintf(out, "confidence: %.2f\n", action.Confidence)
	fmt.Fprintf(out, "actionable: %v\n", action.Actionable())
	if action.Feedback != "" {
		fmt.Fprintf(out, "feedback:   %s\n", action.Feedback)
	}
	return nil
}
