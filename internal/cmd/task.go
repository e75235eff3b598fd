package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/astrid-app/astrid-agent/internal/workflow"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks in the local store",
}

var taskAddCmd = &cobra.Command{
	Use:   "add <task-id>",
	Short: "Create or update a task",
	Long: `Create or update a task in the local store.

The creator is the only user whose comments drive the task's workflow.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskAdd,
}

var startCmd = &cobra.Command{
	Use:   "start <task-id>",
	Short: "Start a workflow for a task",
	Long: `Start a workflow for a task and run the planning phase in the foreground.

The plan is posted as a comment on the task; reply with 'astrid-agent comment'
to approve it or request changes.`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

var commentCmd = &cobra.Command{
	Use:   "comment <task-id> <text>",
	Short: "Post a comment on a task and act on it",
	Long: `Post a comment on a task as the given author and run whatever phase it
triggers in the foreground. Only the task creator's comments advance the
workflow; a comment on a failed workflow retries it with the comment as
feedback.`,
	Args: cobra.ExactArgs(2),
	RunE: runComment,
}

var (
	taskTitle       string
	taskDescription string
	taskCreator     string
	startService    string
	commentAuthor   string
)

func init() {
	taskAddCmd.Flags().StringVar(&taskTitle, "title", "", "task title (required)")
	taskAddCmd.Flags().StringVar(&taskDescription, "description", "", "task description")
	taskAddCmd.Flags().StringVar(&taskCreator, "creator", "", "creator user id (required)")
	_ = taskAddCmd.MarkFlagRequired("title")
	_ = taskAddCmd.MarkFlagRequired("creator")
	taskCmd.AddCommand(taskAddCmd)

	startCmd.Flags().StringVar(&startService, "service", "", "AI service to use (default providers.default)")
	commentCmd.Flags().StringVar(&commentAuthor, "author", "", "comment author (default the task creator)")

	rootCmd.AddCommand(taskCmd, startCmd, commentCmd)
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	task := &workflow.Task{ID: args[0], Title: taskTitle, Description: taskDescription, CreatorID: taskCreator}
	if err := st.PutTask(cmd.Context(), task); err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved task %s\n", task.ID)
	return nil
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	wf, err := a.orch.Start(cmd.Context(), args[0], startService)
	if wf != nil {
		printWorkflowLine(cmd, wf)
	}
	if err != nil {
		return err
	}
	return printLatestAgentComment(cmd, a, args[0])
}

func runComment(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	taskID := args[0]
	author := commentAuthor
	if author == "" {
		task, err := a.store.GetTask(cmd.Context(), taskID)
		if err != nil {
			return err
		}
		author = task.CreatorID
	}

	before, err := a.store.ListComments(cmd.Context(), taskID)
	if err != nil {
		return err
	}
	err = a.orch.HandleComment(cmd.Context(), workflow.Comment{TaskID: taskID, AuthorID: author, Content: args[1]})
	if wf, wfErr := a.orch.Workflow(cmd.Context(), taskID); wfErr == nil {
		printWorkflowLine(cmd, wf)
	}
	if err != nil {
		return err
	}

	after, err := a.store.ListComments(cmd.Context(), taskID)
	if err != nil {
		return err
	}
	for _, c := range after[len(before):] {
		if c.AuthorID == cfg.AgentUserID {
			fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n", c.Content)
		}
	}
	return nil
}

func printWorkflowLine(cmd *cobra.Command, wf *workflow.Workflow) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n", wf.TaskID, styleStatus(wf.Status), wf.AIService)
}

func printLatestAgentComment(cmd *cobra.Command, a *app, taskID string) error {
	comments, err := a.store.ListComments(cmd.Context(), taskID)
	if err != nil {
		return err
	}
	agentID := a.cfg.Load().AgentUserID
	for i := len(comments) - 1; i >= 0; i-- {
		if comments[i].AuthorID == agentID {
			fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n", comments[i].Content)
			return nil
		}
	}
	return nil
}
