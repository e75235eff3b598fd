// Package event provides a synchronous pub-sub bus that carries workflow
// lifecycle notifications from the orchestrator to observers such as metrics
// and the outbound webhook notifier.
//
// # Event Categories
//
// Workflow lifecycle:
//   - [WorkflowStartedEvent]: a workflow row was created for a task
//   - [TransitionEvent]: a workflow moved between statuses
//   - [PhaseCompletedEvent]: planning or execution finished, successfully or not
//
// Output:
//   - [ContentDetectedEvent]: the stream classifier surfaced a plan, question, progress line or PR
//   - [CommentPostedEvent]: the agent posted a comment on a task
//   - [PROpenedEvent]: a pull request URL became known for a task
package event
