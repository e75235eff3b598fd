package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/astrid-app/astrid-agent/internal/executor"
	"github.com/astrid-app/astrid-agent/internal/logging"
	"github.com/astrid-app/astrid-agent/internal/metrics"
	"github.com/astrid-app/astrid-agent/internal/sandbox"
	"github.com/astrid-app/astrid-agent/internal/util"
)

// instrumentedTools counts tool calls and logs failures.
type instrumentedTools struct {
	next    executor.ToolRunner
	metrics *metrics.Metrics
	logger  *logging.Logger
}

func instrument(next executor.ToolRunner, m *metrics.Metrics, logger *logging.Logger) executor.ToolRunner {
	return &instrumentedTools{next: next, metrics: m, logger: logging.OrNop(logger)}
}

func (t *instrumentedTools) Execute(ctx context.Context, name string, args json.RawMessage) sandbox.ToolResult {
	res := t.next.Execute(ctx, name, args)
	t.metrics.ToolCall(name, res.Success)
	if !res.Success {
		t.logger.Debug("tool call failed", "tool", name, "result", util.FirstLine(res.Result))
	}
	return res
}
