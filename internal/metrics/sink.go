package metrics

import (
	"context"

	"github.com/BaSui01/taskflow/workflow"
)

// Consume 从事件总线订阅通道读取生命周期事件并记录指标，直到通道关闭或 ctx 结束。
// 事件可能重复或乱序，这里只做计数，不依赖顺序。
func (c *Collector) Consume(ctx context.Context, events <-chan workflow.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.Observe(ev)
		}
	}
}

// Observe 记录单个事件
func (c *Collector) Observe(ev workflow.Event) {
	switch ev.Type {
	case workflow.EventTaskSucceeded:
		c.RecordTaskAttempt(ev.TaskType, string(workflow.OutcomeSucceeded), ev.Duration)
	case workflow.EventTaskFailed:
		// 最终失败事件是对已计数尝试的汇总
		if final, _ := ev.Data["final"].(bool); final {
			return
		}
		outcome := string(workflow.OutcomeFailed)
		if reason, _ := ev.Data["reason"].(string); reason == workflow.ReasonTimeout {
			outcome = string(workflow.OutcomeTimeout)
		}
		c.RecordTaskAttempt(ev.TaskType, outcome, ev.Duration)
	case workflow.EventTaskRetrying:
		c.RecordTaskRetry(ev.TaskType)
	case workflow.EventWorkflowCompleted:
		c.RecordWorkflow(ev.WorkflowID, ev.Status, ev.Duration)
	case workflow.EventChainCompleted:
		c.RecordChain(ev.ChainID, ev.Status)
	case workflow.EventAgentStatusChanged:
		from, _ := ev.Data["from"].(string)
		c.RecordAgentStateTransition(ev.AgentID, from, ev.Status)
	}
}
