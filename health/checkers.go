package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mmate-relay/broker"
	"github.com/glimte/mmate-relay/workflow"
)

// ConnectionChecker reports the state of the current connection of a target
type ConnectionChecker struct {
	target broker.Target
}

// NewConnectionChecker creates a checker for a Connection or FailoverConnection
func NewConnectionChecker(target broker.Target) *ConnectionChecker {
	return &ConnectionChecker{target: target}
}

func (c *ConnectionChecker) Name() string {
	return "connection"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	result.Details["candidates"] = len(c.target.Descriptors())
	if f, ok := c.target.(interface{ Attempts() int }); ok {
		result.Details["failed_attempts"] = f.Attempts()
	}

	conn := c.target.Current()
	if conn == nil {
		result.Status = StatusUnhealthy
		result.Message = "No current connection"
		result.Duration = time.Since(start)
		return result
	}

	state := conn.State()
	result.Details["url"] = conn.Descriptor().Sanitized()
	result.Details["state"] = state.String()

	switch {
	case conn.Broken():
		result.Status = StatusUnhealthy
		result.Message = "Connection is broken"
	case state == broker.StateStarted:
		result.Status = StatusHealthy
		result.Message = "Connection is started"
	case state == broker.StateInitialised:
		result.Status = StatusDegraded
		result.Message = "Connection is initialised but not started"
	default:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Connection is %s", state)
	}

	result.Duration = time.Since(start)
	return result
}

// ProbeSource is the view of a probe the checker needs. *broker.Probe satisfies it.
type ProbeSource interface {
	State() broker.ProbeState
	MaxFailures() int64
}

// ProbeChecker reports the failure count of a health probe against its threshold
type ProbeChecker struct {
	name  string
	probe ProbeSource
}

// NewProbeChecker creates a checker for probe registered as name
func NewProbeChecker(name string, probe ProbeSource) *ProbeChecker {
	return &ProbeChecker{name: name, probe: probe}
}

func (c *ProbeChecker) Name() string {
	return c.name
}

func (c *ProbeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.probe.State()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"interval_ms":  state.Interval.Milliseconds(),
			"failures":     state.Failures,
			"max_failures": c.probe.MaxFailures(),
		},
	}
	if !state.LastSuccess.IsZero() {
		result.Details["last_success"] = state.LastSuccess
	}
	switch {
	case state.LastCheckError != nil:
		result.Error = state.LastCheckError.Error()
		result.Details["last_failure"] = state.LastFailure
	case state.LastError != nil:
		result.Error = state.LastError.Error()
	}

	// A probe that has missed several intervals has stopped or is stuck
	stale := !state.LastSuccess.IsZero() && start.Sub(state.LastSuccess) > 3*state.Interval

	switch {
	case state.Failures > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d failures before failover", state.Failures, c.probe.MaxFailures())
	case state.LastCheckError != nil:
		result.Status = StatusDegraded
		result.Message = "Last check failed"
	case state.LastSuccess.IsZero():
		result.Status = StatusDegraded
		result.Message = "No successful check yet"
	case stale:
		result.Status = StatusUnhealthy
		result.Message = "Last successful check is stale"
	default:
		result.Status = StatusHealthy
		result.Message = "Broker round trip succeeded"
	}

	result.Duration = time.Since(start)
	return result
}

// WorkflowSource is the view of a workflow the checker needs. *workflow.Workflow
// satisfies it.
type WorkflowSource interface {
	Name() string
	State() workflow.State
	Stats() workflow.Stats
}

// WorkflowChecker reports messages a workflow keeps rolling back
type WorkflowChecker struct {
	workflow WorkflowSource
}

// NewWorkflowChecker creates a checker for w
func NewWorkflowChecker(w WorkflowSource) *WorkflowChecker {
	return &WorkflowChecker{workflow: w}
}

func (c *WorkflowChecker) Name() string {
	return "workflow_" + c.workflow.Name()
}

func (c *WorkflowChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	stats := c.workflow.Stats()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"state":     c.workflow.State().String(),
			"processed": stats.Processed,
			"rollbacks": stats.Rollbacks,
		},
	}

	if len(stats.Redeliveries) > 0 {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d message(s) awaiting successful redelivery", len(stats.Redeliveries))
		result.Details["redeliveries"] = stats.Redeliveries
		if stats.LastError != nil {
			result.Error = stats.LastError.Error()
		}
	} else {
		result.Status = StatusHealthy
		result.Message = "Workflow is processing"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]interface{}, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]interface{}, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
