package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/flowsmith/flowsmith/events"
	"github.com/flowsmith/flowsmith/testutil"
)

// newSpanFixture 的总线同步分发，断言无需等待。
func newSpanFixture(t *testing.T) (*tracetest.SpanRecorder, *RunTracer, *testutil.CaptureBus) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	rt := NewRunTracer(tp.Tracer("test"))
	bus := testutil.NewCaptureBus()
	subID := rt.ObserveBus(bus)
	require.NotEmpty(t, subID)
	return sr, rt, bus
}

func attrValue(span sdktrace.ReadOnlySpan, key attribute.Key) string {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value.AsString()
		}
	}
	return ""
}

func TestRunTracer_RunAndNodeSpans(t *testing.T) {
	sr, _, bus := newSpanFixture(t)
	ctx := context.Background()

	started := events.New(events.KindRunStarted, "run-1")
	started.WorkflowID = "wf-demo"
	require.NoError(t, bus.Publish(ctx, started))

	nodeStart := events.New(events.KindNodeStarted, "run-1")
	nodeStart.NodeID = "fetch"
	nodeStart.NodeStatus = "running"
	nodeStart.Payload = map[string]any{"node_type": "tool"}
	require.NoError(t, bus.Publish(ctx, nodeStart))

	nodeDone := events.New(events.KindNodeCompleted, "run-1")
	nodeDone.NodeID = "fetch"
	nodeDone.NodeStatus = "completed"
	require.NoError(t, bus.Publish(ctx, nodeDone))

	finished := events.New(events.KindRunCompleted, "run-1")
	finished.WorkflowID = "wf-demo"
	finished.RunStatus = "completed"
	require.NoError(t, bus.Publish(ctx, finished))

	// The node span ends before the run span.
	ended := sr.Ended()
	require.Len(t, ended, 2)
	nodeSpan, runSpan := ended[0], ended[1]

	assert.Equal(t, "workflow.node", nodeSpan.Name())
	assert.Equal(t, "fetch", attrValue(nodeSpan, "node.id"))
	assert.Equal(t, "tool", attrValue(nodeSpan, "node.type"))
	assert.Equal(t, "completed", attrValue(nodeSpan, "node.status"))
	assert.Equal(t, codes.Ok, nodeSpan.Status().Code)

	assert.Equal(t, "workflow.run", runSpan.Name())
	assert.Equal(t, "wf-demo", attrValue(runSpan, "workflow.id"))
	assert.Equal(t, "completed", attrValue(runSpan, "run.status"))
	assert.Equal(t, codes.Ok, runSpan.Status().Code)

	// Node span is a child of the run span.
	assert.Equal(t, runSpan.SpanContext().SpanID(), nodeSpan.Parent().SpanID())
	assert.Equal(t, runSpan.SpanContext().TraceID(), nodeSpan.SpanContext().TraceID())
}

func TestRunTracer_FailedNodeSetsErrorStatus(t *testing.T) {
	sr, _, bus := newSpanFixture(t)
	ctx := context.Background()

	started := events.New(events.KindRunStarted, "run-2")
	started.WorkflowID = "wf-demo"
	require.NoError(t, bus.Publish(ctx, started))

	nodeStart := events.New(events.KindNodeStarted, "run-2")
	nodeStart.NodeID = "boom"
	nodeStart.Payload = map[string]any{"node_type": "tool"}
	require.NoError(t, bus.Publish(ctx, nodeStart))

	nodeDone := events.New(events.KindNodeCompleted, "run-2")
	nodeDone.NodeID = "boom"
	nodeDone.NodeStatus = "failed"
	nodeDone.Error = "backend exploded"
	require.NoError(t, bus.Publish(ctx, nodeDone))

	finished := events.New(events.KindRunCompleted, "run-2")
	finished.RunStatus = "failed"
	finished.Error = "1 node(s) failed: boom"
	require.NoError(t, bus.Publish(ctx, finished))

	ended := sr.Ended()
	require.Len(t, ended, 2)

	nodeSpan := ended[0]
	assert.Equal(t, codes.Error, nodeSpan.Status().Code)
	assert.Equal(t, "backend exploded", nodeSpan.Status().Description)

	runSpan := ended[1]
	assert.Equal(t, codes.Error, runSpan.Status().Code)
	assert.Equal(t, "failed", attrValue(runSpan, "run.status"))
}

func TestRunTracer_NodeEventsWithoutRunStarted(t *testing.T) {
	sr, _, bus := newSpanFixture(t)
	ctx := context.Background()

	// A resumed run publishes node events only.
	nodeStart := events.New(events.KindNodeStarted, "run-resumed")
	nodeStart.NodeID = "calc"
	nodeStart.Payload = map[string]any{"node_type": "tool"}
	require.NoError(t, bus.Publish(ctx, nodeStart))

	nodeDone := events.New(events.KindNodeCompleted, "run-resumed")
	nodeDone.NodeID = "calc"
	nodeDone.NodeStatus = "completed"
	require.NoError(t, bus.Publish(ctx, nodeDone))

	ended := sr.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "workflow.node", ended[0].Name())
	assert.False(t, ended[0].Parent().IsValid(), "orphan node span should have no parent")

	// The terminal run event must not panic on the synthetic entry.
	finished := events.New(events.KindRunCompleted, "run-resumed")
	finished.RunStatus = "completed"
	require.NoError(t, bus.Publish(ctx, finished))
	assert.Len(t, sr.Ended(), 1)
}

func TestRunTracer_CloseEndsOpenSpans(t *testing.T) {
	sr, rt, bus := newSpanFixture(t)
	ctx := context.Background()

	started := events.New(events.KindRunStarted, "run-3")
	require.NoError(t, bus.Publish(ctx, started))

	nodeStart := events.New(events.KindNodeStarted, "run-3")
	nodeStart.NodeID = "hold"
	require.NoError(t, bus.Publish(ctx, nodeStart))

	require.Empty(t, sr.Ended())

	rt.Close()
	assert.Len(t, sr.Ended(), 2)

	// Idempotent.
	rt.Close()
	assert.Len(t, sr.Ended(), 2)
}
