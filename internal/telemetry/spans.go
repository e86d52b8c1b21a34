package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowsmith/flowsmith/events"
)

// RunTracer mirrors run lifecycle events as OTel spans: one span per
// run, one child span per node execution. It subscribes to the event
// bus, so the engine itself stays free of tracing calls.
type RunTracer struct {
	tracer trace.Tracer
	mu     sync.Mutex
	runs   map[string]*runTrace
}

type runTrace struct {
	ctx   context.Context
	span  trace.Span
	nodes map[string]trace.Span
}

// NewRunTracer creates a tracer-backed observer. A nil tracer falls
// back to the global provider, which is noop until Init runs.
func NewRunTracer(tracer trace.Tracer) *RunTracer {
	if tracer == nil {
		tracer = otel.Tracer("flowsmith/workflow")
	}
	return &RunTracer{
		tracer: tracer,
		runs:   make(map[string]*runTrace),
	}
}

// ObserveBus subscribes to all lifecycle events and returns the
// subscription ID.
func (rt *RunTracer) ObserveBus(bus events.Bus) string {
	return bus.Subscribe(events.KindAll, rt.handleEvent)
}

func (rt *RunTracer) handleEvent(ev events.Event) {
	switch ev.Kind {
	case events.KindRunStarted:
		rt.startRun(ev)
	case events.KindNodeStarted:
		rt.startNode(ev)
	case events.KindNodeCompleted:
		rt.endNode(ev)
	case events.KindRunCompleted:
		rt.endRun(ev)
	}
}

func (rt *RunTracer) startRun(ev events.Event) {
	ctx, span := rt.tracer.Start(context.Background(), "workflow.run",
		trace.WithAttributes(
			attribute.String("run.id", ev.RunID),
			attribute.String("workflow.id", ev.WorkflowID),
		))
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.runs[ev.RunID] = &runTrace{
		ctx:   ctx,
		span:  span,
		nodes: make(map[string]trace.Span),
	}
}

func (rt *RunTracer) startNode(ev events.Event) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rn := rt.runs[ev.RunID]
	if rn == nil {
		// Resumed runs publish no second run_started; their node
		// spans are recorded parentless under a synthetic entry.
		rn = &runTrace{ctx: context.Background(), nodes: make(map[string]trace.Span)}
		rt.runs[ev.RunID] = rn
	}
	nodeType, _ := ev.Payload["node_type"].(string)
	_, span := rt.tracer.Start(rn.ctx, "workflow.node",
		trace.WithAttributes(
			attribute.String("run.id", ev.RunID),
			attribute.String("node.id", ev.NodeID),
			attribute.String("node.type", nodeType),
		))
	rn.nodes[ev.NodeID] = span
}

func (rt *RunTracer) endNode(ev events.Event) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rn := rt.runs[ev.RunID]
	if rn == nil {
		return
	}
	span, ok := rn.nodes[ev.NodeID]
	if !ok {
		return
	}
	delete(rn.nodes, ev.NodeID)
	if ev.NodeStatus != "" {
		span.SetAttributes(attribute.String("node.status", ev.NodeStatus))
	}
	if ev.Error != "" {
		span.SetStatus(codes.Error, ev.Error)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (rt *RunTracer) endRun(ev events.Event) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rn := rt.runs[ev.RunID]
	if rn == nil {
		return
	}
	delete(rt.runs, ev.RunID)
	// Nodes with no completion event of their own get closed with
	// the run, e.g. after a forced stop.
	for _, span := range rn.nodes {
		span.End()
	}
	if rn.span == nil {
		return
	}
	if ev.RunStatus != "" {
		rn.span.SetAttributes(attribute.String("run.status", ev.RunStatus))
	}
	if ev.Error != "" {
		rn.span.SetStatus(codes.Error, ev.Error)
	} else {
		rn.span.SetStatus(codes.Ok, "")
	}
	rn.span.End()
}

// Close ends every span still open. Call it on engine shutdown so
// paused or stuck runs don't leak unfinished spans.
func (rt *RunTracer) Close() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for id, rn := range rt.runs {
		delete(rt.runs, id)
		for _, span := range rn.nodes {
			span.End()
		}
		if rn.span != nil {
			rn.span.End()
		}
	}
}
