package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hadron-ai/hadron/pkg/models"
)

// End marks a terminal edge.
const End = ""

// NodeFunc runs one stage against the current state and returns its
// partial state update.
type NodeFunc func(ctx context.Context, st *models.PipelineState) (models.Delta, error)

// EdgeFunc decides the next node from post-node state.
type EdgeFunc func(st *models.PipelineState) string

type graphNode struct {
	name string
	run  NodeFunc
	next EdgeFunc
}

// Graph is a directed graph of named nodes with conditional edges.
type Graph struct {
	entry string
	nodes map[string]*graphNode
}

// NewGraph creates a graph entered at the named node.
func NewGraph(entry string) *Graph {
	return &Graph{entry: entry, nodes: make(map[string]*graphNode)}
}

// AddNode registers a node. Until an edge is added it terminates the run.
func (g *Graph) AddNode(name string, run NodeFunc) {
	g.nodes[name] = &graphNode{name: name, run: run, next: func(*models.PipelineState) string { return End }}
}

// AddEdge sets an unconditional edge.
func (g *Graph) AddEdge(from, to string) {
	g.nodes[from].next = func(*models.PipelineState) string { return to }
}

// AddConditionalEdge sets a state-dependent edge.
func (g *Graph) AddConditionalEdge(from string, decide EdgeFunc) {
	g.nodes[from].next = decide
}

// Checkpointer persists post-node state. The database store satisfies it.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, crID, node string, st *models.PipelineState) error
}

// Engine executes a graph over a mutable pipeline state, checkpointing
// after every completed node.
type Engine struct {
	graph       *Graph
	checkpoints Checkpointer
	log         *slog.Logger
}

// NewEngine creates an engine. checkpoints may be nil in tests.
func NewEngine(graph *Graph, checkpoints Checkpointer, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{graph: graph, checkpoints: checkpoints, log: log}
}

// Run executes from the entry node until a terminal edge or status.
func (e *Engine) Run(ctx context.Context, st *models.PipelineState) error {
	return e.runFrom(ctx, e.graph.entry, st)
}

// ResumeFrom applies an override delta as if the named node had produced
// it, checkpoints, and continues along that node's outgoing edges. An
// empty node name resumes from the recorded current stage's edges.
func (e *Engine) ResumeFrom(ctx context.Context, node string, overrides models.Delta, st *models.PipelineState) error {
	if node == "" {
		node = st.CurrentStage
	}
	entry, ok := e.graph.nodes[node]
	if !ok {
		return fmt.Errorf("cannot resume from unknown node %q", node)
	}

	st.Apply(overrides)
	// Resume always clears the pause.
	st.Status = models.StatusRunning
	st.Error = ""
	if err := e.checkpoint(ctx, node, st); err != nil {
		return err
	}
	return e.runFrom(ctx, entry.next(st), st)
}

func (e *Engine) runFrom(ctx context.Context, start string, st *models.PipelineState) error {
	node := start
	for node != End {
		entry, ok := e.graph.nodes[node]
		if !ok {
			return fmt.Errorf("graph has no node %q", node)
		}

		e.log.Info("Running pipeline node", "cr_id", st.CRID, "node", node)
		delta, err := entry.run(ctx, st)
		if err != nil {
			// A failed node leaves no checkpoint; the last completed node
			// remains the resume point.
			st.Apply(models.Delta{
				Status: models.StringPtr(models.StatusFailed),
				Error:  models.StringPtr(err.Error()),
			})
			return fmt.Errorf("node %s failed: %w", node, err)
		}
		st.Apply(delta)

		if err := e.checkpoint(ctx, node, st); err != nil {
			return err
		}
		if st.Status == models.StatusPaused || st.Status == models.StatusFailed {
			return nil
		}
		node = entry.next(st)
	}
	return nil
}

func (e *Engine) checkpoint(ctx context.Context, node string, st *models.PipelineState) error {
	if e.checkpoints == nil {
		return nil
	}
	if err := e.checkpoints.SaveCheckpoint(ctx, st.CRID, node, st); err != nil {
		return fmt.Errorf("failed to checkpoint node %s: %w", node, err)
	}
	return nil
}
