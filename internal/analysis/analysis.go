package analysis

import (
	"context"
	"slices"
	"sync"

	"github.com/replayio/devtools-sub013/internal/protocol"
)

// Result is the collected output of a run.
type Result struct {
	Entries []protocol.AnalysisEntry
	// Error is set when the server refused the run, for example
	// ErrTooManyPointsToRun, or reported a mapper error.
	Error string
}

// PointsResult is the collected output of point discovery.
type PointsResult struct {
	Points []protocol.PointDescription
	Error  string
}

// BatchResult is the output of RunBatched.
type BatchResult struct {
	Entries []protocol.AnalysisEntry
	Points  []protocol.PointDescription
	// Batches is the number of chunks run.
	Batches int
	// Partial is set when discovery stopped at maxPoints or the server could
	// not enumerate every point; only the discovered points were run.
	Partial bool
	Error   string
}

// Analysis is a reusable analysis definition bound to a Manager.
type Analysis struct {
	m      *Manager
	params Params
}

// New binds params to the manager.
func (m *Manager) New(params Params) *Analysis {
	return &Analysis{m: m, params: params}
}

// collector gathers concurrent callbacks.
type collector struct {
	mu      sync.Mutex
	entries []protocol.AnalysisEntry
	points  []protocol.PointDescription
	err     string
}

func (c *collector) handler(results, points bool) Handler {
	h := Handler{
		OnError: func(msg string) {
			c.mu.Lock()
			if c.err == "" {
				c.err = msg
			}
			c.mu.Unlock()
		},
	}
	if results {
		h.OnResult = func(entries []protocol.AnalysisEntry) {
			c.mu.Lock()
			c.entries = append(c.entries, entries...)
			c.mu.Unlock()
		}
	}
	if points {
		h.OnPoints = func(pts []protocol.PointDescription) {
			c.mu.Lock()
			c.points = append(c.points, pts...)
			c.mu.Unlock()
		}
	}
	return h
}

// Run runs the mapper over every selected point.
func (a *Analysis) Run(ctx context.Context) (*Result, error) {
	var c collector
	if err := a.m.RunAnalysis(ctx, a.params, c.handler(true, false)); err != nil {
		return nil, err
	}
	return &Result{Entries: c.entries, Error: c.err}, nil
}

// FindPoints discovers the selected points without running the mapper.
func (a *Analysis) FindPoints(ctx context.Context) (*PointsResult, error) {
	var c collector
	if err := a.m.FindPoints(ctx, a.params, c.handler(false, true)); err != nil {
		return nil, err
	}
	sortPoints(c.points)
	return &PointsResult{Points: c.points, Error: c.err}, nil
}

// RunBatched discovers up to maxPoints points, then runs the mapper over them
// in chunks of the manager's batch size. Each chunk is an effectful analysis
// scoped to exactly its points; the entries of every chunk are returned
// together.
func (a *Analysis) RunBatched(ctx context.Context, maxPoints int) (*BatchResult, error) {
	found, err := a.FindPoints(ctx)
	if err != nil {
		return nil, err
	}

	out := &BatchResult{Points: found.Points}
	if found.Error != "" {
		out.Partial = true
		out.Error = found.Error
		a.m.logger.Warn().Str("error", found.Error).Int("points", len(found.Points)).Msg("point discovery incomplete")
	}
	if maxPoints > 0 && len(out.Points) > maxPoints {
		out.Points = out.Points[:maxPoints]
		out.Partial = true
	}

	for _, chunk := range chunks(out.Points, a.m.batchSize) {
		points := make([]protocol.ExecutionPoint, len(chunk))
		for i, p := range chunk {
			points[i] = p.Point
		}
		batch := a.m.New(Params{
			Mapper:    a.params.Mapper,
			Reducer:   a.params.Reducer,
			Effectful: true,
			Points:    points,
		})
		res, err := batch.Run(ctx)
		if err != nil {
			return nil, err
		}
		out.Batches++
		out.Entries = append(out.Entries, res.Entries...)
		if res.Error != "" {
			out.Error = res.Error
			break
		}
	}
	return out, nil
}

func chunks[T any](items []T, size int) [][]T {
	var out [][]T
	for len(items) > 0 {
		n := min(size, len(items))
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}

func sortPoints(points []protocol.PointDescription) {
	slices.SortFunc(points, func(a, b protocol.PointDescription) int {
		return protocol.ComparePoints(a.Point, b.Point)
	})
}
