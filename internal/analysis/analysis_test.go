package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replayio/devtools-sub013/internal/errors"
	"github.com/replayio/devtools-sub013/internal/protocol"
	"github.com/replayio/devtools-sub013/internal/protocol/protocoltest"
	"github.com/replayio/devtools-sub013/internal/transport"
)

// fakeListener stands in for the transport's listener registry.
type fakeListener struct {
	mu       sync.Mutex
	handlers map[string]transport.EventHandler
}

func (l *fakeListener) AddEventListener(method string, h transport.EventHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handlers == nil {
		l.handlers = make(map[string]transport.EventHandler)
	}
	if _, ok := l.handlers[method]; ok {
		return errors.Violation("duplicate event listener for %s", method)
	}
	l.handlers[method] = h
	return nil
}

func (l *fakeListener) emit(method string, params any) {
	l.mu.Lock()
	h := l.handlers[method]
	l.mu.Unlock()
	data, _ := json.Marshal(params)
	h(data)
}

// fakeServer runs analyses the way the recording server does: results and
// points are pushed as notifications before the run/find reply.
type fakeServer struct {
	*protocoltest.Sender
	listener *fakeListener

	mu       sync.Mutex
	next     int
	points   map[protocol.AnalysisID][]protocol.ExecutionPoint
	discover []protocol.ExecutionPoint
}

func newFakeServer(discover int) *fakeServer {
	s := &fakeServer{
		Sender:   protocoltest.NewSender(),
		listener: &fakeListener{},
		points:   make(map[protocol.AnalysisID][]protocol.ExecutionPoint),
	}
	for i := 0; i < discover; i++ {
		s.discover = append(s.discover, protocol.ExecutionPoint(fmt.Sprint(1000+i*7)))
	}

	s.Handle(protocol.MethodCreateAnalysis, func(ctx context.Context, cmd protocol.Command) (any, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.next++
		return protocol.CreateAnalysisResult{AnalysisID: protocol.AnalysisID(fmt.Sprintf("a%d", s.next))}, nil
	})
	s.Handle(protocol.MethodAddRandomPoints, func(ctx context.Context, cmd protocol.Command) (any, error) {
		p := cmd.Params.(protocol.AddRandomPointsParams)
		s.mu.Lock()
		s.points[p.AnalysisID] = append(s.points[p.AnalysisID], s.discover...)
		s.mu.Unlock()
		return nil, nil
	})
	s.Handle(protocol.MethodAddPoints, func(ctx context.Context, cmd protocol.Command) (any, error) {
		p := cmd.Params.(protocol.AddPointsParams)
		s.mu.Lock()
		s.points[p.AnalysisID] = append(s.points[p.AnalysisID], p.Points...)
		s.mu.Unlock()
		return nil, nil
	})
	s.Handle(protocol.MethodRunAnalysis, func(ctx context.Context, cmd protocol.Command) (any, error) {
		id := cmd.Params.(protocol.AnalysisParams).AnalysisID
		var entries []protocol.AnalysisEntry
		for _, p := range s.selected(id) {
			entries = append(entries, protocol.AnalysisEntry{
				Key:   json.RawMessage(`"` + string(p) + `"`),
				Value: json.RawMessage(`1`),
			})
		}
		s.listener.emit(protocol.EventAnalysisResult, protocol.AnalysisResultEvent{AnalysisID: id, Results: entries})
		return nil, nil
	})
	s.Handle(protocol.MethodFindAnalysisPoints, func(ctx context.Context, cmd protocol.Command) (any, error) {
		id := cmd.Params.(protocol.AnalysisParams).AnalysisID
		var pts []protocol.PointDescription
		for i, p := range s.selected(id) {
			pts = append(pts, protocol.PointDescription{Point: p, Time: float64(i)})
		}
		// delivered in two notifications, the second one first
		half := len(pts) / 2
		s.listener.emit(protocol.EventAnalysisPoints, protocol.AnalysisPointsEvent{AnalysisID: id, Points: pts[half:]})
		s.listener.emit(protocol.EventAnalysisPoints, protocol.AnalysisPointsEvent{AnalysisID: id, Points: pts[:half]})
		return nil, nil
	})
	s.Reply(protocol.MethodReleaseAnalysis, struct{}{})
	return s
}

func (s *fakeServer) selected(id protocol.AnalysisID) []protocol.ExecutionPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.ExecutionPoint(nil), s.points[id]...)
}

func newManager(t *testing.T, s *fakeServer, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(s, opts...)
	require.NoError(t, m.Init(s.listener, "session-1"))
	return m
}

var sample = Params{Mapper: "return [{key: point, value: 1}]", RandomPoints: 500}

// TestRunBatched_450Points verifies chunking into 200, 200 and 50 and that the
// combined entries equal one unbounded run.
func TestRunBatched_450Points(t *testing.T) {
	s := newFakeServer(450)
	m := newManager(t, s)

	res, err := m.New(sample).RunBatched(context.Background(), 1000)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Batches)
	assert.False(t, res.Partial)
	assert.Len(t, res.Points, 450)

	var sizes []int
	for _, c := range s.Calls(protocol.MethodAddPoints) {
		sizes = append(sizes, len(c.Params.(protocol.AddPointsParams).Points))
	}
	assert.Equal(t, []int{200, 200, 50}, sizes)

	creates := s.Calls(protocol.MethodCreateAnalysis)
	require.Len(t, creates, 4)
	assert.False(t, creates[0].Params.(protocol.CreateAnalysisParams).Effectful)
	for _, c := range creates[1:] {
		assert.True(t, c.Params.(protocol.CreateAnalysisParams).Effectful)
	}
	assert.Equal(t, 4, s.Count(protocol.MethodReleaseAnalysis))

	all := make([]protocol.ExecutionPoint, len(res.Points))
	for i, p := range res.Points {
		all[i] = p.Point
	}
	unbounded, err := m.New(Params{Mapper: sample.Mapper, Effectful: true, Points: all}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, unbounded.Entries, res.Entries)
	assert.Equal(t, 0, m.Live())
}

func TestRunBatched_BoundedDiscovery(t *testing.T) {
	s := newFakeServer(450)
	m := newManager(t, s, WithBatchSize(100))

	res, err := m.New(sample).RunBatched(context.Background(), 250)
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Empty(t, res.Error)
	assert.Equal(t, 3, res.Batches)
	assert.Len(t, res.Entries, 250)
}

func TestRunBatched_TooManyPointsToFind(t *testing.T) {
	s := newFakeServer(10)
	s.Fail(protocol.MethodFindAnalysisPoints, protocol.CodeTooManyPoints, "too many points")
	m := newManager(t, s)

	res, err := m.New(sample).RunBatched(context.Background(), 100)
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Equal(t, ErrTooManyPointsToFind, res.Error)
	assert.Equal(t, 0, res.Batches)
}

func TestFindPoints_SortedAcrossNotifications(t *testing.T) {
	s := newFakeServer(5)
	m := newManager(t, s)

	res, err := m.New(sample).FindPoints(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Points, 5)
	for i := 1; i < len(res.Points); i++ {
		assert.True(t, protocol.PointLess(res.Points[i-1].Point, res.Points[i].Point))
	}
	assert.Equal(t, 0, s.Count(protocol.MethodRunAnalysis))
}

// TestRelease_ExactlyOnceWhenRunRejects checks the handler is gone before the
// release is sent and that the release is sent once.
func TestRelease_ExactlyOnceWhenRunRejects(t *testing.T) {
	s := newFakeServer(3)
	s.Fail(protocol.MethodRunAnalysis, protocol.CodeInternalError, "mapper threw")
	m := newManager(t, s)

	liveAtRelease := -1
	s.Handle(protocol.MethodReleaseAnalysis, func(ctx context.Context, cmd protocol.Command) (any, error) {
		liveAtRelease = m.Live()
		return nil, nil
	})

	finished := false
	err := m.RunAnalysis(context.Background(), sample, Handler{
		OnResult:   func([]protocol.AnalysisEntry) {},
		OnFinished: func() { finished = true },
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeAnalysisFailed))
	assert.True(t, protocol.IsCommandError(err, protocol.CodeInternalError))
	assert.False(t, finished)

	releases := s.Calls(protocol.MethodReleaseAnalysis)
	require.Len(t, releases, 1)
	assert.Equal(t, protocol.AnalysisID("a1"), releases[0].Params.(protocol.AnalysisParams).AnalysisID)
	assert.Equal(t, 0, liveAtRelease)
}

func TestRelease_AfterCancelledContext(t *testing.T) {
	s := newFakeServer(3)
	ctx, cancel := context.WithCancel(context.Background())
	s.Handle(protocol.MethodRunAnalysis, func(context.Context, protocol.Command) (any, error) {
		cancel()
		return nil, context.Canceled
	})
	var releaseCtxErr error
	s.Handle(protocol.MethodReleaseAnalysis, func(ctx context.Context, cmd protocol.Command) (any, error) {
		releaseCtxErr = ctx.Err()
		return nil, nil
	})
	m := newManager(t, s)

	_, err := m.New(sample).Run(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, s.Count(protocol.MethodReleaseAnalysis))
	assert.NoError(t, releaseCtxErr)
}

func TestRun_TooManyPointsIsAResultField(t *testing.T) {
	s := newFakeServer(3)
	s.Fail(protocol.MethodRunAnalysis, protocol.CodeTooManyPoints, "too many points")
	m := newManager(t, s)

	res, err := m.New(sample).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ErrTooManyPointsToRun, res.Error)
	assert.Empty(t, res.Entries)
	assert.Equal(t, 1, s.Count(protocol.MethodReleaseAnalysis))
}

func TestRun_AnalysisErrorNotification(t *testing.T) {
	s := newFakeServer(3)
	s.Handle(protocol.MethodRunAnalysis, func(ctx context.Context, cmd protocol.Command) (any, error) {
		id := cmd.Params.(protocol.AnalysisParams).AnalysisID
		s.listener.emit(protocol.EventAnalysisError, protocol.AnalysisErrorEvent{AnalysisID: id, Error: "TypeError: x is undefined"})
		return nil, nil
	})
	m := newManager(t, s)

	res, err := m.New(sample).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "TypeError: x is undefined", res.Error)
}

func TestRunAnalysis_RequiresCallbacks(t *testing.T) {
	s := newFakeServer(3)
	m := newManager(t, s)

	err := m.RunAnalysis(context.Background(), sample, Handler{OnError: func(string) {}})
	assert.True(t, errors.HasCode(err, errors.CodeInvalidParameter))

	err = m.FindPoints(context.Background(), sample, Handler{OnResult: func([]protocol.AnalysisEntry) {}})
	assert.True(t, errors.HasCode(err, errors.CodeInvalidParameter))

	err = m.RunAnalysis(context.Background(), Params{Mapper: "m"}, Handler{OnResult: func([]protocol.AnalysisEntry) {}})
	assert.True(t, errors.HasCode(err, errors.CodeMissingParameter))

	assert.Empty(t, s.Methods())
}

func TestRunAnalysis_Selectors(t *testing.T) {
	s := newFakeServer(0)
	s.Reply(protocol.MethodAddLocation, nil)
	s.Reply(protocol.MethodAddFunctionEntryPoints, nil)
	s.Reply(protocol.MethodAddEventHandlerEntryPoints, nil)
	s.Reply(protocol.MethodAddExceptionPoints, nil)
	m := newManager(t, s)

	err := m.RunAnalysis(context.Background(), Params{
		Mapper:                  "m",
		Reducer:                 "r",
		Locations:               []protocol.Location{{SourceID: "1", Line: 2}},
		FunctionEntryPoints:     []protocol.SourceID{"1"},
		EventHandlerEntryPoints: []string{"click"},
		ExceptionPoints:         true,
		Points:                  []protocol.ExecutionPoint{"5"},
	}, Handler{OnResult: func([]protocol.AnalysisEntry) {}, OnPoints: func([]protocol.PointDescription) {}})
	require.NoError(t, err)

	methods := s.Methods()
	require.Len(t, methods, 9)
	assert.Equal(t, []string{
		protocol.MethodCreateAnalysis,
		protocol.MethodAddLocation,
		protocol.MethodAddFunctionEntryPoints,
		protocol.MethodAddEventHandlerEntryPoints,
		protocol.MethodAddExceptionPoints,
		protocol.MethodAddPoints,
	}, methods[:6])
	assert.ElementsMatch(t, []string{protocol.MethodRunAnalysis, protocol.MethodFindAnalysisPoints}, methods[6:8])
	assert.Equal(t, protocol.MethodReleaseAnalysis, methods[8])

	loc := s.Calls(protocol.MethodAddLocation)[0].Params.(protocol.AddLocationParams)
	assert.Equal(t, protocol.SessionID("session-1"), loc.SessionID)
	assert.Equal(t, "r", s.Calls(protocol.MethodCreateAnalysis)[0].Params.(protocol.CreateAnalysisParams).Reducer)
}

func TestNotificationWithoutHandlerAsserts(t *testing.T) {
	s := newFakeServer(0)
	var violations []*errors.DebugError
	m := newManager(t, s, WithAssert(func(err *errors.DebugError) { violations = append(violations, err) }))

	s.listener.emit(protocol.EventAnalysisResult, protocol.AnalysisResultEvent{AnalysisID: "ghost"})
	require.Len(t, violations, 1)
	assert.Equal(t, "ghost", violations[0].Details["analysisId"])
	assert.Equal(t, 0, m.Live())

	assert.Panics(t, func() {
		strict := NewManager(s)
		listener := &fakeListener{}
		require.NoError(t, strict.Init(listener, "session-1"))
		listener.emit(protocol.EventAnalysisPoints, protocol.AnalysisPointsEvent{AnalysisID: "ghost"})
	})
}

func TestInitTwiceFails(t *testing.T) {
	s := newFakeServer(0)
	m := newManager(t, s)
	err := m.Init(s.listener, "session-1")
	assert.True(t, errors.HasCode(err, errors.CodeInvariantViolation))
}

func TestChunks(t *testing.T) {
	assert.Nil(t, chunks([]int{}, 3))
	assert.Equal(t, [][]int{{1, 2}, {3}}, chunks([]int{1, 2, 3}, 2))
}
