package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replayio/devtools-sub013/internal/config"
	"github.com/replayio/devtools-sub013/internal/errors"
	"github.com/replayio/devtools-sub013/internal/protocol"
	"github.com/replayio/devtools-sub013/internal/protocol/protocoltest"
	"github.com/replayio/devtools-sub013/internal/session"
	"github.com/replayio/devtools-sub013/internal/transport"
	"github.com/replayio/devtools-sub013/pkg/types"
)

// recordingServer scripts a recording with one paused frame.
func recordingServer() *protocoltest.Server {
	srv := protocoltest.NewServer()
	srv.Reply(protocol.MethodCreateSession, protocol.CreateSessionResult{SessionID: "srv-1"})
	srv.Handle(protocol.MethodFindPaints, func(protocoltest.Call) (any, error) {
		srv.Notify(protocol.EventPaintPoints, protocol.PaintPointsEvent{Paints: []protocol.TimeStampedPoint{
			{Point: "10", Time: 1},
			{Point: "90", Time: 9},
		}})
		return nil, nil
	})
	srv.Reply(protocol.MethodCreatePause, protocol.CreatePauseResult{PauseID: "pause-1"})
	srv.Reply(protocol.MethodGetAllFrames, protocol.GetAllFramesResult{
		Frames: []protocol.FrameID{"f1"},
		Data: protocol.PauseData{
			Frames: []protocol.Frame{{
				FrameID:            "f1",
				Type:               "call",
				FunctionName:       "render",
				Location:           protocol.MappedLocation{{SourceID: "gen", Line: 120, Column: 4}, {SourceID: "orig", Line: 14}},
				ScopeChain:         []protocol.ScopeID{"s-gen"},
				OriginalScopeChain: []protocol.ScopeID{"s-orig"},
			}},
			Objects: []protocol.Object{{ObjectID: "o1", ClassName: "Widget"}},
		},
	})
	srv.Handle(protocol.MethodGetScope, func(call protocoltest.Call) (any, error) {
		var params protocol.GetScopeParams
		if err := call.Decode(&params); err != nil {
			return nil, err
		}
		scope := protocol.Scope{ScopeID: params.Scope, Type: "function", Bindings: []protocol.NamedValue{
			{Name: "count", Value: protocol.Value{Value: json.RawMessage(`3`)}},
			{Name: "widget", Value: protocol.Value{Object: "o1"}},
		}}
		return protocol.PauseDataResult{Data: protocol.PauseData{Scopes: []protocol.Scope{scope}}}, nil
	})
	srv.Reply(protocol.MethodEvaluateInFrame, protocol.PauseDescriptionResult{
		Result: protocol.PauseDescription{Returned: &protocol.Value{Value: json.RawMessage(`"hello"`)}},
	})
	return srv
}

func newTestServer(t *testing.T, mode config.CapabilityMode, srv *protocoltest.Server) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Mode = mode
	cfg.Analysis.BatchSize = 2

	dial := func(context.Context) (transport.Conn, error) { return srv, nil }
	sessions := session.NewManager(dial, cfg.MaxSessions, cfg.SessionTimeout, session.Options{
		Logger:         zerolog.Nop(),
		Assert:         errors.LogViolation(zerolog.Nop()),
		RequestTimeout: 5 * time.Second,
		BatchSize:      cfg.Analysis.BatchSize,
	})
	s := NewServer(cfg, sessions, zerolog.Nop())
	t.Cleanup(s.Close)
	return s
}

func toolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	return text.Text
}

func decodeResult(t *testing.T, res *mcp.CallToolResult, v interface{}) {
	t.Helper()
	require.False(t, res.IsError, resultText(t, res))
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), v))
}

func connect(t *testing.T, s *Server) string {
	t.Helper()
	res, err := s.handleReplayConnect(context.Background(), toolRequest("replay_connect", map[string]interface{}{
		"recordingId": "rec-1",
	}))
	require.NoError(t, err)
	var info types.SessionInfo
	decodeResult(t, res, &info)
	assert.Equal(t, types.SessionStatusReady, info.Status)
	assert.Equal(t, "srv-1", info.ServerSessionID)
	return info.SessionID
}

func seek(t *testing.T, s *Server, sessionID, point string) {
	t.Helper()
	res, err := s.handleReplaySeek(context.Background(), toolRequest("replay_seek", map[string]interface{}{
		"sessionId": sessionID,
		"point":     point,
		"time":      5.0,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
}

func TestRegisterTools_ModeControlsEvaluate(t *testing.T) {
	readonly := newTestServer(t, config.ModeReadOnly, recordingServer())
	tools := readonly.MCPServer().ListTools()
	assert.Len(t, tools, 11)
	assert.NotContains(t, tools, "replay_evaluate")
	assert.Contains(t, tools, "replay_analysis")

	full := newTestServer(t, config.ModeFull, recordingServer())
	tools = full.MCPServer().ListTools()
	assert.Len(t, tools, 12)
	assert.Contains(t, tools, "replay_evaluate")
}

func TestSeekFramesScopes(t *testing.T) {
	srv := recordingServer()
	s := newTestServer(t, config.ModeReadOnly, srv)
	id := connect(t, s)

	res, err := s.handleReplaySeek(context.Background(), toolRequest("replay_seek", map[string]interface{}{
		"sessionId": id,
		"point":     "50",
		"time":      5.0,
	}))
	require.NoError(t, err)
	var seekResult struct {
		Position  types.PositionInfo `json:"position"`
		LastPaint *types.PaintInfo   `json:"lastPaint"`
	}
	decodeResult(t, res, &seekResult)
	assert.Equal(t, "pause-1", seekResult.Position.PauseID)
	require.NotNil(t, seekResult.LastPaint)
	assert.Equal(t, "10", seekResult.LastPaint.Point)

	res, err = s.handleReplayFrames(context.Background(), toolRequest("replay_frames", map[string]interface{}{
		"sessionId": id,
	}))
	require.NoError(t, err)
	var frames struct {
		Frames []types.FrameInfo `json:"frames"`
	}
	decodeResult(t, res, &frames)
	require.Len(t, frames.Frames, 1)
	assert.Equal(t, "render", frames.Frames[0].FunctionName)
	assert.True(t, frames.Frames[0].HasOriginal)

	res, err = s.handleReplayScopes(context.Background(), toolRequest("replay_scopes", map[string]interface{}{
		"sessionId": id,
		"frameId":   "f1",
	}))
	require.NoError(t, err)
	var scopes types.ScopesResult
	decodeResult(t, res, &scopes)
	assert.True(t, scopes.Original)
	require.Len(t, scopes.Scopes, 1)
	assert.Equal(t, "s-orig", scopes.Scopes[0].ScopeID)
	vars := scopes.Scopes[0].Variables
	require.Len(t, vars, 2)
	assert.JSONEq(t, `3`, string(vars[0].Value))
	assert.Equal(t, "o1", vars[1].ObjectID)
	assert.Equal(t, "Widget", vars[1].ClassName)

	res, err = s.handleReplayScopes(context.Background(), toolRequest("replay_scopes", map[string]interface{}{
		"sessionId": id,
		"frameId":   "f1",
		"generated": true,
	}))
	require.NoError(t, err)
	decodeResult(t, res, &scopes)
	assert.False(t, scopes.Original)
	assert.Equal(t, "s-gen", scopes.Scopes[0].ScopeID)

	assert.Equal(t, 1, srv.Count(protocol.MethodCreatePause))
	assert.Equal(t, 1, srv.Count(protocol.MethodGetAllFrames))
}

func TestFrames_RequiresPosition(t *testing.T) {
	s := newTestServer(t, config.ModeReadOnly, recordingServer())
	id := connect(t, s)

	res, err := s.handleReplayFrames(context.Background(), toolRequest("replay_frames", map[string]interface{}{
		"sessionId": id,
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestUnknownSession(t *testing.T) {
	s := newTestServer(t, config.ModeReadOnly, recordingServer())

	res, err := s.handleReplayFrames(context.Background(), toolRequest("replay_frames", map[string]interface{}{
		"sessionId": "nope",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "session 'nope' not found")
}

func TestEvaluate(t *testing.T) {
	t.Run("full mode", func(t *testing.T) {
		s := newTestServer(t, config.ModeFull, recordingServer())
		id := connect(t, s)
		seek(t, s, id, "50")

		res, err := s.handleReplayEvaluate(context.Background(), toolRequest("replay_evaluate", map[string]interface{}{
			"sessionId":  id,
			"expression": "greeting",
			"frameId":    "f1",
		}))
		require.NoError(t, err)
		var ev types.EvaluateResult
		decodeResult(t, res, &ev)
		require.NotNil(t, ev.Returned)
		assert.JSONEq(t, `"hello"`, string(ev.Returned.Value))
	})

	t.Run("readonly mode", func(t *testing.T) {
		srv := recordingServer()
		s := newTestServer(t, config.ModeReadOnly, srv)
		id := connect(t, s)
		seek(t, s, id, "50")

		res, err := s.handleReplayEvaluate(context.Background(), toolRequest("replay_evaluate", map[string]interface{}{
			"sessionId":  id,
			"expression": "greeting",
		}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Contains(t, resultText(t, res), "evaluate is not allowed")
		assert.Zero(t, srv.Count(protocol.MethodEvaluateInGlobal))
	})
}

// scriptAnalysis answers analysis commands: each run streams one entry per
// added point and each point query streams the added points.
func scriptAnalysis(srv *protocoltest.Server) {
	points := map[protocol.AnalysisID][]protocol.ExecutionPoint{}
	next := 0
	srv.Handle(protocol.MethodCreateAnalysis, func(protocoltest.Call) (any, error) {
		next++
		return protocol.CreateAnalysisResult{AnalysisID: protocol.AnalysisID("a" + string(rune('0'+next)))}, nil
	})
	srv.Handle(protocol.MethodAddPoints, func(call protocoltest.Call) (any, error) {
		var p protocol.AddPointsParams
		if err := call.Decode(&p); err != nil {
			return nil, err
		}
		points[p.AnalysisID] = append(points[p.AnalysisID], p.Points...)
		return nil, nil
	})
	srv.Handle(protocol.MethodRunAnalysis, func(call protocoltest.Call) (any, error) {
		var p protocol.AnalysisParams
		if err := call.Decode(&p); err != nil {
			return nil, err
		}
		var entries []protocol.AnalysisEntry
		for _, pt := range points[p.AnalysisID] {
			entries = append(entries, protocol.AnalysisEntry{
				Key:   json.RawMessage(`"` + string(pt) + `"`),
				Value: json.RawMessage(`1`),
			})
		}
		srv.Notify(protocol.EventAnalysisResult, protocol.AnalysisResultEvent{AnalysisID: p.AnalysisID, Results: entries})
		return nil, nil
	})
	srv.Handle(protocol.MethodFindAnalysisPoints, func(call protocoltest.Call) (any, error) {
		var p protocol.AnalysisParams
		if err := call.Decode(&p); err != nil {
			return nil, err
		}
		var descs []protocol.PointDescription
		for _, pt := range points[p.AnalysisID] {
			descs = append(descs, protocol.PointDescription{Point: pt})
		}
		srv.Notify(protocol.EventAnalysisPoints, protocol.AnalysisPointsEvent{AnalysisID: p.AnalysisID, Points: descs})
		return nil, nil
	})
	srv.Reply(protocol.MethodReleaseAnalysis, nil)
}

func TestAnalysis_Run(t *testing.T) {
	srv := recordingServer()
	scriptAnalysis(srv)
	s := newTestServer(t, config.ModeReadOnly, srv)
	id := connect(t, s)

	res, err := s.handleReplayAnalysis(context.Background(), toolRequest("replay_analysis", map[string]interface{}{
		"sessionId": id,
		"mapper":    "return [{key: point, value: 1}]",
		"points":    "30, 10,20",
	}))
	require.NoError(t, err)
	var result types.AnalysisResult
	decodeResult(t, res, &result)
	require.Len(t, result.Entries, 3)
	assert.JSONEq(t, `"30"`, string(result.Entries[0].Key))
	assert.Equal(t, 1, srv.Count(protocol.MethodReleaseAnalysis))

	res, err = s.handleReplayAnalysis(context.Background(), toolRequest("replay_analysis", map[string]interface{}{
		"sessionId": id,
		"mapper":    "return []",
		"points":    "30,10,20",
		"action":    "points",
	}))
	require.NoError(t, err)
	decodeResult(t, res, &result)
	require.Len(t, result.Points, 3)
	assert.Equal(t, "10", result.Points[0].Point)
	assert.Equal(t, "30", result.Points[2].Point)
}

func TestAnalysis_Batched(t *testing.T) {
	srv := recordingServer()
	scriptAnalysis(srv)
	s := newTestServer(t, config.ModeFull, srv)
	id := connect(t, s)

	res, err := s.handleReplayAnalysis(context.Background(), toolRequest("replay_analysis", map[string]interface{}{
		"sessionId": id,
		"mapper":    "return [{key: point, value: 1}]",
		"points":    "1,2,3,4,5",
		"action":    "batched",
	}))
	require.NoError(t, err)
	var result types.AnalysisResult
	decodeResult(t, res, &result)
	assert.Equal(t, 3, result.Batches)
	assert.Len(t, result.Entries, 5)
	assert.False(t, result.Partial)
}

func TestAnalysis_ReadonlyRefusesEffectful(t *testing.T) {
	srv := recordingServer()
	scriptAnalysis(srv)
	s := newTestServer(t, config.ModeReadOnly, srv)
	id := connect(t, s)

	for _, args := range []map[string]interface{}{
		{"sessionId": id, "mapper": "m", "points": "1", "effectful": true},
		{"sessionId": id, "mapper": "m", "points": "1", "action": "batched"},
	} {
		res, err := s.handleReplayAnalysis(context.Background(), toolRequest("replay_analysis", args))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Contains(t, resultText(t, res), "effectful is not allowed")
	}
	assert.Zero(t, srv.Count(protocol.MethodCreateAnalysis))
}

func TestAnalysis_BadParameters(t *testing.T) {
	srv := recordingServer()
	scriptAnalysis(srv)
	s := newTestServer(t, config.ModeReadOnly, srv)
	id := connect(t, s)

	for name, args := range map[string]map[string]interface{}{
		"no selector":   {"sessionId": id, "mapper": "m"},
		"bad locations": {"sessionId": id, "mapper": "m", "locations": "not json"},
		"bad point":     {"sessionId": id, "mapper": "m", "points": "abc"},
		"bad action":    {"sessionId": id, "mapper": "m", "points": "1", "action": "walk"},
	} {
		t.Run(name, func(t *testing.T) {
			res, err := s.handleReplayAnalysis(context.Background(), toolRequest("replay_analysis", args))
			require.NoError(t, err)
			assert.True(t, res.IsError)
		})
	}
	assert.Zero(t, srv.Count(protocol.MethodCreateAnalysis))
}

func TestMappedLocationAndBreakpoints(t *testing.T) {
	srv := recordingServer()
	srv.Reply(protocol.MethodGetMappedLocation, protocol.GetMappedLocationResult{
		MappedLocation: protocol.MappedLocation{{SourceID: "gen", Line: 120, Column: 4}},
	})
	srv.Reply(protocol.MethodGetScopeMap, protocol.GetScopeMapResult{
		Map: []protocol.VariableMapping{{Name: "count", Expression: "_c"}},
	})
	srv.Reply(protocol.MethodGetPossibleBreakpoint, protocol.GetPossibleBreakpointsResult{
		LineLocations: []protocol.SameLineSourceLocations{
			{Line: 1, Columns: []int{0}},
			{Line: 5, Columns: []int{2, 8}},
			{Line: 9, Columns: []int{0}},
		},
	})
	s := newTestServer(t, config.ModeReadOnly, srv)
	id := connect(t, s)

	res, err := s.handleReplayMappedLocation(context.Background(), toolRequest("replay_mapped_location", map[string]interface{}{
		"sessionId":       id,
		"sourceId":        "orig",
		"line":            14.0,
		"includeScopeMap": true,
	}))
	require.NoError(t, err)
	var mapped struct {
		MappedLocation []types.Location  `json:"mappedLocation"`
		ScopeMap       map[string]string `json:"scopeMap"`
	}
	decodeResult(t, res, &mapped)
	require.Len(t, mapped.MappedLocation, 1)
	assert.Equal(t, "gen", mapped.MappedLocation[0].SourceID)
	assert.Equal(t, "_c", mapped.ScopeMap["count"])

	res, err = s.handleReplayPossibleBreakpoints(context.Background(), toolRequest("replay_possible_breakpoints", map[string]interface{}{
		"sessionId": id,
		"sourceId":  "orig",
		"beginLine": 2.0,
		"endLine":   8.0,
	}))
	require.NoError(t, err)
	var bps struct {
		Lines []types.BreakpointLine `json:"lines"`
	}
	decodeResult(t, res, &bps)
	require.Len(t, bps.Lines, 1)
	assert.Equal(t, []int{2, 8}, bps.Lines[0].Columns)
}

func TestDisconnect(t *testing.T) {
	s := newTestServer(t, config.ModeReadOnly, recordingServer())
	id := connect(t, s)

	res, err := s.handleReplayListSessions(context.Background(), toolRequest("replay_list_sessions", nil))
	require.NoError(t, err)
	var list struct {
		Sessions []types.SessionInfo `json:"sessions"`
	}
	decodeResult(t, res, &list)
	require.Len(t, list.Sessions, 1)

	res, err = s.handleReplayDisconnect(context.Background(), toolRequest("replay_disconnect", map[string]interface{}{
		"sessionId": id,
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	res, err = s.handleReplayListSessions(context.Background(), toolRequest("replay_list_sessions", nil))
	require.NoError(t, err)
	decodeResult(t, res, &list)
	assert.Empty(t, list.Sessions)
}

func TestToolError(t *testing.T) {
	res := toolError(fmt.Errorf("lookup: %w", errors.SessionNotFound("s-1")))
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "s-1")

	res = toolError(&protocol.CommandError{Code: 7, Message: "bad point", Method: protocol.MethodCreatePause})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), protocol.MethodCreatePause+" failed")
	assert.Contains(t, resultText(t, res), "never retried")

	res = toolError(fmt.Errorf("plain failure"))
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "plain failure")
	assert.Contains(t, resultText(t, res), "Hint:")
}
