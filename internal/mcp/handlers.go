package mcp

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/replayio/devtools-sub013/internal/analysis"
	"github.com/replayio/devtools-sub013/internal/errors"
	"github.com/replayio/devtools-sub013/internal/pause"
	"github.com/replayio/devtools-sub013/internal/protocol"
	"github.com/replayio/devtools-sub013/internal/session"
	"github.com/replayio/devtools-sub013/pkg/types"
)

// Session Management Handlers

func (s *Server) handleReplayConnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	recordingID, err := request.RequireString("recordingId")
	if err != nil {
		return mcp.NewToolResultError(errors.MissingParameter("recordingId",
			"Provide the id of the recording to open.").Error()), nil
	}

	sess, err := s.sessions.Connect(ctx, recordingID)
	if err != nil {
		return toolError(err), nil
	}

	// Paints are pushed ahead of the reply; a failure only costs paint lookups.
	if err := sess.FindPaints(ctx); err != nil {
		s.logger.Warn().Err(err).Str("session", sess.ID).Msg("failed to enumerate paints")
	}

	return jsonResult(sess.Info())
}

func (s *Server) handleReplayDisconnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("sessionId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.sessions.Terminate(sessionID); err != nil {
		return toolError(err), nil
	}

	return jsonResult(map[string]interface{}{
		"success":   true,
		"sessionId": sessionID,
	})
}

func (s *Server) handleReplayListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions := s.sessions.List()

	result := make([]types.SessionInfo, len(sessions))
	for i, sess := range sessions {
		result[i] = sess.Info()
	}

	return jsonResult(map[string]interface{}{
		"sessions": result,
	})
}

// Navigation and Inspection Handlers

func (s *Server) handleReplaySeek(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.getSession(request)
	if err != nil {
		return toolError(err), nil
	}

	point, err := request.RequireString("point")
	if err != nil {
		return mcp.NewToolResultError(errors.MissingParameter("point",
			"Provide an execution point from replay_analysis or replay_frame_steps.").Error()), nil
	}
	time := request.GetFloat("time", 0)

	p, err := sess.Seek(ctx, protocol.ExecutionPoint(point), time)
	if err != nil {
		return toolError(err), nil
	}

	result := map[string]interface{}{
		"position": types.PositionInfo{Point: string(p.Point()), Time: p.Time(), PauseID: string(p.ID())},
	}
	if paint, ok := sess.Thread().MostRecentPaint(time); ok {
		result["lastPaint"] = types.PaintInfo{Point: string(paint.Point)}
	}

	if request.GetBool("repaint", false) {
		shot, err := sess.Thread().RepaintCurrent(ctx, false)
		if err != nil {
			return toolError(err), nil
		}
		if shot != nil {
			result["repaint"] = types.PaintInfo{Point: point, MimeType: shot.MimeType, Hash: shot.Hash}
		}
	}

	return jsonResult(result)
}

func (s *Server) handleReplayFrames(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.getSession(request)
	if err != nil {
		return toolError(err), nil
	}

	p, err := sess.Thread().CurrentPause(ctx)
	if err != nil {
		return toolError(err), nil
	}

	frames, err := p.Frames(ctx)
	if err != nil {
		return toolError(err), nil
	}
	if err := checkCurrent(sess, p); err != nil {
		return toolError(err), nil
	}

	result := make([]types.FrameInfo, 0, len(frames))
	for _, f := range frames {
		info, err := renderFrame(f)
		if err != nil {
			return toolError(err), nil
		}
		result = append(result, info)
	}

	return jsonResult(map[string]interface{}{
		"pauseId": string(p.ID()),
		"point":   string(p.Point()),
		"frames":  result,
	})
}

func (s *Server) handleReplayScopes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.getSession(request)
	if err != nil {
		return toolError(err), nil
	}

	frameID, err := request.RequireString("frameId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	p, err := sess.Thread().CurrentPause(ctx)
	if err != nil {
		return toolError(err), nil
	}

	if request.GetBool("generated", false) {
		frame, err := p.Frame(ctx, protocol.FrameID(frameID))
		if err != nil {
			return toolError(err), nil
		}
		raw, err := frame.Raw()
		if err != nil {
			return toolError(err), nil
		}
		for _, loc := range raw.Location {
			sess.Thread().PreferGeneratedSource(loc.SourceID, true)
		}
	}

	chain, err := p.Scopes(ctx, protocol.FrameID(frameID))
	if err != nil {
		return toolError(err), nil
	}
	if err := checkCurrent(sess, p); err != nil {
		return toolError(err), nil
	}

	result, err := renderScopes(protocol.FrameID(frameID), chain)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(result)
}

func (s *Server) handleReplayObject(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.getSession(request)
	if err != nil {
		return toolError(err), nil
	}

	objectID, err := request.RequireString("objectId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	p, err := sess.Thread().CurrentPause(ctx)
	if err != nil {
		return toolError(err), nil
	}

	if property := request.GetString("property", ""); property != "" {
		ev, err := p.ObjectProperty(ctx, protocol.ObjectID(objectID), property)
		if err != nil {
			return toolError(err), nil
		}
		if err := checkCurrent(sess, p); err != nil {
			return toolError(err), nil
		}
		result, err := renderEvaluation(ev)
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(result)
	}

	obj, err := p.ObjectPreview(ctx, protocol.ObjectID(objectID))
	if err != nil {
		return toolError(err), nil
	}
	if err := checkCurrent(sess, p); err != nil {
		return toolError(err), nil
	}

	result, err := renderObject(obj)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(result)
}

func (s *Server) handleReplayEvaluate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.config.CanEvaluate() {
		return toolError(errors.PermissionDenied("evaluate", string(s.config.Mode))), nil
	}

	sess, err := s.getSession(request)
	if err != nil {
		return toolError(err), nil
	}

	expression, err := request.RequireString("expression")
	if err != nil {
		return mcp.NewToolResultError(errors.MissingParameter("expression",
			"Provide the expression to evaluate.").Error()), nil
	}

	p, err := sess.Thread().CurrentPause(ctx)
	if err != nil {
		return toolError(err), nil
	}

	var ev *pause.Evaluation
	if frameID := request.GetString("frameId", ""); frameID != "" {
		ev, err = p.EvaluateInFrame(ctx, protocol.FrameID(frameID), expression, request.GetBool("useOriginalScopes", true))
	} else {
		ev, err = p.EvaluateInGlobal(ctx, expression)
	}
	if err != nil {
		return toolError(err), nil
	}
	if err := checkCurrent(sess, p); err != nil {
		return toolError(err), nil
	}

	result, err := renderEvaluation(ev)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(result)
}

func (s *Server) handleReplayFrameSteps(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.getSession(request)
	if err != nil {
		return toolError(err), nil
	}

	frameID, err := request.RequireString("frameId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	p, err := sess.Thread().CurrentPause(ctx)
	if err != nil {
		return toolError(err), nil
	}

	steps, err := p.FrameSteps(ctx, protocol.FrameID(frameID))
	if err != nil {
		return toolError(err), nil
	}
	if err := checkCurrent(sess, p); err != nil {
		return toolError(err), nil
	}

	return jsonResult(map[string]interface{}{
		"frameId": frameID,
		"steps":   renderPoints(steps),
	})
}

// Source and Analysis Handlers

func (s *Server) handleReplayMappedLocation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.getSession(request)
	if err != nil {
		return toolError(err), nil
	}

	sourceID, err := request.RequireString("sourceId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	line, err := request.RequireFloat("line")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	loc := protocol.Location{
		SourceID: protocol.SourceID(sourceID),
		Line:     int(line),
		Column:   int(request.GetFloat("column", 0)),
	}

	mapped, err := sess.MappedLocation(ctx, loc)
	if err != nil {
		return toolError(err), nil
	}

	result := map[string]interface{}{
		"location":       renderLocations(protocol.MappedLocation{loc})[0],
		"mappedLocation": renderLocations(mapped),
	}

	if request.GetBool("includeScopeMap", false) {
		scopeMap, err := sess.ScopeMap(ctx, loc)
		if err != nil {
			return toolError(err), nil
		}
		names := make(map[string]string, len(scopeMap))
		for _, m := range scopeMap {
			names[m.Name] = m.Expression
		}
		result["scopeMap"] = names
	}

	return jsonResult(result)
}

func (s *Server) handleReplayPossibleBreakpoints(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.getSession(request)
	if err != nil {
		return toolError(err), nil
	}

	sourceID, err := request.RequireString("sourceId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	beginLine := request.GetInt("beginLine", 0)
	endLine := request.GetInt("endLine", 0)

	lines, err := sess.PossibleBreakpoints(ctx, protocol.SourceID(sourceID), nil, nil)
	if err != nil {
		return toolError(err), nil
	}

	result := make([]types.BreakpointLine, 0, len(lines))
	for _, l := range lines {
		if (beginLine > 0 && l.Line < beginLine) || (endLine > 0 && l.Line > endLine) {
			continue
		}
		result = append(result, types.BreakpointLine{Line: l.Line, Columns: l.Columns})
	}

	return jsonResult(map[string]interface{}{
		"sourceId": sourceID,
		"lines":    result,
	})
}

func (s *Server) handleReplayAnalysis(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.getSession(request)
	if err != nil {
		return toolError(err), nil
	}

	params, err := analysisParams(request)
	if err != nil {
		return toolError(err), nil
	}

	action := request.GetString("action", "run")
	if (params.Effectful || action == "batched") && !s.config.CanRunEffectful() {
		return toolError(errors.PermissionDenied("effectful", string(s.config.Mode))), nil
	}

	a := sess.Analysis().New(params)
	var result types.AnalysisResult

	switch action {
	case "run":
		res, err := a.Run(ctx)
		if err != nil {
			return toolError(err), nil
		}
		result.Entries = renderEntries(res.Entries)
		result.Error = res.Error

	case "points":
		res, err := a.FindPoints(ctx)
		if err != nil {
			return toolError(err), nil
		}
		result.Points = renderPoints(res.Points)
		result.Error = res.Error

	case "batched":
		res, err := a.RunBatched(ctx, s.config.Analysis.MaxPoints)
		if err != nil {
			return toolError(err), nil
		}
		result.Entries = renderEntries(res.Entries)
		result.Points = renderPoints(res.Points)
		result.Batches = res.Batches
		result.Partial = res.Partial
		result.Error = res.Error

	default:
		return toolError(errors.InvalidParameter("action", action, "'run', 'points' or 'batched'")), nil
	}

	return jsonResult(result)
}

// analysisParams reads the analysis definition and its selectors.
func analysisParams(request mcp.CallToolRequest) (analysis.Params, error) {
	mapper, err := request.RequireString("mapper")
	if err != nil {
		return analysis.Params{}, errors.MissingParameter("mapper", "Provide the mapper function body.")
	}

	params := analysis.Params{
		Mapper:          mapper,
		Reducer:         request.GetString("reducer", ""),
		Effectful:       request.GetBool("effectful", false),
		ExceptionPoints: request.GetBool("exceptions", false),
		RandomPoints:    request.GetInt("randomPoints", 0),
	}

	if raw := request.GetString("locations", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params.Locations); err != nil {
			return params, errors.InvalidParameter("locations", raw,
				`a JSON array like [{"sourceId": "1", "line": 10, "column": 4}]`)
		}
	}
	for _, id := range splitList(request.GetString("functionEntryPoints", "")) {
		params.FunctionEntryPoints = append(params.FunctionEntryPoints, protocol.SourceID(id))
	}
	params.EventHandlerEntryPoints = splitList(request.GetString("eventTypes", ""))
	for _, p := range splitList(request.GetString("points", "")) {
		point := protocol.ExecutionPoint(p)
		if err := point.Validate(); err != nil {
			return params, errors.InvalidParameter("points", p, "decimal execution points")
		}
		params.Points = append(params.Points, point)
	}
	return params, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Helper functions

func (s *Server) getSession(request mcp.CallToolRequest) (*session.Session, error) {
	sessionID, err := request.RequireString("sessionId")
	if err != nil {
		return nil, errors.MissingParameter("sessionId", "Use replay_connect to open a session, or replay_list_sessions to find one.")
	}
	return s.sessions.Get(sessionID)
}

// checkCurrent fails when the cursor has left the pause a result was read
// from while the read was in flight.
func checkCurrent(sess *session.Session, p *pause.Pause) error {
	if sess.Thread().IsCurrent(p.Point()) {
		return nil
	}
	return errors.PositionChanged(string(p.Point()), string(sess.Thread().Position().Point))
}
