package mcp

import (
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/replayio/devtools-sub013/internal/errors"
	"github.com/replayio/devtools-sub013/internal/pause"
	"github.com/replayio/devtools-sub013/internal/protocol"
	"github.com/replayio/devtools-sub013/pkg/types"
)

// jsonResult creates a tool result from JSON-serializable data
func jsonResult(data interface{}) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// toolError renders err with its hint. Server command failures that reach
// here unwrapped are given one.
func toolError(err error) *mcp.CallToolResult {
	var de *errors.DebugError
	var ce *protocol.CommandError
	if !stderrors.As(err, &de) && stderrors.As(err, &ce) {
		err = errors.CommandFailed(ce.Method, ce)
	}
	return mcp.NewToolResultError(errors.FromError(err).Error())
}

func renderLocations(locs protocol.MappedLocation) []types.Location {
	out := make([]types.Location, len(locs))
	for i, l := range locs {
		out[i] = types.Location{SourceID: string(l.SourceID), Line: l.Line, Column: l.Column}
	}
	return out
}

func renderValue(name string, h *pause.ValueHandle) (types.Variable, error) {
	v := types.Variable{Name: name}
	if h.IsObject() {
		raw, err := h.Raw()
		if err != nil {
			return v, err
		}
		v.ObjectID = string(raw.Object)
		if obj := h.Peek(); obj != nil {
			v.ClassName, _ = obj.ClassName()
		}
		return v, nil
	}
	prim, err := h.Primitive()
	if err != nil {
		return v, err
	}
	v.Value = prim
	return v, nil
}

func renderBindings(bindings []pause.Binding) ([]types.Variable, error) {
	out := make([]types.Variable, 0, len(bindings))
	for _, b := range bindings {
		v, err := renderValue(b.Name, b.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func renderFrame(f *pause.WiredFrame) (types.FrameInfo, error) {
	raw, err := f.Raw()
	if err != nil {
		return types.FrameInfo{}, err
	}
	return types.FrameInfo{
		FrameID:      string(raw.FrameID),
		Type:         raw.Type,
		FunctionName: raw.FunctionName,
		Location:     renderLocations(raw.Location),
		HasOriginal:  len(raw.OriginalScopeChain) > 0,
	}, nil
}

func renderScopes(frameID protocol.FrameID, chain *pause.ScopeChain) (*types.ScopesResult, error) {
	out := &types.ScopesResult{
		FrameID:  string(frameID),
		Original: chain.Original,
		Fallback: chain.Fallback,
		Scopes:   make([]types.ScopeInfo, 0, len(chain.Scopes)),
	}
	if chain.Fallback {
		out.Warning = "Source-mapped scopes had no available values; showing generated scopes."
	}
	for _, sc := range chain.Scopes {
		bindings, err := sc.Bindings()
		if err != nil {
			return nil, err
		}
		vars, err := renderBindings(bindings)
		if err != nil {
			return nil, err
		}
		out.Scopes = append(out.Scopes, types.ScopeInfo{
			ScopeID:   string(sc.ID()),
			Type:      sc.Type(),
			Variables: vars,
		})
	}
	return out, nil
}

func renderObject(obj *pause.WiredObject) (*types.ObjectInfo, error) {
	className, err := obj.ClassName()
	if err != nil {
		return nil, err
	}
	info := &types.ObjectInfo{ObjectID: string(obj.ID()), ClassName: className}

	preview, err := obj.Preview()
	if err != nil || preview == nil {
		return info, err
	}
	info.PrototypeID = string(preview.PrototypeID)
	info.Overflow = preview.Overflow
	info.FunctionName = preview.FunctionName

	for _, p := range preview.Properties {
		v, err := renderValue(p.Name, p.Value)
		if err != nil {
			return nil, err
		}
		info.Properties = append(info.Properties, v)
	}
	if info.GetterValues, err = renderBindings(preview.GetterValues); err != nil {
		return nil, err
	}
	if len(info.GetterValues) == 0 {
		info.GetterValues = nil
	}
	return info, nil
}

func renderEvaluation(ev *pause.Evaluation) (*types.EvaluateResult, error) {
	out := &types.EvaluateResult{Failed: ev.Failed}
	if ev.Returned != nil {
		v, err := renderValue("returned", ev.Returned)
		if err != nil {
			return nil, err
		}
		out.Returned = &v
	}
	if ev.Exception != nil {
		v, err := renderValue("exception", ev.Exception)
		if err != nil {
			return nil, err
		}
		out.Exception = &v
	}
	return out, nil
}

func renderPoints(points []protocol.PointDescription) []types.PointInfo {
	out := make([]types.PointInfo, len(points))
	for i, p := range points {
		out[i] = types.PointInfo{Point: string(p.Point), Time: p.Time}
	}
	return out
}

func renderEntries(entries []protocol.AnalysisEntry) []types.AnalysisEntry {
	out := make([]types.AnalysisEntry, len(entries))
	for i, e := range entries {
		out[i] = types.AnalysisEntry{Key: e.Key, Value: e.Value}
	}
	return out
}
