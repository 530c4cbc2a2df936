package protocol

// Commands consumed by the client.
const (
	MethodCreateSession = "Recording.createSession"
	MethodCreatePause   = "Session.createPause"

	MethodGetMappedLocation     = "Debugger.getMappedLocation"
	MethodGetScopeMap           = "Debugger.getScopeMap"
	MethodGetPossibleBreakpoint = "Debugger.getPossibleBreakpoints"

	MethodGetAllFrames      = "Pause.getAllFrames"
	MethodGetScope          = "Pause.getScope"
	MethodGetObjectPreview  = "Pause.getObjectPreview"
	MethodGetObjectProperty = "Pause.getObjectProperty"
	MethodEvaluateInFrame   = "Pause.evaluateInFrame"
	MethodEvaluateInGlobal  = "Pause.evaluateInGlobal"
	MethodGetFrameSteps     = "Pause.getFrameSteps"

	MethodRepaintGraphics = "DOM.repaintGraphics"
	MethodFindPaints      = "Graphics.findPaints"

	MethodCreateAnalysis             = "Analysis.createAnalysis"
	MethodAddLocation                = "Analysis.addLocation"
	MethodAddFunctionEntryPoints     = "Analysis.addFunctionEntryPoints"
	MethodAddEventHandlerEntryPoints = "Analysis.addEventHandlerEntryPoints"
	MethodAddExceptionPoints         = "Analysis.addExceptionPoints"
	MethodAddRandomPoints            = "Analysis.addRandomPoints"
	MethodAddPoints                  = "Analysis.addPoints"
	MethodRunAnalysis                = "Analysis.runAnalysis"
	MethodFindAnalysisPoints         = "Analysis.findAnalysisPoints"
	MethodReleaseAnalysis            = "Analysis.releaseAnalysis"
)

// Notifications consumed by the client.
const (
	EventAnalysisResult = "Analysis.analysisResult"
	EventAnalysisPoints = "Analysis.analysisPoints"
	EventAnalysisError  = "Analysis.analysisError"
	EventPaintPoints    = "Graphics.paintPoints"
)

type CreateSessionParams struct {
	RecordingID string `json:"recordingId"`
}

type CreateSessionResult struct {
	SessionID SessionID `json:"sessionId"`
}

type CreatePauseParams struct {
	Point ExecutionPoint `json:"point"`
}

type CreatePauseResult struct {
	PauseID PauseID   `json:"pauseId"`
	Data    PauseData `json:"data"`
}

type LocationParams struct {
	Location Location `json:"location"`
}

type GetMappedLocationResult struct {
	MappedLocation MappedLocation `json:"mappedLocation"`
}

type GetScopeMapResult struct {
	Map []VariableMapping `json:"map,omitempty"`
}

type GetPossibleBreakpointsParams struct {
	SourceID SourceID  `json:"sourceId"`
	Begin    *Location `json:"begin,omitempty"`
	End      *Location `json:"end,omitempty"`
}

type GetPossibleBreakpointsResult struct {
	LineLocations []SameLineSourceLocations `json:"lineLocations"`
}

type GetAllFramesResult struct {
	Frames []FrameID `json:"frames"`
	Data   PauseData `json:"data"`
}

type GetScopeParams struct {
	Scope ScopeID `json:"scope"`
}

// PauseDataResult is the reply shape of commands that only return records.
type PauseDataResult struct {
	Data PauseData `json:"data"`
}

type GetObjectPreviewParams struct {
	Object ObjectID `json:"object"`
	Level  string   `json:"level,omitempty"`
}

type GetObjectPropertyParams struct {
	Object ObjectID `json:"object"`
	Name   string   `json:"name"`
}

type EvaluateInFrameParams struct {
	FrameID           FrameID `json:"frameId"`
	Expression        string  `json:"expression"`
	UseOriginalScopes bool    `json:"useOriginalScopes,omitempty"`
}

type EvaluateInGlobalParams struct {
	Expression string `json:"expression"`
}

// PauseDescriptionResult wraps evaluation and property replies.
type PauseDescriptionResult struct {
	Result PauseDescription `json:"result"`
}

type GetFrameStepsParams struct {
	FrameID FrameID `json:"frameId"`
}

type GetFrameStepsResult struct {
	Steps []PointDescription `json:"steps"`
}

type RepaintGraphicsParams struct {
	ForceRepaint bool `json:"forceRepaint,omitempty"`
}

type RepaintGraphicsResult struct {
	Description *ScreenShot `json:"description,omitempty"`
}

type PaintPointsEvent struct {
	Paints []TimeStampedPoint `json:"paints"`
}

type CreateAnalysisParams struct {
	Mapper    string `json:"mapper"`
	Reducer   string `json:"reducer,omitempty"`
	Effectful bool   `json:"effectful"`
}

type CreateAnalysisResult struct {
	AnalysisID AnalysisID `json:"analysisId"`
}

type AnalysisParams struct {
	AnalysisID AnalysisID `json:"analysisId"`
}

type AddLocationParams struct {
	AnalysisID AnalysisID `json:"analysisId"`
	Location   Location   `json:"location"`
	SessionID  SessionID  `json:"sessionId"`
}

type AddFunctionEntryPointsParams struct {
	AnalysisID AnalysisID `json:"analysisId"`
	SourceID   SourceID   `json:"sourceId"`
	SessionID  SessionID  `json:"sessionId"`
}

type AddEventHandlerEntryPointsParams struct {
	AnalysisID AnalysisID `json:"analysisId"`
	EventType  string     `json:"eventType"`
	SessionID  SessionID  `json:"sessionId"`
}

type AddExceptionPointsParams struct {
	AnalysisID AnalysisID `json:"analysisId"`
	SessionID  SessionID  `json:"sessionId"`
}

type AddRandomPointsParams struct {
	AnalysisID AnalysisID `json:"analysisId"`
	NumPoints  int        `json:"numPoints"`
	SessionID  SessionID  `json:"sessionId"`
}

type AddPointsParams struct {
	AnalysisID AnalysisID       `json:"analysisId"`
	Points     []ExecutionPoint `json:"points"`
	SessionID  SessionID        `json:"sessionId"`
}

type AnalysisResultEvent struct {
	AnalysisID AnalysisID      `json:"analysisId"`
	Results    []AnalysisEntry `json:"results"`
}

type AnalysisPointsEvent struct {
	AnalysisID AnalysisID         `json:"analysisId"`
	Points     []PointDescription `json:"points"`
}

type AnalysisErrorEvent struct {
	AnalysisID AnalysisID `json:"analysisId"`
	Error      string     `json:"error"`
}
