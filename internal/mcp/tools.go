package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// registerTools registers the replay tool API
func (s *Server) registerTools() {
	// Session Management (3 tools - both modes)
	s.registerReplayConnect()
	s.registerReplayDisconnect()
	s.registerReplayListSessions()

	// Navigation and inspection
	s.registerReplaySeek()
	s.registerReplayFrames()
	s.registerReplayScopes()
	s.registerReplayObject()
	s.registerReplayFrameSteps()
	if s.config.CanEvaluate() {
		s.registerReplayEvaluate()
	}

	// Sources and analysis
	s.registerReplayMappedLocation()
	s.registerReplayPossibleBreakpoints()
	s.registerReplayAnalysis()
}

// Session Management Tools

func (s *Server) registerReplayConnect() {
	tool := mcp.NewTool("replay_connect",
		mcp.WithDescription("Open a debugging session for a recording. Returns sessionId needed for all other tools. The session starts with no position; use replay_seek to move to an execution point."),
		mcp.WithString("recordingId",
			mcp.Required(),
			mcp.Description("The id of the recording to open"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleReplayConnect)
}

func (s *Server) registerReplayDisconnect() {
	tool := mcp.NewTool("replay_disconnect",
		mcp.WithDescription("Close a session. Every value read through it becomes stale."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The session ID to close"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleReplayDisconnect)
}

func (s *Server) registerReplayListSessions() {
	tool := mcp.NewTool("replay_list_sessions",
		mcp.WithDescription("List open sessions with their recording and current position"),
	)
	s.mcpServer.AddTool(tool, s.handleReplayListSessions)
}

// Navigation and Inspection Tools

func (s *Server) registerReplaySeek() {
	tool := mcp.NewTool("replay_seek",
		mcp.WithDescription("Move the session's cursor to an execution point. Points come from replay_analysis, replay_frame_steps or an earlier position. Values read at the previous position become stale."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The session ID"),
		),
		mcp.WithString("point",
			mcp.Required(),
			mcp.Description("Execution point, a decimal string"),
		),
		mcp.WithNumber("time",
			mcp.Description("Time of the point in milliseconds, used to find the most recent paint"),
		),
		mcp.WithBoolean("repaint",
			mcp.Description("Repaint the page at the new position and return the screenshot hash (default: false)"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleReplaySeek)
}

func (s *Server) registerReplayFrames() {
	tool := mcp.NewTool("replay_frames",
		mcp.WithDescription("Get the stack at the session's position, innermost frame first"),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The session ID"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleReplayFrames)
}

func (s *Server) registerReplayScopes() {
	tool := mcp.NewTool("replay_scopes",
		mcp.WithDescription("Get the scope chain of a frame with its variables. Source-mapped scopes are used when available."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The session ID"),
		),
		mcp.WithString("frameId",
			mcp.Required(),
			mcp.Description("Frame ID from replay_frames"),
		),
		mcp.WithBoolean("generated",
			mcp.Description("Show generated scopes for this frame's source from now on (default: false)"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleReplayScopes)
}

func (s *Server) registerReplayObject() {
	tool := mcp.NewTool("replay_object",
		mcp.WithDescription("Get an object's properties. Object IDs appear in variables, properties and evaluation results."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The session ID"),
		),
		mcp.WithString("objectId",
			mcp.Required(),
			mcp.Description("Object ID"),
		),
		mcp.WithString("property",
			mcp.Description("Read a single property by name, running getters if needed"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleReplayObject)
}

func (s *Server) registerReplayEvaluate() {
	tool := mcp.NewTool("replay_evaluate",
		mcp.WithDescription("Evaluate an expression at the session's position, in a frame or in the global scope"),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The session ID"),
		),
		mcp.WithString("expression",
			mcp.Required(),
			mcp.Description("Expression to evaluate"),
		),
		mcp.WithString("frameId",
			mcp.Description("Frame ID for evaluation context. Omit to evaluate globally."),
		),
		mcp.WithBoolean("useOriginalScopes",
			mcp.Description("Resolve names against source-mapped scopes (default: true)"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleReplayEvaluate)
}

func (s *Server) registerReplayFrameSteps() {
	tool := mcp.NewTool("replay_frame_steps",
		mcp.WithDescription("List the execution points a frame steps through. Use them with replay_seek to step."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The session ID"),
		),
		mcp.WithString("frameId",
			mcp.Required(),
			mcp.Description("Frame ID from replay_frames"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleReplayFrameSteps)
}

// Source and Analysis Tools

func (s *Server) registerReplayMappedLocation() {
	tool := mcp.NewTool("replay_mapped_location",
		mcp.WithDescription("Get every source position that corresponds to a location (generated and original)"),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The session ID"),
		),
		mcp.WithString("sourceId",
			mcp.Required(),
			mcp.Description("Source ID"),
		),
		mcp.WithNumber("line",
			mcp.Required(),
			mcp.Description("Line number (1-based)"),
		),
		mcp.WithNumber("column",
			mcp.Description("Column number (0-based, default: 0)"),
		),
		mcp.WithBoolean("includeScopeMap",
			mcp.Description("Also return the original-to-generated variable name map at this location"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleReplayMappedLocation)
}

func (s *Server) registerReplayPossibleBreakpoints() {
	tool := mcp.NewTool("replay_possible_breakpoints",
		mcp.WithDescription("List the lines and columns of a source where execution can pause. Use them as analysis locations."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The session ID"),
		),
		mcp.WithString("sourceId",
			mcp.Required(),
			mcp.Description("Source ID"),
		),
		mcp.WithNumber("beginLine",
			mcp.Description("First line to include"),
		),
		mcp.WithNumber("endLine",
			mcp.Description("Last line to include"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleReplayPossibleBreakpoints)
}

func (s *Server) registerReplayAnalysis() {
	tool := mcp.NewTool("replay_analysis",
		mcp.WithDescription("Run a map/reduce analysis over execution points. The mapper body runs at each selected point and returns [{key, value}] entries. At least one selector is required. In readonly mode effectful analyses are refused."),
		mcp.WithString("sessionId",
			mcp.Required(),
			mcp.Description("The session ID"),
		),
		mcp.WithString("mapper",
			mcp.Required(),
			mcp.Description("Mapper function body"),
		),
		mcp.WithString("reducer",
			mcp.Description("Reducer function body"),
		),
		mcp.WithString("action",
			mcp.Description("'run' (default) runs the mapper, 'points' only lists the selected points, 'batched' lists then runs them in chunks"),
		),
		mcp.WithBoolean("effectful",
			mcp.Description("The mapper may have side effects such as evaluating code (full mode only)"),
		),
		mcp.WithString("locations",
			mcp.Description("JSON array of locations, e.g. [{\"sourceId\": \"1\", \"line\": 10, \"column\": 4}]"),
		),
		mcp.WithString("functionEntryPoints",
			mcp.Description("Comma-separated source IDs whose function entries are selected"),
		),
		mcp.WithString("eventTypes",
			mcp.Description("Comma-separated event types whose handler entries are selected, e.g. 'click,keydown'"),
		),
		mcp.WithBoolean("exceptions",
			mcp.Description("Select every point where an exception was thrown"),
		),
		mcp.WithNumber("randomPoints",
			mcp.Description("Select this many points sampled from the recording"),
		),
		mcp.WithString("points",
			mcp.Description("Comma-separated execution points"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleReplayAnalysis)
}
