package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/replayio/devtools-sub013/internal/analysis"
	"github.com/replayio/devtools-sub013/internal/errors"
	"github.com/replayio/devtools-sub013/internal/protocol"
)

type analyzeOptions struct {
	recording   string
	mapper      string
	mapperFile  string
	reducer     string
	locations   string
	functions   []string
	eventTypes  []string
	exceptions  bool
	random      int
	points      []string
	effectful   bool
	batched     bool
	pointsOnly  bool
	prettyPrint bool
}

func newAnalyzeCommand(load loader) *cobra.Command {
	var opts analyzeOptions

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run one analysis against a recording and print the result as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(cmd)
			if err != nil {
				return err
			}

			params, err := opts.params()
			if err != nil {
				return err
			}
			if (params.Effectful || opts.batched) && !cfg.CanRunEffectful() {
				return errors.PermissionDenied("effectful", string(cfg.Mode))
			}

			ctx, cancel := signalContext()
			defer cancel()

			sessions := newSessionManager(cfg, logger)
			defer sessions.Close()

			sess, err := sessions.Connect(ctx, opts.recording)
			if err != nil {
				return err
			}

			a := sess.Analysis().New(params)
			var out any
			switch {
			case opts.batched:
				out, err = a.RunBatched(ctx, cfg.Analysis.MaxPoints)
			case opts.pointsOnly:
				out, err = a.FindPoints(ctx)
			default:
				out, err = a.Run(ctx)
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			if opts.prettyPrint {
				enc.SetIndent("", "  ")
			}
			return enc.Encode(out)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.recording, "recording", "", "Recording id")
	f.StringVar(&opts.mapper, "mapper", "", "Mapper function body")
	f.StringVar(&opts.mapperFile, "mapper-file", "", "File holding the mapper function body")
	f.StringVar(&opts.reducer, "reducer", "", "Reducer function body")
	f.StringVar(&opts.locations, "locations", "", `JSON array of locations, e.g. [{"sourceId":"1","line":10,"column":0}]`)
	f.StringSliceVar(&opts.functions, "function-entries", nil, "Source ids whose function entries are selected")
	f.StringSliceVar(&opts.eventTypes, "event-types", nil, "Event types whose handler entries are selected")
	f.BoolVar(&opts.exceptions, "exceptions", false, "Select exception points")
	f.IntVar(&opts.random, "random", 0, "Select this many random points")
	f.StringSliceVar(&opts.points, "points", nil, "Execution points to select")
	f.BoolVar(&opts.effectful, "effectful", false, "The mapper has side effects (full mode only)")
	f.BoolVar(&opts.batched, "batched", false, "Discover the points, then run them in chunks (full mode only)")
	f.BoolVar(&opts.pointsOnly, "points-only", false, "Only list the selected points")
	f.BoolVar(&opts.prettyPrint, "indent", false, "Indent the JSON output")
	_ = cmd.MarkFlagRequired("recording")

	return cmd
}

func (o analyzeOptions) params() (analysis.Params, error) {
	mapper := o.mapper
	if o.mapperFile != "" {
		data, err := os.ReadFile(o.mapperFile)
		if err != nil {
			return analysis.Params{}, fmt.Errorf("read mapper: %w", err)
		}
		mapper = string(data)
	}

	params := analysis.Params{
		Mapper:                  strings.TrimSpace(mapper),
		Reducer:                 o.reducer,
		Effectful:               o.effectful,
		EventHandlerEntryPoints: o.eventTypes,
		ExceptionPoints:         o.exceptions,
		RandomPoints:            o.random,
	}
	if o.locations != "" {
		if err := json.Unmarshal([]byte(o.locations), &params.Locations); err != nil {
			return params, errors.InvalidParameter("locations", o.locations, "a JSON array of {sourceId, line, column}")
		}
	}
	for _, id := range o.functions {
		params.FunctionEntryPoints = append(params.FunctionEntryPoints, protocol.SourceID(id))
	}
	for _, p := range o.points {
		point := protocol.ExecutionPoint(p)
		if err := point.Validate(); err != nil {
			return params, errors.InvalidParameter("points", p, "decimal execution points")
		}
		params.Points = append(params.Points, point)
	}
	return params, nil
}
