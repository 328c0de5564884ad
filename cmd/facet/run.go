package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/ljj1233/xufei-sub000/internal/analyzer"
	"github.com/ljj1233/xufei-sub000/internal/events"
	"github.com/ljj1233/xufei-sub000/internal/state"
	"github.com/ljj1233/xufei-sub000/internal/tui"
	"github.com/ljj1233/xufei-sub000/internal/types"
)

var (
	runMode       string
	runAudio      bool
	runVideo      bool
	runTranscript string
	runFeatures   string
	runPosition   string
	runFocus      []string
	runResume     string
	runWatch      bool
	runJSON       bool
)

var runCmd = &cobra.Command{
	Use:   "run [input-ref]",
	Short: "Run an analysis session over a recorded interview",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSession,
}

func init() {
	runCmd.Flags().StringVar(&runMode, "mode", "quick", "Analysis mode: quick or full")
	runCmd.Flags().BoolVar(&runAudio, "audio", false, "Input has an audio track")
	runCmd.Flags().BoolVar(&runVideo, "video", false, "Input has a video track")
	runCmd.Flags().StringVar(&runTranscript, "transcript", "", "Path to the transcript text file")
	runCmd.Flags().StringVar(&runFeatures, "features", "", "Path to a JSON file of precomputed modality features")
	runCmd.Flags().StringVar(&runPosition, "position", "", "Job position the interview targets")
	runCmd.Flags().StringSliceVar(&runFocus, "focus", nil, "Focus weights as modality=weight pairs")
	runCmd.Flags().StringVar(&runResume, "resume", "", "Resume an interrupted session from its latest snapshot")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "Show live progress while the session runs")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the final report as JSON")
}

func runSession(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	in, err := buildInput(args)
	if err != nil {
		return err
	}
	uc, err := buildUserContext()
	if err != nil {
		return err
	}

	eng, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	var sessionID types.ID
	if runResume != "" {
		sessionID, err = types.ParseID(runResume)
		if err != nil {
			return types.WrapError(types.INVALID_PARAMS, "malformed session id", err)
		}
		// The snapshot has the plan and all finished work; only the
		// submission input needs re-supplying.
		err = eng.coord.ResumeSession(ctx, sessionID, in)
	} else {
		sessionID, err = eng.coord.StartSession(ctx, uc, in)
	}
	if err != nil {
		return err
	}

	if runWatch {
		if err := watchSession(eng, sessionID); err != nil {
			return err
		}
	}
	if err := eng.coord.Wait(ctx, sessionID); err != nil {
		return err
	}

	rep, err := eng.coord.Report(ctx, sessionID)
	if err != nil {
		return err
	}
	return printReport(cmd, rep, runJSON)
}

func watchSession(eng *engine, sessionID types.ID) error {
	ch, cleanup, err := eng.coord.Subscribe(context.Background(), events.Filter{SessionID: sessionID}, 64)
	if err != nil {
		return err
	}
	defer cleanup()

	_, err = tea.NewProgram(tui.NewWatchModel(sessionID, ch)).Run()
	return err
}

func buildInput(args []string) (analyzer.Input, error) {
	in := analyzer.Input{
		HasAudio: runAudio,
		HasVideo: runVideo,
	}
	if len(args) > 0 {
		in.Ref = args[0]
	}

	if runTranscript != "" {
		raw, err := os.ReadFile(runTranscript)
		if err != nil {
			return in, types.WrapError(types.INPUT_UNAVAILABLE, "cannot read transcript", err)
		}
		in.Transcript = string(raw)
	}

	if runFeatures != "" {
		raw, err := os.ReadFile(runFeatures)
		if err != nil {
			return in, types.WrapError(types.INPUT_UNAVAILABLE, "cannot read features file", err)
		}
		if err := json.Unmarshal(raw, &in.Features); err != nil {
			return in, types.WrapError(types.INVALID_PARAMS, "malformed features file", err)
		}
	}
	return in, nil
}

func buildUserContext() (state.UserContext, error) {
	uc := state.UserContext{
		JobPosition: runPosition,
		Mode:        state.Mode(runMode),
	}

	if len(runFocus) > 0 {
		uc.FocusWeights = make(map[string]float64, len(runFocus))
		for _, pair := range runFocus {
			name, raw, ok := strings.Cut(pair, "=")
			if !ok {
				return uc, types.NewError(types.INVALID_PARAMS,
					fmt.Sprintf("focus weight %q is not modality=weight", pair))
			}
			w, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return uc, types.WrapError(types.INVALID_PARAMS,
					fmt.Sprintf("focus weight %q is not numeric", pair), err)
			}
			uc.FocusWeights[name] = w
		}
	}
	return uc, nil
}
