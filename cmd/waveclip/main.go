package main

import (
	"context"
	"fmt"
	"image/color"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	tea "github.com/charmbracelet/bubbletea"
	ffmpeg "github.com/csnewman/ffmpeg-go"

	"github.com/waveclip/waveclip/internal/cli"
	"github.com/waveclip/waveclip/internal/config"
	"github.com/waveclip/waveclip/internal/logging"
	"github.com/waveclip/waveclip/internal/pipeline"
	"github.com/waveclip/waveclip/internal/render"
	"github.com/waveclip/waveclip/internal/ui"
)

var version = "0.0.1"

// CLI defines the command-line interface
type CLI struct {
	Version bool   `short:"v" help:"Show version information"`
	Config  string `short:"c" type:"path" help:"Path to TOML config file (optional)"`
	Handle  string `help:"Handle label drawn on the video, e.g. @name"`
	Accent  string `help:"Accent color as #RRGGBB (overrides config)"`
	Avatar  string `help:"Avatar image: local path or http(s) URL"`
	Out     string `short:"o" type:"path" help:"Output MP4 path (default: input with .mp4)"`
	Plain   bool   `help:"Log to stderr instead of showing the TUI"`
	File    string `arg:"" name:"audio-file" help:"Audio recording to convert" type:"existingfile" optional:""`
}

func main() {
	// FFmpeg info/verbose logging would fight the TUI for the terminal.
	ffmpeg.AVLogSetLevel(ffmpeg.AVLogError)

	cliArgs := &CLI{}
	ctx := kong.Parse(cliArgs,
		kong.Name("waveclip"),
		kong.Description("Turn a voice recording into a shareable waveform video"),
		kong.UsageOnError(),
		kong.Vars{
			"version": version,
		},
		kong.Help(cli.StyledHelpPrinter(kong.HelpOptions{Compact: true})),
	)

	if cliArgs.Version {
		cli.PrintVersion(version)
		os.Exit(0)
	}
	if cliArgs.File == "" {
		cli.PrintError("No input file specified")
		ctx.PrintUsage(false)
		os.Exit(1)
	}

	cfg, err := config.Load(cliArgs.Config)
	if err != nil {
		cli.PrintError(err.Error())
		os.Exit(1)
	}

	accentHex := cfg.Visual.Accent
	if cliArgs.Accent != "" {
		accentHex = cliArgs.Accent
	}
	accent, err := render.ParseAccentColor(accentHex)
	if err != nil {
		cli.PrintError(err.Error())
		os.Exit(1)
	}

	outPath := cliArgs.Out
	if outPath == "" {
		outPath = defaultOutputPath(cliArgs.File)
	}

	if cliArgs.Plain {
		os.Exit(runPlain(cliArgs, cfg, accent, outPath))
	}
	os.Exit(runTUI(cliArgs, cfg, accent, outPath))
}

func defaultOutputPath(input string) string {
	if i := strings.LastIndex(input, "."); i > 0 {
		return input[:i] + ".mp4"
	}
	return input + ".mp4"
}

func avatarSource(arg string) render.AvatarSource {
	if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
		return render.AvatarSource{URL: arg}
	}
	return render.AvatarSource{Path: arg}
}

func pipelineOptions(cfg *config.Config) pipeline.Options {
	style := render.DefaultStyle()
	style.BarCount = cfg.Visual.BarCount

	return pipeline.Options{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		BaseDelay:      time.Duration(cfg.Retry.BaseDelayMilliseconds) * time.Millisecond,
		AttemptTimeout: time.Duration(cfg.Retry.AttemptTimeoutSeconds) * time.Second,
		TargetPoints:   cfg.Visual.TargetPoints,
		MemoryCeiling:  uint64(cfg.Resources.MemoryCeilingMiB) << 20,
		Style:          style,
	}
}

// runPlain executes the pipeline without the TUI, streaming log lines to
// stderr. Used for scripting and CI.
func runPlain(cliArgs *CLI, cfg *config.Config, accent color.RGBA, outPath string) int {
	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Writer: os.Stderr,
	})
	if err != nil {
		cli.PrintError(err.Error())
		return 1
	}

	summary := logging.NewSummary(cliArgs.File, outPath)
	session := pipeline.NewSession(cliArgs.File, outPath, nil)
	controller := pipeline.NewController(pipelineOptions(cfg), logger)
	overlay := render.NewOverlayAssets(cliArgs.Handle, accent, avatarSource(cliArgs.Avatar))

	if err := controller.Run(context.Background(), session, overlay); err != nil {
		cli.PrintError(err.Error())
		return 1
	}

	summary.ClipLen = session.ClipDuration()
	summary.TierName = session.Tier().Name
	summary.Frames = session.Tier().TotalFrames(session.ClipDuration())
	summary.Attempts = session.Attempt()
	summary.Log(logger)
	fmt.Println(outPath)
	return 0
}

// runTUI executes the pipeline behind the Bubbletea progress display.
func runTUI(cliArgs *CLI, cfg *config.Config, accent color.RGBA, outPath string) int {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	model := ui.NewModel(cliArgs.File, outPath, cancel)
	p := tea.NewProgram(model, tea.WithAltScreen())

	// The TUI owns the terminal; pipeline logs go nowhere unless a log
	// file is configured via --plain instead.
	logger := logging.Discard()

	summary := logging.NewSummary(cliArgs.File, outPath)
	observer := newPhaseObserver(p, summary)
	session := pipeline.NewSession(cliArgs.File, outPath, observer.observe)
	controller := pipeline.NewController(pipelineOptions(cfg), logger)
	overlay := render.NewOverlayAssets(cliArgs.Handle, accent, avatarSource(cliArgs.Avatar))

	go func() {
		err := controller.Run(runCtx, session, overlay)
		result := ui.ResultMsg{OutputPath: outPath, Err: err}
		if err == nil {
			summary.ClipLen = session.ClipDuration()
			summary.TierName = session.Tier().Name
			summary.Frames = session.Tier().TotalFrames(session.ClipDuration())
			summary.Attempts = session.Attempt()
			result.Summary = summary.Render()
		}
		p.Send(result)
	}()

	finalModel, err := p.Run()
	if err != nil {
		cli.PrintError(fmt.Sprintf("UI error: %v", err))
		return 1
	}

	// The alt screen swallowed the result view; print it again.
	if m, ok := finalModel.(ui.Model); ok {
		if m.Cancelled {
			return 1
		}
		if m.Done {
			fmt.Fprint(os.Stdout, m.View())
			if m.Result.Err != nil {
				return 1
			}
		}
	}
	return 0
}

// phaseObserver forwards session updates to the TUI and records phase
// timings for the summary.
type phaseObserver struct {
	p       *tea.Program
	summary *logging.Summary

	lastState pipeline.State
	stateAt   time.Time
}

func newPhaseObserver(p *tea.Program, summary *logging.Summary) *phaseObserver {
	return &phaseObserver{p: p, summary: summary, stateAt: time.Now()}
}

func (o *phaseObserver) observe(u pipeline.ProgressUpdate) {
	if u.State != o.lastState {
		if !o.lastState.Terminal() && o.lastState != pipeline.StateIdle {
			o.summary.RecordPhase(o.lastState.String(), time.Since(o.stateAt))
		}
		o.lastState = u.State
		o.stateAt = time.Now()
	}
	o.p.Send(ui.UpdateMsg{Update: u})
}

