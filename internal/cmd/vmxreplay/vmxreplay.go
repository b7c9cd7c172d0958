// Package vmxreplay implements the vmxreplay command, which replays exit
// scenarios through the extension layer and reports what each exit left in
// the guest.
package vmxreplay

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/vmext/internal/scenario"
)

// ErrFailed is returned when any exit misses its expectations.
var ErrFailed = errors.New("vmxreplay: scenario failed")

var (
	passStyle = ansi.Style{}.Bold().ForegroundColor(ansi.Green)
	failStyle = ansi.Style{}.Bold().ForegroundColor(ansi.Red)
	dimStyle  = ansi.Style{}.Faint()
)

type output struct {
	w     io.Writer
	color bool
}

func (o *output) style(s ansi.Style, text string) string {
	if !o.color {
		return text
	}
	return s.Styled(text)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Main runs the command with args, which exclude the program name.
func Main(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("vmxreplay", flag.ContinueOnError)
	fs.SetOutput(stderr)

	debug := fs.Bool("debug", false, "Enable debug logging")
	dumpLogs := fs.Bool("logs", false, "Dump every enabled handler log after each scenario")
	jsonLogs := fs.Bool("json", false, "Write dumped logs as JSON")
	verbose := fs.Bool("v", false, "Print every exit, not only failures")
	colorFlag := fs.String("color", "auto", "Colour output: auto, always or never")
	progress := fs.Bool("progress", isTerminal(stderr), "Show a progress bar")
	timeout := fs.Duration("timeout", 0, "Give up after this long")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: vmxreplay [flags] scenario.yaml...\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("vmxreplay: no scenario files")
	}

	out := &output{w: stdout}
	switch *colorFlag {
	case "auto":
		out.color = isTerminal(stdout)
	case "always":
		out.color = true
	case "never":
	default:
		return fmt.Errorf("vmxreplay: -color %q: want auto, always or never", *colorFlag)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, opts)))

	files := make([]*scenario.File, 0, fs.NArg())
	total := 0
	for _, path := range fs.Args() {
		f, err := scenario.Load(path)
		if err != nil {
			return err
		}
		files = append(files, f)
		total += f.NumExits()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	r := &scenario.Runner{}
	if *dumpLogs {
		var h slog.Handler = slog.NewTextHandler(stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
		if *jsonLogs {
			h = slog.NewJSONHandler(stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
		}
		r.Logger = slog.New(h)
	}

	var bar *progressbar.ProgressBar
	if *progress && total > 0 {
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(stderr),
			progressbar.OptionSetDescription("replaying"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		r.OnExit = func(scenario.ExitResult) { _ = bar.Add(1) }
	}

	failed := 0
	start := time.Now()
	for _, f := range files {
		if bar != nil {
			bar.Describe(f.Name)
		}
		res, err := r.Run(ctx, f)
		if err != nil {
			if bar != nil {
				_ = bar.Clear()
			}
			return fmt.Errorf("vmxreplay: %s: %w", f.Name, err)
		}
		if bar != nil {
			_ = bar.Clear()
		}
		out.report(res, *verbose)
		if !res.OK() {
			failed++
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}

	summary := fmt.Sprintf("%d scenarios, %d exits, %d failed in %s",
		len(files), total, failed, time.Since(start).Round(time.Microsecond))
	fmt.Fprintln(stdout, out.style(dimStyle, summary))
	if failed > 0 {
		return ErrFailed
	}
	return nil
}

func (o *output) report(res *scenario.Result, verbose bool) {
	status := o.style(passStyle, "PASS")
	if !res.OK() {
		status = o.style(failStyle, "FAIL")
	}
	fmt.Fprintf(o.w, "%s %s %s\n", status, res.Name,
		o.style(dimStyle, fmt.Sprintf("(%d exits, %s)", len(res.Exits), res.Duration.Round(time.Microsecond))))

	for _, e := range res.Exits {
		if e.Passed() && !verbose {
			continue
		}
		mark := o.style(passStyle, "ok")
		if !e.Passed() {
			mark = o.style(failStyle, "!!")
		}
		fmt.Fprintf(o.w, "  %s vcpu %d exit %d %s (%s)", mark, e.VCPU, e.Index, e.Name, e.Reason)
		if e.Err != nil && e.Passed() {
			fmt.Fprintf(o.w, " %s", o.style(dimStyle, e.Err.Error()))
		}
		fmt.Fprintln(o.w)
		for _, f := range e.Failures {
			fmt.Fprintf(o.w, "      %s\n", strings.TrimSpace(f))
		}
	}
}
