package main

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/danmuck/dicomctl/internal/send"
	"github.com/fatih/color"
)

// progressPrinter writes job events to w as plain status lines.
func progressPrinter(w io.Writer) send.EventSink {
	var mu sync.Mutex
	return func(ev send.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch ev.Kind {
		case send.EventStatus:
			fmt.Fprintln(w, ev.Message)
		case send.EventConversion:
			fmt.Fprintf(w, "Converting %d/%d %s\n", ev.Index, ev.Total, ev.File)
		case send.EventProgress:
			fmt.Fprintf(w, "Sending %d/%d. Success: %d, Warn: %d, Fail: %d\n",
				ev.Index, ev.Total, ev.Sent, ev.Warned, ev.Failed)
		case send.EventFailed:
			if ev.Message != "" {
				fmt.Fprintln(w, ev.Message)
			}
		}
	}
}

type palette struct {
	ok, warn, fail, dim *color.Color
}

func newPalette(noColor bool) palette {
	p := palette{
		ok:   color.New(color.FgGreen),
		warn: color.New(color.FgYellow),
		fail: color.New(color.FgRed, color.Bold),
		dim:  color.New(color.Faint),
	}
	if noColor {
		for _, c := range []*color.Color{p.ok, p.warn, p.fail, p.dim} {
			c.DisableColor()
		}
	}
	return p
}

// printReport renders the summary, then one line per file that did not
// go cleanly.
func printReport(w io.Writer, sum send.Summary, noColor bool) {
	p := newPalette(noColor)
	switch {
	case sum.Fatal != "":
		p.fail.Fprintf(w, "Send failed: %s\n", sum.Fatal)
	case sum.Cancelled:
		p.warn.Fprintln(w, "Send cancelled")
	case sum.OK():
		p.ok.Fprintf(w, "Sent %d files to %s\n", sum.Total, sum.Peer)
	}

	p.ok.Fprintf(w, "Sent: %d", sum.Sent)
	fmt.Fprint(w, "  ")
	p.warn.Fprintf(w, "Warnings: %d", sum.Warned)
	fmt.Fprint(w, "  ")
	if sum.Failed > 0 {
		p.fail.Fprintf(w, "Failed: %d", sum.Failed)
	} else {
		fmt.Fprintf(w, "Failed: %d", sum.Failed)
	}
	if sum.Converted > 0 {
		fmt.Fprintf(w, "  Converted: %d", sum.Converted)
	}
	if n := len(sum.NotAttempted); n > 0 {
		p.warn.Fprintf(w, "  Not attempted: %d", n)
	}
	fmt.Fprintln(w)

	t := sum.Timing
	p.dim.Fprintf(w, "Analysis %.1fs  Compatibility %.1fs  Conversion %.1fs  Sending %.1fs  Total %.1fs\n",
		t.Analysis.Seconds(), t.Compatibility.Seconds(), t.Conversion.Seconds(), t.Send.Seconds(), t.Total.Seconds())

	for _, o := range sum.Outcomes {
		switch o.State {
		case send.StateWarned:
			p.warn.Fprintf(w, "  warn  %s", filepath.Base(o.Path))
		case send.StateFailed:
			p.fail.Fprintf(w, "  fail  %s", filepath.Base(o.Path))
		default:
			continue
		}
		if o.Detail != "" {
			fmt.Fprintf(w, ": %s", o.Detail)
		}
		if o.Hint != "" {
			p.dim.Fprintf(w, " [%s]", o.Hint)
		}
		fmt.Fprintln(w)
	}
	for _, path := range sum.NotAttempted {
		p.dim.Fprintf(w, "  skip  %s\n", filepath.Base(path))
	}
}
