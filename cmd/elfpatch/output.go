package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/grafana/zkvm-elfpatch/pkg/batch"
)

var (
	failedColor = color.New(color.FgRed, color.Bold)
	totalColor  = color.New(color.Bold)
)

// printSummary writes one line per patched file and a total line. Files
// without patches are only reflected in the total.
func printSummary(w io.Writer, s *batch.Summary, dryRun bool) error {
	verb := "Patched"
	if dryRun {
		verb = "Would patch"
	}
	for _, f := range s.Files {
		if f.Err != nil || f.Patched == 0 {
			continue
		}
		if _, err := fmt.Fprintf(w, "  %s %d words in %s\n", verb, f.Patched, filepath.Base(f.Path)); err != nil {
			return err
		}
	}

	var err error
	if s.WordsPatched == 0 {
		suffix := ", no errors"
		if s.Failed > 0 {
			suffix = ""
		}
		_, err = fmt.Fprintf(w, "  No words patched in %s files%s\n", humanize.Comma(int64(len(s.Files)-s.Failed)), suffix)
	} else {
		_, err = totalColor.Fprintf(w, "  Total: %s words %s across %s files\n",
			humanize.Comma(int64(s.WordsPatched)), pastTense(dryRun), humanize.Comma(int64(s.FilesPatched)))
	}
	if err != nil {
		return err
	}
	if s.Failed > 0 {
		_, err = failedColor.Fprintf(w, "  Failed: %s files, see log\n", humanize.Comma(int64(s.Failed)))
	}
	return err
}

func pastTense(dryRun bool) string {
	if dryRun {
		return "to patch"
	}
	return "patched"
}
