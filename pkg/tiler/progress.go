package tiler

import (
	"fmt"
	"io"
)

// Progress reports tiling progress. A non-empty message should be shown to
// the user as is; an empty message asks for a progress indicator update.
type Progress func(completed, total int, message string)

// ConsoleProgress returns a Progress that prints to w
func ConsoleProgress(w io.Writer) Progress {
	return func(completed, total int, message string) {
		if message != "" {
			fmt.Fprintln(w, message)
			return
		}
		if total <= 0 {
			return
		}
		fmt.Fprintf(w, "\r  %.1f%% complete", float64(completed)/float64(total)*100)
		if completed >= total {
			fmt.Fprintln(w)
		}
	}
}
