package point

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen).SprintfFunc()
	yellow = color.New(color.FgYellow).SprintfFunc()
	cyan   = color.New(color.FgCyan).SprintfFunc()
	faint  = color.New(color.Faint).SprintfFunc()
)

// FormatSample renders one line of console output.
func FormatSample(s Sample) string {
	value := s.Value.Format(s.Accuracy)
	switch s.Value.Kind {
	case KindNumber:
		value = green("%s", value)
		if s.Unit != "" {
			value += " " + faint("%s", s.Unit)
		}
	case KindFlag:
		value = yellow("%s", value)
	default:
		value = cyan("%q", s.Value.Text)
	}
	return fmt.Sprintf("%s %-24s %s", faint("%s", s.Stamp.Format("15:04:05.000")), s.Name, value)
}

// RunConsole prints every published sample to w until ctx is cancelled.
func RunConsole(ctx context.Context, store *Store, w io.Writer) error {
	ch, cancel := store.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-ch:
			if !ok {
				return nil
			}
			fmt.Fprintln(w, FormatSample(s))
		}
	}
}
