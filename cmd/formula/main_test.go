package main

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/vogtb/go-spreadsheet/packages/formula"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// scriptedLines replays fixed input lines, then reports EOF
type scriptedLines struct {
	lines   []string
	history []string
}

func (s *scriptedLines) Prompt(string) (string, error) {
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func (s *scriptedLines) AppendHistory(item string) {
	s.history = append(s.history, item)
}

func newTestREPL(t *testing.T, cells map[string]any, opts ...formula.Option) *repl {
	t.Helper()
	doc := formula.NewDocument()
	sheet, err := doc.AddSheet("S1", "Sheet1")
	if err != nil {
		t.Fatalf("AddSheet failed: %v", err)
	}
	for addr, value := range cells {
		if err := sheet.Set(addr, value); err != nil {
			t.Fatalf("Set(%s) failed: %v", addr, err)
		}
	}
	return &repl{
		doc:     doc,
		sheet:   "S1",
		engine:  formula.NewEngine(opts...),
		printer: message.NewPrinter(language.English),
	}
}

func TestSessionClosesEngine(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	functions := formula.NewBuiltInFunctions(nil, nil)
	functions.RegisterAsync("WAIT", func(ctx context.Context, args ...any) (formula.Primitive, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})

	r := newTestREPL(t, map[string]any{"A1": 2.0, "B1": "=WAIT()"}, formula.WithFunctions(functions))
	in := &scriptedLines{lines: []string{"=A1*21", "", ":sheets"}}
	if code := r.session(context.Background(), in); code != 0 {
		t.Fatalf("session returned %d, want 0", code)
	}
	if len(in.history) != 2 {
		t.Errorf("history = %q, want the two non-blank lines", in.history)
	}

	for _, ch := range []chan struct{}{started, cancelled} {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatal("the async call was not cancelled when the session ended")
		}
	}
}

func TestSessionQuit(t *testing.T) {
	r := newTestREPL(t, nil)
	in := &scriptedLines{lines: []string{":quit", "=1+1"}}
	if code := r.session(context.Background(), in); code != 0 {
		t.Fatalf("session returned %d, want 0", code)
	}
	if len(in.lines) != 1 {
		t.Errorf("session read past :quit, %d lines left", len(in.lines))
	}
}

func TestSessionCancelledCalculation(t *testing.T) {
	r := newTestREPL(t, map[string]any{"A1": "=1+1"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if code := r.session(ctx, &scriptedLines{}); code != 1 {
		t.Errorf("session returned %d, want 1 for a cancelled calculation", code)
	}
}
