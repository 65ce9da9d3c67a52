package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/peterh/liner"
	"github.com/vogtb/go-spreadsheet/packages/formula"
	"github.com/xuri/efp"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

const (
	historyFile = ".formula_history"
	helpText    = `commands:
  =<formula>         evaluate a formula against the current sheet
  :recalc            recalculate the document and print every formula cell
  :tokens <formula>  show the Excel token stream and the engine's token tree
  :sheet <name>      switch the current sheet
  :sheets            list sheets
  :functions         list the built-in functions
  :help              show this help
  :quit              leave
`
)

func main() {
	docPath := flag.String("doc", "", "YAML workbook to load")
	sheet := flag.String("sheet", "", "sheet to evaluate against (defaults to the first sheet)")
	flag.Parse()

	doc, err := loadDocument(*docPath)
	if err != nil {
		log.Error.Printf("formula: %v", err)
		os.Exit(1)
	}
	if *sheet == "" {
		*sheet = doc.SheetOrder[0]
	}
	if _, ok := doc.Sheet(*sheet); !ok {
		log.Error.Printf("formula: unknown sheet %q", *sheet)
		os.Exit(1)
	}

	r := &repl{
		doc:     doc,
		sheet:   *sheet,
		engine:  formula.NewEngine(),
		printer: message.NewPrinter(language.English),
	}
	os.Exit(r.run())
}

func loadDocument(path string) (*formula.Document, error) {
	if path == "" {
		doc := formula.NewDocument()
		if _, err := doc.AddSheet("Sheet1", ""); err != nil {
			return nil, err
		}
		return doc, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	doc, err := formula.LoadDocument(f)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	if len(doc.SheetOrder) == 0 {
		return nil, fmt.Errorf("loading %s: document has no sheets", path)
	}
	return doc, nil
}

type repl struct {
	doc     *formula.Document
	sheet   string
	engine  *formula.Engine
	printer *message.Printer
}

// lineReader is the part of liner.State the session loop needs
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
}

// run attaches the session to the terminal and keeps the line history
func (r *repl) run() int {
	home, _ := os.UserHomeDir()
	histPath := filepath.Join(home, historyFile)

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)
	if f, err := os.Open(histPath); err == nil {
		_, _ = ln.ReadHistory(f)
		_ = f.Close()
	}

	code := r.session(context.Background(), ln)

	if f, err := os.Create(histPath); err == nil {
		_, _ = ln.WriteHistory(f)
		_ = f.Close()
	}
	return code
}

// session calculates the document and serves lines until EOF or :quit.
// the engine is closed on return, cancelling async calls still in flight.
func (r *repl) session(ctx context.Context, in lineReader) int {
	defer r.engine.Close()
	if err := r.recalc(ctx, false); err != nil {
		log.Error.Printf("formula: %v", err)
		return 1
	}
	go r.follow()

	for {
		line, err := in.Prompt(r.sheet + "> ")
		if errors.Is(err, liner.ErrPromptAborted) {
			continue
		}
		if err != nil {
			if err != io.EOF {
				log.Error.Printf("formula: %v", err)
			}
			fmt.Println()
			return 0
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		in.AppendHistory(line)

		if strings.HasPrefix(line, ":") {
			if done := r.command(ctx, line); done {
				return 0
			}
			continue
		}
		v, err := r.engine.Evaluate(ctx, r.sheet, line)
		if err != nil {
			fmt.Println(err)
			continue
		}
		fmt.Println(r.format(v))
	}
}

// command handles the colon commands listed in helpText
func (r *repl) command(ctx context.Context, line string) (exit bool) {
	fields := strings.Fields(line)
	rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))

	switch strings.ToLower(fields[0]) {
	case ":help":
		fmt.Print(helpText)

	case ":quit", ":exit":
		return true

	case ":recalc":
		if err := r.recalc(ctx, true); err != nil {
			fmt.Println(err)
		}

	case ":tokens":
		if rest == "" {
			fmt.Println("usage: :tokens <formula>")
			return false
		}
		r.tokens(rest)

	case ":sheet":
		sheet, ok := r.doc.Sheet(rest)
		if !ok {
			fmt.Printf("unknown sheet %q\n", rest)
			return false
		}
		r.sheet = sheet.ID

	case ":sheets":
		for _, id := range r.doc.SheetOrder {
			sheet := r.doc.Sheets[id]
			fmt.Printf("%s\t%s\t%dx%d\n", sheet.ID, sheet.Name, sheet.RowCount, sheet.ColumnCount)
		}

	case ":functions":
		names := formula.NewInterpreter(r.doc.Catalog).Functions().Names()
		fmt.Println(strings.Join(names, " "))

	default:
		fmt.Println("unknown command. Type :help for help.")
	}
	return false
}

func (r *repl) recalc(ctx context.Context, show bool) error {
	results, err := r.engine.Calculate(ctx, r.doc)
	if err != nil {
		return err
	}
	log.Printf("formula: calculated %d formulas (generation %d)", len(results), r.engine.Generation())
	if !show {
		return nil
	}
	addrs := make([]formula.CellAddress, 0, len(results))
	for addr := range results {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return addrs[i].String() < addrs[j].String()
	})
	for _, addr := range addrs {
		fmt.Printf("%s\t%s\n", addr, r.format(results[addr]))
	}
	return nil
}

func (r *repl) tokens(source string) {
	ps := efp.ExcelParser()
	ps.Parse(strings.TrimPrefix(source, "="))
	fmt.Println("excel tokens:")
	fmt.Println(ps.PrettyPrint())

	tree, err := formula.BuildTokenTree(source)
	if err != nil {
		fmt.Printf("token tree: %v\n", err)
		return
	}
	fmt.Printf("token tree: %s\n", tree)
}

// follow prints cells settled by async calls after a pass returned
func (r *repl) follow() {
	for update := range r.engine.Updates() {
		fmt.Printf("\n%s\t%s\t(updated)\n", update.Address, r.format(update.Value))
	}
}

// format renders numbers with English digit grouping and everything else
// the way a cell displays it
func (r *repl) format(v formula.NodeValue) string {
	if scalar, ok := v.(*formula.ValueObject); ok && !scalar.IsArray() {
		if n, ok := scalar.Scalar().(float64); ok {
			return r.printer.Sprintf("%v", number.Decimal(n, number.MaxFractionDigits(15)))
		}
	}
	return formula.Display(v)
}
