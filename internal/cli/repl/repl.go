package repl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Executor runs one parsed command line.
type Executor func(ctx context.Context, args []string) error

// REPL is the interactive corestate-cli shell.
type REPL struct {
	in        io.Reader
	out       io.Writer
	prompt    string
	exec      Executor
	completer *Completer
	history   *History
}

// Option configures a REPL.
type Option func(*REPL)

// WithIO sets the input and output streams.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(r *REPL) {
		r.in = in
		r.out = out
	}
}

// WithHistory sets the history store.
func WithHistory(h *History) Option {
	return func(r *REPL) {
		r.history = h
	}
}

// WithPrompt sets the prompt.
func WithPrompt(prompt string) Option {
	return func(r *REPL) {
		r.prompt = prompt
	}
}

// New creates a REPL that hands each line to exec.
func New(exec Executor, completer *Completer, opts ...Option) *REPL {
	r := &REPL{
		in:        os.Stdin,
		out:       os.Stdout,
		prompt:    "corestate> ",
		exec:      exec,
		completer: completer,
		history:   NewHistory(""),
	}
	if r.completer == nil {
		r.completer = NewCompleter(nil)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run reads lines until EOF, exit, or ctx is done. A line ending in "?"
// lists the completions of what precedes it.
func (r *REPL) Run(ctx context.Context) error {
	if err := r.history.Load(); err != nil {
		fmt.Fprintf(r.out, "warning: load history: %v\n", err)
	}
	defer func() {
		if err := r.history.Save(); err != nil {
			fmt.Fprintf(r.out, "warning: save history: %v\n", err)
		}
	}()

	scanner := bufio.NewScanner(r.in)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		fmt.Fprint(r.out, r.prompt)
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if prefix, ok := strings.CutSuffix(line, "?"); ok {
			for _, s := range r.completer.Complete(strings.TrimLeft(prefix, " ")) {
				fmt.Fprintln(r.out, s)
			}
			continue
		}

		r.history.Add(line)
		switch line {
		case "exit", "quit":
			return nil
		case "history":
			for i, entry := range r.history.Entries() {
				fmt.Fprintf(r.out, "%4d  %s\n", i+1, entry)
			}
			continue
		}

		args, err := SplitArgs(line)
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
			continue
		}
		if err := r.exec(ctx, args); err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
	}
}

// ErrUnterminatedQuote is returned by SplitArgs for an open quote.
var ErrUnterminatedQuote = errors.New("unterminated quote")

// SplitArgs splits a line into words. Single and double quotes group
// words; a backslash escapes the next character outside single quotes.
func SplitArgs(line string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)
	for _, c := range line {
		switch {
		case escaped:
			cur.WriteRune(c)
			escaped = false
		case c == '\\' && quote != '\'':
			escaped = true
			inWord = true
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur.WriteRune(c)
			}
		case c == '"' || c == '\'':
			quote = c
			inWord = true
		case c == ' ' || c == '\t':
			if inWord {
				args = append(args, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(c)
			inWord = true
		}
	}
	if quote != 0 || escaped {
		return nil, ErrUnterminatedQuote
	}
	if inWord {
		args = append(args, cur.String())
	}
	return args, nil
}
