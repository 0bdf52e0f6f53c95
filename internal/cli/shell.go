package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/calvinalkan/atomically/pkg/kvstore"
	"github.com/peterh/liner"

	flag "github.com/spf13/pflag"
)

// prompter reads one line of input per call. liner backs it on a terminal;
// tests and pipes use a plain scanner.
type prompter interface {
	Prompt(prompt string) (string, error)
	AppendHistory(line string)
	Close() error
}

type scanPrompter struct {
	sc *bufio.Scanner
}

func (p *scanPrompter) Prompt(string) (string, error) {
	if !p.sc.Scan() {
		if err := p.sc.Err(); err != nil {
			return "", err
		}

		return "", io.EOF
	}

	return p.sc.Text(), nil
}

func (p *scanPrompter) AppendHistory(string) {}

func (p *scanPrompter) Close() error { return nil }

type linerPrompter struct {
	*liner.State

	history string
}

func newLinerPrompter(history string, complete liner.Completer) *linerPrompter {
	st := liner.NewLiner()
	st.SetCtrlCAborts(true)
	st.SetCompleter(complete)

	if f, err := os.Open(history); err == nil {
		_, _ = st.ReadHistory(f)
		_ = f.Close()
	}

	return &linerPrompter{State: st, history: history}
}

func (p *linerPrompter) Close() error {
	if p.history != "" {
		if f, err := os.Create(p.history); err == nil {
			_, _ = p.WriteHistory(f)
			_ = f.Close()
		}
	}

	return p.State.Close()
}

var shellCommands = []string{"get", "set", "del", "keys", "dump", "reload", "reset", "help", "exit"}

func historyPath(env map[string]string) string {
	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".atomically_history")
	}

	return ""
}

func (a *app) shellCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("shell", flag.ContinueOnError),
		Usage: "shell <file>",
		Short: "Interactive key-value shell over a file",
		Long:  "Open <file> as a key-value store and edit it interactively. Every change is saved atomically.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) < 1 {
				return errFileRequired
			}

			s, err := a.openStore(ctx, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			var p prompter

			if o.In() == os.Stdin && liner.TerminalSupported() {
				p = newLinerPrompter(historyPath(a.env), func(line string) []string {
					var out []string

					for _, c := range shellCommands {
						if strings.HasPrefix(c, strings.ToLower(line)) {
							out = append(out, c)
						}
					}

					return out
				})
			} else {
				p = &scanPrompter{sc: bufio.NewScanner(o.In())}
			}
			defer p.Close()

			return runShell(ctx, o, s, p)
		},
	}
}

func runShell(ctx context.Context, o *IO, s *kvstore.Store, p prompter) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line, err := p.Prompt("atomically> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		p.AppendHistory(line)

		fields := strings.Fields(line)
		cmd, args := strings.ToLower(fields[0]), fields[1:]

		if cmd == "exit" || cmd == "quit" || cmd == "q" {
			return nil
		}

		err = shellExec(ctx, o, s, cmd, args)
		if err != nil {
			o.Println("error:", err)
		}
	}
}

func shellExec(ctx context.Context, o *IO, s *kvstore.Store, cmd string, args []string) error {
	switch cmd {
	case "get":
		if len(args) != 1 {
			return errKeyRequired
		}

		return printKey(o, s, args[0])
	case "set":
		if len(args) < 2 {
			return errValueRequired
		}

		return s.Set(ctx, args[0], parseValue(strings.Join(args[1:], " ")))
	case "del":
		if len(args) != 1 {
			return errKeyRequired
		}

		return s.Delete(ctx, args[0])
	case "keys":
		for _, k := range s.Keys() {
			o.Println(k)
		}

		return nil
	case "dump":
		data, err := s.Codec().Marshal(s.Snapshot())
		if err != nil {
			return err
		}

		_, err = o.Write(data)

		return err
	case "reload":
		return s.Reload(ctx)
	case "reset":
		return s.Reset(ctx)
	case "help":
		o.Println("commands: get <key>, set <key> <value>, del <key>, keys, dump, reload, reset, exit")

		return nil
	}

	return fmt.Errorf("unknown command: %s (try help)", cmd)
}
