package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
)

const (
	replPrompt   = "\033[32mjit>\033[0m "
	resultPrefix = "\033[31m=\033[0m "
)

const replHelp = `commands:
  list                  exported functions
  units                 loaded unit files
  call <name> [args...] call a function
  add <file>            add a unit
  remove <file>         remove a unit
  reload <file>         remove and re-add a unit
  quit`

func runRepl(ctx context.Context, s *session) error {
	home, _ := os.UserHomeDir()
	l, err := readline.NewEx(&readline.Config{
		Prompt:            replPrompt,
		HistoryFile:       filepath.Join(home, ".jitrun_history"),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer l.Close()
	l.CaptureExitSignal()

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				return nil
			}
			continue
		} else if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		quit, err := replCommand(ctx, s, l.Stdout(), fields)
		if err != nil {
			fmt.Fprintln(l.Stderr(), errorStyle.Render("error: "+err.Error()))
		}
		if quit {
			return nil
		}
	}
}

func replCommand(ctx context.Context, s *session, out io.Writer, fields []string) (bool, error) {
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "quit", "exit":
		return true, nil
	case "help", "?":
		fmt.Fprintln(out, replHelp)
	case "list", "ls":
		for _, f := range s.functions() {
			fmt.Fprintf(out, "%s %s\n", funcStyle.Render(f.name), typeStyle.Render(f.sig.String()))
		}
	case "units":
		for _, p := range s.loaded() {
			fmt.Fprintln(out, p)
		}
	case "call":
		if len(args) == 0 {
			return false, fmt.Errorf("usage: call <name> [args...]")
		}
		res, err := s.call(ctx, args[0], args[1:])
		if err != nil {
			return false, err
		}
		fmt.Fprintln(out, resultPrefix+res)
	case "add", "remove", "reload":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: %s <file>", cmd)
		}
		var err error
		switch cmd {
		case "add":
			err = s.add(ctx, args[0])
		case "remove":
			err = s.remove(ctx, args[0])
		default:
			err = s.reload(ctx, args[0])
		}
		if err != nil {
			return false, err
		}
	default:
		return false, fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return false, nil
}
