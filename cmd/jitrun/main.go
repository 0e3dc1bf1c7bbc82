package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/dc0d/onexit"
	"github.com/docker/go-units"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/jitstack/jit"
)

func main() {
	var (
		unitFiles   = flag.String("unit", "", "Comma-separated wasm units to add (.wasm, .wasm.lz4, .wasm.xz)")
		lazy        = flag.Bool("lazy", false, "Add units lazily: compile on first call")
		funcName    = flag.String("call", "", "Function to call")
		callArgs    = flag.String("args", "", "Comma-separated arguments for -call")
		list        = flag.Bool("list", false, "List exported functions and exit")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
		repl        = flag.Bool("repl", false, "Line-oriented shell")
		watch       = flag.Bool("watch", false, "Reload units when their files change")
		triple      = flag.String("triple", "", "Target triple (default: host)")
		cpu         = flag.String("cpu", "", "Target CPU")
		memory      = flag.String("memory", "", "Linear memory limit per unit, e.g. 64MiB")
		cacheDir    = flag.String("cache", "", "Directory for the compiled-code cache")
		verbose     = flag.Bool("v", false, "Verbose logging")
	)
	flag.Parse()

	if *unitFiles == "" {
		fmt.Fprintln(os.Stderr, "Usage: jitrun -unit <a.wasm,b.wasm> [-lazy] [-call name] [-args 1,2]")
		fmt.Fprintln(os.Stderr, "       jitrun -unit <file.wasm> -list")
		fmt.Fprintln(os.Stderr, "       jitrun -unit <file.wasm> -i     (interactive mode)")
		fmt.Fprintln(os.Stderr, "       jitrun -unit <file.wasm> -repl  (shell)")
		os.Exit(1)
	}

	cfg := config{triple: *triple, cpu: *cpu, cacheDir: *cacheDir, mode: jit.Eager}
	if *lazy {
		cfg.mode = jit.Lazy
	}
	if *memory != "" {
		n, err := units.RAMInBytes(*memory)
		if err != nil || n < 0 {
			fmt.Fprintf(os.Stderr, "Error: invalid -memory %q\n", *memory)
			os.Exit(1)
		}
		cfg.memoryLimit = uint64(n)
	}
	cfg.logger = newLogger(*verbose)
	jit.SetLogger(cfg.logger)

	if err := run(cfg, splitList(*unitFiles), *funcName, splitList(*callArgs), *list, *interactive, *repl, *watch); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func run(cfg config, files []string, funcName string, args []string, listOnly, interactive, shell, watch bool) error {
	ctx := context.Background()

	s, err := newSession(ctx, cfg, os.Stdout)
	if err != nil {
		return err
	}
	onexit.Register(func() { _ = s.close(ctx) })
	defer s.close(ctx)

	for _, f := range files {
		if err := s.add(ctx, f); err != nil {
			return fmt.Errorf("add %s: %w", f, err)
		}
	}

	if watch {
		w, err := watchUnits(ctx, s, files)
		if err != nil {
			return err
		}
		defer w.Close()
	}

	switch {
	case interactive && term.IsTerminal(int(os.Stdout.Fd())):
		return runInteractive(ctx, s, files)
	case interactive || shell:
		return runRepl(ctx, s)
	case funcName != "":
		out, err := s.call(ctx, funcName, args)
		if err != nil {
			return fmt.Errorf("call %s: %w", funcName, err)
		}
		fmt.Println(out)
		return nil
	}

	listFunctions(s)
	if !listOnly && len(files) > 0 {
		fmt.Println("\nUse -call <name> to call a function, -i for interactive mode")
	}
	return nil
}

func listFunctions(s *session) {
	fns := s.functions()
	fmt.Printf("Units: %s\n", strings.Join(s.loaded(), ", "))
	fmt.Printf("Functions: %d\n", len(fns))
	for _, f := range fns {
		fmt.Printf("  %s %s  @0x%x\n", f.name, f.sig, f.addr)
	}
}
