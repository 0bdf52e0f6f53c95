// Package cli implements the atomically command line tool.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"

	"github.com/calvinalkan/atomically/internal/config"
	"github.com/calvinalkan/atomically/pkg/atomicfile"
	"github.com/calvinalkan/atomically/pkg/fs"
)

var (
	errFlagRequiresArg = errors.New("flag requires an argument")
	errUnknownFlag     = errors.New("unknown flag")
)

const helpFlag = "--help"

// app is the state shared by every command of one invocation.
type app struct {
	cfg    config.Config
	w      *atomicfile.Writer
	logger *slog.Logger
	env    map[string]string
}

// Run is the main entry point. Returns exit code.
//
// A signal on sigCh cancels the context passed to the running command.
// Writes in flight give up and remove their temp files, and any temp file
// still tracked is removed before Run returns.
func Run(in io.Reader, out, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	flags, err := parseGlobalFlags(args[min(1, len(args)):])
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	cfg, err := config.Load(config.LoadInput{
		WorkDirOverride:  flags.workDir,
		ConfigPath:       flags.configPath,
		LogLevelOverride: flags.logLevel,
		Env:              env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	a := &app{
		cfg:    cfg,
		w:      newWriter(cfg, logger),
		logger: logger,
		env:    env,
	}
	defer a.w.PurgeTemps()

	// sigCh is only set for a real process. Signals it does not carry still
	// get the temp files cleaned up before the process dies.
	if sigCh != nil {
		stop := atomicfile.InstallExitHook(a.w, syscall.SIGHUP, syscall.SIGQUIT)
		defer stop()
	}

	commands := a.commands()

	if len(flags.remaining) == 0 || flags.remaining[0] == "-h" || flags.remaining[0] == helpFlag {
		printUsage(out, commands)

		return 0
	}

	name := flags.remaining[0]

	var cmd *Command

	for _, c := range commands {
		if c.Name() == name {
			cmd = c

			break
		}
	}

	if cmd == nil {
		fprintln(errOut, "error: unknown command:", name)
		printUsage(errOut, commands)

		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case sig := <-sigCh:
				logger.Info("signal received, cancelling", "signal", sig)
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	return cmd.Run(ctx, NewIO(in, out, errOut), flags.remaining[1:])
}

// newWriter builds the writer for one invocation. It gets its own temp
// registry so Run only ever purges temp files it created.
func newWriter(cfg config.Config, logger *slog.Logger) *atomicfile.Writer {
	return atomicfile.NewWriter(atomicfile.WriterOptions{
		FS:           fs.NewReal(),
		Slots:        atomicfile.NewSlots(cfg.SlotLimit),
		MaxBasename:  cfg.MaxBasename,
		AsyncTimeout: cfg.Timeout(),
		SyncTimeout:  cfg.SyncTimeout(),
		Logger:       logger,
	})
}

func (a *app) commands() []*Command {
	return []*Command{
		a.writeCmd(),
		a.readCmd(),
		a.getCmd(),
		a.setCmd(),
		a.delCmd(),
		a.keysCmd(),
		a.shellCmd(),
		a.stressCmd(),
		a.printConfigCmd(),
	}
}

type globalFlags struct {
	workDir    string
	configPath string
	logLevel   string
	remaining  []string
}

func parseGlobalFlags(args []string) (globalFlags, error) {
	var flags globalFlags

	idx := 0
	for idx < len(args) {
		consumed, err := parseFlag(args, idx, &flags)
		if err != nil {
			return globalFlags{}, err
		}

		if consumed == 0 {
			flags.remaining = args[idx:]

			break
		}

		idx += consumed
	}

	return flags, nil
}

// parseFlag tries to parse a global flag at args[idx]. Returns number of
// args consumed (0 if not a flag).
func parseFlag(args []string, idx int, flags *globalFlags) (int, error) {
	arg := args[idx]

	valued := []struct {
		short, long string
		dst         *string
	}{
		{"-C", "--cwd", &flags.workDir},
		{"-c", "--config", &flags.configPath},
		{"", "--log-level", &flags.logLevel},
	}

	for _, f := range valued {
		if (f.short != "" && arg == f.short) || arg == f.long {
			if idx+1 >= len(args) {
				return 0, fmt.Errorf("%w: %s", errFlagRequiresArg, arg)
			}

			*f.dst = args[idx+1]

			return 2, nil
		}

		if after, ok := strings.CutPrefix(arg, f.long+"="); ok {
			*f.dst = after

			return 1, nil
		}
	}

	if arg == "-h" || arg == helpFlag {
		flags.remaining = []string{helpFlag}

		return len(args) - idx, nil
	}

	if strings.HasPrefix(arg, "-") && arg != "-" {
		return 0, fmt.Errorf("%w: %s", errUnknownFlag, arg)
	}

	return 0, nil
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, commands []*Command) {
	fprintln(w, `atomically - atomic file writes and a file-backed key-value store

Usage: atomically [options] <command> [args]

Options:
  -C, --cwd <dir>        Run as if started in <dir>
  -c, --config <file>    Use specified config file
      --log-level <lvl>  debug, info, warn or error

Commands:`)

	for _, c := range commands {
		fprintln(w, c.HelpLine())
	}
}
