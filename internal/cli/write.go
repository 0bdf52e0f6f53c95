package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/calvinalkan/atomically/pkg/atomicfile"

	flag "github.com/spf13/pflag"
)

var (
	errPathRequired = errors.New("path is required")
	errModeInvalid  = errors.New("invalid mode")
)

func (a *app) abs(path string) string {
	if filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(a.cfg.EffectiveCwd, path)
}

func (a *app) writeCmd() *Command {
	flags := flag.NewFlagSet("write", flag.ContinueOnError)

	data := flags.StringP("data", "d", "", "content to write (default: read stdin)")
	mode := flags.StringP("mode", "m", "", "octal file mode, e.g. 0644 (default: inherit)")
	encoding := flags.StringP("encoding", "e", "utf8", "content encoding: utf8, base64, hex, latin1")
	noFsync := flags.Bool("no-fsync", false, "skip flushing the temp file")
	noFsyncWait := flags.Bool("no-fsync-wait", false, "start the flush but do not wait for it")
	timeout := flags.Duration("timeout", 0, "retry deadline (default from config)")
	sync := flags.Bool("sync", false, "use the blocking write path")

	return &Command{
		Flags: flags,
		Usage: "write <path> [flags]",
		Short: "Atomically replace a file",
		Long: "Write content to <path> through a temp file and rename, so readers never see a partial file.\n" +
			"Content comes from --data, or stdin if --data is not given.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return errPathRequired
			}

			opts, err := a.writeOptions(*mode, *encoding, *noFsync, *noFsyncWait, *timeout)
			if err != nil {
				return err
			}

			path := a.abs(args[0])

			var content string

			if flags.Changed("data") {
				content = *data
			} else {
				b, err := io.ReadAll(o.In())
				if err != nil {
					return fmt.Errorf("reading stdin: %w", err)
				}

				content = string(b)
			}

			if *sync {
				return a.w.WriteStringSync(path, content, &opts)
			}

			return a.w.WriteString(ctx, path, content, &opts)
		},
	}
}

func (a *app) writeOptions(mode, encoding string, noFsync, noFsyncWait bool, timeout time.Duration) (atomicfile.WriteOptions, error) {
	opts := a.cfg.WriteOptions()
	opts.Encoding = encoding

	if noFsync {
		opts.NoFsync = true
	}

	if noFsyncWait {
		opts.NoFsyncWait = true
	}

	if timeout > 0 {
		opts.Timeout = timeout
	}

	if mode != "" {
		m, err := parseMode(mode)
		if err != nil {
			return atomicfile.WriteOptions{}, err
		}

		opts.Mode = m
	}

	return opts, nil
}

// parseMode parses an octal chmod-style mode. The 04000, 02000 and 01000
// bits map to the setuid, setgid and sticky bits of [os.FileMode].
func parseMode(s string) (os.FileMode, error) {
	m, err := strconv.ParseUint(s, 8, 32)
	if err != nil || m > 0o7777 {
		return 0, fmt.Errorf("%w: %q", errModeInvalid, s)
	}

	mode := os.FileMode(m) & os.ModePerm

	if m&0o4000 != 0 {
		mode |= os.ModeSetuid
	}

	if m&0o2000 != 0 {
		mode |= os.ModeSetgid
	}

	if m&0o1000 != 0 {
		mode |= os.ModeSticky
	}

	return mode, nil
}

func (a *app) readCmd() *Command {
	flags := flag.NewFlagSet("read", flag.ContinueOnError)

	encoding := flags.StringP("encoding", "e", "utf8", "output encoding: utf8, base64, hex, latin1")
	sync := flags.Bool("sync", false, "use the blocking read path")

	return &Command{
		Flags: flags,
		Usage: "read <path> [flags]",
		Short: "Print a file",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return errPathRequired
			}

			path := a.abs(args[0])
			opts := &atomicfile.ReadOptions{Encoding: *encoding}

			var (
				s   string
				err error
			)

			if *sync {
				s, err = a.w.ReadStringSync(path, opts)
			} else {
				s, err = a.w.ReadString(ctx, path, opts)
			}

			if err != nil {
				return err
			}

			o.Printf("%s", s)

			return nil
		},
	}
}
