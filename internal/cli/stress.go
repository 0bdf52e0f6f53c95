package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	flag "github.com/spf13/pflag"
)

var errTorn = errors.New("final content matches no writer")

func stressPayload(i, size int) string {
	line := fmt.Sprintf("writer-%06d\n", i)

	return strings.Repeat(line, max(1, size/len(line)))
}

func (a *app) stressCmd() *Command {
	flags := flag.NewFlagSet("stress", flag.ContinueOnError)

	n := flags.IntP("writers", "n", 100, "number of concurrent writers")
	size := flags.Int("size", 4096, "approximate payload size in bytes")

	return &Command{
		Flags: flags,
		Usage: "stress <path> [flags]",
		Short: "Race concurrent writers on one file",
		Long: "Start N concurrent writes to <path>, each with a distinct payload, and check\n" +
			"that the file ends up holding exactly one of them.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return errPathRequired
			}

			path := a.abs(args[0])
			opts := a.cfg.WriteOptions()

			payloads := make(map[string]int, *n)

			start := time.Now()

			g, gctx := errgroup.WithContext(ctx)

			for i := range *n {
				p := stressPayload(i, *size)
				payloads[p] = i

				g.Go(func() error {
					return a.w.WriteString(gctx, path, p, &opts)
				})
			}

			if err := g.Wait(); err != nil {
				return err
			}

			elapsed := time.Since(start)

			got, err := a.w.ReadString(ctx, path, nil)
			if err != nil {
				return err
			}

			winner, ok := payloads[got]
			if !ok {
				return fmt.Errorf("%w: %s", errTorn, path)
			}

			o.Printf("ok writers=%d winner=%d elapsed=%s\n", *n, winner, elapsed.Round(time.Millisecond))

			return nil
		},
	}
}
