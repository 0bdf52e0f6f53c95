package cli

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"

	"github.com/calvinalkan/atomically/pkg/kvstore"
	"github.com/tailscale/hujson"

	flag "github.com/spf13/pflag"
)

var (
	errFileRequired  = errors.New("file is required")
	errKeyRequired   = errors.New("key is required")
	errValueRequired = errors.New("value is required")
)

// codecFor picks the codec from the file extension, falling back to the
// configured format.
func (a *app) codecFor(path string) (kvstore.Codec, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		return kvstore.JSON, nil
	case ".yaml", ".yml":
		return kvstore.YAML, nil
	case ".cbor":
		return kvstore.CBOR, nil
	}

	return kvstore.CodecByName(a.cfg.Format)
}

func (a *app) openStore(ctx context.Context, file string) (*kvstore.Store, error) {
	path := a.abs(file)

	codec, err := a.codecFor(path)
	if err != nil {
		return nil, err
	}

	opts := a.cfg.WriteOptions()

	return kvstore.Open(ctx, path, kvstore.Options{
		Codec:        codec,
		Writer:       a.w,
		WriteOptions: &opts,
	})
}

// parseValue reads a JSONC literal. Anything that does not parse is taken
// as a plain string, so "set f k hello" works without quoting.
func parseValue(s string) any {
	standardized, err := hujson.Standardize([]byte(s))
	if err != nil {
		return s
	}

	var v any

	if err := json.Unmarshal(standardized, &v); err != nil {
		return s
	}

	return v
}

func formatValue(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

func (a *app) getCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("get", flag.ContinueOnError),
		Usage: "get <file> <key>",
		Short: "Print the value at a dotted key",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) < 1 {
				return errFileRequired
			}

			if len(args) < 2 {
				return errKeyRequired
			}

			s, err := a.openStore(ctx, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			return printKey(o, s, args[1])
		},
	}
}

func printKey(o *IO, s *kvstore.Store, key string) error {
	v, ok := s.Get(key)
	if !ok {
		return kvstore.ErrKeyNotFound
	}

	out, err := formatValue(v)
	if err != nil {
		return err
	}

	o.Println(out)

	return nil
}

func (a *app) setCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("set", flag.ContinueOnError),
		Usage: "set <file> <key> <value>",
		Short: "Set a dotted key to a JSON value",
		Long:  "Set <key> in <file> and atomically save. <value> is parsed as JSON; if that fails it is stored as a string.",
		Exec: func(ctx context.Context, _ *IO, args []string) error {
			switch len(args) {
			case 0:
				return errFileRequired
			case 1:
				return errKeyRequired
			case 2:
				return errValueRequired
			}

			s, err := a.openStore(ctx, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			return s.Set(ctx, args[1], parseValue(strings.Join(args[2:], " ")))
		},
	}
}

func (a *app) delCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("del", flag.ContinueOnError),
		Usage: "del <file> <key>",
		Short: "Delete a dotted key",
		Exec: func(ctx context.Context, _ *IO, args []string) error {
			if len(args) < 1 {
				return errFileRequired
			}

			if len(args) < 2 {
				return errKeyRequired
			}

			s, err := a.openStore(ctx, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			return s.Delete(ctx, args[1])
		},
	}
}

func (a *app) keysCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("keys", flag.ContinueOnError),
		Usage: "keys <file>",
		Short: "List every leaf key",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) < 1 {
				return errFileRequired
			}

			s, err := a.openStore(ctx, args[0])
			if err != nil {
				return err
			}
			defer s.Close()

			for _, k := range s.Keys() {
				o.Println(k)
			}

			return nil
		},
	}
}
