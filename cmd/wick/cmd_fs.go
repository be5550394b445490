package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"wick_core/backend"
)

type fsCmd struct {
	c       *cli
	name    string
	root    string
	timeout time.Duration
}

// newFSCmd exposes backend operations as JSON responses. Every operation
// goes through the Backend interface, so routing and capability rules are
// the ones agents see.
func newFSCmd(c *cli) *cobra.Command {
	f := &fsCmd{c: c}
	cmd := &cobra.Command{
		Use:   "fs",
		Short: "Operate on a configured backend",
	}
	cmd.PersistentFlags().StringVar(&f.name, "backend", "", "named backend from the agents file")
	cmd.PersistentFlags().StringVar(&f.root, "root", "", "use a disk backend rooted at this directory, with local exec")
	cmd.PersistentFlags().DurationVar(&f.timeout, "timeout", 2*time.Minute, "exec timeout for --root")

	readCmd := f.op("read <path>", "Read a file", cobra.ExactArgs(1), f.read)
	readCmd.Flags().Int("offset", 0, "first line to return (0-based)")
	readCmd.Flags().Int("limit", 0, "maximum lines to return (0 = all)")

	cmd.AddCommand(
		f.op("caps", "Show the backend's capabilities", cobra.NoArgs, f.caps),
		f.op("ls [prefix]", "List entries under prefix", cobra.MaximumNArgs(1), f.ls),
		readCmd,
		f.op("write <path>", "Write stdin to a file", cobra.ExactArgs(1), f.write),
		f.op("edit <path>", `Edit a file; stdin is {"old_text","new_text","replace_all"}`, cobra.ExactArgs(1), f.edit),
		f.op("glob <pattern> [prefix]", "Find files by glob pattern", cobra.RangeArgs(1, 2), f.glob),
		f.op("grep <pattern> [prefix]", "Search file contents by regular expression", cobra.RangeArgs(1, 2), f.grep),
		f.op("exec <command>", "Run a shell command", cobra.MinimumNArgs(1), f.exec),
	)
	return cmd
}

type opFunc func(ctx context.Context, cmd *cobra.Command, b backend.Backend, args []string) (any, error)

func (f *fsCmd) op(use, short string, nargs cobra.PositionalArgs, fn opFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  nargs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := f.open(ctx)
			if err != nil {
				return err
			}
			data, err := fn(ctx, cmd, b, args)
			if err != nil {
				return writeError(cmd.OutOrStdout(), err)
			}
			return writeOK(cmd.OutOrStdout(), data)
		},
	}
}

func (f *fsCmd) open(ctx context.Context) (backend.Backend, error) {
	switch {
	case f.root != "" && f.name != "":
		return nil, fmt.Errorf("--root and --backend are exclusive")
	case f.root != "":
		return backend.NewDiskBackend(f.root, backend.WithLocalExec(f.timeout, 0))
	case f.name != "":
		if f.c.backends == nil {
			return nil, fmt.Errorf("--backend needs an agents file (set --config or WICK_CONFIG)")
		}
		return f.c.backends.Get(ctx, f.name)
	}
	return nil, fmt.Errorf("one of --backend or --root is required")
}

func (f *fsCmd) caps(_ context.Context, _ *cobra.Command, b backend.Backend, _ []string) (any, error) {
	caps := b.Capabilities()
	caps.Execute = backend.CanExecute(b)
	return map[string]any{"id": b.ID(), "capabilities": caps}, nil
}

func (f *fsCmd) ls(ctx context.Context, _ *cobra.Command, b backend.Backend, args []string) (any, error) {
	prefix := "/"
	if len(args) > 0 {
		prefix = args[0]
	}
	entries, err := b.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []backend.Entry{}
	}
	return entries, nil
}

func (f *fsCmd) read(ctx context.Context, cmd *cobra.Command, b backend.Backend, args []string) (any, error) {
	offset, _ := cmd.Flags().GetInt("offset")
	limit, _ := cmd.Flags().GetInt("limit")
	return b.Read(ctx, args[0], offset, limit)
}

func (f *fsCmd) write(ctx context.Context, cmd *cobra.Command, b backend.Backend, args []string) (any, error) {
	content, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return nil, fmt.Errorf("failed to read stdin: %w", err)
	}
	if err := b.Write(ctx, args[0], string(content)); err != nil {
		return nil, err
	}
	return map[string]any{"path": args[0], "bytes": len(content)}, nil
}

func (f *fsCmd) edit(ctx context.Context, cmd *cobra.Command, b backend.Backend, args []string) (any, error) {
	var in struct {
		OldText    string `json:"old_text"`
		NewText    string `json:"new_text"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := json.NewDecoder(cmd.InOrStdin()).Decode(&in); err != nil {
		return nil, fmt.Errorf("%w: edit input must be JSON: %v", backend.ErrInvalidPath, err)
	}
	n, err := b.Edit(ctx, args[0], in.OldText, in.NewText, in.ReplaceAll)
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": args[0], "replacements": n}, nil
}

func (f *fsCmd) glob(ctx context.Context, _ *cobra.Command, b backend.Backend, args []string) (any, error) {
	prefix := "/"
	if len(args) > 1 {
		prefix = args[1]
	}
	paths := []string{}
	for p, err := range b.Glob(ctx, args[0], prefix) {
		if err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func (f *fsCmd) grep(ctx context.Context, _ *cobra.Command, b backend.Backend, args []string) (any, error) {
	prefix := "/"
	if len(args) > 1 {
		prefix = args[1]
	}
	matches := []backend.Match{}
	for m, err := range b.Search(ctx, args[0], prefix) {
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, nil
}

func (f *fsCmd) exec(ctx context.Context, _ *cobra.Command, b backend.Backend, args []string) (any, error) {
	if !backend.CanExecute(b) {
		return nil, fmt.Errorf("%w: backend %s cannot execute commands", backend.ErrUnsupported, b.ID())
	}
	return b.(backend.Executor).Execute(ctx, strings.Join(args, " "))
}
