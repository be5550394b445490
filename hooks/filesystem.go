package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/mattn/go-shellwords"
	"go.uber.org/zap"

	"wick_core/agent"
	"wick_core/backend"
)

const (
	// maxResultChars is the tool output size above which results are evicted (~20k tokens).
	maxResultChars = 80_000
	evictionHead   = 2000
	evictionDir    = "/large_tool_results/"

	maxReadLimit = 2000
	globLimit    = 100
	grepLimit    = 200
)

// Tools whose output is already bounded or is file content the model asked for.
var noEviction = map[string]bool{
	"ls": true, "glob": true, "grep": true,
	"read_file": true, "edit_file": true, "write_file": true,
}

const filesystemPrompt = `## Filesystem

You have access to a filesystem through these tools. All paths are absolute and start with "/".
- ls: list a directory
- read_file: read a file; use offset and limit (in lines) for large files
- write_file: create or overwrite a file
- edit_file: replace an exact string in a file; old_string must be unique unless replace_all is set
- glob: find files by pattern ("**/*.go")
- grep: search file contents with a regular expression`

const executePrompt = `- execute: run a shell command in the sandbox and get stdout, stderr and the exit code`

// FilesystemHook contributes the file tools (ls, read_file, write_file,
// edit_file, glob, grep, and execute when the backend can run commands).
// Every effect goes through the configured backend.
//
// It also evicts oversized tool results: output above 80,000 chars is saved
// under /large_tool_results/ and replaced by an excerpt and a pointer.
type FilesystemHook struct {
	agent.BaseHook
	fs     backend.Backend
	tools  []agent.Tool
	exec   bool
	logger *zap.Logger
}

// NewFilesystemHook creates a filesystem hook backed by b.
func NewFilesystemHook(b backend.Backend, logger *zap.Logger) *FilesystemHook {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &FilesystemHook{fs: b, exec: backend.CanExecute(b), logger: logger.Named("filesystem")}
	h.tools = h.buildTools()
	return h
}

func (h *FilesystemHook) Name() string { return agent.MiddlewareFilesystem }

func (h *FilesystemHook) Tools() []agent.Tool { return h.tools }

func (h *FilesystemHook) SystemPrompt() string {
	if h.exec {
		return filesystemPrompt + "\n" + executePrompt
	}
	return filesystemPrompt
}

func pathParam(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func (h *FilesystemHook) buildTools() []agent.Tool {
	tools := []agent.Tool{
		&agent.FuncTool{
			ToolName: "ls",
			ToolDesc: "List files and directories at a given path. Returns paths, types, and sizes.",
			ToolParams: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": pathParam("Directory path to list (default: /)"),
				},
			},
			Fn: h.ls,
		},
		&agent.FuncTool{
			ToolName: "read_file",
			ToolDesc: "Read the contents of a file. Use offset and limit (lines) to read part of a large file.",
			ToolParams: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path": pathParam("Absolute path of the file to read"),
					"offset":    map[string]any{"type": "integer", "description": "First line to read, 0-based (default 0)"},
					"limit":     map[string]any{"type": "integer", "description": fmt.Sprintf("Number of lines to read (default and max %d)", maxReadLimit)},
				},
				"required": []string{"file_path"},
			},
			Fn: h.readFile,
		},
		&agent.FuncTool{
			ToolName: "write_file",
			ToolDesc: "Write content to a file, creating it or replacing its contents.",
			ToolParams: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path": pathParam("Absolute path of the file to write"),
					"content":   map[string]any{"type": "string", "description": "Content to write"},
				},
				"required": []string{"file_path", "content"},
			},
			Fn: h.writeFile,
		},
		&agent.FuncTool{
			ToolName: "edit_file",
			ToolDesc: "Edit a file by replacing old_string with new_string. old_string must match exactly and occur once, unless replace_all is true.",
			ToolParams: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path":   pathParam("Absolute path of the file to edit"),
					"old_string":  map[string]any{"type": "string", "description": "Exact text to find"},
					"new_string":  map[string]any{"type": "string", "description": "Replacement text"},
					"replace_all": map[string]any{"type": "boolean", "description": "Replace every occurrence (default false)"},
				},
				"required": []string{"file_path", "old_string", "new_string"},
			},
			Fn: h.editFile,
		},
		&agent.FuncTool{
			ToolName: "glob",
			ToolDesc: fmt.Sprintf("Find files matching a glob pattern. Returns at most %d paths.", globLimit),
			ToolParams: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pattern": map[string]any{"type": "string", "description": "Glob pattern (e.g., '*.py', '/src/**/*.go')"},
					"path":    pathParam("Directory to search in (default: /)"),
				},
				"required": []string{"pattern"},
			},
			Fn: h.glob,
		},
		&agent.FuncTool{
			ToolName: "grep",
			ToolDesc: fmt.Sprintf("Search file contents with a regular expression. Returns at most %d matching lines with paths and line numbers.", grepLimit),
			ToolParams: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pattern": map[string]any{"type": "string", "description": "Regular expression"},
					"path":    pathParam("Directory to search in (default: /)"),
				},
				"required": []string{"pattern"},
			},
			Fn: h.grep,
		},
	}

	if h.exec {
		tools = append(tools, &agent.FuncTool{
			ToolName: "execute",
			ToolDesc: "Execute a shell command in the sandbox. Returns stdout, stderr and the exit code.",
			ToolParams: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string", "description": "Shell command to execute"},
				},
				"required": []string{"command"},
			},
			Fn: h.execute,
		})
	}
	return tools
}

// pathArg reads and normalizes a path argument. An absent optional path is "/".
func pathArg(args map[string]any, name string, required bool) (string, error) {
	p, err := agent.StringArg(args, name, required)
	if err != nil {
		return "", err
	}
	if p == "" {
		return "/", nil
	}
	clean, err := backend.NormalizePath(p)
	if err != nil {
		var pe *backend.PathError
		if errors.As(err, &pe) {
			return "", agent.Invalidf("%s %q: %s", name, p, pe.Msg)
		}
		return "", agent.Invalidf("%s %q: %v", name, p, err)
	}
	return clean, nil
}

func (h *FilesystemHook) ls(ctx context.Context, args map[string]any) (string, error) {
	p, err := pathArg(args, "path", false)
	if err != nil {
		return "", err
	}
	entries, err := h.fs.List(ctx, p)
	if err != nil {
		return "", err
	}
	if entries == nil {
		entries = []backend.Entry{}
	}
	data, _ := json.Marshal(entries)
	return string(data), nil
}

func (h *FilesystemHook) readFile(ctx context.Context, args map[string]any) (string, error) {
	p, err := pathArg(args, "file_path", true)
	if err != nil {
		return "", err
	}
	offset, err := agent.IntArg(args, "offset", 0)
	if err != nil {
		return "", err
	}
	limit, err := agent.IntArg(args, "limit", 0)
	if err != nil {
		return "", err
	}
	if limit <= 0 || limit > maxReadLimit {
		limit = maxReadLimit
	}
	// One extra line tells whether the file goes on.
	content, err := h.fs.Read(ctx, p, offset, limit+1)
	if err != nil {
		return "", err
	}
	return boundRead(content, offset, limit), nil
}

// boundRead cuts content to limit lines and maxResultChars, telling the
// model where to continue.
func boundRead(content string, offset, limit int) string {
	lines := strings.SplitAfterN(content, "\n", limit+1)
	more := len(lines) > limit && lines[limit] != ""
	if more {
		lines = lines[:limit]
	}
	kept := len(lines)
	out := strings.Join(lines, "")
	if len(out) > maxResultChars {
		cut := strings.LastIndexByte(out[:maxResultChars], '\n')
		if cut >= 0 {
			out = out[:cut+1]
			kept = strings.Count(out, "\n")
		} else {
			// a single very long line
			out = headRunes(out, maxResultChars)
			kept = 1
		}
		more = true
	}
	if !more {
		return out
	}
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return fmt.Sprintf("%s[showing lines %d-%d; more remain, continue with offset=%d]",
		out, offset+1, offset+kept, offset+kept)
}

func (h *FilesystemHook) writeFile(ctx context.Context, args map[string]any) (string, error) {
	p, err := pathArg(args, "file_path", true)
	if err != nil {
		return "", err
	}
	content, err := agent.StringArg(args, "content", true)
	if err != nil {
		return "", err
	}
	if err := h.fs.Write(ctx, p, content); err != nil {
		return "", err
	}
	return fmt.Sprintf("File written: %s (%d bytes)", p, len(content)), nil
}

func (h *FilesystemHook) editFile(ctx context.Context, args map[string]any) (string, error) {
	p, err := pathArg(args, "file_path", true)
	if err != nil {
		return "", err
	}
	oldStr, err := agent.StringArg(args, "old_string", true)
	if err != nil {
		return "", err
	}
	if _, ok := args["new_string"]; !ok {
		return "", agent.Invalidf("new_string is required")
	}
	newStr, err := agent.StringArg(args, "new_string", false)
	if err != nil {
		return "", err
	}
	replaceAll, err := agent.BoolArg(args, "replace_all")
	if err != nil {
		return "", err
	}
	n, err := h.fs.Edit(ctx, p, oldStr, newStr, replaceAll)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Edited %s (%d replacement(s))", p, n), nil
}

func (h *FilesystemHook) glob(ctx context.Context, args map[string]any) (string, error) {
	pattern, err := agent.StringArg(args, "pattern", true)
	if err != nil {
		return "", err
	}
	p, err := pathArg(args, "path", false)
	if err != nil {
		return "", err
	}
	paths := []string{}
	truncated := false
	for path, err := range h.fs.Glob(ctx, pattern, p) {
		if err != nil {
			return "", err
		}
		if len(paths) == globLimit {
			truncated = true
			break
		}
		paths = append(paths, path)
	}
	data, _ := json.Marshal(paths)
	if truncated {
		return fmt.Sprintf("%s\n[results truncated at %d paths; narrow the pattern]", data, globLimit), nil
	}
	return string(data), nil
}

func (h *FilesystemHook) grep(ctx context.Context, args map[string]any) (string, error) {
	pattern, err := agent.StringArg(args, "pattern", true)
	if err != nil {
		return "", err
	}
	p, err := pathArg(args, "path", false)
	if err != nil {
		return "", err
	}
	matches := []backend.Match{}
	truncated := false
	for m, err := range h.fs.Search(ctx, pattern, p) {
		if err != nil {
			return "", err
		}
		if len(matches) == grepLimit {
			truncated = true
			break
		}
		matches = append(matches, m)
	}
	data, _ := json.Marshal(matches)
	if truncated {
		return fmt.Sprintf("%s\n[results truncated at %d matches; narrow the pattern or path]", data, grepLimit), nil
	}
	return string(data), nil
}

func (h *FilesystemHook) execute(ctx context.Context, args map[string]any) (string, error) {
	command, err := agent.StringArg(args, "command", true)
	if err != nil {
		return "", err
	}
	if err := checkCommand(command); err != nil {
		return "", err
	}
	exec, ok := h.fs.(backend.Executor)
	if !ok {
		return "", agent.NewToolError(agent.KindUnsupported, "backend %s cannot execute commands", h.fs.ID())
	}
	result, err := exec.Execute(ctx, command)
	if err != nil {
		return "", err
	}
	data, _ := json.Marshal(result)
	return string(data), nil
}

// checkCommand rejects empty commands and unbalanced quoting, walking the
// command one operator-separated segment at a time. shellwords refuses
// subshells and $(( )); those segments only fail when a quote is left open.
// Everything else is left to the backend shell.
func checkCommand(command string) error {
	if strings.TrimSpace(command) == "" {
		return agent.Invalidf("command is empty")
	}
	p := shellwords.NewParser()
	rest := []rune(command)
	for len(rest) > 0 {
		if _, err := p.Parse(string(rest)); err != nil {
			return quotingError(string(rest))
		}
		if p.Position < 0 {
			return nil
		}
		// Position counts runes
		rest = rest[p.Position+1:]
	}
	return nil
}

func quotingError(segment string) error {
	switch q := openQuote(segment); q {
	case 0:
		return nil
	case '\\':
		return agent.Invalidf("malformed command: trailing backslash")
	default:
		return agent.Invalidf("malformed command: unterminated %c quote", q)
	}
}

// openQuote returns the quote character left open at the end of command,
// or 0. A trailing backslash counts as open.
func openQuote(command string) rune {
	var quote rune
	escaped := false
	for _, r := range command {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
		case quote == 0 && (r == '\'' || r == '"' || r == '`'):
			quote = r
		case r == quote:
			quote = 0
		}
	}
	if escaped {
		return '\\'
	}
	return quote
}

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// WrapToolCall implements large result eviction.
func (h *FilesystemHook) WrapToolCall(ctx context.Context, call agent.ToolCall, next agent.ToolCallFunc) (*agent.ToolResult, error) {
	result, err := next(ctx, call)
	if err != nil || result == nil {
		return result, err
	}
	if len(result.Output) <= maxResultChars || noEviction[call.Name] {
		return result, nil
	}

	size := len(result.Output)
	target := evictionDir + unsafeIDChars.ReplaceAllString(call.ID, "_")
	if h.writable(target) {
		werr := h.fs.Write(ctx, target, result.Output)
		if werr == nil {
			h.logger.Debug("evicted tool result", zap.String("tool", call.Name), zap.String("path", target), zap.Int("chars", size))
			result.Output = fmt.Sprintf(
				"%s\n\n... [Output too large: %d chars. Full result saved to %s; use read_file with offset and limit to page through it] ...",
				headRunes(result.Output, evictionHead), size, target,
			)
			return result, nil
		}
		h.logger.Warn("tool result eviction failed", zap.String("path", target), zap.Error(werr))
	}

	head := headRunes(result.Output, evictionHead)
	tail := tailRunes(result.Output, evictionHead)
	result.Output = fmt.Sprintf(
		"%s\n\n... [Output truncated: %d chars total. Showing first and last %d chars] ...\n\n%s",
		head, size, evictionHead, tail,
	)
	return result, nil
}

func (h *FilesystemHook) writable(p string) bool {
	if c, ok := h.fs.(*backend.CompositeBackend); ok {
		return c.CapabilitiesAt(p).Write
	}
	return h.fs.Capabilities().Write
}

// truncate shortens s to at most n bytes, marking the cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(headRunes(s, n)) + "... [truncated]"
}

// headRunes returns at most the first n bytes of s without splitting a rune.
func headRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// tailRunes returns at most the last n bytes of s without splitting a rune.
func tailRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
