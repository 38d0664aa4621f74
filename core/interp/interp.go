// Package interp is the boundary between parsed shell source and the
// dispatcher. It lowers the syntax tree produced by mvdan.cc/sh into plain
// Command values, performing word expansion along the way, and leaves all
// execution decisions to an Executor.
package interp

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/marsh-shell/marsh/core/redirect"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"
)

// Command is one simple command ready for dispatch.
type Command struct {
	Name       string              `json:"name"`
	Args       []string            `json:"args,omitempty"`
	Env        map[string]string   `json:"env,omitempty"`
	Redirects  []redirect.Redirect `json:"redirects,omitempty"`
	Background bool                `json:"background,omitempty"`
}

// Executor runs lowered commands and owns the shell state they read.
//
// Execute and ExecutePipeline report the command's exit status; the error is
// reserved for conditions that must stop the current line, such as the exit
// builtin. Ordinary failures (command not found, bad redirect) are printed by
// the executor and show up only in the status.
type Executor interface {
	Execute(cmd *Command) (int, error)
	ExecutePipeline(cmds []*Command, background bool) (int, error)
	Getenv(name string) string
	Assign(name, value string)
}

// UnsupportedError reports syntax that parses but has no interpretation in
// this shell.
type UnsupportedError struct {
	Construct string
}

func (e *UnsupportedError) Error() string {
	return e.Construct + " is not supported"
}

// Runner parses shell source and evaluates it against an Executor.
type Runner struct {
	exec   Executor
	parser *syntax.Parser
	cfg    *expand.Config
}

// New returns a Runner bound to exec.
func New(exec Executor) *Runner {
	r := &Runner{
		exec:   exec,
		parser: syntax.NewParser(),
	}
	r.cfg = &expand.Config{
		// Variable lookups, including the specials ? $ ! # 0-9, are
		// answered by the executor. Globbing stays off: ReadDir2 is nil,
		// so patterns pass through as literals.
		Env: expand.FuncEnviron(exec.Getenv),
		CmdSubst: func(io.Writer, *syntax.CmdSubst) error {
			return &UnsupportedError{Construct: "command substitution"}
		},
	}
	return r
}

// Run evaluates src, which may hold several statements. It returns the exit
// status of the last statement evaluated. A non-nil error means the line
// stopped early: a parse error, an unsupported construct, or an executor
// error, with the status already reflecting the failure.
func (r *Runner) Run(src, name string) (int, error) {
	file, err := r.parser.Parse(strings.NewReader(src), name)
	if err != nil {
		return 1, err
	}
	status := 0
	for _, stmt := range file.Stmts {
		st, err := r.stmt(stmt)
		status = st
		if err != nil {
			return status, err
		}
	}
	return status, nil
}

func (r *Runner) stmt(st *syntax.Stmt) (int, error) {
	status, err := r.cmd(st)
	if err != nil {
		return status, err
	}
	if st.Negated {
		if status == 0 {
			return 1, nil
		}
		return 0, nil
	}
	return status, nil
}

func (r *Runner) cmd(st *syntax.Stmt) (int, error) {
	switch cm := st.Cmd.(type) {
	case nil:
		// A bare redirect like "> file" with no command. Nothing runs.
		return 0, nil
	case *syntax.CallExpr:
		cmd, err := r.command(st, cm)
		if err != nil {
			return 1, err
		}
		if cmd == nil {
			return 0, nil
		}
		return r.exec.Execute(cmd)
	case *syntax.DeclClause:
		cmd, err := r.declare(st, cm)
		if err != nil {
			return 1, err
		}
		return r.exec.Execute(cmd)
	case *syntax.BinaryCmd:
		switch cm.Op {
		case syntax.AndStmt, syntax.OrStmt:
			if st.Background {
				return 1, &UnsupportedError{Construct: "backgrounding a command list"}
			}
			status, err := r.stmt(cm.X)
			if err != nil {
				return status, err
			}
			if (status == 0) != (cm.Op == syntax.AndStmt) {
				return status, nil
			}
			return r.stmt(cm.Y)
		case syntax.Pipe, syntax.PipeAll:
			stages, err := r.stages(st)
			if err != nil {
				return 1, err
			}
			return r.exec.ExecutePipeline(stages, st.Background)
		}
	}
	return 1, &UnsupportedError{Construct: nodeName(st.Cmd)}
}

// command lowers a call expression. A nil Command with a nil error means the
// statement was handled entirely by assignments, or expanded to no words.
func (r *Runner) command(st *syntax.Stmt, cm *syntax.CallExpr) (*Command, error) {
	fields, err := expand.Fields(r.cfg, cm.Args...)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		// A naked "FOO=bar" assigns in the current shell.
		for _, as := range cm.Assigns {
			name, value, err := r.assign(as)
			if err != nil {
				return nil, err
			}
			r.exec.Assign(name, value)
		}
		return nil, nil
	}

	var env map[string]string
	for _, as := range cm.Assigns {
		name, value, err := r.assign(as)
		if err != nil {
			return nil, err
		}
		if env == nil {
			env = make(map[string]string)
		}
		env[name] = value
	}

	redirs, err := r.redirects(st.Redirs)
	if err != nil {
		return nil, err
	}
	return &Command{
		Name:       fields[0],
		Args:       fields[1:],
		Env:        env,
		Redirects:  redirs,
		Background: st.Background,
	}, nil
}

// declare lowers export/declare/readonly clauses, which the parser claims for
// itself, back into plain builtin calls for the dispatcher.
func (r *Runner) declare(st *syntax.Stmt, cm *syntax.DeclClause) (*Command, error) {
	args := make([]string, 0, len(cm.Args))
	for _, as := range cm.Args {
		switch {
		case as.Name == nil:
			if as.Value == nil {
				continue
			}
			s, err := expand.Literal(r.cfg, as.Value)
			if err != nil {
				return nil, err
			}
			args = append(args, s)
		case as.Naked && as.Value == nil:
			// Bare names and option flags like -p both land here.
			args = append(args, as.Name.Value)
		default:
			name, value, err := r.assign(as)
			if err != nil {
				return nil, err
			}
			args = append(args, name+"="+value)
		}
	}
	redirs, err := r.redirects(st.Redirs)
	if err != nil {
		return nil, err
	}
	return &Command{
		Name:       cm.Variant.Value,
		Args:       args,
		Redirects:  redirs,
		Background: st.Background,
	}, nil
}

func (r *Runner) assign(as *syntax.Assign) (name, value string, err error) {
	if as.Name == nil || as.Index != nil || as.Array != nil {
		return "", "", &UnsupportedError{Construct: "array assignment"}
	}
	if as.Value != nil {
		value, err = expand.Literal(r.cfg, as.Value)
		if err != nil {
			return "", "", err
		}
	}
	if as.Append {
		value = r.exec.Getenv(as.Name.Value) + value
	}
	return as.Name.Value, value, nil
}

// stages flattens nested pipe nodes into dispatch order.
func (r *Runner) stages(st *syntax.Stmt) ([]*Command, error) {
	var out []*Command
	var walk func(st *syntax.Stmt) error
	walk = func(st *syntax.Stmt) error {
		if b, ok := st.Cmd.(*syntax.BinaryCmd); ok && (b.Op == syntax.Pipe || b.Op == syntax.PipeAll) {
			if err := walk(b.X); err != nil {
				return err
			}
			if b.Op == syntax.PipeAll {
				// a |& b is a 2>&1 | b, with the implied duplicate
				// applied after the stage's own redirects.
				prev := out[len(out)-1]
				prev.Redirects = append(prev.Redirects, redirect.Dup(2, 1))
			}
			return walk(b.Y)
		}
		if st.Negated {
			return &UnsupportedError{Construct: "negation inside a pipeline"}
		}
		call, ok := st.Cmd.(*syntax.CallExpr)
		if !ok {
			return &UnsupportedError{Construct: nodeName(st.Cmd) + " in a pipeline"}
		}
		cmd, err := r.command(st, call)
		if err != nil {
			return err
		}
		if cmd == nil {
			return &UnsupportedError{Construct: "an empty pipeline stage"}
		}
		out = append(out, cmd)
		return nil
	}
	if err := walk(st); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Runner) redirects(rds []*syntax.Redirect) ([]redirect.Redirect, error) {
	var out []redirect.Redirect
	for _, rd := range rds {
		mapped, err := r.redirect(rd)
		if err != nil {
			return nil, err
		}
		out = append(out, mapped...)
	}
	return out, nil
}

func (r *Runner) redirect(rd *syntax.Redirect) ([]redirect.Redirect, error) {
	switch rd.Op {
	case syntax.Hdoc, syntax.DashHdoc, syntax.WordHdoc:
		return nil, &UnsupportedError{Construct: "a here-document"}
	}

	fd := -1
	if rd.N != nil {
		n, err := strconv.Atoi(rd.N.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid file descriptor %q", rd.N.Value)
		}
		fd = n
	}
	var target string
	if rd.Word != nil {
		var err error
		target, err = expand.Literal(r.cfg, rd.Word)
		if err != nil {
			return nil, err
		}
	}

	switch rd.Op {
	case syntax.RdrIn:
		return []redirect.Redirect{redirect.File(redirect.ReadFrom, defaultFd(fd, 0), target)}, nil
	case syntax.RdrOut, syntax.ClbOut:
		return []redirect.Redirect{redirect.File(redirect.WriteTo, defaultFd(fd, 1), target)}, nil
	case syntax.AppOut:
		return []redirect.Redirect{redirect.File(redirect.AppendTo, defaultFd(fd, 1), target)}, nil
	case syntax.RdrInOut:
		return []redirect.Redirect{redirect.File(redirect.ReadWrite, defaultFd(fd, 0), target)}, nil
	case syntax.RdrAll:
		return []redirect.Redirect{
			redirect.File(redirect.WriteTo, 1, target),
			redirect.Dup(2, 1),
		}, nil
	case syntax.AppAll:
		return []redirect.Redirect{
			redirect.File(redirect.AppendTo, 1, target),
			redirect.Dup(2, 1),
		}, nil
	case syntax.DplIn, syntax.DplOut:
		def := 0
		if rd.Op == syntax.DplOut {
			def = 1
		}
		dst := defaultFd(fd, def)
		if target == "-" {
			return []redirect.Redirect{redirect.Close(dst)}, nil
		}
		src, err := strconv.Atoi(target)
		if err != nil {
			return nil, fmt.Errorf("invalid file descriptor %q", target)
		}
		return []redirect.Redirect{redirect.Dup(dst, src)}, nil
	}
	return nil, &UnsupportedError{Construct: rd.Op.String()}
}

func defaultFd(fd, def int) int {
	if fd < 0 {
		return def
	}
	return fd
}

func nodeName(cmd syntax.Command) string {
	switch cmd.(type) {
	case *syntax.IfClause:
		return "an if clause"
	case *syntax.WhileClause:
		return "a while loop"
	case *syntax.ForClause:
		return "a for loop"
	case *syntax.CaseClause:
		return "a case statement"
	case *syntax.Block:
		return "a command group"
	case *syntax.Subshell:
		return "a subshell"
	case *syntax.FuncDecl:
		return "a function declaration"
	case *syntax.ArithmCmd:
		return "an arithmetic command"
	case *syntax.TestClause:
		return "a test clause"
	case *syntax.LetClause:
		return "a let expression"
	case *syntax.TimeClause:
		return "a time clause"
	case *syntax.CoprocClause:
		return "a coprocess"
	default:
		return "this shell construct"
	}
}
