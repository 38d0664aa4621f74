package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pborman/getopt/v2"
	"github.com/spf13/afero"
)

// AllBuiltins holds a list of all registered shell builtins
var AllBuiltins = make(map[string]ShellBuiltin)

// ShellBuiltin runs inside the shell process instead of being spawned.
// args carries the command name first, the way argv does; output goes
// through the shell's current output device so redirects apply.
type ShellBuiltin interface {
	Main(s *Shell, args []string) int
}

type ShellBuiltinFunc func(s *Shell, args []string) int

func (f ShellBuiltinFunc) Main(s *Shell, args []string) int {
	return f(s, args)
}

var _ ShellBuiltin = (ShellBuiltinFunc)(nil)

// clearCode wipes the screen and homes the cursor.
const clearCode = "\x1b[2J\x1b[H"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Cd changes the working directory: no argument goes home, "-" returns to
// the previous directory and prints it, everything else resolves against
// the current one. PWD and OLDPWD track the change.
func Cd(s *Shell, args []string) int {
	var target string
	switch len(args) {
	case 1:
		target = s.Getenv(EnvHome)
		if target == "" {
			target = "/"
		}
	case 2:
		target = args[1]
		if target == "-" {
			target = s.Getenv(EnvOldPWD)
			if target == "" {
				s.dev.Eprintf("cd: OLDPWD not set\n")
				return 1
			}
		}
	default:
		s.dev.Eprintf("cd: too many arguments\n")
		return 1
	}

	if !filepath.IsAbs(target) {
		target = filepath.Join(s.cwd, target)
	}
	target = filepath.Clean(target)

	if ok, _ := afero.DirExists(s.fsys, target); !ok {
		s.dev.Eprintf("cd: %s: no such file or directory\n", target)
		return 1
	}

	s.setenv(EnvOldPWD, s.cwd)
	s.cwd = target
	s.setenv(EnvPWD, target)
	// Keep the process directory in step so relative paths seen by
	// spawned commands and redirect targets agree with the shell.
	_ = os.Chdir(target)

	if len(args) == 2 && args[1] == "-" {
		s.dev.Printf("%s\n", target)
	}
	return 0
}

// Pwd prints the working directory.
func Pwd(s *Shell, args []string) int {
	s.dev.Printf("%s\n", s.cwd)
	return 0
}

// Exit ends the shell after the current line. A numeric argument becomes
// the exit status; none reuses the last command's.
func Exit(s *Shell, args []string) int {
	status := s.lastStatus
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			s.dev.Eprintf("exit: %s: numeric argument required\n", args[1])
			n = StatusCritical
		}
		status = n
	}
	s.requestExit(status)
	return status
}

// Export marks variables for spawned command environments, assigning
// first when given name=value form. -p prints the exported set.
func Export(s *Shell, args []string) int {
	opts := getopt.New()
	list := opts.Bool('p', "print all exported variables")
	helpOpt := opts.BoolLong("help", 'h', "show help and exit")

	if err := opts.Getopt(args, nil); err != nil || *helpOpt {
		w := s.dev.Err()
		if err != nil {
			fmt.Fprintln(w, err)
		}
		fmt.Fprintln(w, "usage: export [-p] [NAME[=VALUE]...]")
		opts.PrintOptions(w)
		return 1
	}

	rest := opts.Args()
	if *list || len(rest) == 0 {
		exported := s.env.Exported()
		names := make([]string, 0, len(exported))
		for name := range exported {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			s.dev.Printf("export %s=%q\n", name, exported[name])
		}
		return 0
	}

	status := 0
	for _, arg := range rest {
		name, value, hasValue := strings.Cut(arg, "=")
		if !identRe.MatchString(name) {
			s.dev.Eprintf("export: %s: not a valid identifier\n", name)
			status = 1
			continue
		}
		if hasValue {
			s.env.Set(name, value)
		}
		s.env.Export(name)
	}
	return status
}

// Unset removes variables. Functions do not exist here, so -f unsets
// nothing and -v is the default.
func Unset(s *Shell, args []string) int {
	opts := getopt.New()
	opts.Bool('v', "treat NAME as a variable")
	fnOnly := opts.Bool('f', "treat NAME as a function")
	helpOpt := opts.BoolLong("help", 'h', "show help and exit")

	if err := opts.Getopt(args, nil); err != nil || *helpOpt {
		w := s.dev.Err()
		if err != nil {
			fmt.Fprintln(w, err)
		}
		fmt.Fprintln(w, "usage: unset [-fv] [NAME...]")
		opts.PrintOptions(w)
		return 1
	}

	if !*fnOnly {
		for _, name := range opts.Args() {
			s.env.Unset(name)
		}
	}
	return 0
}

// Declare assigns variables without exporting them unless -x asks for it.
// Without arguments it lists every variable.
func Declare(s *Shell, args []string) int {
	opts := getopt.New()
	markExport := opts.Bool('x', "mark NAME for export")
	list := opts.Bool('p', "print all variables")
	helpOpt := opts.BoolLong("help", 'h', "show help and exit")

	if err := opts.Getopt(args, nil); err != nil || *helpOpt {
		w := s.dev.Err()
		if err != nil {
			fmt.Fprintln(w, err)
		}
		fmt.Fprintln(w, "usage: declare [-px] [NAME[=VALUE]...]")
		opts.PrintOptions(w)
		return 1
	}

	rest := opts.Args()
	if *list || len(rest) == 0 {
		for _, name := range s.env.Names() {
			s.dev.Printf("%s=%s\n", name, s.env.Get(name))
		}
		return 0
	}

	status := 0
	for _, arg := range rest {
		name, value, hasValue := strings.Cut(arg, "=")
		if !identRe.MatchString(name) {
			s.dev.Eprintf("declare: %s: not a valid identifier\n", name)
			status = 1
			continue
		}
		if hasValue {
			s.env.Set(name, value)
		} else if _, ok := s.env.Lookup(name); !ok {
			s.env.Set(name, "")
		}
		if *markExport {
			s.env.Export(name)
		}
	}
	return status
}

// Source runs a script in the current shell, so its assignments and
// directory changes stick.
func Source(s *Shell, args []string) int {
	if len(args) < 2 {
		s.dev.Eprintf("%s: filename argument required\n", args[0])
		return StatusCritical
	}
	if err := s.RunScript(args[1]); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.dev.Eprintf("%s: %s: no such file or directory\n", args[0], args[1])
		} else {
			s.dev.Eprintf("%s: %s: %v\n", args[0], args[1], err)
		}
		return StatusFailure
	}
	return s.lastStatus
}

// Shift drops leading positional parameters, one by default.
func Shift(s *Shell, args []string) int {
	n := 1
	if len(args) > 1 {
		parsed, err := strconv.Atoi(args[1])
		if err != nil || parsed < 0 {
			s.dev.Eprintf("shift: %s: numeric argument required\n", args[1])
			return 1
		}
		n = parsed
	}
	if n > len(s.params) {
		return 1
	}
	s.params = s.params[n:]
	return 0
}

// History displays the numbered history list or clears it with -c. The
// numbers match what !N references resolve to.
func History(s *Shell, args []string) int {
	opts := getopt.New()
	clear := opts.Bool('c', "clear the history by deleting all entries")
	helpOpt := opts.BoolLong("help", 'h', "show help and exit")

	if err := opts.Getopt(args, nil); err != nil || *helpOpt {
		w := s.dev.Err()
		if err != nil {
			fmt.Fprintln(w, err)
		}
		fmt.Fprintln(w, "Display or manipulate the history list.")
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Options:")
		opts.PrintOptions(w)
		return 1
	}

	if *clear {
		s.history.Clear()
		return 0
	}

	for i, line := range s.history.Entries() {
		s.dev.Printf("% 5d  %s\n", i+1, line)
	}
	return 0
}

// Clear wipes the visible terminal.
func Clear(s *Shell, args []string) int {
	s.dev.Printf("%s", clearCode)
	return 0
}

// Help lists the builtins.
func Help(s *Shell, args []string) int {
	w := s.dev.Out()
	fmt.Fprintln(w, "These commands are defined internally. Type `help' to see this list.")
	fmt.Fprintln(w)

	names := make([]string, 0, len(AllBuiltins))
	for name := range AllBuiltins {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(w, strings.Join(names, "\n"))
	return 0
}

// True succeeds.
func True(s *Shell, args []string) int { return 0 }

// False fails.
func False(s *Shell, args []string) int { return 1 }

// Echo writes its arguments separated by single spaces. -n leaves off the
// trailing newline; other dashed words print literally.
func Echo(s *Shell, args []string) int {
	args = args[1:]
	newline := true
	if len(args) > 0 && args[0] == "-n" {
		newline = false
		args = args[1:]
	}
	s.dev.Printf("%s", strings.Join(args, " "))
	if newline {
		s.dev.Printf("\n")
	}
	return 0
}

func init() {
	AllBuiltins["cd"] = ShellBuiltinFunc(Cd)
	AllBuiltins["pwd"] = ShellBuiltinFunc(Pwd)
	AllBuiltins["exit"] = ShellBuiltinFunc(Exit)
	AllBuiltins["export"] = ShellBuiltinFunc(Export)
	AllBuiltins["unset"] = ShellBuiltinFunc(Unset)
	AllBuiltins["declare"] = ShellBuiltinFunc(Declare)
	AllBuiltins["source"] = ShellBuiltinFunc(Source)
	AllBuiltins["."] = ShellBuiltinFunc(Source)
	AllBuiltins["shift"] = ShellBuiltinFunc(Shift)
	AllBuiltins["history"] = ShellBuiltinFunc(History)
	AllBuiltins["clear"] = ShellBuiltinFunc(Clear)
	AllBuiltins["help"] = ShellBuiltinFunc(Help)
	AllBuiltins["true"] = ShellBuiltinFunc(True)
	AllBuiltins["false"] = ShellBuiltinFunc(False)
	AllBuiltins["echo"] = ShellBuiltinFunc(Echo)
}
