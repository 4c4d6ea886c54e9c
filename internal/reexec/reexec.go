// Package reexec is the idiomatic-Go substitute for §4.2's steps
// 8a-8d, which in the original run as C code executed between fork()
// and exec() in the child. Go cannot safely run arbitrary runtime code
// in that window (the forked process has a single thread and a
// runtime state the scheduler assumes is intact), so instead the
// watchdog re-execs a copy of its own binary with a sentinel
// environment variable set; that re-exec'd process performs the
// sync-rendezvous, name substitution, and tether fd placement, then
// calls syscall.Exec to become the real target command. This mirrors
// k3s's rootless package, which re-execs itself across a similar
// fork/pre-exec boundary for namespace setup.
package reexec

import (
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/ninelife/watchdog/internal/errs"
	"golang.org/x/sys/unix"
)

const (
	// envSentinel marks a process as the re-exec'd pre-exec helper
	// rather than a normal invocation of this binary.
	envSentinel   = "WATCHDOG_REEXEC"
	envName       = "WATCHDOG_REEXEC_NAME"
	envTether     = "WATCHDOG_REEXEC_TETHERFD"
	envWatchdogIn = "WATCHDOG_REEXEC_WDOGPID"
	envTimeoutIn  = "WATCHDOG_REEXEC_UMBTIMEOUT_MS"

	// envWatchdogOut/envTimeoutOut are the public names internal/libk9
	// looks for in an opted-in Go child's own environment; Main
	// republishes envWatchdogIn/envTimeoutIn under these names when it
	// execs the target, after stripping its own transport variables.
	envWatchdogOut = "WATCHDOG_LIBK9_PPID"
	envTimeoutOut  = "WATCHDOG_LIBK9_TIMEOUT_MS"

	// ExtraFiles always lands at these fixed fd numbers in the child:
	// 3 is the first entry (sync socket), 4 the second (tether write).
	syncFd        = 3
	tetherWriteFd = 4
)

// Spec carries the pieces of §4.2 steps 8c/8d that only the re-exec'd
// process can act on once it has become the target argv.
type Spec struct {
	// Command is the target program and its argv, e.g.
	// []string{"myserver", "--port", "TETHERFD"}. Command[0] is
	// resolved with exec.LookPath at the re-exec boundary, matching
	// the watchdog CLI's "--" separated trailing command.
	Command []string

	// Name is the -n/--name substitution token, "" if unused.
	Name string

	// TetherFd is the fd number the CLI asked the tether to appear at
	// inside the child, or -1 to leave it at its natural number (4).
	TetherFd int

	// WatchdogPid and UmbilicalTimeoutMs, when UmbilicalTimeoutMs is
	// nonzero, are republished to the target command as
	// WATCHDOG_LIBK9_PPID/WATCHDOG_LIBK9_TIMEOUT_MS so an opted-in Go
	// child can run internal/libk9's second-opinion watchdog check.
	WatchdogPid        int
	UmbilicalTimeoutMs int64
}

// nameEnvPattern matches the subset of -n targets that are treated as
// environment variable names rather than argv substrings (§4.2.8c.i).
var nameEnvPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// Command builds the exec.Cmd the watchdog starts in place of a raw
// fork+exec: it re-execs this same binary (via /proc/self/exe, falling
// back to PATH lookup of argv[0] on non-Linux) with the sentinel env
// var set and syncChildFd/tetherWriteFd passed through ExtraFiles at
// the fixed fd numbers 3 and 4. The re-exec'd process's own os.Args
// are set to spec.Command so that Main (running inside that process)
// sees exactly the target argv §4.2.8c expects to rewrite.
func Command(spec Spec, syncChildFd, tetherFd int) (*exec.Cmd, error) {
	self, err := selfExePath()
	if err != nil {
		return nil, errs.Frame(err, "reexec: resolve self")
	}

	cmd := &exec.Cmd{
		Path: self,
		Args: append([]string(nil), spec.Command...),
	}
	cmd.Env = append(os.Environ(),
		envSentinel+"=1",
		envName+"="+spec.Name,
		envTether+"="+strconv.Itoa(spec.TetherFd),
		envWatchdogIn+"="+strconv.Itoa(spec.WatchdogPid),
		envTimeoutIn+"="+strconv.FormatInt(spec.UmbilicalTimeoutMs, 10),
	)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{
		os.NewFile(uintptr(syncChildFd), "sync"),
		os.NewFile(uintptr(tetherFd), "tether-write"),
	}
	return cmd, nil
}

func selfExePath() (string, error) {
	if p, err := os.Readlink("/proc/self/exe"); err == nil {
		return p, nil
	}
	return exec.LookPath(os.Args[0])
}

// Active reports whether the current process was launched by Command
// and should run Main instead of the normal CLI.
func Active() bool {
	return os.Getenv(envSentinel) != ""
}

// Main implements §4.2 steps 8b-8e inside the re-exec'd process.
// os.Args must already be the target command's argv (Command arranges
// this); Main blocks on the sync handshake, performs the requested
// name substitution and tether fd placement, then execs the target,
// never returning on success.
func Main() error {
	name := os.Getenv(envName)
	requestedFd, err := strconv.Atoi(os.Getenv(envTether))
	if err != nil {
		return errs.Frame(err, "reexec: parse tether fd request")
	}

	// Step 8b: block until the watchdog has published the pid-file.
	var b [1]byte
	for {
		_, err := unix.Read(syncFd, b[:])
		if err == nil {
			break
		}
		if err == unix.EINTR {
			continue
		}
		return errs.Frame(err, "reexec: sync read")
	}
	_ = unix.Close(syncFd)

	argv := append([]string(nil), os.Args...)

	finalTetherFd := tetherWriteFd
	if requestedFd >= 0 && requestedFd != tetherWriteFd {
		if err := unix.Dup2(tetherWriteFd, requestedFd); err != nil {
			return errs.Frame(err, "reexec: dup2 tether")
		}
		_ = unix.Close(tetherWriteFd)
		finalTetherFd = requestedFd
	}

	if name != "" {
		if err := substitute(name, finalTetherFd, argv); err != nil {
			return err
		}
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return errs.Frame(err, "reexec: lookpath target command")
	}

	env := stripSentinel(os.Environ())
	wdogPid := os.Getenv(envWatchdogIn)
	timeoutMs := os.Getenv(envTimeoutIn)
	if wdogPid != "" && timeoutMs != "" && timeoutMs != "0" {
		env = append(env, envWatchdogOut+"="+wdogPid, envTimeoutOut+"="+timeoutMs)
	}
	return errs.Frame(unix.Exec(path, argv, env), "reexec: exec target")
}

// substitute implements §4.2.8c: either set an environment variable
// named name to the tether fd's textual number (when name looks like
// an env var), or replace the first occurrence of name as a substring
// in any argv element after argv[0] with that text. Neither match
// mutates argv[0] itself, matching the original's scope.
func substitute(name string, tetherFd int, argv []string) error {
	fdText := strconv.Itoa(tetherFd)

	if nameEnvPattern.MatchString(name) {
		return unix.Setenv(name, fdText)
	}

	for i := 1; i < len(argv); i++ {
		if strings.Contains(argv[i], name) {
			argv[i] = strings.Replace(argv[i], name, fdText, 1)
			return nil
		}
	}
	return errs.Frame(unix.EINVAL, "reexec: name substitution target not found in argv")
}

func stripSentinel(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, envSentinel+"=") ||
			strings.HasPrefix(kv, envName+"=") ||
			strings.HasPrefix(kv, envTether+"=") ||
			strings.HasPrefix(kv, envWatchdogIn+"=") ||
			strings.HasPrefix(kv, envTimeoutIn+"=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}
