// Package config parses the watchdog's command line per §6: a
// flag-driven, subcommand-free invocation of the form
// `watchdog [options] -- cmd [args...]` or `watchdog --pidfile FILE`
// in print-only mode. Flag parsing is built on cobra/pflag, the
// pattern this spec's CLI daemons in the retrieval pack (loykin-
// provisr, leonletto-thrum, ppiankov-runforge) all use for a single,
// flag-driven binary.
package config

import (
	"strconv"
	"strings"

	"github.com/ninelife/watchdog/internal/errs"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
)

// Timeouts holds the four §6 `-t T,U,V,W` components, in seconds.
type Timeouts struct {
	Tether    float64
	Umbilical float64
	Signal    float64
	Drain     float64
}

// Config is the parsed result of one invocation.
type Config struct {
	PidFile    string
	TetherFd   int // -1 means "allocate naturally"
	Name       string
	Timeouts   Timeouts
	Identify   bool
	Quiet      bool
	Untethered bool
	Setpgid    bool
	Orphaned   bool
	Debug      bool

	// Command is the trailing `-- cmd args...` argv. Empty in
	// print-only mode (bare --pidfile with no command).
	Command []string
}

const defaultTetherFd = 1

var defaultTimeouts = Timeouts{Tether: 30, Umbilical: 30, Signal: 10, Drain: 1}

// tetherFdValue implements pflag.Value so -f/--fd can accept either a
// decimal fd number or the literal "-" (meaning "allocate naturally"),
// which a plain pflag.IntVar cannot express.
type tetherFdValue int

func (v *tetherFdValue) String() string {
	if *v < 0 {
		return "-"
	}
	return strconv.Itoa(int(*v))
}

func (v *tetherFdValue) Set(s string) error {
	if s == "-" {
		*v = -1
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return errs.Frame(unix.EINVAL, "config: -f/--fd must be an integer or '-'")
	}
	*v = tetherFdValue(n)
	return nil
}

func (v *tetherFdValue) Type() string { return "fd" }

// timeoutsValue implements pflag.Value for the comma-separated
// "T,U,V,W" form of -t/--timeout; trailing components may be omitted
// and keep their default.
type timeoutsValue struct {
	t *Timeouts
}

func (v timeoutsValue) String() string {
	if v.t == nil {
		return ""
	}
	return strconv.FormatFloat(v.t.Tether, 'g', -1, 64) + "," +
		strconv.FormatFloat(v.t.Umbilical, 'g', -1, 64) + "," +
		strconv.FormatFloat(v.t.Signal, 'g', -1, 64) + "," +
		strconv.FormatFloat(v.t.Drain, 'g', -1, 64)
}

func (v timeoutsValue) Set(s string) error {
	parsed, err := parseTimeouts(s)
	if err != nil {
		return err
	}
	*v.t = parsed
	return nil
}

func (v timeoutsValue) Type() string { return "T,U,V,W" }

var _ pflag.Value = (*tetherFdValue)(nil)
var _ pflag.Value = timeoutsValue{}

// Parse builds a Cobra command that parses args (typically
// os.Args[1:]) into a Config. Cobra's ArgsLenAtDash lets flags and the
// trailing child command coexist on one command line without a
// subcommand, matching §6's invocation shape.
func Parse(args []string) (*Config, error) {
	cfg := &Config{TetherFd: defaultTetherFd, Timeouts: defaultTimeouts}
	tetherFd := tetherFdValue(defaultTetherFd)

	root := &cobra.Command{
		Use:                "watchdog [options] -- cmd [args...]",
		Short:              "Supervise a child process with a tether, umbilical, and pid-file",
		SilenceUsage:       true,
		SilenceErrors:      true,
		DisableFlagParsing: false,
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			dash := cmd.ArgsLenAtDash()
			if dash >= 0 {
				cfg.Command = cmdArgs[dash:]
			} else {
				cfg.Command = cmdArgs
			}
			return nil
		},
	}
	root.SetArgs(args)

	flags := root.Flags()
	flags.StringVarP(&cfg.PidFile, "pidfile", "p", "", "publish child pid to FILE")
	flags.VarP(&tetherFd, "fd", "f", "tether fd number in child (- allocates)")
	flags.StringVarP(&cfg.Name, "name", "n", "", "advertise tether fd through env var or argv substitution")
	flags.VarP(timeoutsValue{t: &cfg.Timeouts}, "timeout", "t", "tether,umbilical,signal,drain seconds")
	flags.BoolVarP(&cfg.Identify, "identify", "i", false, "print watchdog/umbilical/child pids")
	flags.BoolVarP(&cfg.Quiet, "quiet", "q", false, "discard tether output")
	flags.BoolVarP(&cfg.Untethered, "untethered", "u", false, "no tether, supervise lifetime only")
	flags.BoolVarP(&cfg.Setpgid, "setpgid", "s", false, "child in its own process group")
	flags.BoolVarP(&cfg.Orphaned, "orphaned", "o", false, "kill child if watchdog becomes orphan")
	flags.BoolVarP(&cfg.Debug, "debug", "d", false, "verbose trace")

	if err := root.Execute(); err != nil {
		return nil, errs.Frame(err, "config: parse flags")
	}
	cfg.TetherFd = int(tetherFd)

	return cfg, nil
}

// parseTimeouts parses the comma-separated "T,U,V,W" form of -t.
// Trailing components may be omitted, in which case the corresponding
// default is kept.
func parseTimeouts(s string) (Timeouts, error) {
	parts := strings.Split(s, ",")
	if len(parts) > 4 {
		return Timeouts{}, errs.Frame(unix.EINVAL, "config: -t/--timeout takes at most 4 comma-separated values")
	}
	t := defaultTimeouts
	dst := []*float64{&t.Tether, &t.Umbilical, &t.Signal, &t.Drain}
	for i, p := range parts {
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return Timeouts{}, errs.Frame(unix.EINVAL, "config: -t/--timeout component not a number")
		}
		*dst[i] = v
	}
	return t, nil
}

// PrintOnly reports whether this invocation is the print-only mode of
// §6: a pidfile given with no trailing command.
func (c *Config) PrintOnly() bool {
	return c.PidFile != "" && len(c.Command) == 0
}
