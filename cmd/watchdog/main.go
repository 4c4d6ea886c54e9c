// Command watchdog supervises a child process with a tether, an
// umbilical monitor, and an optional pid-file, per §6's invocation
// form: `watchdog [options] -- cmd [args...]`.
package main

import (
	"fmt"
	"os"

	"github.com/ninelife/watchdog/internal/config"
	"github.com/ninelife/watchdog/internal/pidfile"
	"github.com/ninelife/watchdog/internal/reexec"
	"github.com/ninelife/watchdog/internal/umbilical"
	"github.com/ninelife/watchdog/internal/watchdog"
	"github.com/sirupsen/logrus"
)

func main() {
	// These sentinels must be checked before any flag parsing: both
	// re-exec'd roles inherit os.Args rewritten to the target/role's
	// own argv, which config.Parse would otherwise misinterpret as the
	// watchdog's own command line.
	if reexec.Active() {
		if err := reexec.Main(); err != nil {
			logrus.WithError(err).Error("watchdog: re-exec helper failed")
			os.Exit(255)
		}
		return // unreachable: Main only returns on error
	}
	if umbilical.Active() {
		umbilical.Main() // never returns
		return
	}

	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		logrus.WithError(err).Error("watchdog: argument parsing failed")
		os.Exit(255)
	}

	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if cfg.PrintOnly() {
		os.Exit(runPrintOnly(cfg.PidFile))
	}

	w, err := watchdog.New(cfg)
	if err != nil {
		logrus.WithError(err).Error("watchdog: setup failed")
		os.Exit(255)
	}

	code, err := w.Run()
	if err != nil {
		logrus.WithError(err).Error("watchdog: supervision failed")
		os.Exit(255)
	}
	os.Exit(code)
}

// runPrintOnly implements §6's bare `--pidfile FILE` invocation: read
// and print whatever pid is currently on record, without supervising
// anything.
func runPrintOnly(path string) int {
	if !pidfile.Exists(path) {
		fmt.Fprintf(os.Stderr, "watchdog: %s: no such pid-file\n", path)
		return 1
	}
	pid, err := pidfile.Read(path)
	if err != nil {
		logrus.WithError(err).Error("watchdog: pidfile read failed")
		return 1
	}
	fmt.Println(pid)
	return 0
}
