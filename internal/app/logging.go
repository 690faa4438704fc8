package app

import (
	"fmt"
	"os"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/config"
)

// SetupLogging applies the log section to every go-log subsystem. Output
// goes to stderr, colorized when stderr is a terminal.
func SetupLogging(l config.Log) error {
	lvl, err := logging.LevelFromString(strings.ToLower(l.Level))
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	subs := make(map[string]logging.LogLevel, len(l.Subsystems))
	for name, s := range l.Subsystems {
		sl, err := logging.LevelFromString(strings.ToLower(s))
		if err != nil {
			return fmt.Errorf("log.subsystems[%s]: %w", name, err)
		}
		subs[name] = sl
	}

	format := logging.PlaintextOutput
	if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		format = logging.ColorizedOutput
	}
	logging.SetupLogging(logging.Config{
		Format:          format,
		Stderr:          true,
		Level:           lvl,
		SubsystemLevels: subs,
	})
	return nil
}

// applyLogLevels re-applies levels after a config reload.
func applyLogLevels(l config.Log) {
	if err := logging.SetLogLevel("*", l.Level); err != nil {
		log.Warnw("reload log level", "err", err)
	}
	for name, lvl := range l.Subsystems {
		if err := logging.SetLogLevel(name, lvl); err != nil {
			log.Warnw("reload subsystem log level", "subsystem", name, "err", err)
		}
	}
}
