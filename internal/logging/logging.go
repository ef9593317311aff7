// Package logging sets up the category loggers behind the loader's
// many DYLD_PRINT_* environment variables (§6). Each category is an
// independent logrus.Logger so a caller can enable DYLD_PRINT_BINDINGS
// without paying for DYLD_PRINT_INITIALIZERS formatting.
package logging

import (
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Category names one of the loader's *_PRINT_* toggles.
type Category string

const (
	Libraries    Category = "libraries"
	Initializers Category = "initializers"
	Bindings     Category = "bindings"
	Segments     Category = "segments"
	RPaths       Category = "rpaths"
	Notifications Category = "notifications"
)

var allCategories = []Category{Libraries, Initializers, Bindings, Segments, RPaths, Notifications}

// envVar returns the DYLD_PRINT_<CATEGORY> variable name for cat.
func envVar(cat Category) string {
	out := "DYLD_PRINT_"
	for _, r := range string(cat) {
		if r >= 'a' && r <= 'z' {
			out += string(r - 32)
		} else {
			out += string(r)
		}
	}
	return out
}

type registry struct {
	mu      sync.Mutex
	loggers map[Category]*logrus.Logger
	sink    *lumberjack.Logger // non-nil when DYLD_PRINT_TO_FILE is set
}

var global = &registry{loggers: make(map[Category]*logrus.Logger)}

func init() {
	if path := os.Getenv("DYLD_PRINT_TO_FILE"); path != "" {
		global.sink = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    16, // megabytes
			MaxBackups: 3,
			Compress:   true,
		}
	}
}

// For returns the logger for cat, enabled only if the corresponding
// DYLD_PRINT_* environment variable is set (or the process is restricted,
// in which case every *_ variable is ignored per §6).
func For(cat Category) *logrus.Logger {
	global.mu.Lock()
	defer global.mu.Unlock()

	if l, ok := global.loggers[cat]; ok {
		return l
	}

	l := logrus.New()
	if os.Getenv(envVar(cat)) == "" {
		l.SetOutput(os.Stderr)
		l.SetLevel(logrus.PanicLevel) // effectively disabled
	} else if global.sink != nil {
		l.SetOutput(global.sink)
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetOutput(os.Stderr)
		if isatty.IsTerminal(os.Stderr.Fd()) {
			l.SetFormatter(&logrus.TextFormatter{ForceColors: true})
		} else {
			l.SetFormatter(&logrus.JSONFormatter{})
		}
	}
	global.loggers[cat] = l
	return l
}

// Restrict disables every category logger, used once a LinkContext
// determines the process is restricted (setuid, library-validated, or
// explicitly marked) and must ignore all *_ variables.
func Restrict() {
	global.mu.Lock()
	defer global.mu.Unlock()
	for _, cat := range allCategories {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		global.loggers[cat] = l
	}
}
