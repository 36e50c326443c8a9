// Package blog is Boson's structured console logger: a V-leveled,
// vmodule-filterable logger in the glog tradition, substantially trimmed
// from the teacher's logger/glog/glog.go for a library meant to be
// embedded in a long-running daemon rather than shipped as a standalone
// CLI tool. File rotation (MaxSize/MinSize/MaxTotalSize/RotationInterval/
// MaxAge/Compress), log_backtrace_at, and the severity-file-per-level
// layout are dropped: Boson writes one colorized stream to stderr (or
// any *os.File the embedder supplies) and leaves rotation to the
// embedder's process supervisor. The V(level) gate and vmodule pattern
// matching are kept, rewritten against Boson's own call sites.
package blog

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
)

// Level is a verbosity threshold. *Level implements flag.Value so it can
// be wired directly to a -v flag.
type Level int32

func (l *Level) get() Level       { return Level(atomic.LoadInt32((*int32)(l))) }
func (l *Level) set(v Level)      { atomic.StoreInt32((*int32)(l), int32(v)) }
func (l *Level) String() string   { return strconv.Itoa(int(l.get())) }
func (l *Level) Get() interface{} { return l.get() }
func (l *Level) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	l.set(Level(v))
	return nil
}

type severity int32

const (
	sInfo severity = iota
	sWarning
	sError
	sFatal
	numSeverity
)

var severityName = [numSeverity]string{sInfo: "INFO", sWarning: "WARN", sError: "ERROR", sFatal: "FATAL"}

var severityColor = [numSeverity]*color.Color{
	sInfo:    color.New(color.Faint),
	sWarning: color.New(color.FgYellow),
	sError:   color.New(color.FgRed),
	sFatal:   color.New(color.FgMagenta, color.Bold),
}

// modulePat is one -vmodule=pattern=level clause, compiled to a regexp
// matched against the trimmed source file path of the log call site.
// Grounded on glog.go's compileModulePattern/moduleSpec.
type modulePat struct {
	pattern *regexp.Regexp
	level   Level
}

func compileModulePattern(pat string) (*regexp.Regexp, error) {
	re := ".*"
	for _, comp := range strings.Split(pat, "/") {
		switch {
		case comp == "*":
			re += "(/.*)?"
		case comp != "":
			re += "/" + regexp.QuoteMeta(comp)
		}
	}
	if !strings.HasSuffix(pat, ".go") {
		re += "/[^/]+\\.go"
	}
	return regexp.Compile(re + "$")
}

// moduleSpec implements flag.Value for a comma-separated
// pattern=level list, e.g. "kbucket=2,rpc=3".
type moduleSpec struct {
	mu     sync.Mutex
	l      *Logger
	filter []modulePat
}

func (m *moduleSpec) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b bytes.Buffer
	for i, f := range m.filter {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%d", f.pattern, f.level)
	}
	return b.String()
}

func (m *moduleSpec) Get() interface{} { return nil }

func (m *moduleSpec) Set(value string) error {
	var filter []modulePat
	for _, pat := range strings.Split(value, ",") {
		if pat == "" {
			continue
		}
		parts := strings.SplitN(pat, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("blog: malformed vmodule clause %q, want pattern=N", pat)
		}
		v, err := strconv.Atoi(parts[1])
		if err != nil {
			return fmt.Errorf("blog: malformed vmodule level in %q: %w", pat, err)
		}
		if v <= 0 {
			continue
		}
		re, err := compileModulePattern(parts[0])
		if err != nil {
			return err
		}
		filter = append(filter, modulePat{re, Level(v)})
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filter = filter
	if m.l != nil {
		atomic.StoreInt32(&m.l.filterLength, int32(len(filter)))
		m.l.mu.Lock()
		m.l.vmap = make(map[uintptr]Level)
		m.l.mu.Unlock()
	}
	return nil
}

// Logger is one independent V-leveled, vmodule-filterable log sink. Boson
// keeps one package-level default Logger (see Default) but components
// needing an isolated verbosity (tests, embedders) can construct their own
// with New.
type Logger struct {
	mu           sync.Mutex
	w            *os.File
	verbosity    Level
	vmodule      moduleSpec
	filterLength int32 // atomic mirror of len(vmodule.filter), for V's fast path
	vmap         map[uintptr]Level
	pcs          [1]uintptr
}

// New builds a Logger writing to w (os.Stderr is the conventional choice).
func New(w *os.File) *Logger {
	l := &Logger{w: w, vmap: make(map[uintptr]Level)}
	l.vmodule.l = l
	return l
}

// SetVerbosity sets the global V-gate threshold.
func (l *Logger) SetVerbosity(v int) { l.verbosity.set(Level(v)) }

// Verbosity returns the Level flag.Value for direct flag wiring.
func (l *Logger) Verbosity() *Level { return &l.verbosity }

// VModule returns the vmodule flag.Value for direct flag wiring
// (-vmodule=pattern=N,...).
func (l *Logger) VModule() *moduleSpec { return &l.vmodule }

// Verbose is returned by V; true means the call site's level was enabled.
type Verbose bool

// V reports whether logging at level is enabled, either because the
// global verbosity threshold is at least level or because a vmodule
// pattern matching the caller's file sets it so. Grounded on glog.go's V:
// two atomic loads on the fast path, a runtime.Callers + regexp match
// only once per call site thereafter (cached in vmap).
func (l *Logger) V(level Level) Verbose {
	if l.verbosity.get() >= level {
		return true
	}
	if atomic.LoadInt32(&l.filterLength) == 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if runtime.Callers(2, l.pcs[:]) == 0 {
		return false
	}
	v, ok := l.vmap[l.pcs[0]]
	if !ok {
		v = l.setV(l.pcs[0])
	}
	return Verbose(v >= level)
}

func (l *Logger) setV(pc uintptr) Level {
	fn := runtime.FuncForPC(pc)
	var file string
	if fn != nil {
		file, _ = fn.FileLine(pc)
	}
	for _, f := range l.vmodule.filter {
		if f.pattern.MatchString(file) {
			l.vmap[pc] = f.level
			return f.level
		}
	}
	l.vmap[pc] = 0
	return 0
}

func (l *Logger) output(s severity, line string) {
	now := time.Now().Format("2006-01-02 15:04:05.000000")
	prefix := fmt.Sprintf("%s %-5s ", now, severityName[s])
	if l.w == nil {
		return
	}
	if c := severityColor[s]; c != nil && !color.NoColor {
		c.Fprint(l.w, prefix)
		fmt.Fprintln(l.w, line)
		return
	}
	fmt.Fprintln(l.w, prefix+line)
}

func (l *Logger) Info(args ...interface{})                 { l.output(sInfo, fmt.Sprint(args...)) }
func (l *Logger) Infof(format string, args ...interface{}) { l.output(sInfo, fmt.Sprintf(format, args...)) }
func (l *Logger) Warning(args ...interface{})              { l.output(sWarning, fmt.Sprint(args...)) }
func (l *Logger) Warningf(format string, args ...interface{}) {
	l.output(sWarning, fmt.Sprintf(format, args...))
}
func (l *Logger) Error(args ...interface{})                 { l.output(sError, fmt.Sprint(args...)) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.output(sError, fmt.Sprintf(format, args...)) }

// Fatal logs at fatal severity and terminates the process. Callers on a
// hot path that must not exit the process (request handlers) should use
// Error instead; Fatal is for startup failures only.
func (l *Logger) Fatal(args ...interface{}) {
	l.output(sFatal, fmt.Sprint(args...))
	os.Exit(1)
}
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.output(sFatal, fmt.Sprintf(format, args...))
	os.Exit(1)
}

func (v Verbose) Info(l *Logger, args ...interface{}) {
	if v {
		l.Info(args...)
	}
}
func (v Verbose) Infof(l *Logger, format string, args ...interface{}) {
	if v {
		l.Infof(format, args...)
	}
}

// Default is the package-level Logger used by the package-level helper
// functions below, writing to stderr. Components wanting an isolated
// instance (tests, embedders with their own verbosity policy) should call
// New directly instead.
var Default = New(os.Stderr)

func SetVerbosity(v int)        { Default.SetVerbosity(v) }
func Verbosity() *Level         { return Default.Verbosity() }
func VModule() *moduleSpec      { return Default.VModule() }
func V(level Level) Verbose     { return Default.V(level) }
func Info(args ...interface{})  { Default.Info(args...) }
func Warning(args ...interface{}) { Default.Warning(args...) }
func Error(args ...interface{}) { Default.Error(args...) }
func Fatal(args ...interface{}) { Default.Fatal(args...) }
func Infof(format string, args ...interface{})    { Default.Infof(format, args...) }
func Warningf(format string, args ...interface{}) { Default.Warningf(format, args...) }
func Errorf(format string, args ...interface{})   { Default.Errorf(format, args...) }
func Fatalf(format string, args ...interface{})   { Default.Fatalf(format, args...) }
