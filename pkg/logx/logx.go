// Package logx provides the component-tagged logger used across foreman.
package logx

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

// debugConfig controls debug output. Populated from DEBUG, DEBUG_DOMAINS and DEBUG_FILE.
type debugConfig struct {
	enabled bool
	domains map[string]bool // nil = all
}

var (
	cfg      = &debugConfig{}
	cfgMutex sync.RWMutex

	outMutex sync.Mutex
	out      io.Writer = os.Stderr
)

func init() { //nolint:gochecknoinits // env-driven debug configuration
	initFromEnv()
}

func initFromEnv() {
	cfgMutex.Lock()
	defer cfgMutex.Unlock()

	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		cfg.enabled = true
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		cfg.domains = parseDomains(strings.Split(domains, ","))
	}
	if path := os.Getenv("DEBUG_FILE"); path != "" && path != "0" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to open debug file %s: %v\n", path, err)
			return
		}
		out = io.MultiWriter(os.Stderr, f)
	}
}

func parseDomains(domains []string) map[string]bool {
	m := make(map[string]bool, len(domains))
	for _, d := range domains {
		if d = strings.TrimSpace(d); d != "" {
			m[d] = true
		}
	}
	return m
}

// SetDebug enables or disables debug output at runtime. An empty domain list enables all domains.
func SetDebug(enabled bool, domains ...string) {
	cfgMutex.Lock()
	defer cfgMutex.Unlock()
	cfg.enabled = enabled
	if len(domains) == 0 {
		cfg.domains = nil
	} else {
		cfg.domains = parseDomains(domains)
	}
}

// SetOutput redirects all loggers. A nil writer restores stderr.
func SetOutput(w io.Writer) {
	outMutex.Lock()
	defer outMutex.Unlock()
	if w == nil {
		w = os.Stderr
	}
	out = w
}

// IsDebugEnabledForDomain reports whether debug lines for the domain are printed.
func IsDebugEnabledForDomain(domain string) bool {
	cfgMutex.RLock()
	defer cfgMutex.RUnlock()
	if !cfg.enabled {
		return false
	}
	if cfg.domains == nil {
		return true
	}
	return cfg.domains[domain]
}

// Logger writes lines of the form "[ts] [component] LEVEL: message".
// The domain is the component name up to the first ':' so "job:42" filters as "job".
type Logger struct {
	component string
	domain    string
	fields    string
}

func NewLogger(component string) *Logger {
	domain := component
	if i := strings.IndexByte(component, ':'); i > 0 {
		domain = component[:i]
	}
	return &Logger{component: component, domain: domain}
}

func (l *Logger) Component() string {
	return l.component
}

// WithComponent returns a logger with the same fields under a different component tag.
func (l *Logger) WithComponent(component string) *Logger {
	nl := NewLogger(component)
	nl.fields = l.fields
	return nl
}

// With returns a logger that appends key=value pairs to every line.
func (l *Logger) With(kv ...any) *Logger {
	var b strings.Builder
	b.WriteString(l.fields)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	return &Logger{component: l.component, domain: l.domain, fields: b.String()}
}

func (l *Logger) log(level Level, format string, args ...any) {
	line := fmt.Sprintf("[%s] [%s] %s: %s%s",
		time.Now().UTC().Format(timestampFormat), l.component, level, fmt.Sprintf(format, args...), l.fields)

	outMutex.Lock()
	defer outMutex.Unlock()
	log.New(out, "", 0).Println(line)
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabledForDomain(l.domain) {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

var defaultLogger = NewLogger("system")

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
//
//	err := logx.Errorf("setup failed: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrapped.Error())
	return wrapped
}
