package logx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"proxyrot/rot/common"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	glogger "gorm.io/gorm/logger"
)

/******** 级别 ********/

type Level int32

const (
	Debug Level = iota
	Info
	Warn
	Error
	Off
)

var levelNames = [...]string{"debug", "info", "warn", "error", "off"}

func (l Level) String() string {
	if l < Debug || l > Off {
		return "error"
	}
	return levelNames[l]
}

func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "debug":
		return Debug
	case "", "info":
		return Info
	case "warn", "warning":
		return Warn
	case "off", "silent":
		return Off
	default:
		return Error
	}
}

var globalLevel atomic.Int32

func init() { globalLevel.Store(int32(Info)) }

func SetLevel(l Level)        { globalLevel.Store(int32(l)) }
func SetLevelString(s string) { SetLevel(ParseLevel(s)) }
func GetLevel() Level         { return Level(globalLevel.Load()) }
func GetLevelString() string  { return GetLevel().String() }

/******** 输出端 ********/

// WARN 及以下进 stdout(+文件)，ERROR 进 stderr(+文件)
var (
	outW io.Writer = os.Stdout
	errW io.Writer = os.Stderr

	inited atomic.Bool
)

func logDir() string {
	if common.IsDesktop() {
		return "log"
	}
	return "/var/log/proxyrot"
}

func mustOpen(path string) *os.File {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		panic(err)
	}
	return f
}

// MustInit 打开日志文件并接管 gin 的默认输出；重复调用无效。
// 调用方负责在退出时 Close 两个文件。
func MustInit() (logF, errF *os.File) {
	if !inited.CompareAndSwap(false, true) {
		return nil, nil
	}
	d := logDir()
	logF = mustOpen(filepath.Join(d, "proxyrot.log"))
	errF = mustOpen(filepath.Join(d, "error.log"))
	outW = io.MultiWriter(os.Stdout, logF)
	errW = io.MultiWriter(os.Stderr, errF)

	// gin 自带的两路输出都并进统一格式
	gin.DefaultWriter = ginWriter{}
	gin.DefaultErrorWriter = ginWriter{}
	return
}

// 统一格式：ts file:line: [LEVEL] prefix - message
func emit(at Level, prefix, site, msg string) {
	var b bytes.Buffer
	b.WriteString(time.Now().Format("2006/01/02 15:04:05.000000"))
	b.WriteByte(' ')
	b.WriteString(site)
	b.WriteString(": [")
	b.WriteString(strings.ToUpper(at.String()))
	b.WriteString("] ")
	if prefix != "" {
		b.WriteString(prefix)
		b.WriteString(" - ")
	}
	b.WriteString(strings.TrimRight(msg, "\n"))
	b.WriteByte('\n')

	dst := outW
	if at >= Error {
		dst = errW
	}
	_, _ = dst.Write(b.Bytes())
}

/******** 组件 logger ********/

type Logger struct {
	prefix string
}

type Option func(*Logger)

func WithPrefix(p string) Option {
	return func(l *Logger) { l.prefix = strings.TrimSpace(p) }
}

func New(opts ...Option) *Logger {
	l := &Logger{}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Logger) logf(at Level, format string, args ...any) {
	if GetLevel() > at {
		return
	}
	emit(at, l.prefix, callSite(3), fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(Debug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(Info, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(Warn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(Error, format, args...) }

func callSite(skip int) string {
	if _, f, ln, ok := runtime.Caller(skip); ok {
		return fmt.Sprintf("%s:%d", filepath.Base(f), ln)
	}
	return "-"
}

// 穿过三方库栈帧找业务调用点（gin/gorm 适配器用）
func siteOutside(skips []string) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		if fr.File != "" && !containsAny(fr.File, skips) {
			return fmt.Sprintf("%s:%d", filepath.Base(fr.File), fr.Line)
		}
		if !more {
			return "-"
		}
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

/******** gin 输出接管 ********/

var ginSkips = []string{"gin-gonic", "net/http", "/logx/", "runtime/"}

type ginWriter struct{}

// gin 只会丢整行文本过来；逐行分级后并入统一格式
func (ginWriter) Write(p []byte) (int, error) {
	for _, raw := range bytes.Split(p, []byte{'\n'}) {
		s := strings.TrimSpace(string(raw))
		if s == "" {
			continue
		}
		at := Info
		switch {
		case strings.Contains(s, "[ERROR]"):
			at = Error
		case strings.Contains(s, "[WARNING]") || strings.Contains(s, "[WARN]"):
			at = Warn
		case strings.HasPrefix(s, "[GIN-debug]"):
			at = Debug
		}
		if GetLevel() <= at {
			emit(at, "gin", siteOutside(ginSkips), trimBracketTag(s))
		}
	}
	return len(p), nil
}

// 去掉行首的 [GIN]/[GIN-debug] 一类标签
func trimBracketTag(s string) string {
	if strings.HasPrefix(s, "[") {
		if i := strings.IndexByte(s, ']'); i >= 0 {
			return strings.TrimSpace(s[i+1:])
		}
	}
	return s
}

/******** GORM logger ********/

var gormSkips = []string{"gorm.io", "database/sql", "/logx/", "runtime/"}

type gormLogger struct {
	level glogger.LogLevel
	slow  time.Duration
}

func GormLoggerDefault(level string) glogger.Interface {
	return &gormLogger{level: toGormLevel(level), slow: 500 * time.Millisecond}
}

func (g *gormLogger) LogMode(l glogger.LogLevel) glogger.Interface {
	cp := *g
	cp.level = l
	return &cp
}

func (g *gormLogger) write(at Level, msg string) {
	if GetLevel() <= at {
		emit(at, "gorm", siteOutside(gormSkips), msg)
	}
}

func (g *gormLogger) Info(_ context.Context, s string, args ...any) {
	if g.level >= glogger.Info {
		g.write(Info, fmt.Sprintf(s, args...))
	}
}

func (g *gormLogger) Warn(_ context.Context, s string, args ...any) {
	if g.level >= glogger.Warn {
		g.write(Warn, fmt.Sprintf(s, args...))
	}
}

func (g *gormLogger) Error(_ context.Context, s string, args ...any) {
	if g.level >= glogger.Error {
		g.write(Error, fmt.Sprintf(s, args...))
	}
}

func (g *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level == glogger.Silent {
		return
	}
	sql, rows := fc()
	elapsed := time.Since(begin)
	ms := float64(elapsed.Microseconds()) / 1000.0
	switch {
	case err != nil && g.level >= glogger.Error:
		g.write(Error, fmt.Sprintf("[%.3fms] rows=%d %s | err=%v", ms, rows, sql, err))
	case g.slow > 0 && elapsed > g.slow && g.level >= glogger.Warn:
		g.write(Warn, fmt.Sprintf("[SLOW >= %s] [%.3fms] rows=%d %s", g.slow, ms, rows, sql))
	case g.level >= glogger.Info:
		// 仅 debug（映射到 GORM Info）才打 SQL
		g.write(Debug, fmt.Sprintf("[%.3fms] rows=%d %s", ms, rows, sql))
	}
}

func toGormLevel(s string) glogger.LogLevel {
	switch ParseLevel(s) {
	case Debug:
		return glogger.Info // debug 才打 SQL
	case Error, Off:
		return glogger.Error
	default:
		return glogger.Warn
	}
}
