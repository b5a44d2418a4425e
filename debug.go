package coap

import (
	"github.com/astaxie/beego/logs"
)

// Logger is the sink interface every package in this module logs through.
// It is satisfied by *logs.BeeLogger; callers may supply their own sink
// with SetLogger, e.g. to route engine diagnostics into an application's
// existing logging pipeline.
type Logger interface {
	Informational(format string, v ...interface{})
	Warning(format string, v ...interface{})
	Error(format string, v ...interface{})
}

var debugEnable bool

// GLog is the default logging sink for the engine.
var GLog Logger

func init() {
	debugEnable = false
	bee := logs.NewLogger(10000)
	bee.SetLogger("console", `{"level":7}`)
	bee.EnableFuncCallDepth(true)
	bee.SetLogFuncCallDepth(3)
	GLog = bee
}

// Debug toggles verbose wire-level tracing across the engine.
func Debug(enable bool) {
	debugEnable = enable
}

// SetLogger installs an application-supplied logging sink.
func SetLogger(l Logger) {
	if l != nil {
		GLog = l
	}
}

// TraceInfo logs an informational trace line when debug tracing is enabled.
func TraceInfo(format string, v ...interface{}) {
	if debugEnable {
		GLog.Informational(format, v...)
	}
}

// TraceError logs an error trace line regardless of the debug flag.
func TraceError(format string, v ...interface{}) {
	GLog.Error(format, v...)
}
