package pipeline

import (
	"github.com/go-gst/go-glib/glib"
	"github.com/go-gst/go-gst/gst"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// GSTLevel maps a gstreamer debug level onto zerolog.
func GSTLevel(level gst.DebugLevel) zerolog.Level {
	switch level {
	case gst.LevelTrace, gst.LevelMemDump:
		return zerolog.TraceLevel
	case gst.LevelDebug, gst.LevelLog:
		return zerolog.DebugLevel
	case gst.LevelInfo:
		return zerolog.InfoLevel
	case gst.LevelWarning, gst.LevelFixMe:
		return zerolog.WarnLevel
	case gst.LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.NoLevel
	}
}

// GSTLogFunction routes gstreamer debug output to the global logger. Install
// it with gst.SetLogFunction.
func GSTLogFunction(
	level gst.DebugLevel,
	file string,
	function string,
	line int,
	_ *glib.Object,
	message string,
) {
	log.WithLevel(GSTLevel(level)).
		Str("gst_file", file).
		Str("function", function).
		Int("line", line).
		Msg(message)
}
