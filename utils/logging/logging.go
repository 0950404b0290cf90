package logging

import (
	"log/slog"
)

type LogCode string

const (
	// SYSTEM EVENTS (SYSTEM*)
	SYSTEM LogCode = "SYSTEM"

	// DATA OPERATIONS (DATA*)
	DATA_UPLOAD  LogCode = "DATA_UPLOAD"
	DATA_EXTRACT LogCode = "DATA_EXTRACT"

	// EXPERIMENT OPERATIONS (EXPERIMENT*)
	EXPERIMENT_SETUP LogCode = "EXPERIMENT_SETUP"
	EXPERIMENT_RUN   LogCode = "EXPERIMENT_RUN"
	EXPERIMENT_END   LogCode = "EXPERIMENT_END"

	// MODEL OPERATIONS (MODEL*)
	MODEL_SAVE    LogCode = "MODEL_SAVE"
	MODEL_LOAD    LogCode = "MODEL_LOAD"
	MODEL_DEPLOY  LogCode = "MODEL_DEPLOY"
	MODEL_PREDICT LogCode = "MODEL_PREDICT"
)

// VictoriaLogs has fixed field names for time (_time) and message (_msg). This
// function maps fields msg -> _msg and time -> _time.
func convertKeysToVictoriaLogs(keys []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		return slog.Attr{Key: "_time", Value: slog.StringValue(a.Value.Time().Format("2006-01-02 15:04:05"))}
	}
	if a.Key == slog.MessageKey {
		return slog.Attr{Key: "_msg", Value: a.Value}
	}
	return a
}

func GetVictoriaLogsOptions(addSource bool) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level:       slog.LevelDebug,
		ReplaceAttr: convertKeysToVictoriaLogs,
		AddSource:   addSource,
	}
}
