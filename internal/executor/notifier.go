package executor

import (
	log "github.com/sirupsen/logrus"
)

// Notifier shows short messages to the user.
type Notifier interface {
	Notify(level, message string)
}

// Toast levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// LogNotifier writes notices to the log.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(level, message string) {
	entry := log.WithField("toast", true)
	switch level {
	case LevelError:
		entry.Error(message)
	case LevelWarning:
		entry.Warn(message)
	default:
		entry.Info(message)
	}
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(level, message string)

// Notify implements Notifier.
func (f NotifierFunc) Notify(level, message string) {
	f(level, message)
}
