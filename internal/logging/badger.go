package logging

import (
	"fmt"
	"strings"
)

// BadgerAdapter satisfies badger.Logger by forwarding to a Logger.
type BadgerAdapter struct {
	L *Logger
}

func (a BadgerAdapter) logger() *Logger {
	if a.L == nil {
		return Get()
	}
	return a.L
}

func (a BadgerAdapter) Errorf(format string, args ...interface{}) {
	a.logger().Error(strings.TrimSpace(fmt.Sprintf(format, args...)), nil, map[string]interface{}{"component": "badger"})
}

func (a BadgerAdapter) Warningf(format string, args ...interface{}) {
	a.logger().Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), map[string]interface{}{"component": "badger"})
}

func (a BadgerAdapter) Infof(format string, args ...interface{}) {
	a.logger().Info(strings.TrimSpace(fmt.Sprintf(format, args...)), map[string]interface{}{"component": "badger"})
}

func (a BadgerAdapter) Debugf(format string, args ...interface{}) {
	a.logger().Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), map[string]interface{}{"component": "badger"})
}
