package types

import "github.com/yanun0323/logs"

// Logger 日志输出接口
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// DefaultLogger 返回转发到 yanun0323/logs 的日志器
func DefaultLogger() Logger {
	return defaultLogger{}
}

// NopLogger 返回丢弃所有输出的日志器
func NopLogger() Logger {
	return nopLogger{}
}

// OrDefault nil 时返回 DefaultLogger
func OrDefault(l Logger) Logger {
	if l == nil {
		return DefaultLogger()
	}
	return l
}

type defaultLogger struct{}

func (defaultLogger) Debugf(format string, args ...interface{}) { logs.Debugf(format, args...) }
func (defaultLogger) Infof(format string, args ...interface{})  { logs.Infof(format, args...) }
func (defaultLogger) Warnf(format string, args ...interface{})  { logs.Warnf(format, args...) }
func (defaultLogger) Errorf(format string, args ...interface{}) { logs.Errorf(format, args...) }

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
