//go:build !(rp2040 || rp2350)

package logx

import "github.com/golang/glog"

func Infof(format string, a ...any)  { glog.InfoDepth(1, sprintf(format, a...)) }
func Warnf(format string, a ...any)  { glog.WarningDepth(1, sprintf(format, a...)) }
func Errorf(format string, a ...any) { glog.ErrorDepth(1, sprintf(format, a...)) }
func Flush()                         { glog.Flush() }

// V reports whether verbose logging at level is enabled (-v flag).
func V(level int) bool { return bool(glog.V(glog.Level(level))) }
