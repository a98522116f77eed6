//go:build rp2040 || rp2350

package logx

func Infof(format string, a ...any)  { println("I", sprintf(format, a...)) }
func Warnf(format string, a ...any)  { println("W", sprintf(format, a...)) }
func Errorf(format string, a ...any) { println("E", sprintf(format, a...)) }
func Flush()                         {}

// V is fixed at level 0 on MCU builds.
func V(level int) bool { return level <= 0 }
