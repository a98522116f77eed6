// Package logx is the logging seam: glog on host builds, builtin println on MCU builds.
package logx

import "fmt"

func sprintf(format string, a ...any) string {
	if len(a) == 0 {
		return format
	}
	return fmt.Sprintf(format, a...)
}
