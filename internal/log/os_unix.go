//go:build unix

package log

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

func GetOSInfo() []any {
	attrs := processInfo()

	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return append(attrs, slog.String("uname", err.Error()))
	}
	return append(attrs,
		slog.String("sysname", unix.ByteSliceToString(uname.Sysname[:])),
		slog.String("release", unix.ByteSliceToString(uname.Release[:])),
		slog.String("machine", unix.ByteSliceToString(uname.Machine[:])),
		slog.Int("uid", unix.Getuid()),
	)
}
