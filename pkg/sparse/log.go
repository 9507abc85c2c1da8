package sparse

import (
	"io"
	"log/slog"
)

// L is the package-level logger shared by the VHD, VHDX, and iSCSI cores.
// It discards all output until a caller opts in with SetLogger, mirroring
// the teacher's default-discarding package logger: a library must never
// force log output onto a caller that hasn't asked for it.
var L = slog.New(slog.NewTextHandler(io.Discard, nil))

// SetLogger overrides the shared logger. Pass nil to restore the discarding
// default.
func SetLogger(l *slog.Logger) {
	if l == nil {
		L = slog.New(slog.NewTextHandler(io.Discard, nil))
		return
	}
	L = l
}
