//go:build !unix

package announce

import "syscall"

func reuseAddr(_, _ string, _ syscall.RawConn) error { return nil }
