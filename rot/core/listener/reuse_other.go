//go:build !unix

package listener

import "syscall"

func reuseControl(network, address string, c syscall.RawConn) error {
	return nil
}
