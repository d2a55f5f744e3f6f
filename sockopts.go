//go:build !windows

package swarm

import "syscall"

// setIpTos applies the configured TOS byte to an outbound socket.
func setIpTos(fd uintptr, ipv6 bool, tos int) {
	if ipv6 {
		syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IPV6, syscall.IPV6_TCLASS, tos)
		return
	}
	syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_TOS, tos)
}
