package swarm

// TOS is not settable through the portable socket surface on Windows.
func setIpTos(fd uintptr, ipv6 bool, tos int) {}
