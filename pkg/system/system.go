package system

import "net"

// GetLocalIP returns the outbound interface address, or "" when the host
// has no route. No packets are sent; the dial only resolves the source.
func GetLocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}
