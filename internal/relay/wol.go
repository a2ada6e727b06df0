package relay

import (
	"fmt"
	"net"
	"syscall"
)

// magicPacketSize is 6 bytes of 0xFF followed by the 6-byte MAC repeated 16
// times: 6 + 16*6 = 102.
const magicPacketSize = 6 + 16*6

// buildMagicPacket constructs the Wake-on-LAN payload for mac.
func buildMagicPacket(mac net.HardwareAddr) []byte {
	packet := make([]byte, 0, magicPacketSize)
	for i := 0; i < 6; i++ {
		packet = append(packet, 0xFF)
	}
	for i := 0; i < 16; i++ {
		packet = append(packet, mac...)
	}
	return packet
}

// SendWakeOnLAN constructs and broadcasts a magic packet for mac. An empty
// broadcastAddr defaults to 255.255.255.255; a zero port defaults to 9. On
// success it returns the "ip:port" the packet was sent to.
func SendWakeOnLAN(mac, broadcastAddr string, port int) (target string, err error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return "", fmt.Errorf("parse mac: %w", err)
	}
	if len(hw) != 6 {
		return "", fmt.Errorf("mac %q is not 6 bytes", mac)
	}
	if broadcastAddr == "" {
		broadcastAddr = "255.255.255.255"
	}
	if port == 0 {
		port = 9
	}

	raddr := &net.UDPAddr{IP: net.ParseIP(broadcastAddr), Port: port}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return "", fmt.Errorf("dial udp: %w", err)
	}
	defer conn.Close()

	if err := setBroadcast(conn); err != nil {
		return "", fmt.Errorf("enable broadcast: %w", err)
	}

	if _, err := conn.Write(buildMagicPacket(hw)); err != nil {
		return "", fmt.Errorf("write packet: %w", err)
	}
	return raddr.String(), nil
}

// setBroadcast enables SO_BROADCAST on conn. Without it, the kernel refuses
// to send to a broadcast address like 255.255.255.255 with EACCES.
func setBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
