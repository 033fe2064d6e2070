package app

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_coopwatch-mqtt._tcp"
	mdnsDomain      = "local."
	mdnsDefaultName = "coopwatch"
)

// startMDNS advertises the embedded broker so coop sensors can find it
// without a configured address.
func (a *App) startMDNS(addr net.Addr) error {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok || tcp.Port <= 0 {
		return fmt.Errorf("invalid broker address %v", addr)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = mdnsDefaultName
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("Coopwatch Broker (%s)", hostname))
	hostLabel := sanitizeMDNSHost(hostname)
	if !strings.Contains(hostLabel, ".") {
		hostLabel += ".local"
	}

	txt := []string{
		fmt.Sprintf("mqtt_port=%d", tcp.Port),
		fmt.Sprintf("http_port=%d", a.cfg.HTTPPort),
		fmt.Sprintf("coop=%s", a.cfg.DefaultCoopID),
		fmt.Sprintf("host=%s", hostLabel),
		"tls=0",
	}

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, tcp.Port, txt, nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", tcp.Port)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}
	a.mdns.Shutdown()
	a.mdns = nil
	a.logger.Info("mDNS advertisement stopped")
}

// sanitizeMDNSInstance keeps instance names within one 63-byte DNS label.
func sanitizeMDNSInstance(name string) string {
	cleaned := strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(strings.TrimSpace(name))
	if cleaned == "" {
		cleaned = "Coopwatch Broker"
	}
	return truncateString(cleaned, 63)
}

func sanitizeMDNSHost(name string) string {
	cleaned := strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(strings.TrimSpace(strings.ToLower(name)))
	if cleaned == "" {
		cleaned = mdnsDefaultName
	}
	return truncateString(cleaned, 63)
}
