package app

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_campuswatch._tcp"
	mdnsDomain      = "local."
)

// startMDNS advertises the HTTP API on the local network. The embedded
// broker's port rides along in the TXT record so campus gateways can find
// both listeners with one browse.
func (a *App) startMDNS() error {
	port := a.cfg.HTTPPort
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "campuswatch"
	}

	instance := instanceName(hostname)
	host := hostFQDN(hostname)

	txt := []string{
		fmt.Sprintf("http_port=%d", port),
		"api=/api/v1/location",
		"proto=v1",
		"host=" + host,
	}
	if mqttPort := bindPort(a.cfg.MQTTBindAddress); mqttPort > 0 {
		txt = append(txt, fmt.Sprintf("mqtt_port=%d", mqttPort))
	}

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", port)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

// bindPort extracts the port of a listen address such as ":1883". It
// returns 0 when the address is empty or has no numeric port.
func bindPort(addr string) int {
	if addr == "" {
		return 0
	}
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 0
	}
	return n
}

// DNS caps every label at 63 octets.
const maxLabelLen = 63

// instanceName builds the human readable service instance label. Dots would
// split the label and underscores clash with service names, so both turn
// into spaces along with control characters.
func instanceName(hostname string) string {
	short, _, _ := strings.Cut(strings.TrimSpace(hostname), ".")
	name := "CampusWatch"
	if short != "" {
		name = fmt.Sprintf("CampusWatch (%s)", short)
	}
	name = strings.Map(func(r rune) rune {
		if r == '.' || r == '_' || unicode.IsControl(r) {
			return ' '
		}
		return r
	}, name)
	return truncateLabel(strings.Join(strings.Fields(name), " "))
}

// hostFQDN turns the machine hostname into a lowercase LDH name under
// .local unless it is already qualified.
func hostFQDN(hostname string) string {
	var labels []string
	for _, part := range strings.Split(strings.ToLower(strings.TrimSpace(hostname)), ".") {
		label := strings.Trim(strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
				return r
			case unicode.IsControl(r):
				return -1
			default:
				return '-'
			}
		}, part), "-")
		if label = truncateLabel(label); label != "" {
			labels = append(labels, label)
		}
	}
	switch len(labels) {
	case 0:
		return "campuswatch.local"
	case 1:
		return labels[0] + ".local"
	default:
		return strings.Join(labels, ".")
	}
}

// truncateLabel cuts s to the label limit without splitting a UTF-8
// sequence.
func truncateLabel(s string) string {
	if len(s) <= maxLabelLen {
		return s
	}
	cut := maxLabelLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimRight(s[:cut], " -")
}
