// Package bluez provides RFCOMM Serial Port Profile links through BlueZ over
// the system D-Bus.
//
// Listen registers a server-role profile and hands out one Link per
// Profile1.NewConnection; Dial registers a client-role profile (once per
// Transport) and asks the remote device to connect it. File descriptors passed
// by BlueZ are owned by the returned Link.
//
// Thread-safety: Listen, Dial, Scan and Close may be called concurrently.
// Only one Dial is in flight at a time; a second Dial waits for the first to
// return, which it does promptly once its context is canceled.
package bluez

import (
	"regexp"
	"strings"
)

const (
	// SPPUUID is the Serial Port Profile UUID used for RFCOMM connections.
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// DefaultRFCOMMChannel is the RFCOMM channel for the server-side profile.
	DefaultRFCOMMChannel uint16 = 22

	// DefaultServiceName is advertised in the SDP record of the server profile.
	DefaultServiceName = "OBD Link"

	// DefaultAdapter is used to build device paths from bare MAC addresses.
	DefaultAdapter = "hci0"
)

// Device represents the minimum information needed to display and connect.
//
// Path is always set (BlueZ Device1 object path). Other fields are optional
// and may be empty depending on discovery results.
type Device struct {
	Path  string // D-Bus object path of the device (e.g. /org/bluez/hci0/dev_XX_XX_XX_XX_XX_XX)
	MAC   string // Bluetooth device address
	Name  string // Device1.Name
	Alias string // Device1.Alias
}

// Options controls profile registration.
type Options struct {
	ServiceName string
	Channel     uint16
	Adapter     string
}

func (o Options) withDefaults() Options {
	if o.ServiceName == "" {
		o.ServiceName = DefaultServiceName
	}
	if o.Channel == 0 {
		o.Channel = DefaultRFCOMMChannel
	}
	if o.Adapter == "" {
		o.Adapter = DefaultAdapter
	}
	return o
}

var macPattern = regexp.MustCompile(`^[0-9A-Fa-f]{2}(:[0-9A-Fa-f]{2}){5}$`)

// DevicePath resolves a remote id to a BlueZ device object path. The id may
// already be a path, or a MAC address on the given adapter.
func DevicePath(adapter, remote string) (string, bool) {
	if strings.HasPrefix(remote, "/") {
		return remote, true
	}
	if !macPattern.MatchString(remote) {
		return "", false
	}
	if adapter == "" {
		adapter = DefaultAdapter
	}
	return "/org/bluez/" + adapter + "/dev_" + strings.ToUpper(strings.ReplaceAll(remote, ":", "_")), true
}

// MACFromPath extracts the address encoded in a device object path.
func MACFromPath(p string) string {
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(p, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(p[idx+5:], "_", ":")
}
