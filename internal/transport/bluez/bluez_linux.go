//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"obd-link/internal/transport"
)

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"
)

var pathCounter uint64

// Transport is the BlueZ-backed transport.Transport.
type Transport struct {
	opts Options
	log  *zap.Logger

	mu     sync.Mutex
	closed bool
	bus    *dbus.Conn

	// client state, registered on first Dial
	cliProf    *profile
	clientPath dbus.ObjectPath

	dialMu sync.Mutex

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func() error
}

// New creates a transport. No D-Bus traffic happens until first use.
func New(opts Options, log *zap.Logger) *Transport {
	return &Transport{opts: opts.withDefaults(), log: log.Named("bluez")}
}

// ensureBusLocked connects to the system bus if not yet connected.
func (t *Transport) ensureBusLocked() error {
	if t.bus != nil {
		return nil
	}
	c, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("bluez: connect system bus: %w", err)
	}
	t.bus = c
	// Close the bus last during cleanup.
	t.cleanup = append(t.cleanup, c.Close)
	return nil
}

// profile implements org.bluez.Profile1 and forwards NewConnection events.
type profile struct {
	mu   sync.Mutex
	ch   chan incoming // buffered; holds at most one undelivered connection
	open bool          // false rejects every NewConnection
}

type incoming struct {
	fd  int
	dev Device
}

func newProfile() *profile {
	return &profile{ch: make(chan incoming, 1)}
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; the owning Link decides when to close.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection hands the RFCOMM socket FD to whoever is waiting on ch.
// FDs that nobody can take are closed and the connection rejected.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	in := incoming{
		fd:  int(fd),
		dev: Device{Path: string(dev), MAC: MACFromPath(string(dev))},
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		closeFD(in.fd)
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"not accepting"}}
	}
	select {
	case p.ch <- in:
		return nil
	default:
		closeFD(in.fd)
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"busy"}}
	}
}

// setOpen toggles delivery and closes any FD still parked in the buffer.
func (p *profile) setOpen(open bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = open
	for {
		select {
		case in := <-p.ch:
			closeFD(in.fd)
		default:
			return
		}
	}
}

func closeFD(fd int) {
	_ = os.NewFile(uintptr(fd), "rfcomm").Close()
}

// listener is a registered server-role profile.
type listener struct {
	t    *Transport
	prof *profile
	path dbus.ObjectPath
	done chan struct{}
	once sync.Once
	err  error
}

// Listen registers an SPP profile (Role="server") and returns a listener
// whose Accept yields each incoming connection.
func (t *Transport) Listen() (transport.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("bluez: closed")
	}
	if err := t.ensureBusLocked(); err != nil {
		return nil, err
	}

	prof := newProfile()
	// Unique object path per listener to avoid collisions across restarts.
	id := atomic.AddUint64(&pathCounter, 1)
	path := dbus.ObjectPath("/org/obd_link/bluez/server/p" + strconv.FormatUint(id, 10))
	if err := t.bus.Export(prof, path, profileInterfaceName); err != nil {
		return nil, fmt.Errorf("bluez: export server profile: %w", err)
	}

	optsMap := map[string]dbus.Variant{
		"Name": dbus.MakeVariant(t.opts.ServiceName),
		"Role": dbus.MakeVariant("server"),
		// BlueZ expects Channel as a uint16 (not byte).
		"Channel": dbus.MakeVariant(t.opts.Channel),
	}
	pm := t.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, SPPUUID, optsMap); call.Err != nil {
		_ = t.bus.Export(nil, path, profileInterfaceName)
		return nil, fmt.Errorf("bluez: RegisterProfile(server): %w", call.Err)
	}
	prof.setOpen(true)
	t.log.Info("server profile registered",
		zap.String("service", t.opts.ServiceName),
		zap.Uint16("channel", t.opts.Channel),
		zap.String("path", string(path)),
	)
	return &listener{t: t, prof: prof, path: path, done: make(chan struct{})}, nil
}

func (l *listener) Accept() (transport.Link, error) {
	select {
	case <-l.done:
		return nil, fmt.Errorf("bluez: accept: %w", transport.ErrClosed)
	case in := <-l.prof.ch:
		peer := l.t.peerFor(in.dev)
		link, err := newFDLink(in.fd, peer)
		if err != nil {
			closeFD(in.fd)
			return nil, fmt.Errorf("bluez: accept: %w", err)
		}
		return link, nil
	}
}

// Close unregisters the server profile and wakes a pending Accept.
func (l *listener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.prof.setOpen(false)

		l.t.mu.Lock()
		bus := l.t.bus
		l.t.mu.Unlock()
		if bus == nil {
			return
		}
		pm := bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
		l.err = multierr.Combine(
			pm.Call(profileManagerIface+".UnregisterProfile", 0, l.path).Err,
			bus.Export(nil, l.path, profileInterfaceName),
		)
		l.t.log.Info("server profile unregistered", zap.String("path", string(l.path)))
	})
	return l.err
}

// ensureClientLocked exports and registers the client-role profile once.
func (t *Transport) ensureClientLocked() error {
	if t.cliProf != nil {
		return nil
	}
	prof := newProfile()
	id := atomic.AddUint64(&pathCounter, 1)
	path := dbus.ObjectPath("/org/obd_link/bluez/client/p" + strconv.FormatUint(id, 10))
	if err := t.bus.Export(prof, path, profileInterfaceName); err != nil {
		return fmt.Errorf("bluez: export client profile: %w", err)
	}
	pm := t.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	optsMap := map[string]dbus.Variant{
		"Role": dbus.MakeVariant("client"),
	}
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, SPPUUID, optsMap); call.Err != nil {
		_ = t.bus.Export(nil, path, profileInterfaceName)
		return fmt.Errorf("bluez: RegisterProfile(client): %w", call.Err)
	}
	bus := t.bus
	// Unregister client profile on close.
	t.cleanup = append(t.cleanup, func() error {
		return multierr.Combine(
			pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err,
			bus.Export(nil, path, profileInterfaceName),
		)
	})
	t.cliProf = prof
	t.clientPath = path
	return nil
}

// Dial connects the SPP profile of remote, which may be a MAC address or a
// BlueZ device object path. Pairing is attempted when the device is not yet
// paired; a pre-registered BlueZ Agent must answer any prompts.
func (t *Transport) Dial(ctx context.Context, remote string) (transport.Link, error) {
	devPath, ok := DevicePath(t.opts.Adapter, remote)
	if !ok {
		return nil, fmt.Errorf("bluez: invalid remote %q", remote)
	}

	t.dialMu.Lock()
	defer t.dialMu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("bluez: closed")
	}
	if err := t.ensureBusLocked(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if err := t.ensureClientLocked(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	prof := t.cliProf
	bus := t.bus
	t.mu.Unlock()

	prof.setOpen(true)
	defer prof.setOpen(false)

	devObj := bus.Object(bluezService, dbus.ObjectPath(devPath))
	var pairedVar dbus.Variant
	if call := devObj.CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "Paired"); call.Err == nil {
		if err := call.Store(&pairedVar); err == nil {
			if b, ok := pairedVar.Value().(bool); ok && !b {
				t.log.Info("pairing", zap.String("device", devPath))
				if err := devObj.CallWithContext(ctx, deviceIface+".Pair", 0).Err; err != nil {
					return nil, fmt.Errorf("bluez: Pair: %w", err)
				}
			}
		}
	}

	t.log.Debug("connecting profile", zap.String("device", devPath))
	if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, SPPUUID); call.Err != nil {
		return nil, fmt.Errorf("bluez: ConnectProfile: %w", call.Err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("bluez: connect canceled: %w", ctx.Err())
	case in := <-prof.ch:
		link, err := newFDLink(in.fd, t.peerFor(Device{Path: devPath, MAC: MACFromPath(devPath)}))
		if err != nil {
			closeFD(in.fd)
			return nil, fmt.Errorf("bluez: connect: %w", err)
		}
		return link, nil
	}
}

// peerFor fills in the device name from BlueZ, best-effort.
func (t *Transport) peerFor(dev Device) transport.Peer {
	peer := transport.Peer{Address: dev.MAC}
	if peer.Address == "" {
		peer.Address = dev.Path
	}
	t.mu.Lock()
	bus := t.bus
	t.mu.Unlock()
	if bus == nil {
		return peer
	}
	var props map[string]dbus.Variant
	call := bus.Object(bluezService, dbus.ObjectPath(dev.Path)).Call(propsIface+".GetAll", 0, deviceIface)
	if call.Err != nil || call.Store(&props) != nil {
		return peer
	}
	if v, ok := props["Alias"]; ok {
		peer.Name, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok && peer.Name == "" {
		peer.Name, _ = v.Value().(string)
	}
	return peer
}

// Scan discovers nearby devices advertising SPP until ctx is done and
// returns a snapshot list. Every returned Device has a non-empty Path.
func (t *Transport) Scan(ctx context.Context) ([]Device, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("bluez: closed")
	}
	if err := t.ensureBusLocked(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	bus := t.bus
	t.mu.Unlock()

	adapters, err := listAdapters(bus)
	if err != nil {
		return nil, err
	}
	// Start discovery on all adapters (best-effort); stop when done.
	for _, ap := range adapters {
		_ = bus.Object(bluezService, ap).Call(adapterIface+".StartDiscovery", 0).Err
		defer func(p dbus.ObjectPath) { _ = bus.Object(bluezService, p).Call(adapterIface+".StopDiscovery", 0).Err }(ap)
	}

	devMap, err := snapshotSPPDevices(bus)
	if err != nil {
		return nil, err
	}

	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)
	defer bus.RemoveSignal(sigCh)
	if err := bus.AddMatchSignal(
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	); err != nil {
		return nil, fmt.Errorf("bluez: AddMatchSignal: %w", err)
	}
	defer func() {
		_ = bus.RemoveMatchSignal(
			dbus.WithMatchInterface(objManagerIface),
			dbus.WithMatchMember("InterfacesAdded"),
		)
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case sig := <-sigCh:
			if sig == nil || len(sig.Body) < 2 {
				continue
			}
			path, _ := sig.Body[0].(dbus.ObjectPath)
			ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
			if ifaces == nil {
				continue
			}
			if dev, ok := deviceFromIfaces(path, ifaces); ok {
				devMap[dev.Path] = dev
			}
		}
	}

	out := make([]Device, 0, len(devMap))
	for _, d := range devMap {
		out = append(out, d)
	}
	return out, nil
}

// Close releases the client profile and the bus connection. Listeners must
// be closed by their owner. Safe for concurrent and redundant calls.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cleanup := t.cleanup
	t.cleanup = nil
	t.mu.Unlock()

	var err error
	for i := len(cleanup) - 1; i >= 0; i-- {
		err = multierr.Append(err, cleanup[i]())
	}
	return err
}

func listAdapters(bus *dbus.Conn) ([]dbus.ObjectPath, error) {
	objs, err := managedObjects(bus)
	if err != nil {
		return nil, err
	}
	var out []dbus.ObjectPath
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			out = append(out, path)
		}
	}
	return out, nil
}

func snapshotSPPDevices(bus *dbus.Conn) (map[string]Device, error) {
	objs, err := managedObjects(bus)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Device)
	for path, ifaces := range objs {
		if dev, ok := deviceFromIfaces(path, ifaces); ok {
			out[dev.Path] = dev
		}
	}
	return out, nil
}

func managedObjects(bus *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if call := obj.Call(objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) (Device, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return Device{}, false
	}
	vUUIDs, ok := props["UUIDs"]
	if !ok {
		return Device{}, false
	}
	uu, _ := vUUIDs.Value().([]string)
	if !containsUUID(uu, SPPUUID) {
		return Device{}, false
	}
	dev := Device{Path: string(path)}
	if v, ok := props["Address"]; ok {
		dev.MAC, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		dev.Name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		dev.Alias, _ = v.Value().(string)
	}
	if dev.MAC == "" {
		dev.MAC = MACFromPath(string(path))
	}
	return dev, true
}

func containsUUID(list []string, target string) bool {
	for _, s := range list {
		if strings.EqualFold(s, target) {
			return true
		}
	}
	return false
}
