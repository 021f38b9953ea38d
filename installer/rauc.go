package installer

import (
	"context"
	"strings"

	"github.com/go-errors/errors"
	"github.com/godbus/dbus/v5"
)

const (
	raucService   = "de.pengutronix.rauc"
	raucPath      = dbus.ObjectPath("/")
	raucInterface = "de.pengutronix.rauc.Installer"

	propertiesInterface = "org.freedesktop.DBus.Properties"
)

// check RaucInstaller compliance to its interfaces during compile time
var _ Installer = (*RaucInstaller)(nil)
var _ System = (*RaucInstaller)(nil)

type RaucConfig struct {
	// Conn is the bus the RAUC service is reachable on. The system bus is
	// used when nil.
	Conn   *dbus.Conn
	Logger Logger
}

// RaucInstaller installs bundles through the RAUC service and reports the
// compatible string and version of the booted slot.
type RaucInstaller struct {
	log  Logger
	conn *dbus.Conn
	obj  dbus.BusObject
}

func NewRaucInstaller(config *RaucConfig) (*RaucInstaller, error) {
	conn := config.Conn
	if conn == nil {
		var err error
		conn, err = dbus.SystemBus()
		if err != nil {
			return nil, errors.Errorf("could not connect to system bus: %v", err)
		}
	}

	r := &RaucInstaller{
		conn: conn,
		obj:  conn.Object(raucService, raucPath),
	}

	if config.Logger != nil {
		r.log = config.Logger
	} else {
		r.log = noopLogger{}
	}

	return r, nil
}

func (r *RaucInstaller) Install(ctx context.Context, bundle Bundle, progress ProgressFunc) error {
	signals := make(chan *dbus.Signal, 16)
	r.conn.Signal(signals)
	defer r.conn.RemoveSignal(signals)

	completedMatch := []dbus.MatchOption{
		dbus.WithMatchObjectPath(raucPath),
		dbus.WithMatchInterface(raucInterface),
		dbus.WithMatchMember("Completed"),
	}

	propertiesMatch := []dbus.MatchOption{
		dbus.WithMatchObjectPath(raucPath),
		dbus.WithMatchInterface(propertiesInterface),
		dbus.WithMatchMember("PropertiesChanged"),
	}

	if err := r.conn.AddMatchSignal(completedMatch...); err != nil {
		return errors.Errorf("could not watch for completion: %v", err)
	}
	defer func() { _ = r.conn.RemoveMatchSignal(completedMatch...) }()

	if err := r.conn.AddMatchSignal(propertiesMatch...); err != nil {
		return errors.Errorf("could not watch for progress: %v", err)
	}
	defer func() { _ = r.conn.RemoveMatchSignal(propertiesMatch...) }()

	r.log.Infof("Installing bundle %v", bundle.Source)

	call := r.obj.CallWithContext(ctx, raucInterface+".InstallBundle", 0, bundle.Source, map[string]dbus.Variant{})
	if call.Err != nil {
		return errors.Errorf("could not install bundle %v: %v", bundle.Source, call.Err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case signal, ok := <-signals:
			if !ok {
				return errors.New("bus connection closed during install")
			}

			if signal.Path != raucPath {
				continue
			}

			switch signal.Name {
			case propertiesInterface + ".PropertiesChanged":
				if p, ok := progressFromChange(signal.Body); ok {
					progress(p)
				}
			case raucInterface + ".Completed":
				code, err := completedCode(signal.Body)
				if err != nil {
					return err
				}

				if code != 0 {
					return errors.Errorf("install failed with code %v: %v", code, r.lastError())
				}

				return nil
			}
		}
	}
}

func (r *RaucInstaller) lastError() string {
	v, err := r.obj.GetProperty(raucInterface + ".LastError")
	if err != nil {
		return "unknown error"
	}

	if msg, ok := v.Value().(string); ok && msg != "" {
		return msg
	}

	return "unknown error"
}

func (r *RaucInstaller) Compatible() (string, error) {
	v, err := r.obj.GetProperty(raucInterface + ".Compatible")
	if err != nil {
		return "", errors.Errorf("could not get compatible: %v", err)
	}

	compatible, ok := v.Value().(string)
	if !ok {
		return "", errors.Errorf("could not convert compatible to string: %v", v)
	}

	return compatible, nil
}

// Version returns the bundle version of the booted slot. Fresh installs have
// no bundle information, in which case /etc/os-release is consulted.
func (r *RaucInstaller) Version() (string, error) {
	version, err := r.slotVersion()
	if err == nil {
		return version, nil
	}

	r.log.Debugf("Could not determine version from rauc, falling back to os-release: %v", err)

	return OSVersion()
}

func (r *RaucInstaller) slotVersion() (string, error) {
	v, err := r.obj.GetProperty(raucInterface + ".BootSlot")
	if err != nil {
		return "", errors.Errorf("could not get boot slot: %v", err)
	}

	bootSlot, _ := v.Value().(string)

	var slots []slotStatus
	err = r.obj.Call(raucInterface+".GetSlotStatus", 0).Store(&slots)
	if err != nil {
		return "", errors.Errorf("could not get slot status: %v", err)
	}

	return bootedVersion(slots, bootSlot)
}

type slotStatus struct {
	Name   string
	Status map[string]dbus.Variant
}

// bootedVersion finds the booted slot, either by its state or by matching
// bootSlot against the slot's bootname, and returns its bundle version.
func bootedVersion(slots []slotStatus, bootSlot string) (string, error) {
	for _, slot := range slots {
		if variantString(slot.Status["state"]) != "booted" &&
			(bootSlot == "" || variantString(slot.Status["bootname"]) != bootSlot) {
			continue
		}

		version := variantString(slot.Status["bundle.version"])
		if version == "" {
			return "", errors.Errorf("booted slot %v has no bundle version", slot.Name)
		}

		return version, nil
	}

	return "", errors.New("could not identify booted slot")
}

func variantString(v dbus.Variant) string {
	if s, ok := v.Value().(string); ok {
		return s
	}

	if v.Value() == nil {
		return ""
	}

	return strings.Trim(v.String(), "\"")
}

// progressFromChange extracts the percentage from a PropertiesChanged body
// carrying the installer's Progress (isi) property.
func progressFromChange(body []interface{}) (int, bool) {
	if len(body) < 2 {
		return 0, false
	}

	iface, ok := body[0].(string)
	if !ok || iface != raucInterface {
		return 0, false
	}

	changed, ok := body[1].(map[string]dbus.Variant)
	if !ok {
		return 0, false
	}

	v, ok := changed["Progress"]
	if !ok {
		return 0, false
	}

	fields, ok := v.Value().([]interface{})
	if !ok || len(fields) < 1 {
		return 0, false
	}

	percentage, ok := fields[0].(int32)
	if !ok {
		return 0, false
	}

	return int(percentage), true
}

func completedCode(body []interface{}) (int32, error) {
	if len(body) < 1 {
		return 0, errors.New("completed signal without result")
	}

	code, ok := body[0].(int32)
	if !ok {
		return 0, errors.Errorf("could not convert result %v", body[0])
	}

	return code, nil
}
