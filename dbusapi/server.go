package dbusapi

import (
	"sync"

	"github.com/go-errors/errors"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"

	"github.com/the-lightning-land/updated/updater"
)

const (
	ObjectPath = dbus.ObjectPath("/com/github/dereulenspiegel/rauc")
	Interface  = "com.github.dereulenspiegel.rauc"
	BusName    = Interface

	ErrorNoUpdateAvailable = Interface + ".Error.NoUpdateAvailable"

	signalUpdateAvailable   = Interface + ".UpdateAvailable"
	propertyAvailableUpdate = "AvailableUpdate"
)

const intro = `
<node>
	<interface name="` + Interface + `">
		<method name="NextUpdate">
			<arg direction="out" type="a{ss}"/>
		</method>
		<method name="InstallNextUpdateAsync">
		</method>
		<method name="Status">
			<arg direction="out" type="s"/>
		</method>
		<method name="Progress">
			<arg direction="out" type="i"/>
		</method>
		<signal name="UpdateAvailable">
			<arg name="update" type="a{ss}"/>
		</signal>
		<property name="AvailableUpdate" type="a{ss}" access="read"/>
	</interface>` + introspect.IntrospectDataString + prop.IntrospectDataString + `</node> `

// Manager is the part of the update manager exposed on the bus.
type Manager interface {
	NextUpdate() updater.Snapshot
	InstallNextUpdateAsync() (*updater.Ack, error)
	Status() updater.State
	Progress() int
	Hub() *updater.Hub
}

type emitter interface {
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
}

type properties interface {
	SetMust(iface, property string, v interface{})
}

type Config struct {
	Manager Manager
	// SessionBus exports on the session bus instead of the system bus.
	SessionBus bool
	Logger     Logger
}

// Server exports the update manager as a D-Bus object and turns hub events
// into UpdateAvailable signals.
type Server struct {
	manager    Manager
	log        Logger
	sessionBus bool

	conn    *dbus.Conn
	emitter emitter
	props   properties

	sub  *updater.Subscription
	done chan struct{}
	once sync.Once
}

func New(config *Config) *Server {
	s := &Server{
		manager:    config.Manager,
		sessionBus: config.SessionBus,
		done:       make(chan struct{}),
	}

	if config.Logger != nil {
		s.log = config.Logger
	} else {
		s.log = noopLogger{}
	}

	return s
}

// Start connects to the bus, exports the object and claims the bus name.
func (s *Server) Start() error {
	// Subscribed before the property is seeded, events in between are
	// queued until forwarding starts.
	sub := s.manager.Hub().Subscribe()

	var conn *dbus.Conn
	var err error

	if s.sessionBus {
		conn, err = dbus.ConnectSessionBus()
	} else {
		conn, err = dbus.ConnectSystemBus()
	}
	if err != nil {
		sub.Cancel()
		return errors.Errorf("could not connect to bus: %v", err)
	}

	if err := s.export(conn); err != nil {
		sub.Cancel()
		_ = conn.Close()
		return err
	}

	s.conn = conn
	s.listen(sub)

	s.log.Infof("Exported %v on %v", ObjectPath, BusName)

	return nil
}

func (s *Server) export(conn *dbus.Conn) error {
	if err := conn.Export(s, ObjectPath, Interface); err != nil {
		return errors.Errorf("could not export object: %v", err)
	}

	props, err := prop.Export(conn, ObjectPath, prop.Map{
		Interface: {
			propertyAvailableUpdate: {
				Value:    updateMap(s.manager.NextUpdate()),
				Writable: false,
				Emit:     prop.EmitTrue,
			},
		},
	})
	if err != nil {
		return errors.Errorf("could not export properties: %v", err)
	}

	if err := conn.Export(introspect.Introspectable(intro), ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return errors.Errorf("could not export introspection: %v", err)
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return errors.Errorf("could not request name %v: %v", BusName, err)
	}

	if reply != dbus.RequestNameReplyPrimaryOwner {
		return errors.Errorf("name %v already taken", BusName)
	}

	s.emitter = conn
	s.props = props

	return nil
}

// listen forwards the events of sub to the bus until Close.
func (s *Server) listen(sub *updater.Subscription) {
	s.sub = sub

	go func() {
		defer close(s.done)

		for event := range s.sub.Events {
			s.handleEvent(event)
		}
	}()
}

func (s *Server) handleEvent(event updater.Event) {
	switch event.Type {
	case updater.EventUpdateAvailable:
		update := updateMap(*event.Update)

		s.props.SetMust(Interface, propertyAvailableUpdate, update)

		if err := s.emitter.Emit(ObjectPath, signalUpdateAvailable, update); err != nil {
			s.log.Errorf("Could not emit UpdateAvailable: %v", err)
		}
	case updater.EventCatalogCleared:
		s.props.SetMust(Interface, propertyAvailableUpdate, map[string]string{})
	}
}

func (s *Server) Close() error {
	var err error

	s.once.Do(func() {
		if s.sub != nil {
			s.sub.Cancel()
			<-s.done
		}

		if s.conn != nil {
			if _, rerr := s.conn.ReleaseName(BusName); rerr != nil {
				s.log.Warnf("Could not release name %v: %v", BusName, rerr)
			}

			if cerr := s.conn.Close(); cerr != nil {
				err = errors.Errorf("could not close bus connection: %v", cerr)
			}
		}
	})

	return err
}

// updateMap is the a{ss} form of a snapshot: name and version, or empty.
func updateMap(snapshot updater.Snapshot) map[string]string {
	if !snapshot.Available {
		return map[string]string{}
	}

	return map[string]string{
		"name":    snapshot.Name,
		"version": snapshot.Version,
	}
}

func (s *Server) NextUpdate() (map[string]string, *dbus.Error) {
	return updateMap(s.manager.NextUpdate()), nil
}

func (s *Server) InstallNextUpdateAsync() *dbus.Error {
	ack, err := s.manager.InstallNextUpdateAsync()
	if errors.Is(err, updater.ErrNoUpdateAvailable) {
		return dbus.NewError(ErrorNoUpdateAvailable, []interface{}{err.Error()})
	} else if err != nil {
		return dbus.MakeFailedError(err)
	}

	if !ack.Started {
		s.log.Debugf("Install already running in session %v", ack.SessionId)
	}

	return nil
}

func (s *Server) Status() (string, *dbus.Error) {
	return s.manager.Status().String(), nil
}

func (s *Server) Progress() (int32, *dbus.Error) {
	return int32(s.manager.Progress()), nil
}
