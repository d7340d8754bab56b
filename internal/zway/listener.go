package zway

// Listener receives client events.
//
// All methods are called synchronously from the goroutine that produced the
// event: a connect cycle, the push reader, or a caller of Command. They must
// return quickly; long work belongs on the listener's own goroutine.
type Listener interface {
	// OnLogin is called after every successful controller login.
	OnLogin()

	// OnDevice is called once when a device is first registered.
	OnDevice(d *Device)

	// OnChange is called when a property changes while the client is Connected.
	OnChange(d *Device, key string)

	// OnCommand is called before a command request is sent.
	OnCommand(id, command string, value any)

	// OnResponse is called for every HTTP response from the controller.
	OnResponse(path string, status int)

	// OnError is called by the failure handler before a reconnect is scheduled.
	OnError(err error)

	// OnStateChange is called on every connection state transition.
	OnStateChange(from, to State)
}

// NopListener implements Listener with empty methods. Embed it to handle only
// the events of interest.
type NopListener struct{}

func (NopListener) OnLogin() {}
func (NopListener) OnDevice(*Device) {}
func (NopListener) OnChange(*Device, string) {}
func (NopListener) OnCommand(string, string, any) {}
func (NopListener) OnResponse(string, int) {}
func (NopListener) OnError(error) {}
func (NopListener) OnStateChange(State, State) {}

// Compile-time interface check.
var _ Listener = NopListener{}
