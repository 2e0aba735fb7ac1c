package server

import "github.com/ocpp-balanz/balanz/internal"

// eventFanout delivers system events to every registered listener.
type eventFanout struct {
	listeners []internal.EventHandler
}

func (f *eventFanout) Add(listener internal.EventHandler) {
	f.listeners = append(f.listeners, listener)
}

func (f *eventFanout) Empty() bool {
	return len(f.listeners) == 0
}

func (f *eventFanout) OnStatusNotification(event *internal.EventMessage) {
	for _, listener := range f.listeners {
		listener.OnStatusNotification(event)
	}
}

func (f *eventFanout) OnTransactionStart(event *internal.EventMessage) {
	for _, listener := range f.listeners {
		listener.OnTransactionStart(event)
	}
}

func (f *eventFanout) OnTransactionStop(event *internal.EventMessage) {
	for _, listener := range f.listeners {
		listener.OnTransactionStop(event)
	}
}

func (f *eventFanout) OnAuthorize(event *internal.EventMessage) {
	for _, listener := range f.listeners {
		listener.OnAuthorize(event)
	}
}

func (f *eventFanout) OnAlert(event *internal.EventMessage) {
	for _, listener := range f.listeners {
		listener.OnAlert(event)
	}
}
