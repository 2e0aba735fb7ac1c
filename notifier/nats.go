// Package notifier publishes system events to an external NATS broker for
// downstream consumers (dashboards, billing exports).
package notifier

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/ocpp-balanz/balanz/internal"
	"github.com/ocpp-balanz/balanz/internal/config"
)

// Nats implements internal.EventHandler over a NATS connection.
type Nats struct {
	conn    *nats.Conn
	subject string
}

func NewNats(conf *config.Config) (*Nats, error) {
	conn, err := nats.Connect(conf.Nats.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	return &Nats{
		conn:    conn,
		subject: conf.Nats.SubjectPrefix,
	}, nil
}

func (n *Nats) publish(kind string, event *internal.EventMessage) {
	event.Type = kind
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	// Fire and forget; a lost event is not worth blocking the handler.
	_ = n.conn.Publish(fmt.Sprintf("%s.%s", n.subject, kind), data)
}

func (n *Nats) OnStatusNotification(event *internal.EventMessage) {
	n.publish("status", event)
}

func (n *Nats) OnTransactionStart(event *internal.EventMessage) {
	n.publish("transaction.start", event)
}

func (n *Nats) OnTransactionStop(event *internal.EventMessage) {
	n.publish("transaction.stop", event)
}

func (n *Nats) OnAuthorize(event *internal.EventMessage) {
	n.publish("authorize", event)
}

func (n *Nats) OnAlert(event *internal.EventMessage) {
	n.publish("alert", event)
}

func (n *Nats) Close() {
	n.conn.Close()
}
