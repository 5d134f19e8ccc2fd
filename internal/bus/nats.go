// Package bus publishes committed incidents on core NATS and lets other
// processes subscribe to them.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"industrial-sentinel/internal/telemetry"
)

const DefaultIncidentSubject = "incidents.created"

// IncidentEvent is the payload published for every committed incident.
type IncidentEvent struct {
	Event    string             `json:"event"`
	Incident telemetry.Incident `json:"data"`
	SentAt   time.Time          `json:"sentAt"`
}

type Publisher struct {
	Conn    *nats.Conn
	Subject string
}

func NewPublisher(conn *nats.Conn, subject string) *Publisher {
	if subject == "" {
		subject = DefaultIncidentSubject
	}
	return &Publisher{Conn: conn, Subject: subject}
}

// Connect dials url with the reconnect settings used by every process here.
func Connect(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}

// Close drains the connection so in-flight incident events are flushed
// before it closes.
func (p *Publisher) Close() error {
	if p.Conn == nil {
		return nil
	}
	return p.Conn.Drain()
}

// PublishIncident sends incident on the publisher subject. The message id
// header lets JetStream-backed subscribers drop repeats.
func (p *Publisher) PublishIncident(_ context.Context, incident telemetry.Incident) error {
	data, err := EncodeIncident(incident, time.Now())
	if err != nil {
		return err
	}
	msg := nats.NewMsg(p.Subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, incident.ID)
	return p.Conn.PublishMsg(msg)
}

func EncodeIncident(incident telemetry.Incident, sentAt time.Time) ([]byte, error) {
	return json.Marshal(IncidentEvent{Event: "newIncident", Incident: incident, SentAt: sentAt.UTC()})
}

type Subscriber struct {
	Conn *nats.Conn
}

func NewSubscriber(conn *nats.Conn) *Subscriber {
	return &Subscriber{Conn: conn}
}

// SubscribeIncidents calls handler for every decodable incident event on subject.
func (s *Subscriber) SubscribeIncidents(subject string, handler func(telemetry.Incident)) (*nats.Subscription, error) {
	if subject == "" {
		subject = DefaultIncidentSubject
	}
	return s.Conn.Subscribe(subject, func(msg *nats.Msg) {
		var evt IncidentEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			return
		}
		handler(evt.Incident)
	})
}
