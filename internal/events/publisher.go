// Package events publishes job and power lifecycle events to NATS JetStream.
package events

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"git.cscs.ch/openchami/chamicore-bmc/pkg/types"
)

const (
	// JobStatusEventType is published whenever a polled job snapshot changes.
	JobStatusEventType = "chamicore.bmc.jobs.status"
	// JobRetryEventType is published for every transient poll failure.
	JobRetryEventType = "chamicore.bmc.jobs.retry"
	// JobOutcomeEventType is published when a completion wait returns.
	JobOutcomeEventType = "chamicore.bmc.jobs.outcome"
	// ResetEventType is published for every reset action issued.
	ResetEventType = "chamicore.bmc.power.reset"

	// JSONDataContentType is the content type of every event payload.
	JSONDataContentType = "application/json"

	defaultStream      = "CHAMICORE_BMC"
	defaultSubjects    = "chamicore.bmc.>"
	defaultDrainWait   = 5 * time.Second
	defaultConnectName = "chamicore-bmc"
)

var readEventRandom = rand.Read

// Event is the envelope written to the stream.
type Event struct {
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	Type            string          `json:"type"`
	Subject         string          `json:"subject"`
	Time            time.Time       `json:"time"`
	DataContentType string          `json:"datacontenttype"`
	Data            json.RawMessage `json:"data"`
}

// JobEventData is the payload of job events.
type JobEventData struct {
	JobID           string `json:"jobId"`
	State           string `json:"state,omitempty"`
	RawState        string `json:"rawState,omitempty"`
	Reason          string `json:"reason,omitempty"`
	Message         string `json:"message,omitempty"`
	PercentComplete *int   `json:"percentComplete,omitempty"`
	Kind            string `json:"kind,omitempty"`
	Attempt         int    `json:"attempt,omitempty"`
	Error           string `json:"error,omitempty"`
}

// ResetEventData is the payload of reset events.
type ResetEventData struct {
	ResetType string `json:"resetType"`
	Error     string `json:"error,omitempty"`
}

// StreamConfig names the stream and its subjects.
type StreamConfig struct {
	Name     string
	Subjects []string
}

// Config configures the publisher.
type Config struct {
	URL  string
	Name string
	// Source identifies the managed endpoint, usually its host.
	Source string
	Stream StreamConfig
	// DrainWait bounds how long Close waits for outstanding acknowledgements.
	DrainWait time.Duration
}

// Publisher publishes lifecycle events. It implements jobs.Observer and
// power.ResetObserver; publishing is asynchronous and never blocks a poll loop.
type Publisher struct {
	conn      *natsgo.Conn
	js        natsgo.JetStreamContext
	source    string
	drainWait time.Duration
	log       zerolog.Logger
}

// NewPublisher connects to NATS and makes sure the stream exists.
func NewPublisher(cfg Config, logger zerolog.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	name := cfg.Name
	if name == "" {
		name = defaultConnectName
	}
	stream := cfg.Stream
	if stream.Name == "" {
		stream.Name = defaultStream
	}
	if len(stream.Subjects) == 0 {
		stream.Subjects = []string{defaultSubjects}
	}
	drainWait := cfg.DrainWait
	if drainWait <= 0 {
		drainWait = defaultDrainWait
	}

	conn, err := natsgo.Connect(cfg.URL, natsgo.Name(name))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening jetstream context: %w", err)
	}

	if _, err := js.StreamInfo(stream.Name); err != nil {
		if !errors.Is(err, natsgo.ErrStreamNotFound) {
			conn.Close()
			return nil, fmt.Errorf("reading stream %s: %w", stream.Name, err)
		}
		if _, err := js.AddStream(&natsgo.StreamConfig{Name: stream.Name, Subjects: stream.Subjects}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("creating stream %s: %w", stream.Name, err)
		}
	}

	return &Publisher{
		conn:      conn,
		js:        js,
		source:    cfg.Source,
		drainWait: drainWait,
		log:       logger.With().Str("component", "event-publisher").Logger(),
	}, nil
}

// ObserveStatus publishes a status change.
func (p *Publisher) ObserveStatus(handle types.JobHandle, status types.JobStatus) {
	p.publish(JobStatusEventType, handle.ID, jobData(handle, status))
}

// ObserveRetry publishes a transient poll failure.
func (p *Publisher) ObserveRetry(handle types.JobHandle, attempt int, err error) {
	data := JobEventData{JobID: handle.ID, Attempt: attempt}
	if err != nil {
		data.Error = err.Error()
	}
	p.publish(JobRetryEventType, handle.ID, data)
}

// ObserveOutcome publishes the result of a completion wait.
func (p *Publisher) ObserveOutcome(handle types.JobHandle, status types.JobStatus, err error) {
	data := jobData(handle, status)
	if err != nil {
		data.Error = err.Error()
	}
	p.publish(JobOutcomeEventType, handle.ID, data)
}

// ObserveReset publishes an issued reset.
func (p *Publisher) ObserveReset(resetType types.ResetType, err error) {
	data := ResetEventData{ResetType: string(resetType)}
	if err != nil {
		data.Error = err.Error()
	}
	p.publish(ResetEventType, string(resetType), data)
}

// Close waits for outstanding acknowledgements and closes the connection.
func (p *Publisher) Close() error {
	select {
	case <-p.js.PublishAsyncComplete():
	case <-time.After(p.drainWait):
		p.log.Warn().Int("pending", p.js.PublishAsyncPending()).Msg("closing with unacknowledged events")
	}
	return p.conn.Drain()
}

func (p *Publisher) publish(eventType, subject string, payload any) {
	event, err := newEvent(p.source, eventType, subject, payload)
	if err != nil {
		p.log.Error().Err(err).Str("type", eventType).Msg("building event")
		return
	}
	body, err := json.Marshal(event)
	if err != nil {
		p.log.Error().Err(err).Str("type", eventType).Msg("encoding event")
		return
	}
	if _, err := p.js.PublishAsync(eventType, body, natsgo.MsgId(event.ID)); err != nil {
		p.log.Warn().Err(err).Str("type", eventType).Str("subject", subject).Msg("publishing event")
	}
}

func jobData(handle types.JobHandle, status types.JobStatus) JobEventData {
	jobID := status.ID
	if jobID == "" {
		jobID = handle.ID
	}
	return JobEventData{
		JobID:           jobID,
		State:           string(status.State),
		RawState:        status.RawState,
		Reason:          status.Reason,
		Message:         status.Message,
		PercentComplete: status.PercentComplete,
		Kind:            string(status.Kind),
	}
}

func newEvent(source, eventType, subject string, payload any) (Event, error) {
	id, err := newEventID()
	if err != nil {
		return Event{}, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshaling %s payload: %w", eventType, err)
	}
	return Event{
		ID:              id,
		Source:          source,
		Type:            eventType,
		Subject:         subject,
		Time:            time.Now().UTC(),
		DataContentType: JSONDataContentType,
		Data:            data,
	}, nil
}

func newEventID() (string, error) {
	var id [16]byte
	if _, err := readEventRandom(id[:]); err != nil {
		return "", fmt.Errorf("generating event id: %w", err)
	}
	return "evt-" + hex.EncodeToString(id[:]), nil
}
