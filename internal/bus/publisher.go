package bus

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/protocol"
)

// Publisher fans session output out to other services. Publishing is
// fire-and-forget: failures are logged and never reach the caller.
type Publisher struct {
	client *Client
	clock  func() time.Time
}

func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client, clock: time.Now}
}

func (p *Publisher) Transcript(sessionID, text string, final bool) {
	if text == "" {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	p.publish(subject, protocol.Transcript{
		SessionID: sessionID,
		Text:      text,
		Partial:   !final,
		Timestamp: p.clock().UTC(),
	})
}

func (p *Publisher) SessionStarted(evt protocol.SessionEvent) {
	evt.Timestamp = p.clock().UTC()
	p.publish(protocol.SubjectSessionStarted, evt)
}

func (p *Publisher) SessionFinalized(evt protocol.SessionEvent) {
	evt.Timestamp = p.clock().UTC()
	p.publish(protocol.SubjectSessionFinalized, evt)
}

func (p *Publisher) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.client.Logger().Warn("failed to marshal bus message", slog.String("subject", subject), slogError(err))
		return
	}
	if err := p.client.Conn().Publish(subject, data); err != nil {
		p.client.Logger().Warn("failed to publish bus message", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
