package bus

import (
	"context"

	"github.com/loqalabs/loqa-tts-gateway/internal/protocol"
)

// JobPublisher announces job outcomes on the bus.
type JobPublisher struct {
	client  *Client
	subject string
}

func NewJobPublisher(client *Client) *JobPublisher {
	return &JobPublisher{client: client, subject: protocol.SubjectJobEvent}
}

func (p *JobPublisher) RecordJob(_ context.Context, ev protocol.JobEvent) error {
	return p.client.PublishJSON(p.subject, ev)
}
