package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// OutcomePublisher announces terminal settlement outcomes to NATS for
// downstream consumers (prize notification, treasury dashboards).
// Outcomes are published only after the terminal status is durable;
// subjects follow settle.outcomes.{outcome}.{game_id}.
type OutcomePublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableOutcome
}

// OutcomeLeg is one currency leg in a published outcome.
type OutcomeLeg struct {
	Currency string `json:"currency"`
	Chain    string `json:"chain"`
	Status   string `json:"status"`
	TxRef    string `json:"tx_ref,omitempty"`
	Error    string `json:"error,omitempty"`
}

// PublishableOutcome is a settlement that reached a terminal or
// partial-failure state, ready for outbound publishing.
type PublishableOutcome struct {
	GameID    string       `json:"game_id"`
	Outcome   string       `json:"outcome"`
	Sequence  int64        `json:"sequence"`
	Legs      []OutcomeLeg `json:"legs"`
	Timestamp time.Time    `json:"timestamp"`
}

func NewOutcomePublisher(js jetstream.JetStream, inputChan <-chan PublishableOutcome) *OutcomePublisher {
	return &OutcomePublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run drains the outcome channel until ctx is cancelled or the channel
// closes.
func (op *OutcomePublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, out); err != nil {
				// Non-fatal: downstream consumers can read settlement
				// state over the query API instead.
				log.Printf("WARN: outcome publish failed game=%s: %v", out.GameID, err)
			}
		}
	}
}

func (op *OutcomePublisher) publish(ctx context.Context, out PublishableOutcome) error {
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	subject := fmt.Sprintf("settle.outcomes.%s.%s", out.Outcome, out.GameID)
	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutcomeStream creates the outbound outcomes stream.
func EnsureOutcomeStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "SETTLE_OUTCOMES",
		Subjects:  []string{"settle.outcomes.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outcome stream: %w", err)
	}
	log.Println("INFO: ensured outcome stream SETTLE_OUTCOMES")
	return nil
}
