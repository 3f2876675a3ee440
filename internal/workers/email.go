package workers

import (
	"context"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/nexus-os/nexus/internal/mailer"
	"github.com/nexus-os/nexus/internal/tasks"
)

// HandleEmailSend delivers one queued transactional email. Provider
// failures bubble up so asynq retries with backoff.
func HandleEmailSend(ctx context.Context, t *asynq.Task, m *mailer.Mailer, log zerolog.Logger) error {
	payload, err := tasks.ParseEmailPayload(t)
	if err != nil {
		return err
	}

	if err := m.Send(ctx, payload.Message); err != nil {
		log.Error().Err(err).Str("to", payload.Message.To).Msg("Email delivery failed")
		return err
	}

	log.Info().Str("to", payload.Message.To).Str("subject", payload.Message.Subject).Msg("Email sent")
	return nil
}
