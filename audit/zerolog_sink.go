package audit

import (
	"context"

	"github.com/rs/zerolog"
)

// ZerologSink writes events as structured log lines.
type ZerologSink struct {
	logger zerolog.Logger
}

var _ Sink = (*ZerologSink)(nil)

func NewZerologSink(logger zerolog.Logger) *ZerologSink {
	return &ZerologSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *ZerologSink) Append(_ context.Context, event Event) error {
	e := s.logger.Info()
	if !event.Success {
		e = s.logger.Warn()
	}
	e.Time("at", event.Timestamp).
		Str("action", event.Action).
		Str("client_id", event.ClientID).
		Str("user_id", event.UserID).
		Str("grant_type", event.GrantType).
		Str("grant_id", event.GrantID).
		Strs("scopes", event.Scopes).
		Bool("success", event.Success).
		Str("error", event.ErrorCode).
		Str("ip", event.IP).
		Msg("audit")
	return nil
}
