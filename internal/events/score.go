package events

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
)

// SubscribeScores calls fn for every report published on interview.score.
func SubscribeScores(busClient *bus.Client, log *slog.Logger, fn func(protocol.ScoreReport)) (*nats.Subscription, error) {
	sub, err := busClient.Conn().Subscribe(protocol.SubjectInterviewScore, func(msg *nats.Msg) {
		var report protocol.ScoreReport
		if err := json.Unmarshal(msg.Data, &report); err != nil {
			log.Warn("invalid score report", slog.String("error", err.Error()))
			return
		}
		fn(report)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", protocol.SubjectInterviewScore, err)
	}
	return sub, nil
}
