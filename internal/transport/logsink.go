package transport

import (
	"context"
	"sync/atomic"

	logx "brainsched/pkg/logx"
)

// LogSender writes notifications to the log. It stands in for a chat
// adapter when none is configured.
type LogSender struct {
	log logx.Logger
	seq atomic.Int64
}

func NewLogSender(log logx.Logger) *LogSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSender{log: log}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) SendText(ctx context.Context, to ChatTarget, text string, _ *SendOptions) (MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return MessageRef{}, err
	}
	id := int(s.seq.Add(1))
	s.log.Info("notification", logx.Int64("chat_id", to.ChatID), logx.Int("thread_id", to.ThreadID), logx.String("text", text))
	return MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: id}, nil
}

var _ Sender = (*LogSender)(nil)
