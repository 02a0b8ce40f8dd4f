package transport

import (
	"context"

	logx "remindbot/pkg/logx"
)

// Console logs deliveries instead of sending them. It is the fallback sender
// when no platform is configured, which keeps local runs useful.
type Console struct {
	log logx.Logger
}

func NewConsole(log logx.Logger) *Console {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Console{log: log}
}

func (*Console) Name() string { return "console" }

func (*Console) Start(context.Context) error { return nil }

func (*Console) Stop(context.Context) error { return nil }

func (c *Console) SendText(ctx context.Context, to Target, text string) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	c.log.Info("reminder delivery",
		logx.String("channel_id", to.ChannelID),
		logx.String("user_id", to.UserID),
		logx.String("text", text),
	)
	return nil
}
