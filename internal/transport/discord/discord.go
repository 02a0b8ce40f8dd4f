// Package discord delivers reminders over a Discord bot session.
package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

// Discord rejects message content above 2000 characters.
const textLimit = 2000

type Config struct {
	Token string
	// RatePerSec paces outbound sends below Discord's global REST limit.
	// Zero means the default of 5.
	RatePerSec int
}

// Sender sends reminder text to channels and user DMs. The gateway session
// is only opened for presence; all sends go over REST.
type Sender struct {
	cfg     Config
	log     logx.Logger
	session *discordgo.Session
	limiter *rate.Limiter

	runMu   sync.Mutex
	running bool

	// dmMu guards the user -> DM channel cache so each recipient costs one
	// channel-create call.
	dmMu sync.Mutex
	dm   map[string]string
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord token is empty")
	}
	session, err := discordgo.New("Bot " + strings.TrimSpace(cfg.Token))
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 5
	}
	return &Sender{
		cfg:     cfg,
		log:     log,
		session: session,
		limiter: rate.NewLimiter(rate.Limit(perSec), perSec),
		dm:      map[string]string{},
	}, nil
}

func (*Sender) Name() string { return "discord" }

func (s *Sender) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return nil
	}
	if err := s.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	s.running = true
	s.log.Info("discord sender started")
	return nil
}

func (s *Sender) Stop(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	if err := s.session.Close(); err != nil {
		s.log.Warn("discord close", logx.Err(err))
	}
	s.log.Info("discord sender stopped")
	return nil
}

func (s *Sender) SendText(ctx context.Context, to kit.Target, text string) error {
	channelID := to.ChannelID
	if to.IsDM() {
		id, err := s.dmChannel(to.UserID)
		if err != nil {
			return err
		}
		channelID = id
	}
	if channelID == "" {
		return errors.New("discord send: empty target")
	}

	for _, chunk := range kit.SplitText(text, textLimit) {
		if ctx != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if _, err := s.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("discord send to %s: %w", channelID, err)
		}
	}
	return nil
}

func (s *Sender) dmChannel(userID string) (string, error) {
	s.dmMu.Lock()
	defer s.dmMu.Unlock()
	if id, ok := s.dm[userID]; ok {
		return id, nil
	}
	ch, err := s.session.UserChannelCreate(userID)
	if err != nil {
		return "", fmt.Errorf("discord dm channel for %s: %w", userID, err)
	}
	s.dm[userID] = ch.ID
	return ch.ID, nil
}
