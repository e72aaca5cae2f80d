// Package controller drives the update loop: long-poll the chat transport,
// persist the poll cursor, screen senders against the allowlist, hand
// messages to the dispatcher, and run watchdog ticks at batch boundaries.
// Everything executes on one logical thread; state lives on disk between
// operations.
package controller

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/fleetgate/internal/config"
	"github.com/openclaw/fleetgate/internal/state"
	"github.com/openclaw/fleetgate/internal/telegram"
)

// Retry delays. A network failure is routine and retries quickly; an
// unexpected failure gets logged with a stack and retries a little faster.
const (
	networkRetryDelay = 3 * time.Second
	errorRetryDelay   = 2 * time.Second
)

// Transport is the chat API surface the loop consumes.
type Transport interface {
	Receive(ctx context.Context, timeout time.Duration, offset int) ([]telegram.Update, error)
	Send(ctx context.Context, chatID, text string) error
}

// Handler processes one operator message to completion.
type Handler interface {
	Handle(ctx context.Context, chatID, text string, bypassApproval bool)
}

// Ticker runs one watchdog health check.
type Ticker interface {
	Tick(ctx context.Context)
}

// Config holds the controller dependencies.
type Config struct {
	Settings   *config.Config
	Store      *state.Store
	Transport  Transport
	Dispatcher Handler
	Watchdog   Ticker
	Logger     zerolog.Logger
}

// Controller owns the poll cursor and the loop.
type Controller struct {
	cfg       *config.Config
	store     *state.Store
	transport Transport
	dispatch  Handler
	watchdog  Ticker
	log       zerolog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration)
}

// New validates the dependencies and returns a Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Settings == nil {
		return nil, fmt.Errorf("settings are required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.Watchdog == nil {
		return nil, fmt.Errorf("watchdog is required")
	}
	return &Controller{
		cfg:       cfg.Settings,
		store:     cfg.Store,
		transport: cfg.Transport,
		dispatch:  cfg.Dispatcher,
		watchdog:  cfg.Watchdog,
		log:       cfg.Logger,
		now:       time.Now,
		sleep:     sleepCtx,
	}, nil
}

// Run polls until the context is canceled. Cancellation is the clean
// shutdown path and returns nil.
func (c *Controller) Run(ctx context.Context) error {
	c.logStartup()

	offset := c.store.LoadOffset()
	var lastTick time.Time

	for {
		if ctx.Err() != nil {
			return nil
		}

		updates, err := c.transport.Receive(ctx, c.cfg.PollTimeout, offset)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn().Err(err).Msg("poll failed, retrying")
			c.sleep(ctx, networkRetryDelay)
			continue
		}

		for _, upd := range updates {
			if upd.ID+1 > offset {
				offset = upd.ID + 1
			}
			if err := c.store.SaveOffset(offset); err != nil {
				c.log.Error().Err(err).Int("offset", offset).Msg("failed to persist poll cursor")
			}

			if upd.Text == "" {
				continue
			}
			if !c.cfg.ChatAllowed(upd.ChatID) {
				// Courtesy reply; a failure here is not worth a retry.
				if err := c.transport.Send(ctx, upd.ChatID, "Unauthorized chat."); err != nil {
					c.log.Debug().Err(err).Str("chat_id", upd.ChatID).Msg("could not deliver unauthorized notice")
				}
				continue
			}

			c.handleSafely(ctx, upd.ChatID, upd.Text)
		}

		if c.cfg.WatchdogEnabled && c.now().Sub(lastTick) >= c.cfg.WatchdogInterval {
			c.watchdog.Tick(ctx)
			lastTick = c.now()
		}
	}
}

// handleSafely runs the dispatcher and contains any panic: the loop must
// survive a single bad message.
func (c *Controller) handleSafely(ctx context.Context, chatID, text string) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().
				Interface("panic", r).
				Str("chat_id", chatID).
				Bytes("stack", debug.Stack()).
				Msg("dispatcher panicked, continuing")
			c.sleep(ctx, errorRetryDelay)
		}
	}()
	c.dispatch.Handle(ctx, chatID, text, false)
}

func (c *Controller) logStartup() {
	c.log.Info().
		Str("allowed_chats", strings.Join(c.cfg.AllowedChatIDs, ",")).
		Str("leader_agent", c.cfg.LeaderAgent).
		Bool("leader_only_mode", c.cfg.LeaderOnlyMode).
		Bool("minimal_command_mode", c.cfg.MinimalCommandMode).
		Bool("emergency_stop_active", c.store.LoadControl().EmergencyStop).
		Bool("consensus_required", c.cfg.ConsensusRequired).
		Int("consensus_min", c.cfg.ConsensusMin).
		Bool("watchdog_enabled", c.cfg.WatchdogEnabled).
		Dur("watchdog_interval", c.cfg.WatchdogInterval).
		Dur("watchdog_timeout", c.cfg.WatchdogTimeout).
		Msg("controller started")
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
