package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openclaw/fleetgate/internal/agents"
	"github.com/openclaw/fleetgate/internal/approval"
	"github.com/openclaw/fleetgate/internal/config"
	"github.com/openclaw/fleetgate/internal/consensus"
	"github.com/openclaw/fleetgate/internal/controller"
	"github.com/openclaw/fleetgate/internal/dispatch"
	"github.com/openclaw/fleetgate/internal/estop"
	"github.com/openclaw/fleetgate/internal/quarantine"
	"github.com/openclaw/fleetgate/internal/runner"
	"github.com/openclaw/fleetgate/internal/state"
	"github.com/openclaw/fleetgate/internal/telegram"
	"github.com/openclaw/fleetgate/internal/watchdog"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the controller daemon",
	Long: `Run the update loop: long-poll the operator chat, dispatch commands,
and run watchdog health ticks. State persists under the state directory and
survives restarts. SIGINT exits cleanly.`,
	Run: func(cmd *cobra.Command, args []string) {
		// Missing startup configuration is the one fatal condition.
		cfg, err := config.FromEnv()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}

		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()

		store, err := state.New(cfg.StateDir)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize state store")
		}

		reg, err := agents.NewRegistry(cfg.LeaderAgent)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid agent configuration")
		}
		if cfg.AgentsFile != "" {
			if err := reg.LoadProfile(cfg.AgentsFile); err != nil {
				logger.Fatal().Err(err).Msg("failed to load agent profile")
			}
		}

		transport, err := telegram.NewClient(cfg.BotToken, cfg.MaxOutputChars)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create chat transport")
		}

		ledger := approval.NewLedger(store.ApprovalsDir())
		latch := estop.New(store)
		tools := runner.New(".", cfg.CommandTimeout)

		voter, err := consensus.NewVoter(consensus.VoterConfig{
			Runner:      tools,
			Registry:    reg,
			ArtifactDir: store.ConsensusDir(),
			Min:         cfg.ConsensusMin,
			Logger:      logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create consensus voter")
		}

		dispatcher, err := dispatch.New(dispatch.Config{
			Settings: cfg,
			Ledger:   ledger,
			Latch:    latch,
			Runner:   tools,
			Sender:   transport,
			Voter:    voter,
			Screen:   quarantine.New(cfg.QuarantineEnabled, cfg.QuarantineAllowedHosts),
			Registry: reg,
			Logger:   logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create dispatcher")
		}

		wd, err := watchdog.New(watchdog.Config{
			Enabled:        cfg.WatchdogEnabled,
			Timeout:        cfg.WatchdogTimeout,
			AlertCooldown:  cfg.WatchdogAlertCooldown,
			Prompt:         cfg.WatchdogPrompt,
			CheckMoltbook:  cfg.WatchdogCheckMoltbook,
			PrimaryChatID:  cfg.PrimaryChatID(),
			AutoPlanReview: cfg.AutoPlanReviewOnPending,
			Store:          store,
			Ledger:         ledger,
			Latch:          latch,
			Runner:         tools,
			Notifier:       transport,
			Logger:         logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create watchdog")
		}

		ctrl, err := controller.New(controller.Config{
			Settings:   cfg,
			Store:      store,
			Transport:  transport,
			Dispatcher: dispatcher,
			Watchdog:   wd,
			Logger:     logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create controller")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := ctrl.Run(ctx); err != nil {
			logger.Fatal().Err(err).Msg("controller exited with error")
		}
		logger.Info().Msg("stopped")
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
