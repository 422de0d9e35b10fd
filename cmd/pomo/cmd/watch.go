package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/pengelbrecht/pomosync/internal/channel"
	"github.com/pengelbrecht/pomosync/internal/config"
	"github.com/pengelbrecht/pomosync/internal/engine"
	"github.com/pengelbrecht/pomosync/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	Aliases: []string{"ui"},
	Short:   "Live dashboard of timers and notifications",
	Long: `Open a live dashboard of your timers and notifications.

Timers count down locally and are corrected by every server push. When the
terminal loses focus for longer than timer.resync_after the timers are
re-read from the server on return. Logs go to pomo.log in the config
directory.

Keys:
  s/p/r   start, pause, reset the selected timer
  +/-     lengthen or shorten the pomodoro by 5 minutes
  tab     switch between timers and notifications
  m/M     mark the selected or all notifications read
  c       reconnect after the channel gave up
  q       quit`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closeLog, err := fileLogger()
	if err != nil {
		return err
	}
	defer closeLog()

	eng, err := engine.New(engine.Options{
		Config:           cfg,
		Credentials:      config.NewCredentials(""),
		Logger:           logger,
		WatchCredentials: true,
	})
	if err != nil {
		return NewExitError(ExitUsage, "%v", err)
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := make(chan channel.Event, 16)
	removeListener := eng.Conn.OnEvent(func(ev channel.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	defer removeListener()

	timerUpdates := eng.Timers.Watch(64)
	feedUpdates := eng.Feed.Watch(8)

	if err := eng.Start(ctx); err != nil {
		// The dashboard still opens: the channel keeps retrying and a token
		// written by 'pomo login' is picked up.
		logger.Warn().Err(err).Msg("watch: start incomplete")
	}

	titles := make(map[int64]string)
	if tasks, err := eng.API.FetchTasks(ctx); err == nil {
		for _, t := range tasks {
			titles[t.ID] = t.Title
		}
	} else {
		logger.Warn().Err(err).Msg("watch: task titles unavailable")
	}

	model := tui.New(tui.Config{
		Context:      ctx,
		Timers:       eng.Timers,
		Feed:         eng.Feed,
		Visibility:   eng.Visibility,
		Connector:    eng,
		Titles:       titles,
		Records:      eng.Feed.Records(),
		Status:       eng.Conn.Status(),
		TimerUpdates: timerUpdates,
		FeedUpdates:  feedUpdates,
		ConnEvents:   events,
	})

	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithReportFocus(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("failed to run dashboard: %w", err)
	}
	return nil
}
