package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/pengelbrecht/pomosync/internal/api"
)

var timerCmd = &cobra.Command{
	Use:   "timer",
	Short: "Start, pause, reset or resize a task's timer",
	Long: `Send a timer command for a task.

The server is authoritative: the printed state is what it answered, and a
rejected command (for example on a completed task) exits with code 4.

Examples:
  pomo timer list                  # Show every task with a timer
  pomo timer start 42              # Start the timer of task 42
  pomo timer pause 42              # Pause it
  pomo timer reset 42              # Back to the full pomodoro length
  pomo timer duration 42 50        # Make it a 50 minute pomodoro
  pomo timer start 42 --json       # Print the task as JSON`,
}

var timerJSON bool

var timerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks and their timers",
	Args:  cobra.NoArgs,
	RunE:  runTimerList,
}

var timerStartCmd = &cobra.Command{
	Use:   "start <task-id>",
	Short: "Start a task's timer",
	Args:  cobra.ExactArgs(1),
	RunE: timerAction("start timer", func(ctx context.Context, c *api.Client, id int64) (api.Task, error) {
		return c.StartTimer(ctx, id)
	}),
}

var timerPauseCmd = &cobra.Command{
	Use:   "pause <task-id>",
	Short: "Pause a task's timer",
	Args:  cobra.ExactArgs(1),
	RunE: timerAction("pause timer", func(ctx context.Context, c *api.Client, id int64) (api.Task, error) {
		return c.PauseTimer(ctx, id)
	}),
}

var timerResetCmd = &cobra.Command{
	Use:   "reset <task-id>",
	Short: "Reset a task's timer to its full length",
	Args:  cobra.ExactArgs(1),
	RunE: timerAction("reset timer", func(ctx context.Context, c *api.Client, id int64) (api.Task, error) {
		return c.ResetTimer(ctx, id)
	}),
}

var timerDurationCmd = &cobra.Command{
	Use:   "duration <task-id> <minutes>",
	Short: "Change a task's pomodoro length",
	Args:  cobra.ExactArgs(2),
	RunE:  runTimerDuration,
}

func init() {
	timerCmd.PersistentFlags().BoolVar(&timerJSON, "json", false, "output as JSON")
	timerCmd.AddCommand(timerListCmd, timerStartCmd, timerPauseCmd, timerResetCmd, timerDurationCmd)
	rootCmd.AddCommand(timerCmd)
}

func timerAction(action string, call func(context.Context, *api.Client, int64) (api.Task, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		client, err := newClient()
		if err != nil {
			return err
		}
		task, err := call(cmd.Context(), client, id)
		if err != nil {
			return apiFailure(action, err)
		}
		return printTask(cmd.OutOrStdout(), task)
	}
}

func runTimerDuration(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	minutes, err := strconv.Atoi(args[1])
	if err != nil || minutes <= 0 {
		return NewExitError(ExitUsage, "invalid minutes: %q", args[1])
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	task, err := client.UpdateTimerDuration(cmd.Context(), id, minutes)
	if err != nil {
		return apiFailure("update duration", err)
	}
	return printTask(cmd.OutOrStdout(), task)
}

func runTimerList(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	tasks, err := client.FetchTasks(cmd.Context())
	if err != nil {
		return apiFailure("fetch tasks", err)
	}

	out := cmd.OutOrStdout()
	if timerJSON {
		if tasks == nil {
			tasks = []api.Task{}
		}
		if err := json.NewEncoder(out).Encode(tasks); err != nil {
			return fmt.Errorf("failed to encode json: %w", err)
		}
		return nil
	}

	if len(tasks) == 0 {
		fmt.Fprintln(out, "No tasks.")
		return nil
	}
	for _, t := range tasks {
		fmt.Fprintf(out, "%6d  %-8s %s  %s\n", t.ID, taskPhase(t), taskRemaining(t), t.Title)
	}
	return nil
}

func printTask(out io.Writer, task api.Task) error {
	if timerJSON {
		if err := json.NewEncoder(out).Encode(task); err != nil {
			return fmt.Errorf("failed to encode json: %w", err)
		}
		return nil
	}
	fmt.Fprintf(out, "Task %d %s: %s remaining\n", task.ID, taskPhase(task), taskRemaining(task))
	return nil
}

func taskPhase(t api.Task) string {
	switch {
	case !t.HasTimer():
		return "idle"
	case t.TimerActive:
		return "running"
	default:
		return "paused"
	}
}

func taskRemaining(t api.Task) string {
	if !t.HasTimer() {
		return "--:--"
	}
	d := time.Duration(t.Remaining()) * time.Millisecond
	if d < 0 {
		d = 0
	}
	secs := int((d + time.Second - 1) / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, NewExitError(ExitUsage, "invalid id: %q", raw)
	}
	return id, nil
}
