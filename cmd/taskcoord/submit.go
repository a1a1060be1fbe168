package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Lobbi-Docs/taskcoord/internal/queue"
	"github.com/Lobbi-Docs/taskcoord/internal/store"
	"github.com/Lobbi-Docs/taskcoord/pkg/models"
)

var (
	submitPriority string
	submitRequire  []string
	submitAffinity string
	submitTimeout  time.Duration
	submitRetries  int
	submitMeta     map[string]string
	submitFile     string
	submitWait     bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <type> [payload]",
	Short: "Submit a task to the queue",
	Long: `Submit a task to the queue.

The payload is an arbitrary JSON document handed to the worker that
executes the task. A payload that is not valid JSON is wrapped as a
JSON string. With --file, submissions are read from a JSON file (one
object or an array) in the same format the spool directory accepts,
and the type argument is omitted.

The task runs once a 'taskcoord serve' process assigns it. Use --wait
to block until the task settles and print the outcome.

Examples:
  taskcoord submit echo '{"value":42}'
  taskcoord submit shell '{"command":"make test"}' --priority high --wait
  taskcoord submit resize '{"src":"a.png"}' --require gpu --timeout 2m
  taskcoord submit --file batch.json`,
	Args: cobra.MaximumNArgs(2),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitPriority, "priority", "p", "", "Priority: urgent, high, normal, or low")
	submitCmd.Flags().StringSliceVar(&submitRequire, "require", nil, "Capability a worker must offer (repeatable)")
	submitCmd.Flags().StringVar(&submitAffinity, "affinity", "", "Preferred worker ID")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 0, "Per-attempt execution deadline, e.g. 30s")
	submitCmd.Flags().IntVar(&submitRetries, "retries", -1, "Max retries before dead-lettering (-1 uses the configured default)")
	submitCmd.Flags().StringToStringVar(&submitMeta, "meta", nil, "Metadata key=value (repeatable)")
	submitCmd.Flags().StringVar(&submitFile, "file", "", "Read submissions from a JSON file")
	submitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "Wait for the task to settle and print the outcome")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	db, cfg, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	q := queue.New(db, zap.NewNop(), queue.WithDefaultRetry(cfg.RetryPolicy()))

	var subs []models.TaskSubmission
	if submitFile != "" {
		if len(args) > 0 {
			return fmt.Errorf("--file and a type argument are mutually exclusive")
		}
		subs, err = readSubmissionFile(submitFile)
		if err != nil {
			return err
		}
	} else {
		if len(args) == 0 {
			return fmt.Errorf("a task type is required (or use --file)")
		}
		sub, err := buildSubmission(args, cfg.RetryPolicy())
		if err != nil {
			return err
		}
		subs = []models.TaskSubmission{sub}
	}

	tasks, err := q.EnqueueAll(subs)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	for _, t := range tasks {
		fmt.Printf("%s %s %s (%s)\n", color.GreenString("✓"), t.ID, t.Type, t.Priority)
	}

	if !submitWait {
		return nil
	}
	if len(tasks) != 1 {
		return fmt.Errorf("--wait supports a single submission")
	}
	return waitForTask(db, q, tasks[0].ID)
}

// buildSubmission assembles a submission from the CLI arguments.
func buildSubmission(args []string, defaultRetry models.RetryPolicy) (models.TaskSubmission, error) {
	sub := models.TaskSubmission{
		Type:                 args[0],
		Priority:             models.TaskPriority(submitPriority),
		RequiredCapabilities: submitRequire,
		Affinity:             submitAffinity,
		TimeoutMs:            submitTimeout.Milliseconds(),
		Metadata:             submitMeta,
	}

	if len(args) == 2 {
		payload := []byte(args[1])
		if !json.Valid(payload) {
			payload, _ = json.Marshal(args[1])
		}
		sub.Payload = payload
	}

	if submitRetries >= 0 {
		retry := defaultRetry
		retry.MaxRetries = submitRetries
		sub.Retry = &retry
	}

	return sub, nil
}

// readSubmissionFile decodes one submission or an array of them.
func readSubmissionFile(path string) ([]models.TaskSubmission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read submission file: %w", err)
	}

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var subs []models.TaskSubmission
		if err := json.Unmarshal(data, &subs); err != nil {
			return nil, fmt.Errorf("decode submission file: %w", err)
		}
		if len(subs) == 0 {
			return nil, fmt.Errorf("submission file %s is an empty list", path)
		}
		return subs, nil
	}

	var sub models.TaskSubmission
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("decode submission file: %w", err)
	}
	return []models.TaskSubmission{sub}, nil
}

// waitForTask polls the store until the task reaches a terminal state.
func waitForTask(db *store.DB, q *queue.TaskQueue, taskID string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			fmt.Println("\nStopped waiting; the task keeps running.")
			return nil
		case <-ticker.C:
		}

		t, err := q.Get(taskID)
		if err != nil {
			return fmt.Errorf("poll task: %w", err)
		}

		// Failed and timeout tasks below the retry cap are about to be
		// requeued; only an exhausted one has settled.
		settled := t.Status.Terminal() ||
			((t.Status == models.TaskStatusFailed || t.Status == models.TaskStatusTimeout) &&
				t.AttemptCount >= t.Retry.MaxRetries)
		if !settled {
			continue
		}

		return printOutcome(db, t)
	}
}

// printOutcome renders a settled task's final state.
func printOutcome(db *store.DB, t *models.Task) error {
	switch t.Status {
	case models.TaskStatusCompleted:
		fmt.Printf("%s %s completed after %d retries\n", color.GreenString("✓"), t.ID, t.AttemptCount)
		res, err := store.GetResultByTask(db, t.ID)
		if err == nil && len(res.Payload) > 0 {
			fmt.Println(string(res.Payload))
		}
	case models.TaskStatusCancelled:
		fmt.Printf("%s %s cancelled\n", color.YellowString("−"), t.ID)
	default:
		fmt.Printf("%s %s %s: %s\n", color.RedString("✗"), t.ID, t.Status, t.LastError)
	}
	return nil
}
