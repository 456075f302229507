package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrypster/castlist/internal/harvest"
	"github.com/scrypster/castlist/internal/storage"
	"github.com/scrypster/castlist/internal/transcript"
	"github.com/scrypster/castlist/pkg/types"
)

var (
	batchSize   int
	fromStart   bool
	showIgnored bool
	asJSON      bool
)

var harvestCmd = &cobra.Command{
	Use:   "harvest <transcript.jsonl>",
	Short: "Extract characters from a chat transcript into the roster",
	Long: `Reads a JSONL chat transcript, splits its messages into batches and
analyses each batch in order. Characters found are merged into the session
roster, which is saved after every batch.`,
	Args: cobra.ExactArgs(1),
	RunE: runHarvest,
}

var watchCmd = &cobra.Command{
	Use:   "watch <transcript.jsonl>",
	Short: "Harvest new messages as they are appended to a transcript",
	Long: `Follows a JSONL chat transcript and harvests each group of newly
appended messages as it arrives. Runs until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the session roster",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var showCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show one character by name or alias",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var mergeCmd = &cobra.Command{
	Use:   "merge <source> <target>",
	Short: "Merge one character into another",
	Long: `Folds <source> into <target>: the source name and aliases become target
aliases, blank target fields are filled from the source and relationships are
combined.`,
	Args: cobra.ExactArgs(2),
	RunE: runMerge,
}

var ignoreCmd = &cobra.Command{
	Use:   "ignore <name>",
	Short: "Stop tracking a character",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setIgnored(cmd, args[0], true)
	},
}

var unignoreCmd = &cobra.Command{
	Use:   "unignore <name>",
	Short: "Resume tracking an ignored character",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setIgnored(cmd, args[0], false)
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions with a stored roster",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

var forgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Delete the session roster",
	Args:  cobra.NoArgs,
	RunE:  runForget,
}

var backupCmd = &cobra.Command{
	Use:   "backup <dest.db>",
	Short: "Write a verified copy of the roster database",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackup,
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models available on the local Ollama server",
	Args:  cobra.NoArgs,
	RunE:  runModels,
}

// withApp opens the app under the command timeout and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("failed to close roster store", zap.Error(err))
		}
	}()
	return fn(ctx, a)
}

func runHarvest(cmd *cobra.Command, args []string) error {
	t, err := transcript.ReadFile(args[0])
	if err != nil {
		return err
	}
	size := batchSize
	if size <= 0 {
		size = cfg.Analysis.BatchSize
	}
	batches := transcript.Batches(t.Render(), size)
	if len(batches) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "transcript has no messages")
		return nil
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		logger.Info("harvesting transcript",
			zap.String("path", args[0]),
			zap.String("character", t.Header.CharacterName),
			zap.Int("batches", len(batches)))

		q := harvest.NewQueue(a.pipeline, harvest.QueueConfig{Size: len(batches), Logger: logger})
		var total harvest.Report
		var failures []error
		q.OnComplete(func(taskID string, r harvest.Report, err error) {
			if err != nil {
				failures = append(failures, err)
				return
			}
			total.Created += r.Created
			total.Updated += r.Updated
			total.Merged += r.Merged
			total.Skipped += r.Skipped
			total.Messages += r.Messages
			total.Extractions += r.Extractions
			total.Duration += r.Duration
		})

		q.Start(ctx)
		for _, batch := range batches {
			if _, err := q.Enqueue(batch); err != nil {
				_ = q.Stop(ctx)
				return err
			}
		}
		if err := q.Stop(ctx); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%d messages, %d extractions: %d created, %d updated, %d merged, %d skipped (%s)\n",
			total.Messages, total.Extractions, total.Created, total.Updated, total.Merged, total.Skipped,
			total.Duration.Round(time.Millisecond))
		if len(failures) > 0 {
			return fmt.Errorf("%d of %d batches failed: %w", len(failures), len(batches), errors.Join(failures...))
		}
		return nil
	})
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	size := batchSize
	if size <= 0 {
		size = cfg.Analysis.BatchSize
	}
	out := cmd.OutOrStdout()

	q := harvest.NewQueue(a.pipeline, harvest.QueueConfig{Logger: logger})
	q.OnComplete(func(taskID string, r harvest.Report, err error) {
		if err != nil {
			fmt.Fprintf(out, "batch failed: %v\n", err)
			return
		}
		fmt.Fprintf(out, "%d messages: %d created, %d updated, %d merged, %d skipped\n",
			r.Messages, r.Created, r.Updated, r.Merged, r.Skipped)
	})
	q.Start(ctx)

	follower := transcript.NewFollower(args[0], fromStart, func(units []string) {
		for _, batch := range transcript.Batches(units, size) {
			if _, err := q.Enqueue(batch); err != nil {
				logger.Warn("failed to queue batch", zap.Int("messages", len(batch)), zap.Error(err))
			}
		}
	}, logger)
	if err := follower.Start(); err != nil {
		_ = q.Stop(context.Background())
		return err
	}

	<-ctx.Done()
	follower.Stop()

	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	q.ClearQueue()
	return q.Stop(stopCtx)
}

func runList(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		var chars []*types.Character
		for _, c := range a.pipeline.ListEntities() {
			if c.Ignored && !showIgnored {
				continue
			}
			chars = append(chars, c)
		}
		if asJSON {
			return writeJSON(cmd.OutOrStdout(), chars)
		}
		if len(chars) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "no characters in session %q\n", cfg.Session)
			return nil
		}
		return writeRoster(cmd.OutOrStdout(), chars)
	})
}

func runShow(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		c, ok := a.pipeline.GetEntity(args[0])
		if !ok {
			return fmt.Errorf("no character named %q", args[0])
		}
		if asJSON {
			return writeJSON(cmd.OutOrStdout(), c)
		}
		writeCharacter(cmd.OutOrStdout(), c)
		return nil
	})
}

func runMerge(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.pipeline.Merge(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "merged %s into %s\n", args[0], args[1])
		return nil
	})
}

func setIgnored(cmd *cobra.Command, name string, ignored bool) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.pipeline.SetIgnored(ctx, name, ignored); err != nil {
			return err
		}
		verb := "ignoring"
		if !ignored {
			verb = "tracking"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, name)
		return nil
	})
}

func runSessions(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		sessions, err := a.store.ListSessions(ctx)
		if err != nil {
			return err
		}
		for _, s := range sessions {
			fmt.Fprintln(cmd.OutOrStdout(), s)
		}
		return nil
	})
}

func runForget(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		err := a.store.DeleteRoster(ctx, cfg.Session)
		if errors.Is(err, storage.ErrNotFound) {
			fmt.Fprintf(cmd.OutOrStdout(), "no roster for session %q\n", cfg.Session)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted roster for session %q\n", cfg.Session)
		return nil
	})
}

func runBackup(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.store.Backup(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "backup written to %s\n", args[0])
		return nil
	})
}

func runModels(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		models, err := a.ollama.ListModels(ctx)
		if err != nil {
			return err
		}
		selected := a.ollama.Model()
		for _, m := range models {
			marker := " "
			if m == selected {
				marker = "*"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, m)
		}
		return nil
	})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeRoster(w io.Writer, chars []*types.Character) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tALIASES\tCONFIDENCE\tIGNORED")
	for _, c := range chars {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%t\n", c.Name, strings.Join(c.Aliases, ", "), c.Confidence, c.Ignored)
	}
	return tw.Flush()
}

func writeCharacter(w io.Writer, c *types.Character) {
	fmt.Fprintf(w, "%s (confidence %d)\n", c.Name, c.Confidence)
	if len(c.Aliases) > 0 {
		fmt.Fprintf(w, "  aka:           %s\n", strings.Join(c.Aliases, ", "))
	}
	for _, f := range []struct{ label, value string }{
		{"description", c.Description},
		{"physical", c.Physical},
		{"personality", c.Personality},
		{"background", c.Background},
	} {
		if f.value != "" {
			fmt.Fprintf(w, "  %-14s %s\n", f.label+":", f.value)
		}
	}
	for _, r := range c.Relationships {
		fmt.Fprintf(w, "  - %s\n", r)
	}
	if c.Ignored {
		fmt.Fprintln(w, "  (ignored)")
	}
}
