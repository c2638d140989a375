package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/keshon/savepoint/internal/checkpoint"
	"github.com/keshon/savepoint/internal/config"
)

func main() {
	cmd := &cli.Command{
		Name:  "savepoint",
		Usage: "Checkpoint and restore a directory with content-addressed binary deltas",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "target",
				Aliases: []string{"t"},
				Usage:   "Target directory to checkpoint",
				Value:   ".",
				Sources: cli.EnvVars("SAVEPOINT_TARGET"),
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   "savepoint.yaml",
				Sources: cli.EnvVars("SAVEPOINT_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start a new session, capturing the current directory state as baseline",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "Session name"},
					&cli.IntFlag{Name: "components", Usage: "Expected number of components in this session"},
				},
				Action: runStart,
			},
			{
				Name:  "checkpoint",
				Usage: "Record the changes since the previous checkpoint",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "label", Usage: "Human-readable checkpoint label"},
					&cli.StringFlag{Name: "external-id", Usage: "Caller-supplied correlation id"},
				},
				Action: runCheckpoint,
			},
			{
				Name:      "restore",
				Usage:     "Restore the directory to a checkpoint by id or sequence",
				ArgsUsage: "<checkpoint-id | sequence>",
				Action:    runRestore,
			},
			{
				Name:   "list",
				Usage:  "List checkpoints of the active session",
				Action: runList,
			},
			{
				Name:   "sessions",
				Usage:  "List all sessions",
				Action: runSessions,
			},
			{
				Name:      "validate",
				Usage:     "Verify that all referenced objects exist, for one checkpoint or the whole session",
				ArgsUsage: "[checkpoint-id]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "repair", Usage: "Re-store missing objects from the live directory"},
				},
				Action: runValidate,
			},
			{
				Name:   "gc",
				Usage:  "Delete unreferenced objects from the store",
				Action: runGC,
			},
			{
				Name:  "complete",
				Usage: "Mark the active session complete",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "discard", Usage: "Delete the session's checkpoints and collect garbage"},
				},
				Action: runComplete,
			},
			{
				Name:      "delete",
				Usage:     "Delete a session and its checkpoints",
				ArgsUsage: "<session-id>",
				Action:    runDelete,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("savepoint error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// open builds an orchestrator over the target directory from the global
// flags. No session is attached yet.
func open(cmd *cli.Command) (*checkpoint.Orchestrator, error) {
	cfg := config.Default()
	if err := config.Load(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	target, err := filepath.Abs(cmd.String("target"))
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Log.Level,
	}))
	return checkpoint.New(target, cfg, logger)
}

// openResumed additionally resumes the most recent incomplete session, which
// every command except start, sessions, delete and gc needs.
func openResumed(ctx context.Context, cmd *cli.Command) (*checkpoint.Orchestrator, error) {
	orch, err := open(cmd)
	if err != nil {
		return nil, err
	}

	sessions, err := orch.ListSessions()
	if err != nil {
		return nil, err
	}
	for i := len(sessions) - 1; i >= 0; i-- {
		if !sessions[i].IsComplete {
			if err := orch.ResumeSession(ctx, sessions[i].ID); err != nil {
				return nil, err
			}
			return orch, nil
		}
	}
	return nil, errors.New("no active session, run start first")
}

func runStart(ctx context.Context, cmd *cli.Command) error {
	orch, err := open(cmd)
	if err != nil {
		return err
	}
	defer orch.Close()

	session, err := orch.StartSession(ctx, cmd.String("name"), int(cmd.Int("components")))
	if err != nil {
		return err
	}
	fmt.Printf("session %s started\n", session.ID)
	return nil
}

func runCheckpoint(ctx context.Context, cmd *cli.Command) error {
	orch, err := openResumed(ctx, cmd)
	if err != nil {
		return err
	}
	defer orch.Close()

	cp, err := orch.CreateCheckpoint(ctx, cmd.String("label"), cmd.String("external-id"))
	if err != nil {
		return err
	}
	fmt.Printf("checkpoint %s (#%d) created: +%d -%d ~%d files, %d bytes of deltas\n",
		cp.ID, cp.Sequence, len(cp.Added), len(cp.Deleted), len(cp.Modified), cp.DeltaSize)
	return nil
}

func runRestore(ctx context.Context, cmd *cli.Command) error {
	ref := cmd.Args().First()
	if ref == "" {
		return errors.New("restore needs a checkpoint id or sequence number")
	}

	orch, err := openResumed(ctx, cmd)
	if err != nil {
		return err
	}
	defer orch.Close()

	if seq, convErr := strconv.Atoi(ref); convErr == nil {
		if err := orch.RestoreToSequence(ctx, seq); err != nil {
			return err
		}
		fmt.Printf("restored to sequence %d\n", seq)
		return nil
	}
	if err := orch.RestoreCheckpoint(ctx, ref); err != nil {
		return err
	}
	fmt.Printf("restored to checkpoint %s\n", ref)
	return nil
}

func runList(ctx context.Context, cmd *cli.Command) error {
	orch, err := openResumed(ctx, cmd)
	if err != nil {
		return err
	}
	defer orch.Close()

	checkpoints, err := orch.ListCheckpoints(orch.Session().ID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tID\tLABEL\tANCHOR\tFILES\tTOTAL\tDELTA\tCREATED")
	for _, cp := range checkpoints {
		anchor := ""
		if cp.IsAnchor {
			anchor = "yes"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			cp.Sequence, cp.ID, cp.Label, anchor, cp.FileCount,
			cp.TotalSize, cp.DeltaSize,
			cp.Timestamp.Local().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runSessions(ctx context.Context, cmd *cli.Command) error {
	orch, err := open(cmd)
	if err != nil {
		return err
	}
	defer orch.Close()

	sessions, err := orch.ListSessions()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCHECKPOINTS\tCOMPLETE\tSTARTED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%d\t%v\t%s\n",
			s.ID, s.Name, len(s.CheckpointIDs), s.IsComplete,
			s.StartTime.Local().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runValidate(ctx context.Context, cmd *cli.Command) error {
	orch, err := openResumed(ctx, cmd)
	if err != nil {
		return err
	}
	defer orch.Close()

	// Without an id, sweep the whole session.
	ids := []string{cmd.Args().First()}
	if ids[0] == "" {
		checkpoints, err := orch.ListCheckpoints(orch.Session().ID)
		if err != nil {
			return err
		}
		ids = ids[:0]
		for _, cp := range checkpoints {
			ids = append(ids, cp.ID)
		}
	}

	broken := 0
	for _, id := range ids {
		ok, problems, err := orch.ValidateCheckpoint(id)
		if err != nil {
			return err
		}
		if ok {
			fmt.Printf("checkpoint %s is valid\n", id)
			continue
		}
		for _, p := range problems {
			fmt.Fprintln(os.Stderr, p)
		}
		if !cmd.Bool("repair") {
			broken++
			continue
		}
		repaired, err := orch.TryRepairCheckpoint(ctx, id)
		if err != nil {
			return err
		}
		if !repaired {
			broken++
			continue
		}
		fmt.Printf("checkpoint %s repaired\n", id)
	}
	if broken > 0 {
		return fmt.Errorf("%d checkpoint(s) with missing objects", broken)
	}
	return nil
}

func runGC(ctx context.Context, cmd *cli.Command) error {
	orch, err := open(cmd)
	if err != nil {
		return err
	}
	defer orch.Close()

	deleted, err := orch.GarbageCollect()
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d unreferenced objects\n", deleted)
	return nil
}

func runComplete(ctx context.Context, cmd *cli.Command) error {
	orch, err := openResumed(ctx, cmd)
	if err != nil {
		return err
	}
	defer orch.Close()

	if err := orch.CompleteSession(ctx, !cmd.Bool("discard")); err != nil {
		return err
	}
	fmt.Println("session completed")
	return nil
}

func runDelete(ctx context.Context, cmd *cli.Command) error {
	id := cmd.Args().First()
	if id == "" {
		return errors.New("delete needs a session id")
	}

	orch, err := open(cmd)
	if err != nil {
		return err
	}
	defer orch.Close()

	if err := orch.DeleteSession(id); err != nil {
		return err
	}
	fmt.Printf("session %s deleted\n", id)
	return nil
}
