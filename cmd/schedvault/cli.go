package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"schedvault/internal/app"
	"schedvault/internal/schedstore"
	"schedvault/internal/storage"
	"schedvault/internal/task/scheduler"
)

const stopTimeout = 15 * time.Second

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "schedvault",
		Short:         "Durable job and trigger scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./schedvault.yaml", "config file (yaml or json)")

	root.AddCommand(
		runCmd(&cfgPath),
		recordsCmd(&cfgPath),
		adminCmd(&cfgPath, "pause", "Pause a trigger", func(ctx context.Context, v *schedstore.Adapter, k scheduler.Key) (string, error) {
			return "paused", v.PauseTrigger(ctx, k)
		}),
		adminCmd(&cfgPath, "resume", "Resume a trigger", func(ctx context.Context, v *schedstore.Adapter, k scheduler.Key) (string, error) {
			return "resumed", v.ResumeTrigger(ctx, k)
		}),
		adminCmd(&cfgPath, "remove-trigger", "Remove a trigger", func(ctx context.Context, v *schedstore.Adapter, k scheduler.Key) (string, error) {
			return removed(v.RemoveTrigger(ctx, k))
		}),
		adminCmd(&cfgPath, "remove-job", "Remove a job and its triggers", func(ctx context.Context, v *schedstore.Adapter, k scheduler.Key) (string, error) {
			return removed(v.RemoveJob(ctx, k))
		}),
	)
	return root
}

func runCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Recover persisted schedules and run the scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(*cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
				defer stopCancel()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}
			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			stopErr := a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return errors.Join(a.Err(), stopErr)
			}
			return stopErr
		},
	}
}

type recordView struct {
	Partition string                 `json:"partition"`
	Key       string                 `json:"key"`
	State     scheduler.TriggerState `json:"state,omitempty"`
	Job       *scheduler.JobDetail   `json:"job,omitempty"`
	Trigger   *scheduler.Trigger     `json:"trigger,omitempty"`
}

func recordsCmd(cfgPath *string) *cobra.Command {
	var partition string
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Print the persisted job and trigger records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch partition {
			case "", storage.PartitionJobs, storage.PartitionTriggers:
			default:
				return fmt.Errorf("unknown partition %q", partition)
			}
			a, err := app.New(*cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			jobs, triggers, err := a.Vault().Records(cmd.Context())
			if err != nil {
				return err
			}
			return printRecords(cmd.OutOrStdout(), partition, jobs, triggers)
		},
	}
	cmd.Flags().StringVarP(&partition, "partition", "p", "", "only print jobs or triggers")
	return cmd
}

func printRecords(w io.Writer, partition string, jobs []schedstore.StoredJob, triggers []schedstore.StoredTrigger) error {
	enc := json.NewEncoder(w)
	if partition != storage.PartitionTriggers {
		for i := range jobs {
			if err := enc.Encode(recordView{Partition: storage.PartitionJobs, Key: jobs[i].Key, Job: &jobs[i].Job}); err != nil {
				return err
			}
		}
	}
	if partition != storage.PartitionJobs {
		for i := range triggers {
			t := &triggers[i]
			if err := enc.Encode(recordView{Partition: storage.PartitionTriggers, Key: t.Key, State: t.State, Trigger: &t.Trigger}); err != nil {
				return err
			}
		}
	}
	return nil
}

type adminFunc func(ctx context.Context, v *schedstore.Adapter, key scheduler.Key) (string, error)

// adminCmd mutates the records offline: replay into a stopped engine, then
// apply one operation through the adapter. The daemon must not be running.
func adminCmd(cfgPath *string, use, short string, fn adminFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <namespace/group/name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := scheduler.ParseKey(args[0])
			if err != nil {
				return err
			}
			a, err := app.New(*cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if _, err := a.Recover(ctx); err != nil {
				return err
			}
			msg, err := fn(ctx, a.Vault(), key)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", key, msg)
			return nil
		},
	}
}

func removed(found bool, err error) (string, error) {
	if err != nil {
		return "", err
	}
	if !found {
		return "not found", nil
	}
	return "removed", nil
}
