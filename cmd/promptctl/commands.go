package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zatekoja/hisprompt/backend/internal/application/services"
	"github.com/zatekoja/hisprompt/backend/internal/domain/entities"
)

const actorCLI = "promptctl"

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one consistency sweep between prompts and the execution server store",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(cmd.Context()))

			rcfg := a.cfg.Reconciliation
			if cmd.Flags().Changed("fix") {
				rcfg.AutoFix, _ = cmd.Flags().GetBool("fix")
			}
			reconciler := services.NewConsistencyReconciler(a.lifecycle, a.prompts, a.remote, nil, nil, rcfg)
			result := reconciler.Run(cmd.Context(), "cli")

			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if len(result.Errors) > 0 {
				return fmt.Errorf("%d reconciliation phase(s) failed", len(result.Errors))
			}
			return nil
		},
	}
	cmd.Flags().Bool("fix", false, "apply fixes (defaults to RECONCILE_AUTO_FIX)")
	return cmd
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync [patient-id...]",
		Short: "Generate prompts for the given patients, or every active patient",
		RunE: func(cmd *cobra.Command, args []string) error {
			workers, _ := cmd.Flags().GetInt("workers")
			deadline, _ := cmd.Flags().GetDuration("deadline")
			submit, _ := cmd.Flags().GetBool("submit")

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(cmd.Context()))

			if workers <= 0 {
				workers = a.cfg.Sync.Workers
			}
			if deadline <= 0 {
				deadline = a.cfg.Sync.Deadline
			}
			generator := services.NewPromptGenerationService(a.lifecycle, a.patients, a.templates, submit || a.cfg.Sync.AutoSubmit)
			patientSync := services.NewPatientSyncService(a.patients, a.locks, generator.SyncFunc(), workers, deadline)

			var summary *entities.SyncSummary
			if len(args) == 0 {
				summary, err = patientSync.SyncAll(cmd.Context())
				if err != nil {
					return err
				}
			} else {
				summary = patientSync.SyncPatients(cmd.Context(), args, generator.SyncFunc())
				summary.Name = "manual"
			}

			if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
				return err
			}
			if summary.Failed > 0 {
				return fmt.Errorf("%d of %d patients failed", summary.Failed, summary.Total)
			}
			return nil
		},
	}
	cmd.Flags().Int("workers", 0, "concurrent patients (defaults to SYNC_WORKERS)")
	cmd.Flags().Duration("deadline", 0, "overall deadline (defaults to SYNC_DEADLINE)")
	cmd.Flags().Bool("submit", false, "submit generated prompts to the execution server")
	return cmd
}

func transitionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transition <prompt-id> <status>",
		Short: "Move a prompt to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePromptID(args[0])
			if err != nil {
				return err
			}
			status, ok := entities.ParsePromptStatus(args[1])
			if !ok {
				return fmt.Errorf("unknown status %q", args[1])
			}
			reason, _ := cmd.Flags().GetString("reason")

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(cmd.Context()))

			prompt, err := a.lifecycle.TransitionStatus(cmd.Context(), id, status, reason, actorCLI)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), prompt)
		},
	}
	cmd.Flags().String("reason", "manual transition", "reason recorded in the transition history")
	return cmd
}

func submitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <prompt-id>",
		Short: "Submit a PENDING prompt to the execution server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePromptID(args[0])
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(cmd.Context()))

			prompt, err := a.lifecycle.SubmitPrompt(cmd.Context(), id, actorCLI)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), prompt)
		},
	}
}

func showCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <prompt-id>",
		Short: "Print a prompt and its transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parsePromptID(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			prompt, err := a.lifecycle.GetPrompt(ctx, id)
			if err != nil {
				return err
			}
			transitions, err := a.lifecycle.ListTransitions(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"prompt":      prompt,
				"request_id":  a.lifecycle.RequestID(id),
				"transitions": transitions,
			})
		},
	}
	return cmd
}

func parsePromptID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid prompt id %q", raw)
	}
	return id, nil
}
