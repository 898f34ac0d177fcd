package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/angelmondragon/compositor-backend/pkg/enums"
	"github.com/angelmondragon/compositor-backend/pkg/outbox"
)

type deadLetterView struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	Aggregate   string    `json:"aggregate"`
	AggregateID string    `json:"aggregate_id"`
	Topic       string    `json:"topic,omitempty"`
	Reason      string    `json:"reason"`
	Message     string    `json:"message,omitempty"`
	Attempts    int       `json:"attempts"`
	FailedAt    time.Time `json:"failed_at"`
}

func newDeadLettersCommand(ctx *commandContext) *cobra.Command {
	var aggregateType, aggregateFlag, reasonFlag string
	var limit int

	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List outbox events the publisher gave up on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := outbox.DLQFilter{Limit: limit}
			if aggregateType != "" {
				filter.AggregateType = enums.OutboxAggregateType(strings.ToLower(strings.TrimSpace(aggregateType)))
				if !filter.AggregateType.IsValid() {
					return fmt.Errorf("unknown aggregate type %q", aggregateType)
				}
			}
			if aggregateFlag != "" {
				id, err := parseID("aggregate id", aggregateFlag)
				if err != nil {
					return err
				}
				filter.AggregateID = id
			}
			if reasonFlag != "" {
				reason, err := enums.ParseOutboxDLQErrorReason(reasonFlag)
				if err != nil {
					return err
				}
				filter.Reason = reason
			}

			eng, err := ctx.ensureEngine(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := eng.DeadLetters.List(cmd.Context(), filter)
			if err != nil {
				return err
			}

			views := make([]deadLetterView, 0, len(entries))
			for _, e := range entries {
				view := deadLetterView{
					EventID:     e.EventID.String(),
					EventType:   string(e.EventType),
					Aggregate:   string(e.AggregateType),
					AggregateID: e.AggregateID.String(),
					Reason:      e.ErrorReason.String(),
					Attempts:    e.AttemptCount,
					FailedAt:    e.FailedAt,
				}
				if e.Topic != nil {
					view.Topic = *e.Topic
				}
				if e.ErrorMessage != nil {
					view.Message = *e.ErrorMessage
				}
				views = append(views, view)
			}
			if ctx.asJSON {
				return writeJSON(cmd, views)
			}
			if len(views) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No dead letters")
				return nil
			}

			rows := make([][]string, 0, len(views))
			for _, v := range views {
				rows = append(rows, []string{
					v.EventType,
					v.Aggregate + "/" + shortID(v.AggregateID),
					v.Topic,
					v.Reason,
					strconv.Itoa(v.Attempts),
					v.FailedAt.UTC().Format(time.RFC3339),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Event", "Aggregate", "Topic", "Reason", "Attempts", "Failed"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().StringVar(&aggregateType, "aggregate-type", "", "asset, template or composition")
	cmd.Flags().StringVar(&aggregateFlag, "aggregate", "", "Aggregate id")
	cmd.Flags().StringVar(&reasonFlag, "reason", "", "max_attempts, non_retryable or unroutable")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows to show")
	return cmd
}

func shortID(id string) string {
	if parsed, err := uuid.Parse(id); err == nil {
		return parsed.String()[:8]
	}
	return id
}
