// Package consumer applies render results delivered over Pub/Sub.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	pkgerrors "github.com/angelmondragon/compositor-backend/pkg/errors"
	"github.com/angelmondragon/compositor-backend/pkg/logger"
	"github.com/angelmondragon/compositor-backend/pkg/outbox/payloads"
)

const renderResultsConsumer = "render-results"

type resultHandler interface {
	Handle(ctx context.Context, result payloads.RenderResult) error
}

type claimer interface {
	Claim(ctx context.Context, consumer, key string) (bool, error)
	Release(ctx context.Context, consumer, key string) error
}

type receiver interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

// Consumer reads render results and hands each one to the result handler once.
type Consumer struct {
	subscription receiver
	handler      resultHandler
	idempotency  claimer
	logg         *logger.Logger
}

func NewConsumer(subscription receiver, handler resultHandler, manager claimer, logg *logger.Logger) (*Consumer, error) {
	if subscription == nil {
		return nil, fmt.Errorf("render results subscription required")
	}
	if handler == nil {
		return nil, fmt.Errorf("result handler required")
	}
	if manager == nil {
		return nil, fmt.Errorf("idempotency manager required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{
		subscription: subscription,
		handler:      handler,
		idempotency:  manager,
		logg:         logg,
	}, nil
}

// Run starts the consumer loop until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		result := c.process(ctx, msg)
		if result.nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	ack  bool
	nack bool
}

func (c *Consumer) process(ctx context.Context, msg *pubsub.Message) processResult {
	logCtx := c.logg.WithField(ctx, "message_id", msg.ID)

	var result payloads.RenderResult
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		c.logg.Error(logCtx, "failed to decode render result", err)
		return processResult{ack: true}
	}

	key := msg.ID
	if result.RequestID != uuid.Nil {
		key = result.RequestID.String()
	}
	logCtx = c.logg.WithCompositionID(logCtx, result.CompositionID.String())
	logCtx = c.logg.WithFields(logCtx, map[string]any{
		"request_id":     key,
		"version_number": result.VersionNumber,
	})

	claimed, err := c.idempotency.Claim(ctx, renderResultsConsumer, key)
	if err != nil {
		c.logg.Error(logCtx, "idempotency check failed", err)
		return processResult{nack: true}
	}
	if !claimed {
		c.logg.Info(logCtx, "render result already processed")
		return processResult{ack: true}
	}

	if err := c.handler.Handle(ctx, result); err != nil {
		if !retryable(err) {
			c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "dropping render result")
			return processResult{ack: true}
		}
		c.logg.Error(logCtx, "render result handling failed", err)
		_ = c.idempotency.Release(ctx, renderResultsConsumer, key)
		return processResult{nack: true}
	}

	return processResult{ack: true}
}

// retryable treats untyped failures as transient.
func retryable(err error) bool {
	typed := pkgerrors.As(err)
	if typed == nil {
		return true
	}
	return pkgerrors.MetadataFor(typed.Code()).Retryable
}
