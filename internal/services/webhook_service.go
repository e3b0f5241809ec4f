package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/clawsite/api/internal/domain"
	"github.com/clawsite/api/internal/payments"
	"github.com/clawsite/api/internal/repositories"
)

const webhookEventIDPrefix = "evt_"

// ErrWebhookInvalidInput signals a notice missing its identifying fields.
var ErrWebhookInvalidInput = errors.New("webhook: invalid input")

// WebhookServiceDeps bundles collaborators required to construct the webhook service.
type WebhookServiceDeps struct {
	Events      repositories.WebhookEventRepository
	Orders      OrderService
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type webhookService struct {
	events repositories.WebhookEventRepository
	orders OrderService
	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

// NewWebhookService wires dependencies into a concrete WebhookService implementation.
func NewWebhookService(deps WebhookServiceDeps) (WebhookService, error) {
	if deps.Events == nil {
		return nil, errors.New("webhook service: event repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("webhook service: order service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &webhookService{
		events: deps.Events,
		orders: deps.Orders,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Process records the notice with first-write-wins dedup, dispatches it to
// the order lifecycle, and marks it processed. Dispatch failures are surfaced
// on the result rather than as errors: the delivery is already recorded so
// the gateway must not retry it.
func (s *webhookService) Process(ctx context.Context, notice GatewayNotice) (WebhookProcessResult, error) {
	if notice.Provider == "" || notice.EventID == "" {
		return WebhookProcessResult{}, fmt.Errorf("%w: provider and event id are required", ErrWebhookInvalidInput)
	}
	now := s.clock()

	wasNew, err := s.events.Insert(ctx, domain.WebhookEvent{
		ID:         webhookEventIDPrefix + s.newID(),
		Gateway:    notice.Provider,
		EventID:    notice.EventID,
		EventType:  notice.EventType,
		OrderID:    notice.OrderID,
		Payload:    notice.Payload,
		ReceivedAt: now,
	})
	if err != nil {
		return WebhookProcessResult{}, err
	}
	if !wasNew {
		s.logger(ctx, "webhook.duplicate", map[string]any{
			"gateway": notice.Provider,
			"event":   notice.EventID,
		})
		return WebhookProcessResult{Duplicate: true}, nil
	}

	if err := s.dispatch(ctx, notice); err != nil {
		s.logger(ctx, "webhook.dispatch.failed", map[string]any{
			"gateway": notice.Provider,
			"event":   notice.EventID,
			"type":    notice.EventType,
			"error":   err.Error(),
		})
		return WebhookProcessResult{ProcessingError: err}, nil
	}

	if err := s.events.MarkProcessed(ctx, notice.Provider, notice.EventID, s.clock()); err != nil {
		s.logger(ctx, "webhook.mark_processed.failed", map[string]any{
			"gateway": notice.Provider,
			"event":   notice.EventID,
			"error":   err.Error(),
		})
	}
	return WebhookProcessResult{}, nil
}

func (s *webhookService) dispatch(ctx context.Context, notice GatewayNotice) error {
	switch notice.Kind {
	case payments.NoticePaymentSucceeded:
		return s.orders.HandlePaymentSucceeded(ctx, notice)
	case payments.NoticePaymentFailed:
		return s.orders.HandlePaymentFailed(ctx, notice)
	default:
		s.logger(ctx, "webhook.ignored", map[string]any{
			"gateway": notice.Provider,
			"event":   notice.EventID,
			"type":    notice.EventType,
		})
		return nil
	}
}
