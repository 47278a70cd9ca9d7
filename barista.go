package coffeeshop

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/coffeeshop/internal/codec"
	"github.com/oriys/coffeeshop/internal/logging"
	"github.com/oriys/coffeeshop/internal/observability"
	"github.com/oriys/coffeeshop/queue"
	"github.com/oriys/coffeeshop/table"
)

// barista is one worker loop: long-poll, decode, brew, persist, announce.
func (s *Shop[Q, I, O]) barista(ctx context.Context, id int) {
	log := logging.Op().With("barista", id)
	for {
		if ctx.Err() != nil {
			return
		}
		delivery, err := s.queue.Receive(ctx, s.cfg.IdleWait)
		if errors.Is(err, queue.ErrNoMessage) {
			s.metrics.EmptyPolls.Inc()
			log.Debug("queue idle")
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("receive failed", "error", err)
			// Back off so a broken broker connection does not busy-spin.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		s.process(ctx, log, delivery)
	}
}

func (s *Shop[Q, I, O]) process(ctx context.Context, log *slog.Logger, delivery *queue.Delivery) {
	s.metrics.InflightBaristas.Inc()
	defer s.metrics.InflightBaristas.Dec()

	ctx, span := observability.Tracer().Start(ctx, "brew",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("ticket", delivery.Ticket)),
	)
	defer span.End()

	env, err := codec.DecodeEnvelope(delivery.Body)
	if err != nil {
		log.Error("undecodable message returned to queue", "ticket", delivery.Ticket, "error", err)
		s.returnDelivery(ctx, delivery)
		return
	}

	var q Q
	if err := s.marshal.Unmarshal(env.Query, &q); err != nil {
		log.Error("unreadable query returned to queue", "ticket", delivery.Ticket, "error", err)
		s.returnDelivery(ctx, delivery)
		return
	}
	var input *I
	if len(env.Input) > 0 {
		var i I
		if err := s.marshal.Unmarshal(env.Input, &i); err != nil {
			log.Error("unreadable input returned to queue", "ticket", delivery.Ticket, "error", err)
			s.returnDelivery(ctx, delivery)
			return
		}
		input = &i
	}

	brewCtx := ctx
	if s.cfg.MaxExecutionTime > 0 {
		var cancel context.CancelFunc
		brewCtx, cancel = context.WithTimeout(ctx, s.cfg.MaxExecutionTime)
		defer cancel()
	}

	started := time.Now()
	output, brewErr := s.handler.Brew(brewCtx, q, input)
	s.metrics.BrewDuration.Observe(time.Since(started).Seconds())

	status := codec.StatusComplete
	row := &table.Row{
		Ticket: delivery.Ticket,
		Expiry: time.Now().Add(s.cfg.ResultTTL),
	}
	if brewErr != nil {
		var userErr *Error
		if !errors.As(brewErr, &userErr) {
			// Infrastructure fault, not a verdict: no row, back to the queue.
			log.Error("brew failed, message returned to queue", "ticket", delivery.Ticket, "error", brewErr)
			s.metrics.ProcessedTotal.WithLabelValues(codec.StatusFailure.String()).Inc()
			s.returnDelivery(ctx, delivery)
			return
		}
		status = codec.StatusRejected
		envelope, err := userErr.Envelope()
		if err != nil {
			log.Error("error envelope unserializable, message returned to queue", "ticket", delivery.Ticket, "error", err)
			s.returnDelivery(ctx, delivery)
			return
		}
		row.Success = false
		row.StatusCode = userErr.StatusCode
		row.Error = envelope
	} else {
		marshaled, err := s.marshal.Marshal(output)
		if err != nil {
			log.Error("output unserializable, message returned to queue", "ticket", delivery.Ticket, "error", err)
			s.returnDelivery(ctx, delivery)
			return
		}
		column, err := codec.EncodeOutput(marshaled)
		if err != nil {
			log.Error("output encoding failed, message returned to queue", "ticket", delivery.Ticket, "error", err)
			s.returnDelivery(ctx, delivery)
			return
		}
		row.Success = true
		row.StatusCode = http.StatusOK
		row.Output = column
	}

	if err := s.table.Put(ctx, row); err != nil {
		log.Error("result write failed, message returned to queue", "ticket", delivery.Ticket, "error", err)
		s.metrics.ProcessedTotal.WithLabelValues(codec.StatusFailure.String()).Inc()
		s.returnDelivery(ctx, delivery)
		return
	}

	if err := delivery.Delete(ctx); err != nil {
		// Row is committed; a redelivery will overwrite it with equal
		// content, invisible to clients.
		log.Warn("delete after commit failed", "ticket", delivery.Ticket, "error", err)
	}

	s.announce(delivery.Ticket, status)
	s.metrics.ProcessedTotal.WithLabelValues(status.String()).Inc()
	log.Debug("ticket finished", "ticket", delivery.Ticket, "status", status.String())
}

// announce multicasts a completion frame. Send errors are logged and
// swallowed; the collection point is the safety net.
func (s *Shop[Q, I, O]) announce(ticket string, status codec.Status) {
	if s.ann == nil {
		return
	}
	frame := codec.NewTicketFrame(s.cfg.Name, ticket, status)
	if err := s.ann.Send(frame); err != nil {
		s.metrics.MulticastSendError.Inc()
		logging.Op().Warn("completion announcement lost", "ticket", ticket, "error", err)
		return
	}
	s.metrics.MulticastSent.Inc()
}

func (s *Shop[Q, I, O]) returnDelivery(ctx context.Context, delivery *queue.Delivery) {
	// Use a fresh context so shutdown cancellation cannot strand the receipt.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := delivery.Return(ctx); err != nil && !errors.Is(err, queue.ErrReceiptFinalized) {
		logging.Op().Error("receipt return failed", "ticket", delivery.Ticket, "error", err)
	}
}
