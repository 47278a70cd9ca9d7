package coffeeshop

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/schema"

	"github.com/oriys/coffeeshop/internal/codec"
	"github.com/oriys/coffeeshop/internal/logging"
	"github.com/oriys/coffeeshop/internal/order"
	"github.com/oriys/coffeeshop/table"
)

var queryDecoder = func() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	return d
}()

// Metadata identifies the responding shop in every ticket response.
type Metadata struct {
	Hostname      string    `json:"hostname"`
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds float64   `json:"uptime_seconds"`
}

type statusResponse struct {
	Metadata     Metadata `json:"metadata"`
	Shop         string   `json:"shop"`
	Baristas     int      `json:"baristas"`
	RequestCount uint64   `json:"request_count"`
	TicketCount  int      `json:"ticket_count"`
}

type ticketResponse struct {
	Ticket   string          `json:"ticket"`
	Metadata Metadata        `json:"metadata"`
	Output   json.RawMessage `json:"output,omitempty"`
}

func (s *Shop[Q, I, O]) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/request", s.handleRequest)
	mux.HandleFunc("/retrieve", s.handleRetrieve)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, Errorf(http.StatusNotFound, KindNotFound, "no route for %s", r.URL.Path))
	})
}

func (s *Shop[Q, I, O]) metadata() Metadata {
	return Metadata{
		Hostname:      s.hostname,
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: time.Since(s.startTime).Seconds(),
	}
}

func (s *Shop[Q, I, O]) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Op().Warn("response write failed", "error", err)
	}
}

func (s *Shop[Q, I, O]) writeError(w http.ResponseWriter, e *Error) {
	s.writeJSON(w, e.StatusCode, e)
}

func (s *Shop[Q, I, O]) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, NewError(http.StatusMethodNotAllowed, KindMethodNotAllowed, "status is GET only"))
		return
	}
	s.metrics.RequestsTotal.WithLabelValues("status").Inc()
	s.writeJSON(w, http.StatusOK, statusResponse{
		Metadata:     s.metadata(),
		Shop:         s.cfg.Name,
		Baristas:     s.cfg.Baristas,
		RequestCount: s.requests.Load(),
		TicketCount:  s.orders.Len(),
	})
}

func (s *Shop[Q, I, O]) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, NewError(http.StatusMethodNotAllowed, KindMethodNotAllowed, "request is POST only"))
		return
	}
	started := time.Now()
	defer func() {
		s.metrics.RequestDuration.WithLabelValues("request").Observe(time.Since(started).Seconds())
	}()
	s.metrics.RequestsTotal.WithLabelValues("request").Inc()

	var q Q
	if err := queryDecoder.Decode(&q, r.URL.Query()); err != nil {
		s.writeError(w, Errorf(http.StatusBadRequest, KindBadRequest, "bad query string: %v", err))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, codec.MaxEncodedBytes))
	if err != nil {
		s.writeError(w, NewError(http.StatusRequestEntityTooLarge, KindPayloadTooLarge, "request body too large"))
		return
	}
	var input *I
	if len(body) > 0 {
		var i I
		if err := json.Unmarshal(body, &i); err != nil {
			s.writeError(w, Errorf(http.StatusBadRequest, KindBadRequest, "malformed body: %v", err))
			return
		}
		input = &i
	}

	if fields := s.handler.Validate(q, input); len(fields) > 0 {
		s.writeError(w, validationError(fields))
		return
	}

	s.requests.Add(1)

	if max := s.cfg.MaxOutstandingTickets; max > 0 && s.orders.Len() >= max {
		s.writeError(w, NewError(http.StatusTooManyRequests, KindTooManyTickets, "outstanding ticket cap reached"))
		return
	}

	queryBytes, err := s.marshal.Marshal(q)
	if err != nil {
		s.writeError(w, Errorf(http.StatusInternalServerError, KindInternal, "marshal query: %v", err))
		return
	}
	env := &codec.Envelope{Query: queryBytes}
	if input != nil {
		inputBytes, err := s.marshal.Marshal(*input)
		if err != nil {
			s.writeError(w, Errorf(http.StatusInternalServerError, KindInternal, "marshal input: %v", err))
			return
		}
		env.Input = inputBytes
	}

	payload, err := codec.EncodeEnvelope(env)
	if err != nil {
		if errors.Is(err, codec.ErrPayloadTooLarge) {
			s.writeError(w, NewError(http.StatusRequestEntityTooLarge, KindPayloadTooLarge, "encoded payload exceeds the queue message limit"))
			return
		}
		s.writeError(w, Errorf(http.StatusInternalServerError, KindInternal, "encode payload: %v", err))
		return
	}

	ticket, err := s.queue.Send(r.Context(), payload)
	if err != nil {
		logging.Op().Error("enqueue failed", "error", err)
		s.writeError(w, NewError(http.StatusServiceUnavailable, KindQueueUnavailable, "work queue unavailable"))
		return
	}

	o, _, err := s.orders.GetOrCreate(ticket)
	if err != nil {
		// Enqueued but not resident here; the work still runs and the result
		// stays retrievable from any shop, so the client keeps the ticket.
		w.Header().Set("X-Ticket", ticket)
		e := NewError(http.StatusTooManyRequests, KindTooManyTickets, "outstanding ticket cap reached")
		e.Details["ticket"] = ticket
		s.writeError(w, e)
		return
	}

	w.Header().Set("X-Ticket", ticket)
	if q.IsAsync() {
		s.writeJSON(w, http.StatusAccepted, ticketResponse{Ticket: ticket, Metadata: s.metadata()})
		return
	}
	s.awaitOrder(r.Context(), w, o, q.RequestTimeout())
}

func (s *Shop[Q, I, O]) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, NewError(http.StatusMethodNotAllowed, KindMethodNotAllowed, "retrieve is GET only"))
		return
	}
	started := time.Now()
	defer func() {
		s.metrics.RequestDuration.WithLabelValues("retrieve").Observe(time.Since(started).Seconds())
	}()
	s.metrics.RequestsTotal.WithLabelValues("retrieve").Inc()

	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		s.writeError(w, NewError(http.StatusBadRequest, KindBadRequest, "ticket parameter is required"))
		return
	}
	var timeout time.Duration
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.writeError(w, Errorf(http.StatusBadRequest, KindBadRequest, "bad timeout: %q", raw))
			return
		}
		timeout = time.Duration(secs * float64(time.Second))
	}

	o, created, err := s.orders.GetOrCreate(ticket)
	if err != nil {
		s.writeError(w, NewError(http.StatusTooManyRequests, KindTooManyTickets, "outstanding ticket cap reached"))
		return
	}
	if created {
		// Fresh order for a ticket this shop has never seen. Probe the table
		// once so a committed result resolves faster than the next recovery
		// sweep; the sweep remains the safety net.
		if row, err := s.table.Get(r.Context(), ticket); err == nil {
			o.Fulfill(row.Success)
		}
	}
	s.awaitOrder(r.Context(), w, o, timeout)
}

// awaitOrder blocks on the order's rendezvous up to timeout, then renders
// either the stored result or a 408. The order is never cancelled: timing
// out leaves processing to finish and the result retrievable until TTL.
func (s *Shop[Q, I, O]) awaitOrder(ctx context.Context, w http.ResponseWriter, o *order.Order, timeout time.Duration) {
	o.Acquire()
	defer o.Release()

	if _, ok := o.Wait(ctx, timeout); !ok {
		e := NewError(http.StatusRequestTimeout, KindRetrieveTimeout, "result not ready within the timeout")
		e.Details["ticket"] = o.Ticket()
		s.writeError(w, e)
		return
	}

	row, err := s.table.Get(ctx, o.Ticket())
	if errors.Is(err, table.ErrNotFound) {
		s.writeError(w, NewError(http.StatusNotFound, KindResultNotFound, "result expired or missing"))
		return
	}
	if err != nil {
		logging.Op().Error("result fetch failed", "ticket", o.Ticket(), "error", err)
		s.writeError(w, NewError(http.StatusBadGateway, KindInternal, "result store unavailable"))
		return
	}

	if !row.Success {
		stored, perr := ParseEnvelope(row.Error)
		if perr != nil {
			logging.Op().Error("stored error envelope unreadable", "ticket", o.Ticket(), "error", perr)
			s.writeError(w, NewError(http.StatusBadGateway, KindInternal, "stored error unreadable"))
			return
		}
		s.writeError(w, stored)
		return
	}

	marshaled, err := codec.DecodeOutput(row.Output)
	if err != nil {
		logging.Op().Error("stored output unreadable", "ticket", o.Ticket(), "error", err)
		s.writeError(w, NewError(http.StatusBadGateway, KindInternal, "stored output unreadable"))
		return
	}
	w.Header().Set("X-Ticket", o.Ticket())
	s.writeJSON(w, http.StatusOK, ticketResponse{
		Ticket:   o.Ticket(),
		Metadata: s.metadata(),
		Output:   json.RawMessage(marshaled),
	})
}
