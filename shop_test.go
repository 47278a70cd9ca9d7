package coffeeshop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/oriys/coffeeshop/config"
	"github.com/oriys/coffeeshop/internal/codec"
	"github.com/oriys/coffeeshop/internal/logging"
	"github.com/oriys/coffeeshop/queue"
	"github.com/oriys/coffeeshop/table"
)

type brewQuery struct {
	BaseQuery
	Strength string `schema:"strength" json:"strength"`
}

type brewInput struct {
	Name string `json:"name"`
}

type brewOutput struct {
	Message string `json:"message"`
}

type brewHandler struct {
	// brewing, when set, is closed as a "linger" brew enters its wait.
	brewing chan struct{}
}

func (brewHandler) Validate(q brewQuery, input *brewInput) map[string]string {
	if input == nil || input.Name == "" {
		return map[string]string{"name": "Name must not be empty."}
	}
	return nil
}

func (h brewHandler) Brew(ctx context.Context, q brewQuery, input *brewInput) (brewOutput, error) {
	switch input.Name {
	case "reject":
		return brewOutput{}, NewError(http.StatusPaymentRequired, KindProcessing, "payment required")
	case "boom":
		return brewOutput{}, errors.New("machine jam")
	case "linger":
		if h.brewing != nil {
			close(h.brewing)
		}
		<-ctx.Done()
		return brewOutput{}, ctx.Err()
	}
	return brewOutput{Message: "Hello, " + input.Name}, nil
}

func newTestShop(t *testing.T, mutate func(*config.Config)) (*Shop[brewQuery, brewInput, brewOutput], *queue.Memory, *table.Memory) {
	t.Helper()
	q := queue.NewMemory(time.Minute)
	tbl := table.NewMemory()
	return newShopOn(t, brewHandler{}, q, tbl, mutate), q, tbl
}

func newShopOn(t *testing.T, h brewHandler, q queue.Queue, tbl table.Table, mutate func(*config.Config)) *Shop[brewQuery, brewInput, brewOutput] {
	t.Helper()

	cfg := config.Default()
	cfg.Baristas = 1
	cfg.IdleWait = 50 * time.Millisecond
	cfg.RecoveryInterval = 20 * time.Millisecond
	cfg.MaxExecutionTime = 5 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	s, err := New[brewQuery, brewInput, brewOutput](context.Background(), cfg, h,
		WithQueue[brewQuery, brewInput, brewOutput](q),
		WithTable[brewQuery, brewInput, brewOutput](tbl),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

// startWorkers runs one barista and the recovery sweep without the HTTP
// server or the multicast sockets. Fulfillment flows through the table sweep,
// the same path a lost announcement takes in production.
func startWorkers(t *testing.T, s *Shop[brewQuery, brewInput, brewOutput]) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.barista(ctx, 0)
	go s.recoveryLoop(ctx)
}

func doRequest(s *Shop[brewQuery, brewInput, brewOutput], method, target string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) *Error {
	t.Helper()
	var e Error
	if err := json.NewDecoder(rec.Body).Decode(&e); err != nil {
		t.Fatalf("undecodable error body %q: %v", rec.Body.String(), err)
	}
	return &e
}

func TestStatus(t *testing.T) {
	s, _, _ := newTestShop(t, func(c *config.Config) { c.Name = "roastery" })

	rec := doRequest(s, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}

	var body statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("undecodable body: %v", err)
	}
	if body.Shop != "roastery" || body.Baristas != 1 {
		t.Errorf("identity wrong: %+v", body)
	}
	if body.Metadata.Hostname == "" {
		t.Error("metadata hostname missing")
	}
}

func TestStatusMethodNotAllowed(t *testing.T) {
	s, _, _ := newTestShop(t, nil)
	rec := doRequest(s, http.MethodPost, "/status", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	if e := decodeError(t, rec); e.Kind != KindMethodNotAllowed {
		t.Errorf("kind = %s", e.Kind)
	}
}

func TestUnknownRoute(t *testing.T) {
	s, _, _ := newTestShop(t, nil)
	rec := doRequest(s, http.MethodGet, "/espresso", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if e := decodeError(t, rec); e.Kind != KindNotFound {
		t.Errorf("kind = %s", e.Kind)
	}
}

func TestRequestValidationNeverEnqueues(t *testing.T) {
	s, q, _ := newTestShop(t, nil)

	rec := doRequest(s, http.MethodPost, "/request", `{"name":""}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	e := decodeError(t, rec)
	if e.Kind != KindValidation {
		t.Errorf("kind = %s", e.Kind)
	}
	fields, ok := e.Details["fields"].(map[string]any)
	if !ok || fields["name"] == nil {
		t.Errorf("field detail missing: %v", e.Details)
	}
	if q.Depth() != 0 {
		t.Errorf("rejected request reached the queue: depth %d", q.Depth())
	}
}

func TestRequestAsync(t *testing.T) {
	s, q, _ := newTestShop(t, nil)

	rec := doRequest(s, http.MethodPost, "/request?async=true", `{"name":"sam"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	var body ticketResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("undecodable body: %v", err)
	}
	if body.Ticket == "" {
		t.Fatal("ticket missing from async response")
	}
	if got := rec.Header().Get("X-Ticket"); got != body.Ticket {
		t.Errorf("X-Ticket = %q, body ticket = %q", got, body.Ticket)
	}
	if body.Output != nil {
		t.Error("async response must not carry output")
	}
	if q.Depth() != 1 {
		t.Errorf("queue depth = %d, want 1", q.Depth())
	}
}

func TestRequestSync(t *testing.T) {
	s, q, _ := newTestShop(t, nil)
	startWorkers(t, s)

	rec := doRequest(s, http.MethodPost, "/request?timeout=5", `{"name":"sam"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var body ticketResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("undecodable body: %v", err)
	}
	var out brewOutput
	if err := json.Unmarshal(body.Output, &out); err != nil {
		t.Fatalf("undecodable output %q: %v", body.Output, err)
	}
	if out.Message != "Hello, sam" {
		t.Errorf("output = %+v", out)
	}
	if q.Depth() != 0 {
		t.Errorf("message not deleted after processing: depth %d", q.Depth())
	}
}

func TestRequestSyncTimeoutThenRetrieve(t *testing.T) {
	s, _, _ := newTestShop(t, nil)

	// No workers yet, so the blocking request must time out.
	rec := doRequest(s, http.MethodPost, "/request?timeout=0.05", `{"name":"sam"}`)
	if rec.Code != http.StatusRequestTimeout {
		t.Fatalf("status = %d, want 408: %s", rec.Code, rec.Body.String())
	}
	e := decodeError(t, rec)
	if e.Kind != KindRetrieveTimeout {
		t.Errorf("kind = %s", e.Kind)
	}
	ticket, _ := e.Details["ticket"].(string)
	if ticket == "" {
		t.Fatalf("408 must name the ticket: %v", e.Details)
	}

	// The ticket stays valid; once a barista catches up the result arrives.
	startWorkers(t, s)
	rec = doRequest(s, http.MethodGet, "/retrieve?ticket="+ticket+"&timeout=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("retrieve status = %d: %s", rec.Code, rec.Body.String())
	}
	var body ticketResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("undecodable body: %v", err)
	}
	if body.Ticket != ticket {
		t.Errorf("ticket = %q, want %q", body.Ticket, ticket)
	}
}

func TestRequestPayloadTooLarge(t *testing.T) {
	s, q, _ := newTestShop(t, nil)

	big := fmt.Sprintf(`{"name":%q}`, bytes.Repeat([]byte("x"), 300*1024))
	rec := doRequest(s, http.MethodPost, "/request", big)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if q.Depth() != 0 {
		t.Errorf("oversize request reached the queue: depth %d", q.Depth())
	}
}

func TestRequestTicketCap(t *testing.T) {
	s, _, _ := newTestShop(t, func(c *config.Config) { c.MaxOutstandingTickets = 1 })

	rec := doRequest(s, http.MethodPost, "/request?async=true", `{"name":"sam"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first request: status = %d", rec.Code)
	}
	rec = doRequest(s, http.MethodPost, "/request?async=true", `{"name":"pat"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", rec.Code)
	}
	if e := decodeError(t, rec); e.Kind != KindTooManyTickets {
		t.Errorf("kind = %s", e.Kind)
	}
}

func TestRetrieveRequiresTicket(t *testing.T) {
	s, _, _ := newTestShop(t, nil)
	rec := doRequest(s, http.MethodGet, "/retrieve", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRetrieveUnknownTicket(t *testing.T) {
	s, _, _ := newTestShop(t, nil)

	// An unknown ticket is indistinguishable from a slow one, so a no-wait
	// retrieve answers 408, not 404.
	rec := doRequest(s, http.MethodGet, "/retrieve?ticket=nope", "")
	if rec.Code != http.StatusRequestTimeout {
		t.Fatalf("status = %d, want 408: %s", rec.Code, rec.Body.String())
	}
}

func TestRetrieveCommittedRow(t *testing.T) {
	s, _, tbl := newTestShop(t, nil)

	column, err := codec.EncodeOutput([]byte(`{"message":"Hello, remote"}`))
	if err != nil {
		t.Fatalf("EncodeOutput failed: %v", err)
	}
	err = tbl.Put(context.Background(), &table.Row{
		Ticket:     "remote-1",
		Success:    true,
		StatusCode: http.StatusOK,
		Output:     column,
		Expiry:     time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Another shop finished this ticket; the table probe resolves it without
	// waiting for a recovery sweep.
	rec := doRequest(s, http.MethodGet, "/retrieve?ticket=remote-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var body ticketResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("undecodable body: %v", err)
	}
	var out brewOutput
	if err := json.Unmarshal(body.Output, &out); err != nil {
		t.Fatalf("undecodable output: %v", err)
	}
	if out.Message != "Hello, remote" {
		t.Errorf("output = %+v", out)
	}
}

func TestBrewRejectionSurfaced(t *testing.T) {
	s, _, _ := newTestShop(t, nil)
	startWorkers(t, s)

	rec := doRequest(s, http.MethodPost, "/request?timeout=5", `{"name":"reject"}`)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402: %s", rec.Code, rec.Body.String())
	}
	e := decodeError(t, rec)
	if e.Kind != KindProcessing {
		t.Errorf("kind = %s", e.Kind)
	}
	if msg, _ := e.Details["message"].(string); msg != "payment required" {
		t.Errorf("message = %q", msg)
	}
}

func TestProcessUndecodableMessage(t *testing.T) {
	s, q, tbl := newTestShop(t, nil)
	ctx := context.Background()

	ticket, err := q.Send(ctx, "not a payload")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	d, err := q.Receive(ctx, time.Second)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}

	s.process(ctx, logging.Op(), d)

	if !d.Finalized() {
		t.Error("receipt left unresolved")
	}
	if q.Depth() != 1 {
		t.Errorf("returned message missing: depth %d", q.Depth())
	}
	if _, err := tbl.Get(ctx, ticket); !errors.Is(err, table.ErrNotFound) {
		t.Errorf("undecodable message must not produce a row: %v", err)
	}
}

func TestRunStopsWhenServerFails(t *testing.T) {
	s, _, _ := newTestShop(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.run(context.Background(), ln) }()

	// Kill the listener out from under the server. Every component must
	// stop and run must return even though the parent context lives on.
	ln.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run still blocked after the HTTP server died")
	}
}

func TestRunGracefulShutdown(t *testing.T) {
	s, _, _ := newTestShop(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.run(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/status"
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not drain after cancellation")
	}
}

func TestShutdownReturnsInflightReceipt(t *testing.T) {
	brewing := make(chan struct{})
	q := queue.NewMemory(time.Minute)
	tbl := table.NewMemory()
	s := newShopOn(t, brewHandler{brewing: brewing}, q, tbl, nil)

	rec := doRequest(s, http.MethodPost, "/request?async=true", `{"name":"linger"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	ticket := rec.Header().Get("X-Ticket")

	ctx, cancel := context.WithCancel(context.Background())
	baristaDone := make(chan struct{})
	go func() {
		defer close(baristaDone)
		s.barista(ctx, 0)
	}()

	select {
	case <-brewing:
	case <-time.After(2 * time.Second):
		t.Fatal("brew never started")
	}
	cancel()

	select {
	case <-baristaDone:
	case <-time.After(2 * time.Second):
		t.Fatal("barista did not stop")
	}

	// The interrupted message must survive with its receipt returned, not
	// deleted and not leaked into a leased limbo.
	if q.Depth() != 1 {
		t.Fatalf("in-flight message lost: depth %d", q.Depth())
	}
	d, err := q.Receive(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("interrupted message not redeliverable: %v", err)
	}
	if d.Ticket != ticket {
		t.Errorf("redelivered ticket %s, want %s", d.Ticket, ticket)
	}
	d.Delete(context.Background())

	if _, err := tbl.Get(context.Background(), ticket); !errors.Is(err, table.ErrNotFound) {
		t.Errorf("interrupted brew must not commit a row: %v", err)
	}
}

// sendHookQueue runs a callback after each successful enqueue, between the
// waiter's queue call and its order registration.
type sendHookQueue struct {
	*queue.Memory
	afterSend func()
}

func (q *sendHookQueue) Send(ctx context.Context, body string) (string, error) {
	ticket, err := q.Memory.Send(ctx, body)
	if err == nil && q.afterSend != nil {
		q.afterSend()
	}
	return ticket, err
}

func TestTicketCapRaceKeepsTicket(t *testing.T) {
	hq := &sendHookQueue{Memory: queue.NewMemory(time.Minute)}
	tbl := table.NewMemory()
	s := newShopOn(t, brewHandler{}, hq, tbl, func(c *config.Config) {
		c.MaxOutstandingTickets = 1
	})
	// A concurrent request takes the last order slot after this one's
	// enqueue succeeds.
	hq.afterSend = func() { s.orders.GetOrCreate("rival") }

	rec := doRequest(s, http.MethodPost, "/request?async=true", `{"name":"sam"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429: %s", rec.Code, rec.Body.String())
	}

	e := decodeError(t, rec)
	ticket, _ := e.Details["ticket"].(string)
	if ticket == "" {
		t.Fatalf("429 after enqueue must name the ticket: %v", e.Details)
	}
	if got := rec.Header().Get("X-Ticket"); got != ticket {
		t.Errorf("X-Ticket = %q, detail ticket = %q", got, ticket)
	}
	if hq.Depth() != 1 {
		t.Errorf("enqueued work dropped: depth %d", hq.Depth())
	}
}

func TestRecoverOnce(t *testing.T) {
	s, _, tbl := newTestShop(t, nil)
	ctx := context.Background()

	o, _, err := s.orders.GetOrCreate("t9")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	err = tbl.Put(ctx, &table.Row{
		Ticket:     "t9",
		Success:    true,
		StatusCode: http.StatusOK,
		Output:     []byte("x"),
		Expiry:     time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	s.recoverOnce(ctx)

	out, ok := o.Wait(ctx, 0)
	if !ok || !out.Success {
		t.Fatalf("order not recovered from table: ok=%v out=%+v", ok, out)
	}
}
