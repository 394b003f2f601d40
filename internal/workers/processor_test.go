package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/extract"
	"github.com/ternarybob/excerpo/internal/fetch"
	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/lake"
	"github.com/ternarybob/excerpo/internal/models"
	"github.com/ternarybob/excerpo/internal/queue"
	"github.com/ternarybob/excerpo/internal/services/events"
	"github.com/ternarybob/excerpo/internal/services/schemas"
	"github.com/ternarybob/excerpo/internal/storage/badger"
)

type processorEnv struct {
	processor *Processor
	bus       interfaces.Bus
	events    interfaces.EventService
	schemas   *schemas.Service
	store     interfaces.ObjectStore
}

// newProcessorEnv wires a processor against real storage, a real bus and the
// plain HTTP fetcher, mirroring the http task pool composition
func newProcessorEnv(t *testing.T, config ProcessorConfig) *processorEnv {
	t.Helper()
	logger := arbor.NewLogger()

	manager, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("Failed to create storage manager: %v", err)
	}
	t.Cleanup(func() { manager.Close() })

	store, ok := manager.DB().(*badgerhold.Store)
	if !ok {
		t.Fatalf("Unexpected store type %T", manager.DB())
	}
	bus, err := queue.NewBadgerBus(store.Badger(), queue.NewDefaultConfig(), logger)
	if err != nil {
		t.Fatalf("Failed to create bus: %v", err)
	}

	eventService := events.NewService(logger)
	t.Cleanup(func() { eventService.Close() })
	schemaService := schemas.NewService(manager.SchemaStorage(), eventService, logger)
	provider := schemas.NewCachingProvider(schemaService, logger)

	objStore, err := lake.NewFSStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("Failed to create lake store: %v", err)
	}

	fetcher := fetch.NewHTTPFetcher(common.FetchConfig{
		Timeout:      "5s",
		TaskTimeout:  "10s",
		HostInterval: "1ms",
		UserAgents:   []string{"excerpo-test/1.0"},
	}, logger)
	t.Cleanup(func() { fetcher.Close() })

	processor := NewProcessor(
		provider,
		fetcher,
		extract.NewEngine(logger),
		lake.NewBronzeWriter(objStore, logger),
		lake.NewTrashWriter(objStore, logger),
		bus,
		eventService,
		config,
		logger,
	)

	return &processorEnv{
		processor: processor,
		bus:       bus,
		events:    eventService,
		schemas:   schemaService,
		store:     objStore,
	}
}

// productSchema matches the catalog pages served by the test server
func productSchema(id string) *models.ParsingSchema {
	return &models.ParsingSchema{
		ID:            id,
		SourceID:      "src-shop",
		Mode:          models.ModeHTTP,
		ItemContainer: "div.product-card",
		Fields: []models.FieldDef{
			{Name: "name", Type: models.FieldTypeString, Method: models.MethodCSS, Selector: "h2.product-name", Required: true},
			{Name: "price", Type: models.FieldTypeFloat, Method: models.MethodCSS, Selector: "span.price@data-raw", Required: true, Transformations: []string{"extract_number"}},
			{Name: "url", Type: models.FieldTypeURL, Method: models.MethodCSS, Selector: "a.product-link@href", Transformations: []string{"absolute_url"}},
		},
	}
}

func registerSchema(t *testing.T, env *processorEnv, schema *models.ParsingSchema) *models.ParsingSchema {
	t.Helper()
	created, err := env.schemas.Create(context.Background(), schema)
	if err != nil {
		t.Fatalf("Create schema failed: %v", err)
	}
	return created
}

func taskMessage(taskID, targetURL, schemaID string, version int) *models.TaskMessage {
	return &models.TaskMessage{
		TaskID:         taskID,
		RunID:          common.NewRunID(),
		SourceID:       "src-shop",
		TargetURL:      targetURL,
		Mode:           models.ModeHTTP,
		SchemaID:       schemaID,
		SchemaVersion:  version,
		Priority:       5,
		MaxAttempts:    3,
		TimeoutSeconds: 10,
		PageNumber:     1,
		MaxPages:       1,
		CreatedAt:      time.Now().UTC(),
		Attempt:        1,
	}
}

func taskDelivery(t *testing.T, msg *models.TaskMessage) *interfaces.Delivery {
	t.Helper()
	queueMsg, err := models.NewTaskQueueMessage(msg)
	if err != nil {
		t.Fatalf("Failed to build queue message: %v", err)
	}
	return &interfaces.Delivery{
		ID:           "delivery-" + msg.RunID,
		Queue:        models.QueueForMode(msg.Mode),
		Message:      queueMsg,
		ReceiveCount: 1,
		EnqueuedAt:   time.Now().UTC(),
	}
}

func receiveResult(t *testing.T, bus interfaces.Bus) *models.ResultEnvelope {
	t.Helper()
	delivery, err := bus.Receive(context.Background(), models.QueueResults)
	if err != nil {
		t.Fatalf("Receive from results queue failed: %v", err)
	}
	if delivery.Message.Type != models.MessageTypeResult {
		t.Fatalf("Expected message type %s, got %s", models.MessageTypeResult, delivery.Message.Type)
	}
	var env models.ResultEnvelope
	if err := json.Unmarshal(delivery.Message.Payload, &env); err != nil {
		t.Fatalf("Failed to decode result envelope: %v", err)
	}
	return &env
}

func productCard(name, price, href string) string {
	priceSpan := ""
	if price != "" {
		priceSpan = fmt.Sprintf(`<span class="price" data-raw="%s">%s</span>`, price, price)
	}
	return fmt.Sprintf(`<div class="product-card">
		<h2 class="product-name">%s</h2>
		%s
		<a class="product-link" href="%s">View</a>
	</div>`, name, priceSpan, href)
}

func servePage(t *testing.T, html string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, html)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestProcessCatalogExtraction(t *testing.T) {
	env := newProcessorEnv(t, ProcessorConfig{WorkerID: "worker-test"})
	ctx := context.Background()

	page := "<html><body>" +
		productCard("Vintage Lamp", "$129.99", "/products/vintage-lamp") +
		productCard("Oak Desk", "$450.00", "/products/oak-desk") +
		productCard("Wall Clock", "$35.50", "/products/wall-clock") +
		"</body></html>"
	server := servePage(t, page)

	schema := registerSchema(t, env, productSchema("sch-products"))
	msg := taskMessage("task-catalog", server.URL+"/catalog", schema.ID, schema.Version)

	if err := env.processor.Handle(ctx, taskDelivery(t, msg)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	result := receiveResult(t, env.bus)
	if result.Status != models.RunStatusSuccess {
		t.Errorf("Expected status success, got %s", result.Status)
	}
	if result.TaskID != msg.TaskID || result.RunID != msg.RunID {
		t.Errorf("Envelope identity mismatch: task %s run %s", result.TaskID, result.RunID)
	}
	if result.HTTPStatus != http.StatusOK {
		t.Errorf("Expected HTTP status 200, got %d", result.HTTPStatus)
	}
	if result.Extraction.RecordsExtracted != 3 || result.Extraction.RecordsValid != 3 {
		t.Errorf("Expected 3/3 records, got extracted %d valid %d",
			result.Extraction.RecordsExtracted, result.Extraction.RecordsValid)
	}
	if result.WorkerID != "worker-test" {
		t.Errorf("Expected worker id on envelope, got %q", result.WorkerID)
	}
	if result.Pointers.BronzePath == "" {
		t.Fatal("Expected a bronze path on the envelope")
	}

	keys, err := env.store.List(ctx, result.Pointers.BronzePath)
	if err != nil {
		t.Fatalf("List bronze partition failed: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("Expected 1 bronze file, got %d", len(keys))
	}
	data, err := env.store.Get(ctx, keys[0])
	if err != nil {
		t.Fatalf("Get bronze file failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 bronze rows, got %d", len(lines))
	}
	var row map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &row); err != nil {
		t.Fatalf("Failed to decode bronze row: %v", err)
	}
	if row["_task_id"] != msg.TaskID || row["_run_id"] != msg.RunID {
		t.Errorf("Bronze lineage mismatch: %v / %v", row["_task_id"], row["_run_id"])
	}
	if row["price"] != 129.99 {
		t.Errorf("Expected coerced price 129.99, got %v", row["price"])
	}
	recordURL, _ := row["url"].(string)
	if !strings.HasPrefix(recordURL, server.URL+"/products/") {
		t.Errorf("Expected absolute product URL under %s, got %q", server.URL, recordURL)
	}
}

func TestProcessRejectsRecordMissingRequiredField(t *testing.T) {
	env := newProcessorEnv(t, ProcessorConfig{WorkerID: "worker-test"})
	ctx := context.Background()

	page := "<html><body>" +
		productCard("Vintage Lamp", "$129.99", "/products/vintage-lamp") +
		productCard("Oak Desk", "", "/products/oak-desk") +
		productCard("Wall Clock", "$35.50", "/products/wall-clock") +
		"</body></html>"
	server := servePage(t, page)

	schema := registerSchema(t, env, productSchema("sch-products"))
	msg := taskMessage("task-rejects", server.URL+"/catalog", schema.ID, schema.Version)

	if err := env.processor.Handle(ctx, taskDelivery(t, msg)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	result := receiveResult(t, env.bus)
	if result.Status != models.RunStatusSuccess {
		t.Errorf("Expected status success with partial validity, got %s", result.Status)
	}
	if result.Extraction.RecordsValid != 2 || result.Extraction.RecordsRejected != 1 {
		t.Errorf("Expected 2 valid / 1 rejected, got %d / %d",
			result.Extraction.RecordsValid, result.Extraction.RecordsRejected)
	}

	rejectedKey := result.Pointers.Artifacts["rejected"]
	if rejectedKey == "" {
		t.Fatal("Expected a rejected records pointer on the envelope")
	}
	data, err := env.store.Get(ctx, rejectedKey)
	if err != nil {
		t.Fatalf("Get rejected document failed: %v", err)
	}
	var doc struct {
		TaskID  string                  `json:"task_id"`
		Records []models.RejectedRecord `json:"records"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Failed to decode rejected document: %v", err)
	}
	if doc.TaskID != msg.TaskID || len(doc.Records) != 1 {
		t.Errorf("Rejected document mismatch: task %s, %d records", doc.TaskID, len(doc.Records))
	}
}

func TestProcessFallbackSelectorRescues(t *testing.T) {
	env := newProcessorEnv(t, ProcessorConfig{WorkerID: "worker-test"})
	ctx := context.Background()

	page := `<html><body><div class="product-card">
		<h2 class="product-name">Vintage Lamp</h2>
		<span class="alternate-price" data-raw="$89.00">$89.00</span>
		<a class="product-link" href="/products/vintage-lamp">View</a>
	</div></body></html>`
	server := servePage(t, page)

	schema := productSchema("sch-fallback")
	schema.Fields[1].FallbackSelectors = []string{"span.alternate-price@data-raw"}
	created := registerSchema(t, env, schema)
	msg := taskMessage("task-fallback", server.URL+"/catalog", created.ID, created.Version)

	if err := env.processor.Handle(ctx, taskDelivery(t, msg)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	result := receiveResult(t, env.bus)
	if result.Status != models.RunStatusSuccess {
		t.Errorf("Expected status success, got %s", result.Status)
	}
	if result.Extraction.RecordsValid != 1 || result.Extraction.RecordsRejected != 0 {
		t.Errorf("Expected the fallback to rescue the record, got valid %d rejected %d",
			result.Extraction.RecordsValid, result.Extraction.RecordsRejected)
	}

	keys, err := env.store.List(ctx, result.Pointers.BronzePath)
	if err != nil || len(keys) != 1 {
		t.Fatalf("Expected 1 bronze file, got %d (err %v)", len(keys), err)
	}
	data, err := env.store.Get(ctx, keys[0])
	if err != nil {
		t.Fatalf("Get bronze file failed: %v", err)
	}
	var row map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &row); err != nil {
		t.Fatalf("Failed to decode bronze row: %v", err)
	}
	if row["price"] != 89.0 {
		t.Errorf("Expected fallback price 89.0, got %v", row["price"])
	}
}

func TestProcessEmptyPageReportsPartial(t *testing.T) {
	env := newProcessorEnv(t, ProcessorConfig{WorkerID: "worker-test"})
	server := servePage(t, `<html><body><p>Nothing for sale today.</p></body></html>`)

	schema := registerSchema(t, env, productSchema("sch-products"))
	msg := taskMessage("task-empty", server.URL+"/catalog", schema.ID, schema.Version)

	if err := env.processor.Handle(context.Background(), taskDelivery(t, msg)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	result := receiveResult(t, env.bus)
	if result.Status != models.RunStatusPartial {
		t.Errorf("Expected status partial for an empty page, got %s", result.Status)
	}
	if result.Extraction.RecordsExtracted != 0 {
		t.Errorf("Expected 0 records, got %d", result.Extraction.RecordsExtracted)
	}
	if result.Pointers.BronzePath != "" {
		t.Errorf("Expected no bronze write for an empty page, got %q", result.Pointers.BronzePath)
	}
}

func TestProcessMalformedMessageDeadLetters(t *testing.T) {
	env := newProcessorEnv(t, ProcessorConfig{WorkerID: "worker-test"})
	ctx := context.Background()

	cases := []struct {
		name    string
		payload string
	}{
		{"wrong field type", `{"task_id": 17}`},
		{"missing required fields", `{"task_id": "task-x"}`},
		{"bad mode", `{"task_id":"task-x","run_id":"run-x","source_id":"s","target_url":"https://example.com","mode":"carrier-pigeon","schema_id":"sch","max_attempts":1,"attempt":1}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			delivery := &interfaces.Delivery{
				ID:    "delivery-bad",
				Queue: models.QueueTasksHTTP,
				Message: &models.QueueMessage{
					TaskID:  "task-x",
					Type:    models.MessageTypeTaskHTTP,
					Payload: json.RawMessage(tc.payload),
				},
				ReceiveCount: 1,
			}

			if err := env.processor.Handle(ctx, delivery); err != nil {
				t.Fatalf("Handle should ack malformed messages, got %v", err)
			}
		})
	}

	entries, err := env.bus.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("ListDeadLetters failed: %v", err)
	}
	if len(entries) != len(cases) {
		t.Fatalf("Expected %d dead letters, got %d", len(cases), len(entries))
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Reason, string(models.ErrValidation)) {
			t.Errorf("Expected validation reason, got %q", entry.Reason)
		}
		if entry.SourceQueue != models.QueueTasksHTTP {
			t.Errorf("Expected source queue %s, got %s", models.QueueTasksHTTP, entry.SourceQueue)
		}
	}
}

func TestProcessUnknownSchemaFailsTerminally(t *testing.T) {
	env := newProcessorEnv(t, ProcessorConfig{WorkerID: "worker-test"})
	server := servePage(t, `<html><body></body></html>`)

	msg := taskMessage("task-noschema", server.URL+"/catalog", "sch-ghost", 4)

	if err := env.processor.Handle(context.Background(), taskDelivery(t, msg)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	result := receiveResult(t, env.bus)
	if result.Status != models.RunStatusFailed {
		t.Errorf("Expected status failed, got %s", result.Status)
	}
	taskErr := result.FirstError()
	if taskErr == nil {
		t.Fatal("Expected an error on the envelope")
	}
	if taskErr.Code != models.ErrValidation {
		t.Errorf("Expected %s, got %s", models.ErrValidation, taskErr.Code)
	}
	if taskErr.Retryable {
		t.Error("Schema resolution failures must not be retryable")
	}
}

func TestProcessHTTPErrorRetriesWhileAttemptsRemain(t *testing.T) {
	env := newProcessorEnv(t, ProcessorConfig{WorkerID: "worker-test"})
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	schema := registerSchema(t, env, productSchema("sch-products"))

	msg := taskMessage("task-503", server.URL+"/catalog", schema.ID, schema.Version)
	if err := env.processor.Handle(ctx, taskDelivery(t, msg)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	result := receiveResult(t, env.bus)
	if result.Status != models.RunStatusRetry {
		t.Errorf("Expected status retry on attempt 1 of 3, got %s", result.Status)
	}
	if result.HTTPStatus != http.StatusServiceUnavailable {
		t.Errorf("Expected HTTP status 503, got %d", result.HTTPStatus)
	}
	taskErr := result.FirstError()
	if taskErr == nil || taskErr.Code != models.ErrHTTP || !taskErr.Retryable {
		t.Errorf("Expected retryable %s, got %+v", models.ErrHTTP, taskErr)
	}

	// The final attempt reports FAILED and leaves the DLQ decision to the
	// coordinator.
	last := taskMessage("task-503", server.URL+"/catalog", schema.ID, schema.Version)
	last.Attempt = 3
	if err := env.processor.Handle(ctx, taskDelivery(t, last)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	result = receiveResult(t, env.bus)
	if result.Status != models.RunStatusFailed {
		t.Errorf("Expected status failed on the final attempt, got %s", result.Status)
	}
}

func TestProcessConnectionErrorClassifiedRetryable(t *testing.T) {
	env := newProcessorEnv(t, ProcessorConfig{WorkerID: "worker-test"})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := server.URL
	server.Close()

	schema := registerSchema(t, env, productSchema("sch-products"))
	msg := taskMessage("task-conn", target+"/catalog", schema.ID, schema.Version)

	if err := env.processor.Handle(context.Background(), taskDelivery(t, msg)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	result := receiveResult(t, env.bus)
	if result.Status != models.RunStatusRetry {
		t.Errorf("Expected status retry, got %s", result.Status)
	}
	taskErr := result.FirstError()
	if taskErr == nil || taskErr.Code != models.ErrConnection {
		t.Errorf("Expected %s, got %+v", models.ErrConnection, taskErr)
	}
}

func TestProcessPaginationReportsNextPage(t *testing.T) {
	env := newProcessorEnv(t, ProcessorConfig{WorkerID: "worker-test"})
	ctx := context.Background()

	page := "<html><body>" +
		productCard("Vintage Lamp", "$129.99", "/products/vintage-lamp") +
		`<a class="next-page" href="/catalog?page=2">Next</a>` +
		"</body></html>"
	server := servePage(t, page)

	schema := productSchema("sch-paged")
	schema.Pagination = &models.PaginationRule{
		Type:     models.PaginationNextButton,
		Selector: "a.next-page",
		MaxPages: 10,
	}
	created := registerSchema(t, env, schema)

	msg := taskMessage("task-paged", server.URL+"/catalog", created.ID, created.Version)
	msg.MaxPages = 10
	if err := env.processor.Handle(ctx, taskDelivery(t, msg)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	result := receiveResult(t, env.bus)
	if !result.HasNextPage {
		t.Fatal("Expected has_next_page on the envelope")
	}
	if result.NextPageURL != server.URL+"/catalog?page=2" {
		t.Errorf("Expected resolved next page URL, got %q", result.NextPageURL)
	}
	if result.CurrentPage != 1 {
		t.Errorf("Expected current page 1, got %d", result.CurrentPage)
	}

	// At the cap the chain ends regardless of the link being present.
	capped := taskMessage("task-paged-cap", server.URL+"/catalog", created.ID, created.Version)
	capped.PageNumber = 10
	capped.MaxPages = 10
	if err := env.processor.Handle(ctx, taskDelivery(t, capped)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	result = receiveResult(t, env.bus)
	if result.HasNextPage {
		t.Error("Expected no next page at the pagination cap")
	}
}

func TestProcessJavascriptNextButtonEndsChainInHTTPMode(t *testing.T) {
	env := newProcessorEnv(t, ProcessorConfig{WorkerID: "worker-test"})

	page := "<html><body>" +
		productCard("Vintage Lamp", "$129.99", "/products/vintage-lamp") +
		`<a class="next-page" href="javascript:loadMore()">Next</a>` +
		"</body></html>"
	server := servePage(t, page)

	schema := productSchema("sch-js-paged")
	schema.Pagination = &models.PaginationRule{
		Type:     models.PaginationNextButton,
		Selector: "a.next-page",
		MaxPages: 10,
	}
	created := registerSchema(t, env, schema)

	msg := taskMessage("task-js-paged", server.URL+"/catalog", created.ID, created.Version)
	msg.MaxPages = 10
	if err := env.processor.Handle(context.Background(), taskDelivery(t, msg)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	result := receiveResult(t, env.bus)
	if result.HasNextPage {
		t.Error("HTTP mode cannot follow a javascript next button, chain must end")
	}
	if result.Status != models.RunStatusSuccess {
		t.Errorf("Expected status success, got %s", result.Status)
	}
}

func TestProcessDebugArtifactsCapturedOnFailure(t *testing.T) {
	env := newProcessorEnv(t, ProcessorConfig{WorkerID: "worker-test", Debug: true})
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `<html><body><h1>Upstream exploded</h1></body></html>`)
	}))
	t.Cleanup(server.Close)

	schema := registerSchema(t, env, productSchema("sch-products"))
	msg := taskMessage("task-debug", server.URL+"/catalog", schema.ID, schema.Version)

	if err := env.processor.Handle(ctx, taskDelivery(t, msg)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	result := receiveResult(t, env.bus)
	if result.Status != models.RunStatusRetry {
		t.Errorf("Expected status retry for HTTP 500, got %s", result.Status)
	}
	if result.Pointers.RawHTMLPath == "" {
		t.Fatal("Expected a raw HTML debug pointer")
	}

	data, err := env.store.Get(ctx, result.Pointers.RawHTMLPath)
	if err != nil {
		t.Fatalf("Get debug HTML failed: %v", err)
	}
	if !strings.Contains(string(data), "Upstream exploded") {
		t.Error("Debug HTML does not contain the captured page")
	}
	if result.Pointers.Artifacts["metadata.json"] == "" {
		t.Error("Expected a metadata artifact pointer")
	}
}

func TestProcessDebugDisabledSkipsArtifacts(t *testing.T) {
	env := newProcessorEnv(t, ProcessorConfig{WorkerID: "worker-test"})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	schema := registerSchema(t, env, productSchema("sch-products"))
	msg := taskMessage("task-nodebug", server.URL+"/catalog", schema.ID, schema.Version)

	if err := env.processor.Handle(context.Background(), taskDelivery(t, msg)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	result := receiveResult(t, env.bus)
	if result.Pointers.RawHTMLPath != "" || result.Pointers.ScreenshotPath != "" {
		t.Errorf("Expected no debug pointers with debug disabled, got %+v", result.Pointers)
	}
}

func TestProcessPublishesStartedProgress(t *testing.T) {
	env := newProcessorEnv(t, ProcessorConfig{WorkerID: "worker-test"})

	progress := make(chan map[string]interface{}, 1)
	err := env.events.Subscribe(interfaces.EventTaskProgress, func(ctx context.Context, event interfaces.Event) error {
		if payload, ok := event.Payload.(map[string]interface{}); ok {
			select {
			case progress <- payload:
			default:
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	server := servePage(t, `<html><body></body></html>`)
	schema := registerSchema(t, env, productSchema("sch-products"))
	msg := taskMessage("task-progress", server.URL+"/catalog", schema.ID, schema.Version)

	if err := env.processor.Handle(context.Background(), taskDelivery(t, msg)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	select {
	case payload := <-progress:
		if payload["phase"] != "started" {
			t.Errorf("Expected phase started, got %v", payload["phase"])
		}
		if payload["task_id"] != msg.TaskID || payload["run_id"] != msg.RunID {
			t.Errorf("Progress identity mismatch: %v / %v", payload["task_id"], payload["run_id"])
		}
		if payload["worker_id"] != "worker-test" {
			t.Errorf("Expected worker id on the progress event, got %v", payload["worker_id"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the progress event")
	}
}
