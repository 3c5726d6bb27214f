package webhook_test

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flowforge/enginecore/internal/queue"
	"github.com/flowforge/enginecore/internal/store"
	"github.com/flowforge/enginecore/internal/webhook"
	"github.com/flowforge/enginecore/internal/workflow"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestApp(t *testing.T) (*fiber.App, *store.FileStore, *queue.MemoryBroker) {
	t.Helper()

	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	broker := queue.NewMemoryBroker()
	h := webhook.NewHandler(st, broker, discardLogger())

	app := fiber.New()
	app.Post("/webhooks/:slug", h.Accept)

	return app, st, broker
}

func seedWorkflow(t *testing.T, st *store.FileStore, secret string, enabled bool) *workflow.Workflow {
	t.Helper()

	wf := &workflow.Workflow{
		Name:          "order-created",
		Slug:          "order-created",
		WebhookSecret: secret,
		Enabled:       enabled,
		Steps: []*workflow.Step{
			{Name: "notify", Type: workflow.StepTypeTransform, Order: 0, Enabled: true, Config: map[string]any{
				"expression": "trigger.body",
			}},
		},
	}

	require.NoError(t, st.Workflows().Create(t.Context(), wf))

	return wf
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestAcceptUnknownSlugReturns404(t *testing.T) {
	app, _, _ := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/does-not-exist", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAcceptDisabledWorkflowReturns400(t *testing.T) {
	app, st, _ := newTestApp(t)
	seedWorkflow(t, st, "", false)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/order-created", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAcceptMissingSignatureReturns401(t *testing.T) {
	app, st, _ := newTestApp(t)
	seedWorkflow(t, st, "shh-its-a-secret", true)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/order-created", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAcceptBadSignatureReturns401(t *testing.T) {
	app, st, _ := newTestApp(t)
	seedWorkflow(t, st, "shh-its-a-secret", true)

	body := []byte(`{"orderId":"123"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/order-created", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+hex.EncodeToString([]byte("not-the-right-digest-at-all-xx")))

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAcceptValidSignatureEnqueuesAndReturns202(t *testing.T) {
	app, st, broker := newTestApp(t)
	wf := seedWorkflow(t, st, "shh-its-a-secret", true)

	body := []byte(`{"orderId":"123"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/order-created", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", sign("shh-its-a-secret", body))

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.NotEmpty(t, payload["runId"])
	require.Equal(t, wf.ID, payload["workflowId"])

	msg, err := broker.Dequeue(t.Context(), queue.Execute, 0)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, queue.TypeStartRun, msg.Type)
	require.Equal(t, payload["runId"], msg.RunID)

	persisted, err := st.Runs().FindByID(t.Context(), msg.RunID)
	require.NoError(t, err)
	require.Equal(t, persisted.TriggerData, persisted.Context.Trigger)

	triggerBody, ok := persisted.Context.Trigger.Body.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "123", triggerBody["orderId"])
}

func TestAcceptNoSecretSkipsSignatureCheck(t *testing.T) {
	app, st, _ := newTestApp(t)
	seedWorkflow(t, st, "", true)

	body := []byte(`{"orderId":"456"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/order-created", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestAcceptDuplicateIdempotencyKeyReturnsSameRun(t *testing.T) {
	app, st, broker := newTestApp(t)
	seedWorkflow(t, st, "", true)

	body := []byte(`{"orderId":"789"}`)

	req1 := httptest.NewRequest(http.MethodPost, "/webhooks/order-created", bytes.NewReader(body))
	req1.Header.Set("Content-Type", "application/json")
	req1.Header.Set("X-Idempotency-Key", "dedupe-me")

	resp1, err := app.Test(req1)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp1.StatusCode)

	var first map[string]any
	require.NoError(t, json.NewDecoder(resp1.Body).Decode(&first))

	_, err = broker.Dequeue(t.Context(), queue.Execute, 0)
	require.NoError(t, err)

	req2 := httptest.NewRequest(http.MethodPost, "/webhooks/order-created", bytes.NewReader(body))
	req2.Header.Set("Content-Type", "application/json")
	req2.Header.Set("X-Idempotency-Key", "dedupe-me")

	resp2, err := app.Test(req2)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var second map[string]any
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&second))
	require.Equal(t, first["runId"], second["runId"])

	msg, err := broker.Dequeue(t.Context(), queue.Execute, 0)
	require.NoError(t, err)
	require.Nil(t, msg, "duplicate delivery must not enqueue a second StartRun")
}

func TestAcceptMissingBodyIsAcceptedWithNilTriggerBody(t *testing.T) {
	app, st, _ := newTestApp(t)
	seedWorkflow(t, st, "", true)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/order-created", nil)

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}
