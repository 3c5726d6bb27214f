// Package webhook implements the POST /webhooks/{slug} admission path:
// slug lookup, HMAC verification, idempotency, run creation, and handoff to
// the run processor via the execute queue.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowforge/enginecore/internal/queue"
	"github.com/flowforge/enginecore/internal/run"
	"github.com/flowforge/enginecore/internal/store"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

const signatureHeader = "X-Webhook-Signature"
const idempotencyHeader = "X-Idempotency-Key"

// Handler admits inbound webhook requests, grounded on the teacher's
// pkg/web/handlers.go fiber.Ctx handler shape and pkg/web/errors.go's
// RFC7807 problem responses.
type Handler struct {
	store  store.Store
	broker queue.Broker
	logger *slog.Logger
}

func NewHandler(st store.Store, broker queue.Broker, logger *slog.Logger) *Handler {
	return &Handler{store: st, broker: broker, logger: logger.With("module", "webhook")}
}

// Accept handles POST /webhooks/:slug per spec §4.6.
func (h *Handler) Accept(c fiber.Ctx) error {
	ctx := c.Context()
	slug := c.Params("slug")

	wf, err := h.store.Workflows().FindBySlug(ctx, slug)
	if err != nil {
		var notFound *store.NotFoundError
		if errors.As(err, &notFound) {
			return problemResponse(c, http.StatusNotFound, "workflow_not_found", "no workflow is registered at this slug")
		}

		return problemResponse(c, http.StatusInternalServerError, "internal_error", err.Error())
	}

	if !wf.Enabled {
		return problemResponse(c, http.StatusBadRequest, "workflow_disabled", "workflow is disabled")
	}

	rawBody := c.Body()

	if wf.WebhookSecret != "" {
		if err := verifySignature(wf.WebhookSecret, rawBody, c.Get(signatureHeader)); err != nil {
			return problemResponse(c, http.StatusUnauthorized, "bad_signature", err.Error())
		}
	}

	idempotencyKey := c.Get(idempotencyHeader)

	if idempotencyKey != "" {
		existing, err := h.store.IdempotencyKeys().Lookup(ctx, idempotencyKey)
		if err != nil {
			return problemResponse(c, http.StatusInternalServerError, "internal_error", err.Error())
		}

		if existing != nil && !existing.Expired(time.Now().UTC()) {
			r, err := h.store.Runs().FindByID(ctx, existing.RunID)
			if err != nil {
				return problemResponse(c, http.StatusInternalServerError, "internal_error", err.Error())
			}

			return c.Status(http.StatusOK).JSON(fiber.Map{
				"runId":   r.ID,
				"status":  r.Status,
				"message": "Duplicate request",
			})
		}
	}

	triggerData := buildTriggerData(c, rawBody)

	newRun := &run.Run{
		WorkflowID:  wf.ID,
		TriggerData: triggerData,
		Context:     run.ExecutionContext{Trigger: triggerData},
	}
	if err := h.store.Runs().Create(ctx, newRun); err != nil {
		return problemResponse(c, http.StatusInternalServerError, "internal_error", err.Error())
	}

	if idempotencyKey != "" {
		if err := h.store.IdempotencyKeys().Bind(ctx, idempotencyKey, newRun.ID, time.Now().UTC()); err != nil {
			h.logger.WarnContext(ctx, "bind idempotency key failed", "key", idempotencyKey, "error", err)
		}
	}

	if err := h.broker.Enqueue(ctx, queue.Execute, queue.Message{
		Type:       queue.TypeStartRun,
		RunID:      newRun.ID,
		WorkflowID: wf.ID,
	}, 0); err != nil {
		return problemResponse(c, http.StatusInternalServerError, "internal_error", err.Error())
	}

	return c.Status(http.StatusAccepted).JSON(fiber.Map{
		"runId":      newRun.ID,
		"status":     newRun.Status,
		"workflowId": wf.ID,
	})
}

func verifySignature(secret string, body []byte, header string) error {
	const prefix = "sha256="

	if header == "" {
		return errors.New("missing " + signatureHeader + " header")
	}

	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return errors.New("malformed signature header")
	}

	expected := hmac.New(sha256.New, []byte(secret))
	expected.Write(body)
	expectedHex := hex.EncodeToString(expected.Sum(nil))

	if !hmac.Equal([]byte(header[len(prefix):]), []byte(expectedHex)) {
		return errors.New("signature mismatch")
	}

	return nil
}

func buildTriggerData(c fiber.Ctx, rawBody []byte) run.TriggerData {
	headers := make(map[string]string)
	for key, values := range c.GetReqHeaders() {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}

	query := c.Queries()

	var body any
	if len(rawBody) > 0 {
		if err := json.Unmarshal(rawBody, &body); err != nil {
			body = string(rawBody)
		}
	}

	return run.TriggerData{
		Method:     c.Method(),
		Headers:    headers,
		Body:       body,
		Query:      query,
		ReceivedAt: time.Now().UTC(),
		SourceIP:   c.IP(),
	}
}

func problemResponse(c fiber.Ctx, status int, problemType, detail string) error {
	problem := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(status).JSON(problem)
}
