package http

import (
	"fmt"
	"time"

	"intake_server/core/domain"
	"intake_server/core/port/in"
	"intake_server/pkg/apperr"
	"intake_server/pkg/logger"
	"intake_server/pkg/response"

	"github.com/gofiber/fiber/v2"
)

type AccountHandler struct {
	service in.AccountService
}

func NewAccountHandler(service in.AccountService) *AccountHandler {
	return &AccountHandler{service: service}
}

func (h *AccountHandler) Register(router fiber.Router) {
	accounts := router.Group("/email-accounts")

	accounts.Post("/", h.Create)
	accounts.Get("/", h.List)
	accounts.Get("/:id", h.Get)
	accounts.Patch("/:id", h.Update)
	accounts.Delete("/:id", h.Delete)
	accounts.Post("/:id/ingest", h.Ingest)
}

// IngestRequest is the optional body of POST /email-accounts/:id/ingest.
type IngestRequest struct {
	Since *time.Time `json:"since,omitempty"`
}

// IngestResponse is always sent with status 200.
type IngestResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Count   int    `json:"count"`
}

func (h *AccountHandler) Create(c *fiber.Ctx) error {
	viewer, err := GetViewer(c)
	if err != nil {
		return err
	}

	var req in.CreateAccountInput
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("invalid request body")
	}

	acc, err := h.service.Create(c.UserContext(), &req, viewer.UserID)
	if err != nil {
		return toAppError(err, "email account")
	}
	return response.Created(c, acc)
}

func (h *AccountHandler) List(c *fiber.Ctx) error {
	viewer, err := GetViewer(c)
	if err != nil {
		return err
	}

	accounts, err := h.service.List(c.UserContext(), viewer.UserID)
	if err != nil {
		return toAppError(err, "email account")
	}
	if accounts == nil {
		accounts = []*domain.EmailAccount{}
	}
	return response.OK(c, accounts)
}

func (h *AccountHandler) Get(c *fiber.Ctx) error {
	viewer, err := GetViewer(c)
	if err != nil {
		return err
	}

	acc, err := h.service.Get(c.UserContext(), c.Params("id"), viewer.UserID)
	if err != nil {
		return toAppError(err, "email account")
	}
	return response.OK(c, acc)
}

func (h *AccountHandler) Update(c *fiber.Ctx) error {
	viewer, err := GetViewer(c)
	if err != nil {
		return err
	}

	var req in.UpdateAccountInput
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("invalid request body")
	}

	acc, err := h.service.Update(c.UserContext(), c.Params("id"), viewer.UserID, &req)
	if err != nil {
		return toAppError(err, "email account")
	}
	return response.OK(c, acc)
}

func (h *AccountHandler) Delete(c *fiber.Ctx) error {
	viewer, err := GetViewer(c)
	if err != nil {
		return err
	}

	if err := h.service.Delete(c.UserContext(), c.Params("id"), viewer.UserID); err != nil {
		return toAppError(err, "email account")
	}
	return response.NoContent(c)
}

// Ingest runs one ingestion cycle. Failures are reported in the body with
// status 200 so that callers polling this endpoint never see a stack trace.
func (h *AccountHandler) Ingest(c *fiber.Ctx) error {
	viewer, err := GetViewer(c)
	if err != nil {
		return err
	}
	id := c.Params("id")

	var req IngestRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.JSON(IngestResponse{Message: "Invalid request body: since must be an RFC3339 timestamp"})
		}
	}

	count, err := h.service.IngestFromAccount(c.UserContext(), id, viewer.UserID, req.Since)
	if err != nil {
		logger.WithContext(c.UserContext()).
			WithField("account_id", id).
			WithError(err).
			Warn("[AccountHandler.Ingest] ingestion failed")
		return c.JSON(IngestResponse{Message: ingestFailureMessage(err)})
	}

	return c.JSON(IngestResponse{
		Success: true,
		Message: fmt.Sprintf("Ingested %d new email(s)", count),
		Count:   count,
	})
}
