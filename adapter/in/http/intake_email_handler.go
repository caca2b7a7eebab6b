package http

import (
	"context"
	"mime"

	"intake_server/core/domain"
	"intake_server/core/port/in"
	"intake_server/core/port/out"
	"intake_server/pkg/apperr"
	"intake_server/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// EmailHandler serves message reads through the visibility resolver and
// the classification actions on top of them.
type EmailHandler struct {
	visibility in.VisibilityService
	processor  in.ProcessorService
	store      out.AttachmentStore
}

func NewEmailHandler(visibility in.VisibilityService, processor in.ProcessorService, store out.AttachmentStore) *EmailHandler {
	return &EmailHandler{
		visibility: visibility,
		processor:  processor,
		store:      store,
	}
}

func (h *EmailHandler) Register(router fiber.Router) {
	emails := router.Group("/emails")

	emails.Get("/", h.List)
	emails.Post("/classify", h.ClassifyBatch)
	emails.Post("/process-unprocessed", h.ProcessUnprocessed)
	emails.Patch("/spam-status", h.MarkSpamStatus)
	emails.Get("/:id", h.Get)
	emails.Post("/:id/classify", h.Classify)
	emails.Get("/:id/attachments/:attachmentId", h.DownloadAttachment)
}

type ClassifyBatchRequest struct {
	IDs []string `json:"ids"`
}

type SpamStatusRequest struct {
	IDs        []string          `json:"ids"`
	SpamStatus domain.SpamStatus `json:"spamStatus"`
}

func (h *EmailHandler) List(c *fiber.Ctx) error {
	viewer, err := GetViewer(c)
	if err != nil {
		return err
	}

	filter := domain.MessageFilter{
		ProjectID: queryString(c, "projectId"),
		Search:    c.Query("search"),
	}
	if s := queryString(c, "status"); s != nil {
		status := domain.MessageStatus(*s)
		if !status.Valid() {
			return apperr.InvalidInput("status", "unknown status")
		}
		filter.Status = &status
	}
	if s := queryString(c, "spamStatus"); s != nil {
		spam := domain.SpamStatus(*s)
		if !spam.Valid() {
			return apperr.InvalidInput("spamStatus", "unknown spam status")
		}
		filter.SpamStatus = &spam
	}

	page, err := h.visibility.ListVisible(c.UserContext(), viewer, filter, in.Page{
		Limit:  c.QueryInt("limit", 0),
		Offset: c.QueryInt("offset", 0),
	})
	if err != nil {
		return toAppError(err, "email")
	}
	return response.OKWithMeta(c, page.Items, response.NewMeta(page.Total, page.Limit, page.Offset))
}

func (h *EmailHandler) Get(c *fiber.Ctx) error {
	viewer, err := GetViewer(c)
	if err != nil {
		return err
	}

	msg, err := h.visibility.GetVisible(c.UserContext(), viewer, c.Params("id"))
	if err != nil {
		return toAppError(err, "email")
	}
	return response.OK(c, msg)
}

// DownloadAttachment streams a stored attachment of a message the viewer can
// see. Attachments of hidden messages are reported as not found.
func (h *EmailHandler) DownloadAttachment(c *fiber.Ctx) error {
	viewer, err := GetViewer(c)
	if err != nil {
		return err
	}

	msg, err := h.visibility.GetVisible(c.UserContext(), viewer, c.Params("id"))
	if err != nil {
		return toAppError(err, "email")
	}

	var att *domain.Attachment
	for _, a := range msg.Attachments {
		if a.ID == c.Params("attachmentId") {
			att = a
			break
		}
	}
	if att == nil || att.FilePath == "" {
		return apperr.NotFound("attachment")
	}

	data, err := h.store.Open(c.UserContext(), att.FilePath)
	if err != nil {
		return apperr.InternalWithError(err)
	}

	contentType := att.ContentType
	if contentType == "" {
		contentType = fiber.MIMEOctetStream
	}
	c.Set(fiber.HeaderContentType, contentType)
	c.Set(fiber.HeaderContentDisposition, mime.FormatMediaType("attachment", map[string]string{"filename": att.Filename}))
	return c.Send(data)
}

func (h *EmailHandler) Classify(c *fiber.Ctx) error {
	viewer, err := GetViewer(c)
	if err != nil {
		return err
	}
	id := c.Params("id")
	ctx := c.UserContext()

	if err := h.requireVisible(ctx, viewer, id); err != nil {
		return err
	}
	msg, err := h.processor.ClassifyByID(ctx, id)
	if err != nil {
		return toAppError(err, "email")
	}
	return response.OK(c, msg)
}

// ClassifyBatch reports ids the caller cannot see as per-item failures
// instead of rejecting the whole batch.
func (h *EmailHandler) ClassifyBatch(c *fiber.Ctx) error {
	viewer, err := GetViewer(c)
	if err != nil {
		return err
	}

	var req ClassifyBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("invalid request body")
	}
	if len(req.IDs) == 0 {
		return apperr.MissingField("ids")
	}

	ctx := c.UserContext()
	visible := make([]string, 0, len(req.IDs))
	var hidden []in.BatchError
	for _, id := range req.IDs {
		ok, err := h.visibility.CanView(ctx, viewer, id)
		if err != nil {
			return toAppError(err, "email")
		}
		if !ok {
			hidden = append(hidden, in.BatchError{ID: id, Error: domain.ErrNotFound.Error()})
			continue
		}
		visible = append(visible, id)
	}

	result, err := h.processor.ClassifyBatch(ctx, visible)
	if err != nil && result == nil {
		return toAppError(err, "email")
	}
	result.Failed += len(hidden)
	result.Errors = append(result.Errors, hidden...)
	return response.OK(c, result)
}

// ProcessUnprocessed sweeps the whole mailbox, so it is limited to super
// users.
func (h *EmailHandler) ProcessUnprocessed(c *fiber.Ctx) error {
	viewer, err := GetViewer(c)
	if err != nil {
		return err
	}
	if viewer.GlobalRole != domain.GlobalRoleSuperUser {
		return apperr.Forbidden("super user role required")
	}

	result, err := h.processor.ProcessUnprocessed(c.UserContext())
	if err != nil && result == nil {
		return toAppError(err, "email")
	}
	return response.OK(c, result)
}

// MarkSpamStatus is all or nothing: one invisible id rejects the request.
func (h *EmailHandler) MarkSpamStatus(c *fiber.Ctx) error {
	viewer, err := GetViewer(c)
	if err != nil {
		return err
	}

	var req SpamStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.BadRequest("invalid request body")
	}
	if len(req.IDs) == 0 {
		return apperr.MissingField("ids")
	}
	if !req.SpamStatus.Valid() {
		return apperr.InvalidInput("spamStatus", "must be spam, not_spam or possible_spam")
	}

	ctx := c.UserContext()
	for _, id := range req.IDs {
		if err := h.requireVisible(ctx, viewer, id); err != nil {
			return err
		}
	}
	if err := h.processor.MarkSpamStatus(ctx, req.IDs, req.SpamStatus); err != nil {
		return toAppError(err, "email")
	}
	return response.OK(c, fiber.Map{"updated": len(req.IDs)})
}

func (h *EmailHandler) requireVisible(ctx context.Context, viewer in.Viewer, id string) error {
	ok, err := h.visibility.CanView(ctx, viewer, id)
	if err != nil {
		return toAppError(err, "email")
	}
	if !ok {
		return apperr.NotFound("email")
	}
	return nil
}
