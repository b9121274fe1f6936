// Package handlers maps the REST surface onto the mail gateway and the
// contact store.
package handlers

import (
	"context"
	"net/url"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/rs/zerolog"

	"mailbag/internal/gateway"
	"mailbag/internal/mailerr"
	"mailbag/internal/models"
	"mailbag/internal/server/middleware"
)

// Mail is the gateway surface the handlers use.
type Mail interface {
	ListMailboxes(ctx context.Context) ([]models.Mailbox, error)
	ListMessages(ctx context.Context, mailbox string) ([]models.MessageEnvelope, error)
	GetMessageBody(ctx context.Context, mailbox string, id uint32) (*models.MessageBody, error)
	DeleteMessage(ctx context.Context, mailbox string, id uint32) (models.Result, error)
	PurgeMailbox(ctx context.Context, mailbox string) (models.Result, error)
	SendMessage(ctx context.Context, msg *models.OutboundMessage) (models.Result, error)
	Stats() gateway.Stats
}

// Contacts is the address book surface the handlers use.
type Contacts interface {
	List(ctx context.Context) ([]models.Contact, error)
	Add(ctx context.Context, name, email string) (*models.Contact, error)
	Update(ctx context.Context, id, name, email string) (*models.Contact, error)
	Delete(ctx context.Context, id string) error
	AttachImage(ctx context.Context, id string, data []byte) error
	Image(ctx context.Context, id string) ([]byte, string, error)
}

type Handler struct {
	mail     Mail
	contacts Contacts
	metrics  *middleware.Metrics
	log      zerolog.Logger
}

func NewHandler(mail Mail, contacts Contacts, metrics *middleware.Metrics, log zerolog.Logger) *Handler {
	return &Handler{
		mail:     mail,
		contacts: contacts,
		metrics:  metrics,
		log:      log,
	}
}

// Register mounts every route on r.
func (h *Handler) Register(r fiber.Router) {
	r.Get("/health", h.handleHealth)

	r.Get("/mailboxes", h.handleListMailboxes)
	r.Get("/mailboxes/:mailbox", h.handleListMessages)
	r.Post("/mailboxes/:mailbox/purge", h.handlePurge)

	r.Get("/messages/:mailbox/:id", h.handleGetMessage)
	r.Delete("/messages/:mailbox/:id", h.handleDeleteMessage)
	r.Post("/messages", h.handleSendMessage)

	r.Get("/contacts", h.handleListContacts)
	r.Post("/contacts", h.handleAddContact)
	r.Put("/contacts/:id", h.handleUpdateContact)
	r.Delete("/contacts/:id", h.handleDeleteContact)
	r.Put("/contacts/:id/image", h.handleAttachImage)
	r.Get("/contacts/:id/image", h.handleGetImage)
}

func (h *Handler) handleHealth(c *fiber.Ctx) error {
	resp := fiber.Map{
		"status":  "ok",
		"gateway": h.mail.Stats(),
	}
	if h.metrics != nil {
		resp["http"] = h.metrics.Snapshot()
	}
	return c.JSON(resp)
}

// mailboxParam returns the unescaped :mailbox parameter, so hierarchical
// names can be sent as INBOX%2FWork. The result is copied out of fiber's
// request buffer since the gateway keeps it after the handler returns.
func mailboxParam(c *fiber.Ctx) (string, error) {
	name, err := url.PathUnescape(utils.CopyString(c.Params("mailbox")))
	if err != nil || name == "" {
		return "", mailerr.Errorf(mailerr.KindBadInput, "http", "invalid mailbox name")
	}
	return name, nil
}

func idParam(c *fiber.Ctx) (uint32, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil || id == 0 {
		return 0, mailerr.Errorf(mailerr.KindBadInput, "http", "invalid message id %q", c.Params("id"))
	}
	return uint32(id), nil
}

func statusOK(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}
