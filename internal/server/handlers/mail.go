package handlers

import (
	"github.com/gofiber/fiber/v2"

	"mailbag/internal/mailerr"
	"mailbag/internal/models"
)

func (h *Handler) handleListMailboxes(c *fiber.Ctx) error {
	mailboxes, err := h.mail.ListMailboxes(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(mailboxes)
}

func (h *Handler) handleListMessages(c *fiber.Ctx) error {
	mailbox, err := mailboxParam(c)
	if err != nil {
		return err
	}
	envelopes, err := h.mail.ListMessages(c.UserContext(), mailbox)
	if err != nil {
		return err
	}
	return c.JSON(envelopes)
}

func (h *Handler) handleGetMessage(c *fiber.Ctx) error {
	mailbox, err := mailboxParam(c)
	if err != nil {
		return err
	}
	id, err := idParam(c)
	if err != nil {
		return err
	}
	body, err := h.mail.GetMessageBody(c.UserContext(), mailbox, id)
	if err != nil {
		return err
	}
	return c.JSON(body)
}

func (h *Handler) handleDeleteMessage(c *fiber.Ctx) error {
	mailbox, err := mailboxParam(c)
	if err != nil {
		return err
	}
	id, err := idParam(c)
	if err != nil {
		return err
	}
	res, err := h.mail.DeleteMessage(c.UserContext(), mailbox, id)
	if err != nil {
		return withOutcome(res, err)
	}
	return c.JSON(res)
}

func (h *Handler) handlePurge(c *fiber.Ctx) error {
	mailbox, err := mailboxParam(c)
	if err != nil {
		return err
	}
	res, err := h.mail.PurgeMailbox(c.UserContext(), mailbox)
	if err != nil {
		return withOutcome(res, err)
	}
	return c.JSON(res)
}

// sendRequest accepts a single "recipient" as well as a "to" list.
type sendRequest struct {
	Recipient string   `json:"recipient"`
	To        []string `json:"to"`
	Subject   string   `json:"subject"`
	Body      string   `json:"body"`
	HTML      bool     `json:"html"`
	InReplyTo string   `json:"inReplyTo"`
}

func (h *Handler) handleSendMessage(c *fiber.Ctx) error {
	var req sendRequest
	if err := c.BodyParser(&req); err != nil {
		return mailerr.Errorf(mailerr.KindBadInput, "http", "malformed message: %v", err)
	}

	to := req.To
	if req.Recipient != "" {
		to = append([]string{req.Recipient}, to...)
	}
	res, err := h.mail.SendMessage(c.UserContext(), &models.OutboundMessage{
		To:        to,
		Subject:   req.Subject,
		Body:      req.Body,
		HTML:      req.HTML,
		InReplyTo: req.InReplyTo,
	})
	if err != nil {
		return withOutcome(res, err)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}
