package handlers

import (
	"github.com/gofiber/fiber/v2"

	"mailbag/internal/mailerr"
)

type contactRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func parseContact(c *fiber.Ctx) (contactRequest, error) {
	var req contactRequest
	if err := c.BodyParser(&req); err != nil {
		return req, mailerr.Errorf(mailerr.KindBadInput, "http", "malformed contact: %v", err)
	}
	return req, nil
}

func (h *Handler) handleListContacts(c *fiber.Ctx) error {
	contacts, err := h.contacts.List(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(contacts)
}

func (h *Handler) handleAddContact(c *fiber.Ctx) error {
	req, err := parseContact(c)
	if err != nil {
		return err
	}
	contact, err := h.contacts.Add(c.UserContext(), req.Name, req.Email)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(contact)
}

func (h *Handler) handleUpdateContact(c *fiber.Ctx) error {
	req, err := parseContact(c)
	if err != nil {
		return err
	}
	contact, err := h.contacts.Update(c.UserContext(), c.Params("id"), req.Name, req.Email)
	if err != nil {
		return err
	}
	return c.JSON(contact)
}

func (h *Handler) handleDeleteContact(c *fiber.Ctx) error {
	if err := h.contacts.Delete(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return statusOK(c)
}

// handleAttachImage takes the raw image as the request body.
func (h *Handler) handleAttachImage(c *fiber.Ctx) error {
	data := append([]byte(nil), c.Body()...)
	if err := h.contacts.AttachImage(c.UserContext(), c.Params("id"), data); err != nil {
		return err
	}
	return statusOK(c)
}

func (h *Handler) handleGetImage(c *fiber.Ctx) error {
	data, contentType, err := h.contacts.Image(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, contentType)
	return c.Send(data)
}
