package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"mailbag/internal/mailerr"
	"mailbag/internal/models"
)

// outcomeError carries the outcome of a failed mutation so the client can
// tell a partial delete or an unknown send from a plain failure.
type outcomeError struct {
	outcome models.Outcome
	err     error
}

func (e *outcomeError) Error() string { return e.err.Error() }
func (e *outcomeError) Unwrap() error { return e.err }

func withOutcome(res models.Result, err error) error {
	if res.Outcome == models.OutcomePartial || res.Outcome == models.OutcomeUnknown {
		return &outcomeError{outcome: res.Outcome, err: err}
	}
	return err
}

// ErrorHandler maps errors to status codes. NotFound and BadInput are 400,
// every other gateway error is 500. Error text never reaches the client.
func ErrorHandler(log zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
		}

		kind := mailerr.KindOf(err)
		ev := log.Error()
		code, msg := fiber.StatusInternalServerError, "Internal Server Error"
		switch kind {
		case mailerr.KindNotFound, mailerr.KindBadInput:
			ev = log.Info()
			code, msg = fiber.StatusBadRequest, "Bad Request"
		}
		ev.Err(err).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Str("kind", kind.String()).
			Int("status", code).
			Msg("request failed")

		resp := fiber.Map{"error": msg}
		var oe *outcomeError
		if errors.As(err, &oe) {
			resp["outcome"] = oe.outcome
		}
		return c.Status(code).JSON(resp)
	}
}
