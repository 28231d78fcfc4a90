package http

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/result"
)

// Envelope is the JSON form of a result.Result.
type Envelope[T any] struct {
	Success  bool     `json:"success"`
	Value    T        `json:"value"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Notices  []string `json:"notices,omitempty"`
}

func toEnvelope[T any](r result.Result[T]) Envelope[T] {
	env := Envelope[T]{
		Success:  r.Success,
		Value:    r.Value,
		Warnings: r.Warnings,
		Notices:  r.Notices,
	}
	for _, err := range r.Errors {
		env.Errors = append(env.Errors, err.Error())
	}
	return env
}

// statusFor maps the error classes carried by r onto an HTTP status.
func statusFor[T any](r result.Result[T]) int {
	if r.Success {
		return fiber.StatusOK
	}
	err := r.Err()
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, domain.ErrNotRunning):
		return fiber.StatusConflict
	case errors.Is(err, domain.ErrPartialBatch):
		return fiber.StatusMultiStatus
	case errors.Is(err, domain.ErrTransport):
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

func respond[T any](c *fiber.Ctx, r result.Result[T]) error {
	return c.Status(statusFor(r)).JSON(toEnvelope(r))
}

func badRequest(c *fiber.Ctx, err error) error {
	return respond(c, result.Fail[any](nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)))
}
