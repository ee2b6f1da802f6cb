package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/openintel/flowd/pkg/flow"
	"github.com/openintel/flowd/pkg/persistence"
	"github.com/openintel/flowd/pkg/services"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, errType, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType(errType).
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError provides typed error handling for service and engine errors.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, flow.ErrManualAssetsRequired):
		return badRequest(c, err.Error())

	case services.IsValidationError(err):
		return badRequest(c, err.Error())

	case errors.Is(err, persistence.ErrExecutionInFlight):
		return conflict(c, "execution_in_flight", "flow already has an execution in flight")

	case errors.Is(err, flow.ErrFlowNotTriggerable):
		return conflict(c, "flow_not_active", err.Error())

	case services.IsConflictError(err):
		return conflict(c, "conflict", err.Error())

	case persistence.IsFlowNotFound(err):
		return notFound(c, "flow not found")

	case persistence.IsExecutionNotFound(err):
		return notFound(c, "execution not found")

	default:
		return internalError(c, err)
	}
}
