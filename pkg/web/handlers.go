// Package web provides HTTP handlers and REST API endpoints for flow management.
package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/openintel/flowd/pkg/flow"
	"github.com/openintel/flowd/pkg/models"
	"github.com/openintel/flowd/pkg/services"
)

type APIHandlers struct {
	flowService *services.Flow
	coordinator *flow.Coordinator
}

func NewAPIHandlers(flowService *services.Flow, coordinator *flow.Coordinator) *APIHandlers {
	return &APIHandlers{
		flowService: flowService,
		coordinator: coordinator,
	}
}

func (h *APIHandlers) GetFlows(c fiber.Ctx) error {
	req, err := h.parseListFlowsRequest(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	flows, err := h.flowService.ListFlows(c.Context(), *req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"flows": flows,
		"pagination": fiber.Map{
			"limit":  req.Limit,
			"offset": req.Offset,
		},
	})
}

func (h *APIHandlers) parseListFlowsRequest(c fiber.Ctx) (*services.ListFlowsRequest, error) {
	req := &services.ListFlowsRequest{}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, err
		}

		req.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, err
		}

		req.Offset = offset
	}

	req.Owner = c.Query("owner")
	req.InfospaceID = c.Query("infospace_id")

	if statusStr := c.Query("status"); statusStr != "" {
		status := models.FlowStatus(statusStr)
		req.Status = &status
	}

	if inputTypeStr := c.Query("input_type"); inputTypeStr != "" {
		inputType := models.FlowInputType(inputTypeStr)
		req.InputType = &inputType
	}

	return req, nil
}

func (h *APIHandlers) CreateFlow(c fiber.Ctx) error {
	var body models.Flow

	if err := c.Bind().Body(&body); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	created, err := h.flowService.CreateFlow(c.Context(), &body)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) GetFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	found, err := h.flowService.GetFlow(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(found)
}

func (h *APIHandlers) UpdateFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	var body models.Flow

	if err := c.Bind().Body(&body); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	body.ID = id

	updated, err := h.flowService.UpdateFlow(c.Context(), &body)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	if err := h.flowService.DeleteFlow(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ActivateFlow(c fiber.Ctx) error {
	return h.transition(c, h.flowService.ActivateFlow)
}

func (h *APIHandlers) PauseFlow(c fiber.Ctx) error {
	return h.transition(c, h.flowService.PauseFlow)
}

func (h *APIHandlers) ArchiveFlow(c fiber.Ctx) error {
	return h.transition(c, h.flowService.ArchiveFlow)
}

func (h *APIHandlers) transition(c fiber.Ctx, fn func(ctx context.Context, id string) (*models.Flow, error)) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	updated, err := fn(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

// TriggerFlow runs a flow synchronously and returns the terminal execution
// record. An empty delta is not an error from the API's point of view.
func (h *APIHandlers) TriggerFlow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	var body TriggerRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().Body(&body); err != nil {
			return badRequest(c, "Invalid request body: "+err.Error())
		}
	}

	execution, err := h.coordinator.TriggerExecution(c.Context(), id, flow.TriggerOptions{
		TriggeredBy: models.TriggeredByManual,
		AssetIDs:    body.AssetIDs,
		TaskID:      body.TaskID,
	})
	if err != nil {
		if errors.Is(err, flow.ErrNoNewAssets) {
			return c.JSON(TriggerResponse{Triggered: false, Reason: "no new assets to process"})
		}

		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(TriggerResponse{Triggered: true, Execution: execution})
}

// GetPendingAssets previews the current delta without executing.
func (h *APIHandlers) GetPendingAssets(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	assetIDs, err := h.coordinator.GetPendingAssets(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"flow_id":   id,
		"asset_ids": assetIDs,
		"count":     len(assetIDs),
	})
}

// ResetCursor clears the flow's cursor so everything is reprocessed.
func (h *APIHandlers) ResetCursor(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	if err := h.coordinator.ResetCursor(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetExecutions(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow ID is required")
	}

	var status *models.ExecutionStatus

	if statusStr := c.Query("status"); statusStr != "" {
		s := models.ExecutionStatus(statusStr)
		status = &s
	}

	limit := 20
	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil {
			return badRequest(c, "Invalid limit: "+err.Error())
		}

		limit = parsed
	}

	offset := 0
	if offsetStr := c.Query("offset"); offsetStr != "" {
		parsed, err := strconv.Atoi(offsetStr)
		if err != nil {
			return badRequest(c, "Invalid offset: "+err.Error())
		}

		offset = parsed
	}

	executions, err := h.coordinator.ListExecutions(c.Context(), id, status, limit, offset)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"executions": executions})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	execution, err := h.coordinator.GetExecution(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, repOk := h.flowService.HealthCheck(c.Context())

	status := "unhealthy"
	message := "flowd API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if repOk {
		status = "healthy"
		message = "flowd API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checks": fiber.Map{
			"persistence": repositoryCheck,
		},
	})
}
