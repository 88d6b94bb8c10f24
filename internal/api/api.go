package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/labstack/echo/v4"

	"visit-counter/internal/entity"
	"visit-counter/internal/redis"
	"visit-counter/internal/service"
)

type VisitHandler struct {
	counterService *service.VisitCounterService
	shards         *redis.Manager
}

func NewVisitHandler(counterService *service.VisitCounterService, shards *redis.Manager) *VisitHandler {
	return &VisitHandler{
		counterService: counterService,
		shards:         shards,
	}
}

func (h *VisitHandler) RecordVisit(c echo.Context) error {
	pageID := c.Param("page_id")
	if strings.TrimSpace(pageID) == "" {
		return c.JSON(400, map[string]string{"error": "page_id must not be empty"})
	}
	if err := h.counterService.IncrementVisit(c.Request().Context(), pageID); err != nil {
		return c.JSON(500, map[string]string{"error": err.Error()})
	}
	return c.JSON(200, entity.VisitRecorded{
		Status:  "success",
		Message: fmt.Sprintf("Visit recorded for page %s", pageID),
	})
}

func (h *VisitHandler) GetVisits(c echo.Context) error {
	pageID := c.Param("page_id")
	if strings.TrimSpace(pageID) == "" {
		return c.JSON(400, map[string]string{"error": "page_id must not be empty"})
	}
	count, source, err := h.counterService.GetVisitCount(c.Request().Context(), pageID)
	if err != nil {
		return c.JSON(500, map[string]string{"error": err.Error()})
	}
	return c.JSON(200, entity.VisitCount{Count: count, ServedVia: string(source)})
}

func (h *VisitHandler) ListShards(c echo.Context) error {
	return c.JSON(200, entity.ShardList{Shards: h.shards.Shards()})
}

func (h *VisitHandler) AddShard(c echo.Context) error {
	req := entity.ShardRequest{}
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.URL) == "" {
		return c.JSON(400, map[string]string{"error": "Invalid request payload"})
	}
	if err := h.shards.AddShard(c.Request().Context(), req.URL); err != nil {
		return c.JSON(500, map[string]string{"error": err.Error()})
	}
	return c.JSON(200, map[string]string{"status": "success", "message": fmt.Sprintf("Shard %s added", req.URL)})
}

func (h *VisitHandler) RemoveShard(c echo.Context) error {
	req := entity.ShardRequest{}
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.URL) == "" {
		return c.JSON(400, map[string]string{"error": "Invalid request payload"})
	}
	if err := h.shards.RemoveShard(c.Request().Context(), req.URL); err != nil {
		if errors.Is(err, redis.ErrLastShard) {
			return c.JSON(409, map[string]string{"error": err.Error()})
		}
		return c.JSON(500, map[string]string{"error": err.Error()})
	}
	return c.JSON(200, map[string]string{"status": "success", "message": fmt.Sprintf("Shard %s removed", req.URL)})
}
