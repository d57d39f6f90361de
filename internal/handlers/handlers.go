package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/dinox-gateway/internal/auth"
	"github.com/example/dinox-gateway/internal/dinox"
	"github.com/example/dinox-gateway/internal/imageencoder"
	"github.com/example/dinox-gateway/internal/repository"
	"github.com/example/dinox-gateway/internal/usecase"
)

// MaxUploadSize bounds the image part of a multipart upload.
const MaxUploadSize = 10 << 20

const multipartOverhead = 1 << 20

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// DetectionService is the use case surface the routes depend on.
type DetectionService interface {
	Detect(ctx context.Context, userID string, req dinox.DetectionRequest) (*usecase.Outcome, error)
	DescribeRegions(ctx context.Context, userID string, img imageencoder.Source, regions []dinox.Box, req dinox.RegionRequest) (*usecase.Outcome, error)
	GetResult(ctx context.Context, userID, requestID string) (*usecase.Outcome, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// RegisterRoutes wires the HTTP handlers to the Gin router. metrics may be nil.
func RegisterRoutes(router *gin.Engine, svc DetectionService, authMiddleware gin.HandlerFunc, metrics http.Handler) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	authed := router.Group("/", authMiddleware)

	authed.POST("/detect", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		data, status, err := readImage(c)
		if err != nil {
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		req, err := detectionRequestFromForm(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		req.Image = imageencoder.FromBytes(data)

		outcome, err := svc.Detect(c.Request.Context(), userID, req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, outcomeResponse(outcome))
	})

	authed.POST("/describe", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		data, status, err := readImage(c)
		if err != nil {
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		var regions []dinox.Box
		if err := json.Unmarshal([]byte(c.PostForm("regions")), &regions); err != nil || len(regions) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "regions must be a non-empty JSON array of [x1,y1,x2,y2]"})
			return
		}
		req := dinox.RegionRequest{
			Targets:   splitList(c.PostForm("targets")),
			SessionID: c.PostForm("session_id"),
		}
		if promptType := c.PostForm("prompt_type"); promptType != "" {
			prompt, err := promptFromForm(c, promptType)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			req.Prompt = &prompt
		}

		outcome, err := svc.DescribeRegions(c.Request.Context(), userID, imageencoder.FromBytes(data), regions, req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, outcomeResponse(outcome))
	})

	authed.GET("/result/:id", func(c *gin.Context) {
		userID, ok := auth.GetUserID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		requestID := c.Param("id")
		if requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}

		outcome, err := svc.GetResult(c.Request.Context(), userID, requestID)
		if err != nil {
			writeError(c, err)
			return
		}
		resp := outcomeResponse(outcome)
		resp["kind"] = outcome.Kind
		resp["error"] = outcome.Error
		resp["created_at"] = outcome.CreatedAt
		c.JSON(http.StatusOK, resp)
	})

	authed.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func outcomeResponse(outcome *usecase.Outcome) gin.H {
	result := outcome.Result
	if result == nil {
		result = dinox.EmptyResult()
	}
	return gin.H{
		"request_id": outcome.RequestID,
		"status":     outcome.Status,
		"session_id": outcome.SessionID,
		"result":     result,
	}
}

func readImage(c *gin.Context) ([]byte, int, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, http.StatusRequestEntityTooLarge, errors.New("image exceeds upload limit")
		}
		return nil, http.StatusBadRequest, errors.New("image file is required")
	}
	if file.Size > MaxUploadSize {
		return nil, http.StatusRequestEntityTooLarge, errors.New("image exceeds upload limit")
	}
	declared := strings.ToLower(strings.TrimSpace(strings.Split(file.Header.Get("Content-Type"), ";")[0]))
	if !allowedImageTypes[declared] {
		return nil, http.StatusUnsupportedMediaType, fmt.Errorf("unsupported image type %q", declared)
	}

	src, err := file.Open()
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("unable to open image")
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, http.StatusInternalServerError, errors.New("failed to read image")
	}
	if sniffed := http.DetectContentType(data); !allowedImageTypes[sniffed] {
		return nil, http.StatusUnsupportedMediaType, fmt.Errorf("image content is %q", sniffed)
	}
	return data, http.StatusOK, nil
}

func detectionRequestFromForm(c *gin.Context) (dinox.DetectionRequest, error) {
	req := dinox.DetectionRequest{
		Targets:   splitList(c.PostForm("targets")),
		SessionID: c.PostForm("session_id"),
	}
	var err error
	if req.BBoxThreshold, err = parseThreshold(c.PostForm("bbox_threshold")); err != nil {
		return req, fmt.Errorf("bbox_threshold: %w", err)
	}
	if req.IoUThreshold, err = parseThreshold(c.PostForm("iou_threshold")); err != nil {
		return req, fmt.Errorf("iou_threshold: %w", err)
	}
	promptType := c.PostForm("prompt_type")
	if promptType == "" {
		promptType = string(dinox.PromptText)
	}
	req.Prompt, err = promptFromForm(c, promptType)
	return req, err
}

func promptFromForm(c *gin.Context, promptType string) (dinox.Prompt, error) {
	switch dinox.PromptType(promptType) {
	case dinox.PromptText:
		return dinox.TextPrompt(c.PostForm("prompt_text")), nil
	case dinox.PromptUniversal:
		raw := strings.TrimSpace(c.PostForm("prompt_universal"))
		if raw == "" {
			return dinox.UniversalPrompt(nil), nil
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		return dinox.UniversalPrompt(value), nil
	default:
		return dinox.Prompt{}, fmt.Errorf("unknown prompt_type %q", promptType)
	}
}

// parseThreshold returns nil for a blank field so the client default applies.
func parseThreshold(raw string) (*float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, err
	}
	if v < 0 || v > 1 {
		return nil, fmt.Errorf("must be within [0, 1], got %v", v)
	}
	return dinox.Threshold(v), nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, usecase.ErrPending):
		c.JSON(http.StatusAccepted, gin.H{"status": "processing"})
		return
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, imageencoder.ErrEmptySource), errors.Is(err, imageencoder.ErrInvalidImage):
		status = http.StatusBadRequest
	case errors.Is(err, dinox.ErrTaskFailed):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, dinox.ErrTaskTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, dinox.ErrAPI):
		status = http.StatusBadGateway
	case errors.Is(err, dinox.ErrConfiguration):
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
