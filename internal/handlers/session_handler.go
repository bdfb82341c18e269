package handlers

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/lekesiz/BDC-sub001/internal/middleware"
	"github.com/lekesiz/BDC-sub001/internal/models"
	"github.com/lekesiz/BDC-sub001/internal/repository"
	"github.com/lekesiz/BDC-sub001/internal/services"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type SessionHandler struct {
	sessionService *services.SessionService
}

func NewSessionHandler(sessionService *services.SessionService) *SessionHandler {
	return &SessionHandler{
		sessionService: sessionService,
	}
}

func (h *SessionHandler) RegisterRoutes(app *fiber.App) {
	app.Get("/health", h.HealthCheck)

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Protected routes group
	protectedGroup := app.Group("/protected/evaluation/sessions", middleware.Identity())

	protectedGroup.Post("/", h.StartSession)
	protectedGroup.Get("/", h.SearchSessions)
	protectedGroup.Post("/:id/responses", h.SubmitResponse)
	protectedGroup.Post("/:id/submit", h.SubmitSession)
	protectedGroup.Post("/:id/abandon", h.Abandon)
	protectedGroup.Get("/:id/result", h.GetResult)
	protectedGroup.Get("/:id", h.GetProgress)
}

func (h *SessionHandler) StartSession(c fiber.Ctx) error {
	var req models.StartSessionRequest

	if err := c.Bind().Body(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	beneficiaryID := middleware.UserID(c)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	session, err := h.sessionService.StartSession(ctx, beneficiaryID, &req)
	if err != nil {
		log.Printf("Failed to start session for beneficiary %s: %v", beneficiaryID, err)

		if errors.Is(err, services.ErrValidation) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		if errors.Is(err, services.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Test not found",
			})
		}

		if errors.Is(err, services.ErrTestNotPublished) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Test is not open for sessions",
			})
		}

		if errors.Is(err, services.ErrAlreadyInProgress) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "An active session already exists for this test",
			})
		}

		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to start session",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Session started successfully",
		"data": fiber.Map{
			"session": session,
		},
	})
}

func (h *SessionHandler) SubmitResponse(c fiber.Ctx) error {
	sessionID := c.Params("id")
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Session ID is required",
		})
	}

	var req models.SubmitResponseRequest

	if err := c.Bind().Body(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	session, err := h.sessionService.SubmitResponse(ctx, middleware.UserID(c), sessionID, &req)
	if err != nil {
		log.Printf("Failed to record response for session %s: %v", sessionID, err)

		if errors.Is(err, services.ErrValidation) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		if errors.Is(err, services.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Session not found",
			})
		}

		if errors.Is(err, services.ErrSessionNotInProgress) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Session is no longer accepting responses",
			})
		}

		if errors.Is(err, repository.ErrStaleState) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Session was modified concurrently, retry",
			})
		}

		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to record response",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Response recorded successfully",
		"data": fiber.Map{
			"sessionId":     session.ID.Hex(),
			"state":         session.State,
			"answeredCount": len(session.Responses),
		},
	})
}

func (h *SessionHandler) SubmitSession(c fiber.Ctx) error {
	sessionID := c.Params("id")
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Session ID is required",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	session, err := h.sessionService.SubmitSession(ctx, middleware.UserID(c), sessionID)
	if err != nil {
		log.Printf("Failed to submit session %s: %v", sessionID, err)

		if errors.Is(err, services.ErrValidation) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		if errors.Is(err, services.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Session not found",
			})
		}

		if errors.Is(err, services.ErrSessionTerminal) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Session is already closed",
			})
		}

		if errors.Is(err, repository.ErrStaleState) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Session was modified concurrently, retry",
			})
		}

		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to submit session",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Session submitted successfully",
		"data": fiber.Map{
			"sessionId": session.ID.Hex(),
			"state":     session.State,
			"score":     session.Score,
		},
	})
}

func (h *SessionHandler) Abandon(c fiber.Ctx) error {
	sessionID := c.Params("id")
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Session ID is required",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := h.sessionService.Abandon(ctx, middleware.UserID(c), sessionID)
	if err != nil {
		log.Printf("Failed to abandon session %s: %v", sessionID, err)

		if errors.Is(err, services.ErrValidation) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		if errors.Is(err, services.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Session not found",
			})
		}

		if errors.Is(err, services.ErrSessionTerminal) || errors.Is(err, services.ErrSessionNotInProgress) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Session can no longer be abandoned",
			})
		}

		if errors.Is(err, repository.ErrStaleState) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Session was modified concurrently, retry",
			})
		}

		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to abandon session",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Session abandoned successfully",
	})
}

func (h *SessionHandler) GetProgress(c fiber.Ctx) error {
	sessionID := c.Params("id")
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Session ID is required",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	progress, err := h.sessionService.GetProgress(ctx, middleware.UserID(c), sessionID)
	if err != nil {
		log.Printf("Failed to get progress for session %s: %v", sessionID, err)

		if errors.Is(err, services.ErrValidation) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid session ID format",
			})
		}

		if errors.Is(err, services.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Session not found",
			})
		}

		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to retrieve session progress",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": fiber.Map{
			"progress": progress,
		},
	})
}

func (h *SessionHandler) GetResult(c fiber.Ctx) error {
	sessionID := c.Params("id")
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Session ID is required",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := h.sessionService.GetResult(ctx, middleware.UserID(c), sessionID)
	if err != nil {
		log.Printf("Failed to get result for session %s: %v", sessionID, err)

		if errors.Is(err, services.ErrValidation) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid session ID format",
			})
		}

		if errors.Is(err, services.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Session not found",
			})
		}

		if errors.Is(err, services.ErrNoResult) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Session has no result yet",
			})
		}

		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to retrieve session result",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": fiber.Map{
			"result": result,
		},
	})
}

func (h *SessionHandler) SearchSessions(c fiber.Ctx) error {
	query := &models.SessionSearchQuery{
		State:    models.SessionState(c.Query("state")),
		TestID:   c.Query("testId"),
		Page:     1,
		PageSize: 20,
	}

	if page, err := strconv.Atoi(c.Query("page", "1")); err == nil && page > 0 {
		query.Page = page
	}

	if pageSize, err := strconv.Atoi(c.Query("pageSize", "20")); err == nil && pageSize > 0 && pageSize <= 100 {
		query.PageSize = pageSize
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := h.sessionService.SearchSessions(ctx, middleware.UserID(c), query)
	if err != nil {
		log.Printf("Failed to search sessions: %v", err)

		if errors.Is(err, services.ErrValidation) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to search sessions",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": result,
	})
}

func (h *SessionHandler) HealthCheck(c fiber.Ctx) error {
	return c.Status(fiber.StatusOK).SendString("Evaluation Service is healthy")
}
