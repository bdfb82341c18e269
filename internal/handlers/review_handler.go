package handlers

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/lekesiz/BDC-sub001/internal/middleware"
	"github.com/lekesiz/BDC-sub001/internal/models"
	"github.com/lekesiz/BDC-sub001/internal/repository"
	"github.com/lekesiz/BDC-sub001/internal/services"

	"github.com/gofiber/fiber/v3"
)

type ReviewHandler struct {
	reviewService *services.ReviewService
}

func NewReviewHandler(reviewService *services.ReviewService) *ReviewHandler {
	return &ReviewHandler{
		reviewService: reviewService,
	}
}

func (h *ReviewHandler) RegisterRoutes(app *fiber.App) {
	// Protected routes group, reviewers only
	reviewGroup := app.Group("/protected/evaluation/reviews",
		middleware.Identity(),
		middleware.RequireRole(middleware.ReviewerRole, middleware.StaffRole))

	reviewGroup.Post("/claim", h.ClaimReview)
	reviewGroup.Post("/:analysisId/decision", h.DecideReview)
	reviewGroup.Get("/queue", h.QueueStats)
	reviewGroup.Get("/sessions/:sessionId/analyses", h.AnalysisTrail)
}

func (h *ReviewHandler) ClaimReview(c fiber.Ctx) error {
	reviewerID := middleware.UserID(c)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	claimed, err := h.reviewService.Claim(ctx, reviewerID)
	if err != nil {
		log.Printf("Failed to claim review for reviewer %s: %v", reviewerID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to claim review",
		})
	}

	if claimed == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Review claimed successfully",
		"data": fiber.Map{
			"review": claimed,
		},
	})
}

func (h *ReviewHandler) DecideReview(c fiber.Ctx) error {
	analysisID := c.Params("analysisId")
	if analysisID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Analysis ID is required",
		})
	}

	var req models.DecideReviewRequest

	if err := c.Bind().Body(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	reviewerID := middleware.UserID(c)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	verification, err := h.reviewService.Decide(ctx, reviewerID, analysisID, &req)
	if err != nil {
		log.Printf("Failed to decide analysis %s by reviewer %s: %v", analysisID, reviewerID, err)

		if errors.Is(err, services.ErrValidation) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		if errors.Is(err, services.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Review item not found",
			})
		}

		if errors.Is(err, repository.ErrNotClaimed) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Item is not claimed by this reviewer or the claim expired",
			})
		}

		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to record review decision",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Review decision recorded",
		"data": fiber.Map{
			"verification": verification,
		},
	})
}

func (h *ReviewHandler) QueueStats(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := h.reviewService.QueueStats(ctx)
	if err != nil {
		log.Printf("Failed to get review queue stats: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to retrieve queue stats",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": fiber.Map{
			"queue": stats,
		},
	})
}

func (h *ReviewHandler) AnalysisTrail(c fiber.Ctx) error {
	sessionID := c.Params("sessionId")
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Session ID is required",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	trail, err := h.reviewService.AnalysisTrail(ctx, sessionID)
	if err != nil {
		log.Printf("Failed to load analysis trail for session %s: %v", sessionID, err)

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

		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to retrieve analysis trail",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": fiber.Map{
			"analyses": trail,
		},
	})
}
