package handlers

import (
	"context"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/lekesiz/BDC-sub001/internal/middleware"
	"github.com/lekesiz/BDC-sub001/internal/models"
	"github.com/lekesiz/BDC-sub001/internal/services"

	"github.com/gofiber/fiber/v3"
)

type CatalogHandler struct {
	catalogService *services.CatalogService
}

func NewCatalogHandler(catalogService *services.CatalogService) *CatalogHandler {
	return &CatalogHandler{
		catalogService: catalogService,
	}
}

func (h *CatalogHandler) RegisterRoutes(app *fiber.App) {
	// Protected routes group; reads are open to any authenticated caller,
	// writes require an authoring role
	testGroup := app.Group("/protected/evaluation/tests", middleware.Identity())

	testGroup.Post("/", h.CreateTest, middleware.RequireRole(middleware.TrainerRole, middleware.StaffRole))
	testGroup.Put("/:id", h.UpdateTest, middleware.RequireRole(middleware.TrainerRole, middleware.StaffRole))
	testGroup.Post("/:id/publish", h.PublishTest, middleware.RequireRole(middleware.TrainerRole, middleware.StaffRole))
	testGroup.Post("/:id/archive", h.ArchiveTest, middleware.RequireRole(middleware.TrainerRole, middleware.StaffRole))
	testGroup.Get("/", h.ListTests)
	testGroup.Get("/:id", h.GetTest)
}

func (h *CatalogHandler) CreateTest(c fiber.Ctx) error {
	var req models.CreateTestRequest

	if err := c.Bind().Body(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	creatorID := middleware.UserID(c)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	created, err := h.catalogService.CreateTest(ctx, creatorID, &req)
	if err != nil {
		log.Printf("Failed to create test: %v", err)

		if errors.Is(err, services.ErrValidation) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create test",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "Test created successfully",
		"data": fiber.Map{
			"test": created,
		},
	})
}

func (h *CatalogHandler) UpdateTest(c fiber.Ctx) error {
	testID := c.Params("id")
	if testID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Test ID is required",
		})
	}

	var req models.UpdateTestRequest

	if err := c.Bind().Body(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	updated, err := h.catalogService.UpdateTest(ctx, testID, &req)
	if err != nil {
		log.Printf("Failed to update test %s: %v", testID, err)

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

		if errors.Is(err, services.ErrTestNotDraft) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Question content is frozen once a test is published",
			})
		}

		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update test",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Test updated successfully",
		"data": fiber.Map{
			"test": updated,
		},
	})
}

func (h *CatalogHandler) PublishTest(c fiber.Ctx) error {
	testID := c.Params("id")
	if testID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Test ID is required",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	published, err := h.catalogService.Publish(ctx, testID)
	if err != nil {
		log.Printf("Failed to publish test %s: %v", testID, err)

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

		if errors.Is(err, services.ErrTestNotDraft) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Only draft tests can be published",
			})
		}

		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to publish test",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Test published successfully",
		"data": fiber.Map{
			"test": published,
		},
	})
}

func (h *CatalogHandler) ArchiveTest(c fiber.Ctx) error {
	testID := c.Params("id")
	if testID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Test ID is required",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := h.catalogService.Archive(ctx, testID)
	if err != nil {
		log.Printf("Failed to archive test %s: %v", testID, err)

		if errors.Is(err, services.ErrValidation) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid test ID format",
			})
		}

		if errors.Is(err, services.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Test not found",
			})
		}

		if errors.Is(err, services.ErrTestNotPublished) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Only published tests can be archived",
			})
		}

		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to archive test",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"message": "Test archived successfully",
	})
}

func (h *CatalogHandler) GetTest(c fiber.Ctx) error {
	testID := c.Params("id")
	if testID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Test ID is required",
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	definition, err := h.catalogService.GetTest(ctx, testID)
	if err != nil {
		log.Printf("Failed to get test %s: %v", testID, err)

		if errors.Is(err, services.ErrValidation) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid test ID format",
			})
		}

		if errors.Is(err, services.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Test not found",
			})
		}

		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to retrieve test",
		})
	}

	// Beneficiaries only ever see published tests, without the answer keys
	if !staffView(c) {
		if definition.Status != models.TestStatusPublished {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Test not found",
			})
		}
		definition = definition.Redacted()
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": fiber.Map{
			"test": definition,
		},
	})
}

func (h *CatalogHandler) ListTests(c fiber.Ctx) error {
	query := &models.TestSearchQuery{
		Status:   models.TestStatus(c.Query("status")),
		Page:     1,
		PageSize: 20,
	}

	staff := staffView(c)
	if !staff {
		query.Status = models.TestStatusPublished
	}

	if page, err := strconv.Atoi(c.Query("page", "1")); err == nil && page > 0 {
		query.Page = page
	}

	if pageSize, err := strconv.Atoi(c.Query("pageSize", "20")); err == nil && pageSize > 0 && pageSize <= 100 {
		query.PageSize = pageSize
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := h.catalogService.SearchTests(ctx, query)
	if err != nil {
		log.Printf("Failed to search tests: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to search tests",
		})
	}

	if !staff {
		for i, definition := range result.Tests {
			result.Tests[i] = definition.Redacted()
		}
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"data": result,
	})
}

// staffView reports whether the caller may see drafts and answer keys.
func staffView(c fiber.Ctx) bool {
	for _, role := range middleware.Roles(c) {
		if role == middleware.TrainerRole || role == middleware.StaffRole ||
			strings.HasPrefix(role, middleware.AdminRole) || strings.HasPrefix(role, middleware.ManagerRole) {
			return true
		}
	}
	return false
}
