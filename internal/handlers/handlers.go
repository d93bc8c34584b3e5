package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/recycle-check/internal/auth"
	"github.com/example/recycle-check/internal/recycling"
	"github.com/example/recycle-check/internal/repository"
	"github.com/example/recycle-check/internal/usecase"
)

// MaxUploadSize caps the accepted image size in bytes.
const MaxUploadSize = 10 << 20

// ItemService is the subset of usecase.ItemUseCase the routes depend on.
type ItemService interface {
	Upload(ctx context.Context, filename string, imageBytes []byte) (*repository.Item, error)
	List(ctx context.Context, filter repository.ItemFilter, skip, limit int) ([]repository.Item, error)
	Get(ctx context.Context, id uint) (*repository.Item, error)
	Stats(ctx context.Context) (recycling.Stats, error)
}

// Options tune route registration. Zero values disable the feature.
type Options struct {
	// UploadDir is served under PublicPrefix when set.
	UploadDir    string
	PublicPrefix string
	// UploadMiddleware runs before the upload handler, e.g. auth.JWTMiddleware.
	UploadMiddleware []gin.HandlerFunc
	Logger           *zap.Logger
}

var errTooLarge = errors.New("image exceeds maximum upload size")

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc ItemService, opts Options) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	health := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	router.GET("/health", health)
	router.GET("/healthz", health)

	if opts.UploadDir != "" {
		prefix := opts.PublicPrefix
		if prefix == "" {
			prefix = "/uploads"
		}
		router.Static(prefix, opts.UploadDir)
	}

	upload := append([]gin.HandlerFunc{}, opts.UploadMiddleware...)
	upload = append(upload, func(c *gin.Context) {
		filename, data, status, err := readUpload(c)
		if err != nil {
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		item, err := svc.Upload(c.Request.Context(), filename, data)
		if err != nil {
			logger.Error("upload failed", zap.Error(err), zap.String("subject", subject(c)))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store item"})
			return
		}
		c.JSON(http.StatusOK, item)
	})
	router.POST("/upload", upload...)

	router.GET("/items", func(c *gin.Context) {
		skip, err := queryInt(c, "skip", 0)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		limit, err := queryInt(c, "limit", repository.DefaultListLimit)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		items, err := svc.List(c.Request.Context(), repository.ItemFilter{
			Type:     c.Query("type"),
			Brand:    c.Query("brand"),
			Decision: c.Query("decision"),
		}, skip, limit)
		if err != nil {
			logger.Error("list items failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list items"})
			return
		}
		c.JSON(http.StatusOK, items)
	})

	router.GET("/items/:id", func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid item id"})
			return
		}

		item, err := svc.Get(c.Request.Context(), uint(id))
		if errors.Is(err, usecase.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Item not found"})
			return
		}
		if err != nil {
			logger.Error("get item failed", zap.Error(err), zap.Uint64("id", id))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load item"})
			return
		}
		c.JSON(http.StatusOK, item)
	})

	stats := func(c *gin.Context) {
		result, err := svc.Stats(c.Request.Context())
		if err != nil {
			logger.Error("stats failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute stats"})
			return
		}
		c.JSON(http.StatusOK, result)
	}
	router.GET("/stats", stats)
	router.GET("/stats/", stats)
}

// readUpload extracts the uploaded part ("file", or "image" for older
// clients) and returns the HTTP status to use on failure. The declared
// content type is not checked: bytes that do not decode as an image still
// get a stored Reject record.
func readUpload(c *gin.Context) (string, []byte, int, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+1<<20)

	file, err := c.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		file, err = c.FormFile("image")
	}
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return "", nil, http.StatusRequestEntityTooLarge, errTooLarge
		}
		return "", nil, http.StatusBadRequest, errors.New("image file is required")
	}
	if file.Size > MaxUploadSize {
		return "", nil, http.StatusRequestEntityTooLarge, errTooLarge
	}

	src, err := file.Open()
	if err != nil {
		return "", nil, http.StatusBadRequest, errors.New("unable to open image")
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, MaxUploadSize+1))
	if err != nil {
		return "", nil, http.StatusInternalServerError, errors.New("failed to read image")
	}
	if len(data) > MaxUploadSize {
		return "", nil, http.StatusRequestEntityTooLarge, errTooLarge
	}
	return file.Filename, data, http.StatusOK, nil
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return value, nil
}

func subject(c *gin.Context) string {
	id, _ := auth.GetUserID(c.Request.Context())
	return id
}
