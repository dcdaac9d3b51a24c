package api

import (
	"strconv"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"

	"devicehub-backend/internal/connectivity"
	"devicehub-backend/internal/engine"
	"devicehub-backend/internal/mw"
	"devicehub-backend/internal/store"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store        store.Store
	engine       *engine.Engine
	connectivity *connectivity.Manager
	webpush      *webpush.Options
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, e *engine.Engine, conn *connectivity.Manager, webpushOptions *webpush.Options) *Handler {
	return &Handler{
		store:        s,
		engine:       e,
		connectivity: conn,
		webpush:      webpushOptions,
	}
}

// caller returns the authenticated caller. Routes behind mw.Auth always have one.
func caller(c *gin.Context) engine.Caller {
	cl, _ := mw.CallerFrom(c)
	return cl
}

// pathID parses a positive id path parameter, answering 400 otherwise.
func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		ParamError(c, "invalid "+name)
		return 0, false
	}
	return id, true
}

// pagination reads page and page_size, clamping them to sane values.
func pagination(c *gin.Context) (page, pageSize int) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	pageSize, err = strconv.Atoi(c.DefaultQuery("page_size", strconv.Itoa(defaultPageSize)))
	if err != nil || pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}
