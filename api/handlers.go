package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"collab-service/domain"
	"collab-service/storage"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, core Collab, auth Authenticator, deduper Deduper, logger *log.Logger) {
	e.POST("/api/events", postEvent(core, auth, deduper, logger))
	e.POST("/api/entities/:entityType/:entityId/optimistic", postOptimistic(core, auth))
	e.POST("/api/entities/:entityType/:entityId/resolve", postResolve(core, auth))
	e.GET("/api/entities/:entityType/:entityId/status", getStatus(core, auth))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func postEvent(core Collab, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newEventRequestMetrics(ctx, logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.String(http.StatusUnauthorized, authErr.Error())
			return err
		}

		lr := io.LimitReader(c.Request().Body, postEventMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		var req postEventRequest
		if decodeErr := dec.Decode(&req); decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}
		if req.EntityType == "" || req.EntityID == "" || req.EventType == "" {
			metrics.SetErrorStage("validation")
			err = c.String(http.StatusBadRequest, "entityType, entityId and eventType are required")
			return err
		}
		if !domain.ValidRef(req.EntityType, req.EntityID) {
			metrics.SetErrorStage("validation")
			err = c.String(http.StatusBadRequest, "invalid entity reference")
			return err
		}
		if req.IdempotencyKey == "" {
			req.IdempotencyKey = uuid.NewString()
		}

		added, dedupeErr := deduper.Add(ctx, userID, req.IdempotencyKey)
		if dedupeErr != nil {
			metrics.SetErrorStage("dedupe")
			c.Logger().Error(dedupeErr)
			err = c.String(http.StatusInternalServerError, "failed to check idempotency key")
			return err
		}
		if !added {
			err = c.NoContent(http.StatusConflict)
			return err
		}

		appendStart := time.Now()
		event, appendErr := core.CreateEvent(ctx, req.EventType, req.EntityType, req.EntityID, req.Data, userID)
		metrics.ObserveAppend(time.Since(appendStart))
		if appendErr != nil {
			if removeErr := deduper.Remove(ctx, userID, req.IdempotencyKey); removeErr != nil {
				c.Logger().Errorf("failed to release idempotency key: %v", removeErr)
			}
			if errors.Is(appendErr, storage.ErrVersionConflict) {
				metrics.SetErrorStage("version_conflict")
				err = c.NoContent(http.StatusConflict)
				return err
			}
			metrics.SetErrorStage("storage")
			c.Logger().Error(appendErr)
			err = c.String(http.StatusInternalServerError, appendErr.Error())
			return err
		}
		metrics.SetVersion(event.Version)

		encodeStart := time.Now()
		err = c.JSON(http.StatusCreated, event)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func postOptimistic(core Collab, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		lr := io.LimitReader(c.Request().Body, postEventMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)

		var req optimisticRequest
		if err := dec.Decode(&req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if len(req.Changes) == 0 {
			return c.String(http.StatusBadRequest, "changes are required")
		}
		if !domain.ValidRef(c.Param("entityType"), c.Param("entityId")) {
			return c.String(http.StatusBadRequest, "invalid entity reference")
		}

		event, err := core.OptimisticUpdate(ctx, c.Param("entityType"), c.Param("entityId"), req.Changes, userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusAccepted, event)
	}
}

func postResolve(core Collab, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		lr := io.LimitReader(c.Request().Body, postEventMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)

		var req resolveRequest
		if err := dec.Decode(&req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if !domain.ValidRef(c.Param("entityType"), c.Param("entityId")) {
			return c.String(http.StatusBadRequest, "invalid entity reference")
		}

		state, err := core.ResolveConflict(ctx, c.Param("entityType"), c.Param("entityId"), req.Local, req.Remote, userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, resolveResponse{State: state})
	}
}

func getStatus(core Collab, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization")); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		if !domain.ValidRef(c.Param("entityType"), c.Param("entityId")) {
			return c.String(http.StatusBadRequest, "invalid entity reference")
		}

		status, err := core.Status(ctx, c.Param("entityType"), c.Param("entityId"))
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, status)
	}
}
