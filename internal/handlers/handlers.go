// Package handlers exposes the offline core over HTTP: the control API
// under /offline and the interception proxy for every other path.
package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pedroluizchagas/celebra-capital-sub002/internal/cache"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/connectivity"
	apperrors "github.com/pedroluizchagas/celebra-capital-sub002/internal/errors"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/events"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/intercept"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/logging"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/models"
	syncpkg "github.com/pedroluizchagas/celebra-capital-sub002/internal/sync"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/telemetry"
	"github.com/pedroluizchagas/celebra-capital-sub002/internal/validation"
)

// maxPushBytes bounds a push payload.
const maxPushBytes = 64 << 10

// HandlerConfig groups the dependencies of the routes.
type HandlerConfig struct {
	Sync        *syncpkg.Orchestrator
	Coordinator *connectivity.Coordinator
	Wakeups     *connectivity.WakeupScheduler
	Worker      *intercept.Worker
	Engine      *cache.Engine
	Hub         *events.Hub
	Metrics     *telemetry.Registry
	Logger      *logging.Logger
}

type proposalRequest struct {
	ID string `json:"id" validate:"omitempty,max=128"`
	models.ProposalRecord
}

type networkRequest struct {
	Online *bool `json:"online" validate:"required"`
}

// NewRouter builds the gin engine with recovery, metrics and every route.
func NewRouter(cfg HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.Metrics != nil {
		r.Use(Metrics(cfg.Metrics))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	RegisterOfflineRoutes(r, cfg)
	return r
}

// RegisterOfflineRoutes registers the control API and, when a worker is
// configured, the interception proxy as the fallback route.
func RegisterOfflineRoutes(r *gin.Engine, cfg HandlerConfig) {
	if cfg.Logger == nil {
		cfg.Logger = logging.Get()
	}
	log := cfg.Logger.Component("http")
	v := validation.New()

	g := r.Group("/offline")

	g.POST("/proposals", func(c *gin.Context) {
		var req proposalRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}
		rec, err := cfg.Sync.EnqueueProposal(c.Request.Context(), req.ID, req.ProposalRecord)
		if err != nil {
			writeError(c, log, err)
			return
		}
		cfg.Coordinator.TriggerSync(c.Request.Context())
		c.JSON(http.StatusCreated, rec)
	})

	g.POST("/forms", func(c *gin.Context) {
		var req models.FormRecord
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}
		rec, err := cfg.Sync.EnqueueForm(c.Request.Context(), req)
		if err != nil {
			writeError(c, log, err)
			return
		}
		cfg.Coordinator.TriggerSync(c.Request.Context())
		c.JSON(http.StatusCreated, rec)
	})

	g.POST("/actions", func(c *gin.Context) {
		var req models.GenericAction
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}
		rec, err := cfg.Sync.EnqueueAction(c.Request.Context(), req)
		if err != nil {
			writeError(c, log, err)
			return
		}
		cfg.Coordinator.TriggerSync(c.Request.Context())
		c.JSON(http.StatusCreated, rec)
	})

	g.GET("/pending", func(c *gin.Context) {
		summary, err := cfg.Sync.Pending(c.Request.Context())
		if err != nil {
			writeError(c, log, err)
			return
		}
		total := 0
		for _, s := range summary {
			total += s.Total()
		}
		c.JSON(http.StatusOK, gin.H{"collections": summary, "total": total})
	})

	g.POST("/sync", func(c *gin.Context) {
		results, err := cfg.Coordinator.SyncNow(c.Request.Context())
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"results": results})
	})

	g.POST("/records/:collection/:id/retry", func(c *gin.Context) {
		rec, err := cfg.Sync.Retry(c.Request.Context(), c.Param("collection"), c.Param("id"))
		if err != nil {
			writeError(c, log, err)
			return
		}
		cfg.Coordinator.TriggerSync(c.Request.Context())
		c.JSON(http.StatusOK, rec)
	})

	g.DELETE("/records/:collection/:id", func(c *gin.Context) {
		if err := cfg.Sync.Discard(c.Request.Context(), c.Param("collection"), c.Param("id")); err != nil {
			writeError(c, log, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	g.POST("/network", func(c *gin.Context) {
		var req networkRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}
		cfg.Coordinator.SetOnline(c.Request.Context(), *req.Online)
		c.JSON(http.StatusOK, cfg.Coordinator.GetStatus())
	})

	g.GET("/features", func(c *gin.Context) {
		c.JSON(http.StatusOK, cfg.Coordinator.Features())
	})

	g.GET("/status", func(c *gin.Context) {
		ctx := c.Request.Context()
		resp := gin.H{"connectivity": cfg.Coordinator.GetStatus()}
		if pending, err := cfg.Sync.Pending(ctx); err == nil {
			resp["pending"] = pending
		}
		lastRuns := gin.H{}
		for _, collection := range models.SyncCollections {
			if run, ok := cfg.Sync.LastRun(collection); ok {
				lastRuns[collection] = run
			}
		}
		resp["lastRuns"] = lastRuns
		if cfg.Worker != nil {
			resp["worker"] = cfg.Worker.State()
		}
		if cfg.Engine != nil {
			if stats, err := cfg.Engine.Stats(ctx); err == nil {
				resp["cache"] = stats
			}
		}
		if cfg.Metrics != nil {
			resp["metrics"] = cfg.Metrics.Snapshot()
		}
		c.JSON(http.StatusOK, resp)
	})

	if cfg.Hub != nil {
		g.GET("/events", gin.WrapH(cfg.Hub))
	}

	if cfg.Wakeups != nil {
		g.POST("/wakeup/:tag", func(c *gin.Context) {
			tag := c.Param("tag")
			if err := cfg.Wakeups.Trigger(c.Request.Context(), tag); err != nil {
				writeError(c, log, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"tag": tag, "ok": true})
		})
	}

	if cfg.Worker == nil {
		return
	}
	worker := cfg.Worker

	g.POST("/push", func(c *gin.Context) {
		data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPushBytes))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body", "msg": err.Error()})
			return
		}
		n, err := worker.HandlePush(c.Request.Context(), data)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, n)
	})

	g.POST("/notifications/click", func(c *gin.Context) {
		var n intercept.Notification
		if err := validation.BindAndValidate(c, &n, v); err != nil {
			return
		}
		c.JSON(http.StatusOK, worker.HandleNotificationClick(c.Request.Context(), n))
	})

	g.POST("/messages", func(c *gin.Context) {
		var msg intercept.Message
		if err := validation.BindAndValidate(c, &msg, v); err != nil {
			return
		}
		reply, err := worker.HandleMessage(c.Request.Context(), msg)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, reply)
	})

	g.GET("/clients", func(c *gin.Context) {
		c.JSON(http.StatusOK, worker.Clients().List())
	})

	r.NoRoute(gin.WrapH(worker))
}

// statusFor maps an error code onto an HTTP status.
func statusFor(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrInvalid:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrIllegalTransition, apperrors.ErrDrainInProgress:
		return http.StatusConflict
	case apperrors.ErrQuotaExceeded:
		return http.StatusInsufficientStorage
	case apperrors.ErrNetworkFailure, apperrors.ErrStorageUnavailable, apperrors.ErrTransaction:
		return http.StatusServiceUnavailable
	case apperrors.ErrServerRejected:
		return http.StatusBadGateway
	case apperrors.ErrPermissionDenied:
		return http.StatusForbidden
	case apperrors.ErrWakeupUnsupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, log *logging.Logger, err error) {
	status := statusFor(err)
	code := apperrors.CodeOf(err)
	if status >= http.StatusInternalServerError {
		log.ErrorWithCode("request failed", string(code), err, map[string]interface{}{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
		})
	}
	c.JSON(status, gin.H{"error": code, "msg": err.Error()})
}
