// Package httpapi adapts the HTTP surface onto the method dispatcher. Every
// route handler builds an api.Call (method id, username from the path, params
// from the query string or body, credentials from headers) and serializes the
// dispatcher's result into the shared JSON envelope. Attachment reads stream
// the file payload instead.
package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trovelabs/trove/internal/access"
	"github.com/trovelabs/trove/internal/api"
	"github.com/trovelabs/trove/internal/apierr"
	"github.com/trovelabs/trove/internal/config"
	"github.com/trovelabs/trove/internal/logger"
)

// Handler mounts the route table onto a gin engine and forwards calls to the
// dispatcher. The websocket handler is optional; without it, GET /:username
// answers 404.
type Handler struct {
	dispatcher *api.Dispatcher
	access     *access.Service
	cfg        *config.Config
	logger     *logger.Logger
	ws         gin.HandlerFunc
}

func NewHandler(d *api.Dispatcher, a *access.Service, cfg *config.Config,
	log *logger.Logger, ws gin.HandlerFunc) *Handler {
	return &Handler{
		dispatcher: d,
		access:     a,
		cfg:        cfg,
		logger:     log.WithComponent("httpapi"),
		ws:         ws,
	}
}

// Mount registers all routes. Static roots (/, /metrics, /system) coexist
// with the /:username subtree; gin keeps them in separate branches.
func (h *Handler) Mount(router *gin.Engine) {
	router.Use(h.cors())
	router.NoRoute(h.notFound)

	router.GET("/", h.serverInfo)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	system := router.Group("/system", h.adminGuard())
	{
		system.POST("/create-user", h.createUser)
		system.GET("/user-info/:username", h.userInfo)
		system.DELETE("/users/:username/mfa", h.deleteMfa)
	}

	user := router.Group("/:username")
	{
		user.GET("", h.socket)
		user.POST("", h.batch)

		user.POST("/auth/login", h.jsonMethod("auth.login", http.StatusOK))
		user.POST("/auth/logout", h.jsonMethod("auth.logout", http.StatusOK))
		user.GET("/access-info", h.queryMethod("getAccessInfo"))

		user.GET("/account", h.queryMethod("account.get"))
		user.PUT("/account", h.updateMethod("account.update"))
		user.POST("/account/change-password", h.jsonMethod("account.changePassword", http.StatusOK))
		user.POST("/account/request-password-reset", h.jsonMethod("account.requestPasswordReset", http.StatusOK))
		user.POST("/account/reset-password", h.jsonMethod("account.resetPassword", http.StatusOK))

		user.GET("/events", h.queryMethod("events.get"))
		user.GET("/events/:id", h.queryMethod("events.getOne"))
		user.POST("/events", h.createEvent)
		user.POST("/events/:id", h.attach)
		user.PUT("/events/:id", h.updateMethod("events.update"))
		user.DELETE("/events/:id", h.queryMethod("events.delete"))
		user.GET("/events/:id/:fileId", h.getAttachment)
		user.GET("/events/:id/:fileId/:name", h.getAttachment)
		user.DELETE("/events/:id/:fileId", h.queryMethod("events.deleteAttachment"))

		user.GET("/streams", h.queryMethod("streams.get"))
		user.POST("/streams", h.jsonMethod("streams.create", http.StatusCreated))
		user.PUT("/streams/:id", h.updateMethod("streams.update"))
		user.DELETE("/streams/:id", h.queryMethod("streams.delete"))

		user.GET("/accesses", h.queryMethod("accesses.get"))
		user.POST("/accesses", h.jsonMethod("accesses.create", http.StatusCreated))
		user.PUT("/accesses/:id", h.updateMethod("accesses.update"))
		user.DELETE("/accesses/:id", h.queryMethod("accesses.delete"))

		user.GET("/profile/:scope", h.getProfile)
		user.PUT("/profile/:scope", h.updateProfile)

		user.GET("/followed-slices", h.queryMethod("followedSlices.get"))
		user.POST("/followed-slices", h.jsonMethod("followedSlices.create", http.StatusCreated))
		user.PUT("/followed-slices/:id", h.updateMethod("followedSlices.update"))
		user.DELETE("/followed-slices/:id", h.queryMethod("followedSlices.delete"))

		user.GET("/service/info", h.serverInfo)

		// Removed surfaces: activity tracking and high-frequency series.
		user.POST("/event/start", h.gone)
		user.POST("/event/stop", h.gone)
		user.POST("/events/:id/series", h.gone)
		user.POST("/series/batch", h.gone)
	}
}

// cors echoes the caller's origin and reflects preflight requests. The
// wildcard would break credentialed requests, so the origin is echoed.
func (h *Handler) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			origin = "*"
		}
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Expose-Headers", "API-Version")

		methods := c.GetHeader("Access-Control-Request-Method")
		if methods == "" {
			methods = "GET, POST, PUT, DELETE, OPTIONS"
		}
		c.Header("Access-Control-Allow-Methods", methods)

		headers := c.GetHeader("Access-Control-Request-Headers")
		if headers == "" {
			headers = "Origin, Content-Type, Authorization"
		}
		c.Header("Access-Control-Allow-Headers", headers)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// adminGuard protects the /system group. An unset admin key disables the
// group entirely; a wrong key answers as if the routes did not exist.
func (h *Handler) adminGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.cfg.AdminKey == "" {
			h.abort(c, apierr.UnknownResource("route", c.Request.URL.Path))
			return
		}
		key := c.GetHeader("Authorization")
		if key == "" {
			h.abort(c, apierr.InvalidAccessToken(
				`The admin key is missing: expected an "Authorization" header.`))
			return
		}
		if key != h.cfg.AdminKey {
			h.abort(c, apierr.UnknownResource("route", c.Request.URL.Path))
			return
		}
		c.Next()
	}
}

func (h *Handler) notFound(c *gin.Context) {
	h.respondError(c, apierr.UnknownResource("route", c.Request.URL.Path))
}

func (h *Handler) gone(c *gin.Context) {
	h.respondError(c, apierr.Gone("This endpoint has been removed."))
}

// socket hands GET /:username over to the websocket adapter; a plain GET on
// the namespace is not a route.
func (h *Handler) socket(c *gin.Context) {
	if h.ws != nil && websocket.IsWebSocketUpgrade(c.Request) {
		h.ws(c)
		return
	}
	h.notFound(c)
}

// dispatch runs the call and writes the envelope. successStatus is the code
// used when the method succeeds (200, 201 or 204 depending on the route).
func (h *Handler) dispatch(c *gin.Context, call *api.Call, successStatus int) {
	result, apiErr := h.dispatcher.Invoke(c.Request.Context(), call)
	if apiErr != nil {
		h.respondError(c, apiErr)
		return
	}

	meta := h.dispatcher.Meta()
	c.Header("API-Version", meta.APIVersion)

	if f := result.File(); f != nil {
		defer f.Reader.Close()
		c.DataFromReader(http.StatusOK, f.Size, f.Type, f.Reader, map[string]string{
			"Content-Disposition": contentDisposition(f.FileName),
		})
		return
	}

	if successStatus == http.StatusNoContent {
		c.Status(http.StatusNoContent)
		return
	}

	body := result.Object()
	body["meta"] = meta
	c.JSON(successStatus, body)
}

func (h *Handler) respondError(c *gin.Context, e *apierr.E) {
	meta := h.dispatcher.Meta()
	c.Header("API-Version", meta.APIVersion)
	c.JSON(e.HTTPStatus(), gin.H{"error": e, "meta": meta})
}

func (h *Handler) abort(c *gin.Context, e *apierr.E) {
	h.respondError(c, e)
	c.Abort()
}

// err converts any error surfaced outside the dispatcher (user resolution,
// read token checks) into the envelope's error shape.
func (h *Handler) err(c *gin.Context, err error) {
	var e *apierr.E
	if !errors.As(err, &e) {
		h.logger.WithContext(c.Request.Context()).Error("request failed", "error", err)
		e = apierr.Unexpected(err)
	}
	h.respondError(c, e)
}

// contentDisposition renders the attachment filename both in the plain form
// and RFC 5987 encoded for non-ASCII names.
func contentDisposition(name string) string {
	plain := strings.Map(func(r rune) rune {
		if r == '"' || r == '\\' || r < 0x20 || r > 0x7e {
			return '_'
		}
		return r
	}, name)
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`,
		plain, url.PathEscape(name))
}
