package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trovelabs/trove/internal/api"
	"github.com/trovelabs/trove/internal/apierr"
)

// queryMethod serves GET and DELETE routes: params come from the query
// string (coerced by the dispatcher) plus the path's :id when present.
func (h *Handler) queryMethod(methodID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		call := h.newCall(c, methodID, queryParams(c))
		call.FromQuery = true
		h.dispatch(c, call, http.StatusOK)
	}
}

// jsonMethod serves POST routes whose params are the JSON body as-is.
func (h *Handler) jsonMethod(methodID string, successStatus int) gin.HandlerFunc {
	return func(c *gin.Context) {
		params, err := bodyParams(c)
		if err != nil {
			h.respondError(c, err)
			return
		}
		h.dispatch(c, h.newCall(c, methodID, params), successStatus)
	}
}

// updateMethod serves PUT routes: the JSON body becomes the "update" param
// next to the path's :id (the account route has no id).
func (h *Handler) updateMethod(methodID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		update, err := bodyParams(c)
		if err != nil {
			h.respondError(c, err)
			return
		}
		params := map[string]interface{}{"update": update}
		if id := c.Param("id"); id != "" {
			params["id"] = id
		}
		h.dispatch(c, h.newCall(c, methodID, params), http.StatusOK)
	}
}

// batch serves POST /:username. The body is a JSON array of {method, params}
// sub-calls, handed to the batch method.
func (h *Handler) batch(c *gin.Context) {
	calls, apiErr := bodyArray(c)
	if apiErr != nil {
		h.respondError(c, apiErr)
		return
	}
	params := map[string]interface{}{"calls": calls}
	h.dispatch(c, h.newCall(c, "callBatch", params), http.StatusOK)
}

// serverInfo serves GET / and GET /:username/service/info: both relay the
// configured service metadata.
func (h *Handler) serverInfo(c *gin.Context) {
	call := &api.Call{MethodID: "service.info", Params: map[string]interface{}{}}
	h.dispatch(c, call, http.StatusOK)
}

// createEvent serves POST /:username/events. A JSON body carries the new
// event; a multipart body carries it in the single "event" part next to the
// attachments.
func (h *Handler) createEvent(c *gin.Context) {
	if !isMultipart(c) {
		h.jsonMethod("events.create", http.StatusCreated)(c)
		return
	}
	params, files, apiErr := eventMultipart(c)
	if apiErr != nil {
		h.respondError(c, apiErr)
		return
	}
	call := h.newCall(c, "events.create", params)
	call.Files = files
	h.dispatch(c, call, http.StatusCreated)
}

// attach serves POST /:username/events/:id: multipart attachments only, no
// data parts.
func (h *Handler) attach(c *gin.Context) {
	if !isMultipart(c) {
		h.respondError(c, apierr.UnsupportedContentType(c.ContentType()))
		return
	}
	files, apiErr := filesMultipart(c)
	if apiErr != nil {
		h.respondError(c, apiErr)
		return
	}
	params := map[string]interface{}{"id": c.Param("id")}
	call := h.newCall(c, "events.attach", params)
	call.Files = files
	h.dispatch(c, call, http.StatusOK)
}

// getAttachment serves GET /:username/events/:id/:fileId[/:name]. The auth
// query parameter is refused here; a readToken query parameter is mapped
// back onto the access it was minted for, so tracking and expiry apply.
func (h *Handler) getAttachment(c *gin.Context) {
	if c.Query("auth") != "" {
		h.respondError(c, apierr.InvalidAccessToken(
			`The "auth" query parameter is not accepted on attachment routes.`))
		return
	}

	params := map[string]interface{}{
		"id":     c.Param("id"),
		"fileId": c.Param("fileId"),
	}
	call := &api.Call{
		MethodID: "events.getAttachment",
		Username: c.Param("username"),
		Params:   params,
		Auth:     headerAuth(c),
		Origin:   callOrigin(c),
	}

	if readToken := c.Query("readToken"); readToken != "" {
		ctx := c.Request.Context()
		user, err := h.access.ResolveUser(ctx, call.Username)
		if err != nil {
			h.err(c, err)
			return
		}
		token, err := h.access.ResolveReadToken(ctx, user, readToken, c.Param("fileId"))
		if err != nil {
			h.err(c, err)
			return
		}
		call.Auth = api.Auth{Token: token}
	}

	h.dispatch(c, call, http.StatusOK)
}

// getProfile serves GET /:username/profile/:scope. The "app" scope resolves
// against the calling access; other scopes are passed through and validated
// by the method's schema.
func (h *Handler) getProfile(c *gin.Context) {
	if c.Param("scope") == "app" {
		h.dispatch(c, h.newCall(c, "profile.getApp", map[string]interface{}{}), http.StatusOK)
		return
	}
	params := map[string]interface{}{"scope": c.Param("scope")}
	h.dispatch(c, h.newCall(c, "profile.get", params), http.StatusOK)
}

func (h *Handler) updateProfile(c *gin.Context) {
	update, apiErr := bodyParams(c)
	if apiErr != nil {
		h.respondError(c, apiErr)
		return
	}
	params := map[string]interface{}{"update": update}
	methodID := "profile.updateApp"
	if scope := c.Param("scope"); scope != "app" {
		methodID = "profile.update"
		params["scope"] = scope
	}
	h.dispatch(c, h.newCall(c, methodID, params), http.StatusOK)
}

// Admin routes. The guard middleware has already checked the key; the
// methods themselves skip token auth.

func (h *Handler) createUser(c *gin.Context) {
	if ct := c.ContentType(); ct != "application/json" {
		h.respondError(c, apierr.UnsupportedContentType(ct))
		return
	}
	params, apiErr := bodyParams(c)
	if apiErr != nil {
		h.respondError(c, apiErr)
		return
	}
	call := &api.Call{MethodID: "system.createUser", Params: params}
	h.dispatch(c, call, http.StatusCreated)
}

func (h *Handler) userInfo(c *gin.Context) {
	params := map[string]interface{}{"username": c.Param("username")}
	call := &api.Call{MethodID: "system.getUserInfo", Params: params}
	h.dispatch(c, call, http.StatusOK)
}

func (h *Handler) deleteMfa(c *gin.Context) {
	params := map[string]interface{}{"username": c.Param("username")}
	call := &api.Call{MethodID: "system.deleteMfa", Params: params}
	h.dispatch(c, call, http.StatusNoContent)
}
