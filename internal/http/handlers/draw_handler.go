// Draw HTTP handlers.
//
// This file exposes the REST endpoints for drawing a number:
//   - POST /sessions/{id}/draws     (draw a number for this device)
//   - GET  /sessions/{id}/draws/me  (the number this device already holds)
//
// Handlers in this file are transport-thin: they validate input, delegate to
// application services, and translate domain/service errors into HTTP results.
// The participant identity is the device fingerprint: a client-supplied
// X-Client-Fingerprint header, or a server-side derivation from request
// signals when the header is absent.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chama-backend/internal/services"
)

// DrawResponse is the JSON result of a draw or a my-draw lookup.
//
// AlreadyDrawn distinguishes a fresh assignment from a repeat attempt that
// was answered with the number the device already holds.
type DrawResponse struct {
	Number       int       `json:"number"`
	Timestamp    time.Time `json:"timestamp"`
	AlreadyDrawn bool      `json:"already_drawn,omitempty"`
}

// PostDraw godoc
// @ID          postDraw
// @Summary     Draw a number
// @Description Assigns a uniformly random remaining number to this device. A device that already holds a number gets it back with HTTP 409.
// @Tags        Draws
// @Produce     json
//
// @Param       X-Client-Fingerprint  header  string  false "Client-computed device fingerprint"  example(1839572046)
// @Param       id                    path    string  true  "Session ID"
//
// @Success     201  {object} handlers.DrawResponse
// @Failure     404  {object} handlers.ErrorResponse "Session not found"
// @Failure     409  {object} handlers.DrawResponse  "Already drawn (body carries the held number)"
// @Failure     410  {object} handlers.ErrorResponse "Session expired"
// @Failure     422  {object} handlers.ErrorResponse "All numbers drawn"
// @Failure     500  {object} handlers.ErrorResponse "Internal server error"
// @Router      /sessions/{id}/draws [post]
func (h *Handlers) PostDraw(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	fp := deviceFingerprint(c)

	d, err := h.drawSvc.Draw(ctx, sessionID, fp)
	if err != nil {
		switch err {
		case services.ErrSessionNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "session not found")
		case services.ErrSessionExpired:
			fail(c, http.StatusGone, ErrCodeSessionExpired, "session expired")
		case services.ErrExhausted:
			fail(c, http.StatusUnprocessableEntity, ErrCodeExhausted, "all numbers have been drawn")
		case services.ErrAlreadyDrawn:
			// Answer with the number the device already holds so repeat
			// clicks on the draw button stay idempotent for the user.
			if held, herr := h.drawSvc.MyDraw(ctx, sessionID, fp); herr == nil {
				ok(c, http.StatusConflict, DrawResponse{
					Number:       held.Number,
					Timestamp:    held.CreatedAt,
					AlreadyDrawn: true,
				})
				return
			}
			fail(c, http.StatusConflict, ErrCodeAlreadyDrawn, "this device already drew a number")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}

	ok(c, http.StatusCreated, DrawResponse{Number: d.Number, Timestamp: d.CreatedAt})
}

// GetMyDraw godoc
// @ID          getMyDraw
// @Summary     Get this device's draw
// @Description Returns the number this device already drew in the session, if any.
// @Tags        Draws
// @Produce     json
//
// @Param       X-Client-Fingerprint  header  string  false "Client-computed device fingerprint"  example(1839572046)
// @Param       id                    path    string  true  "Session ID"
//
// @Success     200  {object} handlers.DrawResponse
// @Failure     404  {object} handlers.ErrorResponse "No draw for this device"
// @Failure     500  {object} handlers.ErrorResponse "Internal server error"
// @Router      /sessions/{id}/draws/me [get]
func (h *Handlers) GetMyDraw(c *gin.Context) {
	d, err := h.drawSvc.MyDraw(c.Request.Context(), c.Param("id"), deviceFingerprint(c))
	if err != nil {
		if err == services.ErrNoDraw {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "no draw for this device")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, DrawResponse{Number: d.Number, Timestamp: d.CreatedAt, AlreadyDrawn: true})
}
