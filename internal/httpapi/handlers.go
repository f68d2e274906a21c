package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"adzanbot/internal/location"
	"adzanbot/internal/storage"
	"adzanbot/pkg/logx"
	"adzanbot/pkg/prayertime"
)

type apiError struct {
	Code    int
	Message string
}

type handlerFunc func(c *gin.Context) (any, *apiError)

// resolve writes the handler's result as JSON, or its error as
// {"error": "..."}.
func resolve(h handlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, aerr := h(c)
		if aerr != nil {
			c.JSON(aerr.Code, gin.H{"error": aerr.Message})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// bearerAuth checks "Authorization: Bearer <token>".
func bearerAuth(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		scheme, got, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

// errorFor maps domain errors to HTTP status codes.
func errorFor(err error) *apiError {
	switch {
	case errors.Is(err, prayertime.ErrInvalidCoordinates),
		errors.Is(err, prayertime.ErrUnknownPrayer),
		errors.Is(err, prayertime.ErrInvalidOffsetConfiguration):
		return &apiError{Code: http.StatusBadRequest, Message: err.Error()}
	case errors.Is(err, prayertime.ErrUnknownConvention):
		return &apiError{Code: http.StatusUnprocessableEntity, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &apiError{Code: http.StatusServiceUnavailable, Message: err.Error()}
	default:
		return &apiError{Code: http.StatusInternalServerError, Message: err.Error()}
	}
}

func (s *Server) getTimes(c *gin.Context) (any, *apiError) {
	ctx := c.Request.Context()
	raw := strings.TrimSpace(c.Query("date"))
	if raw == "" {
		v, err := s.backend.Today(ctx)
		if err != nil {
			return nil, errorFor(err)
		}
		return v, nil
	}
	d, err := prayertime.ParseDate(raw)
	if err != nil {
		return nil, &apiError{Code: http.StatusBadRequest, Message: err.Error()}
	}
	v, err := s.backend.ForDate(ctx, d)
	if err != nil {
		return nil, errorFor(err)
	}
	return v, nil
}

func (s *Server) postRefresh(c *gin.Context) (any, *apiError) {
	v, err := s.backend.Refresh(c.Request.Context())
	s.audit(c, "refresh", "", err)
	if err != nil {
		return nil, errorFor(err)
	}
	return v, nil
}

func (s *Server) completeHandler(done bool) handlerFunc {
	action := "complete"
	if !done {
		action = "uncomplete"
	}
	return func(c *gin.Context) (any, *apiError) {
		p, err := prayertime.ParsePrayer(c.Param("name"))
		if err != nil {
			return nil, &apiError{Code: http.StatusNotFound, Message: err.Error()}
		}
		err = s.backend.MarkCompleted(c.Request.Context(), p, done)
		s.audit(c, action, p.String(), err)
		if err != nil {
			return nil, errorFor(err)
		}
		return gin.H{"prayer": p.String(), "completed": done}, nil
	}
}

type locationRequest struct {
	Latitude  *float64 `json:"latitude" binding:"required"`
	Longitude *float64 `json:"longitude" binding:"required"`
	Name      string   `json:"name"`
}

func (s *Server) putLocation(c *gin.Context) (any, *apiError) {
	var req locationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, &apiError{Code: http.StatusBadRequest, Message: err.Error()}
	}
	r := location.Reading{
		Coords: prayertime.Coordinates{Latitude: *req.Latitude, Longitude: *req.Longitude},
		Name:   strings.TrimSpace(req.Name),
		Source: "pushed",
	}
	change, view, err := s.backend.OnLocation(c.Request.Context(), r)
	s.audit(c, "location", r.Coords.String(), err)
	if err != nil {
		return nil, errorFor(err)
	}
	return gin.H{"change": change, "times": view}, nil
}

type conventionView struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	FajrAngle float64 `json:"fajr_angle"`
	IshaAngle float64 `json:"isha_angle,omitempty"`
	IshaMins  float64 `json:"isha_minutes,omitempty"`
	Asr       string  `json:"asr"`
	HighLat   string  `json:"high_latitude_rule"`
}

func (s *Server) getConventions(*gin.Context) (any, *apiError) {
	convs := s.backend.Conventions()
	out := make([]conventionView, 0, len(convs))
	for _, cv := range convs {
		out = append(out, conventionView{
			ID:        cv.ID,
			Name:      cv.Name,
			FajrAngle: cv.FajrAngle,
			IshaAngle: cv.IshaAngle,
			IshaMins:  cv.IshaMinutes,
			Asr:       cv.Asr.String(),
			HighLat:   cv.HighLat.String(),
		})
	}
	return out, nil
}

func (s *Server) getAlerts(*gin.Context) (any, *apiError) {
	return s.backend.Alerts(), nil
}

func (s *Server) audit(c *gin.Context, action, target string, err error) {
	if s.store == nil {
		return
	}
	e := storage.AuditEntry{At: time.Now(), Actor: "http", Action: action, Target: target}
	if err != nil {
		e.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 2*time.Second)
	defer cancel()
	if aerr := s.store.AppendAudit(ctx, e); aerr != nil {
		s.log.Debug("audit append failed", logx.Err(aerr))
	}
}

func (s *Server) getStatus(*gin.Context) (any, *apiError) {
	s.mu.Lock()
	fn := s.status
	s.mu.Unlock()
	if fn == nil {
		return nil, &apiError{Code: http.StatusNotFound, Message: "status not available"}
	}
	return fn(), nil
}
