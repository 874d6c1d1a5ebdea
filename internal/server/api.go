package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/TobiSchelling/GapFinder/internal/jobs"
)

type submitBody struct {
	ChannelIdentifier string `json:"channel_identifier" binding:"required,max=200"`
	RequestingEmail   string `json:"requesting_email" binding:"required,email"`
	VideoSampleSize   int    `json:"video_sample_size" binding:"gte=0,lte=50"`
}

type submitResponse struct {
	AccessKey string      `json:"access_key"`
	Status    jobs.Status `json:"status"`
	Coalesced bool        `json:"coalesced"`
}

type statusResponse struct {
	AccessKey         string      `json:"access_key"`
	ChannelIdentifier string      `json:"channel_identifier"`
	Phase             jobs.Phase  `json:"phase"`
	ProgressPercent   int         `json:"progress_percent"`
	Status            jobs.Status `json:"status"`
	Stuck             bool        `json:"stuck"`
	Reason            string      `json:"reason"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newStatus(j *jobs.AnalysisJob) statusResponse {
	return statusResponse{
		AccessKey:         j.AccessKey,
		ChannelIdentifier: j.ChannelID,
		Phase:             j.Phase,
		ProgressPercent:   j.Progress,
		Status:            j.Status(),
		Stuck:             j.Stuck,
		Reason:            j.Reason,
	}
}

func (s *Server) handleSubmit(c *gin.Context) {
	var body submitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusBadRequest, "invalid_request", bindingMessage(err))
		return
	}

	job, coalesced, err := s.svc.Submit(c.Request.Context(), jobs.SubmitRequest{
		ChannelID:       body.ChannelIdentifier,
		RequestingEmail: body.RequestingEmail,
		VideoSampleSize: body.VideoSampleSize,
	})
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusAccepted, submitResponse{
		AccessKey: job.AccessKey,
		Status:    job.Status(),
		Coalesced: coalesced,
	})
}

func (s *Server) handleList(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			abort(c, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	list, err := s.svc.List(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]statusResponse, len(list))
	for i, j := range list {
		out[i] = newStatus(j)
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

func (s *Server) handleStatus(c *gin.Context) {
	job, err := s.svc.Status(c.Request.Context(), c.Param("key"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newStatus(job))
}

func (s *Server) handleReport(c *gin.Context) {
	r, err := s.svc.Report(c.Request.Context(), c.Param("key"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) handleRequeue(c *gin.Context) {
	job, err := s.svc.Requeue(c.Request.Context(), c.Param("key"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, newStatus(job))
}

// fail maps service errors onto the JSON error envelope.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, jobs.ErrInvalidRequest):
		abort(c, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, jobs.ErrNotFound):
		abort(c, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, jobs.ErrNotReady):
		abort(c, http.StatusConflict, "not_ready", err.Error())
	case errors.Is(err, jobs.ErrAlreadyRunning):
		abort(c, http.StatusConflict, "already_running", err.Error())
	case errors.Is(err, jobs.ErrNotRequeueable):
		abort(c, http.StatusConflict, "not_requeueable", err.Error())
	default:
		c.Error(err)
		abort(c, http.StatusInternalServerError, "internal", "internal server error")
	}
}

func abort(c *gin.Context, code int, errCode, message string) {
	c.AbortWithStatusJSON(code, gin.H{"error": errorBody{Code: errCode, Message: message}})
}

// bindingMessage flattens validator errors into "field: rule" pairs.
func bindingMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "malformed request body"
	}
	parts := make([]string, len(verrs))
	for i, fe := range verrs {
		if fe.Param() != "" {
			parts[i] = fmt.Sprintf("%s: %s=%s", fieldName(fe.Field()), fe.Tag(), fe.Param())
		} else {
			parts[i] = fmt.Sprintf("%s: %s", fieldName(fe.Field()), fe.Tag())
		}
	}
	return strings.Join(parts, "; ")
}

func fieldName(goName string) string {
	switch goName {
	case "ChannelIdentifier":
		return "channel_identifier"
	case "RequestingEmail":
		return "requesting_email"
	case "VideoSampleSize":
		return "video_sample_size"
	}
	return goName
}
