package server

import (
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MaxShih147/Rushmore/depth"
	"github.com/MaxShih147/Rushmore/mesh"
	"github.com/MaxShih147/Rushmore/relief"
	"github.com/MaxShih147/Rushmore/renderer"
	"github.com/MaxShih147/Rushmore/runlog"
)

type errorResponse struct {
	Error string `json:"error"`
	State string `json:"state,omitempty"`
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, relief.ErrNotImage), errors.Is(err, relief.ErrInvalidSetting):
		return http.StatusBadRequest
	case errors.Is(err, relief.ErrNoHeightField):
		return http.StatusConflict
	case errors.Is(err, depth.ErrDecode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, depth.ErrPredictionStatus), errors.Is(err, depth.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	resp := errorResponse{Error: err.Error()}
	var stepErr *relief.StepError
	if errors.As(err, &stepErr) {
		resp.State = stepErr.State.String()
	}
	_ = c.Error(err)
	c.JSON(statusFor(err), resp)
}

func (s *Server) index(c *gin.Context) {
	var runs []*runlog.Run
	if s.runs != nil {
		var err error
		if runs, err = s.runs.List(10); err != nil {
			s.log.Warn("failed to list runs", zap.Error(err))
		}
	}
	data := gin.H{
		"Version":       s.version,
		"Status":        s.orch.Status(),
		"Runs":          runs,
		"MinDepthScale": relief.MinDepthScale,
		"MaxDepthScale": relief.MaxDepthScale,
		"MinBlurRadius": relief.MinBlurRadius,
		"MaxBlurRadius": relief.MaxBlurRadius,
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := renderer.Render(c.Writer, "index", data); err != nil {
		s.log.Error("failed to render index", zap.Error(err))
	}
}

func (s *Server) health(c *gin.Context) {
	st := s.orch.Status()
	resp := gin.H{
		"status":   "ok",
		"version":  s.version,
		"state":    st.State,
		"meshLive": st.MeshID != "",
	}
	if s.hub != nil {
		resp["stream"] = s.hub.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) upload(c *gin.Context) {
	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "multipart field \"image\" is required"})
		return
	}
	if file.Size > s.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, errorResponse{
			Error: "upload exceeds " + strconv.FormatInt(s.maxUpload, 10) + " bytes",
		})
		return
	}
	f, err := file.Open()
	if err != nil {
		s.fail(c, err)
		return
	}
	data, err := io.ReadAll(io.LimitReader(f, s.maxUpload+1))
	f.Close()
	if err != nil {
		s.fail(c, err)
		return
	}

	s.log.Info("file uploaded", zap.String("filename", file.Filename), zap.Int("size", len(data)))

	if async, _ := strconv.ParseBool(c.Query("async")); async {
		id := s.orch.Submit(file.Filename, data)
		c.JSON(http.StatusAccepted, gin.H{"runId": id})
		return
	}

	res, err := s.orch.Upload(c.Request.Context(), file.Filename, data)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Settings())
}

type settingsPatch struct {
	DepthScale *float64 `json:"depthScale"`
	BlurRadius *int     `json:"blurRadius"`
}

func (s *Server) putSettings(c *gin.Context) {
	var patch settingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	// validate everything before changing anything
	if patch.BlurRadius != nil {
		if err := relief.ValidateBlurRadius(*patch.BlurRadius); err != nil {
			s.fail(c, err)
			return
		}
	}
	if patch.DepthScale != nil {
		if err := relief.ValidateDepthScale(*patch.DepthScale); err != nil {
			s.fail(c, err)
			return
		}
	}

	ctx := c.Request.Context()
	results := []*relief.Result{}
	if patch.BlurRadius != nil {
		res, err := s.orch.SetBlurRadius(ctx, *patch.BlurRadius)
		if err != nil {
			s.fail(c, err)
			return
		}
		if res != nil {
			results = append(results, res)
		}
	}
	if patch.DepthScale != nil {
		res, err := s.orch.SetDepthScale(ctx, *patch.DepthScale)
		if err != nil {
			s.fail(c, err)
			return
		}
		if res != nil {
			results = append(results, res)
		}
	}
	c.JSON(http.StatusOK, gin.H{"settings": s.orch.Settings(), "runs": results})
}

func (s *Server) regenerate(c *gin.Context) {
	res, err := s.orch.Regenerate(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) meshJSON(c *gin.Context) {
	found, err := s.orch.WithMesh(func(m *mesh.Mesh) error {
		c.JSON(http.StatusOK, m)
		return nil
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, errorResponse{Error: "no mesh has been generated"})
	}
}

func (s *Server) meshBinary(c *gin.Context) {
	found, err := s.orch.WithMesh(func(m *mesh.Mesh) error {
		c.Header("Content-Type", "application/octet-stream")
		c.Header("Content-Length", strconv.Itoa(m.BinarySize()))
		c.Header("X-Mesh-Id", m.ID)
		c.Status(http.StatusOK)
		return m.WriteBinary(c.Writer)
	})
	if err != nil {
		s.log.Error("failed to write mesh", zap.Error(err))
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, errorResponse{Error: "no mesh has been generated"})
	}
}

func (s *Server) heightmapPNG(c *gin.Context) {
	session := s.orch.Session()
	if session == nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: relief.ErrNoHeightField.Error()})
		return
	}
	s.writePNG(c, session.Blurred.Image())
}

func (s *Server) depthPNG(c *gin.Context) {
	session := s.orch.Session()
	if session == nil || session.DepthImage == nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: "no depth image available"})
		return
	}
	s.writePNG(c, session.DepthImage)
}

func (s *Server) writePNG(c *gin.Context, img image.Image) {
	c.Header("Content-Type", "image/png")
	c.Header("Cache-Control", "no-store")
	c.Status(http.StatusOK)
	if err := png.Encode(c.Writer, img); err != nil {
		s.log.Error("failed to encode png", zap.Error(err))
	}
}

func (s *Server) listRuns(c *gin.Context) {
	if s.runs == nil {
		c.JSON(http.StatusOK, []*runlog.Run{})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := s.runs.List(limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) getRun(c *gin.Context) {
	if s.runs == nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: runlog.ErrNotFound.Error()})
		return
	}
	run, err := s.runs.Get(c.Param("id"))
	if errors.Is(err, runlog.ErrNotFound) {
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}
