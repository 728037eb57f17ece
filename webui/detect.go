package webui

import (
	"MeterDetServer/frame"
	iface "MeterDetServer/interface"
	"MeterDetServer/logger"
	"MeterDetServer/pipeline"
	"MeterDetServer/session"
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Detector runs one image through the model.
type Detector interface {
	Submit(ctx context.Context, raw []byte) (*iface.Outcome, error)
}

type detectResponse struct {
	Reading    string            `json:"reading"`
	Digits     []int             `json:"digits"`
	Detections []frame.Detection `json:"detections"`
	Image      string            `json:"image"`
}

// DetectServer is the single-process app: uploads are detected in-process.
type DetectServer struct {
	base
	det Detector
}

func NewDetectServer(det Detector, sessions *session.Store, maxUploadSize int64) *DetectServer {
	return &DetectServer{
		base: base{sessions: sessions, maxUploadSize: maxUploadSize, endpoint: "/api/detect"},
		det:  det,
	}
}

func (s *DetectServer) Handler() http.Handler {
	r := NewEngine()
	g := s.routes(r)
	g.POST("/api/detect", s.detect)
	return r
}

func (s *DetectServer) detect(c *gin.Context) {
	raw, code, err := s.readUpload(c)
	if err != nil {
		respondError(c, code, err)
		return
	}
	out, err := s.det.Submit(c.Request.Context(), raw)
	if err != nil {
		code := statusFor(err)
		if errors.Is(err, pipeline.ErrPoolClosed) {
			code = http.StatusServiceUnavailable
		}
		logger.Log().Warn("Detection failed", zap.Error(err))
		respondError(c, code, err)
		return
	}
	sess := currentSession(c)
	s.sessions.Append(sess.ID, raw, out.Reading)
	c.JSON(http.StatusOK, detectResponse{
		Reading:    out.Reading,
		Digits:     out.Digits,
		Detections: frame.Detections(out.Detections),
		Image:      frame.EncodeImage(out.Annotated),
	})
}
