// Package webui serves the browser front ends: the single-process detection
// app and the MQTT publisher app.
package webui

import (
	"MeterDetServer/frame"
	"MeterDetServer/imaging"
	"MeterDetServer/logger"
	"MeterDetServer/monitor"
	"MeterDetServer/session"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const Title = "Water Meter Detection"

//go:embed templates/*.html
var templateFS embed.FS

var (
	ErrNoFile       = errors.New("no file uploaded")
	ErrFileTooLarge = errors.New("file too large")
)

type historyItem struct {
	Index   int       `json:"index"`
	Reading string    `json:"reading"`
	Created time.Time `json:"created"`
}

// base carries what both UIs share: sessions, page and history routes.
type base struct {
	sessions      *session.Store
	maxUploadSize int64
	endpoint      string
	live          bool
	cookieMaxAge  int
}

// NewEngine returns a gin engine in release mode with recovery, zap access
// logging and request metrics.
func NewEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(), monitor.GinMiddleware())
	tmpl := template.Must(template.ParseFS(templateFS, "templates/*.html"))
	r.SetHTMLTemplate(tmpl)
	return r
}

// RequestLogger logs one line per request through the process logger.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Log().Error("HTTP request", fields...)
			return
		}
		logger.Log().Info("HTTP request", fields...)
	}
}

func (b *base) sessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := c.Cookie(session.CookieName)
		sess, created := b.sessions.Ensure(id)
		if created {
			c.SetCookie(session.CookieName, sess.ID, b.cookieMaxAge, "/", "", false, true)
		}
		c.Set(session.CookieName, sess)
		c.Next()
	}
}

func currentSession(c *gin.Context) *session.Session {
	return c.MustGet(session.CookieName).(*session.Session)
}

func (b *base) routes(r *gin.Engine) *gin.RouterGroup {
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	g := r.Group("/", b.sessionMiddleware())
	g.GET("/", b.index)
	g.GET("/api/history", b.history)
	g.GET("/api/history/:index/image", b.historyImage)
	return g
}

func (b *base) index(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", gin.H{
		"Title":    Title,
		"Endpoint": b.endpoint,
		"Live":     b.live,
	})
}

func (b *base) history(c *gin.Context) {
	entries := currentSession(c).History()
	items := make([]historyItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, historyItem{Index: e.Index, Reading: e.Reading, Created: e.Created})
	}
	c.JSON(http.StatusOK, items)
}

func (b *base) historyImage(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		respondError(c, http.StatusBadRequest, fmt.Errorf("invalid index %q", c.Param("index")))
		return
	}
	e, ok := currentSession(c).Entry(index)
	if !ok {
		respondError(c, http.StatusNotFound, fmt.Errorf("history entry %d not found", index))
		return
	}
	c.Data(http.StatusOK, http.DetectContentType(e.Image), e.Image)
}

// readUpload returns the bytes of the multipart field "file", enforcing the
// allowed extensions and the upload size limit.
func (b *base) readUpload(c *gin.Context) ([]byte, int, error) {
	if b.maxUploadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, b.maxUploadSize)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, http.StatusRequestEntityTooLarge, ErrFileTooLarge
		}
		return nil, http.StatusBadRequest, ErrNoFile
	}
	if !imaging.Allowed(fh.Filename) {
		return nil, http.StatusBadRequest, fmt.Errorf("%w: %s", imaging.ErrUnsupportedFormat, fh.Filename)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, http.StatusBadRequest, err
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, http.StatusBadRequest, err
	}
	if len(raw) == 0 {
		return nil, http.StatusBadRequest, frame.ErrEmptyImage
	}
	return raw, http.StatusOK, nil
}

func respondError(c *gin.Context, code int, err error) {
	_ = c.Error(err)
	c.JSON(code, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, imaging.ErrUnsupportedFormat), errors.Is(err, frame.ErrEmptyImage):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}
