package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"upscalerbot/internal/metrics"
	"upscalerbot/internal/upscale"
	logx "upscalerbot/pkg/logx"
)

const (
	fallbackMIME           = "image/png"
	upstreamFailureMessage = "upscale failed"
)

type upscaleResponse struct {
	Success     bool   `json:"success"`
	OutputURL   string `json:"output_url"`
	ImageBase64 string `json:"image_base64"`
}

type providerFailure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleUpscale(c *gin.Context) {
	log := s.log.With(logx.String("rid", requestID(c)))

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxUploadBytes)
	image, err := readImageField(c)
	if err != nil {
		metrics.UpscaleResult("bad_request")
		log.Debug("upscale rejected", logx.Err(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": badRequestMessage(err)})
		return
	}

	// The call is bounded by the provider client's timeout, not by the caller staying connected.
	ctx := context.WithoutCancel(c.Request.Context())
	res, err := s.upscaler.Upscale(ctx, image)
	if err != nil {
		var pe *upscale.ProviderError
		if errors.As(err, &pe) {
			metrics.UpscaleResult("provider_error")
			log.Warn("provider rejected image", logx.String("reason", pe.Message))
			c.JSON(http.StatusInternalServerError, providerFailure{Success: false, Error: pe.Message})
			return
		}
		metrics.UpscaleResult("error")
		// Transport errors carry provider hosts and output URLs; keep them in the log.
		log.Error("upscale failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": upstreamFailureMessage})
		return
	}

	metrics.UpscaleResult("ok")
	log.Info("upscale ok", logx.Int("in_bytes", len(image)), logx.Int("out_bytes", len(res.Image)))
	c.JSON(http.StatusOK, upscaleResponse{
		Success:     true,
		OutputURL:   res.OutputURL,
		ImageBase64: DataURI(res.Image),
	})
}

func readImageField(c *gin.Context) ([]byte, error) {
	fh, err := c.FormFile("image")
	if err != nil {
		return nil, err
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, upscale.ErrNoImage
	}
	return b, nil
}

func badRequestMessage(err error) string {
	var tooBig *http.MaxBytesError
	switch {
	case errors.As(err, &tooBig):
		return "image too large"
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, upscale.ErrNoImage):
		return "No image provided"
	case errors.Is(err, http.ErrNotMultipart), strings.Contains(err.Error(), "multipart"):
		return "expected multipart/form-data with an image field"
	default:
		return "No image provided"
	}
}

// DataURI embeds b as a base64 data URI, typed by content sniffing.
func DataURI(b []byte) string {
	mt := fallbackMIME
	if m := mimetype.Detect(b); m != nil && strings.HasPrefix(m.String(), "image/") {
		mt = m.String()
		if i := strings.IndexByte(mt, ';'); i >= 0 {
			mt = mt[:i]
		}
	}
	return "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(b)
}
