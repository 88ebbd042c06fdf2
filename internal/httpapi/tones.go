package httpapi

import (
	"bytes"
	"net/http"
	"strconv"

	"lobbyx/internal/tones"
	"lobbyx/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	minToneRate = 8000
	maxToneRate = 48000
)

// Tone renders a feedback tone as a 16-bit mono WAV.
//
// Query: rate (sample rate, optional).
func (h Handlers) Tone(c *gin.Context) {
	t := tones.Tone(c.Param("tone"))
	if !t.Valid() {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown tone"})
		return
	}
	rate := tones.DefaultSampleRate
	if v := c.Query("rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < minToneRate || n > maxToneRate {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "rate must be between 8000 and 48000"})
			return
		}
		rate = n
	}

	var buf bytes.Buffer
	if err := tones.EncodeWAV(&buf, tones.Synthesize(t, rate), rate); err != nil {
		logger.FromGin(c).Error("tone encode failed", "tone", t, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "tone unavailable"})
		return
	}
	c.Header("Cache-Control", "public, max-age=86400")
	if t.Looping() {
		c.Header("X-Tone-Loop", "true")
	}
	c.Data(http.StatusOK, "audio/wav", buf.Bytes())
}
