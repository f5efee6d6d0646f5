package server

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

const pairQRSizePixels = 256

// handlePairQR renders the web pairing link as a PNG QR code so a device with
// a display can show something scannable instead of six digits.
func (h *httpHandler) handlePairQR(c *gin.Context) {
	device := h.deviceFromContext(c)
	if device == nil {
		return
	}

	pairURL, err := buildPairURL(h.pairBaseURL, device.ThreadID, device.PairCode)
	if err != nil {
		h.logger.Error("failed to build pair url", zap.Error(err))
		respondError(c, http.StatusInternalServerError, errorCodeInternal, "")
		return
	}

	png, err := qrcode.Encode(pairURL, qrcode.Medium, pairQRSizePixels)
	if err != nil {
		h.logger.Error("failed to encode pair qr", zap.Error(err))
		respondError(c, http.StatusInternalServerError, errorCodeInternal, "")
		return
	}

	c.Data(http.StatusOK, "image/png", png)
}

func buildPairURL(base, threadID, pairCode string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set("thread_id", threadID)
	query.Set("pair_code", pairCode)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
