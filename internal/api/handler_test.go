package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/psp"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

// recordingLimiter captures the key of the last Allow call.
type recordingLimiter struct {
	allowed bool
	err     error
	lastKey string
}

func (l *recordingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.lastKey = key
	return l.allowed, l.err
}

func newWebhookTestContext(t *testing.T) *gin.Context {
	t.Helper()
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodPost, "/webhooks/card", nil)
	c.Request.RemoteAddr = "203.0.113.9:4567"
	return c
}

func TestAllowSignatureFailureKeysByCallerAndReason(t *testing.T) {
	limiter := &recordingLimiter{allowed: false}
	h := &Handler{limiter: limiter, sigLimit: 5, sigWindow: time.Minute, logger: util.GetLogger()}

	c := newWebhookTestContext(t)
	allowed := h.allowSignatureFailure(c, models.ProviderCard, psp.SigReasonDigestMismatch)
	assert.False(t, allowed)
	assert.Equal(t, "webhook-sig:card:digest_mismatch:203.0.113.9", limiter.lastKey)

	// a different failure reason spends a different budget
	limiter.allowed = true
	allowed = h.allowSignatureFailure(c, models.ProviderCard, psp.SigReasonStaleTimestamp)
	assert.True(t, allowed)
	assert.Equal(t, "webhook-sig:card:stale_timestamp:203.0.113.9", limiter.lastKey)
}

func TestAllowSignatureFailureFailsOpen(t *testing.T) {
	limiter := &recordingLimiter{allowed: false, err: errors.New("redis down")}
	h := &Handler{limiter: limiter, sigLimit: 5, sigWindow: time.Minute, logger: util.GetLogger()}

	c := newWebhookTestContext(t)
	assert.True(t, h.allowSignatureFailure(c, models.ProviderCard, psp.SigReasonDigestMismatch))
}

func TestSignatureFailureReason(t *testing.T) {
	wrapped := fmt.Errorf("verify: %w", &psp.SignatureError{Reason: psp.SigReasonMalformedHeader})
	assert.Equal(t, psp.SigReasonMalformedHeader, signatureFailureReason(wrapped))
	assert.Equal(t, "invalid", signatureFailureReason(errors.New("something else")))
}
