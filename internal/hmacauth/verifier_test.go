package hmacauth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/olumi/cee/internal/cache"
)

const testSecret = "shared-secret"

func sign(t *testing.T, secret, method, path string, body []byte, timestamp, nonce string) string {
	t.Helper()
	bodyHash := sha256.Sum256(body)
	bodyHex := hex.EncodeToString(bodyHash[:])
	var canonical string
	if timestamp == "" && nonce == "" {
		canonical = fmt.Sprintf("%s\n%s\n%s", method, path, bodyHex)
	} else {
		canonical = fmt.Sprintf("%s\n%s\n%s\n%s\n%s", method, path, timestamp, nonce, bodyHex)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

func nowMillis() string {
	return fmt.Sprintf("%d", time.Now().UnixMilli())
}

func newRequest(t *testing.T, nonce string) Request {
	t.Helper()
	body := []byte(`{"brief":"b"}`)
	ts := nowMillis()
	return Request{
		Method:    "POST",
		Path:      "/assist/draft-graph",
		RawBody:   body,
		Timestamp: ts,
		Nonce:     nonce,
		Signature: sign(t, testSecret, "POST", "/assist/draft-graph", body, ts, nonce),
	}
}

func TestVerify_ValidSignature(t *testing.T) {
	v := NewVerifier([]byte(testSecret), 0, nil, zap.NewNop())
	res, err := v.Verify(context.Background(), newRequest(t, "nonce-1"))
	require.NoError(t, err)
	assert.False(t, res.Legacy)
}

func TestVerify_LegacyFormat(t *testing.T) {
	v := NewVerifier([]byte(testSecret), 0, nil, zap.NewNop())
	body := []byte(`{"brief":"b"}`)
	req := Request{
		Method:    "POST",
		Path:      "/assist/draft-graph",
		RawBody:   body,
		Signature: sign(t, testSecret, "POST", "/assist/draft-graph", body, "", ""),
	}
	res, err := v.Verify(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Legacy)
}

func TestVerify_FailureKinds(t *testing.T) {
	v := NewVerifier([]byte(testSecret), 0, nil, zap.NewNop())

	t.Run("no secret", func(t *testing.T) {
		empty := NewVerifier(nil, 0, nil, zap.NewNop())
		_, err := empty.Verify(context.Background(), newRequest(t, "n"))
		assertKind(t, err, FailNoSecret)
	})

	t.Run("missing signature", func(t *testing.T) {
		req := newRequest(t, "n-missing")
		req.Signature = ""
		_, err := v.Verify(context.Background(), req)
		assertKind(t, err, FailMissingSignature)
	})

	t.Run("wrong signature", func(t *testing.T) {
		req := newRequest(t, "n-wrong")
		req.Signature = sign(t, "other-secret", req.Method, req.Path, req.RawBody, req.Timestamp, req.Nonce)
		_, err := v.Verify(context.Background(), req)
		assertKind(t, err, FailInvalidSignature)
	})

	t.Run("tampered body", func(t *testing.T) {
		req := newRequest(t, "n-tampered")
		req.RawBody = []byte(`{"brief":"tampered"}`)
		_, err := v.Verify(context.Background(), req)
		assertKind(t, err, FailInvalidSignature)
	})

	t.Run("stale timestamp", func(t *testing.T) {
		body := []byte(`{}`)
		ts := fmt.Sprintf("%d", time.Now().Add(-10*time.Minute).UnixMilli())
		req := Request{
			Method: "POST", Path: "/p", RawBody: body,
			Timestamp: ts, Nonce: "n-stale",
			Signature: sign(t, testSecret, "POST", "/p", body, ts, "n-stale"),
		}
		_, err := v.Verify(context.Background(), req)
		assertKind(t, err, FailSignatureSkew)
	})

	t.Run("malformed timestamp", func(t *testing.T) {
		body := []byte(`{}`)
		req := Request{
			Method: "POST", Path: "/p", RawBody: body,
			Timestamp: "not-a-number", Nonce: "n-bad-ts",
			Signature: sign(t, testSecret, "POST", "/p", body, "not-a-number", "n-bad-ts"),
		}
		_, err := v.Verify(context.Background(), req)
		assertKind(t, err, FailSignatureSkew)
	})
}

func TestVerify_ReplayBlocked(t *testing.T) {
	v := NewVerifier([]byte(testSecret), 0, nil, zap.NewNop())
	req := newRequest(t, "nonce-replay")

	_, err := v.Verify(context.Background(), req)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), req)
	assertKind(t, err, FailReplayBlocked)
}

func TestVerify_ReplayBlockedViaSharedStore(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := cache.DefaultConfig()
	cfg.Addr = mr.Addr()
	cfg.HealthCheckInterval = 0
	mgr, err := cache.NewManager(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	v := NewVerifier([]byte(testSecret), 0, mgr, zap.NewNop())
	req := newRequest(t, "nonce-shared")

	_, err = v.Verify(context.Background(), req)
	require.NoError(t, err)

	// A second verifier sharing the cache sees the nonce too.
	v2 := NewVerifier([]byte(testSecret), 0, mgr, zap.NewNop())
	_, err = v2.Verify(context.Background(), req)
	assertKind(t, err, FailReplayBlocked)
}

func TestVerify_DifferentNoncesAccepted(t *testing.T) {
	v := NewVerifier([]byte(testSecret), 0, nil, zap.NewNop())

	_, err := v.Verify(context.Background(), newRequest(t, "nonce-a"))
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), newRequest(t, "nonce-b"))
	require.NoError(t, err)
}

func assertKind(t *testing.T, err error, kind FailureKind) {
	t.Helper()
	require.Error(t, err)
	ve, ok := err.(*VerifyError)
	require.True(t, ok, "expected *VerifyError, got %T", err)
	assert.Equal(t, kind, ve.Kind)
}
