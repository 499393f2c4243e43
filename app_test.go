package warden

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/layer-3/warden/config"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testServiceKey = "app-test-service-key-0123456789abcdef"

func testConfig() *config.Config {
	return &config.Config{
		HTTPAddr:            ":0",
		RedisPrefix:         "warden:",
		JWTIssuer:           "warden",
		AccessTTL:           15 * time.Minute,
		RefreshTTL:          168 * time.Hour,
		RefreshRotation:     true,
		RefreshGrace:        5 * time.Second,
		SessionIdleTimeout:  30 * time.Minute,
		SessionLifetime:     24 * time.Hour,
		SessionMaxPerUser:   5,
		SweepInterval:       time.Minute,
		RiskIPWeight:        5,
		RiskUAWeight:        3,
		RiskVelocityWeight:  2,
		RiskVelocityLimit:   30,
		RiskVelocityWindow:  time.Minute,
		RiskStepUpThreshold: 5,
		MFAIssuer:           "Warden",
		MFAChallengeTTL:     5 * time.Minute,
		Env:                 "development",
		LogLevel:            "debug",
		ServiceAPIKeys:      testServiceKey,
	}
}

func exerciseTokens(t *testing.T, app *App) {
	t.Helper()
	ctx := context.Background()

	body, err := json.Marshal(core.TokenPayload{UserID: "u1", Role: "ops_manager", Permissions: []string{"drivers:read"}, SessionID: "s1"})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	app.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/tokens", bytes.NewReader(body)))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/auth/tokens", bytes.NewReader(body))
	req.Header.Set("X-Service-Key", testServiceKey)
	rec = httptest.NewRecorder()
	app.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var pair map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))

	claims, err := app.Auth().VerifyToken(ctx, pair["accessToken"].(string))
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)

	next, err := app.Auth().RefreshToken(ctx, pair["refreshToken"].(string))
	require.NoError(t, err)
	require.NoError(t, app.Auth().Logout(ctx, "s1", next.AccessTokenID))
	_, err = app.Auth().VerifyToken(ctx, next.AccessToken)
	assert.ErrorIs(t, err, core.ErrUnauthenticated)

	require.NoError(t, app.Auth().SetPassword(ctx, "u2", "pw"))
	res, err := app.Auth().Login(ctx, service.LoginRequest{UserID: "u2", Role: "driver", Password: "pw"})
	require.NoError(t, err)
	require.NotNil(t, res.Tokens)
	_, err = app.Auth().Login(ctx, service.LoginRequest{UserID: "u2", Role: "driver", Password: "wrong"})
	assert.ErrorIs(t, err, core.ErrUnauthenticated)
}

func TestNewInMemory(t *testing.T) {
	app, err := New(context.Background(), testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, app.Close()) })

	exerciseTokens(t, app)

	families, err := app.Registry().Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "warden_tokens_issued_total")
}

func TestNewWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisURL = "redis://" + mr.Addr() + "/0"

	app, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, app.Close()) })

	exerciseTokens(t, app)
	assert.NotEmpty(t, mr.Keys())
}

func TestNewRejectsUnreachableRedis(t *testing.T) {
	cfg := testConfig()
	cfg.RedisURL = "redis://127.0.0.1:1/0"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := New(ctx, cfg, nil)
	assert.Error(t, err)
}

func TestRunJanitorsStopsOnCancel(t *testing.T) {
	app, err := New(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.RunJanitors(ctx, 10*time.Millisecond) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("janitors did not stop")
	}
}

func TestLoadSigningKey(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	sec1 := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	pkcs8der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pkcs8 := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8der})

	path := filepath.Join(t.TempDir(), "jwt.pem")
	require.NoError(t, os.WriteFile(path, sec1, 0o600))

	for name, value := range map[string]string{"sec1": string(sec1), "pkcs8": string(pkcs8), "path": path} {
		t.Run(name, func(t *testing.T) {
			loaded, err := loadSigningKey(value)
			require.NoError(t, err)
			assert.True(t, key.Equal(loaded))
		})
	}

	generated, err := loadSigningKey("")
	require.NoError(t, err)
	assert.Equal(t, elliptic.P256(), generated.Curve)

	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	der, err = x509.MarshalECPrivateKey(p384)
	require.NoError(t, err)
	_, err = loadSigningKey(string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})))
	assert.Error(t, err)

	_, err = loadSigningKey(filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)
}

func TestLoadSealKey(t *testing.T) {
	raw := bytes.Repeat([]byte{1}, 32)
	key, err := loadSealKey(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, key)

	generated, err := loadSealKey("")
	require.NoError(t, err)
	assert.Len(t, generated, 32)

	_, err = loadSealKey(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
	_, err = loadSealKey("%%%")
	assert.Error(t, err)
}
