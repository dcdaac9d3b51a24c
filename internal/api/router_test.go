package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"devicehub-backend/config"
	"devicehub-backend/internal/auth"
	"devicehub-backend/internal/connectivity"
	"devicehub-backend/internal/db"
	"devicehub-backend/internal/engine"
	"devicehub-backend/internal/mw"
	"devicehub-backend/internal/store"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e envelope) reason(t *testing.T) string {
	t.Helper()
	var d struct {
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(e.Data, &d))
	return d.Reason
}

type testServer struct {
	router *gin.Engine
	db     *gorm.DB
	tokens map[string]string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.Migrate(gormDB))

	s := store.NewGormStore(gormDB)
	prober := connectivity.ProberFunc(func(ctx context.Context, address string) error {
		if address == "10.0.0.2" {
			return errors.New("unreachable")
		}
		return nil
	})
	conn := connectivity.NewManager(config.ConnectivityConfig{
		TTL:           15 * time.Second,
		AccessTimeout: 20 * time.Second,
		Concurrency:   2,
	}, s, prober)

	verifier, err := auth.NewVerifier(config.AuthConfig{
		JWTSecret:    "test-secret",
		Issuer:       "devicehub",
		AdminRoles:   []string{"admin"},
		PreemptRoles: []string{"lab_lead"},
	})
	require.NoError(t, err)

	tokens := map[string]string{}
	for user, roles := range map[string][]string{
		"alice": {"user"},
		"bob":   {"user"},
		"lead":  {"lab_lead"},
		"root":  {"admin"},
	} {
		tok, err := verifier.Sign(user, roles, time.Hour)
		require.NoError(t, err)
		tokens[user] = tok
	}

	handler := NewHandler(s, engine.New(s, nil), conn, &webpush.Options{VAPIDPublicKey: "test-public-key"})
	router := NewRouter(handler, verifier, config.ServerConfig{RateLimitPerSec: 1000, RateLimitBurst: 1000}, mw.NewResponseCache(0))
	return &testServer{router: router, db: gormDB, tokens: tokens}
}

func (ts *testServer) do(t *testing.T, user, method, path string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+ts.tokens[user])
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func (ts *testServer) createDevice(t *testing.T, name, ip string) int64 {
	t.Helper()
	status, env := ts.do(t, "root", http.MethodPost, "/api/devices", gin.H{
		"name": name, "ip": ip, "admin_username": "root", "admin_password": "hunter2",
	})
	require.Equal(t, http.StatusOK, status, env.Message)
	var d struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &d))
	return d.ID
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	status, env := ts.do(t, "", http.MethodGet, "/api/devices", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, http.StatusUnauthorized, env.Code)

	status, env = ts.do(t, "", http.MethodGet, "/api/push/vapid-public-key", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"public_key":"test-public-key"}`, string(env.Data))
}

func TestReservationFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createDevice(t, "bench-1", "10.0.0.1")

	status, env := ts.do(t, "alice", http.MethodPost, "/api/devices/use", gin.H{"device_id": id, "purpose": "smoke"})
	require.Equal(t, http.StatusOK, status, env.Message)

	status, env = ts.do(t, "bob", http.MethodPost, "/api/devices/use", gin.H{"device_id": id})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_occupied", env.reason(t))

	status, env = ts.do(t, "bob", http.MethodPost, "/api/devices/unified-queue", gin.H{"device_id": id})
	require.Equal(t, http.StatusOK, status, env.Message)
	var queued struct {
		Status   string `json:"status"`
		Position int    `json:"position"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &queued))
	assert.Equal(t, "queued", queued.Status)
	assert.Equal(t, 1, queued.Position)

	status, env = ts.do(t, "bob", http.MethodPost, "/api/devices/release", gin.H{"device_id": id})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "not_holder", env.reason(t))

	status, env = ts.do(t, "alice", http.MethodPost, "/api/devices/release", gin.H{"device_id": id})
	require.Equal(t, http.StatusOK, status, env.Message)
	assert.JSONEq(t, `{"device_id":1,"next_holder":"bob"}`, string(env.Data))

	status, env = ts.do(t, "alice", http.MethodGet, "/api/devices/1/usage", nil)
	require.Equal(t, http.StatusOK, status, env.Message)
	var usage struct {
		Device struct {
			AdminPassword string `json:"admin_password"`
		} `json:"device"`
		Holder string `json:"current_user"`
		Queue  []any  `json:"queue"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &usage))
	assert.Equal(t, "bob", usage.Holder)
	assert.Empty(t, usage.Queue)
	assert.Empty(t, usage.Device.AdminPassword, "credentials are hidden from non-admins")

	status, env = ts.do(t, "alice", http.MethodGet, "/api/devices/1/history", nil)
	require.Equal(t, http.StatusOK, status)
	var history struct {
		Total int64 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &history))
	assert.Equal(t, int64(1), history.Total)
}

func TestUnifiedQueueOnFreeDeviceGrants(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createDevice(t, "bench-1", "10.0.0.1")

	status, env := ts.do(t, "alice", http.MethodPost, "/api/devices/unified-queue", gin.H{"device_id": id})
	require.Equal(t, http.StatusOK, status, env.Message)
	var granted struct {
		Status      string `json:"status"`
		Granted     bool   `json:"granted"`
		Reservation struct {
			User string `json:"current_user"`
		} `json:"reservation"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &granted))
	assert.Equal(t, "occupied", granted.Status)
	assert.True(t, granted.Granted)
	assert.Equal(t, "alice", granted.Reservation.User)

	status, env = ts.do(t, "bob", http.MethodPost, "/api/devices/priority-queue", gin.H{"device_id": id})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", env.reason(t))
}

func TestLongTermUseValidation(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createDevice(t, "bench-1", "10.0.0.1")

	status, env := ts.do(t, "alice", http.MethodPost, "/api/devices/long-term-use", gin.H{
		"device_id": id, "end_date": time.Now().Add(-time.Hour).Format(time.RFC3339),
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_end_date", env.reason(t))

	status, _ = ts.do(t, "alice", http.MethodPost, "/api/devices/long-term-use", gin.H{
		"device_id": id, "end_date": time.Now().Add(48 * time.Hour).Format(time.RFC3339), "purpose": "soak",
	})
	assert.Equal(t, http.StatusOK, status)

	status, env = ts.do(t, "alice", http.MethodGet, "/api/devices?status=long_term_occupied", nil)
	require.Equal(t, http.StatusOK, status)
	var page struct {
		Total int64 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, int64(1), page.Total)
}

func TestPreemptOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createDevice(t, "bench-1", "10.0.0.1")

	status, _ := ts.do(t, "alice", http.MethodPost, "/api/devices/use", gin.H{"device_id": id})
	require.Equal(t, http.StatusOK, status)

	status, env := ts.do(t, "bob", http.MethodPost, "/api/devices/preempt", gin.H{"device_id": id})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", env.reason(t))

	status, env = ts.do(t, "lead", http.MethodPost, "/api/devices/preempt", gin.H{"device_id": id, "purpose": "hotfix"})
	require.Equal(t, http.StatusOK, status, env.Message)
	var res struct {
		Displaced   string `json:"displaced"`
		Reservation struct {
			User string `json:"current_user"`
		} `json:"reservation"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, "alice", res.Displaced)
	assert.Equal(t, "lead", res.Reservation.User)
}

func TestShareFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createDevice(t, "bench-1", "10.0.0.1")

	status, _ := ts.do(t, "alice", http.MethodPost, "/api/devices/use", gin.H{"device_id": id})
	require.Equal(t, http.StatusOK, status)

	status, env := ts.do(t, "bob", http.MethodPost, "/api/devices/share-requests", gin.H{"device_id": id, "message": "need logs"})
	require.Equal(t, http.StatusOK, status, env.Message)
	var req struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &req))
	assert.Equal(t, "pending", req.Status)

	status, env = ts.do(t, "alice", http.MethodGet, "/api/devices/share-requests/pending", nil)
	require.Equal(t, http.StatusOK, status)
	var pending []struct {
		Requester  string `json:"requester"`
		DeviceName string `json:"device_name"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, "bob", pending[0].Requester)
	assert.Equal(t, "bench-1", pending[0].DeviceName)

	path := "/api/devices/share-requests/" + jsonNumber(req.ID)
	status, _ = ts.do(t, "alice", http.MethodPost, path+"/decision", gin.H{"reason": "missing approve"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, env = ts.do(t, "alice", http.MethodPost, path+"/decision", gin.H{"approve": true})
	require.Equal(t, http.StatusOK, status, env.Message)

	status, env = ts.do(t, "bob", http.MethodGet, "/api/devices/my-usage-summary", nil)
	require.Equal(t, http.StatusOK, status)
	var summary struct {
		Occupied []any `json:"occupied_devices"`
		Shared   []struct {
			Holder string `json:"current_user"`
		} `json:"shared_devices"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.Empty(t, summary.Occupied)
	require.Len(t, summary.Shared, 1)
	assert.Equal(t, "alice", summary.Shared[0].Holder)

	status, env = ts.do(t, "alice", http.MethodPost, path+"/revoke", nil)
	require.Equal(t, http.StatusOK, status, env.Message)

	status, env = ts.do(t, "bob", http.MethodPost, path+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "not_pending", env.reason(t))
}

func jsonNumber(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func TestBatchEndpoints(t *testing.T) {
	ts := newTestServer(t)
	d1 := ts.createDevice(t, "bench-1", "10.0.0.1")
	d2 := ts.createDevice(t, "bench-2", "10.0.0.3")

	for _, id := range []int64{d1, d2} {
		status, _ := ts.do(t, "alice", http.MethodPost, "/api/devices/use", gin.H{"device_id": id})
		require.Equal(t, http.StatusOK, status)
	}

	status, env := ts.do(t, "bob", http.MethodPost, "/api/devices/batch-release-my-devices", gin.H{"device_ids": []int64{d1, d2}})
	require.Equal(t, http.StatusOK, status)
	var res batchResponse
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, 2, res.FailureCount)
	assert.Equal(t, "not_holder", res.Results[0].Reason)

	status, env = ts.do(t, "alice", http.MethodPost, "/api/devices/batch-release-my-devices", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, 2, res.SuccessCount)

	status, env = ts.do(t, "alice", http.MethodPost, "/api/devices/batch-cancel-my-queues", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, 0, res.Total)
	assert.NotNil(t, res.Results)

	status, _ = ts.do(t, "alice", http.MethodPost, "/api/devices/force-cleanup", nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = ts.do(t, "root", http.MethodPost, "/api/devices/force-cleanup", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestDeviceRegistry(t *testing.T) {
	ts := newTestServer(t)

	status, env := ts.do(t, "alice", http.MethodPost, "/api/devices", gin.H{"name": "bench-1", "ip": "10.0.0.1"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", env.reason(t))

	status, _ = ts.do(t, "root", http.MethodPost, "/api/devices", gin.H{"name": "bench-1"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = ts.do(t, "root", http.MethodPost, "/api/devices", gin.H{"name": "bench-1", "ip": "10.0.0.1", "device_type": "toaster"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, env = ts.do(t, "root", http.MethodPost, "/api/devices", gin.H{"name": "bench-1", "ip": "-f"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_request", env.reason(t))

	ts.createDevice(t, "bench-1", "10.0.0.1")
	status, env = ts.do(t, "root", http.MethodPost, "/api/devices", gin.H{"name": "bench-2", "ip": "10.0.0.1"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "duplicate_ip", env.reason(t))

	status, env = ts.do(t, "root", http.MethodPut, "/api/devices/1", gin.H{"name": "bench-one", "max_occupy_minutes": 30})
	require.Equal(t, http.StatusOK, status, env.Message)

	status, env = ts.do(t, "root", http.MethodGet, "/api/devices/1", nil)
	require.Equal(t, http.StatusOK, status)
	var device struct {
		Name          string `json:"name"`
		MaxOccupy     int    `json:"max_occupy_minutes"`
		AdminPassword string `json:"admin_password"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &device))
	assert.Equal(t, "bench-one", device.Name)
	assert.Equal(t, 30, device.MaxOccupy)
	assert.Equal(t, "hunter2", device.AdminPassword, "admins see credentials")

	status, _ = ts.do(t, "alice", http.MethodGet, "/api/devices?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = ts.do(t, "alice", http.MethodDelete, "/api/devices/1", nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = ts.do(t, "root", http.MethodDelete, "/api/devices/1", nil)
	assert.Equal(t, http.StatusOK, status)
	status, env = ts.do(t, "alice", http.MethodGet, "/api/devices/1", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = ts.do(t, "root", http.MethodPost, "/api/groups", gin.H{"name": "lab-a"})
	assert.Equal(t, http.StatusOK, status)
	status, env = ts.do(t, "alice", http.MethodGet, "/api/groups", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(env.Data), "lab-a")
}

func TestConnectivityEndpoints(t *testing.T) {
	ts := newTestServer(t)
	up := ts.createDevice(t, "bench-1", "10.0.0.1")
	down := ts.createDevice(t, "bench-2", "10.0.0.2")

	status, env := ts.do(t, "alice", http.MethodGet, "/api/devices/connectivity-status?device_ids=1,2,99", nil)
	require.Equal(t, http.StatusOK, status, env.Message)
	var records map[string]connectivity.Record
	require.NoError(t, json.Unmarshal(env.Data, &records))
	require.Len(t, records, 2)
	assert.True(t, records["1"].Status)
	assert.False(t, records["2"].Status)
	assert.Equal(t, "unreachable", records["2"].Error)

	status, _ = ts.do(t, "alice", http.MethodGet, "/api/devices/connectivity-status?device_ids=1,x", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = ts.do(t, "alice", http.MethodGet, "/api/devices/connectivity-status", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, env = ts.do(t, "alice", http.MethodGet, "/api/devices/1/connectivity?refresh=true", nil)
	require.Equal(t, http.StatusOK, status)
	var rec connectivity.Record
	require.NoError(t, json.Unmarshal(env.Data, &rec))
	assert.Equal(t, up, rec.DeviceID)

	status, _ = ts.do(t, "alice", http.MethodGet, "/api/devices/99/connectivity", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, env = ts.do(t, "alice", http.MethodGet, "/api/devices/connectivity-cache-info", nil)
	require.Equal(t, http.StatusOK, status)
	var info connectivity.CacheInfo
	require.NoError(t, json.Unmarshal(env.Data, &info))
	assert.Equal(t, 2, info.TotalEntries)
	assert.Equal(t, []int64{up, down, 99}, info.ActiveDevices)

	status, env = ts.do(t, "alice", http.MethodGet, "/api/devices", nil)
	require.Equal(t, http.StatusOK, status)
	var page struct {
		Items []struct {
			Status       string               `json:"status"`
			Connectivity *connectivity.Record `json:"connectivity"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page.Items, 2)
	assert.Equal(t, "available", page.Items[0].Status)
	require.NotNil(t, page.Items[1].Connectivity)
	assert.False(t, page.Items[1].Connectivity.Status)
}

func TestPushSubscriptions(t *testing.T) {
	ts := newTestServer(t)

	status, _ := ts.do(t, "alice", http.MethodPut, "/api/push/subscriptions", gin.H{"endpoint": "https://push.example/1"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, env := ts.do(t, "alice", http.MethodPut, "/api/push/subscriptions", gin.H{
		"endpoint": "https://push.example/1", "p256dh": "key", "auth": "secret",
	})
	require.Equal(t, http.StatusOK, status, env.Message)

	status, _ = ts.do(t, "alice", http.MethodGet, "/api/push/subscriptions?endpoint=https://push.example/1", nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = ts.do(t, "bob", http.MethodGet, "/api/push/subscriptions?endpoint=https://push.example/1", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = ts.do(t, "bob", http.MethodDelete, "/api/push/subscriptions", gin.H{"endpoint": "https://push.example/1"})
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = ts.do(t, "alice", http.MethodDelete, "/api/push/subscriptions", gin.H{"endpoint": "https://push.example/1"})
	assert.Equal(t, http.StatusOK, status)
}
