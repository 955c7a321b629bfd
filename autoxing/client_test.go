package autoxing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:   baseURL,
		AppID:     "app-1",
		AppSecret: "secret-1",
		AppCode:   "code-1",
		TokenTTL:  DefaultTokenTTL,
	}
}

func writeWrapper(t *testing.T, w http.ResponseWriter, status int, data any) {
	t.Helper()
	err := json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"data":   data,
	})
	require.NoError(t, err)
}

func TestClientToken(t *testing.T) {
	t.Run("fetches token with APPCODE header and MD5 sign", func(t *testing.T) {
		fixedNow := time.UnixMilli(1700000000000)

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/auth/v1.1/token", r.URL.Path)
			assert.Equal(t, "APPCODE code-1", r.Header.Get("Authorization"))

			var body struct {
				AppID     string `json:"appId"`
				Timestamp int64  `json:"timestamp"`
				Sign      string `json:"sign"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "app-1", body.AppID)
			assert.Equal(t, fixedNow.UnixMilli(), body.Timestamp)
			// md5("app-1" + "1700000000000" + "secret-1")
			assert.Equal(t, md5Hex("app-11700000000000secret-1"), body.Sign)

			writeWrapper(t, w, 200, map[string]any{"token": "tok-abc"})
		}))
		defer server.Close()

		client := NewClient(testConfig(server.URL), WithClock(func() time.Time { return fixedNow }))
		token, err := client.getToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "tok-abc", token)
	})

	t.Run("caches token within TTL", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeWrapper(t, w, 200, map[string]any{"token": "tok-abc"})
		}))
		defer server.Close()

		client := NewClient(testConfig(server.URL))
		for i := 0; i < 3; i++ {
			_, err := client.getToken(context.Background())
			require.NoError(t, err)
		}
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("refetches after TTL expiry", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeWrapper(t, w, 200, map[string]any{"token": "tok-abc"})
		}))
		defer server.Close()

		now := time.Now()
		client := NewClient(testConfig(server.URL), WithClock(func() time.Time { return now }))

		_, err := client.getToken(context.Background())
		require.NoError(t, err)

		now = now.Add(DefaultTokenTTL + time.Second)
		_, err = client.getToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("auth rejection surfaces as APIError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := json.NewEncoder(w).Encode(map[string]any{"status": 403, "message": "bad appcode"})
			require.NoError(t, err)
		}))
		defer server.Close()

		client := NewClient(testConfig(server.URL))
		_, err := client.getToken(context.Background())
		require.Error(t, err)
		assert.True(t, IsAuthError(err))
	})
}

func TestClientRetryOnExpiredToken(t *testing.T) {
	t.Run("transport 401 refreshes token and retries exactly once", func(t *testing.T) {
		var stateCalls, tokenCalls atomic.Int32

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/auth/v1.1/token":
				n := tokenCalls.Add(1)
				writeWrapper(t, w, 200, map[string]any{"token": "tok-" + string(rune('0'+n))})
			case "/robot/v2.0/robot-1/state":
				if stateCalls.Add(1) == 1 {
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
				assert.Equal(t, "tok-2", r.Header.Get("X-Token"))
				writeWrapper(t, w, 200, map[string]any{"isOnline": true})
			default:
				t.Errorf("unexpected path %s", r.URL.Path)
			}
		}))
		defer server.Close()

		client := NewClient(testConfig(server.URL))
		state, err := client.RobotState(context.Background(), "robot-1")
		require.NoError(t, err)
		assert.Equal(t, true, state["isOnline"])
		assert.Equal(t, int32(2), stateCalls.Load())
		assert.Equal(t, int32(2), tokenCalls.Load())
	})

	t.Run("wrapper-level 401 also triggers one retry", func(t *testing.T) {
		var stateCalls atomic.Int32

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/auth/v1.1/token" {
				writeWrapper(t, w, 200, map[string]any{"token": "tok-abc"})
				return
			}
			if stateCalls.Add(1) == 1 {
				err := json.NewEncoder(w).Encode(map[string]any{"status": 401, "message": "token expired"})
				require.NoError(t, err)
				return
			}
			writeWrapper(t, w, 200, map[string]any{"battery": 80.0})
		}))
		defer server.Close()

		client := NewClient(testConfig(server.URL))
		state, err := client.RobotState(context.Background(), "robot-1")
		require.NoError(t, err)
		assert.Equal(t, 80.0, state["battery"])
		assert.Equal(t, int32(2), stateCalls.Load())
	})

	t.Run("persistent 401 fails after the single retry", func(t *testing.T) {
		var stateCalls atomic.Int32

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/auth/v1.1/token" {
				writeWrapper(t, w, 200, map[string]any{"token": "tok-abc"})
				return
			}
			stateCalls.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer server.Close()

		client := NewClient(testConfig(server.URL))
		_, err := client.RobotState(context.Background(), "robot-1")
		require.Error(t, err)
		assert.True(t, IsAuthError(err))
		assert.Equal(t, int32(2), stateCalls.Load())
	})
}

func TestClientPOIList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/v1.1/token" {
			writeWrapper(t, w, 200, map[string]any{"token": "tok-abc"})
			return
		}
		require.Equal(t, "/map/v1.1/poi/list", r.URL.Path)

		var body struct {
			RobotID  string `json:"robotId"`
			PageSize int    `json:"pageSize"`
			PageNum  int    `json:"pageNum"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "robot-1", body.RobotID)
		assert.Equal(t, 0, body.PageSize)
		assert.Equal(t, 1, body.PageNum)

		writeWrapper(t, w, 200, map[string]any{
			"list": []map[string]any{
				{"id": "poi-1", "name": "5 table", "areaId": "area-1", "coordinate": []float64{1.5, 2.5}},
				{"id": "poi-2", "name": "kitchen", "areaId": "area-1"},
			},
		})
	}))
	defer server.Close()

	client := NewClient(testConfig(server.URL))
	pois, err := client.POIList(context.Background(), "robot-1")
	require.NoError(t, err)
	require.Len(t, pois, 2)
	assert.Equal(t, "poi-1", pois[0]["id"])
	assert.Equal(t, "kitchen", pois[1]["name"])
}

func TestClientTasks(t *testing.T) {
	t.Run("create returns vendor task id", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/auth/v1.1/token" {
				writeWrapper(t, w, 200, map[string]any{"token": "tok-abc"})
				return
			}
			require.Equal(t, "/task/v3/create", r.URL.Path)

			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "robot-1", body["robotId"])

			writeWrapper(t, w, 200, map[string]any{"taskId": "vt-123"})
		}))
		defer server.Close()

		client := NewClient(testConfig(server.URL))
		taskID, err := client.TaskCreate(context.Background(), map[string]any{"robotId": "robot-1"})
		require.NoError(t, err)
		assert.Equal(t, "vt-123", taskID)
	})

	t.Run("create without taskId is an error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/auth/v1.1/token" {
				writeWrapper(t, w, 200, map[string]any{"token": "tok-abc"})
				return
			}
			writeWrapper(t, w, 200, map[string]any{})
		}))
		defer server.Close()

		client := NewClient(testConfig(server.URL))
		_, err := client.TaskCreate(context.Background(), map[string]any{"robotId": "robot-1"})
		assert.ErrorContains(t, err, "no taskId")
	})

	t.Run("state reports completion at actType 1001", func(t *testing.T) {
		actType := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/auth/v1.1/token" {
				writeWrapper(t, w, 200, map[string]any{"token": "tok-abc"})
				return
			}
			require.Equal(t, "/task/v2.0/vt-123/state", r.URL.Path)
			writeWrapper(t, w, 200, map[string]any{"actType": actType})
		}))
		defer server.Close()

		client := NewClient(testConfig(server.URL))

		actType = 1000
		state, err := client.TaskStateV2(context.Background(), "vt-123")
		require.NoError(t, err)
		assert.False(t, state.Complete())

		actType = ActTypeComplete
		state, err = client.TaskStateV2(context.Background(), "vt-123")
		require.NoError(t, err)
		assert.True(t, state.Complete())
	})

	t.Run("cancel falls back to v2 when v3 fails", func(t *testing.T) {
		var v3Calls, v2Calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/auth/v1.1/token":
				writeWrapper(t, w, 200, map[string]any{"token": "tok-abc"})
			case "/task/v3/cancel":
				v3Calls.Add(1)
				w.WriteHeader(http.StatusNotFound)
			case "/task/v2.0/vt-123/cancel":
				v2Calls.Add(1)
				writeWrapper(t, w, 200, map[string]any{})
			default:
				t.Errorf("unexpected path %s", r.URL.Path)
			}
		}))
		defer server.Close()

		client := NewClient(testConfig(server.URL))
		err := client.TaskCancel(context.Background(), "vt-123")
		require.NoError(t, err)
		assert.Equal(t, int32(1), v3Calls.Load())
		assert.Equal(t, int32(1), v2Calls.Load())
	})
}

func TestConfigValidate(t *testing.T) {
	t.Run("complete config passes", func(t *testing.T) {
		assert.NoError(t, testConfig("http://example.test").Validate())
	})

	t.Run("missing credentials fail", func(t *testing.T) {
		cfg := testConfig("http://example.test")
		cfg.AppSecret = ""
		assert.ErrorIs(t, cfg.Validate(), ErrMissingCredentials)
	})
}
