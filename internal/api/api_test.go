package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"cvcounter/internal/config"
	"cvcounter/internal/counter"
	"cvcounter/internal/events"
	"cvcounter/internal/store"
	"cvcounter/internal/ws"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfigJSON = `{
	"general": {"reports_per_page": 5},
	"detection_default": {"confidence": 0.5},
	"detections": {
		"line1": {"label": "Line 1", "video_path": "line1.mp4", "counting_area": [[0,0],[100,0],[100,100],[0,100]]},
		"line2": {"label": "Line 2", "video_path": "line2.mp4", "counting_area": [[0,0],[100,0],[100,100],[0,100]]}
	}
}`

type testServer struct {
	*httptest.Server
	store    *store.Store
	registry *counter.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(testConfigJSON), 0o644))
	settings, err := config.Load(path)
	require.NoError(t, err)

	st, err := store.Open(":memory:", "")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	registry := counter.NewRegistry()
	t.Cleanup(registry.Shutdown)

	s := New(settings, st, registry, bus, ws.NewHub())
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, store: st, registry: registry}
}

func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func ajaxPost(t *testing.T, srv *testServer, path string, form url.Values) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", srv.URL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	resp, err := noRedirectClient().Do(req)
	require.NoError(t, err)
	return resp
}

func ajaxGet(t *testing.T, srv *testServer, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("GET", srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	resp, err := noRedirectClient().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestUnknownLocationRejected(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{
		"/counter/nowhere",
		"/reset_count/nowhere",
		"/start_count/nowhere",
		"/reports/nowhere",
	} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
		assert.Contains(t, string(body), "Unknown location", path)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeJSON(t, resp)["status"])
}

func TestDashboardListsLocations(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Line 1")
	assert.Contains(t, string(body), "Line 2")
	assert.Contains(t, string(body), "stopped")
}

func TestCounterPageCreatesEngine(t *testing.T) {
	srv := newTestServer(t)
	require.False(t, srv.registry.Has("line1"))

	resp, err := http.Get(srv.URL + "/counter/line1")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "/counter_get_frames/line1")
	assert.True(t, srv.registry.Has("line1"))

	// No model weights configured: the engine parks in Error, not absent.
	assert.Equal(t, counter.StatusError, srv.registry.Get("line1").Status())
}

func TestCounterDualPage(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/counter_dual/line1/line2")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "/counter_get_frames/line1")
	assert.Contains(t, string(body), "/counter_get_frames/line2")
	assert.True(t, srv.registry.Has("line1"))
	assert.True(t, srv.registry.Has("line2"))
}

func TestSaveCountAJAX(t *testing.T) {
	srv := newTestServer(t)

	resp := ajaxPost(t, srv, "/save_count/line1", url.Values{
		"correct_count": {"3"},
		"defect_count":  {"1"},
		"batch":         {"B-42"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeJSON(t, resp)

	assert.EqualValues(t, 0, out["total_count"])
	assert.EqualValues(t, 1, out["defect_count"])
	assert.EqualValues(t, 3, out["correct_count"])

	sess, err := srv.store.GetCurrentCount("line1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, 2, sess.TotalCount) // 0 - 1 + 3
	assert.Equal(t, 1, sess.DefectsCount)
	assert.Equal(t, 3, sess.CorrectCount)
	assert.Equal(t, "B-42", sess.CustomFields["batch"])
}

func TestSaveCountRedirectsBrowsers(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest("POST", srv.URL+"/save_count/line1",
		strings.NewReader("correct_count=0&defect_count=0"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := noRedirectClient().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))
}

func TestResetCountEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp := ajaxPost(t, srv, "/save_count/line1", url.Values{"correct_count": {"1"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ajaxPost(t, srv, "/reset_count_current/line1", url.Values{"correct_count": {"1"}, "defect_count": {"0"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, decodeJSON(t, resp)["current_count"])

	sess, err := srv.store.GetCurrentCount("line1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Len(t, sess.Parts, 1)

	resp = ajaxGet(t, srv, "/reset_count/line1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeJSON(t, resp)
	assert.EqualValues(t, 0, out["total_count"])
	assert.EqualValues(t, 0, out["defect_count"])
	assert.EqualValues(t, 0, out["correct_count"])

	sess, err = srv.store.GetCurrentCount("line1")
	require.NoError(t, err)
	assert.Nil(t, sess, "session closed by reset_count")
}

func TestStartPauseStop(t *testing.T) {
	srv := newTestServer(t)

	resp := ajaxGet(t, srv, "/start_count/line1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	require.True(t, srv.registry.Has("line1"))

	resp = ajaxGet(t, srv, "/pause_count/line1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "paused", decodeJSON(t, resp)["status"])

	resp = ajaxGet(t, srv, "/stop_count/line1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stopped", decodeJSON(t, resp)["status"])
	assert.False(t, srv.registry.Has("line1"), "stop removes the registry entry")
}

func TestReportsPages(t *testing.T) {
	srv := newTestServer(t)

	// Seed two sessions.
	require.NoError(t, srv.store.SaveResult("line1", 4, 4, 0, 0, nil, false))
	require.NoError(t, srv.store.SaveResult("line1", 7, 7, 1, 1, map[string]string{"shift": "night"}, true))

	resp, err := http.Get(srv.URL + "/reports")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "/reports/line1")

	resp, err = http.Get(srv.URL + "/reports/line1")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "page 1 of 1")

	sess, err := srv.store.GetCurrentCount("line1")
	require.NoError(t, err)
	require.NotNil(t, sess)

	resp, err = http.Get(srv.URL + "/reports/line1/" + strconv.FormatInt(sess.ID, 10))
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "shift: night")
}

func TestReportDetailNotFound(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/reports/line1/9999")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/reports/line1/not-a-number")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}
