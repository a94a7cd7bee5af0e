package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaxShih147/Rushmore/auth"
	"github.com/MaxShih147/Rushmore/depth"
	"github.com/MaxShih147/Rushmore/mesh"
	"github.com/MaxShih147/Rushmore/relief"
	"github.com/MaxShih147/Rushmore/runlog"
	"github.com/MaxShih147/Rushmore/stream"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeService stands in for the depth prediction service.
type fakeService struct {
	status atomic.Int32
	body   atomic.Value // []byte
	calls  atomic.Int32
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	if code := int(f.status.Load()); code != 0 && code != http.StatusOK {
		http.Error(w, `{"error":"prediction failed"}`, code)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(f.body.Load().([]byte))
}

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type testEnv struct {
	handler http.Handler
	orch    *relief.Orchestrator
	runs    *runlog.Log
	service *fakeService
	auth    *auth.Service
}

func newTestEnv(t *testing.T, withAuth bool) *testEnv {
	t.Helper()
	service := &fakeService{}
	service.body.Store(pngBytes(t, 32, 32, color.White))
	predictSrv := httptest.NewServer(service)
	t.Cleanup(predictSrv.Close)

	runs, err := runlog.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { runs.Close() })

	hub := stream.NewHub(nil)
	t.Cleanup(hub.Shutdown)

	orch, err := relief.New(relief.Options{
		Predictor: depth.NewClient(depth.Options{Endpoint: predictSrv.URL, Timeout: 5 * time.Second}),
		Recorder:  runs,
		Publisher: hub,
	})
	require.NoError(t, err)
	t.Cleanup(orch.Close)

	var authSvc *auth.Service
	if withAuth {
		authSvc = auth.NewService("test-secret", "rushmore", time.Hour)
	}
	srv := New(Options{
		Orchestrator: orch,
		Runs:         runs,
		Hub:          hub,
		Auth:         authSvc,
		Version:      "test",
	})
	return &testEnv{handler: srv.Handler(), orch: orch, runs: runs, service: service, auth: authSvc}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func uploadRequest(t *testing.T, url string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "cliff.png")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, url, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func jsonRequest(method, url, body string) *http.Request {
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	decodeJSON(t, w, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, false, body["meshLive"])
	assert.Equal(t, "Idle", body["state"])
}

func TestIndex(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "Rushmore")
}

func TestUploadAndFetchMesh(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, uploadRequest(t, "/api/v1/upload", pngBytes(t, 8, 8, color.Black)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res relief.Result
	decodeJSON(t, w, &res)
	assert.Equal(t, mesh.Resolution*mesh.Resolution, res.Vertices)

	w = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/mesh", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var m struct {
		ID        string    `json:"id"`
		Name      string    `json:"name"`
		Positions []float32 `json:"positions"`
		Indices   []uint32  `json:"indices"`
	}
	decodeJSON(t, w, &m)
	assert.Equal(t, res.MeshID, m.ID)
	assert.Equal(t, mesh.DefaultName, m.Name)
	assert.Len(t, m.Positions, res.Vertices*3)
	assert.Len(t, m.Indices, res.Triangles*3)

	w = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/mesh.bin", nil))
	require.Equal(t, http.StatusOK, w.Code)
	data := w.Body.Bytes()
	assert.Equal(t, mesh.BinaryMagic, string(data[:4]))
	assert.Equal(t, uint32(res.Vertices), binary.LittleEndian.Uint32(data[16:]))
	assert.Equal(t, res.MeshID, w.Header().Get("X-Mesh-Id"))

	for _, path := range []string{"/api/v1/heightmap.png", "/api/v1/depth.png"} {
		w = env.do(t, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, w.Code, path)
		img, err := png.Decode(w.Body)
		require.NoError(t, err, path)
		assert.Equal(t, image.Rect(0, 0, 256, 256), img.Bounds(), path)
	}

	w = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+res.RunID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var run runlog.Run
	decodeJSON(t, w, &run)
	assert.Equal(t, runlog.StatusSucceeded, run.Status)
	assert.Len(t, run.Transitions, 7)
}

func TestUploadErrors(t *testing.T) {
	env := newTestEnv(t, false)

	// missing field
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", strings.NewReader(""))
	assert.Equal(t, http.StatusBadRequest, env.do(t, req).Code)

	// not an image, the prediction service is never called
	w := env.do(t, uploadRequest(t, "/api/v1/upload", []byte("plain text")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body errorResponse
	decodeJSON(t, w, &body)
	assert.Equal(t, "Encoding", body.State)
	assert.Zero(t, env.service.calls.Load())

	// prediction failure
	env.service.status.Store(http.StatusInternalServerError)
	w = env.do(t, uploadRequest(t, "/api/v1/upload", pngBytes(t, 4, 4, color.Black)))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	decodeJSON(t, w, &body)
	assert.Equal(t, "AwaitingPrediction", body.State)

	// undecodable depth map
	env.service.status.Store(http.StatusOK)
	env.service.body.Store([]byte("not an image"))
	w = env.do(t, uploadRequest(t, "/api/v1/upload", pngBytes(t, 4, 4, color.Black)))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	// nothing was committed
	assert.Equal(t, http.StatusNotFound, env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/mesh", nil)).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/heightmap.png", nil)).Code)
}

func TestFailedPredictionKeepsMesh(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, uploadRequest(t, "/api/v1/upload", pngBytes(t, 4, 4, color.Black)))
	require.Equal(t, http.StatusOK, w.Code)
	var first relief.Result
	decodeJSON(t, w, &first)

	env.service.status.Store(http.StatusBadRequest)
	w = env.do(t, uploadRequest(t, "/api/v1/upload", pngBytes(t, 4, 4, color.White)))
	require.Equal(t, http.StatusBadGateway, w.Code)

	w = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/mesh.bin", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, first.MeshID, w.Header().Get("X-Mesh-Id"))
}

func TestStalledMeshDownloadDoesNotBlockWrites(t *testing.T) {
	env := newTestEnv(t, false)
	require.Equal(t, http.StatusOK, env.do(t, uploadRequest(t, "/api/v1/upload", pngBytes(t, 4, 4, color.Black))).Code)

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	// a client that asks for the mesh and then stops reading
	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("GET /api/v1/mesh HTTP/1.1\r\nHost: rushmore\r\n\r\n"))
	require.NoError(t, err)
	_, err = conn.Read(make([]byte, 1))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := env.orch.SetDepthScale(context.Background(), 5)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("settings change blocked by a stalled mesh download")
	}

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAsyncUpload(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, uploadRequest(t, "/api/v1/upload?async=1", pngBytes(t, 4, 4, color.Black)))
	require.Equal(t, http.StatusAccepted, w.Code)

	var body struct {
		RunID string `json:"runId"`
	}
	decodeJSON(t, w, &body)
	require.NotEmpty(t, body.RunID)
	env.orch.Wait()

	w = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+body.RunID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var run runlog.Run
	decodeJSON(t, w, &run)
	assert.Equal(t, runlog.StatusSucceeded, run.Status)

	w = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var runs []runlog.Run
	decodeJSON(t, w, &runs)
	assert.Len(t, runs, 1)
}

func TestRegenerate(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, jsonRequest(http.MethodPost, "/api/v1/regenerate", "{}"))
	assert.Equal(t, http.StatusConflict, w.Code)

	require.Equal(t, http.StatusOK, env.do(t, uploadRequest(t, "/api/v1/upload", pngBytes(t, 4, 4, color.Black))).Code)
	w = env.do(t, jsonRequest(http.MethodPost, "/api/v1/regenerate", "{}"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(1), env.service.calls.Load())
}

func TestSettings(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/settings", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var settings relief.Settings
	decodeJSON(t, w, &settings)
	assert.Equal(t, relief.DefaultSettings(), settings)

	// one bad field rejects the whole patch
	w = env.do(t, jsonRequest(http.MethodPut, "/api/v1/settings", `{"depthScale": 4, "blurRadius": 42}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, relief.DefaultSettings(), env.orch.Settings())

	w = env.do(t, jsonRequest(http.MethodPut, "/api/v1/settings", `{"depthScale": "deep"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.Equal(t, http.StatusOK, env.do(t, uploadRequest(t, "/api/v1/upload", pngBytes(t, 4, 4, color.Black))).Code)

	w = env.do(t, jsonRequest(http.MethodPut, "/api/v1/settings", `{"depthScale": 7.5, "blurRadius": 2}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Settings relief.Settings `json:"settings"`
		Runs     []relief.Result `json:"runs"`
	}
	decodeJSON(t, w, &body)
	assert.Equal(t, relief.Settings{DepthScale: 7.5, BlurRadius: 2}, body.Settings)
	assert.Len(t, body.Runs, 2)

	_, err := env.orch.WithMesh(func(m *mesh.Mesh) error {
		assert.Equal(t, 7.5, m.DepthScale)
		assert.Equal(t, float32(7.5), m.BBox.Max.Z)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), env.service.calls.Load())
}

func TestAuthGuardsMutatingRoutes(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.do(t, jsonRequest(http.MethodPut, "/api/v1/settings", `{"depthScale": 2}`))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = env.do(t, uploadRequest(t, "/api/v1/upload", pngBytes(t, 4, 4, color.Black)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// reads stay public
	assert.Equal(t, http.StatusOK, env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/settings", nil)).Code)

	token, err := env.auth.Issue("tester")
	require.NoError(t, err)
	req := jsonRequest(http.MethodPut, "/api/v1/settings", `{"depthScale": 2}`)
	req.Header.Set("Authorization", "Bearer "+token)
	w = env.do(t, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.0, env.orch.Settings().DepthScale)
}

func TestUnknownRun(t *testing.T) {
	env := newTestEnv(t, false)
	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/runs/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	env := newTestEnv(t, false)
	srv := New(Options{Orchestrator: env.orch, Runs: env.runs})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{&relief.StepError{State: relief.Encoding, Err: relief.ErrNotImage}, http.StatusBadRequest},
		{relief.ErrInvalidSetting, http.StatusBadRequest},
		{&relief.StepError{State: relief.GeneratingMesh, Err: relief.ErrNoHeightField}, http.StatusConflict},
		{&depth.StatusError{Code: 500}, http.StatusBadGateway},
		{depth.ErrTransport, http.StatusBadGateway},
		{depth.ErrDecode, http.StatusUnprocessableEntity},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, statusFor(tt.err), tt.err.Error())
	}
}
