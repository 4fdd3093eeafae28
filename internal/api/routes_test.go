package api

import (
	"bytes"
	"encoding/json"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sarview/sarview/internal/cache"
	"github.com/sarview/sarview/internal/data"
	"github.com/sarview/sarview/internal/render"
	"github.com/sarview/sarview/internal/store"
	"github.com/sarview/sarview/pkg/remap"
)

// testServer holds the test server and its dependencies
type testServer struct {
	server   *httptest.Server
	store    *store.Store
	cache    *cache.Manager
	registry *ImageRegistry
}

// setupTestServer wires a router over two synthetic scenes: "scene" is
// 128x96 with 32px tiles (levels 0..2), "beta" is a second catalog entry.
func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	cacheManager, err := cache.NewManager(cache.Config{
		Budget:    8 << 20,
		RawSizeMB: 8,
		RawTTL:    time.Minute,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}

	st, err := store.NewStore(store.Config{
		TileSize:   32,
		Factor:     2,
		Workers:    2,
		QueueDepth: 64,
		Cache:      cacheManager,
	})
	if err != nil {
		t.Fatalf("Failed to initialize store: %v", err)
	}
	st.Start()

	registry, err := NewImageRegistry(st, remap.Config{Name: "density"}, nil)
	if err != nil {
		t.Fatalf("Failed to initialize registry: %v", err)
	}
	if _, err := registry.AddImage("scene", data.NewSyntheticScene(128, 96, 3)); err != nil {
		t.Fatalf("Failed to add scene: %v", err)
	}
	if _, err := registry.AddImage("beta", data.NewSyntheticScene(64, 64, 9)); err != nil {
		t.Fatalf("Failed to add beta: %v", err)
	}

	router := NewRouter(RouterConfig{
		Registry:    registry,
		Store:       st,
		Cache:       cacheManager,
		Composer:    render.NewComposer(render.Config{}),
		CORSOrigins: []string{"http://localhost:3000"},
		ViewWidth:   64,
		ViewHeight:  48,
	})

	server := httptest.NewServer(router)

	return &testServer{
		server:   server,
		store:    st,
		cache:    cacheManager,
		registry: registry,
	}
}

// close cleans up test server resources
func (ts *testServer) close() {
	ts.server.Close()
	ts.registry.Close()
	ts.store.Stop()
	ts.cache.Close()
}

// --- Helper Functions ---

// assertStatusCode verifies the HTTP status code
func assertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// assertContentType verifies the Content-Type header
func assertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected Content-Type %q, got %q", expected, contentType)
	}
}

// assertPNG verifies the response body is a valid PNG image
func assertPNG(t *testing.T, body []byte) {
	t.Helper()
	// PNG magic bytes: 0x89 0x50 0x4E 0x47 0x0D 0x0A 0x1A 0x0A
	pngMagic := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	if len(body) < 8 {
		t.Errorf("Response too short to be a valid PNG (got %d bytes)", len(body))
		return
	}
	for i, b := range pngMagic {
		if body[i] != b {
			t.Errorf("Invalid PNG magic bytes at position %d: expected 0x%02X, got 0x%02X", i, b, body[i])
			return
		}
	}
}

// assertJSONFields verifies the response contains expected JSON fields
func assertJSONFields(t *testing.T, body []byte, expectedFields []string) {
	t.Helper()
	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Errorf("Failed to parse JSON response: %v", err)
		return
	}
	for _, field := range expectedFields {
		if _, ok := result[field]; !ok {
			t.Errorf("Expected JSON field %q not found in response", field)
		}
	}
}

// --- Test Cases ---

// TestHealthEndpoint tests the health check endpoint
func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp, err := http.Get(ts.server.URL + "/health")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	assertStatusCode(t, resp, http.StatusOK)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}

	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %q", string(body))
	}
}

// TestTileEndpoint tests the tile rendering endpoint
func TestTileEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	tests := []struct {
		name           string
		path           string
		expectedStatus int
		expectPNG      bool
	}{
		{
			name:           "valid tile level 0",
			path:           "/i/scene/tiles/0/0/0.png",
			expectedStatus: http.StatusOK,
			expectPNG:      true,
		},
		{
			name:           "valid tile coarsest level",
			path:           "/i/scene/tiles/2/0/0.png",
			expectedStatus: http.StatusOK,
			expectPNG:      true,
		},
		{
			name:           "tile without extension",
			path:           "/i/scene/tiles/1/1/1",
			expectedStatus: http.StatusOK,
			expectPNG:      true,
		},
		{
			name:           "tile with remap override",
			path:           "/i/scene/tiles/0/0/0.png?remap=nrl",
			expectedStatus: http.StatusOK,
			expectPNG:      true,
		},
		{
			name:           "tile with colormap",
			path:           "/i/scene/tiles/0/0/0.png?colormap=viridis",
			expectedStatus: http.StatusOK,
			expectPNG:      true,
		},
		{
			name:           "invalid level parameter",
			path:           "/i/scene/tiles/abc/0/0.png",
			expectedStatus: http.StatusBadRequest,
			expectPNG:      false,
		},
		{
			name:           "invalid col parameter",
			path:           "/i/scene/tiles/0/abc/0.png",
			expectedStatus: http.StatusBadRequest,
			expectPNG:      false,
		},
		{
			name:           "invalid row parameter",
			path:           "/i/scene/tiles/0/0/abc.png",
			expectedStatus: http.StatusBadRequest,
			expectPNG:      false,
		},
		{
			name:           "level out of range",
			path:           "/i/scene/tiles/9/0/0.png",
			expectedStatus: http.StatusNotFound,
			expectPNG:      false,
		},
		{
			name:           "col out of range",
			path:           "/i/scene/tiles/0/9/0.png",
			expectedStatus: http.StatusNotFound,
			expectPNG:      false,
		},
		{
			name:           "negative row",
			path:           "/i/scene/tiles/0/0/-1.png",
			expectedStatus: http.StatusNotFound,
			expectPNG:      false,
		},
		{
			name:           "unknown remap",
			path:           "/i/scene/tiles/0/0/0.png?remap=bogus",
			expectedStatus: http.StatusBadRequest,
			expectPNG:      false,
		},
		{
			name:           "unknown colormap",
			path:           "/i/scene/tiles/0/0/0.png?colormap=bogus",
			expectedStatus: http.StatusBadRequest,
			expectPNG:      false,
		},
		{
			name:           "unknown image",
			path:           "/i/nope/tiles/0/0/0.png",
			expectedStatus: http.StatusNotFound,
			expectPNG:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(ts.server.URL + tt.path)
			if err != nil {
				t.Fatalf("Failed to make request: %v", err)
			}
			defer resp.Body.Close()

			assertStatusCode(t, resp, tt.expectedStatus)

			if tt.expectPNG {
				assertContentType(t, resp, "image/png")
				body, err := io.ReadAll(resp.Body)
				if err != nil {
					t.Fatalf("Failed to read response body: %v", err)
				}
				assertPNG(t, body)
			}
		})
	}
}

// TestViewEndpoint tests the composed view endpoint
func TestViewEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	tests := []struct {
		name           string
		path           string
		expectedStatus int
		expectPNG      bool
	}{
		{
			name:           "default view",
			path:           "/i/scene/view.png",
			expectedStatus: http.StatusOK,
			expectPNG:      true,
		},
		{
			name:           "aimed view",
			path:           "/i/scene/view.png?cx=32&cy=32&scale=1",
			expectedStatus: http.StatusOK,
			expectPNG:      true,
		},
		{
			name:           "custom canvas",
			path:           "/i/scene/view.png?w=32&h=32",
			expectedStatus: http.StatusOK,
			expectPNG:      true,
		},
		{
			name:           "view with remap and colormap",
			path:           "/i/scene/view.png?remap=log&colormap=inferno",
			expectedStatus: http.StatusOK,
			expectPNG:      true,
		},
		{
			name:           "invalid scale",
			path:           "/i/scene/view.png?scale=-2",
			expectedStatus: http.StatusBadRequest,
			expectPNG:      false,
		},
		{
			name:           "invalid cx",
			path:           "/i/scene/view.png?cx=abc",
			expectedStatus: http.StatusBadRequest,
			expectPNG:      false,
		},
		{
			name:           "invalid width",
			path:           "/i/scene/view.png?w=abc",
			expectedStatus: http.StatusBadRequest,
			expectPNG:      false,
		},
		{
			name:           "oversized canvas",
			path:           "/i/scene/view.png?w=100000",
			expectedStatus: http.StatusBadRequest,
			expectPNG:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(ts.server.URL + tt.path)
			if err != nil {
				t.Fatalf("Failed to make request: %v", err)
			}
			defer resp.Body.Close()

			assertStatusCode(t, resp, tt.expectedStatus)

			if tt.expectPNG {
				assertContentType(t, resp, "image/png")
				body, err := io.ReadAll(resp.Body)
				if err != nil {
					t.Fatalf("Failed to read response body: %v", err)
				}
				assertPNG(t, body)
			}
		})
	}
}

// TestViewEndpoint_CanvasSize decodes the default view and checks it
// fills the configured canvas. The 128x96 scene fits a 64x48 canvas at
// scale 2 exactly, so no aspect cropping happens.
func TestViewEndpoint_CanvasSize(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp, err := http.Get(ts.server.URL + "/i/scene/view.png")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	assertStatusCode(t, resp, http.StatusOK)
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to decode PNG: %v", err)
	}
	if got := img.Bounds(); got.Dx() != 64 || got.Dy() != 48 {
		t.Errorf("Expected a 64x48 view, got %dx%d", got.Dx(), got.Dy())
	}
}

// TestViewEndpoint_CatalogImageSurvivesRequests checks the standing
// attachment: per-request viewports come and go without closing the
// catalog image.
func TestViewEndpoint_CatalogImageSurvivesRequests(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	for i := 0; i < 2; i++ {
		resp, err := http.Get(ts.server.URL + "/i/scene/view.png")
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		resp.Body.Close()
		assertStatusCode(t, resp, http.StatusOK)
	}

	resp, err := http.Get(ts.server.URL + "/i/scene/tiles/0/0/0.png")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()
	assertStatusCode(t, resp, http.StatusOK)

	h, _ := ts.registry.Get("scene")
	if h.Viewers() != 1 {
		t.Errorf("Expected only the standing attachment to remain, got %d viewers", h.Viewers())
	}
}

// TestMetadataEndpoint tests the metadata API endpoint
func TestMetadataEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp, err := http.Get(ts.server.URL + "/i/scene/api/metadata")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	assertStatusCode(t, resp, http.StatusOK)
	assertContentType(t, resp, "application/json")

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}

	assertJSONFields(t, body, []string{"id", "width", "height", "kind", "tile_size", "factor", "levels", "default_remap", "remaps", "colormaps"})

	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if result["width"].(float64) != 128 || result["height"].(float64) != 96 {
		t.Errorf("Expected 128x96, got %vx%v", result["width"], result["height"])
	}
	if result["levels"].(float64) != 3 {
		t.Errorf("Expected 3 levels, got %v", result["levels"])
	}
}

// TestImagesEndpoint tests the catalog list API endpoint
func TestImagesEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp, err := http.Get(ts.server.URL + "/api/images")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	assertStatusCode(t, resp, http.StatusOK)
	assertContentType(t, resp, "application/json")

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}

	assertJSONFields(t, body, []string{"default", "images"})

	var result struct {
		Default string      `json:"default"`
		Images  []ImageInfo `json:"images"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if result.Default != "scene" {
		t.Errorf("Expected default image 'scene', got %q", result.Default)
	}
	if len(result.Images) != 2 || result.Images[0].ID != "scene" || result.Images[1].ID != "beta" {
		t.Errorf("Expected catalog [scene beta], got %+v", result.Images)
	}
}

// TestStatsEndpoint tests the stats API endpoint
func TestStatsEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp, err := http.Get(ts.server.URL + "/api/stats")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	assertStatusCode(t, resp, http.StatusOK)
	assertContentType(t, resp, "application/json")

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}

	assertJSONFields(t, body, []string{"store", "cache"})
}

// TestMetricsEndpoint tests the prometheus scrape
func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	// Prime the request counter with a routed request.
	if resp, err := http.Get(ts.server.URL + "/health"); err == nil {
		resp.Body.Close()
	}

	resp, err := http.Get(ts.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	assertStatusCode(t, resp, http.StatusOK)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}

	for _, metric := range []string{"sarview_open_images", "sarview_cache_tiles", "sarview_http_requests_total"} {
		if !strings.Contains(string(body), metric) {
			t.Errorf("Expected metric %q in scrape output", metric)
		}
	}
}

// TestCacheHeaders tests that tile endpoints return proper cache headers
func TestCacheHeaders(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp, err := http.Get(ts.server.URL + "/i/scene/tiles/0/0/0.png")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	cacheControl := resp.Header.Get("Cache-Control")
	if cacheControl != "public, max-age=3600" {
		t.Errorf("Expected Cache-Control 'public, max-age=3600', got %q", cacheControl)
	}
}

// TestCORSHeaders tests that CORS headers are set correctly
func TestCORSHeaders(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	req, err := http.NewRequest("GET", ts.server.URL+"/health", nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Origin", "http://localhost:3000")

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	accessControlOrigin := resp.Header.Get("Access-Control-Allow-Origin")
	if accessControlOrigin == "" {
		t.Error("Expected Access-Control-Allow-Origin header to be set for allowed origin")
	}
}

// TestAllEndpointsReachable runs a quick check that every endpoint answers
func TestAllEndpointsReachable(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	endpoints := []struct {
		path           string
		expectedStatus int
	}{
		{"/health", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/api/images", http.StatusOK},
		{"/api/stats", http.StatusOK},
		{"/i/scene/api/metadata", http.StatusOK},
		{"/i/scene/tiles/0/0/0.png", http.StatusOK},
		{"/i/scene/view.png", http.StatusOK},
		{"/i/beta/api/metadata", http.StatusOK},
		{"/i/beta/tiles/0/0/0.png", http.StatusOK},
		{"/i/nope/api/metadata", http.StatusNotFound},
	}

	for _, ep := range endpoints {
		resp, err := http.Get(ts.server.URL + ep.path)
		if err != nil {
			t.Errorf("%s: request failed: %v", ep.path, err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode != ep.expectedStatus {
			t.Errorf("%s: expected status %d, got %d", ep.path, ep.expectedStatus, resp.StatusCode)
		}
	}
}
