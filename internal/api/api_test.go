package api

import (
	"bytes"
	"confstore/internal/auth"
	"confstore/internal/backends"
	"confstore/internal/backends/memory"
	"confstore/internal/codec"
	"confstore/internal/service"
	"confstore/internal/types"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
)

const TestServerPort = 39080

var secret = []byte("0123456789abcdef0123456789abcdef")

type APITestSuite struct {
	suite.Suite
	srv    *httptest.Server
	owner  string
	member string
}

func TestAPITestSuite(t *testing.T) {
	suite.Run(t, new(APITestSuite))
}

func (s *APITestSuite) SetupTest() {
	keys, err := auth.NewStaticKeyResolver(map[string]string{"k1": base64.StdEncoding.EncodeToString(secret)})
	s.Require().NoError(err)
	reg := prometheus.NewRegistry()
	store := backends.Instrument(memory.NewStore(), reg)
	svc := service.New(store, auth.NewGate(auth.NewJWTVerifier(keys), nil))
	s.srv = httptest.NewServer(NewHandler(svc, reg).Router())
	s.owner = s.token("Owner")
	s.member = s.token("Member")

	code, _ := s.do(http.MethodPost, "/api/v1/repositories", s.owner, map[string]any{"repository": "app"})
	s.Require().Equal(http.StatusCreated, code)
}

func (s *APITestSuite) TearDownTest() {
	s.srv.Close()
}

func (s *APITestSuite) token(role string) string {
	tok, err := auth.IssueToken("k1", secret, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "tester"},
		Tenant:           "acme",
		Role:             role,
	}, time.Hour)
	s.Require().NoError(err)
	return tok
}

func (s *APITestSuite) do(method, path, token string, body any) (int, map[string]any) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		s.Require().NoError(err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, rd)
	s.Require().NoError(err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	out := map[string]any{}
	if len(raw) > 0 && resp.Header.Get("Content-Type") != "" {
		_ = json.Unmarshal(raw, &out)
	}
	return resp.StatusCode, out
}

func entryPath(key string) string {
	return "/api/v1/repositories/app/entries/" + url.PathEscape(key)
}

func (s *APITestSuite) TestEntryLifecycle() {
	code, out := s.do(http.MethodPost, entryPath("db/host"), s.owner, map[string]any{"value": map[string]any{"host": "localhost"}})
	s.Require().Equal(http.StatusCreated, code, out)
	s.Equal(float64(1), out["version"])
	s.Equal("db/host", out["key"])

	code, out = s.do(http.MethodPost, entryPath("db/host"), s.owner, map[string]any{"value": 1})
	s.Equal(http.StatusConflict, code)
	s.Equal("VersionConflict", out["kind"])
	s.Equal(false, out["retryable"])

	code, out = s.do(http.MethodPut, entryPath("db/host"), s.owner, map[string]any{"value": map[string]any{"host": "db"}, "expected_version": 1})
	s.Require().Equal(http.StatusOK, code, out)
	s.Equal(float64(2), out["version"])

	code, out = s.do(http.MethodPut, entryPath("db/host"), s.owner, map[string]any{"value": 3, "expected_version": 1})
	s.Equal(http.StatusConflict, code)

	code, out = s.do(http.MethodGet, entryPath("db/host"), s.member, nil)
	s.Require().Equal(http.StatusOK, code)
	s.Equal(map[string]any{"host": "db"}, out["value"])

	code, out = s.do(http.MethodGet, entryPath("db/host")+"?version=1", s.member, nil)
	s.Require().Equal(http.StatusOK, code)
	s.Equal(map[string]any{"host": "localhost"}, out["value"])

	code, out = s.do(http.MethodGet, "/api/v1/repositories/app/history/"+url.PathEscape("db/host"), s.member, nil)
	s.Require().Equal(http.StatusOK, code)
	s.Len(out["versions"], 2)

	code, _ = s.do(http.MethodDelete, entryPath("db/host"), s.owner, nil)
	s.Equal(http.StatusOK, code)
	code, out = s.do(http.MethodGet, entryPath("db/host"), s.owner, nil)
	s.Equal(http.StatusNotFound, code)
	s.Equal("KeyNotFound", out["kind"])
}

func (s *APITestSuite) TestErrorMapping() {
	for name, tc := range map[string]struct {
		method, path, token string
		body                any
		code                int
		kind                string
	}{
		"no token":          {http.MethodGet, entryPath("k"), "", nil, http.StatusUnauthorized, "InvalidToken"},
		"member writes":     {http.MethodPut, entryPath("k"), s.member, map[string]any{"value": 1}, http.StatusForbidden, "PermissionDenied"},
		"foreign ns":        {http.MethodGet, entryPath("k") + "?namespace=other", s.owner, nil, http.StatusForbidden, "PermissionDenied"},
		"missing repo":      {http.MethodGet, "/api/v1/repositories/nope/entries/k", s.owner, nil, http.StatusNotFound, "RepositoryNotFound"},
		"repo exists":       {http.MethodPost, "/api/v1/repositories", s.owner, map[string]any{"repository": "app"}, http.StatusConflict, "RepositoryAlreadyExists"},
		"bad repo name":     {http.MethodPost, "/api/v1/repositories", s.owner, map[string]any{"repository": "a b"}, http.StatusBadRequest, "InvalidRepositoryName"},
		"missing value":     {http.MethodPut, entryPath("k"), s.owner, map[string]any{}, http.StatusBadRequest, "InvalidRequest"},
		"bad version":       {http.MethodGet, entryPath("k") + "?version=abc", s.owner, nil, http.StatusBadRequest, "InvalidRequest"},
		"missing version":   {http.MethodGet, entryPath("k") + "?version=7", s.owner, nil, http.StatusNotFound, "KeyNotFound"},
		"bad cursor":        {http.MethodGet, "/api/v1/repositories/app/entries?cursor=notbase64!!", s.owner, nil, http.StatusBadRequest, "InvalidRequest"},
		"empty create body": {http.MethodPost, "/api/v1/repositories", s.owner, nil, http.StatusBadRequest, "InvalidRequest"},
	} {
		code, out := s.do(tc.method, tc.path, tc.token, tc.body)
		s.Equal(tc.code, code, name)
		s.Equal(tc.kind, out["kind"], name)
	}
}

func (s *APITestSuite) TestListPagination() {
	for i := 0; i < 5; i++ {
		code, _ := s.do(http.MethodPut, entryPath(fmt.Sprintf("k%d", i)), s.owner, map[string]any{"value": map[string]any{"n": i}})
		s.Require().Equal(http.StatusOK, code)
	}

	var keys []string
	path := "/api/v1/repositories/app/entries?limit=2"
	for pages := 0; pages < 10; pages++ {
		code, out := s.do(http.MethodGet, path, s.member, nil)
		s.Require().Equal(http.StatusOK, code, out)
		for _, e := range out["entries"].([]any) {
			keys = append(keys, e.(map[string]any)["key"].(string))
		}
		next, _ := out["next_cursor"].(string)
		if next == "" {
			break
		}
		path = "/api/v1/repositories/app/entries?limit=2&cursor=" + url.QueryEscape(next)
	}
	s.Equal([]string{"k0", "k1", "k2", "k3", "k4"}, keys)

	code, out := s.do(http.MethodGet, "/api/v1/repositories/app/entries?filter="+url.QueryEscape("value.n >= `3`"), s.member, nil)
	s.Require().Equal(http.StatusOK, code)
	s.Len(out["entries"], 2)
}

func (s *APITestSuite) TestListRejectsBadCursors() {
	for i := 0; i < 3; i++ {
		code, _ := s.do(http.MethodPut, entryPath(fmt.Sprintf("k%d", i)), s.owner, map[string]any{"value": i})
		s.Require().Equal(http.StatusOK, code)
	}
	code, out := s.do(http.MethodGet, "/api/v1/repositories/app/entries?limit=1", s.member, nil)
	s.Require().Equal(http.StatusOK, code)
	valid, _ := out["next_cursor"].(string)
	s.Require().NotEmpty(valid)

	w, err := zstd.NewWriter(nil)
	s.Require().NoError(err)
	bomb := base64.RawURLEncoding.EncodeToString(w.EncodeAll(make([]byte, 8<<20), nil))
	tooLong := strings.Repeat("A", codec.MaxTokenLength+1)

	list := func(cursor string) string {
		return "/api/v1/repositories/app/entries?cursor=" + url.QueryEscape(cursor)
	}
	for name, tc := range map[string]struct {
		cursor, token string
		code          int
		kind, error   string
	}{
		"garbage":         {"notbase64!!", s.member, http.StatusBadRequest, "InvalidRequest", "Invalid 'cursor'"},
		"truncated":       {valid[:len(valid)-3], s.member, http.StatusBadRequest, "InvalidRequest", "Invalid 'cursor'"},
		"inflates":        {bomb, s.member, http.StatusBadRequest, "InvalidRequest", "Invalid 'cursor'"},
		"over limit":      {tooLong, s.member, http.StatusBadRequest, "InvalidRequest", fmt.Sprintf("'cursor' exceeds %d bytes", codec.MaxTokenLength)},
		"unauthenticated": {bomb, "", http.StatusUnauthorized, "InvalidToken", ""},
		"valid":           {valid, s.member, http.StatusOK, "", ""},
	} {
		code, out := s.do(http.MethodGet, list(tc.cursor), tc.token, nil)
		s.Equal(tc.code, code, name)
		if tc.kind != "" {
			s.Equal(tc.kind, out["kind"], name)
		}
		if tc.error != "" {
			s.Equal(tc.error, out["error"], name)
		}
	}
}

func (s *APITestSuite) TestHealthMetricsAndRequestID() {
	resp, err := http.Get(s.srv.URL + "/health")
	s.Require().NoError(err)
	resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)
	s.NotEmpty(resp.Header.Get(RequestIDHeader))

	req, _ := http.NewRequest(http.MethodGet, s.srv.URL+"/health", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	resp, err = http.DefaultClient.Do(req)
	s.Require().NoError(err)
	resp.Body.Close()
	s.Equal("abc-123", resp.Header.Get(RequestIDHeader))

	resp, err = http.Get(s.srv.URL + "/metrics")
	s.Require().NoError(err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	s.Contains(string(body), "confstore_store_operations_total")
}

func (s *APITestSuite) TestStatusOf() {
	s.Equal(http.StatusServiceUnavailable, StatusOf(types.DataAccessErr(nil, "down")))
	s.Equal(http.StatusInternalServerError, StatusOf(fmt.Errorf("plain")))
}

func TestRunServerInterruptible(t *testing.T) {
	stop, done := RunServerInterruptible(TestServerPort, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = http.Get(fmt.Sprintf("http://localhost:%d/", TestServerPort))
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	close(stop)
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
