package gcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/splax/runway/api/internal/cloud"
	"github.com/splax/runway/api/internal/domain"
)

type fakeGoogle struct {
	mu       sync.Mutex
	calls    []string
	bodies   map[string]string
	handlers map[string]http.HandlerFunc
}

func newFakeGoogle() *fakeGoogle {
	return &fakeGoogle{bodies: map[string]string{}, handlers: map[string]http.HandlerFunc{}}
}

func (f *fakeGoogle) handle(method, path string, h http.HandlerFunc) {
	f.handlers[method+" "+path] = h
}

func (f *fakeGoogle) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.Method + " " + r.URL.Path
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.bodies[key] = string(body)
	h, ok := f.handlers[key]
	f.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"code":404,"message":"not found"}}`)
		return
	}
	h(w, r)
}

func (f *fakeGoogle) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == key {
			n++
		}
	}
	return n
}

func jsonReply(status int, v any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
}

func apiError(status int) http.HandlerFunc {
	return jsonReply(status, map[string]any{"error": map[string]any{"code": status, "message": http.StatusText(status)}})
}

func newTestClient(t *testing.T, fake *fakeGoogle) *Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	client, err := New(context.Background(), "token",
		WithEndpoint(srv.URL+"/"),
		WithHTTPClient(srv.Client()),
		WithRetry(3, time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestEnableAPIRetriesTransientFailures(t *testing.T) {
	fake := newFakeGoogle()
	var attempts int
	fake.handle(http.MethodPost, "/v1/projects/demo/services/run.googleapis.com:enable", func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			apiError(http.StatusServiceUnavailable)(w, r)
			return
		}
		jsonReply(http.StatusOK, map[string]any{"name": "operations/1", "done": true})(w, r)
	})
	client := newTestClient(t, fake)

	if err := client.EnableAPI(context.Background(), "demo", "run.googleapis.com"); err != nil {
		t.Fatalf("enable api: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestEnableAPIStopsAfterRetryCap(t *testing.T) {
	fake := newFakeGoogle()
	fake.handle(http.MethodPost, "/v1/projects/demo/services/run.googleapis.com:enable", apiError(http.StatusBadGateway))
	client := newTestClient(t, fake)

	err := client.EnableAPI(context.Background(), "demo", "run.googleapis.com")
	if !errors.Is(err, cloud.ErrTransient) {
		t.Fatalf("expected transient error after retries, got %v", err)
	}
	if n := fake.count("POST /v1/projects/demo/services/run.googleapis.com:enable"); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestEnableAPIPermissionDenied(t *testing.T) {
	fake := newFakeGoogle()
	fake.handle(http.MethodPost, "/v1/projects/demo/services/iam.googleapis.com:enable", apiError(http.StatusForbidden))
	client := newTestClient(t, fake)

	err := client.EnableAPI(context.Background(), "demo", "iam.googleapis.com")
	if !errors.Is(err, cloud.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if n := fake.count("POST /v1/projects/demo/services/iam.googleapis.com:enable"); n != 1 {
		t.Fatalf("expected no retry for permission errors, got %d calls", n)
	}
}

func TestCreateOrGetServiceIdentityResolvesExisting(t *testing.T) {
	fake := newFakeGoogle()
	fake.handle(http.MethodPost, "/v1/projects/demo/serviceAccounts", apiError(http.StatusConflict))
	client := newTestClient(t, fake)

	identity, created, err := client.CreateOrGetServiceIdentity(context.Background(), "demo", "web-deployer", "web deployer")
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	if created {
		t.Fatalf("expected existing identity to be resolved")
	}
	if identity.Email != "web-deployer@demo.iam.gserviceaccount.com" {
		t.Fatalf("unexpected email %q", identity.Email)
	}
	if identity.Name != "projects/demo/serviceAccounts/web-deployer@demo.iam.gserviceaccount.com" {
		t.Fatalf("unexpected name %q", identity.Name)
	}
}

func TestCreateOrGetServiceIdentityCreates(t *testing.T) {
	fake := newFakeGoogle()
	fake.handle(http.MethodPost, "/v1/projects/demo/serviceAccounts", jsonReply(http.StatusOK, map[string]any{
		"email": "web-deployer@demo.iam.gserviceaccount.com",
		"name":  "projects/demo/serviceAccounts/web-deployer@demo.iam.gserviceaccount.com",
	}))
	client := newTestClient(t, fake)

	identity, created, err := client.CreateOrGetServiceIdentity(context.Background(), "demo", "web-deployer", "web deployer")
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	if !created {
		t.Fatalf("expected created identity")
	}
	if !strings.Contains(fake.bodies["POST /v1/projects/demo/serviceAccounts"], `"accountId":"web-deployer"`) {
		t.Fatalf("account id missing from request: %s", fake.bodies["POST /v1/projects/demo/serviceAccounts"])
	}
	if identity.ProjectID != "demo" {
		t.Fatalf("expected project demo, got %q", identity.ProjectID)
	}
}

func TestAccessPolicyRoundTripKeepsConditions(t *testing.T) {
	fake := newFakeGoogle()
	fake.handle(http.MethodPost, "/v1/projects/demo:getIamPolicy", jsonReply(http.StatusOK, map[string]any{
		"etag":    "BwXyz",
		"version": 3,
		"bindings": []map[string]any{
			{"role": "roles/viewer", "members": []string{"user:a@example.com"}, "condition": map[string]any{"expression": "true", "title": "always"}},
		},
	}))
	fake.handle(http.MethodPost, "/v1/projects/demo:setIamPolicy", jsonReply(http.StatusOK, map[string]any{}))
	client := newTestClient(t, fake)

	policy, err := client.GetAccessPolicy(context.Background(), "demo")
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	policy.AddMember("roles/run.admin", cloud.ServiceAccountMember("sa@demo.iam.gserviceaccount.com"))
	if err := client.SetAccessPolicy(context.Background(), "demo", policy); err != nil {
		t.Fatalf("set policy: %v", err)
	}

	var sent struct {
		Policy struct {
			Etag     string `json:"etag"`
			Bindings []struct {
				Role      string         `json:"role"`
				Members   []string       `json:"members"`
				Condition map[string]any `json:"condition"`
			} `json:"bindings"`
		} `json:"policy"`
	}
	if err := json.Unmarshal([]byte(fake.bodies["POST /v1/projects/demo:setIamPolicy"]), &sent); err != nil {
		t.Fatalf("decode set body: %v", err)
	}
	if sent.Policy.Etag != "BwXyz" {
		t.Fatalf("expected etag to be echoed, got %q", sent.Policy.Etag)
	}
	if len(sent.Policy.Bindings) != 2 {
		t.Fatalf("expected 2 bindings, got %d", len(sent.Policy.Bindings))
	}
	if sent.Policy.Bindings[0].Condition["title"] != "always" {
		t.Fatalf("expected condition to survive, got %v", sent.Policy.Bindings[0].Condition)
	}
}

func TestCreateKeyReturnsPrivateKeyData(t *testing.T) {
	fake := newFakeGoogle()
	fake.handle(http.MethodPost, "/v1/projects/demo/serviceAccounts/sa@demo.iam.gserviceaccount.com/keys", jsonReply(http.StatusOK, map[string]any{
		"name":           "projects/demo/serviceAccounts/sa@demo.iam.gserviceaccount.com/keys/k1",
		"privateKeyData": "eyJ0eXBlIjoic2VydmljZV9hY2NvdW50In0=",
	}))
	client := newTestClient(t, fake)

	key, err := client.CreateKey(context.Background(), domain.ServiceIdentity{Email: "sa@demo.iam.gserviceaccount.com", ProjectID: "demo"})
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if key != "eyJ0eXBlIjoic2VydmljZV9hY2NvdW50In0=" {
		t.Fatalf("unexpected key data %q", key)
	}
}

func TestListRevisionsAnnotatesTraffic(t *testing.T) {
	fake := newFakeGoogle()
	fake.handle(http.MethodGet, "/v1/projects/demo/locations/us-central1/services/web", jsonReply(http.StatusOK, map[string]any{
		"status": map[string]any{
			"url":     "https://web-abc.a.run.app",
			"traffic": []map[string]any{{"revisionName": "web-00002", "percent": 100}},
		},
	}))
	fake.handle(http.MethodGet, "/v1/projects/demo/locations/us-central1/revisions", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("labelSelector"); got != "serving.knative.dev/service=web" {
			apiError(http.StatusBadRequest)(w, r)
			return
		}
		jsonReply(http.StatusOK, map[string]any{"items": []map[string]any{
			{"metadata": map[string]any{"name": "web-00001", "creationTimestamp": "2024-01-01T00:00:00Z"}},
			{"metadata": map[string]any{"name": "web-00002", "creationTimestamp": "2024-01-02T00:00:00Z"},
				"spec": map[string]any{"containers": []map[string]any{{"image": "gcr.io/demo/web:2"}}}},
		}})(w, r)
	})
	client := newTestClient(t, fake)

	revisions, err := client.ListRevisions(context.Background(), "demo", "us-central1", "web")
	if err != nil {
		t.Fatalf("list revisions: %v", err)
	}
	if len(revisions) != 2 {
		t.Fatalf("expected 2 revisions, got %d", len(revisions))
	}
	latest := revisions[1]
	if !latest.Active || latest.TrafficPercent != 100 || latest.Image != "gcr.io/demo/web:2" {
		t.Fatalf("unexpected latest revision %+v", latest)
	}
	if revisions[0].Active {
		t.Fatalf("expected older revision to be inactive")
	}
	if !revisions[0].CreatedAt.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected creation time %v", revisions[0].CreatedAt)
	}
}

func TestListRevisionsFollowsContinueToken(t *testing.T) {
	fake := newFakeGoogle()
	fake.handle(http.MethodGet, "/v1/projects/demo/locations/us-central1/services/web", jsonReply(http.StatusOK, map[string]any{}))
	var tokens []string
	fake.handle(http.MethodGet, "/v1/projects/demo/locations/us-central1/revisions", func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("continue")
		tokens = append(tokens, token)
		switch token {
		case "":
			jsonReply(http.StatusOK, map[string]any{
				"metadata": map[string]any{"continue": "page-2"},
				"items": []map[string]any{
					{"metadata": map[string]any{"name": "web-00001", "creationTimestamp": "2024-01-01T00:00:00Z"}},
				},
			})(w, r)
		case "page-2":
			jsonReply(http.StatusOK, map[string]any{"items": []map[string]any{
				{"metadata": map[string]any{"name": "web-00002", "creationTimestamp": "2024-01-02T00:00:00Z"}},
				{"metadata": map[string]any{"name": "web-00003", "creationTimestamp": "2024-01-03T00:00:00Z"}},
			}})(w, r)
		default:
			apiError(http.StatusBadRequest)(w, r)
		}
	})
	client := newTestClient(t, fake)

	revisions, err := client.ListRevisions(context.Background(), "demo", "us-central1", "web")
	if err != nil {
		t.Fatalf("list revisions: %v", err)
	}
	if len(revisions) != 3 {
		t.Fatalf("expected 3 revisions across pages, got %d", len(revisions))
	}
	if len(tokens) != 2 || tokens[1] != "page-2" {
		t.Fatalf("expected second page request with continue token, got %v", tokens)
	}
}

func TestUpdateTrafficSplitReplacesService(t *testing.T) {
	fake := newFakeGoogle()
	path := "/v1/projects/demo/locations/us-central1/services/web"
	fake.handle(http.MethodGet, path, jsonReply(http.StatusOK, map[string]any{
		"metadata": map[string]any{"name": "web"},
		"spec":     map[string]any{"traffic": []map[string]any{{"latestRevision": true, "percent": 100}}},
	}))
	fake.handle(http.MethodPut, path, jsonReply(http.StatusOK, map[string]any{
		"status": map[string]any{"url": "https://web-abc.a.run.app"},
	}))
	client := newTestClient(t, fake)

	url, err := client.UpdateTrafficSplit(context.Background(), "demo", "us-central1", "web", map[string]int64{"web-00001": 100, "web-00002": 0})
	if err != nil {
		t.Fatalf("update traffic: %v", err)
	}
	if url != "https://web-abc.a.run.app" {
		t.Fatalf("unexpected url %q", url)
	}
	if n := fake.count("PUT " + path); n != 1 {
		t.Fatalf("expected a single replace call, got %d", n)
	}
	var sent struct {
		Spec struct {
			Traffic []struct {
				RevisionName   string `json:"revisionName"`
				Percent        int64  `json:"percent"`
				LatestRevision bool   `json:"latestRevision"`
			} `json:"traffic"`
		} `json:"spec"`
	}
	if err := json.Unmarshal([]byte(fake.bodies["PUT "+path]), &sent); err != nil {
		t.Fatalf("decode replace body: %v", err)
	}
	if len(sent.Spec.Traffic) != 2 || sent.Spec.Traffic[0].RevisionName != "web-00001" || sent.Spec.Traffic[0].Percent != 100 {
		t.Fatalf("unexpected traffic block %+v", sent.Spec.Traffic)
	}
	if sent.Spec.Traffic[0].LatestRevision || sent.Spec.Traffic[1].LatestRevision {
		t.Fatalf("expected explicit revision targets only")
	}
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(context.Background(), " "); err == nil {
		t.Fatalf("expected error for empty token")
	}
}

func TestListProjectsPagesActiveProjects(t *testing.T) {
	fake := newFakeGoogle()
	var filters []string
	fake.handle(http.MethodGet, "/v1/projects", func(w http.ResponseWriter, r *http.Request) {
		filters = append(filters, r.URL.Query().Get("filter"))
		if r.URL.Query().Get("pageToken") == "" {
			jsonReply(http.StatusOK, map[string]any{
				"projects":      []map[string]any{{"projectId": "zeta", "name": "Zeta", "projectNumber": "42", "lifecycleState": "ACTIVE"}},
				"nextPageToken": "next",
			})(w, r)
			return
		}
		jsonReply(http.StatusOK, map[string]any{
			"projects": []map[string]any{{"projectId": "alpha", "name": "Alpha", "projectNumber": "7", "lifecycleState": "ACTIVE"}},
		})(w, r)
	})
	client := newTestClient(t, fake)

	projects, err := client.ListProjects(context.Background())
	if err != nil {
		t.Fatalf("list projects: %v", err)
	}
	if len(projects) != 2 || projects[0].ProjectID != "alpha" || projects[1].ProjectNumber != 42 {
		t.Fatalf("unexpected projects %+v", projects)
	}
	if len(filters) != 2 || filters[0] != "lifecycleState:ACTIVE" {
		t.Fatalf("expected active filter on every page, got %v", filters)
	}
}

func TestListProjectsRejectedToken(t *testing.T) {
	fake := newFakeGoogle()
	fake.handle(http.MethodGet, "/v1/projects", apiError(http.StatusUnauthorized))
	client := newTestClient(t, fake)

	if _, err := client.ListProjects(context.Background()); !errors.Is(err, cloud.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if n := fake.count("GET /v1/projects"); n != 1 {
		t.Fatalf("expected no retries, got %d calls", n)
	}
}
