package central

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lognaturel/central-updater/internal/entity"
)

// fakeCentral stands in for an ODK Central server: sessions, the current
// user probe, OData submission queries, and the draft/attachment/publish
// upload sequence.
type fakeCentral struct {
	mu sync.Mutex

	password    string
	validTokens map[string]bool
	submissions map[string]string
	attachments map[string]string
	uploadCalls []string
	failPublish map[string]bool
	lastFilter  string
}

func newFakeCentral() *fakeCentral {
	return &fakeCentral{
		password:    "hunter2",
		validTokens: map[string]bool{},
		submissions: map[string]string{},
		attachments: map[string]string{},
		failPublish: map[string]bool{},
	}
}

func (f *fakeCentral) handler() http.Handler {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	router.POST("/v1/sessions", func(c *gin.Context) {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.Password != f.password {
			c.JSON(http.StatusUnauthorized, gin.H{"message": "bad credentials"})
			return
		}
		f.mu.Lock()
		f.validTokens["token-for-"+body.Email] = true
		f.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"token": "token-for-" + body.Email})
	})

	authorized := router.Group("/", func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		f.mu.Lock()
		valid := f.validTokens[token]
		f.mu.Unlock()
		if !valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "invalid session"})
			return
		}
		c.Next()
	})

	authorized.GET("/v1/users/current", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"email": "updater@example.org"})
	})

	authorized.GET("/v1/projects/:project/forms/:form/Submissions", func(c *gin.Context) {
		form := strings.TrimSuffix(c.Param("form"), ".svc")
		f.mu.Lock()
		f.lastFilter = c.Query("$filter")
		body, found := f.submissions[form]
		f.mu.Unlock()
		if !found {
			body = `{"value": []}`
		}
		c.Header("Content-Type", "application/json")
		c.String(http.StatusOK, body)
	})

	authorized.GET("/v1/projects/:project/forms/:form/attachments/:filename", func(c *gin.Context) {
		f.mu.Lock()
		body, found := f.attachments[c.Param("form")]
		f.mu.Unlock()
		if !found {
			c.Status(http.StatusNotFound)
			return
		}
		c.Header("Content-Type", "text/csv")
		c.String(http.StatusOK, body)
	})

	authorized.POST("/v1/projects/:project/forms/:form/draft", func(c *gin.Context) {
		f.mu.Lock()
		f.uploadCalls = append(f.uploadCalls, "draft:"+c.Param("form"))
		f.mu.Unlock()
		c.Status(http.StatusOK)
	})

	authorized.POST("/v1/projects/:project/forms/:form/draft/attachments/:filename", func(c *gin.Context) {
		body, _ := c.GetRawData()
		f.mu.Lock()
		f.uploadCalls = append(f.uploadCalls, "attach:"+c.Param("form"))
		f.attachments[c.Param("form")] = string(body)
		f.mu.Unlock()
		c.Status(http.StatusOK)
	})

	authorized.POST("/v1/projects/:project/forms/:form/draft/publish", func(c *gin.Context) {
		form := c.Param("form")
		f.mu.Lock()
		fail := f.failPublish[form]
		if !fail {
			f.uploadCalls = append(f.uploadCalls, "publish:"+form)
		}
		f.mu.Unlock()
		if fail {
			c.Status(http.StatusConflict)
			return
		}
		if c.Query("version") == "" {
			c.Status(http.StatusBadRequest)
			return
		}
		c.Status(http.StatusOK)
	})

	return router
}

func newTestClient(t *testing.T, fake *fakeCentral) *Client {
	t.Helper()
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{
		BaseURL: server.URL,
		Project: "7",
		Clock:   func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	return client
}

func TestAuthenticateReturnsSessionToken(t *testing.T) {
	fake := newFakeCentral()
	client := newTestClient(t, fake)

	token, err := client.Authenticate(context.Background(), Credentials{Email: "updater@example.org", Password: "hunter2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "token-for-updater@example.org" {
		t.Fatalf("unexpected token: %q", token)
	}
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	fake := newFakeCentral()
	client := newTestClient(t, fake)

	_, err := client.Authenticate(context.Background(), Credentials{Email: "updater@example.org", Password: "wrong"})
	if !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("expected ErrBadCredentials, got %v", err)
	}
}

func TestVerifyToken(t *testing.T) {
	fake := newFakeCentral()
	fake.validTokens["cached"] = true
	client := newTestClient(t, fake)

	if err := client.VerifyToken(context.Background(), "cached"); err != nil {
		t.Fatalf("valid token should verify: %v", err)
	}
	if err := client.VerifyToken(context.Background(), "stale"); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestFetchSubmissionsFiltersOnWatermark(t *testing.T) {
	fake := newFakeCentral()
	fake.validTokens["cached"] = true
	fake.submissions["phone-follow-up"] = `{
		"value": [
			{"name": "site-a", "visit": {"status": "done"}, "__system": {"submissionDate": "2024-03-01T10:00:00.000Z"}}
		]
	}`
	client := newTestClient(t, fake)

	since := time.Date(2024, 3, 1, 9, 0, 0, int(time.Millisecond), time.UTC)
	records, err := client.FetchSubmissions(context.Background(), "cached", "phone-follow-up", since)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0]["visit/status"] != "done" {
		t.Fatalf("expected flattened record: %#v", records[0])
	}

	wantFilter := "__system/submissionDate gt 2024-03-01T09:00:00.001Z and __system/reviewState ne 'rejected'"
	if fake.lastFilter != wantFilter {
		t.Fatalf("unexpected OData filter:\n%q\nwant\n%q", fake.lastFilter, wantFilter)
	}
}

func TestFetchSubmissionsExpiredSession(t *testing.T) {
	fake := newFakeCentral()
	client := newTestClient(t, fake)

	_, err := client.FetchSubmissions(context.Background(), "stale", "phone-follow-up", time.Unix(0, 0))
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestFetchEntityTable(t *testing.T) {
	fake := newFakeCentral()
	fake.validTokens["cached"] = true
	fake.attachments["site-visit"] = "name,status\nsite-a,pending\n"
	client := newTestClient(t, fake)

	table, err := client.FetchEntityTable(context.Background(), "cached", "site-visit", "sites.csv", "name")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if table.Len() != 1 {
		t.Fatalf("expected 1 row, got %d", table.Len())
	}

	_, err = client.FetchEntityTable(context.Background(), "cached", "absent-form", "sites.csv", "name")
	var requestErr *RequestError
	if !errors.As(err, &requestErr) || requestErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 RequestError, got %v", err)
	}
}

func TestUploadEntityTableRunsDraftAttachPublish(t *testing.T) {
	fake := newFakeCentral()
	fake.validTokens["cached"] = true
	client := newTestClient(t, fake)

	table, err := entity.NewTable("name", []string{"name", "status"}, []entity.Row{
		{"name": "site-a", "status": "done"},
	})
	if err != nil {
		t.Fatalf("unexpected table error: %v", err)
	}

	if err := client.UploadEntityTable(context.Background(), "cached", "site-visit", "sites.csv", table); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"draft:site-visit", "attach:site-visit", "publish:site-visit"}
	if len(fake.uploadCalls) != len(want) {
		t.Fatalf("unexpected call sequence: %#v", fake.uploadCalls)
	}
	for i, call := range want {
		if fake.uploadCalls[i] != call {
			t.Fatalf("unexpected call sequence: %#v", fake.uploadCalls)
		}
	}
	if fake.attachments["site-visit"] != "name,status\nsite-a,done\n" {
		t.Fatalf("unexpected uploaded body: %q", fake.attachments["site-visit"])
	}
}

func TestUploadEntityTablePublishFailure(t *testing.T) {
	fake := newFakeCentral()
	fake.validTokens["cached"] = true
	fake.failPublish["site-visit"] = true
	client := newTestClient(t, fake)

	table, err := entity.NewTable("name", []string{"name"}, []entity.Row{{"name": "site-a"}})
	if err != nil {
		t.Fatalf("unexpected table error: %v", err)
	}

	err = client.UploadEntityTable(context.Background(), "cached", "site-visit", "sites.csv", table)
	var requestErr *RequestError
	if !errors.As(err, &requestErr) || requestErr.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict RequestError, got %v", err)
	}
}
