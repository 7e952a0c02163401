package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"rollcall.dev/internal/auth"
)

func newLockedAPI(t *testing.T) *apiClient {
	t.Helper()
	hash, err := auth.HashPassword("tower-of-keys")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return newTestAPI(t, WithOperatorPassword(hash))
}

func (c *apiClient) obtainToken(password string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{"password": password}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	payload := decode[tokenResponse](c.t, resp)
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func TestMutationsRequireToken(t *testing.T) {
	api := newLockedAPI(t)

	// Reads stay open.
	resp := api.get("/v1/identities", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("read status: %d", resp.StatusCode)
	}

	// Mutations without a token are rejected.
	resp = api.post("/v1/proxies", map[string]any{
		"descriptors": []string{"http://10.0.0.1:8080"},
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate challenge")
	}

	token := api.obtainToken("tower-of-keys")
	resp = api.post("/v1/proxies", map[string]any{
		"descriptors": []string{"http://10.0.0.1:8080"},
	}, map[string]string{"Authorization": "Bearer " + token})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("authorized load status: %d", resp.StatusCode)
	}
}

func TestTokenEndpoint(t *testing.T) {
	api := newLockedAPI(t)

	resp := api.post("/v1/auth/token", map[string]any{"password": "wrong"}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password status: %d", resp.StatusCode)
	}

	resp = api.post("/v1/auth/token", map[string]any{}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty password status: %d", resp.StatusCode)
	}

	token := api.obtainToken("tower-of-keys")
	claims, err := auth.ParseAndValidate(token)
	if err != nil {
		t.Fatalf("issued token does not validate: %v", err)
	}
	if claims.Subject != "operator" {
		t.Fatalf("unexpected subject: %q", claims.Subject)
	}
}

func TestTokenIssuanceDisabledWithoutPassword(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/token", map[string]any{"password": "anything"}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}

	// With no password configured the API runs open.
	resp = api.post("/v1/proxies", map[string]any{
		"descriptors": []string{"http://10.0.0.1:8080"},
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("open-mode load status: %d", resp.StatusCode)
	}
}

func TestRejectsGarbageTokens(t *testing.T) {
	api := newLockedAPI(t)

	for _, header := range []string{
		"Bearer not-a-jwt",
		"Basic dXNlcjpwYXNz",
		"Bearer ",
	} {
		resp := api.post("/v1/proxies", map[string]any{
			"descriptors": []string{"http://10.0.0.1:8080"},
		}, map[string]string{"Authorization": header})
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, resp.StatusCode)
		}
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi", true},
		{"bearer lower", "lower", true},
		{"BEARER SHOUT", "SHOUT", true},
		{"Bearer   padded  ", "padded", true},
		{"", "", false},
		{"Bearer", "", false},
		{"Bearer ", "", false},
		{"Token abc", "", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			r.Header.Set("Authorization", tc.header)
		}
		got, ok := extractBearerToken(r)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("header %q: got (%q, %v), want (%q, %v)", tc.header, got, ok, tc.want, tc.ok)
		}
	}
}
