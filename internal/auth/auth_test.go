package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/dicomctl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			log.Debug().Str("stored", tc.stored).Str("input", tc.input).Msg("auth/static-token")
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestFuncValidator(t *testing.T) {
	testlog.Start(t)
	validator := FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})

	if err := validator.Validate("bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad token, got %v", err)
	}
	if err := validator.Validate("ok"); err != nil {
		t.Fatalf("expected success for ok token, got %v", err)
	}
}

func TestTokenFrom(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name   string
		header string
		value  string
		url    string
		want   string
	}{
		{name: "bearer", header: "Authorization", value: "Bearer abc", url: "/", want: "abc"},
		{name: "bearer lower", header: "Authorization", value: "bearer  abc ", url: "/", want: "abc"},
		{name: "basic ignored", header: "Authorization", value: "Basic abc", url: "/", want: ""},
		{name: "header", header: "X-Auth-Token", value: "xyz", url: "/", want: "xyz"},
		{name: "query", url: "/jobs/1/events?token=q", want: "q"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.url, nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			if got := TokenFrom(req); got != tc.want {
				t.Fatalf("token got=%q want=%q", got, tc.want)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	serve := func(v Validator, token string) int {
		r := gin.New()
		r.Use(Middleware(v))
		r.GET("/jobs", func(c *gin.Context) { c.Status(http.StatusOK) })
		req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := serve(StaticToken{Token: "s3cret"}, ""); code != http.StatusUnauthorized {
		t.Fatalf("missing token: got %d", code)
	}
	if code := serve(StaticToken{Token: "s3cret"}, "nope"); code != http.StatusUnauthorized {
		t.Fatalf("wrong token: got %d", code)
	}
	if code := serve(StaticToken{Token: "s3cret"}, "s3cret"); code != http.StatusOK {
		t.Fatalf("right token: got %d", code)
	}
	if code := serve(nil, ""); code != http.StatusOK {
		t.Fatalf("nil validator: got %d", code)
	}
}
