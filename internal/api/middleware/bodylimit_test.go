package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func setupBodyLimitRouter(limit int64, called *bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(BodyLimit(limit))
	r.POST("/test", func(c *gin.Context) {
		*called = true
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/test", func(c *gin.Context) {
		*called = true
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func TestBodyLimit_UnderLimit(t *testing.T) {
	var called bool
	r := setupBodyLimitRouter(1024, &called)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/test", strings.NewReader(strings.Repeat("a", 512)))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
}

func TestBodyLimit_ExactLimit(t *testing.T) {
	var called bool
	r := setupBodyLimitRouter(1024, &called)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/test", strings.NewReader(strings.Repeat("a", 1024)))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
}

func TestBodyLimit_DeclaredLengthOverLimit(t *testing.T) {
	var called bool
	r := setupBodyLimitRouter(1024, &called)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/test", strings.NewReader(strings.Repeat("a", 2048)))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status 413, got %d", w.Code)
	}
	if called {
		t.Fatal("handler must not run for an oversized request")
	}
}

func TestBodyLimit_UndeclaredLengthOverLimit(t *testing.T) {
	var called bool
	r := setupBodyLimitRouter(1024, &called)

	// MultiReader hides the length, so only the read can detect the overflow.
	body := io.MultiReader(strings.NewReader(strings.Repeat("a", 2048)))
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/test", body)
	r.ServeHTTP(w, req)

	if !called {
		t.Fatal("expected handler to run")
	}
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status 413, got %d", w.Code)
	}
}

func TestBodyLimit_NilBody(t *testing.T) {
	var called bool
	r := setupBodyLimitRouter(0, &called)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
}
