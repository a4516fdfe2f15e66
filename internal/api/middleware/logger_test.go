package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	r := gin.New()
	r.Use(RequestLogger(logger))
	r.GET("/runs/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/error", func(c *gin.Context) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fail"})
	})
	r.GET("/bad-request", func(c *gin.Context) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad"})
	})

	tests := []struct {
		name   string
		target string
		status int
		level  string
	}{
		{"successful request", "/runs/abc?q=hello", http.StatusOK, "info"},
		{"server error request", "/error", http.StatusInternalServerError, "error"},
		{"client error request", "/bad-request", http.StatusBadRequest, "warn"},
		{"unknown route", "/missing", http.StatusNotFound, "warn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", tt.target, nil)
			r.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, w.Code)
			}

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("failed to parse log line %q: %v", buf.String(), err)
			}
			if entry["level"] != tt.level {
				t.Errorf("expected level %s, got %v", tt.level, entry["level"])
			}
			if entry["component"] != "http" {
				t.Errorf("expected component http, got %v", entry["component"])
			}
			if int(entry["status"].(float64)) != tt.status {
				t.Errorf("expected logged status %d, got %v", tt.status, entry["status"])
			}
		})
	}

	t.Run("route and run id", func(t *testing.T) {
		buf.Reset()
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/runs/abc", nil)
		r.ServeHTTP(w, req)

		line := buf.String()
		if !strings.Contains(line, `"route":"/runs/:id"`) {
			t.Errorf("expected route in log line, got %s", line)
		}
		if !strings.Contains(line, `"run_id":"abc"`) {
			t.Errorf("expected run id in log line, got %s", line)
		}
	})
}

func TestRedactQueryString(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"empty", "", ""},
		{"nothing sensitive", "vm=web&all=true", "vm=web&all=true"},
		{"token redacted", "token=abc123", "token=%5BREDACTED%5D"},
		{"case insensitive", "Password=hunter2&vm=web", "Password=%5BREDACTED%5D&vm=web"},
		{"unparsable kept", "%zz", "%zz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := redactQueryString(tt.query); got != tt.want {
				t.Errorf("redactQueryString(%q) = %q, want %q", tt.query, got, tt.want)
			}
		})
	}
}

func TestRequestLevel(t *testing.T) {
	tests := []struct {
		method string
		path   string
		status int
		want   zerolog.Level
	}{
		{"GET", "/health", http.StatusOK, zerolog.DebugLevel},
		{"GET", "/health", http.StatusServiceUnavailable, zerolog.ErrorLevel},
		{"POST", "/api/v1/runs", http.StatusAccepted, zerolog.InfoLevel},
		{"POST", "/api/v1/runs", http.StatusRequestEntityTooLarge, zerolog.WarnLevel},
		{"GET", "/metrics", http.StatusOK, zerolog.InfoLevel},
	}

	for _, tt := range tests {
		if got := requestLevel(tt.method, tt.path, tt.status); got != tt.want {
			t.Errorf("requestLevel(%s %s %d) = %v, want %v", tt.method, tt.path, tt.status, got, tt.want)
		}
	}
}
