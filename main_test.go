package main

import (
	"net/http/httptest"
	"testing"

	svc "github.com/handi/backend/services"
	"github.com/spf13/viper"
	"gorm.io/gorm/logger"
)

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name           string
		allowedOrigins string
		requestOrigin  string
		expected       bool
	}{
		{
			name:           "Allowed origin - exact match",
			allowedOrigins: "https://handi.mx,http://localhost:5173",
			requestOrigin:  "https://handi.mx",
			expected:       true,
		},
		{
			name:           "Allowed origin - second in list",
			allowedOrigins: "https://handi.mx,http://localhost:5173",
			requestOrigin:  "http://localhost:5173",
			expected:       true,
		},
		{
			name:           "Disallowed origin",
			allowedOrigins: "https://handi.mx",
			requestOrigin:  "https://evil.example",
			expected:       false,
		},
		{
			name:           "Empty allowed origins - deny all",
			allowedOrigins: "",
			requestOrigin:  "https://handi.mx",
			expected:       false,
		},
		{
			name:           "Origin with whitespace in config",
			allowedOrigins: "https://handi.mx, https://www.handi.mx",
			requestOrigin:  "https://www.handi.mx",
			expected:       true,
		},
		{
			name:           "Port mismatch - deny",
			allowedOrigins: "http://localhost:5173",
			requestOrigin:  "http://localhost:8080",
			expected:       false,
		},
		{
			name:           "Missing origin header - deny",
			allowedOrigins: "https://handi.mx",
			requestOrigin:  "",
			expected:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			viper.Set("websocket.allowed_origins", tt.allowedOrigins)

			req := httptest.NewRequest("GET", "/api/v1/ws?conversation_id=c1", nil)
			if tt.requestOrigin != "" {
				req.Header.Set("Origin", tt.requestOrigin)
			}

			result := svc.CheckOrigin(req, viper.GetString("websocket.allowed_origins"))
			if result != tt.expected {
				t.Errorf("CheckOrigin() = %v, expected %v for origin %q with allowed origins %q",
					result, tt.expected, tt.requestOrigin, tt.allowedOrigins)
			}
		})
	}
}

func TestGormLogLevel(t *testing.T) {
	tests := map[string]logger.LogLevel{
		"info":   logger.Info,
		"WARN":   logger.Warn,
		"error":  logger.Error,
		"silent": logger.Silent,
		"":       logger.Silent,
	}
	for input, expected := range tests {
		if got := gormLogLevel(input); got != expected {
			t.Errorf("gormLogLevel(%q) = %v, expected %v", input, got, expected)
		}
	}
}
