// cmd/api/main.go
package main

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	catalogServiceURL, err := url.Parse(getEnv("CATALOG_SERVICE_URL", "http://localhost:8081"))
	if err != nil {
		logger.Error("invalid CATALOG_SERVICE_URL", "error", err)
		os.Exit(1)
	}
	circulationServiceURL, err := url.Parse(getEnv("CIRCULATION_SERVICE_URL", "http://localhost:8082"))
	if err != nil {
		logger.Error("invalid CIRCULATION_SERVICE_URL", "error", err)
		os.Exit(1)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	router.Mount("/api/v1/catalog", http.StripPrefix("/api/v1/catalog", httputil.NewSingleHostReverseProxy(catalogServiceURL)))
	router.Mount("/api/v1", http.StripPrefix("/api/v1", httputil.NewSingleHostReverseProxy(circulationServiceURL)))

	port := getEnv("PORT", "8080")
	logger.Info("API gateway listening", "port", port)
	srv := &http.Server{Addr: ":" + port, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("API gateway stopped", "error", err)
		os.Exit(1)
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
