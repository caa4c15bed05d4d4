package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"

	"cardgate-api/config"
	"cardgate-api/database"
	"cardgate-api/handlers"
	"cardgate-api/middleware"
	"cardgate-api/queue"
	"cardgate-api/relay"
	"cardgate-api/services/auth"
	"cardgate-api/services/merchant"
	"cardgate-api/services/processor"
	"cardgate-api/worker"
)

// sessionTTL bounds how long an unused gate page keeps its relay state.
const sessionTTL = 30 * time.Minute

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		// Only slow requests and errors. The URI never carries card data,
		// card fields travel in POST bodies only.
		elapsed := time.Since(start)
		if elapsed > 500*time.Millisecond || wrapper.status >= 400 {
			log.Printf(
				"%s %s %s %d %v",
				r.Method,
				r.URL.Path,
				r.RemoteAddr,
				wrapper.status,
				elapsed,
			)
		}
	})
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile | log.Lmicroseconds | log.LUTC)

	numCPU := runtime.NumCPU()
	runtime.GOMAXPROCS(numCPU)
	log.Printf("Server starting with %d CPUs available", numCPU)

	cfg := config.Load()
	log.Printf("Configuration loaded successfully")

	// The audit store is optional: without it tokenizations still work,
	// the audit worker just skips persistence.
	var db *database.Connection
	if cfg.Database.Host != "" {
		var err error
		for retries := 0; retries < 5; retries++ {
			db, err = database.NewConnection(cfg.Database)
			if err == nil {
				break
			}
			retryDelay := time.Duration(retries+1) * time.Second
			log.Printf("Failed to connect to database (attempt %d/5): %v. Retrying in %v...",
				retries+1, err, retryDelay)
			time.Sleep(retryDelay)
		}
		if err != nil {
			log.Fatalf("Failed to connect to database after retries: %v", err)
		}
		defer db.Close()
		log.Println("Successfully connected to database")
	} else {
		log.Println("Warning: DB_HOST not set, audit records will not be persisted")
	}

	jobQueue, err := queue.NewQueue(cfg.Redis.URL, "relay_jobs")
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer jobQueue.Close()
	log.Println("Successfully connected to Redis")

	rateLimiter := middleware.NewRateLimiterWithClient(jobQueue.Client())

	// One verification contract, two implementations. Remote mode asks
	// the merchant-auth service; static mode validates self-issued JWTs.
	var verifier merchant.Verifier
	jwtService := auth.NewJWTService(cfg.Gateway.JWTSecret, cfg.Gateway.JWTIssuer)
	switch cfg.Gateway.Mode {
	case "static":
		if cfg.Gateway.JWTSecret == "" {
			log.Fatal("GATEWAY_JWT_SECRET is required in static mode")
		}
		verifier = merchant.NewStaticVerifier(jwtService)
		log.Println("Merchant verification mode: static (self-issued tokens)")
	case "remote":
		if cfg.Gateway.BaseURL == "" {
			log.Fatal("GATEWAY_BASE_URL is required in remote mode")
		}
		verifier = merchant.NewClient(cfg.Gateway.BaseURL)
		log.Println("Merchant verification mode: remote")
	default:
		log.Fatalf("Unknown gateway mode %q (want remote or static)", cfg.Gateway.Mode)
	}

	if cfg.Processor.BaseURL == "" {
		log.Fatal("PROCESSOR_BASE_URL is required")
	}
	processorClient := processor.NewClient(cfg.Processor.BaseURL)

	workerConcurrency := cfg.Redis.WorkerConcurrency
	if workerConcurrency < 2 {
		workerConcurrency = 2
	} else if workerConcurrency > 8 {
		workerConcurrency = 8
	}
	relayWorker := worker.NewWorker(jobQueue, db)
	relayWorker.Start(workerConcurrency)
	defer relayWorker.Stop()
	log.Printf("Started relay worker with %d threads", workerConcurrency)

	registry := relay.NewRegistry(sessionTTL)
	defer registry.Close()

	if cfg.Session.CookieSecret == "" {
		log.Fatal("SESSION_COOKIE_SECRET is required")
	}
	cookieStore := sessions.NewCookieStore([]byte(cfg.Session.CookieSecret))

	gateHandler := handlers.NewGateHandler(registry, processorClient, cookieStore)
	tokenizeHandler := handlers.NewTokenizeHandler(registry, jobQueue, cfg.Notify.WebhookURL)
	purchaseHandler := handlers.NewPurchaseHandler(registry, processorClient, jobQueue, cfg.Notify.WebhookURL)
	relayHandler := handlers.NewRelayHandler(registry)
	internalHandler := handlers.NewInternalHandler(jwtService, cfg.Gateway.InternalSecret)

	router := mux.NewRouter()
	router.Use(corsMiddleware)
	router.Use(loggingMiddleware)
	router.Use(rateLimiter.RateLimitMiddleware())

	authRequired := middleware.MerchantAuth(verifier)

	// The gate page. Auth runs before the handler, so an invalid token
	// never sees the page and a missing merchant payload is a 400.
	gate := router.PathPrefix("/gate").Subrouter()
	gate.Use(authRequired)
	gate.HandleFunc("", gateHandler.ServeGate).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()

	proxy := api.PathPrefix("/proxy").Subrouter()
	proxy.Use(authRequired)
	proxy.HandleFunc("/tokenize", tokenizeHandler.ProxyTokenize).Methods("POST", "OPTIONS")
	proxy.HandleFunc("/purchase", purchaseHandler.ProxyPurchase).Methods("POST", "OPTIONS")
	proxy.HandleFunc("/detokenize", purchaseHandler.ProxyDetokenize).Methods("POST", "OPTIONS")

	relayAPI := api.PathPrefix("/relay").Subrouter()
	relayAPI.HandleFunc("/message", relayHandler.PostMessage).Methods("POST", "OPTIONS")
	relaySession := relayAPI.PathPrefix("/session").Subrouter()
	relaySession.Use(authRequired)
	relaySession.HandleFunc("/{id}", relayHandler.GetSession).Methods("GET")

	internalAPI := api.PathPrefix("/internal").Subrouter()
	internalAPI.Use(internalHandler.RequireSecret)
	internalAPI.HandleFunc("/merchant-token", internalHandler.GenerateMerchantToken).Methods("POST")

	startTime := time.Now()

	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		health := struct {
			Status    string `json:"status"`
			Time      string `json:"time"`
			Database  string `json:"database"`
			Redis     string `json:"redis"`
			Sessions  int    `json:"sessions"`
			Uptime    string `json:"uptime"`
			GoVersion string `json:"go_version"`
		}{
			Status:    "ok",
			Time:      time.Now().Format(time.RFC3339),
			Database:  "connected",
			Redis:     "connected",
			Sessions:  registry.Len(),
			Uptime:    fmt.Sprintf("%v", time.Since(startTime)),
			GoVersion: runtime.Version(),
		}

		if db != nil {
			dbCtx, dbCancel := context.WithTimeout(ctx, 500*time.Millisecond)
			defer dbCancel()
			if err := db.GetDB().PingContext(dbCtx); err != nil {
				health.Status = "degraded"
				health.Database = "error"
			}
		} else {
			health.Database = "disabled"
		}

		redisCtx, redisCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer redisCancel()
		if err := jobQueue.Client().Ping(redisCtx).Err(); err != nil {
			health.Status = "degraded"
			health.Redis = "error"
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(health)
	}).Methods("GET")

	srv := &http.Server{
		Addr:           fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		log.Printf("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	<-stop
	log.Println("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	log.Println("Shutting down HTTP server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Stopping relay worker...")
	relayWorker.Stop()

	time.Sleep(2 * time.Second)

	log.Println("Closing relay sessions...")
	registry.Close()

	if db != nil {
		log.Println("Closing database connections...")
		db.Close()
	}

	log.Println("Closing Redis connections...")
	jobQueue.Close()

	log.Println("Server exited properly")
}
