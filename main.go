package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Metacomet-Technologies/server-manager/internal/auth"
	"github.com/Metacomet-Technologies/server-manager/internal/broadcast"
	"github.com/Metacomet-Technologies/server-manager/internal/config"
	"github.com/Metacomet-Technologies/server-manager/internal/connection"
	"github.com/Metacomet-Technologies/server-manager/internal/database"
	"github.com/Metacomet-Technologies/server-manager/internal/handlers"
	"github.com/Metacomet-Technologies/server-manager/internal/logging"
	"github.com/Metacomet-Technologies/server-manager/internal/middleware"
	"github.com/Metacomet-Technologies/server-manager/internal/session"
	"github.com/Metacomet-Technologies/server-manager/internal/terminal"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--create-user":
			runCLICommand("create-user")
			return
		case "--reset-password":
			runCLICommand("reset-password")
			return
		}
	}

	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	log.Printf("Config: AuthDisabled=%v, SSHDriver=%s, SessionTTL=%ds",
		config.Cfg.AuthDisabled, config.Cfg.SSHDriver, config.Cfg.SessionTTL)

	// Local connections are gated on a named permission; admins pass.
	gate := func(userID uint) bool {
		user, err := database.GetUserByID(userID)
		if err != nil {
			return false
		}
		if user.Role == "admin" {
			return true
		}
		perms, err := database.UserPermissions(userID)
		if err != nil {
			return false
		}
		for _, p := range perms {
			if p == config.Cfg.LocalGate {
				return true
			}
		}
		return false
	}

	factory := connection.NewFactory(config.Cfg.SSHDriver, config.Cfg.CommandTimeoutDuration(), gate)
	registry := session.NewRegistry(factory, config.Cfg.SessionTTLDuration(), config.Cfg.MaxPerUser)
	hub := broadcast.NewHub()
	termSvc := terminal.NewService(registry, hub, config.Cfg.MaxOutputSize, config.Cfg.PollInterval())

	handlers.ConnFactory = factory
	handlers.Registry = registry
	handlers.Hub = hub
	handlers.Terminal = termSvc

	sessionStore := auth.NewCookieStore()
	handlers.SessionStore = sessionStore

	// Auth cookie cleanup goroutine
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			sessionStore.Cleanup()
		}
	}()

	cleanupCron := startCleanupJob(registry, config.Cfg.CleanupInterval)

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", handlers.Health)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Auth endpoints (no auth required)
		r.Post("/auth/login", handlers.Login)

		// Protected routes (require auth)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(sessionStore))

			r.Post("/auth/logout", handlers.Logout)
			r.Get("/auth/me", handlers.GetCurrentUser)

			// Servers
			r.Get("/servers", handlers.ListServers)
			r.Post("/servers", handlers.CreateServer)
			r.Get("/servers/{id}", handlers.GetServer)
			r.Put("/servers/{id}", handlers.UpdateServer)
			r.Delete("/servers/{id}", handlers.DeleteServer)
			r.Post("/servers/{id}/test-connection", handlers.TestServerConnection)

			// Sessions
			r.Get("/sessions", handlers.ListSessions)
			r.Post("/sessions", handlers.CreateSession)
			r.Get("/sessions/{id}", handlers.GetSession)
			r.Delete("/sessions/{id}", handlers.DestroySession)
			r.Post("/sessions/{id}/share", handlers.ShareSession)
			r.Delete("/sessions/{id}/share/{username}", handlers.UnshareSession)

			// Command execution
			r.Post("/sessions/{id}/execute", handlers.ExecuteCommand)
			r.Post("/sessions/{id}/execute-async", handlers.ExecuteCommandAsync)
			r.Get("/sessions/{id}/processes/{processId}/output", handlers.ProcessOutput)
			r.Get("/sessions/{id}/processes/{processId}/status", handlers.ProcessStatus)
			r.Post("/sessions/{id}/processes/{processId}/kill", handlers.KillProcess)
			r.Get("/sessions/{id}/history", handlers.CommandHistoryList)

			// Terminal
			r.Post("/sessions/{id}/terminal/execute", handlers.ExecuteCommandAsync)
			r.Post("/sessions/{id}/terminal/resize", handlers.ResizeTerminal)
			r.Get("/sessions/{id}/output/ws", handlers.SessionOutputWS)
		})
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	cleanupCron.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	username := fs.String("username", "", "Username")
	password := fs.String("password", "", "Password")
	role := fs.String("role", "user", "Role (user or admin)")
	fs.Parse(os.Args[2:])

	if *username == "" || *password == "" {
		fmt.Fprintf(os.Stderr, "Usage: server-manager --%s --username <user> --password <pass>\n", command)
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	hash, err := auth.HashPassword(*password)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}

	switch command {
	case "create-user":
		if *role != "user" && *role != "admin" {
			log.Fatalf("Role must be user or admin")
		}
		user := &database.User{
			Username:     *username,
			PasswordHash: hash,
			Role:         *role,
		}
		if err := database.CreateUser(user); err != nil {
			log.Fatalf("Failed to create user: %v", err)
		}
		fmt.Printf("User '%s' created with role '%s'.\n", *username, *role)

	case "reset-password":
		user, err := database.GetUserByUsername(*username)
		if err != nil {
			log.Fatalf("User '%s' not found", *username)
		}
		if err := database.UpdateUserPassword(user.ID, hash); err != nil {
			log.Fatalf("Failed to update password: %v", err)
		}
		fmt.Printf("Password reset for '%s'.\n", *username)
	}
}
