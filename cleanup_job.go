package main

import (
	"fmt"
	"log"

	"github.com/Metacomet-Technologies/server-manager/internal/session"
	"github.com/robfig/cron/v3"
)

// startCleanupJob schedules the idle-session sweep. intervalSeconds
// comes from configuration; values below one second are clamped.
func startCleanupJob(registry *session.Registry, intervalSeconds int) *cron.Cron {
	if intervalSeconds < 1 {
		intervalSeconds = 1
	}

	c := cron.New()
	spec := fmt.Sprintf("@every %ds", intervalSeconds)
	if _, err := c.AddFunc(spec, func() {
		if _, err := registry.CleanupInactiveSessions(); err != nil {
			log.Printf("[session] cleanup sweep: %v", err)
		}
	}); err != nil {
		log.Fatalf("Failed to schedule cleanup job: %v", err)
	}
	c.Start()
	log.Printf("Cleanup job scheduled every %ds", intervalSeconds)
	return c
}
