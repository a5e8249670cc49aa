// Command seed fills the database with demo farmers, agronomists and
// conversations and prints a development token per profile.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"agrolink/internal/config"
	"agrolink/internal/database"
	"agrolink/internal/models"
	"agrolink/internal/seed"
	"agrolink/internal/server"
)

func main() {
	farmers := flag.Int("farmers", 5, "Number of farmers to create")
	agronomists := flag.Int("agronomists", 2, "Number of agronomists to create")
	messages := flag.Int("messages", 6, "Messages per conversation")
	shouldClean := flag.Bool("clean", true, "Clean messaging tables before seeding")
	randSeed := flag.Int64("seed", 0, "Random seed for reproducible data (0 = time based)")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "Lifetime of the printed development tokens")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.IsProduction() {
		log.Fatal("Refusing to seed a production database")
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	res, err := seed.NewSeeder(db, *randSeed).Run(context.Background(), seed.Options{
		Farmers:                 *farmers,
		Agronomists:             *agronomists,
		MessagesPerConversation: *messages,
		ShouldClean:             *shouldClean,
	})
	if err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}

	printTokens(cfg.JWTSecret, *tokenTTL, res.Farmers)
	printTokens(cfg.JWTSecret, *tokenTTL, res.Agronomists)
}

func printTokens(secret string, ttl time.Duration, users []models.User) {
	for _, u := range users {
		token, err := server.IssueToken(secret, u.ID, ttl)
		if err != nil {
			log.Fatalf("Failed to sign token for profile %d: %v", u.ID, err)
		}
		fmt.Printf("%-4d %-11s %-24s %s\n", u.ID, u.Role, u.DisplayName(), token)
	}
}
