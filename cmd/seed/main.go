package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/adirai/community-api/internal/config"
	"github.com/adirai/community-api/internal/models"
	"github.com/adirai/community-api/internal/signals"
	"github.com/adirai/community-api/internal/storage"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	users int
	posts int
	area  string

	rootCmd = &cobra.Command{
		Use:   "seed",
		Short: "Seed demo users and posts for local development",
		RunE:  runSeed,
	}
)

var demoPosts = []struct {
	category string
	content  string
}{
	{"announcement", "Water supply will be interrupted tomorrow between 10am and 2pm"},
	{"help", "Street light near the school gate has been out for a week"},
	{"complaint", "Garbage not collected on the main bazaar road since Monday"},
	{"thought", "Thank you to everyone who helped clean the beach this weekend"},
	{"lost_found", "Found a set of keys near the bus stand, message to claim"},
	{"service", "Free eye check-up camp at the community hall on Saturday"},
}

func init() {
	rootCmd.Flags().IntVar(&users, "users", 5, "number of demo users")
	rootCmd.Flags().IntVar(&posts, "posts", 12, "number of demo posts")
	rootCmd.Flags().StringVar(&area, "area", signals.DefaultArea, "location tag for the seeded posts")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSeed(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found, using environment variables")
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if users < 1 {
		return fmt.Errorf("--users must be at least 1")
	}

	store, err := storage.Open(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	return seed(cmd.Context(), store, time.Now().UTC())
}

func seed(ctx context.Context, store storage.Store, now time.Time) error {
	created := make([]*models.User, 0, users)
	for i := 0; i < users; i++ {
		user := &models.User{
			ID:        uuid.NewString(),
			Mobile:    fmt.Sprintf("90000%05d", i+1),
			Name:      fmt.Sprintf("Demo User %d", i+1),
			CreatedAt: now,
		}
		if err := store.CreateUser(ctx, user); err != nil {
			return fmt.Errorf("failed to create user %s: %w", user.Mobile, err)
		}
		created = append(created, user)
	}

	for i := 0; i < posts; i++ {
		demo := demoPosts[i%len(demoPosts)]
		post := &models.Post{
			ID:               uuid.NewString(),
			UserID:           created[i%len(created)].ID,
			Content:          demo.content,
			Category:         demo.category,
			LocationTag:      area,
			ModerationStatus: models.ModerationApproved,
			UrgentBoostTier:  signals.TierNone,
			CreatedAt:        now.Add(-time.Duration(i) * time.Hour),
			UpdatedAt:        now,
		}
		if err := store.CreatePost(ctx, post); err != nil {
			return fmt.Errorf("failed to create post: %w", err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"users": len(created),
		"posts": posts,
		"area":  area,
	}).Info("Seed data created")
	return nil
}
