// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"testing"

	"agrolink/internal/database"
	"agrolink/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewSQLiteDB returns a migrated in-memory database private to the test.
func NewSQLiteDB(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	// Every pooled connection to :memory: would see its own empty database.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("Failed to migrate database: %v", err)
	}
	return db
}

// SeedUsers inserts one profile per role and returns them in insertion order.
func SeedUsers(t testing.TB, db *gorm.DB, roles ...models.Role) []models.User {
	t.Helper()

	users := make([]models.User, 0, len(roles))
	for i, role := range roles {
		u := models.User{
			FirstName: "User",
			LastName:  string(rune('A' + i)),
			Role:      role,
		}
		if err := db.Create(&u).Error; err != nil {
			t.Fatalf("Failed to seed user: %v", err)
		}
		users = append(users, u)
	}
	return users
}
