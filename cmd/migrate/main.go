package main

import (
	"fmt"
	"log"

	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"relaydesk/internal/config"
	"relaydesk/internal/models"
)

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=%s",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password,
		cfg.Database.Name, cfg.Database.Port, cfg.Database.SSLMode, cfg.Database.TimeZone)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	if err := db.AutoMigrate(models.All()...); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed successfully!")

	log.Println("Creating additional indexes...")

	// Hot query paths: ledger reads and the pending-escalation scan.
	db.Exec("CREATE INDEX IF NOT EXISTS idx_events_session_seq_type ON events(session_id, seq, type)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_sessions_status_assigned ON sessions(status, assigned_agent_id)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_cost_records_session ON cost_records(session_id)")

	log.Println("Indexes created")
}
