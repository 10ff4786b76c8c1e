package cmd

import (
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/outreachly/campd/internal/config"
	"github.com/outreachly/campd/internal/db"
	"github.com/outreachly/campd/internal/model"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with a demo contact list and campaign",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			PingTimeout:     cfg.MySQL.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		log.Println(">> Seeding demo contact list and campaign...")

		listID, err := seedContactList(sqlDB)
		if err != nil {
			return err
		}
		if err := seedCampaign(sqlDB, listID); err != nil {
			return err
		}

		log.Println(">> Seed completed")
		return nil
	},
}

// seedContactList inserts a deterministic demo list with a handful of
// contacts covering the template fallback cases (idempotent).
func seedContactList(dbx *sqlx.DB) (int64, error) {
	tx, err := dbx.Beginx()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const listQ = `
INSERT INTO contact_lists (id, name, created_at)
VALUES (1, 'Demo Launch List', NOW())
ON DUPLICATE KEY UPDATE name = VALUES(name)
`
	if _, err := tx.Exec(listQ); err != nil {
		return 0, fmt.Errorf("insert contact list: %w", err)
	}

	contacts := []model.Contact{
		{ListID: 1, Email: "ada@example.com", FirstName: "Ada", LastName: "Lovelace", PreferredName: "Ada"},
		{ListID: 1, Email: "grace@example.com", FirstName: "Grace", LastName: "Hopper"},
		// no first name: templates fall back to "Friend"
		{ListID: 1, Email: "noname@example.com"},
		{ListID: 1, Email: "edsger@example.com", FirstName: "Edsger", LastName: "Dijkstra", PreferredName: "E.W."},
		{ListID: 1, Email: "barbara@example.com", FirstName: "Barbara", LastName: "Liskov"},
	}

	// idempotent upsert based on (list_id, email) UNIQUE
	const q = `
INSERT INTO contacts
    (list_id, email, first_name, last_name, preferred_name, created_at)
VALUES
    (?, ?, ?, ?, ?, NOW())
ON DUPLICATE KEY UPDATE
    first_name     = VALUES(first_name),
    last_name      = VALUES(last_name),
    preferred_name = VALUES(preferred_name)
`
	for _, c := range contacts {
		if _, err := tx.Exec(q, c.ListID, c.Email, c.FirstName, c.LastName, c.PreferredName); err != nil {
			return 0, fmt.Errorf("insert contact %q: %w", c.Email, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit contacts: %w", err)
	}
	return 1, nil
}

// seedCampaign creates one ready-to-dispatch campaign against the demo list.
func seedCampaign(dbx *sqlx.DB, listID int64) error {
	const q = `
INSERT INTO campaigns
    (id, name, contact_list_id, subject, body, status, sent_count, failed_count, created_at, updated_at)
VALUES
    (1, 'Demo Launch', ?, 'Hello {{goesBy}}!',
     'Hi {{firstName}} {{lastName}},\n\nThis went to {{email}}.\n', ?, 0, 0, NOW(), NOW())
ON DUPLICATE KEY UPDATE
    name       = VALUES(name),
    subject    = VALUES(subject),
    body       = VALUES(body),
    updated_at = NOW()
`
	if _, err := dbx.Exec(q, listID, model.CampaignReady.String()); err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}
