// Command runnerhub-migrate performs one-off schema migrations on an
// orchestrator bbolt store file: flag-driven, backup-before-write,
// dry-run-capable, bucket-by-bucket inspection with a running count and
// progress log lines.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/runnerhub", "RunnerHub data directory")
	dryRun     = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "Path to back up the store before migration (default: <data-dir>/runnerhub.db.backup)")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("RunnerHub Store Migration Tool - pools.default_labels backfill")
	log.Println("================================================================")

	dbPath := filepath.Join(*dataDir, "runnerhub.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("store not found at %s", dbPath)
	}

	log.Printf("Store: %s", dbPath)
	log.Printf("Dry run: %v", *dryRun)

	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("failed to create backup: %v", err)
		}
		log.Println("backup created")
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer db.Close()

	if err := backfillPoolDefaultLabels(db, *dryRun); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	if *dryRun {
		log.Println("\ndry run complete, no changes made")
	} else {
		log.Println("\nmigration complete")
	}
}

// backfillPoolDefaultLabels adds an empty default_labels array to any pool
// record written before that field existed, so the Runner Pool Manager's
// anticipatory scale-up path never has to special-case a missing key.
func backfillPoolDefaultLabels(db *bolt.DB, dryRun bool) error {
	var total, needsBackfill int

	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("pools"))
		if b == nil {
			log.Println("no 'pools' bucket found; nothing to migrate")
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			total++
			var raw map[string]json.RawMessage
			if err := json.Unmarshal(v, &raw); err != nil {
				log.Printf("warning: skipping undecodable pool record %s: %v", k, err)
				return nil
			}
			if _, ok := raw["default_labels"]; !ok {
				needsBackfill++
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	log.Printf("found %d pool record(s), %d need default_labels backfilled", total, needsBackfill)
	if needsBackfill == 0 || dryRun {
		return nil
	}

	// Collect updates before writing any of them back: bbolt's ForEach
	// contract forbids mutating the bucket being iterated.
	type update struct {
		key  []byte
		data []byte
	}
	var updates []update

	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("pools"))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var raw map[string]json.RawMessage
			if err := json.Unmarshal(v, &raw); err != nil {
				return nil
			}
			if _, ok := raw["default_labels"]; ok {
				return nil
			}
			raw["default_labels"] = json.RawMessage("[]")
			data, err := json.Marshal(raw)
			if err != nil {
				return fmt.Errorf("marshal backfilled pool %s: %w", k, err)
			}
			updates = append(updates, update{key: append([]byte(nil), k...), data: data})
			return nil
		})
	})
	if err != nil {
		return err
	}

	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("pools"))
		if b == nil {
			return nil
		}
		for _, u := range updates {
			if err := b.Put(u.key, u.data); err != nil {
				return err
			}
		}
		log.Printf("backfilled %d/%d pool record(s)", len(updates), needsBackfill)
		return nil
	})
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
