// Package main is a diagnostic tool for testing database connectivity and
// inspecting live code lifecycle data. It connects to the database through the
// same repositories the server uses, prints per-state code counts and the most
// recent registrations, and exits non-zero on any failure so it can gate
// deployments on a reachable, populated database.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/sello-registry/sello/internal/db/models"
	"github.com/sello-registry/sello/internal/db/repositories"
)

func main() {
	dbPassword := os.Getenv("DATABASE_PASSWORD")
	if dbPassword == "" {
		dbPassword = "sello"
	}

	connStr := fmt.Sprintf("host=localhost port=5432 user=sello password=%s dbname=sello sslmode=disable", dbPassword)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	qrRepo := repositories.NewQRCodeRepository(db)
	docRepo := repositories.NewDocumentRepository(db)

	// Code counts per state
	fmt.Println("=== CODES BY STATUS ===")
	counts, err := qrRepo.CountByStatus(ctx)
	if err != nil {
		log.Fatalf("Count query failed: %v", err)
	}
	total := 0
	for _, status := range []models.Status{
		models.StatusGenerated, models.StatusActive, models.StatusUsed,
		models.StatusExpired, models.StatusRevoked,
	} {
		fmt.Printf("Status: %-10s %d\n", status, counts[status])
		total += counts[status]
	}
	fmt.Printf("Total:  %d\n", total)

	// Recently registered documents with their bound codes
	fmt.Println("\n=== RECENT DOCUMENTS ===")
	docs, err := docRepo.ListRecent(ctx, 20)
	if err != nil {
		log.Fatalf("Document query failed: %v", err)
	}

	for _, doc := range docs {
		bound := "NO CODE"
		if doc.QRCodeID != nil {
			qr, err := qrRepo.GetByBoundDocument(ctx, doc.ID)
			if err != nil {
				log.Printf("Warning: failed to load code for document %s: %v", doc.ID, err)
			} else if qr != nil && qr.IsBound() {
				bound = qr.Code
			}
		}
		fmt.Printf("Document: %s (type %s) archive=%s code=%s\n", doc.ID, doc.DocumentTypeID, doc.ArchiveKey, bound)
	}

	if len(docs) == 0 {
		fmt.Println("No documents found!")
	}
}
