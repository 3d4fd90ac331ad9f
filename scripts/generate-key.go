// Package main is a development utility for generating a test service key with its bcrypt
// hash and display prefix pre-computed. It prints the raw key, hash, prefix, and a
// ready-to-run SQL INSERT statement so developers can quickly seed a usable service key in a
// local database without running the full server flow. Do not use generated keys in
// production — use the service key API to create keys with proper expiry and scope settings.
package main

import (
	"fmt"
	"log"

	"github.com/sello-registry/sello/internal/auth"
)

func main() {
	fullKey, hash, displayPrefix, err := auth.GenerateServiceKey("sello")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("==========================================================")
	fmt.Println("Service Key Generated")
	fmt.Println("==========================================================")
	fmt.Printf("\nFull Key: %s\n", fullKey)
	fmt.Printf("\nHash: %s\n", hash)
	fmt.Printf("\nDisplay Prefix: %s\n", displayPrefix)
	fmt.Println("\n==========================================================")
	fmt.Println("SQL Insert:")
	fmt.Println("==========================================================")
	fmt.Printf(`
INSERT INTO service_keys (id, name, key_hash, key_prefix, scopes, created_at)
VALUES (gen_random_uuid(), 'dev-key', '%s', '%s', '["admin"]', now());
`, hash, displayPrefix)
	fmt.Println("\n==========================================================")
	fmt.Printf("Authorization Header: Bearer %s\n", fullKey)
	fmt.Println("==========================================================")
}
