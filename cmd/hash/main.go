// Package main is a utility for generating bcrypt hashes of service key values.
// The engine stores only bcrypt hashes of service keys — never the raw key
// values — so this tool is used when manually seeding or verifying service key
// records in the database without running the full server. Running it locally
// produces a hash that can be inserted directly into the service_keys table.
package main

import (
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
)

func main() {
	key := "sello_qHlTX4JvjK1yVUgRukLlgiwFQmFOiHdE"
	if len(os.Args) > 1 {
		key = os.Args[1]
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	fmt.Println(string(hash))
}
