// Package main is a development utility for generating a backup master key.
// It prints the base64url-encoded AES-256 key in the format expected by the
// BACKUP_MASTER_KEY environment variable (or backup.master_key in config.yaml).
// Generate one key per environment and store it in your secret manager — a
// lost master key makes every encrypted backup unrecoverable.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
)

func main() {
	// 32 random bytes = AES-256 key
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		log.Fatal(err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(key)

	fmt.Println("==========================================================")
	fmt.Println("Backup Master Key Generated")
	fmt.Println("==========================================================")
	fmt.Printf("\nBACKUP_MASTER_KEY=%s\n", encoded)
	fmt.Println("\n==========================================================")
	fmt.Println("Store this key in your secret manager before enabling")
	fmt.Println("backup encryption (backup.encrypt = true). Restores of")
	fmt.Println("encrypted archives require the same key.")
	fmt.Println("==========================================================")
}
