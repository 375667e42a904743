package main

import (
	"fmt"
	"os"

	"github.com/uhyunpark/dicebet/pkg/crypto"
)

// keygen prints a fresh player key for PLAYER_PRIVATE_KEY.
func main() {
	signer, err := crypto.GenerateKey()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Address: %s\n", signer.Address().Hex())
	fmt.Printf("Private Key: %s (KEEP SECRET!)\n\n", signer.PrivateKeyHex())
	fmt.Println("Add to .env:")
	fmt.Printf("  PLAYER_PRIVATE_KEY=%s\n", signer.PrivateKeyHex())
}
