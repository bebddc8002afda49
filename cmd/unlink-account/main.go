/**
 * @description
 * Operator tool to unlink a user's bank account through the service API.
 * It shows the account first and asks for confirmation before deleting.
 *
 * Usage:
 *   go run ./cmd/unlink-account <account-id>
 *
 * Example:
 *   LINKED_ACCOUNT_USER_ID=user_123 go run ./cmd/unlink-account 3f0c2a8e-6a57-4c1e-9a8b-0f0e6c1d2b3a
 *
 * @dependencies
 * - Environment variables: LINKED_ACCOUNT_API_URL, and either
 *   LINKED_ACCOUNT_API_TOKEN (bearer token) or LINKED_ACCOUNT_USER_ID
 *   (trusted header mode).
 */
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Println("Usage: unlink-account <account-id>")
		fmt.Println("Example: unlink-account 3f0c2a8e-6a57-4c1e-9a8b-0f0e6c1d2b3a")
		os.Exit(1)
	}

	accountID := os.Args[1]

	// Load environment variables from .env file if it exists
	_ = godotenv.Load("../.env", ".env")

	baseURL := strings.TrimSpace(os.Getenv("LINKED_ACCOUNT_API_URL"))
	if baseURL == "" {
		baseURL = "http://localhost:8083"
		fmt.Println("Using default API URL:", baseURL)
	}

	client := &apiClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   strings.TrimSpace(os.Getenv("LINKED_ACCOUNT_API_TOKEN")),
		userID:  strings.TrimSpace(os.Getenv("LINKED_ACCOUNT_USER_ID")),
	}
	if client.token == "" && client.userID == "" {
		log.Fatal("LINKED_ACCOUNT_API_TOKEN or LINKED_ACCOUNT_USER_ID environment variable is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// First, get account info to confirm deletion
	fmt.Printf("Fetching linked account %s\n", accountID)
	account, err := client.getAccount(ctx, accountID)
	if err != nil {
		log.Fatalf("Failed to fetch account: %v", err)
	}

	fmt.Printf("Account Details:\n")
	fmt.Printf("  ID: %s\n", account.ID)
	fmt.Printf("  Bank: %s (%s, %s)\n", account.BankName, account.Country, account.Currency)
	fmt.Printf("  Holder: %s\n", account.AccountHolderName)
	fmt.Printf("  Number: %s\n", account.AccountNumberMasked)
	fmt.Printf("  Primary: %t  Verified: %t\n", account.IsPrimary, account.IsVerified)
	if account.IsPrimary {
		fmt.Println("  Warning: this is the primary account; no other account will be promoted.")
	}

	fmt.Printf("\nAre you sure you want to unlink this account? (yes/no): ")
	confirmation, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	if strings.TrimSpace(confirmation) != "yes" {
		fmt.Println("Unlink cancelled.")
		os.Exit(0)
	}

	fmt.Printf("Unlinking account %s...\n", accountID)
	if err := client.deleteAccount(ctx, accountID); err != nil {
		log.Fatalf("Failed to unlink account: %v", err)
	}

	fmt.Printf("Successfully unlinked account %s\n", accountID)
}
