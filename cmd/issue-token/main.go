package main

import (
	"encoding/json"
	"fmt"
	"os"

	jwtpkg "creditmail/backend/internal/auth/jwt"
	"creditmail/backend/internal/config"
)

// issue-token 为账户签发访问令牌，用于本地调试和运维脚本
func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: issue-token <account>")
		os.Exit(1)
	}
	account := os.Args[1]

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	manager := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessExpiry)
	token, err := manager.GenerateToken(account)
	if err != nil {
		fmt.Printf("Failed to issue token: %v\n", err)
		os.Exit(1)
	}

	if account == cfg.Ledger.Owner {
		fmt.Fprintln(os.Stderr, "note: this account is the ledger owner")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(token); err != nil {
		fmt.Printf("Failed to encode token: %v\n", err)
		os.Exit(1)
	}
}
