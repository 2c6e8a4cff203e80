// Command devtoken mints a bearer token signed with JWT_SECRET for local
// development against a running server.
package main

import (
	"flag"
	"fmt"
	"log"

	"crmchat/internal/config"
	"crmchat/internal/security"
)

func main() {
	userID := flag.String("user", "", "user id placed in the sub claim")
	name := flag.String("name", "", "display name placed in the name claim")
	ttl := flag.Duration("ttl", 0, "token lifetime (defaults to TOKEN_TTL)")
	flag.Parse()

	if *userID == "" {
		log.Fatal("-user is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *ttl <= 0 {
		*ttl = cfg.TokenTTL
	}
	if *name == "" {
		*name = *userID
	}

	tok, err := security.NewTokenService(cfg.JWTSecret, cfg.TokenTTL).CreateWithTTL(*userID, *name, *ttl)
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}
	fmt.Println(tok)
}
