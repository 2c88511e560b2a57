package main

import (
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sewago/payment-webhooks/internal/utils"
	"github.com/sewago/payment-webhooks/pkg/jwt"
)

func main() {
	operator := flag.String("operator", "", "also mint an admin access token for this operator id")
	roles := flag.String("roles", "admin", "comma-separated roles for the minted token")
	expiry := flag.Duration("expiry", 24*time.Hour, "lifetime of the minted token")
	flag.Parse()

	fmt.Println("===========================================")
	fmt.Println("Secret Generator for SewaGo payment webhooks")
	fmt.Println("===========================================")
	fmt.Println()

	secrets, err := utils.GenerateServiceSecrets()
	if err != nil {
		log.Fatalf("Failed to generate secrets: %v", err)
	}

	fmt.Println("✅ Secrets generated successfully!")
	fmt.Println()
	fmt.Println("Add these to your .env file:")
	fmt.Println()
	fmt.Printf("ESEWA_SECRET_KEY=%s\n", secrets.EsewaSecretKey)
	fmt.Printf("KHALTI_SECRET_KEY=%s\n", secrets.KhaltiSecretKey)
	fmt.Printf("JWT_SECRET=%s\n", secrets.JWTSecret)
	fmt.Println()

	if *operator != "" {
		token, err := jwt.NewService(secrets.JWTSecret, *expiry).GenerateAccessToken(*operator, strings.Split(*roles, ","))
		if err != nil {
			log.Fatalf("Failed to mint access token: %v", err)
		}
		fmt.Printf("Access token for %s (valid %s, signed with the JWT_SECRET above):\n", *operator, *expiry)
		fmt.Println(token)
		fmt.Println()
	}

	fmt.Println("⚠️  IMPORTANT: Keep these secrets safe and never commit them to version control!")
	fmt.Println("===========================================")
}
