// Command sign-webhook signs a payment notification the way a gateway would
// and optionally delivers it, for exercising a running service by hand.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sewago/payment-webhooks/internal/models"
	"github.com/sewago/payment-webhooks/internal/services"
)

func main() {
	gatewayName := flag.String("gateway", "esewa", "gateway to impersonate (esewa or khalti)")
	secret := flag.String("secret", os.Getenv("WEBHOOK_SIGNING_SECRET"), "gateway HMAC secret")
	body := flag.String("body", "", "raw JSON body")
	file := flag.String("file", "", "read the raw body from this file instead")
	key := flag.String("key", "", "idempotency key (random when empty)")
	url := flag.String("url", "", "POST the signed webhook to this service base URL")
	flag.Parse()

	gateway, ok := models.ParseGateway(*gatewayName)
	if !ok {
		log.Fatalf("Unknown gateway %q", *gatewayName)
	}
	if *secret == "" {
		log.Fatal("A signing secret is required (-secret or WEBHOOK_SIGNING_SECRET)")
	}

	payload := []byte(*body)
	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			log.Fatalf("Failed to read body: %v", err)
		}
		payload = data
	}
	if len(payload) == 0 {
		log.Fatal("A body is required (-body or -file)")
	}
	if *key == "" {
		*key = uuid.NewString()
	}

	signature := services.ComputeSignature([]byte(*secret), payload)
	fmt.Printf("%s: %s\n", gateway.SignatureHeader(), signature)
	fmt.Printf("%s: %s\n", models.HeaderIdempotencyKey, *key)

	if *url == "" {
		return
	}

	req, err := http.NewRequest(http.MethodPost, *url+"/api/v1/payments/webhooks/"+string(gateway), bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(gateway.SignatureHeader(), signature)
	req.Header.Set(models.HeaderIdempotencyKey, *key)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("Delivery failed: %v", err)
	}
	defer resp.Body.Close()

	response, _ := io.ReadAll(resp.Body)
	fmt.Printf("\n%s\n", resp.Status)
	if retry := resp.Header.Get("Retry-After"); retry != "" {
		fmt.Printf("Retry-After: %s\n", retry)
	}
	fmt.Println(string(response))
}
