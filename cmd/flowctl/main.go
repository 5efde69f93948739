/**
 * @description
 * Operator script to retry or requeue one step of a settlement flow through the admin
 * API. It shows the step first and asks for confirmation before acting.
 *
 * Usage:
 *   go run ./cmd/flowctl <retry|requeue> <flow-id> <step-id>
 *
 * @dependencies
 * - Environment variables: SETTLEMENT_API_URL, ADMIN_JWT_SECRET
 */

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
)

// apiError is the error body returned by the admin API.
type apiError struct {
	Error string `json:"error"`
}

// flowDetail is the subset of the flow detail view shown before acting.
type flowDetail struct {
	Instance struct {
		ID               string `json:"id"`
		TransactionID    string `json:"transaction_id"`
		Status           string `json:"status"`
		CurrentStepOrder int    `json:"current_step_order"`
	} `json:"instance"`
	Steps []struct {
		ID        string  `json:"id"`
		StepOrder int     `json:"step_order"`
		StepType  string  `json:"step_type"`
		Status    string  `json:"status"`
		Attempts  int     `json:"attempts"`
		Error     *string `json:"error,omitempty"`
	} `json:"steps"`
}

func main() {
	if len(os.Args) != 4 || (os.Args[1] != "retry" && os.Args[1] != "requeue") {
		fmt.Println("Usage: go run ./cmd/flowctl <retry|requeue> <flow-id> <step-id>")
		os.Exit(1)
	}
	action, flowID, stepID := os.Args[1], os.Args[2], os.Args[3]

	// Load environment variables from .env file if it exists
	_ = godotenv.Load(".env", "../.env")

	baseURL := strings.TrimRight(os.Getenv("SETTLEMENT_API_URL"), "/")
	secret := os.Getenv("ADMIN_JWT_SECRET")
	if secret == "" {
		log.Fatal("ADMIN_JWT_SECRET environment variable is required")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8085"
		fmt.Println("Using default API URL:", baseURL)
	}

	token, err := operatorToken(secret, os.Getenv("USER"), time.Now())
	if err != nil {
		log.Fatalf("Failed to sign operator token: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client := &http.Client{Timeout: 15 * time.Second}

	fmt.Printf("Fetching flow %s\n", flowID)
	detail, err := getFlow(ctx, client, baseURL, token, flowID)
	if err != nil {
		log.Fatalf("Failed to fetch flow: %v", err)
	}
	printFlow(detail, stepID)

	fmt.Printf("\nAre you sure you want to %s this step? (yes/no): ", action)
	var confirmation string
	fmt.Scanln(&confirmation)
	if confirmation != "yes" {
		fmt.Println("Cancelled.")
		os.Exit(0)
	}

	updated, err := resetStep(ctx, client, baseURL, token, flowID, stepID, action)
	if err != nil {
		log.Fatalf("Failed to %s step: %v", action, err)
	}
	fmt.Printf("Flow %s is now %s at step %d\n", updated.Instance.ID, updated.Instance.Status, updated.Instance.CurrentStepOrder)
}

// operatorToken signs a short-lived operator token.
func operatorToken(secret, subject string, now time.Time) (string, error) {
	if subject == "" {
		subject = "flowctl"
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject,
		"role": "operator",
		"iat":  now.Unix(),
		"exp":  now.Add(5 * time.Minute).Unix(),
	})
	return token.SignedString([]byte(secret))
}

func printFlow(detail *flowDetail, stepID string) {
	fmt.Printf("Flow Details:\n")
	fmt.Printf("  ID: %s\n", detail.Instance.ID)
	fmt.Printf("  Transaction: %s\n", detail.Instance.TransactionID)
	fmt.Printf("  Status: %s (step %d)\n", detail.Instance.Status, detail.Instance.CurrentStepOrder)
	for _, step := range detail.Steps {
		marker := " "
		if step.ID == stepID {
			marker = ">"
		}
		line := fmt.Sprintf("%s %d %s %s attempts=%d", marker, step.StepOrder, step.StepType, step.Status, step.Attempts)
		if step.Error != nil {
			line += " error=" + *step.Error
		}
		fmt.Println(line)
	}
}

func getFlow(ctx context.Context, client *http.Client, baseURL, token, flowID string) (*flowDetail, error) {
	return call(ctx, client, http.MethodGet, fmt.Sprintf("%s/admin/flows/%s", baseURL, flowID), token)
}

func resetStep(ctx context.Context, client *http.Client, baseURL, token, flowID, stepID, action string) (*flowDetail, error) {
	return call(ctx, client, http.MethodPost, fmt.Sprintf("%s/admin/flows/%s/steps/%s/%s", baseURL, flowID, stepID, action), token)
}

func call(ctx context.Context, client *http.Client, method, url, token string) (*flowDetail, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("admin API error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("admin API error with status %d: %s", resp.StatusCode, string(body))
	}

	var detail flowDetail
	if err := json.Unmarshal(body, &detail); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &detail, nil
}
