package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"courier/internal/api"
	"courier/internal/config"
)

// IssueToken asks the running server's admin API for a bearer token and
// prints it to out.
func IssueToken(userID string, cfg *config.Config, out io.Writer) error {
	reqBody, err := json.Marshal(api.ParticipantRequest{UserID: userID})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/tokens", cfg.AdminAddr)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.AdminPassword != "" {
		req.SetBasicAuth("admin", cfg.AdminPassword)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to issue token (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result api.IssueTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Fprintf(out, "\nToken issued for %s\n", result.UserID)
	fmt.Fprintf(out, "Expires:   %s\n", result.ExpiresAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Token:     %s\n\n", result.Token)
	fmt.Fprintf(out, "Connect with %s/api/ws?token=<token> or an Authorization: Bearer header.\n", cfg.BaseURL)
	return nil
}
