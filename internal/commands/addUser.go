package commands

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"palaver/internal/api"
	"palaver/internal/config"
)

// AddUIUser creates a web front-end login. An empty password gets a random
// one, which is printed once.
func AddUIUser(w io.Writer, username, password string, cfg *config.Config) error {
	if password == "" {
		b := make([]byte, 12)
		if _, err := rand.Read(b); err != nil {
			return fmt.Errorf("failed to generate password: %w", err)
		}
		password = base64.RawURLEncoding.EncodeToString(b)
	}

	var result api.AddUIUserResponse
	err := postAdmin(cfg, "/admin/ui-users", api.AddUIUserRequest{Username: username, Password: password}, &result)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "\nUser Created Successfully!\n")
	fmt.Fprintf(w, "Username:  %s\n", result.Username)
	fmt.Fprintf(w, "Password:  %s\n", password)
	fmt.Fprintf(w, "Login at:  %s/\n\n", strings.TrimSuffix(cfg.BaseURL, "/"))
	return nil
}
