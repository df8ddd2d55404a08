package commands

import (
	"fmt"
	"io"
	"strings"

	"palaver/internal/api"
	"palaver/internal/config"
)

// AddContact puts "proto:account[:alias]" on the contact list.
func AddContact(w io.Writer, arg string, cfg *config.Config) error {
	parts := strings.SplitN(arg, ":", 3)
	if len(parts) < 2 || parts[1] == "" {
		return fmt.Errorf("contact must be proto:account[:alias], got %q", arg)
	}
	req := api.AddContactRequest{Protocol: parts[0], Account: parts[1]}
	if len(parts) == 3 {
		req.Alias = parts[2]
	}

	var result struct {
		EventID uint64 `json:"eventId"`
	}
	if err := postAdmin(cfg, "/admin/contacts", req, &result); err != nil {
		return err
	}

	fmt.Fprintf(w, "Contact %s:%s added.\n", strings.ToUpper(req.Protocol), req.Account)
	if result.EventID != 0 {
		fmt.Fprintf(w, "Server list update queued as event %d.\n", result.EventID)
	}
	return nil
}
