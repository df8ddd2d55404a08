package commands

import (
	"fmt"
	"io"

	"palaver/internal/notify"
)

// GenerateVAPID prints a fresh key pair in environment form.
func GenerateVAPID(w io.Writer) error {
	public, private, err := notify.GenerateKeys()
	if err != nil {
		return fmt.Errorf("failed to generate keys: %w", err)
	}
	fmt.Fprintf(w, "VAPID_PUBLIC_KEY=%s\n", public)
	fmt.Fprintf(w, "VAPID_PRIVATE_KEY=%s\n", private)
	return nil
}
