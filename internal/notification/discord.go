package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type discordMessage struct {
	Embeds []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

// Notifier posts run outcomes to Discord webhooks. Zero-value URLs disable
// the corresponding notification, so unconfigured environments stay silent.
type Notifier struct {
	errorURL   string
	successURL string
	client     *http.Client
}

func NewNotifier(errorURL, successURL string) *Notifier {
	return &Notifier{
		errorURL:   errorURL,
		successURL: successURL,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

// NotifyError posts an error embed. Disabled notifiers return nil.
func (n *Notifier) NotifyError(message string) error {
	if n.errorURL == "" {
		return nil
	}
	return n.post(n.errorURL, discordEmbed{
		Title:       "Retrieval error",
		Description: message,
		Color:       16711680, // red
	})
}

// NotifySuccess posts a success embed. Disabled notifiers return nil.
func (n *Notifier) NotifySuccess(message string) error {
	if n.successURL == "" {
		return nil
	}
	return n.post(n.successURL, discordEmbed{
		Title:       "Retrieval complete",
		Description: message,
		Color:       65280, // green
	})
}

func (n *Notifier) post(url string, embed discordEmbed) error {
	payload, err := json.Marshal(discordMessage{Embeds: []discordEmbed{embed}})
	if err != nil {
		return err
	}
	resp, err := n.client.Post(url, "application/json", bytes.NewBuffer(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to send Discord notification, status code: %d", resp.StatusCode)
	}
	return nil
}
