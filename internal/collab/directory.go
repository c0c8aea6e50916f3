package collab

import (
	"context"
	"fmt"
	"net/http"

	"contest-station-client/internal/domain"
)

// Directory lists the configured contest events with their stage lists.
type Directory struct {
	base string
	http *http.Client
}

func NewDirectory(base string, client *http.Client) *Directory {
	if client == nil {
		client = http.DefaultClient
	}
	return &Directory{base: base, http: client}
}

// ListEvents returns all configured events in operator order.
func (d *Directory) ListEvents(ctx context.Context) ([]domain.Event, error) {
	var events []domain.Event
	if err := getJSON(ctx, d.http, d.base+"/events", &events); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}
