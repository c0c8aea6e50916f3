package collab

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Sheets is the tabular record service: list records of a sheet, patch fields
// of one record. Team profiles, score rows, and judged results all live here.
type Sheets struct {
	base string
	http *http.Client
}

func NewSheets(base string, client *http.Client) *Sheets {
	if client == nil {
		client = http.DefaultClient
	}
	return &Sheets{base: base, http: client}
}

// ListRecords returns every record of a sheet.
func (s *Sheets) ListRecords(ctx context.Context, sheetID string) ([]Record, error) {
	var records []Record
	u := fmt.Sprintf("%s/sheets/%s/records", s.base, url.PathEscape(sheetID))
	if err := getJSON(ctx, s.http, u, &records); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

// PatchRecord updates named fields of one record.
func (s *Sheets) PatchRecord(ctx context.Context, sheetID, recordID string, fields map[string]any) error {
	u := fmt.Sprintf("%s/sheets/%s/records/%s", s.base, url.PathEscape(sheetID), url.PathEscape(recordID))
	body := map[string]any{"fields": fields}
	if err := sendJSON(ctx, s.http, http.MethodPatch, u, body, nil); err != nil {
		return fmt.Errorf("patch record: %w", err)
	}
	return nil
}
