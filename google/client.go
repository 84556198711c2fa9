// Package google builds the Sheets and Drive clients used by the catalog export
package google

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const (
	envEnabled     = "GOOGLE_SHEETS_ENABLED"
	envKeyJSON     = "GOOGLE_SERVICE_ACCOUNT_KEY_JSON"
	envKeyFile     = "GOOGLE_SERVICE_ACCOUNT_KEY_FILE"
	envSpreadsheet = "GOOGLE_SHEETS_SPREADSHEET_ID"
	envFolder      = "GOOGLE_DRIVE_FOLDER_ID"
	defaultKeyFile = "google_sheets.json"
)

// IsEnabled returns true if the Sheets export is enabled via environment variable
func IsEnabled() bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(envEnabled)))
	return val == "true" || val == "1"
}

// GetSpreadsheetID returns the configured spreadsheet ID
func GetSpreadsheetID() string {
	return strings.TrimSpace(os.Getenv(envSpreadsheet))
}

// GetFolderID returns the Drive folder new spreadsheets are created in
func GetFolderID() string {
	return strings.TrimSpace(os.Getenv(envFolder))
}

// NewSheetsClient creates a Sheets client from service account credentials.
// Returns nil, nil when the export is disabled.
func NewSheetsClient(ctx context.Context) (*sheets.Service, error) {
	opt, enabled, err := getAuthenticatedHTTPClient(ctx, sheets.SpreadsheetsScope)
	if err != nil || !enabled {
		return nil, err
	}

	srv, err := sheets.NewService(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	return srv, nil
}

// getAuthenticatedHTTPClient returns a client option for scope; enabled is
// false when the export is switched off
func getAuthenticatedHTTPClient(ctx context.Context, scope string) (option.ClientOption, bool, error) {
	if !IsEnabled() {
		return nil, false, nil
	}

	credJSON, err := getCredentialsJSON()
	if err != nil {
		return nil, true, fmt.Errorf("failed to get credentials: %w", err)
	}

	config, err := google.JWTConfigFromJSON(credJSON, scope)
	if err != nil {
		return nil, true, fmt.Errorf("failed to parse credentials: %w", err)
	}

	return option.WithHTTPClient(config.Client(ctx)), true, nil
}

// getCredentialsJSON reads GOOGLE_SERVICE_ACCOUNT_KEY_JSON, then the file named
// by GOOGLE_SERVICE_ACCOUNT_KEY_FILE (default google_sheets.json)
func getCredentialsJSON() ([]byte, error) {
	if inline := strings.TrimSpace(os.Getenv(envKeyJSON)); inline != "" {
		return []byte(inline), nil
	}

	keyFile := strings.TrimSpace(os.Getenv(envKeyFile))
	if keyFile == "" {
		keyFile = defaultKeyFile
	}

	data, err := os.ReadFile(keyFile) //nolint:gosec // G304: path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file %s: %w", keyFile, err)
	}
	return data, nil
}
