package google

import (
	"context"
	"fmt"

	"google.golang.org/api/drive/v3"
)

// NewDriveClient creates a Drive client with the Sheets credentials.
// Returns nil, nil when the export is disabled.
func NewDriveClient(ctx context.Context) (*drive.Service, error) {
	opt, enabled, err := getAuthenticatedHTTPClient(ctx, drive.DriveScope)
	if err != nil || !enabled {
		return nil, err
	}

	srv, err := drive.NewService(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}
	return srv, nil
}

// CreateSpreadsheet creates a spreadsheet in GOOGLE_DRIVE_FOLDER_ID.
// The folder must be shared with the service account.
func CreateSpreadsheet(ctx context.Context, title string) (string, error) {
	if !IsEnabled() {
		return "", fmt.Errorf("google sheets is not enabled")
	}

	folderID := GetFolderID()
	if folderID == "" {
		return "", fmt.Errorf("GOOGLE_DRIVE_FOLDER_ID not set - required for creating spreadsheets")
	}

	driveClient, err := NewDriveClient(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to create drive client: %w", err)
	}

	file := &drive.File{
		Name:     title,
		MimeType: "application/vnd.google-apps.spreadsheet",
		Parents:  []string{folderID},
	}
	created, err := driveClient.Files.Create(file).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("failed to create spreadsheet in folder: %w", err)
	}

	return created.Id, nil
}

// FormatSpreadsheetURL returns the edit URL for a spreadsheet
func FormatSpreadsheetURL(spreadsheetID string) string {
	return fmt.Sprintf("https://docs.google.com/spreadsheets/d/%s/edit", spreadsheetID)
}
