package google

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	// DefaultCompanyName is used when no branding file is found
	DefaultCompanyName = "Desguace"

	brandingFileName = "branding.local.json"
)

// configBasePath is overridden in tests
var configBasePath = "."

type brandingConfig struct {
	CompanyName string `json:"company_name"`
}

var (
	cachedCompanyName string
	brandingOnce      sync.Once
	brandingMu        sync.Mutex
)

func resetBrandingCache() {
	brandingMu.Lock()
	defer brandingMu.Unlock()
	cachedCompanyName = ""
	brandingOnce = sync.Once{}
}

// GetCompanyName returns the company name from config/branding.local.json,
// or DefaultCompanyName. The value is cached after the first load.
func GetCompanyName() string {
	brandingOnce.Do(func() {
		cachedCompanyName = loadCompanyName()
	})
	return cachedCompanyName
}

func loadCompanyName() string {
	data, err := os.ReadFile(filepath.Join(configBasePath, "config", brandingFileName)) //nolint:gosec // G304: trusted config path
	if err != nil {
		return DefaultCompanyName
	}
	var config brandingConfig
	if err := json.Unmarshal(data, &config); err != nil || config.CompanyName == "" {
		return DefaultCompanyName
	}
	return config.CompanyName
}

// FormatWorkbookTitle is the title of the export spreadsheet
func FormatWorkbookTitle() string {
	return fmt.Sprintf("%s - Inventario", GetCompanyName())
}
