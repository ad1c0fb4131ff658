package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RenewOutputPath disambiguates a destination path that already exists by
// suffixing an increasing index before the extension.
func RenewOutputPath(outputPath string) string {
	ext := filepath.Ext(outputPath)
	stem := strings.TrimSuffix(outputPath, ext)
	for index := 1; ; index++ {
		candidate := fmt.Sprintf("%s-(%d)%s", stem, index, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// ParseHeaderArgs turns "Key: Value" flag arguments into a header map;
// entries without a colon are dropped.
func ParseHeaderArgs(headers []string) map[string]string {
	result := make(map[string]string, len(headers))
	for _, header := range headers {
		key, value, ok := strings.Cut(header, ":")
		if !ok {
			continue
		}
		result[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return result
}

// FormatRemaining renders an ETA in whole seconds as
// "D Days, H Hours, M Minutes, S Seconds", dropping leading zero components.
func FormatRemaining(seconds int64) string {
	if seconds < 0 {
		return ""
	}
	days := seconds / 86400
	hours := (seconds % 86400) / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60
	parts := []string{}
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%d Days", days))
	}
	if hours > 0 || len(parts) > 0 {
		parts = append(parts, fmt.Sprintf("%d Hours", hours))
	}
	if minutes > 0 || len(parts) > 0 {
		parts = append(parts, fmt.Sprintf("%d Minutes", minutes))
	}
	parts = append(parts, fmt.Sprintf("%d Seconds", secs))
	return strings.Join(parts, ", ")
}
