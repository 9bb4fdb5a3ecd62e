// Package pathbuilder computes the archive key for a processed hour window.
// Build is a pure function: identical inputs always produce the identical
// folder path and file name, and distinct (date, hourRange) pairs never
// collide under a fixed configuration. That determinism is what makes
// at-least-once uploads safe — a retried attempt overwrites the same key.
package pathbuilder

import (
	"fmt"
	"strings"
)

// Folder structure types.
const (
	TypeDaily   = "daily"
	TypeMonthly = "monthly"
	TypeYearly  = "yearly"
)

// Config mirrors the folderStructure configuration group.
type Config struct {
	Type       string     `yaml:"type"`    // daily | monthly | yearly
	Pattern    string     `yaml:"pattern"` // literal template with YYYY/MM/DD tokens, overrides Type
	SubFolders SubFolders `yaml:"subFolders"`
	Naming     Naming     `yaml:"naming"`
}

// SubFolders controls optional nested folders below the date folder,
// applied in a fixed order: hour, status, then each custom entry.
type SubFolders struct {
	Enabled  bool     `yaml:"enabled"`
	ByHour   bool     `yaml:"byHour"`
	ByStatus bool     `yaml:"byStatus"`
	Custom   []string `yaml:"custom"`
}

// Naming wraps the date token with optional prefix/suffix separated by "_".
// DateFormat reformats the date portion of the file name with YYYY/MM/DD
// tokens; IncludeTime appends the hour range to the folder token so each
// window gets its own folder. Both stay functions of (date, hourRange)
// only, keeping retried uploads on the same key.
type Naming struct {
	Prefix      string `yaml:"prefix"`
	Suffix      string `yaml:"suffix"`
	DateFormat  string `yaml:"dateFormat"`
	IncludeTime bool   `yaml:"includeTime"`
}

// Validate reports configuration errors as plain strings for accumulation
// by the caller.
func (c *Config) Validate() []string {
	var errs []string
	switch c.Type {
	case "", TypeDaily, TypeMonthly, TypeYearly:
	default:
		errs = append(errs, fmt.Sprintf("folderStructure.type must be daily, monthly or yearly, got %q", c.Type))
	}
	if c.Pattern != "" && !strings.Contains(c.Pattern, "YYYY") {
		errs = append(errs, fmt.Sprintf("folderStructure.pattern %q must contain a YYYY token", c.Pattern))
	}
	if df := c.Naming.DateFormat; df != "" {
		for _, token := range []string{"YYYY", "MM", "DD"} {
			if !strings.Contains(df, token) {
				errs = append(errs, fmt.Sprintf("folderStructure.naming.dateFormat %q must contain a %s token, or file names collide across dates", df, token))
			}
		}
	}
	return errs
}

// Build computes the folder path and artifact file name for a window.
// date is "YYYY-MM-DD", hourRange is "HH-HH" (may be empty for whole-day
// artifacts), status is appended as a sub-folder only when configured.
// ext is the bare serialization extension ("json" or "csv");
// compressionExt, when non-empty ("gz", "br", "zip"), is appended after it.
func Build(cfg Config, date, hourRange, status, ext, compressionExt string) (folder, file string) {
	dateToken := dateFolderToken(cfg, date)

	parts := []string{}
	if cfg.Naming.IncludeTime && hourRange != "" {
		dateToken = dateToken + "_" + hourRange
	}
	if cfg.Naming.Prefix != "" {
		dateToken = cfg.Naming.Prefix + "_" + dateToken
	}
	if cfg.Naming.Suffix != "" {
		dateToken = dateToken + "_" + cfg.Naming.Suffix
	}
	parts = append(parts, dateToken)

	if cfg.SubFolders.Enabled {
		if cfg.SubFolders.ByHour && hourRange != "" {
			parts = append(parts, "hour-"+hourRange)
		}
		if cfg.SubFolders.ByStatus && status != "" {
			parts = append(parts, status)
		}
		for _, custom := range cfg.SubFolders.Custom {
			if custom != "" {
				parts = append(parts, custom)
			}
		}
	}

	fileDate := date
	if cfg.Naming.DateFormat != "" {
		fileDate = renderDate(cfg.Naming.DateFormat, date)
	}
	file = fmt.Sprintf("api-logs_%s", fileDate)
	if hourRange != "" {
		file += "_" + hourRange
	}
	file += "." + ext
	if compressionExt != "" {
		file += "." + compressionExt
	}

	return strings.Join(parts, "/"), file
}

// Key joins an optional root prefix, the folder path and the file name into
// a single archive object key using "/" separators.
func Key(prefix, folder, file string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{prefix, folder, file} {
		if p != "" {
			parts = append(parts, strings.Trim(p, "/"))
		}
	}
	return strings.Join(parts, "/")
}

// renderDate expands the YYYY/MM/DD tokens of a layout against a
// "YYYY-MM-DD" date.
func renderDate(layout, date string) string {
	year, month, day := splitDate(date)
	out := strings.ReplaceAll(layout, "YYYY", year)
	out = strings.ReplaceAll(out, "MM", month)
	return strings.ReplaceAll(out, "DD", day)
}

// dateFolderToken renders the date folder according to the configured
// granularity, or expands the literal pattern when one is set.
func dateFolderToken(cfg Config, date string) string {
	year, month, _ := splitDate(date)

	if cfg.Pattern != "" {
		return renderDate(cfg.Pattern, date)
	}

	switch cfg.Type {
	case TypeYearly:
		return year
	case TypeMonthly:
		return year + "-" + month
	default: // daily
		return date
	}
}

func splitDate(date string) (year, month, day string) {
	parts := strings.SplitN(date, "-", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	return parts[0], parts[1], parts[2]
}
