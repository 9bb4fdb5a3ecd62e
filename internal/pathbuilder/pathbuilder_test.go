package pathbuilder

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuild(t *testing.T) {
	tests := []struct {
		name       string
		cfg        Config
		date       string
		hourRange  string
		status     string
		ext        string
		compExt    string
		wantFolder string
		wantFile   string
	}{
		{
			name:       "daily default",
			cfg:        Config{Type: TypeDaily},
			date:       "2025-08-25",
			hourRange:  "14-15",
			ext:        "json",
			wantFolder: "2025-08-25",
			wantFile:   "api-logs_2025-08-25_14-15.json",
		},
		{
			name:       "monthly with compression",
			cfg:        Config{Type: TypeMonthly},
			date:       "2025-08-25",
			hourRange:  "00-01",
			ext:        "csv",
			compExt:    "gz",
			wantFolder: "2025-08",
			wantFile:   "api-logs_2025-08-25_00-01.csv.gz",
		},
		{
			name:       "yearly",
			cfg:        Config{Type: TypeYearly},
			date:       "2025-08-25",
			hourRange:  "23-24",
			ext:        "json",
			wantFolder: "2025",
			wantFile:   "api-logs_2025-08-25_23-24.json",
		},
		{
			name:       "literal pattern",
			cfg:        Config{Pattern: "YYYY/MM/DD"},
			date:       "2025-08-25",
			hourRange:  "14-15",
			ext:        "json",
			wantFolder: "2025/08/25",
			wantFile:   "api-logs_2025-08-25_14-15.json",
		},
		{
			name: "prefix suffix and subfolders",
			cfg: Config{
				Type:   TypeDaily,
				Naming: Naming{Prefix: "api", Suffix: "prod"},
				SubFolders: SubFolders{
					Enabled:  true,
					ByHour:   true,
					ByStatus: true,
					Custom:   []string{"eu-west"},
				},
			},
			date:       "2025-08-25",
			hourRange:  "14-15",
			status:     "success",
			ext:        "json",
			compExt:    "br",
			wantFolder: "api_2025-08-25_prod/hour-14-15/success/eu-west",
			wantFile:   "api-logs_2025-08-25_14-15.json.br",
		},
		{
			name: "custom file date format",
			cfg: Config{
				Type:   TypeDaily,
				Naming: Naming{DateFormat: "YYYYMMDD"},
			},
			date:       "2025-08-25",
			hourRange:  "14-15",
			ext:        "json",
			wantFolder: "2025-08-25",
			wantFile:   "api-logs_20250825_14-15.json",
		},
		{
			name: "hour range folded into folder",
			cfg: Config{
				Type:   TypeDaily,
				Naming: Naming{IncludeTime: true},
			},
			date:       "2025-08-25",
			hourRange:  "14-15",
			ext:        "json",
			wantFolder: "2025-08-25_14-15",
			wantFile:   "api-logs_2025-08-25_14-15.json",
		},
		{
			name:       "whole day artifact",
			cfg:        Config{Type: TypeDaily},
			date:       "2025-08-25",
			ext:        "json",
			wantFolder: "2025-08-25",
			wantFile:   "api-logs_2025-08-25.json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			folder, file := Build(tt.cfg, tt.date, tt.hourRange, tt.status, tt.ext, tt.compExt)
			assert.Equal(t, tt.wantFolder, folder)
			assert.Equal(t, tt.wantFile, file)
		})
	}
}

func TestBuildDeterministicAndInjective(t *testing.T) {
	cfg := Config{Type: TypeDaily}

	f1, n1 := Build(cfg, "2025-08-25", "14-15", "", "json", "gz")
	f2, n2 := Build(cfg, "2025-08-25", "14-15", "", "json", "gz")
	assert.Equal(t, f1, f2)
	assert.Equal(t, n1, n2)

	seen := map[string]bool{}
	for _, date := range []string{"2025-08-24", "2025-08-25"} {
		for _, hr := range []string{"00-01", "13-14", "23-24"} {
			folder, file := Build(cfg, date, hr, "", "json", "")
			key := Key("logs", folder, file)
			assert.False(t, seen[key], "key collision: %s", key)
			seen[key] = true
		}
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "logs/2025-08-25/api-logs_2025-08-25_14-15.json",
		Key("logs", "2025-08-25", "api-logs_2025-08-25_14-15.json"))
	assert.Equal(t, "2025-08-25/f.json", Key("", "2025-08-25", "f.json"))
	assert.Equal(t, "logs/f.json", Key("logs/", "", "f.json"))
}

func TestConfigValidate(t *testing.T) {
	bad := Config{Type: "weekly", Pattern: "MM/DD"}
	assert.Len(t, bad.Validate(), 2)

	// A date format missing tokens makes file names collide across dates.
	lossy := Config{Type: TypeDaily, Naming: Naming{DateFormat: "YYYY"}}
	assert.Len(t, lossy.Validate(), 2)

	good := Config{Type: TypeDaily, Naming: Naming{DateFormat: "DD.MM.YYYY", IncludeTime: true}}
	assert.Empty(t, good.Validate())
}
