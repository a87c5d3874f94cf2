// Package env reads process settings that sit outside the main config tree,
// such as provider credentials and Docker secrets.
package env

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/viper"
)

var vars = func() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	return v
}()

// String returns the variable named key, or fallback when it is unset or empty
func String(key, fallback string) string {
	if s := vars.GetString(key); s != "" {
		return s
	}
	return fallback
}

// Bool returns the variable named key parsed as a boolean. Unset or
// unparsable values yield fallback.
func Bool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(String(key, ""))
	if err != nil {
		return fallback
	}
	return b
}

// Secret returns the trimmed content of the file named by key_FILE. When that
// variable is unset or the file cannot be read it falls back to String.
func Secret(key, fallback string) string {
	if path := String(key+"_FILE", ""); path != "" {
		if content, err := os.ReadFile(filepath.Clean(path)); err == nil {
			return string(bytes.TrimSpace(content))
		}
	}
	return String(key, fallback)
}
