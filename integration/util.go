//go:build integration
// +build integration

package integration

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
)

var logger = log.NewLogger()

func checksumOf(bytes []byte) string {
	hash := sha256.New()
	hash.Write(bytes)
	return hex.EncodeToString(hash.Sum(nil))
}

// randomFile writes size random bytes into a temporary file.
func randomFile(t *testing.T, name string, size int) (string, []byte) {
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return path, data
}

func requireEnv(t *testing.T, keys ...string) map[string]string {
	values := map[string]string{}
	for _, key := range keys {
		value := os.Getenv(key)
		if value == "" {
			t.Skipf("%s is not set", key)
		}
		values[key] = value
	}
	return values
}
