package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
)

// testEnvKeys maps .env.test entries onto the variables the service reads.
var testEnvKeys = map[string]string{
	"TEST_DATABASE_URL": "DATABASE_URL",
	"TEST_REDIS_URL":    "REDIS_URL",
}

// LoadTestEnv points DATABASE_URL and REDIS_URL at the test instances listed in
// .env.test. Variables already set in the environment (CI) are left alone.
func LoadTestEnv(t *testing.T) {
	t.Helper()

	envPath := findUp(".env.test", 5)
	if envPath == "" {
		t.Log(".env.test not found, using environment as-is")
		return
	}

	values, err := godotenv.Read(envPath)
	if err != nil {
		t.Logf("failed to read %s: %v", envPath, err)
		return
	}

	for from, to := range testEnvKeys {
		if os.Getenv(to) != "" {
			continue
		}
		if v := values[from]; v != "" {
			t.Setenv(to, v)
			t.Logf("%s set from %s", to, from)
		}
	}
}

// findUp looks for name in the working directory and up to levels parents.
func findUp(name string, levels int) string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for range levels {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}
