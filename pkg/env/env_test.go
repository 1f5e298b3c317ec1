package env

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_Defaults(t *testing.T) {
	r := FromMap(map[string]string{"BLANK": "  "})

	assert.Equal(t, "d", r.String("MISSING", "d"))
	assert.Equal(t, "d", r.String("BLANK", "d"))
	assert.Equal(t, 7, r.Int("MISSING", 7))
	assert.True(t, r.Bool("MISSING", true))
	assert.Equal(t, time.Second, r.Duration("MISSING", time.Second))
	assert.Equal(t, []string{"a"}, r.List("MISSING", []string{"a"}))
	assert.NoError(t, r.Err())
}

func TestReader_Parse(t *testing.T) {
	r := FromMap(map[string]string{
		"PORT":    "9090",
		"DEBUG":   "true",
		"TTL":     "1m30s",
		"ORIGINS": " https://a.example , ,https://b.example ",
		"COMMAS":  " , ",
	})

	assert.Equal(t, 9090, r.Int("PORT", 0))
	assert.True(t, r.Bool("DEBUG", false))
	assert.Equal(t, 90*time.Second, r.Duration("TTL", 0))
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, r.List("ORIGINS", nil))
	assert.Equal(t, []string{"x"}, r.List("COMMAS", []string{"x"}))
	assert.NoError(t, r.Err())
}

func TestReader_MalformedValuesAreReported(t *testing.T) {
	r := FromMap(map[string]string{
		"PORT":  "eighty",
		"DEBUG": "sometimes",
		"TTL":   "15",
	})

	assert.Equal(t, 8080, r.Int("PORT", 8080))
	assert.False(t, r.Bool("DEBUG", false))
	assert.Equal(t, time.Minute, r.Duration("TTL", time.Minute))

	err := r.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `PORT="eighty"`)
	assert.Contains(t, err.Error(), `DEBUG="sometimes"`)
	assert.Contains(t, err.Error(), `TTL="15"`)
}

func TestReader_Secret(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jwt")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))

	r := FromMap(map[string]string{
		"JWT_SECRET":      "from-env",
		"JWT_SECRET_FILE": path,
		"DB_PASSWORD":     "plain",
	})
	assert.Equal(t, "from-file", r.Secret("JWT_SECRET", ""))
	assert.Equal(t, "plain", r.Secret("DB_PASSWORD", ""))
	assert.NoError(t, r.Err())

	missing := FromMap(map[string]string{"JWT_SECRET_FILE": filepath.Join(t.TempDir(), "nope")})
	assert.Equal(t, "", missing.Secret("JWT_SECRET", ""))
	assert.Error(t, missing.Err())
}

func TestNew_ReadsProcessEnvironment(t *testing.T) {
	t.Setenv("CHATCALL_TEST_PORT", "1234")
	assert.Equal(t, 1234, New().Int("CHATCALL_TEST_PORT", 0))
}
