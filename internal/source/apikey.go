package source

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// ReadAPIKeyFile reads the API key from a key file.
//
// Accepted forms: a header line "X-API-Key: <key>", or dotenv assignments
// BEESENSE_API_KEY=<key> / API_KEY=<key>.
func ReadAPIKeyFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read api key file: %w", err)
	}

	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		name, value, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(name), "X-API-Key") {
			if key := strings.TrimSpace(value); key != "" {
				return key, nil
			}
		}
	}

	env, err := godotenv.UnmarshalBytes(b)
	if err != nil {
		return "", fmt.Errorf("parse api key file: %w", err)
	}
	for _, k := range []string{"BEESENSE_API_KEY", "API_KEY", "X_API_KEY"} {
		if v := strings.TrimSpace(env[k]); v != "" {
			return v, nil
		}
	}
	return "", errors.New("api key file has no X-API-Key entry")
}
