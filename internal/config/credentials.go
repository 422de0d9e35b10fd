package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const (
	// EnvToken is the environment variable for the bearer token.
	EnvToken = "POMO_TOKEN"

	// EnvURL is the environment variable to override the API URL.
	EnvURL = "POMO_URL"

	// CredentialsFileName is the credentials file in the user's home directory.
	CredentialsFileName = ".pomorc"
)

// ErrNoToken is returned when neither the environment nor the credentials
// file holds a token.
var ErrNoToken = errors.New("no token configured (set " + EnvToken + " or token= in ~/" + CredentialsFileName + ")")

// Credentials resolves the bearer token on every call, so a token written to
// the credentials file after startup is picked up.
type Credentials struct {
	path string
}

// NewCredentials returns credentials backed by path. An empty path means
// ~/.pomorc.
func NewCredentials(path string) *Credentials {
	if path == "" {
		path = CredentialsPath()
	}
	return &Credentials{path: path}
}

// CredentialsPath returns ~/.pomorc, or "" if the home directory is unknown.
func CredentialsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, CredentialsFileName)
}

// Path returns the credentials file path.
func (c *Credentials) Path() string { return c.path }

// Token returns the environment token, falling back to the file.
func (c *Credentials) Token() (string, error) {
	if token := os.Getenv(EnvToken); token != "" {
		return token, nil
	}
	file := readCredentialsFile(c.path)
	if file.Token == "" {
		return "", ErrNoToken
	}
	return file.Token, nil
}

// URL returns the API URL override: env var > credentials file > "".
func (c *Credentials) URL() string {
	if u := os.Getenv(EnvURL); u != "" {
		return u
	}
	return readCredentialsFile(c.path).URL
}

// credentialsFile holds values read from ~/.pomorc.
type credentialsFile struct {
	Token string
	URL   string
}

// readCredentialsFile reads key=value lines: token=xxx, url=xxx. A bare
// first line is taken as the token.
func readCredentialsFile(path string) credentialsFile {
	var cfg credentialsFile
	if path == "" {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "token="):
			cfg.Token = strings.TrimSpace(strings.TrimPrefix(line, "token="))
		case strings.HasPrefix(line, "url="):
			cfg.URL = strings.TrimSpace(strings.TrimPrefix(line, "url="))
		case cfg.Token == "":
			cfg.Token = line
		}
	}
	return cfg
}

// WriteToken stores token in the credentials file, keeping any url= line.
func (c *Credentials) WriteToken(token string) error {
	existing := readCredentialsFile(c.path)
	var b strings.Builder
	b.WriteString("token=" + token + "\n")
	if existing.URL != "" {
		b.WriteString("url=" + existing.URL + "\n")
	}
	return os.WriteFile(c.path, []byte(b.String()), 0o600)
}
