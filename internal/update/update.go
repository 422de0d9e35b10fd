// Package update checks GitHub releases and replaces the running binary.
package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/creativeprojects/go-selfupdate"
)

// Repo is the GitHub repository releases are published to.
const Repo = "pengelbrecht/pomosync"

const (
	checkInterval = 24 * time.Hour
	checkTimeout  = 5 * time.Second
	cacheFileName = "update-check.json"
)

// InstallMethod is how the binary was installed.
type InstallMethod int

const (
	InstallBinary InstallMethod = iota
	InstallHomebrew
	InstallGo
)

func (m InstallMethod) String() string {
	switch m {
	case InstallHomebrew:
		return "homebrew"
	case InstallGo:
		return "go install"
	default:
		return "binary"
	}
}

// Release is a published version.
type Release struct {
	Version   string
	URL       string
	AssetName string
	assetURL  string
}

// CheckForUpdate reports whether a release newer than current exists.
// Development builds never have updates.
func CheckForUpdate(current string) (*Release, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return checkForUpdate(ctx, current)
}

func checkForUpdate(ctx context.Context, current string) (*Release, bool, error) {
	latest, found, err := selfupdate.DetectLatest(ctx, selfupdate.ParseSlug(Repo))
	if err != nil {
		return nil, false, fmt.Errorf("detect latest release: %w", err)
	}
	if !found {
		return nil, false, fmt.Errorf("no release found for %s/%s", runtime.GOOS, runtime.GOARCH)
	}

	rel := &Release{
		Version:   latest.Version(),
		URL:       latest.URL,
		AssetName: latest.AssetName,
		assetURL:  latest.AssetURL,
	}
	if isDevBuild(current) || !newer(rel.Version, current) {
		return rel, false, nil
	}
	return rel, true, nil
}

// Update downloads the latest release and replaces the running executable.
func Update(current string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	rel, ok, err := checkForUpdate(ctx, current)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	exe, err := selfupdate.ExecutablePath()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	if err := selfupdate.UpdateTo(ctx, rel.assetURL, rel.AssetName, exe); err != nil {
		return fmt.Errorf("install %s: %w", rel.Version, err)
	}
	return nil
}

// DetectInstallMethod guesses the install method from the executable path.
func DetectInstallMethod() InstallMethod {
	exe, err := os.Executable()
	if err != nil {
		return InstallBinary
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return installMethodFor(exe)
}

func installMethodFor(exe string) InstallMethod {
	p := filepath.ToSlash(exe)
	switch {
	case strings.Contains(p, "/Cellar/") || strings.Contains(p, "/homebrew/") || strings.Contains(p, "/linuxbrew/"):
		return InstallHomebrew
	case strings.Contains(p, "/go/bin/"):
		return InstallGo
	default:
		return InstallBinary
	}
}

// UpdateInstructions tells the user how to update manually.
func UpdateInstructions(method InstallMethod) string {
	switch method {
	case InstallHomebrew:
		return "Run: brew upgrade pomosync"
	case InstallGo:
		return "Run: go install github.com/" + Repo + "/cmd/pomo@latest"
	default:
		return "Download the latest release from https://github.com/" + Repo + "/releases"
	}
}

type checkCache struct {
	CheckedAt time.Time `json:"checked_at"`
	Latest    string    `json:"latest"`
}

// CheckPeriodically returns an update notice at most once a day. Failures
// are silent.
func CheckPeriodically(current string) string {
	if isDevBuild(current) {
		return ""
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return checkWithCache(filepath.Join(dir, "pomo", cacheFileName), current, time.Now(), func(ctx context.Context) (string, error) {
		rel, _, err := checkForUpdate(ctx, current)
		if err != nil {
			return "", err
		}
		return rel.Version, nil
	})
}

func checkWithCache(path, current string, now time.Time, latest func(context.Context) (string, error)) string {
	var cache checkCache
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &cache)
	}

	if now.Sub(cache.CheckedAt) >= checkInterval {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		v, err := latest(ctx)
		cancel()
		if err != nil {
			return ""
		}
		cache = checkCache{CheckedAt: now, Latest: v}
		if err := writeCache(path, cache); err != nil && !errors.Is(err, os.ErrPermission) {
			return ""
		}
	}

	if cache.Latest == "" || !newer(cache.Latest, current) {
		return ""
	}
	return fmt.Sprintf("pomo %s is available (you have %s). Run: pomo upgrade", cache.Latest, current)
}

func writeCache(path string, cache checkCache) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(cache)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func isDevBuild(v string) bool {
	return v == "" || v == "dev" || strings.Contains(v, "-dirty")
}

// newer reports whether latest is a higher semantic version than current.
// Unparseable versions are never newer.
func newer(latest, current string) bool {
	l, err := semver.NewVersion(latest)
	if err != nil {
		return false
	}
	c, err := semver.NewVersion(current)
	if err != nil {
		return false
	}
	return l.GreaterThan(c)
}
