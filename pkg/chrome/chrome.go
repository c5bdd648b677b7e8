package chrome

import (
	"errors"
	"os"
	"os/exec"
	"runtime"
)

var ErrChromeNotFound = errors.New("chrome executable not found")

// FindChrome returns execPath when it exists, otherwise the first Chrome or
// Chromium install found on this system.
func FindChrome(execPath string) (string, error) {
	if execPath != "" {
		if _, err := os.Stat(execPath); err != nil {
			return "", err
		}
		return execPath, nil
	}
	if path := GetChromePath(); path != "" {
		return path, nil
	}
	return "", ErrChromeNotFound
}

func chromeCandidates(goos string) []string {
	switch goos {
	case "linux":
		return []string{
			"/usr/bin/google-chrome-stable",
			"/usr/bin/google-chrome",
			"/usr/bin/chromium-browser",
			"/usr/bin/chromium",
			"/snap/bin/chromium",
			"/opt/google/chrome/google-chrome",
		}
	case "darwin":
		return []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		}
	case "windows":
		local := os.Getenv("LOCALAPPDATA")
		paths := []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		}
		if local != "" {
			paths = append(paths, local+`\Google\Chrome\Application\chrome.exe`)
		}
		return paths
	}
	return nil
}

// GetChromePath returns the path to the Chrome executable, or "".
func GetChromePath() string {
	for _, path := range chromeCandidates(runtime.GOOS) {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium-browser", "chromium"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}
