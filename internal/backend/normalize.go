package backend

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Response shapes accepted for each identifier, in order of preference.
var (
	recordingIDPaths    = []string{"recording.id", "recording._id", "id", "_id"}
	sessionIDPaths      = []string{"id", "_id", "session.id", "session._id", "session_id"}
	tokenPaths          = []string{"access_token", "token", "accessToken", "access.token", "jwt"}
	screenshotPathPaths = []string{"path", "url", "screenshot_path"}
	manualIDPaths       = []string{"manual_id", "manual.id", "id"}
)

func firstString(body []byte, field string, paths []string) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", &MissingFieldError{Field: field, Body: string(body)}
	}
	for _, p := range paths {
		r := gjson.GetBytes(body, p)
		switch r.Type {
		case gjson.String:
			if s := strings.TrimSpace(r.Str); s != "" {
				return s, nil
			}
		case gjson.Number:
			return r.Raw, nil
		}
	}
	return "", &MissingFieldError{Field: field, Body: string(body)}
}

// ParseRecordingID accepts {recording: {id|_id}} and {id}; numeric ids are
// returned in their decimal form.
func ParseRecordingID(body []byte) (string, error) {
	return firstString(body, "recording.id", recordingIDPaths)
}

func ParseSessionID(body []byte) (string, error) {
	return firstString(body, "id", sessionIDPaths)
}

func ParseToken(body []byte) (string, error) {
	return firstString(body, "access_token", tokenPaths)
}

func ParseScreenshotPath(body []byte) (string, error) {
	return firstString(body, "path", screenshotPathPaths)
}

func ParseManualID(body []byte) (string, error) {
	return firstString(body, "manual_id", manualIDPaths)
}
