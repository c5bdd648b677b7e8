package background

import (
	"encoding/json"

	"flowtomanual/agent/internal/models"
)

// Message types of the extension messaging surface.
const (
	MsgStart           = "FTM_START"
	MsgStop            = "FTM_STOP"
	MsgCaptureClick    = "FTM_CAPTURE_CLICK"
	MsgCaptureTabEvent = "FTM_CAPTURE_TAB_EVENT"
	MsgStep            = "FTM_STEP"

	// Legacy full-desktop capture flow.
	MsgEventRecorded  = "EVENT_RECORDED"
	MsgSessionStarted = "SESSION_STARTED"
	MsgSessionStopped = "SESSION_STOPPED"
)

// Rejection reasons returned instead of capturing.
const (
	ReasonNotRecording      = "Not recording"
	ReasonMissingTab        = "Missing tab info"
	ReasonAppTab            = "Ignoring app tab"
	ReasonActiveTabIsApp    = "Active tab is app or not found"
	ReasonUnknownMessage    = "Unknown message type"
	ReasonLegacyUnsupported = "Legacy flow not enabled"
)

// Message is one request sent to the coordinator. Only the fields of its
// type are set.
type Message struct {
	Type      string          `json:"type" binding:"required"`
	AppOrigin string          `json:"appOrigin,omitempty"`
	Selector  string          `json:"selector,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	Event     json.RawMessage `json:"event,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Token     string          `json:"token,omitempty"`
}

// TabEventPayload is the payload of FTM_CAPTURE_TAB_EVENT.
type TabEventPayload struct {
	EventType   string `json:"event_type,omitempty"`
	Description string `json:"description,omitempty"`
	WindowID    int    `json:"windowId,omitempty"`
}

// Sender identifies the tab a message came from. A zero TabID means the
// message did not come from a tab.
type Sender struct {
	TabID    int    `json:"tabId,omitempty"`
	WindowID int    `json:"windowId,omitempty"`
	URL      string `json:"url,omitempty"`
}

type Response struct {
	OK     bool                `json:"ok"`
	Reason string              `json:"reason,omitempty"`
	Error  string              `json:"error,omitempty"`
	Step   *models.StepPayload `json:"step,omitempty"`
}

func ack() Response {
	return Response{OK: true}
}

func reject(reason string) Response {
	return Response{OK: false, Reason: reason}
}

func failure(err error) Response {
	return Response{OK: false, Error: err.Error()}
}

// StepEnvelope is what the app tab receives for every forwarded step.
type StepEnvelope struct {
	Type    string             `json:"type"`
	Payload models.StepPayload `json:"payload"`
}
