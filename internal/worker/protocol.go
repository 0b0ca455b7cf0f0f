package worker

import "github.com/randomizedcoder/go-test-swarm/internal/report"

// MessageType names a capture-channel message.
type MessageType string

// Worker → server.
const (
	MsgRegister  MessageType = "register"
	MsgHeartbeat MessageType = "heartbeat"
	MsgResult    MessageType = "result"
	MsgError     MessageType = "error"
	MsgComplete  MessageType = "complete"
	MsgLog       MessageType = "log"
)

// Server → worker.
const (
	MsgWelcome MessageType = "welcome"
	MsgExecute MessageType = "execute"
)

// ProtocolVersion is sent in the welcome message.
const ProtocolVersion = 1

// CapturePath is where workers open their channel.
const CapturePath = "/capture"

// Message is the single JSON envelope used in both directions.
type Message struct {
	Type MessageType `json:"type"`

	// register / welcome
	WorkerID  string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	Version   int    `json:"version,omitempty"`

	// execute
	RunID   string   `json:"run,omitempty"`
	BaseURL string   `json:"base,omitempty"`
	Files   []string `json:"files,omitempty"`

	// result
	Result *report.TestResult `json:"result,omitempty"`

	// error / log
	File    string `json:"file,omitempty"`
	Message string `json:"message,omitempty"`
}

// routed reports whether the message belongs to a run.
func (m Message) routed() bool {
	switch m.Type {
	case MsgResult, MsgError, MsgComplete, MsgLog:
		return true
	}
	return false
}
