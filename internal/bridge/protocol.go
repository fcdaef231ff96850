package bridge

import (
	"encoding/json"
	"fmt"
)

// Protocol and CLI versions advertised in the connection handshake.
const (
	ProtocolVersion = "1.0.0"
	CLIVersion      = "0.9.0"
)

// Message type discriminators. Every frame on the wire is a JSON object
// with a "type" field.
const (
	// emitted by the bridge
	TypeConnectionAck      = "connection_ack"
	TypeFileChange         = "file_change"
	TypeToolCall           = "tool_call"
	TypeAssistantMessage   = "assistant_message"
	TypeStatus             = "status"
	TypeDiagnosticsRequest = "diagnostics_request"
	TypeCloseDiff          = "close_diff"

	// accepted by the bridge
	TypeSendPrompt          = "send_prompt"
	TypeApplyChange         = "apply_change"
	TypeRejectChange        = "reject_change"
	TypeGetStatus           = "get_status"
	TypeContext             = "context"
	TypeDiagnosticsResponse = "diagnostics_response"
)

type connectionAckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocolVersion"`
	CLIVersion      string `json:"cliVersion"`
}

type fileChangeMsg struct {
	Type            string         `json:"type"`
	ID              string         `json:"id"`
	Path            string         `json:"path"`
	OriginalContent string         `json:"originalContent"`
	NewContent      string         `json:"newContent"`
	ToolName        string         `json:"toolName"`
	ToolArgs        map[string]any `json:"toolArgs,omitempty"`
}

type toolCallMsg struct {
	Type   string         `json:"type"`
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args,omitempty"`
	Status string         `json:"status"`
}

type assistantMessageMsg struct {
	Type         string `json:"type"`
	Content      string `json:"content"`
	IsGenerating bool   `json:"isGenerating"`
}

// Status describes the CLI session for connected editors.
type Status struct {
	Connected        bool   `json:"connected"`
	Model            string `json:"model"`
	Provider         string `json:"provider"`
	WorkingDirectory string `json:"workingDirectory"`
}

type statusMsg struct {
	Type string `json:"type"`
	Status
}

type diagnosticsRequestMsg struct {
	Type string `json:"type"`
	Path string `json:"path,omitempty"`
}

type closeDiffMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// EditorContext is workspace state pushed by the editor.
type EditorContext struct {
	WorkspaceFolder string   `json:"workspaceFolder,omitempty"`
	OpenFiles       []string `json:"openFiles,omitempty"`
	ActiveFile      string   `json:"activeFile,omitempty"`
	Diagnostics     []string `json:"diagnostics,omitempty"`
}

// Prompt is a user message injected from the editor.
type Prompt struct {
	Prompt  string
	Context *EditorContext
}

// inboundFrame is the decoded shape of any editor-originated message.
type inboundFrame struct {
	Type        string         `json:"type"`
	ID          string         `json:"id,omitempty"`
	Prompt      string         `json:"prompt,omitempty"`
	Context     *EditorContext `json:"context,omitempty"`
	Diagnostics []string       `json:"diagnostics,omitempty"`

	// context message fields
	WorkspaceFolder string   `json:"workspaceFolder,omitempty"`
	OpenFiles       []string `json:"openFiles,omitempty"`
	ActiveFile      string   `json:"activeFile,omitempty"`
}

func decodeInbound(raw []byte) (*inboundFrame, error) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	if frame.Type == "" {
		return nil, fmt.Errorf("message missing type discriminator")
	}
	return &frame, nil
}
