package agent

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/coder/acp-go-sdk"
)

var errUnsupported = errors.New("not supported by iflow2web")

// callbacks answers the requests and notifications the agent sends to the client.
type callbacks struct {
	c *Client
}

func (h *callbacks) SessionUpdate(_ context.Context, params acp.SessionNotification) error {
	defer h.c.updateHandled()
	h.c.handleUpdate(params)
	return nil
}

// RequestPermission answers from the configured approval mode; nobody is asked.
func (h *callbacks) RequestPermission(_ context.Context, params acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	options := make([]permissionOption, 0, len(params.Options))
	for _, opt := range params.Options {
		options = append(options, permissionOption{OptionID: string(opt.OptionId), Kind: string(opt.Kind)})
	}

	title := ""
	if params.ToolCall.Title != nil {
		title = *params.ToolCall.Title
	}

	mode := h.c.cfg.ApprovalMode
	var resp acp.RequestPermissionResponse
	optionID, ok := choosePermission(mode, toolKind(params.ToolCall), options)
	if ok {
		resp.Outcome.Selected = &acp.RequestPermissionOutcomeSelected{OptionId: acp.PermissionOptionId(optionID)}
	} else {
		resp.Outcome.Cancelled = &acp.RequestPermissionOutcomeCancelled{}
	}

	h.c.logger.Debug().
		Str("tool", title).
		Str("mode", string(mode)).
		Bool("selected", ok).
		Str("option", optionID).
		Msg("answered permission request")
	return resp, nil
}

func (h *callbacks) ReadTextFile(context.Context, acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	return acp.ReadTextFileResponse{}, errUnsupported
}

func (h *callbacks) WriteTextFile(context.Context, acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	return acp.WriteTextFileResponse{}, errUnsupported
}

func (h *callbacks) CreateTerminal(context.Context, acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, errUnsupported
}

func (h *callbacks) KillTerminalCommand(context.Context, acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, errUnsupported
}

func (h *callbacks) TerminalOutput(context.Context, acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, errUnsupported
}

func (h *callbacks) ReleaseTerminal(context.Context, acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, errUnsupported
}

func (h *callbacks) WaitForTerminalExit(context.Context, acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, errUnsupported
}

// toolKind reads the kind of the tool call a permission request is about.
func toolKind(toolCall any) string {
	raw, err := json.Marshal(toolCall)
	if err != nil {
		return ""
	}
	var v struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return v.Kind
}
