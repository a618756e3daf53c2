package permission

import (
	acp "github.com/coder/acp-go-sdk"
)

// FromACP translates a session/request_permission request.
func FromACP(p acp.RequestPermissionRequest) Request {
	req := Request{
		SessionID:  string(p.SessionId),
		ToolCallID: string(p.ToolCall.ToolCallId),
		RawInput:   p.ToolCall.RawInput,
		Options:    make([]Option, len(p.Options)),
	}
	if p.ToolCall.Title != nil {
		req.Title = *p.ToolCall.Title
	}
	if p.ToolCall.Kind != nil {
		req.Kind = string(*p.ToolCall.Kind)
	}
	for i, opt := range p.Options {
		req.Options[i] = Option{ID: string(opt.OptionId), Name: opt.Name, Kind: string(opt.Kind)}
	}
	return req
}

// ToACP builds the session/request_permission response.
func (o *Outcome) ToACP() acp.RequestPermissionResponse {
	if o.Cancelled {
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{
				Cancelled: &acp.RequestPermissionOutcomeCancelled{},
			},
		}
	}
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{
				OptionId: acp.PermissionOptionId(o.OptionID),
			},
		},
	}
}
