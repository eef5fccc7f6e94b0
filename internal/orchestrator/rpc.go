package orchestrator

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/panll/ensaid/internal/sandbox"
	"github.com/panll/ensaid/pkg/constraint"
	"github.com/panll/ensaid/pkg/feedback"
	"github.com/panll/ensaid/pkg/protocol"
	"github.com/panll/ensaid/pkg/verify"
	"github.com/panll/ensaid/pkg/vexation"
)

// Register binds every host command to h.
func Register(h *protocol.Handler, o *Orchestrator) {
	h.Register(protocol.MethodValidateInference, func(ctx context.Context, params json.RawMessage) (any, *protocol.Error) {
		p, rpcErr := protocol.ParseParams[protocol.ValidateInferenceParams](params)
		if rpcErr != nil {
			return nil, rpcErr
		}
		ok, err := o.ValidateInference(ctx, p.Token, p.Constraints)
		if err != nil {
			return nil, ToRPCError(err)
		}
		return ok, nil
	})

	h.Register(protocol.MethodGetVexationIndex, func(context.Context, json.RawMessage) (any, *protocol.Error) {
		return o.VexationIndex(), nil
	})

	h.Register(protocol.MethodSubmitFeedback, func(ctx context.Context, params json.RawMessage) (any, *protocol.Error) {
		p, rpcErr := protocol.ParseParams[protocol.SubmitFeedbackParams](params)
		if rpcErr != nil {
			return nil, rpcErr
		}
		ack, err := o.SubmitFeedback(ctx, p.PaneL, p.PaneN, p.PaneW, p.ReportType)
		if err != nil {
			return nil, ToRPCError(err)
		}
		return ack, nil
	})

	h.Register(protocol.MethodValidate, func(ctx context.Context, params json.RawMessage) (any, *protocol.Error) {
		p, rpcErr := protocol.ParseParams[protocol.ValidateParams](params)
		if rpcErr != nil {
			return nil, rpcErr
		}
		defs := make([]constraint.Def, len(p.Constraints))
		for i, c := range p.Constraints {
			kind, err := constraint.ParseKind(c.Kind)
			if err != nil {
				return nil, ToRPCError(&constraint.ConfigurationError{
					Index:  i,
					Def:    constraint.Def{Kind: constraint.Kind(c.Kind), Payload: c.Payload, Name: c.Name},
					Reason: err.Error(),
				})
			}
			defs[i] = constraint.Def{Kind: kind, Payload: c.Payload, Name: c.Name}
		}
		res, err := o.ValidateDefs(ctx, p.Token, defs)
		if err != nil {
			return nil, ToRPCError(err)
		}
		return verdictResult(res), nil
	})

	h.Register(protocol.MethodValidateProfile, func(ctx context.Context, params json.RawMessage) (any, *protocol.Error) {
		p, rpcErr := protocol.ParseParams[protocol.ValidateProfileParams](params)
		if rpcErr != nil {
			return nil, rpcErr
		}
		res, err := o.ValidateProfile(ctx, p.Token, p.Profile)
		if err != nil {
			return nil, ToRPCError(err)
		}
		return verdictResult(res), nil
	})

	h.Register(protocol.MethodReportStress, func(ctx context.Context, params json.RawMessage) (any, *protocol.Error) {
		p, rpcErr := protocol.ParseParams[protocol.ReportStressParams](params)
		if rpcErr != nil {
			return nil, rpcErr
		}
		if err := o.ReportStress(ctx, p.Magnitude, p.HalfLife); err != nil {
			return nil, ToRPCError(err)
		}
		return o.VexationIndex(), nil
	})

	h.Register(protocol.MethodProfilesList, func(context.Context, json.RawMessage) (any, *protocol.Error) {
		active := o.ActiveProfile()
		names := o.ProfileNames()
		infos := make([]protocol.ProfileInfo, 0, len(names))
		for _, name := range names {
			set, _ := o.Profile(name)
			infos = append(infos, protocol.ProfileInfo{
				Name:        name,
				Constraints: set.Len(),
				Active:      name == active,
			})
		}
		return infos, nil
	})

	h.Register(protocol.MethodProfilesLoad, func(ctx context.Context, params json.RawMessage) (any, *protocol.Error) {
		p, rpcErr := protocol.ParseParams[protocol.ProfilesLoadParams](params)
		if rpcErr != nil {
			return nil, rpcErr
		}
		if p.Path == "" {
			return nil, &protocol.Error{Code: protocol.CodeInvalidParams, Message: "path is required"}
		}
		names, err := o.LoadProfiles(ctx, p.Path)
		if err != nil {
			return nil, ToRPCError(err)
		}
		return names, nil
	})

	h.Register(protocol.MethodProfilesActivate, func(_ context.Context, params json.RawMessage) (any, *protocol.Error) {
		p, rpcErr := protocol.ParseParams[protocol.ProfilesActivateParams](params)
		if rpcErr != nil {
			return nil, rpcErr
		}
		if err := o.SetActiveProfile(p.Name); err != nil {
			return nil, ToRPCError(err)
		}
		return p.Name, nil
	})

	h.Register(protocol.MethodStatus, func(context.Context, json.RawMessage) (any, *protocol.Error) {
		return o.Status(), nil
	})
}

// ToRPCError maps the error taxonomy onto JSON-RPC error codes.
func ToRPCError(err error) *protocol.Error {
	var rej *verify.Rejection
	switch {
	case errors.As(err, &rej):
		data := map[string]any{"seq": rej.Verdict.Token.Seq, "index": rej.Verdict.Index}
		if rej.Verdict.Violated != nil {
			data["kind"] = rej.Verdict.Violated.Kind()
			data["constraint"] = rej.Verdict.Violated.Label()
		}
		return &protocol.Error{Code: protocol.CodeValidationRejected, Message: rej.Error(), Data: data}
	case errors.Is(err, constraint.ErrConfiguration):
		return &protocol.Error{Code: protocol.CodeConfiguration, Message: err.Error()}
	case errors.Is(err, feedback.ErrInvalidInput):
		return &protocol.Error{Code: protocol.CodeInvalidParams, Message: err.Error()}
	case errors.Is(err, vexation.ErrInvalidIndicator):
		return &protocol.Error{Code: protocol.CodeInvalidIndicator, Message: err.Error()}
	case errors.Is(err, ErrProfileNotFound):
		return &protocol.Error{Code: protocol.CodeProfileNotFound, Message: err.Error()}
	case errors.Is(err, sandbox.ErrDenied):
		return &protocol.Error{Code: protocol.CodeInvalidParams, Message: err.Error()}
	case errors.Is(err, feedback.ErrTransport):
		return &protocol.Error{Code: protocol.CodeTransport, Message: err.Error()}
	default:
		return &protocol.Error{Code: protocol.CodeInternalError, Message: err.Error()}
	}
}

func verdictResult(res Result) protocol.VerdictResult {
	out := protocol.VerdictResult{
		Status:      string(res.Status),
		Seq:         res.Token.Seq,
		Index:       res.Index,
		Explanation: res.Explanation,
		Strict:      res.Strict,
	}
	if res.Violated != nil {
		out.Kind = string(res.Violated.Kind())
		out.Constraint = res.Violated.Label()
	}
	return out
}
