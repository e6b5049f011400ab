package native

import (
	"context"
	"fmt"
	"io"

	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

// instance marshals capability calls through a module's call symbol.
type instance struct {
	name   string
	call   func(ctx context.Context, handle uintptr, op Op, in []byte) (Status, []byte)
	handle uintptr
}

func (i *instance) invoke(ctx context.Context, op Op, payload any) (Status, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	var in []byte
	if payload != nil {
		encoded, err := record.Marshal(payload)
		if err != nil {
			return 0, nil, capability.NewError(capability.ErrorData, fmt.Sprintf("encode %s request: %v", op, err), nil)
		}
		in = encoded
	}

	status, out := i.call(ctx, i.handle, op, in)
	switch status {
	case StatusOK, StatusEndOfStream:
		return status, out, nil
	case StatusNotImplemented:
		return status, nil, nil
	}
	return status, nil, decodeFailure(status, op, out)
}

func (i *instance) invokeRecord(ctx context.Context, op Op, payload any) (record.Record, error) {
	status, out, err := i.invoke(ctx, op, payload)
	if err != nil {
		return nil, err
	}
	if status == StatusNotImplemented {
		return nil, notImplemented(i.name, op)
	}
	rec := record.Record{}
	if len(out) > 0 {
		if err := record.Unmarshal(out, &rec); err != nil {
			return nil, capability.NewError(capability.ErrorData, fmt.Sprintf("decode %s response: %v", op, err), nil)
		}
	}
	return rec, nil
}

func (i *instance) invokeUnit(ctx context.Context, op Op, payload any) error {
	status, _, err := i.invoke(ctx, op, payload)
	if err != nil {
		return err
	}
	if status == StatusNotImplemented {
		return notImplemented(i.name, op)
	}
	return nil
}

func decodeFailure(status Status, op Op, out []byte) error {
	var payload errorPayload
	if len(out) > 0 {
		if err := record.Unmarshal(out, &payload); err != nil {
			payload.Message = fmt.Sprintf("undecodable error payload: %v", err)
		}
	}
	if payload.Message == "" {
		payload.Message = fmt.Sprintf("%s failed with status %d", op, status)
	}
	if status == StatusCancelled {
		cause := context.Canceled
		if c, _ := payload.Details.GetString("cause"); c == causeDeadlineExceeded {
			cause = context.DeadlineExceeded
		}
		return fmt.Errorf("%s interrupted: %w", op, cause)
	}
	return capability.NewError(kindFor(status), payload.Message, payload.Details)
}

func notImplemented(name string, op Op) error {
	return capability.FatalError("plugin %s does not implement %s", name, op)
}

type source struct{ *instance }

func (s source) Connect(ctx context.Context, config record.Record) error {
	return s.invokeUnit(ctx, OpConnect, config)
}

func (s source) Read(ctx context.Context) (capability.Stream, error) {
	if err := s.invokeUnit(ctx, OpRead, nil); err != nil {
		return nil, err
	}
	return stream{s.instance}, nil
}

func (s source) Schema(ctx context.Context) (record.Record, error) {
	return s.invokeRecord(ctx, OpSchema, nil)
}

func (s source) Close(ctx context.Context) error {
	return s.invokeUnit(ctx, OpClose, nil)
}

type stream struct{ *instance }

func (s stream) Next(ctx context.Context) (record.Record, error) {
	status, out, err := s.invoke(ctx, OpNext, nil)
	if err != nil {
		return nil, err
	}
	switch status {
	case StatusEndOfStream:
		return nil, io.EOF
	case StatusNotImplemented:
		return nil, notImplemented(s.name, OpNext)
	}
	rec := record.Record{}
	if len(out) > 0 {
		if err := record.Unmarshal(out, &rec); err != nil {
			return nil, capability.NewError(capability.ErrorData, fmt.Sprintf("decode record: %v", err), nil)
		}
	}
	return rec, nil
}

type enrichment struct{ *instance }

func (e enrichment) Process(ctx context.Context, rec record.Record, config record.Record) (record.Record, error) {
	return e.invokeRecord(ctx, OpProcess, processRequest{Record: rec, Config: config})
}

// Init forwards the instantiate-time config. Modules that do not implement
// the init op are treated as needing no initialization.
func (e enrichment) Init(ctx context.Context, config record.Record) error {
	status, _, err := e.invoke(ctx, OpInit, config)
	if err != nil || status == StatusNotImplemented {
		return err
	}
	return nil
}

func wrap(name string, kind capability.Kind, syms Symbols, handle uintptr) capability.Implementation {
	inst := &instance{name: name, call: syms.Call, handle: handle}
	if kind == capability.KindSourceConnector {
		return capability.FromSource(source{inst})
	}
	return capability.FromEnrichment(enrichment{inst})
}
