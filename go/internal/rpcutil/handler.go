package rpcutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	"github.com/mcdev12/modulith/go/internal/dispatch"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Unary adapts fn to a Connect unary handler. The request Struct is decoded
// into Req through its JSON tags and the result is encoded back the same way,
// so Res must marshal to a JSON object.
func Unary[Req, Res any](procedure string, fn func(ctx context.Context, req Req) (Res, error), opts ...connect.HandlerOption) *connect.Handler {
	return connect.NewUnaryHandler(procedure, func(ctx context.Context, r *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
		var req Req
		if err := Decode(r.Msg, &req); err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		}

		res, err := fn(ctx, req)
		if err != nil {
			return nil, Error(procedure, err)
		}

		out, err := Encode(res)
		if err != nil {
			return nil, connect.NewError(connect.CodeInternal, err)
		}
		return connect.NewResponse(out), nil
	}, opts...)
}

// Decode copies msg into dst.
func Decode(msg *structpb.Struct, dst any) error {
	data := []byte("{}")
	if msg != nil {
		var err error
		if data, err = protojson.Marshal(msg); err != nil {
			return fmt.Errorf("read request: %w", err)
		}
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	return nil
}

// Encode converts v to a Struct.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	return out, nil
}

// Error converts err into a Connect error carrying its problem details.
// Internal faults are logged and their message withheld.
func Error(procedure string, err error) *connect.Error {
	p := dispatch.ProblemFrom(err)

	msg := p.Detail
	if msg == "" {
		msg = p.Title
	}
	if p.Status == http.StatusInternalServerError {
		log.Error().Err(err).Str("procedure", procedure).Msg("request failed")
	}

	cerr := connect.NewError(codeOf(p.Status), errors.New(msg))
	detail, derr := problemDetail(p)
	if derr != nil {
		log.Warn().Err(derr).Str("procedure", procedure).Msg("failed to attach problem details")
		return cerr
	}
	cerr.AddDetail(detail)
	return cerr
}

func codeOf(status int) connect.Code {
	switch status {
	case http.StatusBadRequest:
		return connect.CodeInvalidArgument
	case http.StatusUnprocessableEntity:
		return connect.CodeFailedPrecondition
	case http.StatusNotFound:
		return connect.CodeNotFound
	case http.StatusServiceUnavailable:
		return connect.CodeUnavailable
	}
	return connect.CodeInternal
}

func problemDetail(p dispatch.Problem) (*connect.ErrorDetail, error) {
	s, err := Encode(p)
	if err != nil {
		return nil, err
	}
	return connect.NewErrorDetail(s)
}

// ProblemOf extracts the problem details attached by Error.
func ProblemOf(err error) (dispatch.Problem, bool) {
	var cerr *connect.Error
	if !errors.As(err, &cerr) {
		return dispatch.Problem{}, false
	}
	for _, d := range cerr.Details() {
		v, err := d.Value()
		if err != nil {
			continue
		}
		s, ok := v.(*structpb.Struct)
		if !ok {
			continue
		}
		var p dispatch.Problem
		if err := Decode(s, &p); err == nil && p.Status != 0 {
			return p, true
		}
	}
	return dispatch.Problem{}, false
}
