package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

type natsAdapter struct {
	conn          *nats.Conn
	subjectPrefix string
}

// NewNATSAdapter sends each call as a request on <prefix>.<provider_id>
// and expects a JSON CallResponse reply.
func NewNATSAdapter(conn *nats.Conn, subjectPrefix string) Adapter {
	return &natsAdapter{conn: conn, subjectPrefix: strings.TrimSuffix(subjectPrefix, ".")}
}

func (a *natsAdapter) Subject(providerID string) string {
	return a.subjectPrefix + "." + providerID
}

func (a *natsAdapter) Execute(ctx context.Context, req CallRequest) (CallResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return CallResponse{}, &AdapterError{Retryable: false, Message: err.Error()}
	}
	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	started := time.Now()
	msg, err := a.conn.RequestWithContext(ctx, a.Subject(req.ProviderID), data)
	if err != nil {
		switch {
		case errors.Is(err, nats.ErrNoResponders):
			return CallResponse{}, &AdapterError{Retryable: false, Message: "no provider listening on " + a.Subject(req.ProviderID)}
		case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			return CallResponse{}, &AdapterError{Retryable: true, Message: "provider request timed out"}
		default:
			return CallResponse{}, &AdapterError{Retryable: true, Message: err.Error()}
		}
	}

	var resp CallResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return CallResponse{}, &AdapterError{Retryable: false, Message: fmt.Sprintf("decode provider reply: %v", err)}
	}
	if resp.LatencyMS <= 0 {
		resp.LatencyMS = time.Since(started).Milliseconds()
	}
	return resp, nil
}
