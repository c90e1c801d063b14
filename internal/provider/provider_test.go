package provider

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/loqalabs/sttgate/internal/stt"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func TestDecodeRoundTrip(t *testing.T) {
	low := 300
	resp, err := Respond(Output{TextOutput: "set timer", LanguageTag: "en-US", ConfidenceBP: 9300, LowConfidenceRatioBP: &low, Stable: true}, 180)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	out, err := Decode(resp)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	a := out.Attempt(stt.SlotSecondary, resp.LatencyMS)
	if a.Text != "set timer" || a.Slot != stt.SlotSecondary || a.LatencyMS != 180 || !a.Stable {
		t.Fatalf("unexpected attempt %+v", a)
	}
	if a.AvgWordConfidence != 0.93 || a.LowConfidenceRatio != 0.03 {
		t.Fatalf("unexpected confidences %+v", a)
	}
}

func TestAttemptDerivesLowRatio(t *testing.T) {
	a := Output{TextOutput: "x", LanguageTag: "en", ConfidenceBP: 8000}.Attempt(stt.SlotPrimary, 1)
	if a.LowConfidenceRatio < 0.1999 || a.LowConfidenceRatio > 0.2001 {
		t.Fatalf("expected complement ratio, got %v", a.LowConfidenceRatio)
	}
}

func reasonOf(t *testing.T, err error) stt.ReasonCode {
	t.Helper()
	var reasonErr *stt.ReasonError
	if !errors.As(err, &reasonErr) {
		t.Fatalf("expected reason error, got %v", err)
	}
	return reasonErr.Code
}

func TestDecodeRejectsContractViolations(t *testing.T) {
	good, _ := Respond(Output{TextOutput: "hi", LanguageTag: "en", ConfidenceBP: 9000, Stable: true}, 5)

	wrongHash := good
	wrongHash.SchemaHash = "deadbeef"
	invalid := good
	invalid.Validation = ValidationInvalid
	wrongTask := good
	wrongTask.NormalizedOutput = json.RawMessage(`{"task":"tts_speak","text_output":"hi","language_tag":"en","confidence_bp":9000,"stable":true}`)
	outOfRange := good
	outOfRange.NormalizedOutput = json.RawMessage(`{"task":"stt_transcribe","text_output":"hi","language_tag":"en","confidence_bp":12000,"stable":true}`)
	missing := good
	missing.NormalizedOutput = nil
	failed := good
	failed.Status = StatusError

	cases := []struct {
		name string
		resp CallResponse
		want stt.ReasonCode
	}{
		{"schema hash", wrongHash, stt.ReasonPolicyRestricted},
		{"invalid", invalid, stt.ReasonPolicyRestricted},
		{"task", wrongTask, stt.ReasonPolicyRestricted},
		{"range", outOfRange, stt.ReasonPolicyRestricted},
		{"missing", missing, stt.ReasonEmpty},
		{"status", failed, stt.ReasonEmpty},
	}
	for _, tc := range cases {
		_, err := Decode(tc.resp)
		if got := reasonOf(t, err); got != tc.want {
			t.Fatalf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestAudioRefHashIsStable(t *testing.T) {
	ref := AudioRef{StreamID: "s", StartMS: 1, EndMS: 2, LexiconTerms: []string{"loqa"}}
	_, a, err := ref.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	_, b, _ := ref.Encode()
	ref.EndMS = 3
	_, c, _ := ref.Encode()
	if a != b || a == c || len(a) != 64 {
		t.Fatalf("unexpected hashes %s %s %s", a, b, c)
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(nil) {
		t.Fatalf("nil is not retryable")
	}
	if Retryable(&AdapterError{Retryable: false}) {
		t.Fatalf("terminal adapter error reported retryable")
	}
	if !Retryable(errors.New("socket closed")) {
		t.Fatalf("transport errors are retryable")
	}
}

func TestMockAdapterStreaming(t *testing.T) {
	data, hash, _ := AudioRef{StreamID: "s", Streaming: true, RevisionHint: 3}.Encode()
	resp, err := NewMockAdapter("hello there", "", 9500).Execute(context.Background(), CallRequest{AudioRef: data, AudioRefHash: hash})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out, err := Decode(resp)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.RevisionID != 3 || !out.Finalized || out.LanguageTag != "en" {
		t.Fatalf("unexpected output %+v", out)
	}
}

func runNATS(t *testing.T) *nats.Conn {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: server.RANDOM_PORT, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatalf("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)
	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(conn.Close)
	return conn
}

func TestNATSAdapter(t *testing.T) {
	conn := runNATS(t)
	_, err := conn.Subscribe("stt.provider.acme", func(msg *nats.Msg) {
		var req CallRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return
		}
		resp, _ := Respond(Output{TextOutput: "from " + req.ModelID, LanguageTag: "en", ConfidenceBP: 9100, Stable: true}, 42)
		data, _ := json.Marshal(resp)
		_ = msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	adapter := NewNATSAdapter(conn, "stt.provider.")
	resp, err := adapter.Execute(context.Background(), CallRequest{ProviderID: "acme", ModelID: "m1", TimeoutMS: 2000})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out, err := Decode(resp)
	if err != nil || out.TextOutput != "from m1" || resp.LatencyMS != 42 {
		t.Fatalf("unexpected reply %+v (%v)", out, err)
	}

	_, err = adapter.Execute(context.Background(), CallRequest{ProviderID: "nobody", TimeoutMS: 500})
	var adapterErr *AdapterError
	if !errors.As(err, &adapterErr) || adapterErr.Retryable {
		t.Fatalf("expected terminal no-responders error, got %v", err)
	}
}
