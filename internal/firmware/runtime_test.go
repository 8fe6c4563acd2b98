package firmware

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/arducord/arducord/internal/protocol"
)

func feedLine(r *Runtime, line string) {
	for i := 0; i < len(line); i++ {
		r.Feed(line[i])
	}
	r.Feed('\n')
}

func responses(t *testing.T, out *bytes.Buffer) []protocol.DeviceResponse {
	t.Helper()
	var resps []protocol.DeviceResponse
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var resp protocol.DeviceResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("device wrote a non-JSON line %q: %v", line, err)
		}
		resps = append(resps, resp)
	}
	return resps
}

func TestRuntimeExecutesCommand(t *testing.T) {
	var out bytes.Buffer
	board := NewSimBoard()
	r := NewRuntime(board, &out)

	feedLine(r, `{"id":"c1","command":"LED_ON","timestamp":1}`)

	if !board.Digital[LEDPin] {
		t.Fatal("LED_ON did not drive the pin")
	}

	resps := responses(t, &out)
	if len(resps) < 2 {
		t.Fatalf("expected a result and a status frame, got %d lines", len(resps))
	}
	first := resps[0]
	if first.ID != "c1" || first.Success == nil || !*first.Success {
		t.Errorf("expected correlated success for c1, got %+v", first)
	}
	if resps[1].Type != protocol.ResponseStatus {
		t.Errorf("expected a status frame after a state change, got %+v", resps[1])
	}
}

func TestRuntimeReading(t *testing.T) {
	var out bytes.Buffer
	board := NewSimBoard()
	board.Analog[3] = 512
	r := NewRuntime(board, &out)

	feedLine(r, `{"id":"c2","command":"ANALOG_READ","params":{"pin":3}}`)

	resps := responses(t, &out)
	if len(resps) == 0 {
		t.Fatal("no response")
	}
	reading := resps[0]
	if reading.Type != protocol.ResponseReading {
		t.Fatalf("expected a reading, got %+v", reading)
	}
	var data struct {
		Pin   int `json:"pin"`
		Value int `json:"value"`
	}
	if err := json.Unmarshal(reading.Data, &data); err != nil {
		t.Fatalf("bad reading payload: %v", err)
	}
	if data.Pin != 3 || data.Value != 512 {
		t.Errorf("expected pin 3 = 512, got %+v", data)
	}
}

func TestRuntimeUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	r := NewRuntime(NewSimBoard(), &out)

	feedLine(r, `{"id":"c3","command":"SELF_DESTRUCT"}`)

	resps := responses(t, &out)
	if len(resps) != 1 {
		t.Fatalf("expected exactly one response, got %d", len(resps))
	}
	resp := resps[0]
	if resp.ID != "c3" || resp.Success == nil || *resp.Success {
		t.Fatalf("expected a correlated error, got %+v", resp)
	}
	if !strings.Contains(resp.Message, "unknown command") {
		t.Errorf("error should name the unknown command, got %q", resp.Message)
	}
}

func TestRuntimeInvalidParameterRejected(t *testing.T) {
	var out bytes.Buffer
	board := NewSimBoard()
	r := NewRuntime(board, &out)

	feedLine(r, `{"id":"c4","command":"LED_BLINK","params":{"rate":9}}`)

	resps := responses(t, &out)
	if len(resps) != 1 || resps[0].Success == nil || *resps[0].Success {
		t.Fatalf("expected one error response, got %+v", resps)
	}
	if len(r.Effects().Active()) != 0 {
		t.Error("rejected command must not start an effect")
	}
}

func TestRuntimeParseErrorIsSurfaced(t *testing.T) {
	var out bytes.Buffer
	r := NewRuntime(NewSimBoard(), &out)

	feedLine(r, `this is not json`)

	resps := responses(t, &out)
	if len(resps) != 1 || resps[0].Type != protocol.ResponseError {
		t.Fatalf("expected an error frame, got %+v", resps)
	}
}

func TestRuntimeLineLengthBound(t *testing.T) {
	var out bytes.Buffer
	r := NewRuntime(NewSimBoard(), &out)

	feedLine(r, strings.Repeat("x", MaxLineLength+50))

	resps := responses(t, &out)
	if len(resps) != 1 || resps[0].Type != protocol.ResponseError {
		t.Fatalf("expected an oversize rejection, got %+v", resps)
	}

	// The buffer must be usable again afterwards.
	out.Reset()
	feedLine(r, `{"id":"c5","command":"PING"}`)
	resps = responses(t, &out)
	if len(resps) != 1 || resps[0].Message != "pong" {
		t.Fatalf("expected pong after oversize line, got %+v", resps)
	}
}

func TestRuntimePeriodicStatus(t *testing.T) {
	var out bytes.Buffer
	r := NewRuntime(NewSimBoard(), &out)

	r.Tick(10 * time.Millisecond)
	if out.Len() != 0 {
		t.Fatal("status emitted before the first interval elapsed")
	}

	r.Tick(10*time.Millisecond + StatusInterval)
	resps := responses(t, &out)
	if len(resps) != 1 || resps[0].Type != protocol.ResponseStatus {
		t.Fatalf("expected one status frame, got %+v", resps)
	}
}
