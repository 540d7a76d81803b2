package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		wantErr error
		kind    string
	}{
		{name: "request", body: `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, kind: "request"},
		{name: "notification", body: `{"jsonrpc":"2.0","method":"notifications/initialized"}`, kind: "notification"},
		{name: "response", body: `{"jsonrpc":"2.0","id":"a","result":{}}`, kind: "response"},
		{name: "not json", body: `{"jsonrpc":`, wantErr: ErrParse},
		{name: "empty", body: ``, wantErr: ErrParse},
		{name: "batch", body: `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, wantErr: ErrInvalidRequest},
		{name: "scalar", body: `42`, wantErr: ErrInvalidRequest},
		{name: "missing marker", body: `{"id":1,"method":"ping"}`, wantErr: ErrInvalidRequest},
		{name: "wrong version", body: `{"jsonrpc":"1.0","id":1,"method":"ping"}`, wantErr: ErrInvalidRequest},
		{name: "result and error", body: `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`, wantErr: ErrInvalidRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Decode([]byte(tc.body))
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if want, got := tc.kind, msg.Type(); want != got {
				t.Fatalf("expected type %q, got %q", want, got)
			}
		})
	}
}

func TestCodeFor(t *testing.T) {
	_, err := Decode([]byte("nope"))
	if want, got := ErrorCodeParseError, CodeFor(err); want != got {
		t.Fatalf("expected %d, got %d", want, got)
	}
	_, err = Decode([]byte(`{"id":1}`))
	if want, got := ErrorCodeInvalidRequest, CodeFor(err); want != got {
		t.Fatalf("expected %d, got %d", want, got)
	}
}

func TestResponseNullID(t *testing.T) {
	b, err := json.Marshal(NewErrorResponse(nil, ErrorCodeParseError, "", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"jsonrpc":"2.0","error":{"code":-32700,"message":"Parse error"},"id":null}`
	if got := string(b); want != got {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	for _, raw := range []string{`"t1"`, `7`, `1.5`} {
		var id RequestID
		if err := json.Unmarshal([]byte(raw), &id); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		b, err := json.Marshal(&id)
		if err != nil {
			t.Fatalf("marshal %s: %v", raw, err)
		}
		if want, got := raw, string(b); want != got {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
	if !(*RequestID)(nil).IsNil() {
		t.Fatal("nil id should report IsNil")
	}
	if want, got := "12", NewRequestID(12).String(); want != got {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
