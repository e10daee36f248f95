package signaling

import (
	"reflect"
	"testing"
)

func FuzzParseMessage(f *testing.F) {
	f.Add([]byte(`{"type":"join","sessionId":"S1","userId":"u","isHost":true}`))
	f.Add([]byte(`{"type":"offer","sessionId":"S1","userId":"u","payload":{"type":"offer","sdp":"v=0"}}`))
	f.Add([]byte(`{"type":"ice-candidate","sessionId":"S1","userId":"u","payload":{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host","sdpMid":"0","sdpMLineIndex":0}}`))
	f.Add([]byte(`{"type":"session-info","sessionId":"S1","userId":"","payload":{"users":[{"userId":"u","isHost":true}]}}`))
	f.Add([]byte(`{"type":"error","sessionId":"","userId":"","payload":{"code":"bad_message","message":"x"}}`))

	f.Add([]byte(`{"type":"leave","sessionId":"S1","userId":"u","unexpected":true}`))
	f.Add([]byte(`{"type":"bogus"}`))
	f.Add([]byte(`{"type":"leave","sessionId":"S1","userId":"u"}{"type":"leave"}`))
	f.Add([]byte(`[]`))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		msg1, err1 := ParseMessage(data)
		msg2, err2 := ParseMessage(data)
		if (err1 == nil) != (err2 == nil) {
			t.Fatalf("non-deterministic parse result: err1=%v err2=%v", err1, err2)
		}
		if err1 != nil {
			return
		}

		if err := msg1.Validate(); err != nil {
			t.Fatalf("Validate() failed after successful parse: %v", err)
		}
		if !reflect.DeepEqual(msg1, msg2) {
			t.Fatalf("non-deterministic parse output: msg1=%#v msg2=%#v", msg1, msg2)
		}

		b, err := msg1.Marshal()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		round, err := ParseMessage(b)
		if err != nil {
			t.Fatalf("re-parse marshaled message: %v (json=%q)", err, string(b))
		}
		if !reflect.DeepEqual(msg1, round) {
			t.Fatalf("round-trip mismatch: msg=%#v round=%#v json=%q", msg1, round, string(b))
		}
	})
}
