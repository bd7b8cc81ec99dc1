package providers

import (
	"errors"
	"strings"
	"testing"
	"testing/iotest"
)

func frame(event, data string) string {
	return "event:" + event + "\ndata:" + data + "\n\n"
}

func TestParseStream_DeltasOnly(t *testing.T) {
	stream := frame(cozeMessageDelta, `{"id":"m1","type":"answer","content":"He"}`) +
		frame(cozeMessageDelta, `{"id":"m1","type":"answer","content":"llo"}`) +
		frame(cozeDone, `"[DONE]"`)

	frames, err := ParseStream(strings.NewReader(stream))
	if err != nil {
		t.Fatal(err)
	}
	got := ProcessEvents(frames).Answers()
	if len(got) != 1 || got[0] != "Hello" {
		t.Errorf("Answers() = %q, want [Hello]", got)
	}
}

func TestParseStream_CompletedSupersedesDeltas(t *testing.T) {
	stream := frame(cozeMessageDelta, `{"id":"m1","type":"answer","content":"He"}`) +
		frame(cozeMessageDelta, `{"id":"m1","type":"answer","content":"llo"}`) +
		frame(cozeMessageCompleted, `{"id":"m1","type":"answer","role":"assistant","content":"Hello!"}`) +
		frame(cozeDone, `"[DONE]"`)

	frames, err := ParseStream(strings.NewReader(stream))
	if err != nil {
		t.Fatal(err)
	}
	got := ProcessEvents(frames).Answers()
	if len(got) != 1 || got[0] != "Hello!" {
		t.Errorf("Answers() = %q, want [Hello!]", got)
	}
}

// TestParseStream_ChunkBoundaries feeds the stream one byte per Read so every
// line is split across reads.
func TestParseStream_ChunkBoundaries(t *testing.T) {
	long := strings.Repeat("x", 3000)
	stream := frame(cozeChatCreated, `{"id":"chat-1","conversation_id":"conv-1"}`) +
		frame(cozeMessageCompleted, `{"id":"m1","type":"answer","content":"`+long+`"}`) +
		frame(cozeChatCompleted, `{"id":"chat-1","conversation_id":"conv-1","usage":{"token_count":3}}`)

	frames, err := ParseStream(iotest.OneByteReader(strings.NewReader(stream)))
	if err != nil {
		t.Fatal(err)
	}
	res := ProcessEvents(frames)
	if res.ChatID != "chat-1" || res.ConversationID != "conv-1" || res.Status != "completed" {
		t.Errorf("result = %+v", res)
	}
	if a := res.Answers(); len(a) != 1 || a[0] != long {
		t.Errorf("long answer lost across chunks: %d answers", len(a))
	}

	// Whole-buffer reads cross the 1024-byte chunk size mid-line.
	frames, err = ParseStream(strings.NewReader(stream))
	if err != nil {
		t.Fatal(err)
	}
	if a := ProcessEvents(frames).Answers(); len(a) != 1 || a[0] != long {
		t.Errorf("long answer lost at chunk size: %d answers", len(a))
	}
}

func TestParseStream_StopsAtTerminal(t *testing.T) {
	stream := frame(cozeChatFailed, `{"conversation_id":"c","last_error":{"code":4011,"msg":"quota"}}`) +
		frame(cozeMessageCompleted, `{"id":"late","type":"answer","content":"never"}`)

	frames, err := ParseStream(strings.NewReader(stream))
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1 (stop at chat failed)", len(frames))
	}
	res := ProcessEvents(frames)
	if res.Status != "failed" || res.LastError == nil || res.LastError.Code != 4011 {
		t.Errorf("result = %+v, want failed with code 4011", res)
	}
}

func TestParseStream_SentinelAndTrailingLine(t *testing.T) {
	// No trailing newline: the last line sits in the carry buffer at EOF.
	stream := "event:" + cozeMessageCompleted + "\ndata:{\"id\":\"m\",\"type\":\"answer\",\"content\":\"tail\"}"
	frames, err := ParseStream(strings.NewReader(stream))
	if err != nil {
		t.Fatal(err)
	}
	if a := ProcessEvents(frames).Answers(); len(a) != 1 || a[0] != "tail" {
		t.Errorf("Answers() = %q, want [tail]", a)
	}

	frames, _ = ParseStream(strings.NewReader("data: [DONE]\n" + frame(cozeMessageDelta, `{"id":"x","type":"answer","content":"no"}`)))
	if len(frames) != 0 {
		t.Errorf("frames after [DONE] = %d, want 0", len(frames))
	}
}

func TestParseStream_MalformedData(t *testing.T) {
	_, err := ParseStream(strings.NewReader(frame(cozeMessageDelta, `{not json`)))
	if !errors.Is(err, ErrStreamProtocol) {
		t.Errorf("err = %v, want ErrStreamProtocol", err)
	}
}

func TestProcessEvents_NonAnswerKindsNotSurfaced(t *testing.T) {
	frames := []Frame{
		{Event: cozeMessageCompleted, Data: map[string]any{"id": "k", "type": "knowledge", "content": "doc"}},
		{Event: cozeMessageCompleted, Data: map[string]any{"id": "a", "type": "answer", "content": "  "}},
		{Event: cozeMessageDelta, Data: map[string]any{"id": "v", "type": "verbose", "content": "x"}},
		{Event: cozeMessageCompleted, Data: map[string]any{"id": "b", "type": "answer", "content": "ok"}},
	}
	res := ProcessEvents(frames)
	if len(res.Messages) != 3 {
		t.Errorf("parsed messages = %d, want 3", len(res.Messages))
	}
	if a := res.Answers(); len(a) != 1 || a[0] != "ok" {
		t.Errorf("Answers() = %q, want [ok]", a)
	}
}
