package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// readAll runs r over input and returns the records seen by the callback.
func readAll(t *testing.T, r *Reader, input string) ([]Record, Stats, error) {
	t.Helper()
	var got []Record
	st, err := r.Read(context.Background(), strings.NewReader(input), func(rec Record) error {
		got = append(got, rec)
		return nil
	})
	return got, st, err
}

func TestRead_LinesAndBlankLines(t *testing.T) {
	t.Parallel()

	input := "{\"a\":1}\n\n   \n{\"a\":2,\"b\":{\"c\":\"x\"}}\n{\"a\":3}" // no trailing newline
	got, st, err := readAll(t, NewReader(Options{}), input)
	if err != nil {
		t.Fatalf("Read() err=%v", err)
	}
	if st.Read != 3 || st.Skipped != 0 {
		t.Fatalf("stats=%+v, want read=3 skipped=0", st)
	}
	if got[0].Line != 1 || got[1].Line != 4 || got[2].Line != 5 {
		t.Fatalf("lines=%d,%d,%d want 1,4,5", got[0].Line, got[1].Line, got[2].Line)
	}
	if n, ok := got[0].Fields["a"].(json.Number); !ok || n.String() != "1" {
		t.Fatalf("a=%#v, want json.Number(1)", got[0].Fields["a"])
	}
	v, ok := got[1].Lookup("b.c")
	if !ok || v != "x" {
		t.Fatalf("Lookup(b.c)=(%v,%v), want x", v, ok)
	}
	if _, ok := got[1].Lookup("b.c.d"); ok {
		t.Fatalf("Lookup through a string should fail")
	}
	if _, ok := got[1].Lookup("missing"); ok {
		t.Fatalf("Lookup(missing) should fail")
	}
}

func TestRead_LenientSkipsMalformed(t *testing.T) {
	t.Parallel()

	var skipped []int
	r := NewReader(Options{OnSkip: func(line int, err error) {
		if !errors.Is(err, ErrMalformedRecord) {
			t.Errorf("OnSkip err=%v, want ErrMalformedRecord", err)
		}
		skipped = append(skipped, line)
	}})

	input := strings.Join([]string{
		`{"ok":1}`,
		`{"broken":`,
		`[1,2,3]`,
		`null`,
		`{"a":1} {"b":2}`,
		`{"ok":2}`,
	}, "\n")
	got, st, err := readAll(t, r, input)
	if err != nil {
		t.Fatalf("Read() err=%v", err)
	}
	if len(got) != 2 || st.Read != 2 || st.Skipped != 4 {
		t.Fatalf("got=%d stats=%+v, want 2 read 4 skipped", len(got), st)
	}
	if fmt.Sprint(skipped) != "[2 3 4 5]" {
		t.Fatalf("skipped lines=%v, want [2 3 4 5]", skipped)
	}
}

func TestRead_StrictFailsOnFirstMalformed(t *testing.T) {
	t.Parallel()

	got, _, err := readAll(t, NewReader(Options{Strict: true}), "{\"ok\":1}\nnot json\n{\"ok\":2}\n")
	if !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("Read() err=%v, want ErrMalformedRecord", err)
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("err=%q should name line 2", err)
	}
	if len(got) != 1 {
		t.Fatalf("records before failure=%d, want 1", len(got))
	}
}

func TestRead_CallbackRejection(t *testing.T) {
	t.Parallel()

	input := "{\"n\":1}\n{\"n\":2}\n{\"n\":3}\n"
	reject := func(rec Record) error {
		if rec.Line == 2 {
			return fmt.Errorf("cast n: %w", ErrMalformedRecord)
		}
		return nil
	}

	st, err := NewReader(Options{}).Read(context.Background(), strings.NewReader(input), reject)
	if err != nil || st.Read != 2 || st.Skipped != 1 {
		t.Fatalf("lenient: stats=%+v err=%v", st, err)
	}

	_, err = NewReader(Options{Strict: true}).Read(context.Background(), strings.NewReader(input), reject)
	if !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("strict: err=%v, want ErrMalformedRecord", err)
	}

	boom := errors.New("boom")
	_, err = NewReader(Options{}).Read(context.Background(), strings.NewReader(input), func(Record) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("other callback error: err=%v, want boom", err)
	}
}

func TestRead_MaxSkipRate(t *testing.T) {
	t.Parallel()

	input := "{}\nbad\n{}\n{}\n" // 1 of 4 skipped
	_, st, err := readAll(t, NewReader(Options{MaxSkipRate: 0.2}), input)
	if !errors.Is(err, ErrSkipThreshold) {
		t.Fatalf("rate 0.2: err=%v, want ErrSkipThreshold", err)
	}
	if st.Read != 3 || st.Skipped != 1 {
		t.Fatalf("stats=%+v", st)
	}

	if _, _, err := readAll(t, NewReader(Options{MaxSkipRate: 0.25}), input); err != nil {
		t.Fatalf("rate 0.25: err=%v, want nil", err)
	}
}

func TestRead_Restartable(t *testing.T) {
	t.Parallel()

	input := "{\"a\":1}\nbad\n{\"a\":2}\n"
	r := NewReader(Options{})
	first, st1, _ := readAll(t, r, input)
	second, st2, _ := readAll(t, r, input)
	if st1 != st2 || len(first) != len(second) {
		t.Fatalf("reads differ: %+v vs %+v", st1, st2)
	}
	for i := range first {
		if first[i].Line != second[i].Line || fmt.Sprint(first[i].Fields) != fmt.Sprint(second[i].Fields) {
			t.Fatalf("record %d differs", i)
		}
	}
}

func TestRead_ContextCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewReader(Options{}).Read(ctx, strings.NewReader("{}\n"), func(Record) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}

func TestRead_LongLine(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 256*1024)
	got, _, err := readAll(t, NewReader(Options{}), `{"s":"`+long+`"}`+"\n")
	if err != nil || len(got) != 1 || got[0].Fields["s"] != long {
		t.Fatalf("long line: n=%d err=%v", len(got), err)
	}
}
